// Package jupyter is the client side of the hub and lab protocols.
//
// A Client is bound to one claimed identity and its credential. Session
// establishment is a multi-step handshake: log into the hub, check for an
// orphaned lab, pick an image, submit the spawn form, watch the progress
// event stream until the pod is ready, then log into the lab itself.
//
// The hub and the lab each issue their own anti-forgery token via the
// _xsrf cookie, set at unpredictable hops inside login redirect chains.
// The client walks redirects manually to harvest these tokens; requests to
// hub APIs carry the hub token and requests to the lab (execution, kernel
// sessions) carry the lab token. Mixing them up yields 403s that are
// indistinguishable from a dead pod, so the two are tracked separately.
//
// Notebook execution goes through the lab's execution extension over plain
// HTTP. Ad hoc snippets, used by the keep-alive prober, run on a kernel
// session over the kernel's channels websocket.
package jupyter
