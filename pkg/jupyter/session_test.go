package jupyter

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kernelStub upgrades the channels endpoint and answers execute requests
// the way a lab kernel would.
type kernelStub struct {
	t        *testing.T
	upgrader websocket.Upgrader
	// respond builds the messages to send back for one execute request.
	respond func(parent kernelHeader) []kernelMessage
}

func (k *kernelStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := k.upgrader.Upgrade(w, r, nil)
	require.NoError(k.t, err)
	defer conn.Close()

	for {
		var msg kernelMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Header.MsgType != "execute_request" {
			continue
		}
		for _, reply := range k.respond(msg.Header) {
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}

func reply(parent kernelHeader, msgType string, content any) kernelMessage {
	raw, _ := json.Marshal(content)
	return kernelMessage{
		Header:       kernelHeader{MsgID: parent.MsgID + "-" + msgType, MsgType: msgType},
		ParentHeader: parent,
		Content:      raw,
	}
}

func sessionMux(t *testing.T, stub *kernelStub) *http.ServeMux {
	t.Helper()
	deleted := false
	mux := loginMux(t)
	mux.HandleFunc("/nb/user/"+testIdentity+"/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "lab-xsrf", r.Header.Get("X-XSRFToken"))

		var req sessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "python3", req.Kernel.Name)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(sessionInfo{ID: "sess-1", Kernel: struct {
			ID string `json:"id"`
		}{ID: "kern-1"}})
	})
	mux.HandleFunc("/nb/user/"+testIdentity+"/api/sessions/sess-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		deleted = true
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/nb/user/"+testIdentity+"/api/kernels/kern-1/channels", stub)
	t.Cleanup(func() { assert.True(t, deleted, "session was never deleted on the lab") })
	return mux
}

func TestRunPythonCollectsStreamOutput(t *testing.T) {
	stub := &kernelStub{t: t, respond: func(parent kernelHeader) []kernelMessage {
		return []kernelMessage{
			reply(parent, "status", map[string]any{"execution_state": "busy"}),
			reply(parent, "execute_input", map[string]any{}),
			reply(parent, "stream", map[string]any{"name": "stdout", "text": "ali"}),
			reply(parent, "stream", map[string]any{"name": "stdout", "text": "ve\n"}),
			reply(parent, "execute_reply", map[string]any{"status": "ok"}),
		}
	}}
	client, _ := newTestClient(t, sessionMux(t, stub))
	ctx := context.Background()
	require.NoError(t, client.LoginToHub(ctx))
	require.NoError(t, client.LoginToLab(ctx))

	session, err := client.OpenLabSession(ctx, "keepalive", "python3")
	require.NoError(t, err)

	output, err := session.RunPython(ctx, "print('alive')")
	require.NoError(t, err)
	assert.Equal(t, "alive\n", output)

	require.NoError(t, session.Close(ctx))
}

func TestRunPythonIgnoresForeignParents(t *testing.T) {
	stub := &kernelStub{t: t, respond: func(parent kernelHeader) []kernelMessage {
		foreign := kernelHeader{MsgID: "someone-else"}
		return []kernelMessage{
			reply(foreign, "stream", map[string]any{"text": "not ours"}),
			reply(parent, "stream", map[string]any{"text": "ours"}),
			reply(parent, "execute_reply", map[string]any{"status": "ok"}),
		}
	}}
	client, _ := newTestClient(t, sessionMux(t, stub))
	ctx := context.Background()
	require.NoError(t, client.LoginToHub(ctx))
	require.NoError(t, client.LoginToLab(ctx))

	session, err := client.OpenLabSession(ctx, "keepalive", "python3")
	require.NoError(t, err)

	output, err := session.RunPython(ctx, "print('alive')")
	require.NoError(t, err)
	assert.Equal(t, "ours", output)

	require.NoError(t, session.Close(ctx))
}

func TestRunPythonKernelError(t *testing.T) {
	stub := &kernelStub{t: t, respond: func(parent kernelHeader) []kernelMessage {
		return []kernelMessage{
			reply(parent, "error", map[string]any{
				"ename":  "NameError",
				"evalue": "name 'alive' is not defined",
			}),
		}
	}}
	client, _ := newTestClient(t, sessionMux(t, stub))
	ctx := context.Background()
	require.NoError(t, client.LoginToHub(ctx))
	require.NoError(t, client.LoginToLab(ctx))

	session, err := client.OpenLabSession(ctx, "keepalive", "python3")
	require.NoError(t, err)

	_, err = session.RunPython(ctx, "alive")
	require.Error(t, err)

	var cerr *CodeExecutionError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Output, "NameError")

	require.NoError(t, session.Close(ctx))
}

func TestRunPythonBadReplyStatus(t *testing.T) {
	stub := &kernelStub{t: t, respond: func(parent kernelHeader) []kernelMessage {
		return []kernelMessage{
			reply(parent, "execute_reply", map[string]any{"status": "aborted"}),
		}
	}}
	client, _ := newTestClient(t, sessionMux(t, stub))
	ctx := context.Background()
	require.NoError(t, client.LoginToHub(ctx))
	require.NoError(t, client.LoginToLab(ctx))

	session, err := client.OpenLabSession(ctx, "keepalive", "python3")
	require.NoError(t, err)

	_, err = session.RunPython(ctx, "print('alive')")
	require.Error(t, err)

	var cerr *CodeExecutionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "aborted", cerr.Status)

	require.NoError(t, session.Close(ctx))
}
