// Package queue consumes notebook jobs from a Redis list queue.
//
// Delivery is at-least-once: a popped job moves atomically onto the
// worker's processing list and is held under a claim key with a visibility
// timeout. A worker that dies mid-job leaves the claim to expire, after
// which a reaper can move the job back to the pending queue. Results are
// published before the delivery is settled, trading the possibility of a
// duplicate delivery for the guarantee that no result is ever lost.
package queue
