package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostSendsMessage(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.Nop())
	client.Post(context.Background(), ErrorMessage("Worker lost its session",
		assert.AnError,
		Fieldf("Identity", "bot-worker-%d", 1),
	))

	assert.Equal(t, "Worker lost its session", got.Text)
	require.Len(t, got.Fields, 2)
	assert.Equal(t, "Identity", got.Fields[0].Heading)
	assert.Equal(t, "bot-worker-1", got.Fields[0].Text)
	assert.Equal(t, "Error", got.Fields[1].Heading)
}

func TestPostWithoutURLIsNoOp(t *testing.T) {
	client := NewClient("", zerolog.Nop())
	assert.False(t, client.Enabled())
	client.Post(context.Background(), Message{Text: "dropped"})

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
	nilClient.Post(context.Background(), Message{Text: "dropped"})
}

func TestPostSwallowsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zerolog.Nop())
	client.Post(context.Background(), Message{Text: "best effort"})
}
