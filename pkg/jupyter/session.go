package jupyter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// sessionRequest is the body for creating a lab session.
type sessionRequest struct {
	Kernel sessionKernel `json:"kernel"`
	Name   string        `json:"name"`
	Path   string        `json:"path"`
	Type   string        `json:"type"`
}

type sessionKernel struct {
	Name string `json:"name"`
}

// sessionInfo is the lab's view of a created session.
type sessionInfo struct {
	ID     string `json:"id"`
	Kernel struct {
		ID string `json:"id"`
	} `json:"kernel"`
}

// LabSession is a live kernel session on an identity's lab pod, with a
// websocket attached to the kernel's message channels. Used by the
// keep-alive prober to run small snippets in the pod; notebook execution
// goes through the execution extension instead.
//
// A session is not safe for concurrent use.
type LabSession struct {
	client    *Client
	id        string
	kernelID  string
	conn      *websocket.Conn
	sessionID string
	logger    zerolog.Logger
}

// kernelMessage is the subset of the kernel wire protocol we speak.
type kernelMessage struct {
	Header       kernelHeader    `json:"header"`
	ParentHeader kernelHeader    `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel"`
}

type kernelHeader struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Username string `json:"username,omitempty"`
	Session  string `json:"session,omitempty"`
	Date     string `json:"date,omitempty"`
	Version  string `json:"version,omitempty"`
}

// OpenLabSession creates a kernel session on the lab pod and connects to
// its channels websocket.
func (c *Client) OpenLabSession(ctx context.Context, name, kernelName string) (*LabSession, error) {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	reqBody := sessionRequest{
		Kernel: sessionKernel{Name: kernelName},
		Name:   name,
		Path:   uuid.NewString() + ".ipynb",
		Type:   "console",
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session request: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if token := c.labToken(); token != "" {
		headers["X-XSRFToken"] = token
	}

	sessionsURL := c.urlFor("user/" + c.identityName + "/api/sessions")
	resp, err := c.doRequest(ctx, http.MethodPost, sessionsURL, headers, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("session create request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, newHTTPError(c.identityName, resp)
	}

	var info sessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("invalid session create response: %w", err)
	}

	conn, err := c.dialKernelChannels(ctx, info.Kernel.ID)
	if err != nil {
		_ = c.deleteSession(context.WithoutCancel(ctx), info.ID)
		return nil, err
	}

	return &LabSession{
		client:    c,
		id:        info.ID,
		kernelID:  info.Kernel.ID,
		conn:      conn,
		sessionID: uuid.NewString(),
		logger:    c.logger.With().Str("session_id", info.ID).Logger(),
	}, nil
}

// dialKernelChannels opens the kernel's channels websocket. The shared
// cookie jar carries the lab session cookies into the handshake.
func (c *Client) dialKernelChannels(ctx context.Context, kernelID string) (*websocket.Conn, error) {
	wsURL := c.wsURLFor("user/" + c.identityName + "/api/kernels/" + kernelID + "/channels")

	dialer := websocket.Dialer{
		Jar:              c.httpClient.Jar,
		HandshakeTimeout: c.requestTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	if token := c.labToken(); token != "" {
		header.Set("X-XSRFToken", token)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, newHTTPError(c.identityName, resp)
		}
		return nil, fmt.Errorf("kernel channels dial failed: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn, nil
}

// deleteSession tears a session down on the lab pod.
func (c *Client) deleteSession(ctx context.Context, sessionID string) error {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	headers := map[string]string{}
	if token := c.labToken(); token != "" {
		headers["X-XSRFToken"] = token
	}

	resp, err := c.doRequest(ctx, http.MethodDelete, c.urlFor("user/"+c.identityName+"/api/sessions/"+sessionID), headers, nil)
	if err != nil {
		return fmt.Errorf("session delete request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return newHTTPError(c.identityName, resp)
	}
	return nil
}

// RunPython submits code on the session's kernel and collects its stream
// output until the kernel replies. A kernel-side exception or a reply
// status other than ok is a CodeExecutionError.
func (s *LabSession) RunPython(ctx context.Context, code string) (string, error) {
	msgID := uuid.NewString()
	request := kernelMessage{
		Header: kernelHeader{
			MsgID:    msgID,
			MsgType:  "execute_request",
			Username: s.client.identityName,
			Session:  s.sessionID,
			Date:     time.Now().UTC().Format(time.RFC3339),
			Version:  "5.4",
		},
		Metadata: map[string]any{},
		Content: mustJSON(map[string]any{
			"code":             code,
			"silent":           false,
			"store_history":    false,
			"user_expressions": map[string]any{},
			"allow_stdin":      false,
		}),
		Channel: "shell",
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetWriteDeadline(deadline); err != nil {
			return "", fmt.Errorf("failed to set write deadline: %w", err)
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return "", fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	if err := s.conn.WriteJSON(request); err != nil {
		return "", fmt.Errorf("failed to send execute request: %w", err)
	}

	var output bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		var msg kernelMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return "", fmt.Errorf("failed to read kernel message: %w", err)
		}
		if msg.ParentHeader.MsgID != msgID {
			continue
		}

		switch msg.Header.MsgType {
		case "stream":
			var content struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(msg.Content, &content); err != nil {
				return "", fmt.Errorf("invalid stream content: %w", err)
			}
			output.WriteString(content.Text)

		case "error":
			var content struct {
				Ename  string `json:"ename"`
				Evalue string `json:"evalue"`
			}
			if err := json.Unmarshal(msg.Content, &content); err != nil {
				return "", fmt.Errorf("invalid error content: %w", err)
			}
			return "", &CodeExecutionError{
				Identity: s.client.identityName,
				Code:     code,
				Output:   fmt.Sprintf("%s: %s", content.Ename, content.Evalue),
			}

		case "execute_reply":
			var content struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(msg.Content, &content); err != nil {
				return "", fmt.Errorf("invalid execute reply: %w", err)
			}
			if content.Status != "ok" {
				return "", &CodeExecutionError{
					Identity: s.client.identityName,
					Code:     code,
					Status:   content.Status,
					Output:   output.String(),
				}
			}
			return output.String(), nil
		}
	}
}

// Close closes the websocket and deletes the session on the lab pod.
func (s *LabSession) Close(ctx context.Context) error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Websocket close failed")
	}

	if err := s.client.deleteSession(ctx, s.id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", s.id, err)
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
