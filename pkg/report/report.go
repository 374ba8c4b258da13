package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Field is one labelled value in a diagnostics message.
type Field struct {
	Heading string `json:"heading"`
	Text    string `json:"text"`
}

// Message is a diagnostics notification for operators.
type Message struct {
	Text   string  `json:"text"`
	Fields []Field `json:"fields,omitempty"`
}

// Client posts diagnostics messages to a webhook. A nil client or one
// built without a URL discards messages, so callers never have to guard
// the optional sink.
type Client struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient builds a webhook client. An empty url yields a discarding
// client.
func NewClient(url string, logger zerolog.Logger) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With().Str("component", "report").Logger(),
	}
}

// Enabled reports whether messages go anywhere.
func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// Post sends one message. Failures are logged, never propagated: a broken
// diagnostics channel must not take the worker down with it.
func (c *Client) Post(ctx context.Context, msg Message) {
	if !c.Enabled() {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode webhook message")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to create webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Webhook post failed")
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		c.logger.Warn().Int("status", resp.StatusCode).Msg("Webhook rejected message")
	}
}

// ErrorMessage builds the standard shape for reporting an error with
// identifying context.
func ErrorMessage(summary string, err error, fields ...Field) Message {
	msg := Message{Text: summary, Fields: fields}
	if err != nil {
		msg.Fields = append(msg.Fields, Field{Heading: "Error", Text: err.Error()})
	}
	return msg
}

// Fieldf builds a field with a formatted value.
func Fieldf(heading, format string, args ...any) Field {
	return Field{Heading: heading, Text: fmt.Sprintf(format, args...)}
}
