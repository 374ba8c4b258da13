package jupyter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ProgressMessage is one spawn progress event from the hub's EventStream
// progress endpoint.
type ProgressMessage struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Ready    bool   `json:"ready"`
}

// WaitForLabReady watches the hub's spawn progress stream until the lab
// reports ready. The caller bounds the wait with ctx; deadline expiry maps
// to a ProvisioningError.
//
// The progress API sometimes closes the stream right after the initial
// request message; when that happens before any progress was reported the
// stream is reopened after a short delay.
func (c *Client) WaitForLabReady(ctx context.Context) error {
	for {
		ready, lastProgress, err := c.streamProgressOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return &ProvisioningError{Identity: c.identityName, Cause: ctx.Err()}
			}
			return err
		}
		if ready {
			return nil
		}
		if lastProgress > 0 {
			return &ProvisioningError{
				Identity: c.identityName,
				Cause:    fmt.Errorf("spawn progress ended at %d%% without ready", lastProgress),
			}
		}

		c.logger.Info().Msg("Retrying spawn progress request")
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return &ProvisioningError{Identity: c.identityName, Cause: ctx.Err()}
		}
	}
}

// streamProgressOnce consumes one progress stream until it reports ready or
// closes. Returns whether ready was seen and the last progress percentage.
func (c *Client) streamProgressOnce(ctx context.Context) (bool, int, error) {
	progressURL := c.urlFor("hub/api/users/" + c.identityName + "/server/progress")

	resp, err := c.doRequest(ctx, http.MethodGet, progressURL, c.hubAPIHeaders(), nil)
	if err != nil {
		return false, 0, fmt.Errorf("progress request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, 0, newHTTPError(c.identityName, resp)
	}

	lastProgress := 0
	started := time.Now()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event ProgressMessage
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			c.logger.Warn().Str("raw_event", raw).Err(err).Msg("Ignoring invalid progress event")
			continue
		}

		lastProgress = event.Progress
		status := "in progress"
		if event.Ready {
			status = "complete"
		}
		c.logger.Info().
			Str("status", status).
			Int("elapsed", int(time.Since(started).Seconds())).
			Str("details", event.Message).
			Msg("Spawning")

		if event.Ready {
			return true, lastProgress, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, lastProgress, fmt.Errorf("progress stream failed: %w", err)
	}

	return false, lastProgress, nil
}
