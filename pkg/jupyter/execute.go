package jupyter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// NotebookError is the in-cell exception payload returned by the lab's
// execution extension when user code raised during a cell.
type NotebookError struct {
	Traceback string `json:"traceback"`
	Name      string `json:"ename"`
	Value     string `json:"evalue"`
	Message   string `json:"err_msg"`
}

// ExecutionResponse is the execution extension's response. Error is set
// when the notebook raised inside a cell; the execution itself still
// succeeded at the protocol level and Notebook holds the partially executed
// document.
type ExecutionResponse struct {
	Notebook  string         `json:"notebook"`
	Resources map[string]any `json:"resources,omitempty"`
	Error     *NotebookError `json:"error,omitempty"`
}

// ExecuteNotebook submits an ipynb document to the lab pod's execution
// extension. kernelName is forwarded in a header so the remote kernel
// matches the notebook's declared kernel instead of the pod default.
//
// No request timeout is applied here beyond ctx: notebook execution can
// legitimately run for a long time and the per-job deadline belongs to the
// caller.
func (c *Client) ExecuteNotebook(ctx context.Context, ipynb []byte, kernelName string) (*ExecutionResponse, error) {
	execURL := c.urlFor("user/" + c.identityName + "/ext/execution")

	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if kernelName != "" {
		headers["X-Kernel-Name"] = kernelName
	}
	if token := c.labToken(); token != "" {
		headers["X-XSRFToken"] = token
	} else if token := c.hubToken(); token != "" {
		c.logger.Warn().Msg("No lab XSRF token available, falling back to hub token")
		headers["X-XSRFToken"] = token
	}

	resp, err := c.doRequest(ctx, http.MethodPost, execURL, headers, bytes.NewReader(ipynb))
	if err != nil {
		return nil, fmt.Errorf("execution request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPError(c.identityName, resp)
	}

	var result ExecutionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("invalid execution response: %w", err)
	}
	return &result, nil
}

// LabEnvironment fetches metadata from the lab's environment extension
// endpoint. Useful for diagnostics messages.
func (c *Client) LabEnvironment(ctx context.Context) (map[string]any, error) {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	envURL := c.urlFor("user/" + c.identityName + "/ext/environment")

	headers := map[string]string{}
	if token := c.labToken(); token != "" {
		headers["X-XSRFToken"] = token
	}

	resp, err := c.doRequest(ctx, http.MethodGet, envURL, headers, nil)
	if err != nil {
		return nil, fmt.Errorf("environment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newHTTPError(c.identityName, resp)
	}

	var env map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("invalid environment response: %w", err)
	}
	return env, nil
}
