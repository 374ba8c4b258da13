// Package gateway exchanges a service admin token for short-lived,
// scope-limited user credentials at the platform authentication gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skyfold/nbworker/pkg/identity"
)

// Client issues scoped credentials for worker identities.
type Client struct {
	baseURL    string
	adminToken string
	httpClient *http.Client
}

// NewClient builds a gateway client rooted at baseURL.
func NewClient(baseURL, adminToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type tokenRequest struct {
	Username  string   `json:"username"`
	TokenType string   `json:"token_type"`
	TokenName string   `json:"token_name"`
	Scopes    []string `json:"scopes"`
	Expires   int64    `json:"expires"`
	UID       *int     `json:"uid,omitempty"`
	GID       *int     `json:"gid,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// IssueCredential requests a bounded-lifetime credential for id with the
// given scopes.
func (c *Client) IssueCredential(ctx context.Context, id identity.Identity, scopes []string, lifetime time.Duration) (string, error) {
	body, err := json.Marshal(tokenRequest{
		Username:  id.Name,
		TokenType: "service",
		TokenName: "nbworker",
		Scopes:    scopes,
		Expires:   time.Now().Add(lifetime).Unix(),
		UID:       id.UID,
		GID:       id.GID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	url := c.baseURL + "/auth/api/v1/tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.adminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request for %s returned status %d: %s", id.Name, resp.StatusCode, snippet)
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("invalid token response: %w", err)
	}
	if parsed.Token == "" {
		return "", fmt.Errorf("token response for %s carried no token", id.Name)
	}

	return parsed.Token, nil
}
