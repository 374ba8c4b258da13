package jupyter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxRedirectHops bounds the manual login redirect walk.
const maxRedirectHops = 10

// Options configures a hub/lab client for one claimed identity.
type Options struct {
	IdentityName   string
	Token          string
	BaseURL        string
	HubPrefix      string
	RequestTimeout time.Duration
	GoneStatusMin  int
	GoneStatusMax  int
	Logger         zerolog.Logger
}

// Client drives the hub login protocol and talks to the identity's lab pod.
//
// The login sequence is deliberately a manual redirect walk: the hub and the
// auth layer in front of it set the anti-forgery cookie at arbitrary hops in
// the chain, so automatic redirect following would lose it. One cookie jar
// accumulates cookies across every hop.
//
// Token fields are guarded by mu: the keep-alive prober refreshes the lab
// token while executions read it, and a reader must never observe a
// half-updated pair.
type Client struct {
	identityName   string
	token          string
	hubURL         string
	requestTimeout time.Duration
	goneStatusMin  int
	goneStatusMax  int
	logger         zerolog.Logger

	httpClient *http.Client

	mu            sync.RWMutex
	hubXSRF       string
	labXSRF       string
	establishedAt time.Time
}

// NewClient builds a client for one identity. The returned client holds no
// session yet; call LoginToHub and LoginToLab (or let the worker runtime's
// session establishment drive the whole sequence).
func NewClient(opts Options) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	base := strings.TrimRight(opts.BaseURL, "/")
	prefix := "/" + strings.Trim(opts.HubPrefix, "/")

	return &Client{
		identityName:   opts.IdentityName,
		token:          opts.Token,
		hubURL:         base + prefix,
		requestTimeout: opts.RequestTimeout,
		goneStatusMin:  opts.GoneStatusMin,
		goneStatusMax:  opts.GoneStatusMax,
		logger:         opts.Logger,
		httpClient: &http.Client{
			Jar: jar,
			// Redirects are walked by hand so XSRF cookies can be
			// harvested mid-chain.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// IdentityName returns the identity this client is authenticated as.
func (c *Client) IdentityName() string {
	return c.identityName
}

// EstablishedAt returns when the lab session authentication completed.
func (c *Client) EstablishedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.establishedAt
}

// urlFor builds a URL under the hub path prefix.
func (c *Client) urlFor(path string) string {
	return c.hubURL + "/" + strings.TrimLeft(path, "/")
}

// wsURLFor builds a websocket URL under the hub path prefix.
func (c *Client) wsURLFor(path string) string {
	httpURL := c.urlFor(path)
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpURL, "http://")
}

// xsrfFromResponse extracts the anti-forgery cookie from one response, if
// it set one.
func xsrfFromResponse(resp *http.Response) string {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "_xsrf" {
			return cookie.Value
		}
	}
	return ""
}

// doRequest performs one non-redirecting request with the bearer credential
// attached. The response body is the caller's to close.
func (c *Client) doRequest(ctx context.Context, method, rawURL string, headers map[string]string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", rawURL, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.httpClient.Do(req)
}

// followLogin walks a login redirect chain one hop at a time, harvesting
// the anti-forgery cookie wherever it appears, and returns the harvested
// token. skip is a token already held for the other scope (hub vs lab), so
// a hop re-sending it is not mistaken for the one being harvested.
func (c *Client) followLogin(ctx context.Context, startURL string, headers map[string]string, skip string) (string, error) {
	token := ""
	current := startURL

	for hop := 0; hop < maxRedirectHops; hop++ {
		resp, err := c.doRequest(ctx, http.MethodGet, current, headers, nil)
		if err != nil {
			return "", fmt.Errorf("login request to %s failed: %w", current, err)
		}

		if x := xsrfFromResponse(resp); x != "" && x != skip {
			token = x
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if location == "" {
				return "", fmt.Errorf("redirect from %s carried no Location header", current)
			}
			next, err := resolveURL(current, location)
			if err != nil {
				return "", err
			}
			current = next
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if token == "" {
				return "", fmt.Errorf("login to %s: %w", startURL, ErrNoXSRFToken)
			}
			return token, nil
		}

		defer resp.Body.Close()
		return "", newHTTPError(c.identityName, resp)
	}

	return "", fmt.Errorf("login to %s exceeded %d redirect hops", startURL, maxRedirectHops)
}

func resolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", base, err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid redirect location %q: %w", ref, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// LoginToHub logs into the hub, harvesting the hub-scoped XSRF token.
func (c *Client) LoginToHub(ctx context.Context) error {
	c.logger.Debug().Msg("Logging into hub")

	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	c.mu.RLock()
	skip := c.labXSRF
	c.mu.RUnlock()

	token, err := c.followLogin(ctx, c.urlFor("hub/home"), nil, skip)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.hubXSRF = token
	c.mu.Unlock()

	c.logger.Debug().Msg("Logged into hub with XSRF token")
	return nil
}

// LoginToLab re-authenticates directly against the identity's lab pod,
// harvesting the lab-scoped XSRF token. This token, not the hub's, must
// accompany execution and keep-alive requests.
func (c *Client) LoginToLab(ctx context.Context) error {
	c.logger.Debug().Msg("Logging into lab")

	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	c.mu.RLock()
	skip := c.hubXSRF
	c.mu.RUnlock()

	// Sec-Fetch-Mode suppresses a noisy warning in the lab pod logs.
	headers := map[string]string{"Sec-Fetch-Mode": "navigate"}
	token, err := c.followLogin(ctx, c.urlFor("user/"+c.identityName+"/lab"), headers, skip)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.labXSRF = token
	if c.establishedAt.IsZero() {
		c.establishedAt = time.Now()
	}
	c.mu.Unlock()

	c.logger.Debug().Msg("Logged into lab with XSRF token")
	return nil
}

// RefreshLabToken refreshes the lab-scoped XSRF token. Used by the
// keep-alive prober before each probe; the swap is atomic for readers.
func (c *Client) RefreshLabToken(ctx context.Context) error {
	return c.LoginToLab(ctx)
}

func (c *Client) hubToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hubXSRF
}

func (c *Client) labToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.labXSRF
}

func (c *Client) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// hubAPIHeaders builds headers for hub API calls.
func (c *Client) hubAPIHeaders() map[string]string {
	headers := map[string]string{"Referer": c.urlFor("hub/home")}
	if token := c.hubToken(); token != "" {
		headers["X-XSRFToken"] = token
	}
	return headers
}

type hubUserStatus struct {
	Name    string                     `json:"name"`
	Servers map[string]json.RawMessage `json:"servers"`
}

// LabRunning queries the hub for the identity's server status.
func (c *Client) LabRunning(ctx context.Context) (bool, error) {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	resp, err := c.doRequest(ctx, http.MethodGet, c.urlFor("hub/api/users/"+c.identityName), c.hubAPIHeaders(), nil)
	if err != nil {
		return false, fmt.Errorf("server status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, newHTTPError(c.identityName, resp)
	}

	var status hubUserStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("invalid server status response: %w", err)
	}
	return len(status.Servers) > 0, nil
}

// SpawnLab submits the spawn form for the selected image. The hub responds
// with the spawn-pending page (200) and provisioning continues
// asynchronously; use WaitForLabReady to watch progress.
func (c *Client) SpawnLab(ctx context.Context, image Image, size string) error {
	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	spawnURL := c.urlFor("hub/spawn")
	headers := map[string]string{}
	if token := c.hubToken(); token != "" {
		headers["X-XSRFToken"] = token
	}

	// Fetching the spawn page first triggers internal hub state the POST
	// depends on, and mirrors a browser interaction.
	resp, err := c.doRequest(ctx, http.MethodGet, spawnURL, headers, nil)
	if err != nil {
		return fmt.Errorf("spawn page request failed: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	form := url.Values{}
	form.Set("image_list", image.Reference)
	form.Set("image_dropdown", image.Reference)
	form.Set("size", size)

	headers["Content-Type"] = "application/x-www-form-urlencoded"
	resp, err = c.doRequest(ctx, http.MethodPost, spawnURL, headers, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("spawn request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newHTTPError(c.identityName, resp)
	}

	c.logger.Info().Str("image", image.Reference).Msg("Requested lab spawn")
	return nil
}

// StopLab asks the hub to shut the identity's lab server down. Best effort
// on worker shutdown.
func (c *Client) StopLab(ctx context.Context) error {
	running, err := c.LabRunning(ctx)
	if err != nil {
		return err
	}
	if !running {
		c.logger.Info().Msg("Lab is already stopped")
		return nil
	}

	ctx, cancel := c.boundedContext(ctx)
	defer cancel()

	resp, err := c.doRequest(ctx, http.MethodDelete, c.urlFor("hub/api/users/"+c.identityName+"/server"), c.hubAPIHeaders(), nil)
	if err != nil {
		return fmt.Errorf("stop lab request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return newHTTPError(c.identityName, resp)
	}
}

// PodGone reports whether err signals that this identity's pod is gone.
func (c *Client) PodGone(err error) bool {
	return IsPodGone(err, c.goneStatusMin, c.goneStatusMax)
}
