package jupyter

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNoXSRFToken is returned when a login redirect chain completes without
// ever setting an anti-forgery cookie.
var ErrNoXSRFToken = errors.New("no XSRF token found in login response chain")

// ErrSessionOrphaned is returned when a lab is already running for a
// freshly claimed identity. A previous worker died without its pod being
// reaped; the caller should cycle to a different identity instead of
// fighting over the orphan.
var ErrSessionOrphaned = errors.New("lab session already running for identity")

// Error is an HTTP-level error from the hub or a lab pod.
type Error struct {
	URL      string
	Method   string
	Status   int
	Reason   string
	Body     string
	Identity string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: status %d (%s) from %s %s", e.Identity, e.Status, e.Reason, e.Method, e.URL)
}

// newHTTPError captures a failed response, retaining a bounded body snippet
// for diagnostics.
func newHTTPError(identityName string, resp *http.Response) *Error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &Error{
		URL:      resp.Request.URL.String(),
		Method:   resp.Request.Method,
		Status:   resp.StatusCode,
		Reason:   http.StatusText(resp.StatusCode),
		Body:     string(snippet),
		Identity: identityName,
	}
}

// IsPodGone reports whether err is an HTTP error whose status falls in the
// configured "pod is gone" range. Such errors are fatal session-loss
// signals, never retried.
func IsPodGone(err error, statusMin, statusMax int) bool {
	var jerr *Error
	if !errors.As(err, &jerr) {
		return false
	}
	return jerr.Status >= statusMin && jerr.Status <= statusMax
}

// ProvisioningError means a lab pod never became ready within the spawn
// deadline. Fatal after bounded retries at the runtime level.
type ProvisioningError struct {
	Identity string
	Cause    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("lab provisioning failed for %s: %v", e.Identity, e.Cause)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Cause
}

// CodeExecutionError means code sent to a lab kernel raised or the kernel
// rejected it.
type CodeExecutionError struct {
	Identity string
	Code     string
	Status   string
	Output   string
}

func (e *CodeExecutionError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s: kernel returned status %q for submitted code", e.Identity, e.Status)
	}
	return fmt.Sprintf("%s: submitted code raised: %s", e.Identity, e.Output)
}
