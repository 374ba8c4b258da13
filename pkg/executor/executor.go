package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyfold/nbworker/pkg/jupyter"
	"github.com/skyfold/nbworker/pkg/metrics"
	"github.com/skyfold/nbworker/pkg/types"
)

// ExecClient is the slice of the lab client the engine needs.
type ExecClient interface {
	ExecuteNotebook(ctx context.Context, ipynb []byte, kernelName string) (*jupyter.ExecutionResponse, error)
	PodGone(err error) bool
	IdentityName() string
}

// Options configures an execution engine.
type Options struct {
	Client ExecClient

	// DefaultTimeout bounds jobs that carry no timeout of their own.
	DefaultTimeout time.Duration

	// MaxAttempts caps transient-failure retries for jobs that opted in.
	MaxAttempts int

	// RetryDelay is the base backoff between attempts; attempt n waits
	// n times this long.
	RetryDelay time.Duration

	// OnSessionLost is called when an execution failure signals the lab
	// pod itself is gone. The job still fails; the callback lets the
	// worker runtime start draining.
	OnSessionLost func(err error)

	Logger zerolog.Logger
}

// Engine runs notebook jobs against one identity's lab pod and classifies
// their outcomes.
type Engine struct {
	client        ExecClient
	timeout       time.Duration
	maxAttempts   int
	retryDelay    time.Duration
	onSessionLost func(err error)
	logger        zerolog.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine builds an execution engine.
func NewEngine(opts Options) *Engine {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Engine{
		client:        opts.Client,
		timeout:       opts.DefaultTimeout,
		maxAttempts:   maxAttempts,
		retryDelay:    retryDelay,
		onSessionLost: opts.OnSessionLost,
		logger:        opts.Logger,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs one job to a terminal result. It never returns an error:
// every failure mode is folded into the result so the caller can report it.
func (e *Engine) Execute(ctx context.Context, job *types.Job) *types.Result {
	logger := e.logger.With().Str("job_id", job.ID).Logger()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	jobCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	start := time.Now()
	result := e.executeWithRetry(jobCtx, job, logger)
	result.JobID = job.ID
	result.StartTime = start
	result.FinishTime = time.Now()

	elapsed := result.FinishTime.Sub(start)
	metrics.JobDuration.Observe(elapsed.Seconds())

	code := ""
	if result.Error != nil {
		code = string(result.Error.Code)
	}
	metrics.JobsTotal.WithLabelValues(string(result.Status), code).Inc()

	event := logger.Info()
	if !result.Succeeded() {
		event = logger.Error().Str("error_code", code)
	}
	event.
		Str("status", string(result.Status)).
		Dur("elapsed", elapsed).
		Bool("in_cell_error", result.IpynbError != nil).
		Msg("Job finished")

	return result
}

func (e *Engine) executeWithRetry(ctx context.Context, job *types.Job, logger zerolog.Logger) *types.Result {
	var lastErr error

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		resp, err := e.client.ExecuteNotebook(ctx, job.Notebook, job.KernelName)
		if err == nil {
			return completeResult(resp)
		}
		lastErr = err

		if ctx.Err() != nil {
			return e.contextResult(ctx.Err(), err)
		}

		if e.client.PodGone(err) {
			logger.Error().Err(err).Msg("Lab pod is gone")
			metrics.SessionsLost.Inc()
			if e.onSessionLost != nil {
				e.onSessionLost(err)
			}
			// Losing the pod mid-job is never retried here; the runtime
			// re-establishes a session and the queue redelivers.
			break
		}

		if !job.EnableRetry || attempt == e.maxAttempts {
			break
		}

		delay := time.Duration(attempt) * e.retryDelay
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Execution failed, retrying")
		metrics.JobRetries.Inc()
		if err := e.sleep(ctx, delay); err != nil {
			return e.contextResult(err, lastErr)
		}
	}

	var jerr *jupyter.Error
	if errors.As(lastErr, &jerr) {
		return errorResult(types.ErrorCodeJupyterError, lastErr.Error(), nil)
	}
	return errorResult(types.ErrorCodeUnknown, lastErr.Error(), lastErr)
}

// contextResult maps a dead job context to a result. Only a deadline counts
// as a timeout; a plain cancellation means the worker is shutting down and
// the job must not be blamed for it.
func (e *Engine) contextResult(ctxErr, cause error) *types.Result {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return errorResult(types.ErrorCodeTimeout,
			fmt.Sprintf("execution timed out on %s", e.client.IdentityName()), cause)
	}
	return errorResult(types.ErrorCodeUnknown,
		fmt.Sprintf("execution aborted on %s", e.client.IdentityName()), cause)
}

func completeResult(resp *jupyter.ExecutionResponse) *types.Result {
	result := &types.Result{
		Status: types.JobStatusComplete,
		Ipynb:  []byte(resp.Notebook),
	}
	if resp.Error != nil {
		result.IpynbError = &types.NotebookError{
			Name:    resp.Error.Name,
			Message: resp.Error.Message,
		}
	}
	return result
}

func errorResult(code types.ErrorCode, message string, cause error) *types.Result {
	execErr := &types.ExecutionError{Code: code, Message: message}
	if code == types.ErrorCodeUnknown && cause != nil {
		execErr.ExceptionType = fmt.Sprintf("%T", cause)
	}
	return &types.Result{Status: types.JobStatusError, Error: execErr}
}
