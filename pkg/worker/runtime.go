package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyfold/nbworker/pkg/config"
	"github.com/skyfold/nbworker/pkg/executor"
	"github.com/skyfold/nbworker/pkg/identity"
	"github.com/skyfold/nbworker/pkg/jupyter"
	"github.com/skyfold/nbworker/pkg/keepalive"
	"github.com/skyfold/nbworker/pkg/metrics"
	"github.com/skyfold/nbworker/pkg/queue"
	"github.com/skyfold/nbworker/pkg/report"
	"github.com/skyfold/nbworker/pkg/types"
)

// CredentialIssuer exchanges the service token for per-identity credentials.
type CredentialIssuer interface {
	IssueCredential(ctx context.Context, id identity.Identity, scopes []string, lifetime time.Duration) (string, error)
}

// ImageCatalog resolves which lab image a session should run.
type ImageCatalog interface {
	GetRecommended(ctx context.Context) (jupyter.Image, error)
	GetLatestWeekly(ctx context.Context) (jupyter.Image, error)
	GetByReference(ctx context.Context, reference string) (jupyter.Image, error)
}

// LabClient is the slice of the hub/lab client the runtime drives.
type LabClient interface {
	IdentityName() string
	LoginToHub(ctx context.Context) error
	LoginToLab(ctx context.Context) error
	RefreshLabToken(ctx context.Context) error
	LabRunning(ctx context.Context) (bool, error)
	SpawnLab(ctx context.Context, image jupyter.Image, size string) error
	WaitForLabReady(ctx context.Context) error
	StopLab(ctx context.Context) error
	PodGone(err error) bool
	OpenLabSession(ctx context.Context, name, kernelName string) (*jupyter.LabSession, error)
	ExecuteNotebook(ctx context.Context, ipynb []byte, kernelName string) (*jupyter.ExecutionResponse, error)
	LabEnvironment(ctx context.Context) (map[string]any, error)
}

// JobSource delivers queued jobs and settles their outcomes.
type JobSource interface {
	Next(ctx context.Context) (*queue.Delivery, error)
	Complete(ctx context.Context, d *queue.Delivery, result *types.Result) error
	Settle(ctx context.Context, d *queue.Delivery) error
	Extend(ctx context.Context, d *queue.Delivery) error
	Requeue(ctx context.Context, d *queue.Delivery) error
}

// Recorder is the local journal the runtime writes job bookkeeping to.
type Recorder interface {
	RecordAttempt(jobID string, attempt int, start time.Time) error
	LastAttempt(jobID string) (int, error)
	MarkReported(jobID string, attempt int) (bool, error)
	RecordResult(result *types.Result) error
}

// JobExecutor runs one job to a terminal result.
type JobExecutor interface {
	Execute(ctx context.Context, job *types.Job) *types.Result
}

// Options wires a Runtime's collaborators.
type Options struct {
	Config   *config.Config
	WorkerID string

	Strategy identity.Strategy
	Issuer   CredentialIssuer
	Catalog  ImageCatalog
	Jobs     JobSource
	Journal  Recorder
	Reporter *report.Client

	// NewLabClient builds the hub/lab client once an identity and its
	// credential exist.
	NewLabClient func(id identity.Identity, credential string) (LabClient, error)

	// NewEngine builds the job executor for an established session. Left
	// nil, the standard engine is used; tests substitute their own.
	NewEngine func(client LabClient, onSessionLost func(error)) JobExecutor

	Logger zerolog.Logger
}

// Runtime is the worker lifecycle: claim an identity, establish its lab
// session, process jobs until shutdown or until the session or the claim
// is lost, then drain.
type Runtime struct {
	cfg          *config.Config
	workerID     string
	strategy     identity.Strategy
	issuer       CredentialIssuer
	catalog      ImageCatalog
	jobs         JobSource
	journal      Recorder
	reporter     *report.Client
	newLabClient func(id identity.Identity, credential string) (LabClient, error)
	newEngine    func(client LabClient, onSessionLost func(error)) JobExecutor
	logger       zerolog.Logger

	claim        *identity.Claim
	client       LabClient
	sessionImage string

	stateMu    sync.RWMutex
	state      State
	processing int

	inFlight   sync.WaitGroup
	execCtx    context.Context
	cancelExec context.CancelFunc
}

// New builds a Runtime.
func New(opts Options) *Runtime {
	newEngine := opts.NewEngine
	if newEngine == nil {
		cfg := opts.Config
		logger := opts.Logger
		newEngine = func(client LabClient, onSessionLost func(error)) JobExecutor {
			return executor.NewEngine(executor.Options{
				Client:         client,
				DefaultTimeout: cfg.Worker.JobTimeout,
				MaxAttempts:    3,
				OnSessionLost:  onSessionLost,
				Logger:         logger,
			})
		}
	}
	return &Runtime{
		cfg:          opts.Config,
		workerID:     opts.WorkerID,
		strategy:     opts.Strategy,
		issuer:       opts.Issuer,
		catalog:      opts.Catalog,
		jobs:         opts.Jobs,
		journal:      opts.Journal,
		reporter:     opts.Reporter,
		newLabClient: opts.NewLabClient,
		newEngine:    newEngine,
		logger:       opts.Logger.With().Str("component", "worker").Logger(),
		state:        StateStarting,
	}
}

// Run executes the worker lifecycle until ctx is cancelled or a fatal
// condition forces a drain. The returned error is nil for a clean
// shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	r.setState(StateStarting)
	r.execCtx, r.cancelExec = context.WithCancel(context.Background())
	defer r.cancelExec()

	client, claim, err := r.acquireSession(ctx)
	if err != nil {
		r.setState(StateErrored)
		r.reporter.Post(context.WithoutCancel(ctx), report.ErrorMessage(
			"Notebook worker failed to start", err,
			report.Fieldf("Worker", "%s", r.workerID),
		))
		return err
	}
	r.client = client
	r.claim = claim
	metrics.UpdateComponent("identity", true, "")
	metrics.UpdateComponent("session", true, "")

	logger := r.logger.With().Str("identity", client.IdentityName()).Logger()

	fatal := make(chan error, 4)
	notifyFatal := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	renewCtx, cancelRenew := context.WithCancel(context.Background())
	defer cancelRenew()
	go r.renewLease(renewCtx, notifyFatal)

	setting, err := keepalive.ParseSetting(r.cfg.Worker.KeepAlive)
	if err != nil {
		// Config validation guarantees the setting; fall back safe anyway.
		setting = keepalive.SettingDisabled
	}
	prober := keepalive.NewProber(keepalive.Options{
		Setting:   setting,
		Probe:     keepalive.SessionProbe(client, r.cfg.Jupyter.DefaultKernel),
		Retries:   r.cfg.Worker.KeepAliveRetries,
		RetryIdle: r.cfg.Worker.KeepAliveRetryIdle,
		OnFatal: func(err error) {
			metrics.UpdateComponent("session", false, err.Error())
			notifyFatal(fmt.Errorf("keep-alive probes exhausted: %w", err))
		},
		Logger: logger,
	})
	prober.Start()

	engine := r.newEngine(client, func(err error) {
		metrics.UpdateComponent("session", false, err.Error())
		notifyFatal(fmt.Errorf("lab session lost: %w", err))
	})

	r.setState(StateReady)
	fields := []report.Field{
		{Heading: "Worker", Text: r.workerID},
		{Heading: "Identity", Text: client.IdentityName()},
		{Heading: "Image", Text: r.sessionImage},
	}
	r.reporter.Post(ctx, report.Message{
		Text:   "Notebook worker is ready",
		Fields: append(fields, r.environmentFields(ctx, client)...),
	})

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	fatalErrCh := make(chan error, 1)
	go func() {
		select {
		case err := <-fatal:
			logger.Error().Err(err).Msg("Fatal condition, draining worker")
			fatalErrCh <- err
			cancelLoop()
		case <-loopCtx.Done():
			fatalErrCh <- nil
		}
	}()

	r.runJobs(loopCtx, engine)

	r.setState(StateDraining)
	cancelLoop()
	fatalErr := <-fatalErrCh

	prober.Stop()
	cancelRenew()
	r.waitForJobs(r.cfg.Worker.DrainGracePeriod)

	r.shutdown(logger, fatalErr)
	r.setState(StateStopped)
	return fatalErr
}

// environmentFields reads the lab's environment extension for the startup
// message. A failure only thins the diagnostics.
func (r *Runtime) environmentFields(ctx context.Context, client LabClient) []report.Field {
	envCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	env, err := client.LabEnvironment(envCtx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to read lab environment")
		return nil
	}
	var fields []report.Field
	for _, key := range []string{"JUPYTER_IMAGE_SPEC", "IMAGE_DESCRIPTION", "EXTERNAL_INSTANCE_URL"} {
		if value, ok := env[key].(string); ok && value != "" {
			fields = append(fields, report.Field{Heading: key, Text: value})
		}
	}
	return fields
}

// shutdown tears external state down best effort: the lab pod, the
// identity lease, and a final diagnostics message.
func (r *Runtime) shutdown(logger zerolog.Logger, fatalErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.client.StopLab(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop lab on shutdown")
	}
	if err := r.claim.Release(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to release identity claim")
	}

	msg := report.Message{
		Text: "Notebook worker shut down",
		Fields: []report.Field{
			{Heading: "Worker", Text: r.workerID},
			{Heading: "Identity", Text: r.client.IdentityName()},
		},
	}
	if fatalErr != nil {
		msg = report.ErrorMessage("Notebook worker shut down after a fatal condition", fatalErr,
			report.Fieldf("Worker", "%s", r.workerID),
			report.Fieldf("Identity", "%s", r.client.IdentityName()),
		)
	}
	r.reporter.Post(ctx, msg)
}

// acquireSession claims identities until one yields a live session,
// cycling past identities whose labs are orphaned from a dead worker.
func (r *Runtime) acquireSession(ctx context.Context) (LabClient, *identity.Claim, error) {
	exclude := map[string]struct{}{}

	for {
		r.setState(StateClaiming)
		claim, err := r.strategy.Claim(ctx, exclude)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to claim identity: %w", err)
		}
		logger := r.logger.With().Str("identity", claim.Identity.Name).Logger()

		r.setState(StateAuthenticating)
		client, err := r.establishSession(ctx, claim.Identity)
		if errors.Is(err, jupyter.ErrSessionOrphaned) {
			logger.Warn().Msg("Identity has an orphaned lab session, cycling to the next identity")
			exclude[claim.Identity.Name] = struct{}{}
			if rerr := claim.Release(ctx); rerr != nil {
				logger.Warn().Err(rerr).Msg("Failed to release orphaned identity claim")
			}
			continue
		}
		if err != nil {
			_ = claim.Release(ctx)
			return nil, nil, err
		}
		return client, claim, nil
	}
}

// establishSession performs the full authentication and provisioning
// sequence for one identity.
func (r *Runtime) establishSession(ctx context.Context, id identity.Identity) (LabClient, error) {
	credential, err := r.issuer.IssueCredential(ctx, id, r.cfg.Environment.TokenScopes, r.cfg.Environment.TokenLifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to issue credential for %s: %w", id.Name, err)
	}

	client, err := r.newLabClient(id, credential)
	if err != nil {
		return nil, fmt.Errorf("failed to build lab client for %s: %w", id.Name, err)
	}

	if err := client.LoginToHub(ctx); err != nil {
		return nil, fmt.Errorf("hub login failed for %s: %w", id.Name, err)
	}

	running, err := client.LabRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check lab status for %s: %w", id.Name, err)
	}
	if running {
		return nil, jupyter.ErrSessionOrphaned
	}

	image, err := r.selectImage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to select lab image: %w", err)
	}

	spawnStart := time.Now()
	if err := client.SpawnLab(ctx, image, r.cfg.Jupyter.ImageSize); err != nil {
		return nil, fmt.Errorf("failed to spawn lab for %s: %w", id.Name, err)
	}

	spawnCtx, cancel := context.WithTimeout(ctx, r.cfg.Jupyter.SpawnTimeout)
	defer cancel()
	if err := client.WaitForLabReady(spawnCtx); err != nil {
		return nil, err
	}
	metrics.SpawnDuration.Observe(time.Since(spawnStart).Seconds())

	if err := client.LoginToLab(ctx); err != nil {
		return nil, fmt.Errorf("lab login failed for %s: %w", id.Name, err)
	}

	metrics.SessionsEstablished.Inc()
	r.sessionImage = image.Reference
	r.logger.Info().
		Str("identity", id.Name).
		Str("image", image.Reference).
		Dur("spawn_time", time.Since(spawnStart)).
		Msg("Lab session established")
	return client, nil
}

func (r *Runtime) selectImage(ctx context.Context) (jupyter.Image, error) {
	switch r.cfg.Jupyter.ImageSelector {
	case config.ImageSelectorWeekly:
		return r.catalog.GetLatestWeekly(ctx)
	case config.ImageSelectorReference:
		return r.catalog.GetByReference(ctx, r.cfg.Jupyter.ImageReference)
	default:
		return r.catalog.GetRecommended(ctx)
	}
}

// renewLease periodically extends the identity lease. Losing the lease is
// fatal: another worker may already hold this identity.
func (r *Runtime) renewLease(ctx context.Context, notifyFatal func(error)) {
	interval := r.cfg.Worker.LockRenewInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := r.claim.Renew(renewCtx)
			cancel()
			if err != nil {
				metrics.LeaseRenewals.WithLabelValues("lost").Inc()
				metrics.UpdateComponent("identity", false, err.Error())
				notifyFatal(fmt.Errorf("identity lease renewal failed: %w", err))
				return
			}
			metrics.LeaseRenewals.WithLabelValues("ok").Inc()
		case <-ctx.Done():
			return
		}
	}
}
