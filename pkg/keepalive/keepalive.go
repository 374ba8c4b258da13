package keepalive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyfold/nbworker/pkg/jupyter"
	"github.com/skyfold/nbworker/pkg/metrics"
)

// Setting selects how aggressively the lab session is probed.
type Setting string

const (
	// SettingDisabled turns probing off. Idle pods become eligible for
	// culling.
	SettingDisabled Setting = "disabled"

	// SettingFast probes every 30 seconds. Intended for development, where
	// watching the prober work beats waiting five minutes.
	SettingFast Setting = "fast"

	// SettingNormal probes every 5 minutes, comfortably inside typical
	// culler idle thresholds.
	SettingNormal Setting = "normal"

	// SettingHourly probes every hour.
	SettingHourly Setting = "hourly"

	// SettingDaily probes once a day.
	SettingDaily Setting = "daily"
)

// ParseSetting validates a keep-alive setting from configuration.
func ParseSetting(s string) (Setting, error) {
	switch Setting(strings.ToLower(s)) {
	case SettingDisabled:
		return SettingDisabled, nil
	case SettingFast:
		return SettingFast, nil
	case SettingNormal:
		return SettingNormal, nil
	case SettingHourly:
		return SettingHourly, nil
	case SettingDaily:
		return SettingDaily, nil
	default:
		return "", fmt.Errorf("invalid keep-alive setting %q", s)
	}
}

// Enabled reports whether this setting probes at all.
func (s Setting) Enabled() bool {
	return s != SettingDisabled && s != ""
}

// Interval returns the probe period for the setting.
func (s Setting) Interval() time.Duration {
	switch s {
	case SettingFast:
		return 30 * time.Second
	case SettingNormal:
		return 5 * time.Minute
	case SettingHourly:
		return time.Hour
	case SettingDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// ProbeFunc performs one liveness probe against the lab session.
type ProbeFunc func(ctx context.Context) error

// SessionClient is the slice of the lab client a probe needs.
type SessionClient interface {
	RefreshLabToken(ctx context.Context) error
	OpenLabSession(ctx context.Context, name, kernelName string) (*jupyter.LabSession, error)
}

// SessionProbe builds the standard probe: refresh the lab credential, open
// a kernel session, run a trivial print and verify its output round-trips.
// Exercising a real kernel, not just an HTTP endpoint, is what resets the
// lab's idle clock.
func SessionProbe(client SessionClient, kernelName string) ProbeFunc {
	return func(ctx context.Context) error {
		if err := client.RefreshLabToken(ctx); err != nil {
			return fmt.Errorf("failed to refresh lab credential: %w", err)
		}

		session, err := client.OpenLabSession(ctx, "keepalive", kernelName)
		if err != nil {
			return fmt.Errorf("failed to open keep-alive session: %w", err)
		}
		defer session.Close(context.WithoutCancel(ctx))

		output, err := session.RunPython(ctx, `print("alive")`)
		if err != nil {
			return err
		}
		if !strings.Contains(output, "alive") {
			return fmt.Errorf("unexpected keep-alive output %q", output)
		}
		return nil
	}
}

// Options configures a Prober.
type Options struct {
	Setting Setting
	Probe   ProbeFunc

	// Retries is how many times one probe window retries before the
	// session is declared lost.
	Retries int

	// RetryIdle is the pause between in-window retries.
	RetryIdle time.Duration

	// ProbeTimeout bounds a single probe attempt.
	ProbeTimeout time.Duration

	// OnFatal is called once when a probe window exhausts its retries.
	// The prober stops itself afterwards.
	OnFatal func(err error)

	Logger zerolog.Logger
}

// Prober keeps an idle lab session alive by periodically running code on
// it, and declares the session lost when probes stop succeeding.
type Prober struct {
	setting      Setting
	probe        ProbeFunc
	retries      int
	retryIdle    time.Duration
	probeTimeout time.Duration
	onFatal      func(err error)
	logger       zerolog.Logger

	// interval is derived from the setting; separate so tests can shrink it.
	interval time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewProber builds a prober. A disabled setting yields a prober whose
// Start is a no-op, so callers need not special-case it.
func NewProber(opts Options) *Prober {
	retries := opts.Retries
	if retries < 1 {
		retries = 1
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = time.Minute
	}
	return &Prober{
		setting:      opts.Setting,
		probe:        opts.Probe,
		retries:      retries,
		retryIdle:    opts.RetryIdle,
		probeTimeout: probeTimeout,
		onFatal:      opts.OnFatal,
		logger:       opts.Logger.With().Str("component", "keepalive").Logger(),
		interval:     opts.Setting.Interval(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the probe loop.
func (p *Prober) Start() {
	if !p.setting.Enabled() {
		p.logger.Info().Msg("Keep-alive probing is disabled")
		close(p.doneCh)
		return
	}

	p.logger.Info().
		Str("setting", string(p.setting)).
		Dur("interval", p.interval).
		Msg("Starting keep-alive prober")

	go p.run()
}

// Stop halts the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Prober) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.probeWindow(); err != nil {
				p.logger.Error().Err(err).Msg("Keep-alive probe window exhausted, session lost")
				metrics.SessionsLost.Inc()
				if p.onFatal != nil {
					p.onFatal(err)
				}
				return
			}
		case <-p.stopCh:
			return
		}
	}
}

// probeWindow runs one probe with bounded retries. A transient failure is
// retried after a short idle; only a fully exhausted window is fatal.
func (p *Prober) probeWindow() error {
	var lastErr error

	for attempt := 1; attempt <= p.retries; attempt++ {
		err := p.probeOnce()
		if err == nil {
			if attempt > 1 {
				p.logger.Info().Int("attempt", attempt).Msg("Keep-alive probe recovered")
			}
			metrics.KeepAliveProbes.WithLabelValues("ok").Inc()
			return nil
		}
		lastErr = err
		metrics.KeepAliveProbes.WithLabelValues("retry").Inc()
		p.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("retries", p.retries).
			Msg("Keep-alive probe failed")

		if attempt < p.retries {
			select {
			case <-time.After(p.retryIdle):
			case <-p.stopCh:
				return nil
			}
		}
	}

	metrics.KeepAliveProbes.WithLabelValues("failed").Inc()
	return lastErr
}

func (p *Prober) probeOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.probeTimeout)
	defer cancel()
	return p.probe(ctx)
}
