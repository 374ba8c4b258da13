package keepalive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSetting(t *testing.T) {
	tests := []struct {
		input   string
		want    Setting
		wantErr bool
	}{
		{input: "disabled", want: SettingDisabled},
		{input: "fast", want: SettingFast},
		{input: "normal", want: SettingNormal},
		{input: "HOURLY", want: SettingHourly},
		{input: "daily", want: SettingDaily},
		{input: "sometimes", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSetting(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSettingInterval(t *testing.T) {
	assert.Equal(t, 30*time.Second, SettingFast.Interval())
	assert.Equal(t, 5*time.Minute, SettingNormal.Interval())
	assert.Equal(t, time.Hour, SettingHourly.Interval())
	assert.Equal(t, 24*time.Hour, SettingDaily.Interval())
	assert.False(t, SettingDisabled.Enabled())
	assert.True(t, SettingNormal.Enabled())
}

// scriptedProbe fails a fixed number of times before succeeding.
type scriptedProbe struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *scriptedProbe) probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("kernel did not answer")
	}
	return nil
}

func (s *scriptedProbe) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestProber(probe ProbeFunc, opts func(*Options)) *Prober {
	o := Options{
		Setting:   SettingFast,
		Probe:     probe,
		Retries:   3,
		RetryIdle: time.Millisecond,
		Logger:    zerolog.Nop(),
	}
	if opts != nil {
		opts(&o)
	}
	return NewProber(o)
}

func TestProbeWindowRecoversWithinRetries(t *testing.T) {
	script := &scriptedProbe{failures: 2}
	prober := newTestProber(script.probe, nil)

	require.NoError(t, prober.probeWindow())
	assert.Equal(t, 3, script.callCount())
}

func TestProbeWindowExhaustsRetries(t *testing.T) {
	script := &scriptedProbe{failures: 10}
	prober := newTestProber(script.probe, nil)

	err := prober.probeWindow()
	require.Error(t, err)
	assert.Equal(t, 3, script.callCount())
}

func TestProberSignalsFatalAndStops(t *testing.T) {
	script := &scriptedProbe{failures: 10}
	fatal := make(chan error, 1)
	prober := newTestProber(script.probe, func(o *Options) {
		o.OnFatal = func(err error) { fatal <- err }
	})
	prober.interval = 5 * time.Millisecond

	prober.Start()
	select {
	case err := <-fatal:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("prober never signalled a lost session")
	}

	// The loop exits on its own after a fatal window; Stop must not hang.
	prober.Stop()
}

func TestProberStop(t *testing.T) {
	script := &scriptedProbe{}
	prober := newTestProber(script.probe, nil)
	prober.interval = time.Hour

	prober.Start()
	prober.Stop()
}

func TestDisabledProberIsNoOp(t *testing.T) {
	prober := newTestProber(nil, func(o *Options) { o.Setting = SettingDisabled })

	prober.Start()
	prober.Stop()
}
