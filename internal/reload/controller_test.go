package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/proxy"
	"github.com/vyrodovalexey/avaproxy/internal/rules"
)

// fakeApplier records what the controller applied.
type fakeApplier struct {
	mu      sync.Mutex
	applied [][]rules.Rule
	debug   []bool
}

func (f *fakeApplier) ReplaceRules(candidates []rules.Rule) []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, candidates)
	return nil
}

func (f *fakeApplier) SetDebug(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debug = append(f.debug, on)
}

func (f *fakeApplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// countingSource returns cfg and records when it was called.
type countingSource struct {
	mu    sync.Mutex
	cfg   *config.Config
	err   error
	calls []time.Time
}

func (s *countingSource) Load(context.Context) (*config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, time.Now())
	if s.err != nil {
		return nil, s.err
	}
	return s.cfg, nil
}

func (s *countingSource) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.calls...)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "reloading", StateReloading.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestController_DebouncesBurstIntoOneReload(t *testing.T) {
	t.Parallel()

	const delay = 150 * time.Millisecond

	src := &countingSource{cfg: config.Default()}
	applier := &fakeApplier{}
	c := New(src, applier, WithDelay(delay))
	defer c.Stop()

	c.Notify()
	assert.Equal(t, StatePending, c.State())
	time.Sleep(delay / 2)
	c.Notify()
	last := time.Now()

	require.Eventually(t, func() bool { return applier.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(2 * delay)

	calls := src.callTimes()
	require.Len(t, calls, 1, "exactly one reload")
	assert.GreaterOrEqual(t, calls[0].Sub(last), delay-10*time.Millisecond, "timed from the last notification")
	assert.Equal(t, StateIdle, c.State())
}

func TestController_ConcurrentNotifications(t *testing.T) {
	t.Parallel()

	src := &countingSource{cfg: config.Default()}
	applier := &fakeApplier{}
	c := New(src, applier, WithDelay(100*time.Millisecond))
	defer c.Stop()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Notify()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return applier.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, applier.count())
}

func TestController_SeparateBurstsReloadSeparately(t *testing.T) {
	t.Parallel()

	src := &countingSource{cfg: config.Default()}
	applier := &fakeApplier{}
	c := New(src, applier, WithDelay(30*time.Millisecond))
	defer c.Stop()

	c.Notify()
	require.Eventually(t, func() bool { return applier.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	c.Notify()
	require.Eventually(t, func() bool { return applier.count() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestController_AppliesRulesAndDebug(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Debug = true
	cfg.Rules = []config.RuleConfig{{Match: "http://a", Proxy: "http://b", Headers: map[string]string{"X": "1"}}}

	applier := &fakeApplier{}
	c := New(&countingSource{cfg: cfg}, applier)
	defer c.Stop()

	require.NoError(t, c.Reload(context.Background()))

	require.Len(t, applier.applied, 1)
	assert.Equal(t, []rules.Rule{{Match: "http://a", Target: "http://b", Headers: map[string]string{"X": "1"}}}, applier.applied[0])
	assert.Equal(t, []bool{true}, applier.debug)
	assert.Equal(t, StateIdle, c.State())
}

func TestController_FailedLoadKeepsCurrentTable(t *testing.T) {
	t.Parallel()

	engine := proxy.New()
	require.NoError(t, engine.AddRule(rules.Rule{Match: "http://a.example", Target: "http://b.internal"}))
	engine.SetDebug(true)
	before := engine.Table()

	var reported []error
	metrics := observability.NewMetrics("test")
	src := &countingSource{err: config.ErrParse}
	c := New(src, engine,
		WithDelay(10*time.Millisecond),
		WithMetrics(metrics),
		WithErrorCallback(func(err error) { reported = append(reported, err) }),
	)
	defer c.Stop()

	err := c.Reload(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrParse)

	assert.Same(t, before, engine.Table(), "routing is unchanged")
	assert.True(t, engine.Debug(), "debug toggle is unchanged")
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], config.ErrParse)
}

func TestController_FileSourceEndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "avaproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
debug: true
rules:
  - match: http://a.example
    proxy: http://b.internal
  - match: ftp://rejected
    proxy: http://x
`), 0o600))

	engine := proxy.New()
	c := New(FileSource(path), engine)
	defer c.Stop()

	require.NoError(t, c.Reload(context.Background()))
	got := engine.Rules()
	require.Len(t, got, 1, "invalid rule is a warning, not a failure")
	assert.Equal(t, "http://a.example", got[0].Match)
	assert.True(t, engine.Debug())

	// A broken document leaves the previous rules in force.
	require.NoError(t, os.WriteFile(path, []byte("rules: [unclosed"), 0o600))
	require.Error(t, c.Reload(context.Background()))
	assert.Equal(t, got, engine.Rules())

	require.NoError(t, os.Remove(path))
	require.Error(t, c.Reload(context.Background()))
	assert.Equal(t, got, engine.Rules())
}

func TestController_NotifyDuringReloadSchedulesFollowUp(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	var calls int
	var mu sync.Mutex

	src := SourceFunc(func(context.Context) (*config.Config, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		entered <- struct{}{}
		if first {
			<-release
		}
		return config.Default(), nil
	})

	applier := &fakeApplier{}
	c := New(src, applier, WithDelay(10*time.Millisecond))
	defer c.Stop()

	c.Notify()
	<-entered
	assert.Equal(t, StateReloading, c.State())

	c.Notify()
	assert.Equal(t, StateReloading, c.State(), "a running reload is not interrupted")

	close(release)
	<-entered
	require.Eventually(t, func() bool { return applier.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestController_StopCancelsPendingReload(t *testing.T) {
	t.Parallel()

	src := &countingSource{cfg: config.Default()}
	c := New(src, &fakeApplier{}, WithDelay(20*time.Millisecond))

	c.Notify()
	c.Stop()
	c.Stop()
	c.Notify()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, src.callTimes())
	assert.Equal(t, StateIdle, c.State())
}

func TestFileSource_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := FileSource(filepath.Join(t.TempDir(), "nope.yaml")).Load(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, config.ErrParse))
}
