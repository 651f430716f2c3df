package recovery_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-player/work/blacklist"
	"kptv-player/work/config"
	"kptv-player/work/engine"
	"kptv-player/work/engine/enginetest"
	"kptv-player/work/metrics"
	"kptv-player/work/recovery"
	"kptv-player/work/types"
)

const streamURL = "http://provider/live/1.ts"

type harness struct {
	fake   *enginetest.Engine
	handle *engine.Handle
	bl     *blacklist.Blacklist
	budget *recovery.ErrorBudget
	mgr    *recovery.Manager

	paused atomic.Bool

	mu    sync.Mutex
	skips []string
	done  []types.FixAttempt
	fatal []error
	recAt []int64 // handle recreations observed at each skip
}

func fastOptions(profile types.Profile) recovery.Options {
	return recovery.Options{
		Profile:          profile,
		Cooldown:         150 * time.Millisecond,
		FrozenKick:       15 * time.Millisecond,
		JumpKick:         15 * time.Millisecond,
		ProlongedKick:    12 * time.Millisecond,
		ChurnKick:        10 * time.Millisecond,
		BufferingKick:    8 * time.Millisecond,
		BufferingHold:    10 * time.Millisecond,
		ReconnectDelay:   5 * time.Millisecond,
		ReconnectTimeout: 100 * time.Millisecond,
		ResyncSettle:     5 * time.Millisecond,
		ResyncPause:      6 * time.Millisecond,
	}
}

func newHarness(t *testing.T, opts recovery.Options, spare ...*enginetest.Engine) *harness {
	t.Helper()

	h := &harness{fake: enginetest.New(), bl: blacklist.New(), budget: recovery.NewErrorBudget(3)}
	h.handle = engine.NewHandle(enginetest.Factory(append([]*enginetest.Engine{h.fake}, spare...)...))
	require.NoError(t, h.handle.Open(streamURL))

	pool, err := ants.NewPool(4, ants.WithPreAlloc(true))
	require.NoError(t, err)

	h.mgr = recovery.New(h.handle, h.bl, h.budget, pool, opts,
		recovery.Target{Channel: "News 24", URL: streamURL},
		recovery.Callbacks{
			Skip: func(reason string) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.skips = append(h.skips, reason)
				h.recAt = append(h.recAt, h.handle.Recreations())
			},
			Fatal: func(err error) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.fatal = append(h.fatal, err)
			},
			Done: func(a types.FixAttempt) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.done = append(h.done, a)
			},
			Intent: func() bool { return !h.paused.Load() },
		})

	t.Cleanup(func() {
		h.mgr.Close()
		h.mgr.Wait()
		pool.Release()
		h.handle.Close()
	})
	return h
}

func (h *harness) attempts() []types.FixAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]types.FixAttempt(nil), h.done...)
}

func (h *harness) skipped() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.skips...)
}

func signal(kind types.SignalKind) types.HealthSignal {
	return types.HealthSignal{Kind: kind, Source: "test", At: time.Now()}
}

func TestFrozenSoftKickOnceThenCooldown(t *testing.T) {
	h := newHarness(t, fastOptions(types.ProfileMusic))
	dropped := testutil.ToFloat64(metrics.DroppedTriggers.WithLabelValues("cooldown"))

	require.True(t, h.mgr.Handle(signal(types.SignalPositionFrozen)))
	h.mgr.Wait()

	assert.False(t, h.mgr.Handle(signal(types.SignalPositionFrozen)), "second trigger lands inside the cooldown")
	h.mgr.Wait()

	assert.Equal(t, 1, h.fake.Count("Pause"))
	assert.Equal(t, 1, h.fake.Count("Play"))
	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.DroppedTriggers.WithLabelValues("cooldown")))

	attempts := h.attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, types.ActionSoftKick, attempts[0].Action)
	assert.Equal(t, types.OutcomeSucceeded, attempts[0].Outcome)
	assert.GreaterOrEqual(t, attempts[0].Finished.Sub(attempts[0].At), 15*time.Millisecond)
	assert.True(t, h.mgr.InCooldown())
}

func TestConcurrentTriggersRunOneFix(t *testing.T) {
	opts := fastOptions(types.ProfileGeneric)
	opts.Cooldown = time.Minute
	h := newHarness(t, opts)

	var wg sync.WaitGroup
	var mu sync.Mutex
	started := 0
	kinds := []types.SignalKind{types.SignalPositionFrozen, types.SignalTrackChurn, types.SignalBufferingProlonged, types.SignalDesync}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(kind types.SignalKind) {
			defer wg.Done()
			if h.mgr.Handle(signal(kind)) {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}(kinds[i%len(kinds)])
	}
	wg.Wait()
	h.mgr.Wait()

	assert.Equal(t, 1, started)
	assert.Len(t, h.attempts(), 1)
	assert.LessOrEqual(t, h.fake.Count("Pause"), 1)
}

func TestCooldownSeparatesFixStarts(t *testing.T) {
	opts := fastOptions(types.ProfileMusic)
	opts.Cooldown = 60 * time.Millisecond
	h := newHarness(t, opts)

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		h.mgr.Handle(signal(types.SignalPositionJumped))
		time.Sleep(3 * time.Millisecond)
	}
	h.mgr.Wait()

	attempts := h.attempts()
	require.GreaterOrEqual(t, len(attempts), 2)
	for i := 1; i < len(attempts); i++ {
		assert.GreaterOrEqual(t, attempts[i].At.Sub(attempts[i-1].At), opts.Cooldown)
		assert.GreaterOrEqual(t, attempts[i].At.Sub(attempts[i-1].Finished), opts.Cooldown)
	}
}

func TestHardErrorsBypassCooldownAndRecreateOnThird(t *testing.T) {
	h := newHarness(t, fastOptions(types.ProfileGeneric), enginetest.New())

	require.True(t, h.mgr.Handle(signal(types.SignalPositionFrozen)))
	h.mgr.Wait()
	require.True(t, h.mgr.InCooldown())

	for i := 0; i < 2; i++ {
		h.mgr.Handle(types.HealthSignal{Kind: types.SignalHardError, Err: errors.New("decoder died")})
		h.mgr.Wait()
	}
	assert.Equal(t, []string{"hard_error", "hard_error"}, h.skipped())
	assert.True(t, h.bl.IsBlacklisted(streamURL))
	assert.Zero(t, h.handle.Recreations())
	assert.Equal(t, 2, h.budget.Count())

	h.mgr.Handle(types.HealthSignal{Kind: types.SignalHardError})
	h.mgr.Wait()

	assert.Equal(t, int64(1), h.handle.Recreations())
	h.mu.Lock()
	assert.Equal(t, []int64{0, 0, 1}, h.recAt, "the engine is rebuilt before the third skip")
	h.mu.Unlock()
	assert.Zero(t, h.budget.Count())
	assert.True(t, h.fake.Released())
}

func TestHardErrorRecreateFailureIsFatal(t *testing.T) {
	h := newHarness(t, fastOptions(types.ProfileGeneric))

	for i := 0; i < 3; i++ {
		h.mgr.Handle(types.HealthSignal{Kind: types.SignalHardError})
		h.mgr.Wait()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.fatal, 1)
	assert.ErrorIs(t, h.fatal[0], engine.ErrEngineUnavailable)
	assert.Len(t, h.skips, 2)
}

func TestResyncResetsDelayThenKicks(t *testing.T) {
	h := newHarness(t, fastOptions(types.ProfileGeneric))
	h.fake.SetDelay(250 * time.Millisecond)

	require.True(t, h.mgr.Handle(types.HealthSignal{Kind: types.SignalDesync, Delta: 250 * time.Millisecond}))
	h.mgr.Wait()

	assert.Equal(t, []string{"Open", "SetAudioDelay", "Pause", "Play"}, h.fake.Calls())
	d, err := h.handle.AudioDelay(time.Second)
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestReconnectReopensSameEndpoint(t *testing.T) {
	h := newHarness(t, fastOptions(types.ProfileGeneric))

	require.True(t, h.mgr.Handle(signal(types.SignalConnectionLost)))
	h.mgr.Wait()

	assert.Equal(t, []string{streamURL, streamURL}, h.fake.Opened())
	assert.Equal(t, []string{"Open", "Stop", "Open"}, h.fake.Calls())
	assert.Empty(t, h.skipped())
	require.Len(t, h.attempts(), 1)
	assert.Equal(t, types.OutcomeSucceeded, h.attempts()[0].Outcome)
}

func TestReconnectFailureEscalatesToSkip(t *testing.T) {
	h := newHarness(t, fastOptions(types.ProfileGeneric))
	h.fake.FailOn("Open", errors.New("404"))

	require.True(t, h.mgr.Handle(signal(types.SignalStreamEnded)))
	h.mgr.Wait()

	assert.Equal(t, []string{"reconnect_failed"}, h.skipped())
	assert.True(t, h.bl.IsBlacklisted(streamURL))
	require.Len(t, h.attempts(), 1)
	assert.Equal(t, types.OutcomeEscalated, h.attempts()[0].Outcome)
}

// hangingController blocks Open until released.
type hangingController struct {
	release chan struct{}
}

func (c *hangingController) Open(string) error                 { <-c.release; return nil }
func (c *hangingController) Play() error                       { return nil }
func (c *hangingController) PlayIf(func() bool) error          { return nil }
func (c *hangingController) Pause() error                      { return nil }
func (c *hangingController) Stop() error                       { return nil }
func (c *hangingController) SetAudioDelay(time.Duration) error { return nil }
func (c *hangingController) Recreate() error                   { return nil }

func TestReconnectCeilingEscalates(t *testing.T) {
	ctrl := &hangingController{release: make(chan struct{})}
	defer close(ctrl.release)

	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	defer pool.Release()

	bl := blacklist.New()
	skips := make(chan string, 1)
	opts := fastOptions(types.ProfileGeneric)
	opts.ReconnectTimeout = 40 * time.Millisecond

	mgr := recovery.New(ctrl, bl, recovery.NewErrorBudget(3), pool, opts,
		recovery.Target{Channel: "Sports", URL: streamURL},
		recovery.Callbacks{Skip: func(reason string) { skips <- reason }})
	defer mgr.Close()

	start := time.Now()
	require.True(t, mgr.Handle(signal(types.SignalConnectionLost)))

	select {
	case reason := <-skips:
		assert.Equal(t, "reconnect_timeout", reason)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never gave up")
	}
	mgr.Wait()
	assert.True(t, bl.IsBlacklisted(streamURL))
}

func TestGenericFrozenKickFailureFallsBackToReconnect(t *testing.T) {
	h := newHarness(t, fastOptions(types.ProfileGeneric))
	h.fake.FailOn("Pause", errors.New("not ready"))

	require.True(t, h.mgr.Handle(signal(types.SignalPositionFrozen)))
	h.mgr.Wait()

	assert.Equal(t, 2, h.fake.Count("Open"))
	require.Len(t, h.attempts(), 1)
	assert.Equal(t, types.OutcomeEscalated, h.attempts()[0].Outcome)
}

func TestBufferingKickOnlyOnMusic(t *testing.T) {
	generic := newHarness(t, fastOptions(types.ProfileGeneric))
	assert.False(t, generic.mgr.Handle(signal(types.SignalBufferingStarted)))

	music := newHarness(t, fastOptions(types.ProfileMusic))
	start := time.Now()
	require.True(t, music.mgr.Handle(signal(types.SignalBufferingStarted)))
	music.mgr.Wait()

	assert.Equal(t, 1, music.fake.Count("Pause"))
	assert.GreaterOrEqual(t, time.Since(start), 18*time.Millisecond, "kick plus hold")
}

func TestManualTriggerBypassesCooldown(t *testing.T) {
	h := newHarness(t, fastOptions(types.ProfileGeneric))

	require.True(t, h.mgr.Handle(signal(types.SignalTrackChurn)))
	h.mgr.Wait()
	require.True(t, h.mgr.InCooldown())

	require.True(t, h.mgr.Trigger(types.ActionResync))
	h.mgr.Wait()
	assert.False(t, h.mgr.Trigger(types.ActionSoftKick))

	attempts := h.attempts()
	require.Len(t, attempts, 2)
	assert.True(t, attempts[1].Manual)
	assert.Equal(t, types.ActionResync, attempts[1].Action)
}

func TestClosedManagerIgnoresStaleWork(t *testing.T) {
	opts := fastOptions(types.ProfileMusic)
	opts.FrozenKick = 200 * time.Millisecond
	h := newHarness(t, opts)

	require.True(t, h.mgr.Handle(signal(types.SignalPositionFrozen)))
	time.Sleep(20 * time.Millisecond)
	h.mgr.Close()
	h.mgr.Wait()

	assert.Equal(t, 1, h.fake.Count("Pause"))
	assert.Zero(t, h.fake.Count("Play"), "the resume of a replaced session never lands")
	assert.False(t, h.mgr.Handle(types.HealthSignal{Kind: types.SignalHardError}))
	assert.Empty(t, h.skipped())
}

func TestAbandonSkipsWithoutSpendingBudget(t *testing.T) {
	h := newHarness(t, fastOptions(types.ProfileGeneric))

	h.mgr.Abandon("open_timeout")
	h.mgr.Wait()

	assert.Equal(t, []string{"open_timeout"}, h.skipped())
	assert.Zero(t, h.budget.Count())
	entries := h.bl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "open_timeout", entries[0].Reason)
}

func TestOnStableClearsBlacklistAndBudget(t *testing.T) {
	h := newHarness(t, fastOptions(types.ProfileGeneric))
	h.bl.MarkFailed("http://other/2.ts", "Other", "hard_error")
	h.budget.Record()

	h.mgr.OnStable()

	assert.Zero(t, h.bl.Len())
	assert.Zero(t, h.budget.Count())
}

func TestNewOptionsFromConfig(t *testing.T) {
	sc := config.Default().Supervisor

	music := recovery.NewOptions(sc, types.ProfileMusic)
	assert.Equal(t, 8*time.Second, music.Cooldown)
	assert.Equal(t, 1500*time.Millisecond, music.FrozenKick)
	assert.Equal(t, 800*time.Millisecond, music.BufferingKick)

	generic := recovery.NewOptions(sc, types.ProfileGeneric)
	assert.Equal(t, 5*time.Second, generic.Cooldown)
	assert.Equal(t, time.Second, generic.FrozenKick)
	assert.Zero(t, generic.BufferingKick)
	assert.Equal(t, 5*time.Second, generic.ReconnectTimeout)
}

func TestErrorBudget(t *testing.T) {
	b := recovery.NewErrorBudget(2)
	n, exhausted := b.Record()
	assert.Equal(t, 1, n)
	assert.False(t, exhausted)
	_, exhausted = b.Record()
	assert.True(t, exhausted)
	b.Reset()
	assert.Zero(t, b.Count())
}

// heldPool queues submitted tasks until release runs them.
type heldPool struct {
	mu    sync.Mutex
	tasks []func()
}

func (p *heldPool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *heldPool) release() {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

func newHeldManager(t *testing.T, ctrl recovery.Controller, budget *recovery.ErrorBudget) (*recovery.Manager, *heldPool) {
	t.Helper()
	pool := &heldPool{}
	mgr := recovery.New(ctrl, blacklist.New(), budget, pool, fastOptions(types.ProfileMusic),
		recovery.Target{Channel: "News 24", URL: streamURL}, recovery.Callbacks{})
	t.Cleanup(func() {
		mgr.Close()
		pool.release()
		mgr.Wait()
	})
	return mgr, pool
}

func TestQueuedKickOfClosedManagerNeverTouchesEngine(t *testing.T) {
	fake := enginetest.New()
	handle := engine.NewHandle(enginetest.Factory(fake))
	defer handle.Close()
	require.NoError(t, handle.Open(streamURL))

	mgr, pool := newHeldManager(t, handle, recovery.NewErrorBudget(3))
	require.True(t, mgr.Handle(signal(types.SignalPositionFrozen)))
	mgr.Close()
	pool.release()
	mgr.Wait()

	assert.Zero(t, fake.Count("Pause"))
	assert.Zero(t, fake.Count("Play"))
}

func TestQueuedHardErrorOfClosedManagerDoesNotRecreate(t *testing.T) {
	handle := engine.NewHandle(enginetest.Factory(enginetest.New(), enginetest.New()))
	defer handle.Close()
	require.NoError(t, handle.Open(streamURL))

	mgr, pool := newHeldManager(t, handle, recovery.NewErrorBudget(1))
	require.True(t, mgr.Handle(types.HealthSignal{Kind: types.SignalHardError, At: time.Now()}))
	mgr.Close()
	pool.release()
	mgr.Wait()

	assert.Zero(t, handle.Recreations())
}

func TestScopedFixStopsAtSessionTeardown(t *testing.T) {
	old, next := enginetest.New(), enginetest.New()
	handle := engine.NewHandle(enginetest.Factory(old, next))
	defer handle.Close()
	require.NoError(t, handle.Open(streamURL))

	mgr, pool := newHeldManager(t, handle.Scope(), recovery.NewErrorBudget(3))
	require.True(t, mgr.Handle(signal(types.SignalConnectionLost)))

	// the channel switches before the worker picks the fix up
	handle.Teardown()
	require.NoError(t, handle.Open("http://provider/live/2.ts"))

	pool.release()
	mgr.Wait()

	assert.Equal(t, []string{"Open"}, next.Calls(), "the next session's engine is left alone")
	last, ok := mgr.LastFix()
	require.True(t, ok)
	assert.Equal(t, types.OutcomeUnknown, last.Outcome)
}

func TestKickDoesNotResumeAfterUserPause(t *testing.T) {
	opts := fastOptions(types.ProfileMusic)
	opts.FrozenKick = 100 * time.Millisecond
	h := newHarness(t, opts)

	require.True(t, h.mgr.Handle(signal(types.SignalPositionFrozen)))
	require.Eventually(t, func() bool { return h.fake.Count("Pause") == 1 }, time.Second, time.Millisecond)
	h.paused.Store(true)
	h.mgr.Wait()

	assert.Zero(t, h.fake.Count("Play"))
	require.Len(t, h.attempts(), 1)
	assert.Equal(t, types.OutcomeSucceeded, h.attempts()[0].Outcome)
}

func TestReconnectKeepsUserPause(t *testing.T) {
	h := newHarness(t, fastOptions(types.ProfileGeneric))
	h.paused.Store(true)

	require.True(t, h.mgr.Handle(signal(types.SignalConnectionLost)))
	h.mgr.Wait()

	assert.Equal(t, []string{"Open", "Stop", "Open", "Pause"}, h.fake.Calls())
}
