package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kptv-player/work/blacklist"
	"kptv-player/work/config"
	"kptv-player/work/logger"
	"kptv-player/work/metrics"
	"kptv-player/work/types"
)

// ErrStale is returned by a fix whose session was replaced while it ran.
var ErrStale = errors.New("session no longer current")

// Controller is the control side of the media session handle.
type Controller interface {
	Open(url string) error
	Play() error
	PlayIf(cond func() bool) error
	Pause() error
	Stop() error
	SetAudioDelay(d time.Duration) error
	Recreate() error
}

// Submitter runs fix actions off the caller's goroutine. *ants.Pool satisfies it.
type Submitter interface {
	Submit(task func()) error
}

// Options are the recovery parameters of one session, resolved from its profile.
type Options struct {
	Profile          types.Profile
	Cooldown         time.Duration
	FrozenKick       time.Duration
	JumpKick         time.Duration
	ProlongedKick    time.Duration
	ChurnKick        time.Duration
	BufferingKick    time.Duration // 0 disables the preventive kick
	BufferingHold    time.Duration
	ReconnectDelay   time.Duration
	ReconnectTimeout time.Duration
	ResyncSettle     time.Duration
	ResyncPause      time.Duration
}

// NewOptions resolves the recovery options for profile from the supervisor config.
func NewOptions(sc config.SupervisorConfig, profile types.Profile) Options {
	pc := sc.Profile(profile == types.ProfileMusic)
	return Options{
		Profile:          profile,
		Cooldown:         pc.Cooldown,
		FrozenKick:       pc.FrozenKick,
		JumpKick:         pc.JumpKick,
		ProlongedKick:    pc.ProlongedKick,
		ChurnKick:        pc.ChurnKick,
		BufferingKick:    pc.BufferingKick,
		BufferingHold:    pc.BufferingHold,
		ReconnectDelay:   sc.ReconnectDelay,
		ReconnectTimeout: sc.ReconnectTimeout,
		ResyncSettle:     sc.ResyncSettle,
		ResyncPause:      sc.ResyncPause,
	}
}

// Target is the endpoint a session is playing.
type Target struct {
	Channel string
	URL     string
}

// Callbacks connect the manager to its session. Skip abandons the endpoint and
// advances, Fatal reports an engine that could not be rebuilt. Done sees every
// finished fix, including those of a session that has since been replaced, so it
// must do its own current-session check. These three run on a pool worker.
//
// Intent reports the user's playing intent. A fix never resumes playback the
// user paused while it ran. Nil means always playing.
type Callbacks struct {
	Skip   func(reason string)
	Fatal  func(err error)
	Done   func(attempt types.FixAttempt)
	Intent func() bool
}

// plan is one resolved corrective action.
type plan struct {
	action   types.ActionKind
	kick     time.Duration
	hold     time.Duration
	fallback bool // on a failed kick, reconnect instead
}

// Manager is the recovery action engine of one playback session. It is the single
// mutual-exclusion point for corrective actions: at most one fix runs at a time,
// triggers arriving while one runs are dropped, and a cooldown separates the
// completion of one fix from the start of the next. Hard errors bypass both gates.
type Manager struct {
	ctrl   Controller
	bl     *blacklist.Blacklist
	budget *ErrorBudget
	pool   Submitter
	opts   Options
	target Target
	cb     Callbacks
	now    func() time.Time

	inFlight atomic.Bool
	closed   atomic.Bool

	mu       sync.Mutex
	lastDone time.Time
	last     types.FixAttempt
	hasLast  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the recovery manager for one session.
func New(ctrl Controller, bl *blacklist.Blacklist, budget *ErrorBudget, pool Submitter, opts Options, target Target, cb Callbacks) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctrl:   ctrl,
		bl:     bl,
		budget: budget,
		pool:   pool,
		opts:   opts,
		target: target,
		cb:     cb,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handle maps a health signal to a corrective action and dispatches it. It never
// blocks. Returns true when an action was started.
func (m *Manager) Handle(sig types.HealthSignal) bool {
	if m.stale() {
		return false
	}
	if sig.Kind == types.SignalHardError {
		m.hardError(sig)
		return true
	}

	p, ok := m.planFor(sig.Kind)
	if !ok {
		return false
	}
	return m.dispatch(types.FixAttempt{Trigger: sig.Kind, Action: p.action}, p, false)
}

// Trigger starts a manual reconnect or resync. It bypasses the cooldown but not
// the in-flight gate.
func (m *Manager) Trigger(action types.ActionKind) bool {
	if m.stale() {
		return false
	}
	var trigger types.SignalKind
	switch action {
	case types.ActionHardReconnect:
		trigger = types.SignalConnectionLost
	case types.ActionResync:
		trigger = types.SignalDesync
	default:
		return false
	}
	return m.dispatch(types.FixAttempt{Trigger: trigger, Action: action, Manual: true}, plan{action: action}, true)
}

// Abandon blacklists the endpoint and skips without touching the hard-error
// budget. Used when the open ceiling expires.
func (m *Manager) Abandon(reason string) {
	if m.stale() {
		return
	}
	m.bl.MarkFailed(m.target.URL, m.target.Channel, reason)
	attempt := types.FixAttempt{Channel: m.target.Channel, At: m.now(), Trigger: types.SignalHardError, Action: types.ActionChannelSkip}
	m.run(func() {
		if m.stale() {
			return
		}
		m.skip(reason)
		attempt.Outcome = types.OutcomeSucceeded
		m.finish(attempt, false)
	})
}

// OnStable clears the blacklist and the hard-error budget once the session has
// played through its warm-up window.
func (m *Manager) OnStable() {
	if m.stale() {
		return
	}
	if n := m.bl.ClearAll(); n > 0 {
		logger.Info("{recovery - OnStable} %s stable, cleared %d blacklisted endpoints", m.target.Channel, n)
	}
	m.budget.Reset()
}

// InCooldown reports whether a fix is running or finished less than the cooldown ago.
func (m *Manager) InCooldown() bool {
	if m.inFlight.Load() {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coolingLocked()
}

// InFlight reports whether a fix is currently running.
func (m *Manager) InFlight() bool {
	return m.inFlight.Load()
}

// LastFix returns the most recently finished fix of this session.
func (m *Manager) LastFix() (types.FixAttempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}

// Close detaches the manager from its session. Fixes already running stop at
// their next step and no longer skip. Close does not wait; see Wait.
func (m *Manager) Close() {
	if m.closed.CompareAndSwap(false, true) {
		m.cancel()
	}
}

// Wait blocks until every fix submitted by this manager has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// sessionBound is implemented by controllers bound to a single session, such as
// engine.Scope. Once the session is torn down the manager treats itself as stale.
type sessionBound interface {
	Stale() bool
}

func (m *Manager) stale() bool {
	if m.closed.Load() || m.ctx.Err() != nil {
		return true
	}
	sb, ok := m.ctrl.(sessionBound)
	return ok && sb.Stale()
}

func (m *Manager) intent() bool {
	return m.cb.Intent == nil || m.cb.Intent()
}

// call issues one control call unless the session is gone. The engine is shared
// with later sessions, so a stale fix must not reach it. An error from a call
// that raced the teardown is reported as ErrStale.
func (m *Manager) call(fn func() error) error {
	if m.stale() {
		return ErrStale
	}
	if err := fn(); err != nil {
		if m.stale() {
			return ErrStale
		}
		return err
	}
	return nil
}

func (m *Manager) coolingLocked() bool {
	return !m.lastDone.IsZero() && m.now().Sub(m.lastDone) < m.opts.Cooldown
}

func (m *Manager) planFor(kind types.SignalKind) (plan, bool) {
	music := m.opts.Profile == types.ProfileMusic
	switch kind {
	case types.SignalBufferingStarted:
		if !music || m.opts.BufferingKick <= 0 {
			return plan{}, false
		}
		return plan{action: types.ActionSoftKick, kick: m.opts.BufferingKick, hold: m.opts.BufferingHold}, true
	case types.SignalBufferingProlonged:
		return plan{action: types.ActionSoftKick, kick: m.opts.ProlongedKick}, true
	case types.SignalTrackChurn, types.SignalOutputLost:
		return plan{action: types.ActionSoftKick, kick: m.opts.ChurnKick}, true
	case types.SignalPositionFrozen:
		return plan{action: types.ActionSoftKick, kick: m.opts.FrozenKick, fallback: !music}, true
	case types.SignalPositionJumped:
		return plan{action: types.ActionSoftKick, kick: m.opts.JumpKick}, true
	case types.SignalConnectionLost, types.SignalStreamEnded:
		return plan{action: types.ActionHardReconnect}, true
	case types.SignalDesync:
		return plan{action: types.ActionResync}, true
	}
	return plan{}, false
}

// dispatch passes the in-flight gate, then the cooldown gate, then hands the fix
// to the pool. A rejected trigger is dropped, never queued.
func (m *Manager) dispatch(attempt types.FixAttempt, p plan, force bool) bool {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.drop(attempt, "in_flight")
		return false
	}

	m.mu.Lock()
	cooling := m.coolingLocked()
	m.mu.Unlock()
	if cooling && !force {
		m.inFlight.Store(false)
		m.drop(attempt, "cooldown")
		return false
	}

	attempt.Channel = m.target.Channel
	attempt.At = m.now()
	logger.Info("{recovery - dispatch} %s: %s for %s", m.target.Channel, p.action, attempt.Trigger)

	ok := m.run(func() {
		attempt.Outcome = m.execute(p)
		m.finish(attempt, true)
	})
	if !ok {
		m.inFlight.Store(false)
		m.drop(attempt, "pool")
	}
	return ok
}

// run submits task to the pool, tracking it for Wait.
func (m *Manager) run(task func()) bool {
	m.wg.Add(1)
	err := m.pool.Submit(func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("{recovery - run} recovered from panic in fix action: %v", r)
			}
		}()
		task()
	})
	if err != nil {
		m.wg.Done()
		logger.Warn("{recovery - run} worker pool rejected fix action: %v", err)
		return false
	}
	return true
}

func (m *Manager) drop(attempt types.FixAttempt, reason string) {
	metrics.DroppedTriggers.WithLabelValues(reason).Inc()
	logger.Debug("{recovery - dispatch} dropped %s for %s (%s)", attempt.Action, attempt.Trigger, reason)
}

// execute performs a planned action and returns its outcome.
func (m *Manager) execute(p plan) types.Outcome {
	switch p.action {
	case types.ActionSoftKick:
		err := m.kick(p.kick)
		if err == nil {
			if p.hold > 0 {
				sleep(m.ctx, p.hold)
			}
			return types.OutcomeSucceeded
		}
		if errors.Is(err, ErrStale) {
			return types.OutcomeUnknown
		}
		logger.Warn("{recovery - execute} soft kick on %s failed: %v", m.target.Channel, err)
		if !p.fallback {
			return types.OutcomeFailed
		}
		m.reconnectOrSkip()
		return types.OutcomeEscalated

	case types.ActionHardReconnect:
		return m.reconnectOrSkip()

	case types.ActionResync:
		if err := m.resync(); err != nil {
			if errors.Is(err, ErrStale) {
				return types.OutcomeUnknown
			}
			logger.Warn("{recovery - execute} resync on %s failed: %v", m.target.Channel, err)
			return types.OutcomeFailed
		}
		return types.OutcomeSucceeded
	}
	return types.OutcomeUnknown
}

// kick pauses, waits and resumes. The resume is skipped when the user paused
// in the meantime.
func (m *Manager) kick(d time.Duration) error {
	if err := m.call(m.ctrl.Pause); err != nil {
		return err
	}
	if !sleep(m.ctx, d) {
		return ErrStale
	}
	return m.call(func() error { return m.ctrl.PlayIf(m.intent) })
}

func (m *Manager) resync() error {
	if err := m.call(func() error { return m.ctrl.SetAudioDelay(0) }); err != nil {
		return err
	}
	if !sleep(m.ctx, m.opts.ResyncSettle) {
		return ErrStale
	}
	return m.kick(m.opts.ResyncPause)
}

// reconnectOrSkip runs a hard reconnect and escalates to a channel skip when it
// fails or exceeds its ceiling.
func (m *Manager) reconnectOrSkip() types.Outcome {
	err := m.reconnect()
	switch {
	case err == nil:
		return types.OutcomeSucceeded
	case errors.Is(err, ErrStale):
		return types.OutcomeUnknown
	}

	reason := "reconnect_failed"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "reconnect_timeout"
	}
	logger.Warn("{recovery - reconnectOrSkip} reconnect of %s gave up: %v", m.target.Channel, err)
	m.bl.MarkFailed(m.target.URL, m.target.Channel, reason)
	if m.stale() {
		return types.OutcomeUnknown
	}
	m.skip(reason)
	return types.OutcomeEscalated
}

// reconnect stops the engine, waits and reopens the same endpoint, all bounded by
// the reconnect ceiling. A control call still hanging at the ceiling is left to
// finish on its own goroutine.
func (m *Manager) reconnect() error {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ReconnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.reconnectSteps(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if m.stale() {
			return ErrStale
		}
		return ctx.Err()
	}
}

func (m *Manager) reconnectSteps(ctx context.Context) error {
	if err := m.call(m.ctrl.Stop); err != nil {
		if errors.Is(err, ErrStale) {
			return err
		}
		logger.Debug("{recovery - reconnect} stop before reopen: %v", err)
	}
	if !sleep(ctx, m.opts.ReconnectDelay) {
		if m.stale() {
			return ErrStale
		}
		return ctx.Err()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := m.call(func() error { return m.ctrl.Open(m.target.URL) }); err != nil {
		if errors.Is(err, ErrStale) {
			return err
		}
		return fmt.Errorf("reopen: %w", err)
	}
	if !m.intent() {
		if err := m.call(m.ctrl.Pause); err != nil {
			logger.Debug("{recovery - reconnect} keeping the reopened stream paused: %v", err)
		}
	}
	return nil
}

// hardError handles an engine-declared failure: blacklist, spend the error budget
// and skip. It bypasses the cooldown and in-flight gates.
func (m *Manager) hardError(sig types.HealthSignal) {
	count, exhausted := m.budget.Record()
	m.bl.MarkFailed(m.target.URL, m.target.Channel, "hard_error")
	logger.Warn("{recovery - hardError} %s: hard error %d (%v)", m.target.Channel, count, sig.Err)

	attempt := types.FixAttempt{Channel: m.target.Channel, At: m.now(), Trigger: types.SignalHardError, Action: types.ActionChannelSkip}
	task := func() {
		if m.stale() {
			return
		}
		if exhausted {
			logger.Warn("{recovery - hardError} %d consecutive hard errors, recreating the media engine", count)
			if err := m.call(m.ctrl.Recreate); err != nil {
				if errors.Is(err, ErrStale) {
					return
				}
				attempt.Outcome = types.OutcomeFailed
				m.finish(attempt, false)
				if !m.stale() && m.cb.Fatal != nil {
					m.cb.Fatal(err)
				}
				return
			}
			m.budget.Reset()
		}
		if m.stale() {
			return
		}
		m.skip("hard_error")
		attempt.Outcome = types.OutcomeSucceeded
		m.finish(attempt, false)
	}

	if !m.run(task) {
		// hard errors are never dropped
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			task()
		}()
	}
}

func (m *Manager) skip(reason string) {
	metrics.ChannelSkips.WithLabelValues(reason).Inc()
	if m.cb.Skip != nil {
		m.cb.Skip(reason)
	}
}

// finish records a completed fix. When gated is set it also restarts the cooldown
// and releases the in-flight flag.
func (m *Manager) finish(attempt types.FixAttempt, gated bool) {
	attempt.Finished = m.now()
	metrics.FixActions.WithLabelValues(attempt.Action.String(), attempt.Outcome.String()).Inc()

	m.mu.Lock()
	if gated {
		m.lastDone = attempt.Finished
	}
	m.last = attempt
	m.hasLast = true
	m.mu.Unlock()

	if gated {
		m.inFlight.Store(false)
	}

	logger.Debug("{recovery - finish} %s %s for %s: %s", attempt.Channel, attempt.Action, attempt.Trigger, attempt.Outcome)
	if m.cb.Done != nil {
		m.cb.Done(attempt)
	}
}

// sleep waits for d or until ctx is done. Returns false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
