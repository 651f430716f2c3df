package session

import (
	"context"
	"sync/atomic"
	"time"

	"kptv-player/work/catalog"
	"kptv-player/work/classifier"
	"kptv-player/work/config"
	"kptv-player/work/logger"
	"kptv-player/work/metrics"
	"kptv-player/work/monitor"
	"kptv-player/work/recovery"
	"kptv-player/work/types"
)

// playback is one PlaybackSession: a single endpoint from open until it is
// replaced or stopped. Its run loop is the only goroutine that touches the
// classifier, the monitor group and the timers.
type playback struct {
	p       *Player
	id      string
	entry   catalog.Entry
	url     string
	profile types.Profile
	pc      config.ProfileConfig

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	signals chan types.HealthSignal
	fixed   chan types.FixAttempt

	manager    *recovery.Manager
	classifier *classifier.Classifier
	stable     atomic.Bool

	// run loop only
	group        *monitor.Group
	firstPlaying time.Time
	openTimer    *time.Timer
	warmTimer    *time.Timer
	prolonged    *time.Timer
	prolongedAt  time.Time
}

func newPlayback(p *Player, id string, entry catalog.Entry, url string, profile types.Profile) *playback {
	ctx, cancel := context.WithCancel(p.ctx)
	pb := &playback{
		p:       p,
		id:      id,
		entry:   entry,
		url:     url,
		profile: profile,
		pc:      p.sc.Profile(profile == types.ProfileMusic),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		signals: make(chan types.HealthSignal, 16),
		fixed:   make(chan types.FixAttempt, 1),
	}

	pb.classifier = classifier.New(classifier.Options{
		ProlongedAfter:   p.sc.BufferingProlonged,
		ChurnStableAfter: p.sc.ChurnStableAfter,
	}, pb)

	pb.manager = recovery.New(p.media.Scope(), p.bl, p.budget, p.pool,
		recovery.NewOptions(p.sc, profile),
		recovery.Target{Channel: entry.Channel.Name, URL: url},
		recovery.Callbacks{
			Skip:   func(reason string) { p.autoSkip(pb, reason) },
			Fatal:  func(err error) { p.fatal(pb, err) },
			Done:   func(a types.FixAttempt) { p.fixDone(pb, a) },
			Intent: p.intent.Load,
		})
	return pb
}

// StableFor is how long the session has been playing since it first started.
func (pb *playback) StableFor() time.Duration {
	if pb.firstPlaying.IsZero() {
		return 0
	}
	return pb.p.now().Sub(pb.firstPlaying)
}

// InCooldown reports whether the recovery gate would drop a trigger now.
func (pb *playback) InCooldown() bool {
	return pb.manager.InCooldown()
}

// emit hands a signal to the run loop without blocking. Monitors call it from
// their own goroutines.
func (pb *playback) emit(sig types.HealthSignal) {
	select {
	case pb.signals <- sig:
	case <-pb.ctx.Done():
	default:
		logger.Debug("{session/playback - emit} signal backlog full, dropping %s", sig)
	}
}

// close stops the session and waits for its run loop. Fixes already running
// finish on their own but can no longer change the player.
func (pb *playback) close() {
	pb.cancel()
	pb.manager.Close()
	<-pb.done
}

func (pb *playback) run(events <-chan types.EngineEvent) {
	defer close(pb.done)

	pb.openTimer = time.NewTimer(pb.p.sc.OpenTimeout)
	pb.warmTimer = stoppedTimer()
	pb.prolonged = stoppedTimer()
	defer func() {
		pb.openTimer.Stop()
		pb.warmTimer.Stop()
		pb.prolonged.Stop()
		pb.group.Stop()
	}()

	for {
		select {
		case <-pb.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			pb.onEvent(ev)

		case sig := <-pb.signals:
			pb.onSignal(sig)

		case a := <-pb.fixed:
			pb.onFixDone(a)

		case <-pb.openTimer.C:
			pb.onOpenTimeout()

		case <-pb.warmTimer.C:
			pb.onWarm()

		case now := <-pb.prolonged.C:
			pb.prolongedAt = time.Time{}
			if sig, ok := pb.classifier.Tick(now); ok {
				pb.onSignal(sig)
			}
		}
		pb.armProlonged()
	}
}

func (pb *playback) onEvent(ev types.EngineEvent) {
	state, ok := pb.p.stateFor(pb)
	if !ok {
		return
	}

	if ev.Kind == types.EventPlaying {
		if state == types.StateOpening {
			pb.onStarted()
		}
		return
	}
	if state == types.StateOpening && ev.Kind != types.EventError {
		logger.Debug("{session/playback - onEvent} ignoring %s while opening", ev.Kind)
		return
	}

	for _, sig := range pb.classifier.Classify(ev) {
		pb.onSignal(sig)
	}
}

// onStarted moves an opening session to Playing, starts the profile's monitors
// and the warm-up timer.
func (pb *playback) onStarted() {
	pb.openTimer.Stop()
	pb.firstPlaying = pb.p.now()
	if !pb.p.transition(pb, types.StatePlaying) {
		return
	}

	reader := pb.p.media
	intent := func() bool { return pb.p.intent.Load() }
	pb.group = monitor.Start(pb.ctx, monitor.Strategy(pb.profile, pb.pc, reader, intent, pb.emit)...)
	pb.warmTimer.Reset(pb.p.sc.WarmUp)

	logger.Info("{session/playback - onStarted} %s playing (%s profile)", pb.entry.Channel.Name, pb.profile)
}

func (pb *playback) onSignal(sig types.HealthSignal) {
	state, ok := pb.p.stateFor(pb)
	if !ok {
		return
	}
	metrics.HealthSignals.WithLabelValues(sig.Kind.String(), pb.profile.String()).Inc()

	if state == types.StateOpening && sig.Kind != types.SignalHardError {
		logger.Debug("{session/playback - onSignal} ignoring %s while opening", sig)
		return
	}

	switch {
	case sig.Kind == types.SignalBufferingStarted && state == types.StatePlaying:
		pb.leavePlaying(types.StateBuffering)
	case sig.Kind == types.SignalBufferingResolved && state == types.StateBuffering:
		pb.backToPlaying()
	case sig.Kind == types.SignalPositionAdvancing && state == types.StateDegraded:
		pb.backToPlaying()
	case sig.Kind.Hard() && state != types.StateDegraded:
		pb.leavePlaying(types.StateDegraded)
	}

	if sig.Kind != types.SignalPositionAdvancing {
		logger.Debug("{session/playback - onSignal} %s: %s", pb.entry.Channel.Name, sig)
	}
	pb.manager.Handle(sig)
}

func (pb *playback) onFixDone(a types.FixAttempt) {
	state, ok := pb.p.stateFor(pb)
	if ok && state == types.StateDegraded && a.Outcome == types.OutcomeSucceeded {
		pb.backToPlaying()
	}
}

func (pb *playback) onOpenTimeout() {
	state, ok := pb.p.stateFor(pb)
	if !ok || state != types.StateOpening {
		return
	}
	logger.Warn("{session/playback - onOpenTimeout} %s did not start within %s", pb.entry.Channel.Name, pb.p.sc.OpenTimeout)
	metrics.HealthSignals.WithLabelValues("open_timeout", pb.profile.String()).Inc()
	pb.p.transition(pb, types.StateFailed)
	pb.manager.Abandon("open_timeout")
}

// onWarm marks the session stable once it has played through the warm-up window.
func (pb *playback) onWarm() {
	state, ok := pb.p.stateFor(pb)
	if !ok || state != types.StatePlaying || pb.stable.Load() {
		return
	}
	pb.stable.Store(true)
	logger.Info("{session/playback - onWarm} %s stable", pb.entry.Channel.Name)
	pb.manager.OnStable()
	pb.p.broadcast()
}

// leavePlaying suspends the warm-up; stability needs continuous playing.
func (pb *playback) leavePlaying(state types.SessionState) {
	pb.warmTimer.Stop()
	pb.p.transition(pb, state)
}

func (pb *playback) backToPlaying() {
	if !pb.p.transition(pb, types.StatePlaying) {
		return
	}
	if !pb.stable.Load() {
		pb.warmTimer.Reset(pb.p.sc.WarmUp)
	}
}

// armProlonged keeps the prolonged-buffering timer on the classifier's deadline so
// the signal fires even when the engine goes quiet mid-episode.
func (pb *playback) armProlonged() {
	at, ok := pb.classifier.Deadline()
	switch {
	case ok && !at.Equal(pb.prolongedAt):
		pb.prolongedAt = at
		pb.prolonged.Reset(max(at.Sub(pb.p.now()), 0))
	case !ok && !pb.prolongedAt.IsZero():
		pb.prolongedAt = time.Time{}
		pb.prolonged.Stop()
	}
}

func stoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}
