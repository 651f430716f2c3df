package monitor

import (
	"context"
	"time"

	"kptv-player/work/logger"
	"kptv-player/work/types"
)

// PositionOptions configures a PositionMonitor. The values come from the
// session's profile: music channels poll fast with tight jump bounds, generic
// video polls slower and tolerates wider jumps.
type PositionOptions struct {
	InitialDelay    time.Duration // wait after the session starts before the first tick
	Interval        time.Duration // base period between ticks
	ReadTimeout     time.Duration // bound on each engine read
	FrozenThreshold int           // consecutive unchanged ticks before PositionFrozen
	JumpBack        time.Duration // a rewind larger than this is a jump
	JumpAhead       time.Duration // an advance larger than this is a jump
	HoldOff         time.Duration // extra wait after emitting an actionable signal
}

// PositionMonitor polls the playback position to catch a stalled decoder that the
// engine itself still reports as playing.
//
// Each tick compares the position with the previous reading. A position stuck
// for FrozenThreshold ticks while the engine claims to play is PositionFrozen.
// A drop back to zero means the connection went away. Forward movement is
// reported as PositionAdvancing so a Degraded session can recover.
type PositionMonitor struct {
	opts   PositionOptions
	reader Reader
	intent Intent
	emit   Emit
	now    func() time.Time

	progress
}

// NewPositionMonitor creates a position monitor for one session.
func NewPositionMonitor(opts PositionOptions, reader Reader, intent Intent, emit Emit) *PositionMonitor {
	if opts.FrozenThreshold <= 0 {
		opts.FrozenThreshold = 2
	}
	return &PositionMonitor{opts: opts, reader: reader, intent: intent, emit: emit, now: time.Now}
}

// Name identifies the monitor in logs and in the Source of its signals.
func (m *PositionMonitor) Name() string { return "position" }

// InitialDelay is how long the monitor waits before its first tick, leaving the
// engine time to settle after open.
func (m *PositionMonitor) InitialDelay() time.Duration { return m.opts.InitialDelay }

// Interval is the base period between ticks.
func (m *PositionMonitor) Interval() time.Duration { return m.opts.Interval }

// Tick compares the current position with the previous one. While the user has
// paused, the comparison state is dropped and nothing is read. A read that
// times out leaves the counters untouched. The returned hold-off follows every
// actionable signal so the next tick does not judge a fix still in progress.
func (m *PositionMonitor) Tick(ctx context.Context) time.Duration {
	if !m.intent() {
		m.reset()
		return 0
	}

	pos, err := m.reader.Position(m.opts.ReadTimeout)
	if err != nil {
		logger.Debug("{monitor/position - Tick} position read inconclusive: %v", err)
		return 0
	}

	// the stream dropped back to the start: the connection went away
	if m.last > 0 && pos == 0 {
		logger.Warn("{monitor/position - Tick} position reset to 0 after %s", m.last)
		m.reset()
		m.signal(types.SignalConnectionLost, 0)
		return m.opts.HoldOff
	}

	delta := pos - m.last

	if m.last > 0 && (delta < -m.opts.JumpBack || delta > m.opts.JumpAhead) {
		logger.Info("{monitor/position - Tick} position jumped by %s", delta)
		m.last = pos
		m.frozen = 0
		m.signal(types.SignalPositionJumped, delta)
		return m.opts.HoldOff
	}

	switch {
	case delta == 0 && pos > 0:
		playing, err := m.reader.IsPlaying(m.opts.ReadTimeout)
		if err != nil || !playing {
			return 0
		}
		m.frozen++
		logger.Debug("{monitor/position - Tick} position unchanged at %s (%d/%d)", pos, m.frozen, m.opts.FrozenThreshold)
		if m.frozen >= m.opts.FrozenThreshold {
			// last stays put: only real movement may report advancing afterwards
			m.frozen = 0
			m.signal(types.SignalPositionFrozen, 0)
			return m.opts.HoldOff
		}

	case delta > 0:
		prev := m.last
		m.frozen = 0
		m.last = pos
		// the first reading after a reset is a baseline, not progress
		if prev > 0 {
			m.signal(types.SignalPositionAdvancing, delta)
		}

	default:
		// small rewind inside the jump window
		m.last = pos
	}
	return 0
}

// signal stamps and emits a signal from this monitor.
func (m *PositionMonitor) signal(kind types.SignalKind, delta time.Duration) {
	m.emit(types.HealthSignal{Kind: kind, Delta: delta, Source: m.Name(), At: m.now()})
}
