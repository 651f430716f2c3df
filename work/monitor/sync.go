package monitor

import (
	"context"
	"time"

	"kptv-player/work/logger"
	"kptv-player/work/types"
)

// SyncOptions configures a SyncMonitor. Only generic profiles run one; music
// channels have no picture to drift from.
type SyncOptions struct {
	InitialDelay    time.Duration // wait after the session starts before the first tick
	Interval        time.Duration // base period between ticks
	ReadTimeout     time.Duration // bound on each engine read
	DelayLimit      time.Duration // |audio delay| above this counts as desync
	DesyncThreshold int           // consecutive desynced ticks before Desync
	FrozenThreshold int           // consecutive unchanged positions before PositionFrozen
	HoldOff         time.Duration // extra wait after emitting an actionable signal
}

// SyncMonitor watches audio/video delay on generic channels, with its own copy of
// the frozen-position and connection-loss checks at a slower cadence.
//
// A delay beyond DelayLimit on DesyncThreshold consecutive ticks emits Desync,
// which the recovery engine answers with a resync. The counter starts over
// after every Desync whether or not the resync helped, so a stubborn drift is
// retried at most once per threshold window.
type SyncMonitor struct {
	opts   SyncOptions
	reader Reader
	intent Intent
	emit   Emit
	now    func() time.Time

	desynced int
	progress
}

// NewSyncMonitor creates an A/V sync monitor for one session.
func NewSyncMonitor(opts SyncOptions, reader Reader, intent Intent, emit Emit) *SyncMonitor {
	if opts.DesyncThreshold <= 0 {
		opts.DesyncThreshold = 2
	}
	if opts.FrozenThreshold <= 0 {
		opts.FrozenThreshold = 2
	}
	return &SyncMonitor{opts: opts, reader: reader, intent: intent, emit: emit, now: time.Now}
}

// Name identifies the monitor in logs and in the Source of its signals.
func (m *SyncMonitor) Name() string { return "sync" }

// InitialDelay is how long the monitor waits before its first tick. It is longer
// than the position monitor's since the delay reading is meaningless until both
// tracks are decoding.
func (m *SyncMonitor) InitialDelay() time.Duration { return m.opts.InitialDelay }

// Interval is the base period between ticks.
func (m *SyncMonitor) Interval() time.Duration { return m.opts.Interval }

// Tick checks the audio delay, then position progress. A failed delay read skips
// only the delay check; a failed position read ends the tick. Both counters are
// dropped while the user has paused.
func (m *SyncMonitor) Tick(ctx context.Context) time.Duration {
	if !m.intent() {
		m.desynced = 0
		m.reset()
		return 0
	}

	if delay, err := m.reader.AudioDelay(m.opts.ReadTimeout); err == nil {
		if abs(delay) > m.opts.DelayLimit {
			m.desynced++
			logger.Debug("{monitor/sync - Tick} audio delay %s over limit (%d/%d)", delay, m.desynced, m.opts.DesyncThreshold)
			if m.desynced >= m.opts.DesyncThreshold {
				// the counter resets whatever the resync's outcome
				m.desynced = 0
				m.signal(types.SignalDesync, delay)
				return m.opts.HoldOff
			}
		} else {
			m.desynced = 0
		}
	}

	pos, err := m.reader.Position(m.opts.ReadTimeout)
	if err != nil {
		return 0
	}

	if m.last > 0 && pos == 0 {
		m.reset()
		m.signal(types.SignalConnectionLost, 0)
		return m.opts.HoldOff
	}

	if pos == m.last && pos > 0 {
		playing, err := m.reader.IsPlaying(m.opts.ReadTimeout)
		if err != nil || !playing {
			return 0
		}
		m.frozen++
		if m.frozen >= m.opts.FrozenThreshold {
			m.reset()
			m.signal(types.SignalPositionFrozen, 0)
			return m.opts.HoldOff
		}
		return 0
	}

	m.frozen = 0
	m.last = pos
	return 0
}

// signal stamps and emits a signal from this monitor.
func (m *SyncMonitor) signal(kind types.SignalKind, delta time.Duration) {
	m.emit(types.HealthSignal{Kind: kind, Delta: delta, Source: m.Name(), At: m.now()})
}
