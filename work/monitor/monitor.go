package monitor

import (
	"context"
	"sync"
	"time"

	"kptv-player/work/logger"
	"kptv-player/work/types"
)

// Reader is the read side of the media session handle. Every read is bounded by
// the timeout passed in; an error means the tick is inconclusive.
type Reader interface {
	Position(timeout time.Duration) (time.Duration, error)
	IsPlaying(timeout time.Duration) (bool, error)
	AudioDelay(timeout time.Duration) (time.Duration, error)
}

// Emit delivers a signal to the session. It must not block.
type Emit func(types.HealthSignal)

// Intent reports whether the user currently wants playback. Monitors suspend
// comparisons while it is false.
type Intent func() bool

// Monitor is a polling health check driven by Loop. Implementations keep their
// state between ticks and are only ever ticked from one goroutine, so they need
// no locking of their own.
type Monitor interface {
	// Name identifies the monitor in logs and signals.
	Name() string
	// InitialDelay is the wait before the first tick.
	InitialDelay() time.Duration
	// Interval is the base period between ticks.
	Interval() time.Duration
	// Tick runs one check and returns an extra wait before the next tick, used to
	// let a triggered fix settle.
	Tick(ctx context.Context) time.Duration
}

// Loop runs tick after initialDelay and then every interval plus whatever extra
// wait the previous tick asked for, until ctx is done. Panics inside tick are
// logged and the loop continues.
func Loop(ctx context.Context, initialDelay, interval time.Duration, tick func(context.Context) time.Duration) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		extra := safeTick(ctx, tick)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(interval + extra)
	}
}

// safeTick runs one tick and turns a panic into a log line with no extra wait,
// so a misbehaving monitor cannot end its loop or crash the process.
func safeTick(ctx context.Context, tick func(context.Context) time.Duration) (extra time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("{monitor/monitor - Loop} recovered from panic in monitor tick: %v", r)
			extra = 0
		}
	}()
	return tick(ctx)
}

// Group runs a set of monitors for one playback session. Each monitor gets its
// own loop so a slow engine read in one never delays the other; the group
// cancels and joins them all together when the session ends.
type Group struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start launches every monitor on its own loop. The loops end when ctx is done or
// Stop is called.
func Start(ctx context.Context, monitors ...Monitor) *Group {
	ctx, cancel := context.WithCancel(ctx)
	g := &Group{cancel: cancel}

	for _, m := range monitors {
		g.wg.Add(1)
		go func(m Monitor) {
			defer g.wg.Done()
			logger.Debug("{monitor/monitor - Start} %s monitor started (interval %s)", m.Name(), m.Interval())
			Loop(ctx, m.InitialDelay(), m.Interval(), m.Tick)
			logger.Debug("{monitor/monitor - Start} %s monitor stopped", m.Name())
		}(m)
	}
	return g
}

// Stop cancels every loop and waits for them to return.
func (g *Group) Stop() {
	if g == nil {
		return
	}
	g.cancel()
	g.wg.Wait()
}

// progress tracks position advancement between ticks. It is shared by the
// position and sync monitors, each holding its own instance.
type progress struct {
	last   time.Duration
	frozen int
}

// reset forgets the last position and the frozen count.
func (p *progress) reset() {
	p.last = 0
	p.frozen = 0
}

// abs returns the magnitude of d.
func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
