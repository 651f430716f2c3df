package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kptv-player/work/config"
	"kptv-player/work/types"
)

var errTimeout = errors.New("timeout")

// scriptReader replays scripted positions and delays; nil entries time out.
type scriptReader struct {
	mu        sync.Mutex
	positions []*time.Duration
	delays    []time.Duration
	playing   bool
}

func ms(v int) *time.Duration {
	d := time.Duration(v) * time.Millisecond
	return &d
}

func (r *scriptReader) Position(time.Duration) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.positions) == 0 {
		return 0, errTimeout
	}
	p := r.positions[0]
	r.positions = r.positions[1:]
	if p == nil {
		return 0, errTimeout
	}
	return *p, nil
}

func (r *scriptReader) IsPlaying(time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing, nil
}

func (r *scriptReader) AudioDelay(time.Duration) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.delays) == 0 {
		return 0, nil
	}
	d := r.delays[0]
	r.delays = r.delays[1:]
	return d, nil
}

type recorder struct {
	mu      sync.Mutex
	signals []types.HealthSignal
}

func (r *recorder) emit(s types.HealthSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s)
}

func (r *recorder) count(kind types.SignalKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.signals {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

func always() bool { return true }

var fastOpts = PositionOptions{
	Interval:        time.Second,
	ReadTimeout:     800 * time.Millisecond,
	FrozenThreshold: 2,
	JumpBack:        3 * time.Second,
	JumpAhead:       30 * time.Second,
	HoldOff:         3 * time.Second,
}

func runTicks(m Monitor, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = m.Tick(context.Background())
	}
	return out
}

func TestFrozenFiresAfterThreshold(t *testing.T) {
	reader := &scriptReader{playing: true, positions: []*time.Duration{ms(10000), ms(10000), ms(10000)}}
	rec := &recorder{}
	m := NewPositionMonitor(fastOpts, reader, always, rec.emit)

	waits := runTicks(m, 3)

	assert.Equal(t, 1, rec.count(types.SignalPositionFrozen))
	assert.Equal(t, []time.Duration{0, 0, 3 * time.Second}, waits, "hold-off follows the frozen signal")
}

func TestFrozenBelowThresholdDoesNotFire(t *testing.T) {
	opts := fastOpts
	opts.FrozenThreshold = 3
	reader := &scriptReader{playing: true, positions: []*time.Duration{ms(5000), ms(5000), ms(5000), ms(6000), ms(6000), ms(7000)}}
	rec := &recorder{}
	m := NewPositionMonitor(opts, reader, always, rec.emit)

	runTicks(m, 6)
	assert.Zero(t, rec.count(types.SignalPositionFrozen))
	assert.Equal(t, 2, rec.count(types.SignalPositionAdvancing), "the first reading is a baseline")
}

func TestNoAdvancingAfterFrozenUntilPositionMoves(t *testing.T) {
	reader := &scriptReader{playing: true, positions: []*time.Duration{ms(10000), ms(10000), ms(10000), ms(10000), ms(11000)}}
	rec := &recorder{}
	m := NewPositionMonitor(fastOpts, reader, always, rec.emit)

	runTicks(m, 4)
	assert.Equal(t, 1, rec.count(types.SignalPositionFrozen))
	assert.Zero(t, rec.count(types.SignalPositionAdvancing), "a still frozen position is not progress")

	m.Tick(context.Background())
	assert.Equal(t, 1, rec.count(types.SignalPositionAdvancing))
}

func TestFrozenRequiresEngineReportingPlaying(t *testing.T) {
	reader := &scriptReader{playing: false, positions: []*time.Duration{ms(4000), ms(4000), ms(4000), ms(4000)}}
	rec := &recorder{}
	m := NewPositionMonitor(fastOpts, reader, always, rec.emit)

	runTicks(m, 4)
	assert.Zero(t, rec.count(types.SignalPositionFrozen))
}

func TestTimeoutIsInconclusive(t *testing.T) {
	reader := &scriptReader{playing: true, positions: []*time.Duration{ms(8000), ms(8000), nil, ms(8000)}}
	rec := &recorder{}
	m := NewPositionMonitor(fastOpts, reader, always, rec.emit)

	waits := runTicks(m, 4)

	// the timed-out tick neither resets nor advances the frozen counter
	assert.Equal(t, 1, rec.count(types.SignalPositionFrozen))
	assert.Equal(t, time.Duration(0), waits[2])
}

func TestJumpIsBenignTransition(t *testing.T) {
	reader := &scriptReader{playing: true, positions: []*time.Duration{ms(60000), ms(1000), ms(2000), ms(45000)}}
	rec := &recorder{}
	m := NewPositionMonitor(fastOpts, reader, always, rec.emit)

	runTicks(m, 4)

	assert.Equal(t, 2, rec.count(types.SignalPositionJumped))
	rec.mu.Lock()
	assert.Equal(t, -59*time.Second, rec.signals[1].Delta)
	rec.mu.Unlock()
	assert.Zero(t, rec.count(types.SignalPositionFrozen))
}

func TestPositionResetIsConnectionLoss(t *testing.T) {
	reader := &scriptReader{playing: true, positions: []*time.Duration{ms(3000), ms(0), ms(0)}}
	rec := &recorder{}
	m := NewPositionMonitor(fastOpts, reader, always, rec.emit)

	runTicks(m, 3)
	assert.Equal(t, 1, rec.count(types.SignalConnectionLost))
}

func TestPausedIntentSuspendsComparisons(t *testing.T) {
	var playing atomic.Bool
	playing.Store(true)
	reader := &scriptReader{playing: true, positions: []*time.Duration{ms(9000), ms(9000), ms(9000), ms(9000)}}
	rec := &recorder{}
	m := NewPositionMonitor(fastOpts, reader, playing.Load, rec.emit)

	m.Tick(context.Background()) // last = 9000
	playing.Store(false)
	m.Tick(context.Background()) // paused: counters reset, nothing read
	m.Tick(context.Background())
	playing.Store(true)
	m.Tick(context.Background()) // 9000 again but last was reset

	assert.Zero(t, rec.count(types.SignalPositionFrozen))
	assert.Len(t, reader.positions, 2, "reads are skipped while paused")
}

func TestSyncDesyncFiresOnceAfterTwoTicks(t *testing.T) {
	reader := &scriptReader{
		playing:   true,
		delays:    []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond},
		positions: []*time.Duration{ms(1000), ms(4000), ms(7000)},
	}
	rec := &recorder{}
	m := NewSyncMonitor(SyncOptions{
		Interval: 3 * time.Second, ReadTimeout: time.Second, DelayLimit: 200 * time.Millisecond,
		DesyncThreshold: 2, FrozenThreshold: 2, HoldOff: 3 * time.Second,
	}, reader, always, rec.emit)

	waits := runTicks(m, 3)

	assert.Equal(t, 1, rec.count(types.SignalDesync))
	assert.Equal(t, 3*time.Second, waits[1])
	assert.Equal(t, time.Duration(0), waits[2], "counter restarted after the resync")
}

func TestSyncNegativeDelayAndRecovery(t *testing.T) {
	reader := &scriptReader{
		playing: true,
		delays:  []time.Duration{-300 * time.Millisecond, 50 * time.Millisecond, -300 * time.Millisecond},
	}
	rec := &recorder{}
	m := NewSyncMonitor(SyncOptions{DelayLimit: 200 * time.Millisecond, DesyncThreshold: 2}, reader, always, rec.emit)

	runTicks(m, 3)
	assert.Zero(t, rec.count(types.SignalDesync), "an in-range tick resets the count")
}

func TestSyncFrozenAndReset(t *testing.T) {
	reader := &scriptReader{playing: true, positions: []*time.Duration{ms(2000), ms(2000), ms(2000), ms(5000), ms(0)}}
	rec := &recorder{}
	m := NewSyncMonitor(SyncOptions{DelayLimit: 200 * time.Millisecond, FrozenThreshold: 2}, reader, always, rec.emit)

	runTicks(m, 5)
	assert.Equal(t, 1, rec.count(types.SignalPositionFrozen))
	assert.Equal(t, 1, rec.count(types.SignalConnectionLost))
}

func TestLoopHonoursDelaysAndCancellation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan struct{})

	go func() {
		defer close(done)
		Loop(ctx, 10*time.Millisecond, 10*time.Millisecond, func(context.Context) time.Duration {
			if ticks.Add(1) == 2 {
				panic("tick panic is contained")
			}
			return 0
		})
	}()

	assert.Eventually(t, func() bool { return ticks.Load() >= 4 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestGroupStopWaitsForMonitors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reader := &scriptReader{playing: true}
	rec := &recorder{}
	pc := config.Default().Supervisor.Generic
	pc.PositionInitialDelay = time.Millisecond
	pc.PositionInterval = time.Millisecond
	pc.SyncInitialDelay = time.Millisecond
	pc.SyncInterval = time.Millisecond

	g := Start(context.Background(), Strategy(types.ProfileGeneric, pc, reader, always, rec.emit)...)
	time.Sleep(20 * time.Millisecond)
	g.Stop()
	g.Stop()
}

func TestStrategyByProfile(t *testing.T) {
	cfg := config.Default()
	reader := &scriptReader{}
	rec := &recorder{}

	music := Strategy(types.ProfileMusic, cfg.Supervisor.Music, reader, always, rec.emit)
	require.Len(t, music, 1)
	assert.Equal(t, "position", music[0].Name())
	assert.Equal(t, time.Second, music[0].Interval())

	generic := Strategy(types.ProfileGeneric, cfg.Supervisor.Generic, reader, always, rec.emit)
	require.Len(t, generic, 2)
	assert.Equal(t, 3*time.Second, generic[0].Interval())
	assert.Equal(t, "sync", generic[1].Name())
	assert.Equal(t, 5*time.Second, generic[1].InitialDelay())
}

func TestProfileFor(t *testing.T) {
	c := NewClassifier(config.Default().Supervisor.MusicPattern)

	assert.Equal(t, types.ProfileMusic, c.ProfileFor("Música Latina"))
	assert.Equal(t, types.ProfileMusic, c.ProfileFor("MUSIC HITS"))
	assert.Equal(t, types.ProfileMusic, c.ProfileFor("musica"))
	assert.Equal(t, types.ProfileGeneric, c.ProfileFor("Noticias"))
	assert.Equal(t, types.ProfileGeneric, c.ProfileFor(""))

	fallback := NewClassifier("([")
	assert.Equal(t, types.ProfileMusic, fallback.ProfileFor("music"))
}
