package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"kptv-player/work/logger"
	"kptv-player/work/metrics"
	"kptv-player/work/types"
)

var (
	// ErrEngineUnavailable is returned when no engine instance exists and one could not be built.
	ErrEngineUnavailable = errors.New("media engine unavailable")

	// ErrReadTimeout is returned when a state read does not answer within its bound.
	ErrReadTimeout = errors.New("engine read timed out")

	// ErrStaleScope is returned by a Scope whose session has been torn down.
	ErrStaleScope = errors.New("engine scope belongs to a torn down session")
)

// Engine is the black-box media engine. Open is asynchronous: connection and decode
// failures surface later as EventError on the Events channel, not as return values.
// Stop must be a no-op when nothing is playing. Implementations may block or panic;
// the Handle contains both.
type Engine interface {
	Open(url string) error
	Play() error
	Pause() error
	Stop() error
	Position() (time.Duration, error)
	IsPlaying() (bool, error)
	AudioDelay() (time.Duration, error)
	SetAudioDelay(d time.Duration) error
	SetVolume(level int) error
	Events() <-chan types.EngineEvent
	Release() error
}

// Factory builds a fresh engine instance.
type Factory func() (Engine, error)

// Handle is the Media Session Handle: the single owner of an engine instance.
//
// Control calls (Open, Play, Pause, Stop, SetAudioDelay, SetVolume, Recreate) are
// serialized on one mutex so they never race the engine's internal state. Reads
// (Position, IsPlaying, AudioDelay) are not serialized but are bounded by a timeout,
// so a hung engine read never blocks a caller past that bound. Every engine call
// is shielded against panics, which come back as errors.
//
// Events are fanned out to scoped subscriptions. The fan-out never blocks: a
// subscriber that falls behind loses events, as the engine itself may.
type Handle struct {
	factory Factory

	ctrlMu sync.Mutex   // serializes control calls and recreation
	engMu  sync.RWMutex // guards eng for readers
	eng    Engine

	subs    *xsync.MapOf[uint64, chan types.EngineEvent]
	nextSub atomic.Uint64

	pumpStop chan struct{}
	pumpDone chan struct{}

	recreations atomic.Int64
	closed      atomic.Bool
	generation  atomic.Uint64 // advanced by Teardown, read under ctrlMu
}

// NewHandle returns a handle that builds its engine lazily on first use, so a
// construction failure surfaces on the first Open rather than at startup.
func NewHandle(factory Factory) *Handle {
	return &Handle{
		factory: factory,
		subs:    xsync.NewMapOf[uint64, chan types.EngineEvent](),
	}
}

// Subscribe returns a channel of engine events that lives until ctx is done.
// The channel is closed after unsubscription, so range loops end cleanly.
func (h *Handle) Subscribe(ctx context.Context, buffer int) <-chan types.EngineEvent {
	if buffer <= 0 {
		buffer = 32
	}
	id := h.nextSub.Add(1)
	ch := make(chan types.EngineEvent, buffer)
	h.subs.Store(id, ch)

	go func() {
		<-ctx.Done()
		if c, ok := h.subs.LoadAndDelete(id); ok {
			// the pump never sends to a removed channel once it has reloaded the map,
			// but a send may be in flight; closing under the engine lock excludes it
			h.engMu.Lock()
			close(c)
			h.engMu.Unlock()
		}
	}()
	return ch
}

// Open starts playback of url, creating the engine first when none exists.
func (h *Handle) Open(url string) error {
	return h.control("Open", true, func(e Engine) error { return e.Open(url) })
}

// Play resumes or starts playback.
func (h *Handle) Play() error {
	return h.control("Play", false, func(e Engine) error { return e.Play() })
}

// PlayIf resumes playback only when cond still holds once the control lock is
// held. A concurrent control call that flips cond therefore either lands after
// the resume or prevents it.
func (h *Handle) PlayIf(cond func() bool) error {
	return h.control("Play", false, func(e Engine) error {
		if !cond() {
			return nil
		}
		return e.Play()
	})
}

// Pause pauses playback.
func (h *Handle) Pause() error {
	return h.control("Pause", false, func(e Engine) error { return e.Pause() })
}

// Stop stops playback. Stopping with no engine is a no-op.
func (h *Handle) Stop() error {
	err := h.control("Stop", false, func(e Engine) error { return e.Stop() })
	if errors.Is(err, ErrEngineUnavailable) {
		return nil
	}
	return err
}

// SetAudioDelay sets the engine's audio delay.
func (h *Handle) SetAudioDelay(d time.Duration) error {
	return h.control("SetAudioDelay", false, func(e Engine) error { return e.SetAudioDelay(d) })
}

// SetVolume sets the output volume (0..100).
func (h *Handle) SetVolume(level int) error {
	return h.control("SetVolume", false, func(e Engine) error { return e.SetVolume(level) })
}

// Position reads the playback position, bounded by timeout.
func (h *Handle) Position(timeout time.Duration) (time.Duration, error) {
	e := h.current()
	if e == nil {
		return 0, ErrEngineUnavailable
	}
	return boundedRead(timeout, e.Position)
}

// IsPlaying reads the engine's playing flag, bounded by timeout.
func (h *Handle) IsPlaying(timeout time.Duration) (bool, error) {
	e := h.current()
	if e == nil {
		return false, ErrEngineUnavailable
	}
	return boundedRead(timeout, e.IsPlaying)
}

// AudioDelay reads the signed audio/video delay, bounded by timeout.
func (h *Handle) AudioDelay(timeout time.Duration) (time.Duration, error) {
	e := h.current()
	if e == nil {
		return 0, ErrEngineUnavailable
	}
	return boundedRead(timeout, e.AudioDelay)
}

// Available reports whether an engine instance currently exists.
func (h *Handle) Available() bool {
	return h.current() != nil
}

// Recreations returns how many times the engine has been torn down and rebuilt.
func (h *Handle) Recreations() int64 {
	return h.recreations.Load()
}

// Recreate tears the current engine down completely and builds a new one. On a
// factory failure the handle is left without an engine and ErrEngineUnavailable
// is returned wrapped around the cause.
func (h *Handle) Recreate() error {
	return h.recreate(nil)
}

func (h *Handle) recreate(s *Scope) error {
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()

	if h.closed.Load() {
		return ErrEngineUnavailable
	}
	if s != nil && s.generation != h.generation.Load() {
		return ErrStaleScope
	}

	h.teardownLocked()
	h.recreations.Add(1)
	metrics.EngineRecreations.Inc()
	logger.Warn("{engine/engine - Recreate} tearing down media engine (recreation #%d)", h.recreations.Load())

	return h.buildLocked()
}

// Teardown releases the current engine without counting a recreation. The next
// Open builds a fresh instance, so no engine outlives the session that opened it.
// Every Scope taken before the teardown goes stale.
func (h *Handle) Teardown() {
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()
	h.teardownLocked()
	h.generation.Add(1)
}

// Scope returns a controller bound to the current session. Once Teardown ends
// that session, every control call through the scope fails with ErrStaleScope
// without reaching the engine, so late work of an old session cannot act on the
// engine of the next one.
func (h *Handle) Scope() *Scope {
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()
	return &Scope{h: h, generation: h.generation.Load()}
}

// Close releases the engine. The handle cannot be used afterwards.
func (h *Handle) Close() error {
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()

	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.teardownLocked()
	return nil
}

// control runs fn against the engine under the control lock. When build is set and
// no engine exists yet, one is created first.
func (h *Handle) control(name string, build bool, fn func(Engine) error) error {
	return h.controlIn(nil, name, build, fn)
}

// controlIn is control on behalf of s. A nil scope is never stale.
func (h *Handle) controlIn(s *Scope, name string, build bool, fn func(Engine) error) error {
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()

	if h.closed.Load() {
		return ErrEngineUnavailable
	}
	if s != nil && s.generation != h.generation.Load() {
		logger.Debug("{engine/engine - control} %s from a torn down session refused", name)
		return ErrStaleScope
	}

	e := h.current()
	if e == nil {
		if !build {
			return ErrEngineUnavailable
		}
		if err := h.buildLocked(); err != nil {
			return err
		}
		e = h.current()
	}

	if err := safeCall(func() error { return fn(e) }); err != nil {
		logger.Debug("{engine/engine - control} %s failed: %v", name, err)
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// buildLocked creates an engine and starts its event pump. ctrlMu must be held.
func (h *Handle) buildLocked() error {
	var e Engine
	err := safeCall(func() error {
		var ferr error
		e, ferr = h.factory()
		return ferr
	})
	if err == nil && e == nil {
		err = errors.New("factory returned no engine")
	}
	if err != nil {
		logger.Error("{engine/engine - buildLocked} failed to construct media engine: %v", err)
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	h.engMu.Lock()
	h.eng = e
	h.engMu.Unlock()

	h.pumpStop = make(chan struct{})
	h.pumpDone = make(chan struct{})
	go h.pump(e.Events(), h.pumpStop, h.pumpDone)
	return nil
}

// teardownLocked stops the pump and releases the engine. ctrlMu must be held.
func (h *Handle) teardownLocked() {
	e := h.current()
	if e == nil {
		return
	}

	if h.pumpStop != nil {
		close(h.pumpStop)
		<-h.pumpDone
		h.pumpStop, h.pumpDone = nil, nil
	}

	if err := safeCall(e.Stop); err != nil {
		logger.Debug("{engine/engine - teardownLocked} stop during teardown: %v", err)
	}
	if err := safeCall(e.Release); err != nil {
		logger.Debug("{engine/engine - teardownLocked} release during teardown: %v", err)
	}

	h.engMu.Lock()
	h.eng = nil
	h.engMu.Unlock()
}

// pump forwards engine events to every live subscription without blocking.
func (h *Handle) pump(events <-chan types.EngineEvent, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.At.IsZero() {
				ev.At = time.Now()
			}
			h.engMu.RLock()
			h.subs.Range(func(_ uint64, ch chan types.EngineEvent) bool {
				select {
				case ch <- ev:
				default:
				}
				return true
			})
			h.engMu.RUnlock()
		}
	}
}

func (h *Handle) current() Engine {
	h.engMu.RLock()
	defer h.engMu.RUnlock()
	return h.eng
}

// Scope is the control surface of one session over a shared Handle. Reads are
// not scoped: a stale read is harmless.
type Scope struct {
	h          *Handle
	generation uint64
}

// Stale reports whether the session the scope was taken for has been torn down.
func (s *Scope) Stale() bool {
	return s.h.generation.Load() != s.generation
}

func (s *Scope) Open(url string) error {
	return s.h.controlIn(s, "Open", true, func(e Engine) error { return e.Open(url) })
}

func (s *Scope) Play() error {
	return s.h.controlIn(s, "Play", false, func(e Engine) error { return e.Play() })
}

// PlayIf is Handle.PlayIf within the scope.
func (s *Scope) PlayIf(cond func() bool) error {
	return s.h.controlIn(s, "Play", false, func(e Engine) error {
		if !cond() {
			return nil
		}
		return e.Play()
	})
}

func (s *Scope) Pause() error {
	return s.h.controlIn(s, "Pause", false, func(e Engine) error { return e.Pause() })
}

// Stop is a no-op with no engine, like Handle.Stop, but still refuses when stale.
func (s *Scope) Stop() error {
	err := s.h.controlIn(s, "Stop", false, func(e Engine) error { return e.Stop() })
	if errors.Is(err, ErrEngineUnavailable) {
		return nil
	}
	return err
}

func (s *Scope) SetAudioDelay(d time.Duration) error {
	return s.h.controlIn(s, "SetAudioDelay", false, func(e Engine) error { return e.SetAudioDelay(d) })
}

// Recreate is Handle.Recreate within the scope.
func (s *Scope) Recreate() error {
	return s.h.recreate(s)
}

// safeCall converts a panic inside fn into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return fn()
}

// boundedRead runs read on its own goroutine and gives up after timeout. A read that
// never returns leaks only its goroutine, which exits once the engine answers.
func boundedRead[T any](timeout time.Duration, read func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	ch := make(chan result, 1)
	go func() {
		var r result
		r.err = safeCall(func() error {
			var err error
			r.v, err = read()
			return err
		})
		ch <- r
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-timer.C:
		var zero T
		return zero, ErrReadTimeout
	}
}
