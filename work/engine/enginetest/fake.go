// Package enginetest provides a scriptable in-memory media engine for tests.
package enginetest

import (
	"errors"
	"sync"
	"time"

	"kptv-player/work/engine"
	"kptv-player/work/types"
)

// Engine is a fake engine.Engine. Positions and delays are scripted; every control
// call is recorded so tests can assert on order and count.
type Engine struct {
	mu        sync.Mutex
	calls     []string
	opened    []string
	positions []time.Duration // consumed one per Position call; the last value sticks
	position  time.Duration
	delay     time.Duration
	playing   bool
	volume    int
	failOn    map[string]error
	panicOn   map[string]bool
	block     chan struct{} // when non-nil, reads block until it is closed
	events    chan types.EngineEvent
	released  bool
}

// New returns a fake engine reporting "playing" with position zero.
func New() *Engine {
	return &Engine{
		playing: true,
		volume:  100,
		failOn:  map[string]error{},
		panicOn: map[string]bool{},
		events:  make(chan types.EngineEvent, 64),
	}
}

// Factory returns an engine.Factory that yields the given engines in order and then
// fails with engine.ErrEngineUnavailable.
func Factory(engines ...*Engine) engine.Factory {
	var mu sync.Mutex
	return func() (engine.Engine, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(engines) == 0 {
			return nil, errors.New("no more fake engines")
		}
		e := engines[0]
		engines = engines[1:]
		return e, nil
	}
}

// Emit pushes an event as if the engine produced it.
func (e *Engine) Emit(ev types.EngineEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.events <- ev
}

// SetPositions scripts the values returned by successive Position calls.
func (e *Engine) SetPositions(p ...time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions = append([]time.Duration(nil), p...)
}

// SetPosition fixes the value returned by Position.
func (e *Engine) SetPosition(p time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions = nil
	e.position = p
}

// SetDelay fixes the value returned by AudioDelay.
func (e *Engine) SetDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
}

// SetPlaying fixes the value returned by IsPlaying.
func (e *Engine) SetPlaying(p bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = p
}

// FailOn makes the named call ("Open", "Pause", ...) return err; nil clears it.
func (e *Engine) FailOn(call string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failOn, call)
		return
	}
	e.failOn[call] = err
}

// PanicOn makes the named call panic.
func (e *Engine) PanicOn(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.panicOn[call] = true
}

// BlockReads makes every read hang until the returned release func is called.
func (e *Engine) BlockReads() (release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan struct{})
	e.block = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.block = nil
			e.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns the recorded control calls in order.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// Count returns how many times call was recorded.
func (e *Engine) Count(call string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c == call {
			n++
		}
	}
	return n
}

// Opened returns every URL passed to Open.
func (e *Engine) Opened() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.opened...)
}

// Released reports whether Release was called.
func (e *Engine) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Volume returns the last volume set.
func (e *Engine) Volume() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

func (e *Engine) record(call string) error {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	err := e.failOn[call]
	p := e.panicOn[call]
	e.mu.Unlock()

	if p {
		panic("fake engine " + call)
	}
	return err
}

func (e *Engine) waitBlocked() {
	e.mu.Lock()
	ch := e.block
	e.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (e *Engine) Open(url string) error {
	if err := e.record("Open"); err != nil {
		return err
	}
	e.mu.Lock()
	e.opened = append(e.opened, url)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Play() error  { return e.record("Play") }
func (e *Engine) Pause() error { return e.record("Pause") }
func (e *Engine) Stop() error  { return e.record("Stop") }

func (e *Engine) Position() (time.Duration, error) {
	e.waitBlocked()
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failOn["Position"]; err != nil {
		return 0, err
	}
	if len(e.positions) > 0 {
		e.position = e.positions[0]
		e.positions = e.positions[1:]
	}
	return e.position, nil
}

func (e *Engine) IsPlaying() (bool, error) {
	e.waitBlocked()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing, nil
}

func (e *Engine) AudioDelay() (time.Duration, error) {
	e.waitBlocked()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delay, nil
}

func (e *Engine) SetAudioDelay(d time.Duration) error {
	if err := e.record("SetAudioDelay"); err != nil {
		return err
	}
	e.mu.Lock()
	e.delay = d
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetVolume(level int) error {
	if err := e.record("SetVolume"); err != nil {
		return err
	}
	e.mu.Lock()
	e.volume = level
	e.mu.Unlock()
	return nil
}

func (e *Engine) Events() <-chan types.EngineEvent { return e.events }

func (e *Engine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, "Release")
	e.released = true
	return nil
}
