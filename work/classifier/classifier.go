package classifier

import (
	"time"

	"kptv-player/work/types"
)

// Gate answers the two questions that decide whether track and output churn is
// an anomaly: how long has the session been stable, and is a fix cooling down.
type Gate interface {
	StableFor() time.Duration
	InCooldown() bool
}

// Options configures the classifier thresholds.
type Options struct {
	ProlongedAfter   time.Duration // buffering episode length that counts as prolonged
	ChurnStableAfter time.Duration // stability required before churn is reported
}

// Classifier maps raw engine events onto health signals. It keeps the state of the
// current buffering episode and is owned by a single session goroutine; it is not
// safe for concurrent use.
type Classifier struct {
	opts Options
	gate Gate
	now  func() time.Time

	buffering     bool
	bufferingFrom time.Time
	prolongedSent bool
}

// New creates a classifier for one playback session.
func New(opts Options, gate Gate) *Classifier {
	return &Classifier{opts: opts, gate: gate, now: time.Now}
}

// Classify converts ev into zero or more signals.
func (c *Classifier) Classify(ev types.EngineEvent) []types.HealthSignal {
	at := ev.At
	if at.IsZero() {
		at = c.now()
	}

	switch ev.Kind {
	case types.EventBufferingProgress:
		return c.buffer(ev.Percent, at)

	case types.EventTrackAdded, types.EventTrackRemoved:
		if c.churnMatters() {
			return []types.HealthSignal{c.signal(types.SignalTrackChurn, at)}
		}

	case types.EventOutputSurfaceCount:
		if ev.Count == 0 && c.churnMatters() {
			return []types.HealthSignal{c.signal(types.SignalOutputLost, at)}
		}

	case types.EventError:
		sig := c.signal(types.SignalHardError, at)
		sig.Err = ev.Err
		return []types.HealthSignal{sig}

	case types.EventEndReached, types.EventStopped:
		c.Reset()
		return []types.HealthSignal{c.signal(types.SignalStreamEnded, at)}
	}
	return nil
}

// Tick reports BufferingProlonged once the current episode has lasted past the
// threshold. It lets a timer raise the signal when the engine goes quiet mid-episode.
func (c *Classifier) Tick(now time.Time) (types.HealthSignal, bool) {
	if !c.buffering || c.prolongedSent || now.Sub(c.bufferingFrom) < c.opts.ProlongedAfter {
		return types.HealthSignal{}, false
	}
	c.prolongedSent = true
	return c.signal(types.SignalBufferingProlonged, now), true
}

// Deadline returns when the current buffering episode turns prolonged, if it still can.
func (c *Classifier) Deadline() (time.Time, bool) {
	if !c.buffering || c.prolongedSent {
		return time.Time{}, false
	}
	return c.bufferingFrom.Add(c.opts.ProlongedAfter), true
}

// Buffering reports whether a buffering episode is open.
func (c *Classifier) Buffering() bool {
	return c.buffering
}

// Reset forgets the current buffering episode.
func (c *Classifier) Reset() {
	c.buffering = false
	c.prolongedSent = false
	c.bufferingFrom = time.Time{}
}

func (c *Classifier) buffer(percent float64, at time.Time) []types.HealthSignal {
	if percent >= 100 {
		if !c.buffering {
			return nil
		}
		c.Reset()
		return []types.HealthSignal{c.signal(types.SignalBufferingResolved, at)}
	}

	if !c.buffering {
		c.buffering = true
		c.bufferingFrom = at
		c.prolongedSent = false
		return []types.HealthSignal{c.signal(types.SignalBufferingStarted, at)}
	}

	if sig, ok := c.Tick(at); ok {
		return []types.HealthSignal{sig}
	}
	return nil
}

// churnMatters is false during warm-up and while a fix is cooling down, when track
// and output changes are expected side effects of stream initialization or the fix.
func (c *Classifier) churnMatters() bool {
	if c.gate == nil {
		return false
	}
	return c.gate.StableFor() > c.opts.ChurnStableAfter && !c.gate.InCooldown()
}

func (c *Classifier) signal(kind types.SignalKind, at time.Time) types.HealthSignal {
	return types.HealthSignal{Kind: kind, Source: "classifier", At: at}
}
