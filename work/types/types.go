package types

import (
	"fmt"
	"time"
)

// Channel is a single playable catalog entry. The catalog owns it; the supervisor only
// reads it. StreamURL is never empty once a channel reaches the player, BackupStreamURL
// is optional and used as a same-channel failover target.
type Channel struct {
	ID              string `json:"id"`              // Stable identifier (tvg-id or sanitized name)
	Name            string `json:"name"`            // Display name, also the in-category sort key
	CategoryID      string `json:"categoryId"`      // Owning category, empty when uncategorized
	StreamURL       string `json:"streamUrl"`       // Primary stream endpoint
	BackupStreamURL string `json:"backupStreamUrl"` // Optional secondary endpoint
	LogoURL         string `json:"logoUrl"`
	Description     string `json:"description,omitempty"`
}

// Endpoints returns the channel's non-empty stream endpoints, primary first.
func (c Channel) Endpoints() []string {
	out := make([]string, 0, 2)
	if c.StreamURL != "" {
		out = append(out, c.StreamURL)
	}
	if c.BackupStreamURL != "" && c.BackupStreamURL != c.StreamURL {
		out = append(out, c.BackupStreamURL)
	}
	return out
}

// Category groups channels. Categories are walked in SortOrder, ties keep insertion order.
type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sortOrder"`
	Active    bool   `json:"active"`
}

// EventKind enumerates the raw notifications a media engine can emit.
type EventKind int

const (
	EventBufferingProgress EventKind = iota // Percent carries the fill level 0..100
	EventTrackAdded
	EventTrackRemoved
	EventError // Err carries the engine's reason when known
	EventPlaying
	EventStopped
	EventEndReached
	EventOutputSurfaceCount // Count carries the number of video outputs
)

var eventKindNames = [...]string{
	EventBufferingProgress:  "buffering",
	EventTrackAdded:         "track-added",
	EventTrackRemoved:       "track-removed",
	EventError:              "error",
	EventPlaying:            "playing",
	EventStopped:            "stopped",
	EventEndReached:         "end-reached",
	EventOutputSurfaceCount: "output-count",
}

func (k EventKind) String() string {
	if int(k) < 0 || int(k) >= len(eventKindNames) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return eventKindNames[k]
}

// EngineEvent is one raw notification from the media engine. Engines may drop events
// under load; consumers never assume the stream is complete.
type EngineEvent struct {
	Kind    EventKind
	Percent float64
	Count   int
	Err     error
	At      time.Time
}

// SignalKind enumerates classified health signals.
type SignalKind int

const (
	SignalBufferingStarted SignalKind = iota
	SignalBufferingProlonged
	SignalBufferingResolved
	SignalTrackChurn
	SignalOutputLost
	SignalPositionFrozen
	SignalPositionJumped
	SignalPositionAdvancing
	SignalConnectionLost
	SignalDesync
	SignalHardError
	SignalStreamEnded
)

var signalKindNames = [...]string{
	SignalBufferingStarted:   "buffering_started",
	SignalBufferingProlonged: "buffering_prolonged",
	SignalBufferingResolved:  "buffering_resolved",
	SignalTrackChurn:         "track_churn",
	SignalOutputLost:         "output_lost",
	SignalPositionFrozen:     "position_frozen",
	SignalPositionJumped:     "position_jumped",
	SignalPositionAdvancing:  "position_advancing",
	SignalConnectionLost:     "connection_lost",
	SignalDesync:             "desync",
	SignalHardError:          "hard_error",
	SignalStreamEnded:        "stream_ended",
}

func (k SignalKind) String() string {
	if int(k) < 0 || int(k) >= len(signalKindNames) {
		return fmt.Sprintf("signal(%d)", int(k))
	}
	return signalKindNames[k]
}

// Hard reports whether the signal marks a hard anomaly that degrades the session.
func (k SignalKind) Hard() bool {
	switch k {
	case SignalPositionFrozen, SignalOutputLost, SignalDesync:
		return true
	}
	return false
}

// HealthSignal is a classified, ephemeral health observation. It is consumed by the
// recovery engine in the tick that produced it and never queued.
type HealthSignal struct {
	Kind   SignalKind
	Delta  time.Duration // PositionJumped delta or Desync audio delay
	Source string        // classifier, position, sync, open-timeout, ...
	At     time.Time
	Err    error
}

func (s HealthSignal) String() string {
	switch s.Kind {
	case SignalPositionJumped, SignalDesync:
		return fmt.Sprintf("%s(%s) from %s", s.Kind, s.Delta, s.Source)
	case SignalHardError:
		if s.Err != nil {
			return fmt.Sprintf("%s(%v) from %s", s.Kind, s.Err, s.Source)
		}
	}
	return fmt.Sprintf("%s from %s", s.Kind, s.Source)
}

// ActionKind enumerates corrective actions.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionSoftKick
	ActionHardReconnect
	ActionChannelSkip
	ActionResync
)

func (a ActionKind) String() string {
	switch a {
	case ActionSoftKick:
		return "soft_kick"
	case ActionHardReconnect:
		return "hard_reconnect"
	case ActionChannelSkip:
		return "channel_skip"
	case ActionResync:
		return "resync"
	default:
		return "none"
	}
}

// Outcome of a FixAttempt.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeEscalated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// FixAttempt records a corrective action a session started.
type FixAttempt struct {
	Channel  string     `json:"channel"`
	At       time.Time  `json:"at"`
	Finished time.Time  `json:"finished,omitempty"`
	Trigger  SignalKind `json:"trigger"`
	Action   ActionKind `json:"action"`
	Outcome  Outcome    `json:"outcome"`
	Manual   bool       `json:"manual,omitempty"` // requested by the user, not by a monitor
}

// SessionState is the lifecycle state of the current PlaybackSession.
type SessionState int

const (
	StateIdle SessionState = iota
	StateOpening
	StatePlaying
	StateBuffering
	StateDegraded
	StateStopped
	StateFailed
	StateNoChannels
)

var sessionStateNames = [...]string{
	StateIdle:       "idle",
	StateOpening:    "opening",
	StatePlaying:    "playing",
	StateBuffering:  "buffering",
	StateDegraded:   "degraded",
	StateStopped:    "stopped",
	StateFailed:     "failed",
	StateNoChannels: "no_channels",
}

func (s SessionState) String() string {
	if int(s) < 0 || int(s) >= len(sessionStateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return sessionStateNames[s]
}

// Active reports whether the state owns live monitors and a running engine.
func (s SessionState) Active() bool {
	switch s {
	case StatePlaying, StateBuffering, StateDegraded:
		return true
	}
	return false
}

// Profile selects the monitoring and recovery parameters for a channel.
type Profile int

const (
	ProfileGeneric Profile = iota
	ProfileMusic
)

func (p Profile) String() string {
	if p == ProfileMusic {
		return "music"
	}
	return "generic"
}

// MarshalText lets the enums render by name in JSON responses.
func (k SignalKind) MarshalText() ([]byte, error)   { return []byte(k.String()), nil }
func (a ActionKind) MarshalText() ([]byte, error)   { return []byte(a.String()), nil }
func (o Outcome) MarshalText() ([]byte, error)      { return []byte(o.String()), nil }
func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (p Profile) MarshalText() ([]byte, error)      { return []byte(p.String()), nil }
