package monitor

import (
	"github.com/grafana/regexp"

	"kptv-player/work/config"
	"kptv-player/work/logger"
	"kptv-player/work/types"
)

// Classifier picks a channel profile from its category name. The profile is fixed
// for the whole session: it decides which monitors run and which thresholds
// the recovery engine uses.
type Classifier struct {
	music *regexp.Regexp
}

// NewClassifier compiles pattern, falling back to the built-in music pattern when it
// does not compile.
func NewClassifier(pattern string) *Classifier {
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Error("{monitor/profile - NewClassifier} invalid music pattern %q: %v", pattern, err)
		re = regexp.MustCompile(`(?i)m[uú]sica|music`)
	}
	return &Classifier{music: re}
}

// ProfileFor returns ProfileMusic when the category name matches the music pattern.
func (c *Classifier) ProfileFor(categoryName string) types.Profile {
	if categoryName != "" && c.music.MatchString(categoryName) {
		return types.ProfileMusic
	}
	return types.ProfileGeneric
}

// Strategy builds the monitors of a profile: a fast position monitor for music, a
// slow position monitor plus the A/V sync monitor for generic video.
func Strategy(profile types.Profile, pc config.ProfileConfig, reader Reader, intent Intent, emit Emit) []Monitor {
	monitors := []Monitor{
		NewPositionMonitor(PositionOptions{
			InitialDelay:    pc.PositionInitialDelay,
			Interval:        pc.PositionInterval,
			ReadTimeout:     pc.ReadTimeout,
			FrozenThreshold: pc.FrozenThreshold,
			JumpBack:        pc.JumpBack,
			JumpAhead:       pc.JumpAhead,
			HoldOff:         pc.HoldOff,
		}, reader, intent, emit),
	}

	if profile == types.ProfileGeneric && pc.SyncEnabled {
		monitors = append(monitors, NewSyncMonitor(SyncOptions{
			InitialDelay:    pc.SyncInitialDelay,
			Interval:        pc.SyncInterval,
			ReadTimeout:     pc.ReadTimeout,
			DelayLimit:      pc.DesyncLimit,
			DesyncThreshold: pc.DesyncThreshold,
			FrozenThreshold: pc.SyncFrozenThreshold,
			HoldOff:         pc.HoldOff,
		}, reader, intent, emit))
	}
	return monitors
}
