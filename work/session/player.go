package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"kptv-player/work/blacklist"
	"kptv-player/work/catalog"
	"kptv-player/work/config"
	"kptv-player/work/engine"
	"kptv-player/work/logger"
	"kptv-player/work/metrics"
	"kptv-player/work/monitor"
	"kptv-player/work/recovery"
	"kptv-player/work/types"
	"kptv-player/work/utils"
)

var (
	// ErrNoChannelsAvailable is returned when every channel in the catalog is blacklisted.
	ErrNoChannelsAvailable = errors.New("no channels available")

	// ErrNoCatalog is returned by navigation while the catalog is empty.
	ErrNoCatalog = errors.New("catalog is empty")

	// ErrInvalidChannel is returned for a channel ID the catalog does not know.
	ErrInvalidChannel = errors.New("unknown channel")

	// ErrNoSession is returned by commands that need a running session.
	ErrNoSession = errors.New("no active session")

	// ErrFixInProgress is returned when a manual fix is refused because one is running.
	ErrFixInProgress = errors.New("a fix is already in progress")
)

const eventBuffer = 64

// Media is the Media Session Handle as the player drives it. *engine.Handle
// satisfies it. Fixes act through a Scope so they stop reaching the engine once
// their session is torn down.
type Media interface {
	recovery.Controller
	monitor.Reader
	SetVolume(level int) error
	Teardown()
	Scope() *engine.Scope
	Subscribe(ctx context.Context, buffer int) <-chan types.EngineEvent
	Recreations() int64
}

// FixRecorder persists finished fixes. *database.DB satisfies it.
type FixRecorder interface {
	RecordFix(ctx context.Context, a types.FixAttempt) error
}

// Player is the Session Orchestrator. It owns the media handle, runs one playback
// session at a time and walks the catalog lineup on navigation and auto-skip.
//
// Session transitions (open, switch, skip, stop) are serialized on switchMu. The
// per-session event loop never takes switchMu, so a transition can always wait
// for the loop it replaces.
type Player struct {
	cfg      *config.Config
	sc       config.SupervisorConfig
	media    Media
	repo     catalog.Repository
	bl       *blacklist.Blacklist
	budget   *recovery.ErrorBudget
	pool     recovery.Submitter
	recorder FixRecorder
	profiles *monitor.Classifier
	now      func() time.Time

	switchMu sync.Mutex

	mu       sync.Mutex
	lineup   *catalog.Lineup
	cur      *playback
	entry    catalog.Entry
	hasEntry bool
	state    types.SessionState
	lastErr  string
	volume   int
	lastFix  types.FixAttempt
	hasFix   bool

	intent atomic.Bool

	watchers  *xsync.MapOf[uint64, chan Snapshot]
	nextWatch atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a player and loads the current catalog lineup. The lineup follows
// catalog refreshes until ctx is done or Close is called. recorder may be nil.
func New(ctx context.Context, cfg *config.Config, media Media, repo catalog.Repository, bl *blacklist.Blacklist, pool recovery.Submitter, recorder FixRecorder) *Player {
	ctx, cancel := context.WithCancel(ctx)
	p := &Player{
		cfg:      cfg,
		sc:       cfg.Supervisor,
		media:    media,
		repo:     repo,
		bl:       bl,
		budget:   recovery.NewErrorBudget(cfg.Supervisor.HardErrorLimit),
		pool:     pool,
		recorder: recorder,
		profiles: monitor.NewClassifier(cfg.Supervisor.MusicPattern),
		now:      time.Now,
		volume:   100,
		watchers: xsync.NewMapOf[uint64, chan Snapshot](),
		ctx:      ctx,
		cancel:   cancel,
	}
	metrics.SetSessionState(stateNames, p.state.String())

	updates := repo.Subscribe(ctx)
	p.reloadLineup(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-updates:
				p.reloadLineup(ctx)
			}
		}
	}()
	return p
}

var stateNames = func() []string {
	var names []string
	for s := types.StateIdle; s <= types.StateNoChannels; s++ {
		names = append(names, s.String())
	}
	return names
}()

func (p *Player) reloadLineup(ctx context.Context) {
	channels, err := p.repo.Channels(ctx)
	if err != nil {
		logger.Error("{session/player - reloadLineup} failed to read channels: %v", err)
		return
	}
	categories, err := p.repo.Categories(ctx)
	if err != nil {
		logger.Error("{session/player - reloadLineup} failed to read categories: %v", err)
		return
	}

	l := catalog.NewLineup(categories, channels)
	p.mu.Lock()
	p.lineup = l
	p.mu.Unlock()

	logger.Debug("{session/player - reloadLineup} lineup has %d channels in %d categories", l.Len(), l.Categories())
	p.broadcast()
}

// Lineup returns the navigation order of the catalog.
func (p *Player) Lineup() []catalog.Entry {
	return p.currentLineup().Entries()
}

// PlayChannel starts the channel with the given ID. A channel whose endpoints are
// all blacklisted is skipped in favour of the next eligible one.
func (p *Player) PlayChannel(channelID string) error {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	lineup := p.currentLineup()
	if lineup.Len() == 0 {
		return ErrNoCatalog
	}
	idx, ok := lineup.Find(channelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidChannel, channelID)
	}

	p.intent.Store(true)
	return p.selectLocked(lineup, idx, lineup.Next, "blacklisted")
}

// NextChannel moves to the next channel, wrapping from the end of the last category.
func (p *Player) NextChannel() error {
	return p.navigate(func(l *catalog.Lineup, i int) int { return l.Next(i) }, false)
}

// PreviousChannel moves to the previous channel.
func (p *Player) PreviousChannel() error {
	return p.navigate(func(l *catalog.Lineup, i int) int { return l.Previous(i) }, true)
}

// NextCategory jumps to the first channel of the next category.
func (p *Player) NextCategory() error {
	return p.navigate(func(l *catalog.Lineup, i int) int { return l.NextCategory(i) }, false)
}

// PreviousCategory jumps to the first channel of the previous category.
func (p *Player) PreviousCategory() error {
	return p.navigate(func(l *catalog.Lineup, i int) int { return l.PreviousCategory(i) }, false)
}

// navigate selects the channel move picks relative to the current one. With no
// current channel navigation starts at the top of the lineup. Blacklisted targets
// are passed over in the direction of travel.
func (p *Player) navigate(move func(*catalog.Lineup, int) int, backwards bool) error {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	lineup := p.currentLineup()
	if lineup.Len() == 0 {
		return ErrNoCatalog
	}

	start := 0
	if i, ok := p.currentIndex(lineup); ok {
		start = move(lineup, i)
	}
	step := lineup.Next
	if backwards {
		step = lineup.Previous
	}

	p.intent.Store(true)
	return p.selectLocked(lineup, start, step, "blacklisted")
}

// PauseResume toggles the playing intent and returns the new value. Resuming a
// stopped or failed player restarts its last channel.
func (p *Player) PauseResume() (bool, error) {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	p.mu.Lock()
	pb, entry, hasEntry := p.cur, p.entry, p.hasEntry
	p.mu.Unlock()

	if pb == nil {
		if !hasEntry {
			return false, ErrNoSession
		}
		lineup := p.currentLineup()
		idx, ok := lineup.Find(entry.Channel.ID)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrInvalidChannel, entry.Channel.ID)
		}
		p.intent.Store(true)
		return true, p.selectLocked(lineup, idx, lineup.Next, "blacklisted")
	}

	if p.intent.Load() {
		// intent drops first so a fix resuming concurrently sees it
		p.intent.Store(false)
		if err := p.media.Pause(); err != nil {
			logger.Warn("{session/player - PauseResume} pause failed: %v", err)
		}
		logger.Info("{session/player - PauseResume} paused %s", pb.entry.Channel.Name)
	} else {
		if err := p.media.Play(); err != nil {
			logger.Warn("{session/player - PauseResume} resume failed: %v", err)
		}
		p.intent.Store(true)
		logger.Info("{session/player - PauseResume} resumed %s", pb.entry.Channel.Name)
	}
	p.broadcast()
	return p.intent.Load(), nil
}

// Stop ends the current session and releases the engine.
func (p *Player) Stop() {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	p.intent.Store(false)
	p.detachLocked()
	p.setState(types.StateStopped, "")
}

// ForceReconnect runs a hard reconnect of the current endpoint, bypassing the
// cooldown.
func (p *Player) ForceReconnect() error {
	return p.manual(types.ActionHardReconnect)
}

// ResyncAudioVideo resets the audio delay and kicks playback.
func (p *Player) ResyncAudioVideo() error {
	return p.manual(types.ActionResync)
}

func (p *Player) manual(action types.ActionKind) error {
	pb := p.current()
	if pb == nil {
		return ErrNoSession
	}
	if !pb.manager.Trigger(action) {
		return ErrFixInProgress
	}
	return nil
}

// SetVolume sets the output volume, clamped to 0..100. The level is kept and
// applied to every engine opened later.
func (p *Player) SetVolume(level int) (int, error) {
	level = max(0, min(100, level))

	p.mu.Lock()
	p.volume = level
	pb := p.cur
	p.mu.Unlock()

	if pb != nil {
		if err := p.media.SetVolume(level); err != nil && !errors.Is(err, engine.ErrEngineUnavailable) {
			return level, err
		}
	}
	p.broadcast()
	return level, nil
}

// ClearBlacklist forgets every failed endpoint and returns how many there were.
func (p *Player) ClearBlacklist() int {
	n := p.bl.ClearAll()
	p.broadcast()
	return n
}

// OnNetworkRegained reconnects the current session once connectivity has settled.
func (p *Player) OnNetworkRegained() {
	pb := p.current()
	if pb == nil || !p.intent.Load() {
		return
	}
	logger.Info("{session/player - OnNetworkRegained} network back, reconnecting %s in %s", pb.entry.Channel.Name, p.sc.NetworkSettle)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTimer(p.sc.NetworkSettle)
		defer t.Stop()
		select {
		case <-p.ctx.Done():
			return
		case <-pb.ctx.Done():
			return
		case <-t.C:
		}
		if !pb.manager.Trigger(types.ActionHardReconnect) {
			logger.Debug("{session/player - OnNetworkRegained} reconnect not started, a fix is running")
		}
	}()
}

// Close stops the session and every background task of the player.
func (p *Player) Close() {
	p.switchMu.Lock()
	last := p.current()
	p.detachLocked()
	p.switchMu.Unlock()

	p.cancel()
	if last != nil {
		last.manager.Wait()
	}
	p.wg.Wait()
}

// selectLocked starts the first eligible channel found from idx on, moving with
// step. switchMu must be held.
func (p *Player) selectLocked(lineup *catalog.Lineup, idx int, step func(int) int, reason string) error {
	for i, n := idx, 0; n < lineup.Len(); i, n = step(i), n+1 {
		entry := lineup.At(i)
		url, ok := p.eligible(entry.Channel)
		if !ok {
			logger.Debug("{session/player - selectLocked} %s has no usable endpoint, passing over it", entry.Channel.Name)
			continue
		}
		if n > 0 {
			metrics.ChannelSkips.WithLabelValues(reason).Inc()
			logger.Info("{session/player - selectLocked} skipped %d channel(s), next is %s", n, entry.Channel.Name)
		}
		return p.startLocked(entry, url)
	}

	logger.Error("{session/player - selectLocked} every channel in the catalog is blacklisted")
	p.detachLocked()
	p.setState(types.StateNoChannels, ErrNoChannelsAvailable.Error())
	return ErrNoChannelsAvailable
}

// autoSkip abandons pb after a failed endpoint: first the channel's backup endpoint,
// then the next eligible channel. Without playing intent the player fails instead.
func (p *Player) autoSkip(pb *playback, reason string) {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	if p.current() != pb {
		logger.Debug("{session/player - autoSkip} ignoring skip from replaced session %s", pb.id)
		return
	}

	if !p.intent.Load() {
		logger.Info("{session/player - autoSkip} %s failed (%s) while paused, not skipping", pb.entry.Channel.Name, reason)
		p.detachLocked()
		p.setState(types.StateFailed, reason)
		return
	}

	for _, url := range pb.entry.Channel.Endpoints() {
		if url != pb.url && !p.bl.IsBlacklisted(url) {
			logger.Info("{session/player - autoSkip} %s failed (%s), trying backup endpoint", pb.entry.Channel.Name, reason)
			p.startLocked(pb.entry, url)
			return
		}
	}

	lineup := p.currentLineup()
	if lineup.Len() == 0 {
		p.detachLocked()
		p.setState(types.StateNoChannels, ErrNoChannelsAvailable.Error())
		return
	}
	start := 0
	if i, ok := lineup.Find(pb.entry.Channel.ID); ok {
		start = lineup.Next(i)
	}

	logger.Warn("{session/player - autoSkip} %s failed (%s), skipping", pb.entry.Channel.Name, reason)
	if err := p.selectLocked(lineup, start, lineup.Next, "blacklisted"); err != nil {
		logger.Error("{session/player - autoSkip} skip chain ended: %v", err)
	}
}

// fatal ends pb after the engine could not be rebuilt. No skip follows: the error
// is surfaced for a user-initiated retry.
func (p *Player) fatal(pb *playback, err error) {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	if p.current() != pb {
		return
	}
	logger.Error("{session/player - fatal} media engine lost: %v", err)
	p.detachLocked()
	p.setState(types.StateFailed, err.Error())
}

// fixDone records a finished fix and lets the session leave Degraded.
func (p *Player) fixDone(pb *playback, a types.FixAttempt) {
	if p.recorder != nil {
		ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
		if err := p.recorder.RecordFix(ctx, a); err != nil {
			logger.Warn("{session/player - fixDone} failed to record fix: %v", err)
		}
		cancel()
	}

	p.mu.Lock()
	p.lastFix, p.hasFix = a, true
	current := p.cur == pb
	p.mu.Unlock()

	if current {
		select {
		case pb.fixed <- a:
		default:
		}
	}
	p.broadcast()
}

// startLocked replaces the current session with a new one on url. switchMu must
// be held.
func (p *Player) startLocked(entry catalog.Entry, url string) error {
	p.detachLocked()

	profile := p.profiles.ProfileFor(entry.Category.Name)
	pb := newPlayback(p, uuid.NewString(), entry, url, profile)

	p.mu.Lock()
	p.cur = pb
	p.entry, p.hasEntry = entry, true
	volume := p.volume
	p.mu.Unlock()
	p.setState(types.StateOpening, "")

	events := p.media.Subscribe(pb.ctx, eventBuffer)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		pb.run(events)
	}()

	logger.Info("{session/player - startLocked} opening %s [%s %s, %s] session %s: %s",
		entry.Channel.Name, entry.Category.Name, entry.Label(), profile, pb.id, utils.LogURL(p.cfg, url))

	err := p.media.Open(url)
	if errors.Is(err, engine.ErrEngineUnavailable) {
		logger.Warn("{session/player - startLocked} engine unavailable, recreating once: %v", err)
		if err = p.media.Recreate(); err == nil {
			err = p.media.Open(url)
		}
	}
	if err != nil {
		if errors.Is(err, engine.ErrEngineUnavailable) {
			p.detachLocked()
			p.setState(types.StateFailed, err.Error())
			return err
		}
		// the engine refused the endpoint itself
		pb.emit(types.HealthSignal{Kind: types.SignalHardError, Source: "open", At: p.now(), Err: err})
		return nil
	}

	if volume != 100 {
		if err := p.media.SetVolume(volume); err != nil {
			logger.Debug("{session/player - startLocked} volume not applied: %v", err)
		}
	}
	return nil
}

// detachLocked ends the current session: its loop, monitors and fixes stop and
// the engine is released. switchMu must be held.
func (p *Player) detachLocked() {
	p.mu.Lock()
	pb := p.cur
	p.cur = nil
	p.mu.Unlock()

	if pb == nil {
		return
	}
	pb.close()
	p.media.Teardown()
	logger.Debug("{session/player - detachLocked} session %s closed", pb.id)
}

// eligible returns the first endpoint of ch that is not blacklisted.
func (p *Player) eligible(ch types.Channel) (string, bool) {
	for _, url := range ch.Endpoints() {
		if !p.bl.IsBlacklisted(url) {
			return url, true
		}
	}
	return "", false
}

func (p *Player) current() *playback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

func (p *Player) currentLineup() *catalog.Lineup {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lineup == nil {
		return catalog.NewLineup(nil, nil)
	}
	return p.lineup
}

func (p *Player) currentIndex(lineup *catalog.Lineup) (int, bool) {
	p.mu.Lock()
	entry, ok := p.entry, p.hasEntry
	p.mu.Unlock()
	if !ok {
		return 0, false
	}
	return lineup.Find(entry.Channel.ID)
}

// setState sets the player state regardless of session.
func (p *Player) setState(state types.SessionState, lastErr string) {
	p.mu.Lock()
	prev := p.state
	p.state, p.lastErr = state, lastErr
	p.mu.Unlock()
	p.stateChanged(prev, state)
}

// transition sets the state on behalf of pb. It reports false when pb is no longer
// the current session.
func (p *Player) transition(pb *playback, state types.SessionState) bool {
	p.mu.Lock()
	if p.cur != pb {
		p.mu.Unlock()
		return false
	}
	prev := p.state
	p.state = state
	if state == types.StatePlaying {
		p.lastErr = ""
	}
	p.mu.Unlock()
	p.stateChanged(prev, state)
	return true
}

// stateFor returns the state while pb is current.
func (p *Player) stateFor(pb *playback) (types.SessionState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != pb {
		return 0, false
	}
	return p.state, true
}

func (p *Player) stateChanged(prev, state types.SessionState) {
	if prev != state {
		metrics.SetSessionState(stateNames, state.String())
		logger.Debug("{session/player - stateChanged} %s -> %s", prev, state)
	}
	p.broadcast()
}
