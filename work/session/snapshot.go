package session

import (
	"context"

	"kptv-player/work/types"
)

// Snapshot is the observable state of the player.
type Snapshot struct {
	SessionID   string             `json:"sessionId,omitempty"`
	State       types.SessionState `json:"state"`
	Channel     *types.Channel     `json:"channel,omitempty"`
	Category    string             `json:"category,omitempty"`
	Position    string             `json:"position,omitempty"` // "index/total" inside the category
	Profile     types.Profile      `json:"profile"`
	IsPlaying   bool               `json:"isPlaying"`
	IsLoading   bool               `json:"isLoading"`
	LastError   string             `json:"lastError,omitempty"`
	Volume      int                `json:"volume"`
	Stable      bool               `json:"stable"`
	Backup      bool               `json:"backup"` // playing the channel's backup endpoint
	LastFix     *types.FixAttempt  `json:"lastFix,omitempty"`
	Blacklisted int                `json:"blacklisted"`
	HardErrors  int                `json:"hardErrors"`
	Recreations int64              `json:"recreations"`
	Channels    int                `json:"channels"`
}

// Snapshot returns the current observable state.
func (p *Player) Snapshot() Snapshot {
	p.mu.Lock()
	s := Snapshot{
		State:     p.state,
		LastError: p.lastErr,
		Volume:    p.volume,
	}
	if p.hasEntry {
		ch := p.entry.Channel
		s.Channel = &ch
		s.Category = p.entry.Category.Name
		s.Position = p.entry.Label()
	}
	if pb := p.cur; pb != nil {
		s.SessionID = pb.id
		s.Profile = pb.profile
		s.Stable = pb.stable.Load()
		s.Backup = pb.url != pb.entry.Channel.StreamURL
	}
	if p.hasFix {
		fix := p.lastFix
		s.LastFix = &fix
	}
	if p.lineup != nil {
		s.Channels = p.lineup.Len()
	}
	p.mu.Unlock()

	s.IsPlaying = s.State.Active() && p.intent.Load()
	s.IsLoading = s.State == types.StateOpening
	s.Blacklisted = p.bl.Len()
	s.HardErrors = p.budget.Count()
	s.Recreations = p.media.Recreations()
	return s
}

// Watch returns a channel that receives the current snapshot and then the latest
// one after every change. A slow reader only ever sees the newest snapshot. The
// subscription ends with ctx.
func (p *Player) Watch(ctx context.Context) <-chan Snapshot {
	id := p.nextWatch.Add(1)
	ch := make(chan Snapshot, 1)
	ch <- p.Snapshot()
	p.watchers.Store(id, ch)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-ctx.Done():
		case <-p.ctx.Done():
		}
		p.watchers.Delete(id)
	}()
	return ch
}

func (p *Player) broadcast() {
	if p.watchers.Size() == 0 {
		return
	}
	snap := p.Snapshot()
	p.watchers.Range(func(_ uint64, ch chan Snapshot) bool {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
		return true
	})
}
