package catalog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"kptv-player/work/metrics"
	"kptv-player/work/types"
)

// Repository is the read side of the channel catalog the player depends on.
// Subscribe delivers a coalesced notification after every refresh until ctx is done.
type Repository interface {
	Channels(ctx context.Context) ([]types.Channel, error)
	Categories(ctx context.Context) ([]types.Category, error)
	Subscribe(ctx context.Context) <-chan struct{}
}

// Store is an in-memory Repository fed by the importer.
type Store struct {
	mu         sync.RWMutex
	channels   []types.Channel
	categories []types.Category

	subs    *xsync.MapOf[uint64, chan struct{}]
	nextSub atomic.Uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{subs: xsync.NewMapOf[uint64, chan struct{}]()}
}

// Replace swaps the catalog contents and notifies every subscriber.
func (s *Store) Replace(categories []types.Category, channels []types.Channel) {
	s.mu.Lock()
	s.categories = append([]types.Category(nil), categories...)
	s.channels = append([]types.Channel(nil), channels...)
	s.mu.Unlock()

	metrics.CatalogChannels.Set(float64(len(channels)))

	s.subs.Range(func(_ uint64, ch chan struct{}) bool {
		select {
		case ch <- struct{}{}:
		default:
			// a notification is already pending
		}
		return true
	})
}

func (s *Store) Channels(ctx context.Context) ([]types.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Channel(nil), s.channels...), nil
}

func (s *Store) Categories(ctx context.Context) ([]types.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Category(nil), s.categories...), nil
}

func (s *Store) Subscribe(ctx context.Context) <-chan struct{} {
	id := s.nextSub.Add(1)
	ch := make(chan struct{}, 1)
	s.subs.Store(id, ch)

	go func() {
		<-ctx.Done()
		s.subs.Delete(id)
	}()
	return ch
}
