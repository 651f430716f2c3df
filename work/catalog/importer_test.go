package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-player/work/cache"
	"kptv-player/work/client"
	"kptv-player/work/config"
	"kptv-player/work/database"
	"kptv-player/work/parser"
)

const primaryList = `#EXTM3U
#EXTINF:-1 tvg-id="news1" group-title="News",News One
http://primary/live/news1.ts
#EXTINF:-1 group-title="Music",Radio Uno
http://primary/live/radio.ts
#EXTINF:-1 group-title="Movies",Some Film
http://primary/movie/film.mp4
#EXTINF:-1,Loose Channel
http://primary/live/loose.ts
`

const secondaryList = `#EXTM3U
#EXTINF:-1 group-title="news",News One
http://secondary/live/news1.ts
#EXTINF:-1 group-title="Sports",Sports Max
http://secondary/live/sports.ts
`

type fixture struct {
	im    *Importer
	store *Store
	db    *database.DB
	hits  *atomic.Int32
}

func newFixture(t *testing.T, bodies map[string]string) *fixture {
	t.Helper()

	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.FetchRateLimit = 1000
	cfg.Sources = []config.SourceConfig{
		{Name: "Secondary", URL: srv.URL + "/secondary.m3u", Order: 2},
		{Name: "Primary", URL: srv.URL + "/primary.m3u", Order: 1},
	}

	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore()
	im := NewImporter(cfg, client.NewHeaderSettingClient(cfg), cache.NewCache(time.Minute), pool, db, store)
	return &fixture{im: im, store: store, db: db, hits: hits}
}

func TestImportMergesSourcesInOrder(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/primary.m3u":   primaryList,
		"/secondary.m3u": secondaryList,
	})
	ctx := context.Background()

	res, err := f.im.Import(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sources)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 4, res.Channels, "the film is filtered out and News One is merged")
	assert.Equal(t, 3, res.Categories)

	channels, _ := f.store.Channels(ctx)
	categories, _ := f.store.Categories(ctx)
	require.Len(t, channels, 4)

	news := channels[0]
	assert.Equal(t, "News One", news.Name)
	assert.Equal(t, "http://primary/live/news1.ts", news.StreamURL)
	assert.Equal(t, "http://secondary/live/news1.ts", news.BackupStreamURL)

	assert.Equal(t, "News", categories[0].Name, "categories are matched case-insensitively")
	assert.Equal(t, []int{0, 1, 2}, []int{categories[0].SortOrder, categories[1].SortOrder, categories[2].SortOrder})
	assert.Empty(t, channels[2].CategoryID, "entries without a group stay uncategorized")

	storedCats, storedChannels, err := f.db.LoadCatalog(ctx)
	require.NoError(t, err)
	assert.Len(t, storedChannels, 4)
	assert.Len(t, storedCats, 3)

	last, ok := f.im.LastResult()
	require.True(t, ok)
	assert.Equal(t, 4, last.Channels)
}

func TestImportIDsAreStable(t *testing.T) {
	batch := [][]parser.Entry{{{Name: "News One", URL: "u1", Group: "News"}}}
	_, first := Merge(batch)
	_, second := Merge(batch)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestImportUsesPlaylistCache(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/primary.m3u":   primaryList,
		"/secondary.m3u": secondaryList,
	})

	_, err := f.im.Import(context.Background())
	require.NoError(t, err)
	_, err = f.im.Import(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.hits.Load())
}

func TestImportKeepsCatalogWhenAllSourcesFail(t *testing.T) {
	f := newFixture(t, map[string]string{})
	ctx := context.Background()

	res, err := f.im.Import(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, res.Failed)

	_, ok := f.im.LastResult()
	assert.False(t, ok)
}

func TestImportPartialFailure(t *testing.T) {
	f := newFixture(t, map[string]string{"/primary.m3u": primaryList})

	res, err := f.im.Import(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Channels)
}

func TestImportRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, map[string]string{"/primary.m3u": primaryList})
	f.im.running.Store(true)

	_, err := f.im.Import(context.Background())
	assert.True(t, errors.Is(err, ErrImportRunning))
}

func TestLoadPersisted(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/primary.m3u":   primaryList,
		"/secondary.m3u": secondaryList,
	})
	ctx := context.Background()
	_, err := f.im.Import(ctx)
	require.NoError(t, err)

	fresh := NewStore()
	im := NewImporter(f.im.cfg, f.im.fetcher, f.im.cache, f.im.pool, f.db, fresh)
	n, err := im.LoadPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	channels, _ := fresh.Channels(ctx)
	assert.Len(t, channels, 4)
}
