package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/ratelimit"

	"kptv-player/work/cache"
	"kptv-player/work/config"
	"kptv-player/work/database"
	"kptv-player/work/filter"
	"kptv-player/work/logger"
	"kptv-player/work/parser"
	"kptv-player/work/types"
	"kptv-player/work/utils"
)

var (
	// ErrImportRunning is returned when an import is requested while one runs.
	ErrImportRunning = errors.New("catalog import already running")

	// ErrNoSources is returned when the config lists no catalog sources.
	ErrNoSources = errors.New("no catalog sources configured")
)

var (
	channelNamespace  = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kptv-player/channel"))
	categoryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kptv-player/category"))
)

// Fetcher retrieves a playlist body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Submitter runs import tasks. *ants.Pool satisfies it.
type Submitter interface {
	Submit(task func()) error
}

// Result summarises one import run.
type Result struct {
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
	Sources    int           `json:"sources"`
	Failed     int           `json:"failed"`
	Channels   int           `json:"channels"`
	Categories int           `json:"categories"`
}

// Importer builds the catalog from the configured sources and publishes it to the
// store, persisting every successful import.
type Importer struct {
	cfg     *config.Config
	fetcher Fetcher
	cache   *cache.Cache
	filters *filter.FilterManager
	limiter ratelimit.Limiter
	pool    Submitter
	db      *database.DB
	store   *Store

	running atomic.Bool
	last    atomic.Pointer[Result]
}

// NewImporter wires an importer. db may be nil, in which case nothing is persisted.
func NewImporter(cfg *config.Config, fetcher Fetcher, c *cache.Cache, pool Submitter, db *database.DB, store *Store) *Importer {
	rate := cfg.FetchRateLimit
	if rate <= 0 {
		rate = 2
	}
	return &Importer{
		cfg:     cfg,
		fetcher: fetcher,
		cache:   c,
		filters: filter.NewFilterManager(),
		limiter: ratelimit.New(rate),
		pool:    pool,
		db:      db,
		store:   store,
	}
}

// LastResult returns the summary of the last completed import.
func (im *Importer) LastResult() (Result, bool) {
	r := im.last.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}

// LoadPersisted publishes the catalog stored by a previous run, so the player can
// start before the first import finishes.
func (im *Importer) LoadPersisted(ctx context.Context) (int, error) {
	if im.db == nil {
		return 0, nil
	}
	categories, channels, err := im.db.LoadCatalog(ctx)
	if err != nil {
		return 0, err
	}
	if len(channels) > 0 {
		im.store.Replace(categories, channels)
		logger.Info("{catalog/importer - LoadPersisted} loaded %d stored channels", len(channels))
	}
	return len(channels), nil
}

// Import fetches every source concurrently, merges them in source order and
// replaces the catalog. When every source fails the current catalog is kept.
func (im *Importer) Import(ctx context.Context) (Result, error) {
	if !im.running.CompareAndSwap(false, true) {
		return Result{}, ErrImportRunning
	}
	defer im.running.Store(false)

	sources := im.cfg.GetSourcesByOrder()
	if len(sources) == 0 {
		return Result{}, ErrNoSources
	}

	start := time.Now()
	batches := make([][]parser.Entry, len(sources))
	errs := make([]error, len(sources))

	var wg sync.WaitGroup
	for i := range sources {
		src := sources[i]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			batches[i], errs[i] = im.importSource(ctx, &src)
		}
		if err := im.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	res := Result{At: time.Now(), Sources: len(sources)}
	for i, err := range errs {
		if err != nil {
			res.Failed++
			logger.Warn("{catalog/importer - Import} source %s failed: %v", sources[i].Name, err)
		}
	}
	if res.Failed == len(sources) {
		return res, fmt.Errorf("all %d sources failed: %w", len(sources), errors.Join(errs...))
	}

	categories, channels := Merge(batches)
	res.Channels, res.Categories = len(channels), len(categories)
	res.Duration = time.Since(start)

	im.store.Replace(categories, channels)
	if im.db != nil {
		if err := im.db.SaveCatalog(ctx, categories, channels, len(sources)); err != nil {
			logger.Error("{catalog/importer - Import} failed to persist catalog: %v", err)
		}
	}

	im.last.Store(&res)
	logger.Info("{catalog/importer - Import} imported %d channels in %d categories from %d sources (%d failed) in %s",
		res.Channels, res.Categories, res.Sources, res.Failed, utils.FormatDuration(res.Duration))
	return res, nil
}

func (im *Importer) importSource(ctx context.Context, src *config.SourceConfig) ([]parser.Entry, error) {
	var entries []parser.Entry
	if parser.IsXtreamCodes(src) {
		var err error
		if entries, err = parser.ParseXtremeCodesAPI(ctx, im.fetch, src); err != nil {
			return nil, err
		}
	} else {
		body, err := im.fetch(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		if entries, err = parser.Parse(body, src); err != nil {
			return nil, err
		}
	}
	return filter.FilterEntries(entries, src, im.filters), nil
}

// fetch returns the cached body of url, or fetches it under the rate limit.
func (im *Importer) fetch(ctx context.Context, url string) ([]byte, error) {
	if body, ok := im.cache.GetPlaylist(url); ok {
		return body, nil
	}

	im.limiter.Take()
	logger.Debug("{catalog/importer - fetch} fetching %s", utils.LogURL(im.cfg, url))
	body, err := im.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", utils.LogURL(im.cfg, url), err)
	}
	im.cache.SetPlaylist(url, body)
	return body, nil
}

// StartRefresh re-imports on every interval until ctx is done.
func (im *Importer) StartRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				im.cache.Clear()
				if _, err := im.Import(ctx); err != nil && !errors.Is(err, ErrImportRunning) {
					logger.Error("{catalog/importer - StartRefresh} scheduled import failed: %v", err)
				}
			}
		}
	}()
}

// Merge turns per-source entries into the catalog. Channels with the same
// normalised name are one channel: the first endpoint seen is the primary and the
// first differing one the backup. Categories get sort keys in order of first
// appearance, and entries without a group stay uncategorized.
func Merge(batches [][]parser.Entry) ([]types.Category, []types.Channel) {
	var categories []types.Category
	catIndex := map[string]int{}
	var channels []types.Channel
	chIndex := map[string]int{}

	for _, batch := range batches {
		for _, e := range batch {
			catID := ""
			if group := strings.TrimSpace(e.Group); group != "" {
				key := strings.ToLower(group)
				idx, ok := catIndex[key]
				if !ok {
					idx = len(categories)
					catIndex[key] = idx
					categories = append(categories, types.Category{
						ID:        uuid.NewSHA1(categoryNamespace, []byte(key)).String(),
						Name:      group,
						SortOrder: idx,
						Active:    true,
					})
				}
				catID = categories[idx].ID
			}

			key := utils.SanitizeChannelName(e.Name)
			if idx, ok := chIndex[key]; ok {
				ch := &channels[idx]
				if ch.BackupStreamURL == "" && e.URL != ch.StreamURL {
					ch.BackupStreamURL = e.URL
				}
				if ch.LogoURL == "" {
					ch.LogoURL = e.Logo
				}
				continue
			}

			chIndex[key] = len(channels)
			channels = append(channels, types.Channel{
				ID:          uuid.NewSHA1(channelNamespace, []byte(key)).String(),
				Name:        e.Name,
				CategoryID:  catID,
				StreamURL:   e.URL,
				LogoURL:     e.Logo,
				Description: e.Group,
			})
		}
	}
	return categories, channels
}
