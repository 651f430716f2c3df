package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kptv-player/work/blacklist"
	"kptv-player/work/cache"
	"kptv-player/work/catalog"
	"kptv-player/work/client"
	"kptv-player/work/config"
	"kptv-player/work/database"
	"kptv-player/work/engine"
	"kptv-player/work/handlers"
	"kptv-player/work/logger"
	"kptv-player/work/middleware"
	"kptv-player/work/netwatch"
	"kptv-player/work/session"
	"kptv-player/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// fixRetention is how long finished fixes stay in the history table.
const fixRetention = 7 * 24 * time.Hour

// app holds what survives a restart: the catalog, the blacklist, the worker pool
// and the database. Everything built from the config lives in an instance.
type app struct {
	db    *database.DB
	store *catalog.Store
	bl    *blacklist.Blacklist
	pool  *ants.Pool
	cur   atomic.Pointer[instance]
}

// instance is the player and its supporting services for one loaded config.
type instance struct {
	cfg      *config.Config
	cache    *cache.Cache
	importer *catalog.Importer
	handle   *engine.Handle
	player   *session.Player
	netwatch *netwatch.Watcher
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	applyLogLevel(cfg)

	// Initialize worker pool; nonblocking so a saturated pool never stalls a session loop
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true), ants.WithNonblocking(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	a := &app{store: catalog.NewStore(), bl: blacklist.New(), pool: workerPool}

	// catalog and fix history survive restarts of the process in SQLite
	a.db, err = database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("{main - main} database unavailable, running without persistence: %v", err)
		a.db = nil
	} else {
		defer a.db.Close()
	}

	inst := a.start(cfg)
	if _, err := inst.importer.LoadPersisted(context.Background()); err != nil {
		logger.Warn("{main - main} could not load stored catalog: %v", err)
	}

	// Initial import
	if _, err := inst.importer.Import(context.Background()); err != nil {
		logger.Error("{main - main} initial import failed: %v", err)
	}

	// Setup HTTP routes
	router := mux.NewRouter()
	setupPlayerRoutes(router, a)

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, a)

	// show info
	logger.Info("Starting KPTV Player %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen Address: %s", cfg.ListenAddr)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Sources: %d", len(cfg.Sources))
	logger.Info("  - Database: %s", cfg.DatabasePath)
	logger.Info("  - Cache Duration: %s", cfg.CacheDuration)
	logger.Info("  - Source Refresh Rate: %s", cfg.ImportRefreshInterval)
	logger.Info("  - Open Timeout: %s", cfg.Supervisor.OpenTimeout)
	logger.Info("  - Warm-Up: %s", cfg.Supervisor.WarmUp)
	logger.Info("  - Hard Error Limit: %d", cfg.Supervisor.HardErrorLimit)
	logger.Info("  - Network Probe: %s", utils.LogURL(cfg, cfg.NetworkProbeTarget))
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// gracefully restart if it's requested to do.
	go func() {
		for {
			<-restartChan
			logger.Info("{main - restart} graceful restart requested")

			a.current().stop()

			config.ClearConfigCache()
			newConfig := config.LoadConfig()
			applyLogLevel(newConfig)

			next := a.start(newConfig)
			if _, err := next.importer.Import(context.Background()); err != nil {
				logger.Error("{main - restart} import after restart failed: %v", err)
			}
			logger.Info("{main - restart} graceful restart completed - loaded %d sources", len(newConfig.Sources))
		}
	}()

	// fire us up
	if err := http.ListenAndServe(cfg.ListenAddr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func applyLogLevel(cfg *config.Config) {
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
		return
	}
	logger.SetLogLevel(cfg.LogLevel)
}

func (a *app) current() *instance {
	return a.cur.Load()
}

// start builds the importer, the media handle and the player for cfg, starts
// their background work and makes them current.
func (a *app) start(cfg *config.Config) *instance {
	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{cfg: cfg, cancel: cancel, cache: cache.NewCache(cfg.CacheDuration)}

	inst.importer = catalog.NewImporter(cfg, client.NewHeaderSettingClient(cfg), inst.cache, a.pool, a.db, a.store)
	inst.importer.StartRefresh(ctx, cfg.ImportRefreshInterval)

	var recorder session.FixRecorder
	if a.db != nil {
		recorder = a.db
		inst.wg.Add(1)
		go func() {
			defer inst.wg.Done()
			pruneFixes(ctx, a.db)
		}()
	}

	inst.handle = engine.NewHandle(engine.NewFFmpegFactory(cfg))
	inst.player = session.New(ctx, cfg, inst.handle, a.store, a.bl, a.pool, recorder)

	if cfg.NetworkProbeTarget != "" {
		inst.netwatch = netwatch.New(netwatch.DialProbe(cfg.NetworkProbeTarget, cfg.NetworkProbeInterval),
			cfg.NetworkProbeInterval, inst.player.OnNetworkRegained)
		inst.netwatch.Start(ctx)
	}

	a.cur.Store(inst)
	return inst
}

// stop ends the player session and every background task of the instance.
func (inst *instance) stop() {
	inst.cancel()
	inst.player.Close()
	if err := inst.handle.Close(); err != nil {
		logger.Warn("{main - stop} closing media handle: %v", err)
	}
	if inst.netwatch != nil {
		inst.netwatch.Wait()
	}
	inst.wg.Wait()
}

// pruneFixes trims the fix history once a day.
func pruneFixes(ctx context.Context, db *database.DB) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PruneFixes(ctx, time.Now().Add(-fixRetention))
			if err != nil {
				logger.Warn("{main - pruneFixes} %v", err)
				continue
			}
			logger.Debug("{main - pruneFixes} removed %d old fixes", n)
		}
	}
}

// setupPlayerRoutes registers the control API. Handlers resolve the current
// player per request so they keep working across restarts.
func setupPlayerRoutes(router *mux.Router, a *app) {
	player := func(h func(*session.Player) http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			h(a.current().player)(w, r)
		}
	}
	get := func(path string, h func(*session.Player) http.HandlerFunc) {
		router.HandleFunc(path, corsMiddleware(middleware.GzipMiddleware(player(h)))).Methods("GET", "OPTIONS")
	}
	post := func(path string, h func(*session.Player) http.HandlerFunc) {
		router.HandleFunc(path, corsMiddleware(player(h))).Methods("POST", "OPTIONS")
	}

	get("/api/player", handlers.HandleState)
	get("/api/player/watch", handlers.HandleWatch)
	get("/api/lineup", handlers.HandleLineup)
	post("/api/player/play/{channel}", handlers.HandlePlay)
	post("/api/player/pause", handlers.HandlePause)
	post("/api/player/stop", handlers.HandleStop)
	post("/api/player/next", handlers.HandleNext)
	post("/api/player/previous", handlers.HandlePrevious)
	post("/api/player/next-category", handlers.HandleNextCategory)
	post("/api/player/previous-category", handlers.HandlePreviousCategory)
	post("/api/player/reconnect", handlers.HandleReconnect)
	post("/api/player/resync", handlers.HandleResync)
	post("/api/player/volume/{level}", handlers.HandleVolume)
}
