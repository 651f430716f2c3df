package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"kptv-player/work/catalog"
	"kptv-player/work/config"
	"kptv-player/work/logger"
	"kptv-player/work/middleware"
	"kptv-player/work/utils"

	"github.com/gorilla/mux"
)

// StatsResponse is the operational summary served by /api/stats.
type StatsResponse struct {
	TotalChannels     int            `json:"totalChannels"`
	TotalCategories   int            `json:"totalCategories"`
	TotalSources      int            `json:"totalSources"`
	State             string         `json:"state"`
	CurrentChannel    string         `json:"currentChannel,omitempty"`
	Stable            bool           `json:"stable"`
	Blacklisted       int            `json:"blacklisted"`
	HardErrors        int            `json:"hardErrors"`
	EngineRecreations int64          `json:"engineRecreations"`
	NetworkUp         bool           `json:"networkUp"`
	LastImport        *catalogImport `json:"lastImport,omitempty"`
	Uptime            string         `json:"uptime"`
	MemoryUsage       string         `json:"memoryUsage"`
	WorkerThreads     int            `json:"workerThreads"`
	RunningWorkers    int            `json:"runningWorkers"`
	CacheDuration     string         `json:"cacheDuration"`
	Database          map[string]any `json:"database,omitempty"`
}

type catalogImport struct {
	At       time.Time `json:"at"`
	Duration string    `json:"duration"`
	Sources  int       `json:"sources"`
	Failed   int       `json:"failed"`
	Channels int       `json:"channels"`
}

var (
	// adminStartTime records when the process came up, for the uptime stat.
	adminStartTime = time.Now()

	// restartChan signals the restart loop in main.
	restartChan = make(chan bool, 1)
)

// setupAdminRoutes registers the administrative API on router.
func setupAdminRoutes(router *mux.Router, a *app) {
	router.HandleFunc("/api/config", corsMiddleware(middleware.GzipMiddleware(handleGetConfig(a)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/stats", corsMiddleware(middleware.GzipMiddleware(handleGetStats(a)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", corsMiddleware(middleware.GzipMiddleware(handleGetLogs))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/logs", corsMiddleware(handleClearLogs)).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/restart", corsMiddleware(handleRestart)).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/import", corsMiddleware(handleImport(a))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/fixes", corsMiddleware(middleware.GzipMiddleware(handleGetFixes(a)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/blacklist", corsMiddleware(middleware.GzipMiddleware(handleGetBlacklist(a)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/blacklist", corsMiddleware(handleClearBlacklist(a))).Methods("DELETE", "OPTIONS")
	router.HandleFunc("/api/blacklist/entry", corsMiddleware(handleReviveEndpoint(a))).Methods("DELETE", "OPTIONS")

	logger.Info("{admin_handlers - setupAdminRoutes} admin API initialized")
}

// corsMiddleware lets a browser UI on another origin call the API and answers
// preflight requests.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("{admin_handlers - corsMiddleware} request: %s %s", r.Method, r.URL.Path)

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// handleGetConfig returns the config file as stored on disk, or the running
// configuration when there is no file.
func handleGetConfig(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		data, err := os.ReadFile(config.Path())
		if err == nil {
			w.Write(data)
			return
		}
		if !errors.Is(err, os.ErrNotExist) {
			logger.Error("{admin_handlers - handleGetConfig} failed to read config file: %v", err)
			http.Error(w, "Failed to read config file", http.StatusInternalServerError)
			return
		}
		encode(w, a.current().cfg)
	}
}

func handleGetStats(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		inst := a.current()
		snap := inst.player.Snapshot()

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		categories, _ := a.store.Categories(r.Context())
		stats := StatsResponse{
			TotalChannels:     snap.Channels,
			TotalCategories:   len(categories),
			TotalSources:      len(inst.cfg.Sources),
			State:             snap.State.String(),
			Stable:            snap.Stable,
			Blacklisted:       snap.Blacklisted,
			HardErrors:        snap.HardErrors,
			EngineRecreations: snap.Recreations,
			NetworkUp:         inst.netwatch == nil || inst.netwatch.Online(),
			Uptime:            utils.FormatDuration(time.Since(adminStartTime)),
			MemoryUsage:       utils.FormatBytes(int64(m.Alloc)),
			WorkerThreads:     a.pool.Cap(),
			RunningWorkers:    a.pool.Running(),
			CacheDuration:     inst.cfg.CacheDuration.String(),
		}
		if snap.Channel != nil {
			stats.CurrentChannel = snap.Channel.Name
		}
		if res, ok := inst.importer.LastResult(); ok {
			stats.LastImport = &catalogImport{
				At:       res.At,
				Duration: utils.FormatDuration(res.Duration),
				Sources:  res.Sources,
				Failed:   res.Failed,
				Channels: res.Channels,
			}
		}
		if a.db != nil {
			if db, err := a.db.GetStats(); err == nil {
				stats.Database = db
			} else {
				logger.Warn("{admin_handlers - handleGetStats} database stats: %v", err)
			}
		}

		encode(w, stats)
	}
}

// handleGetLogs serves the retained log lines; ?limit=n returns the newest n.
func handleGetLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	encode(w, logger.Recent(queryInt(r, "limit", 0)))
}

func handleClearLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	logger.ClearRecent()
	logger.Info("{admin_handlers - handleClearLogs} log entries cleared via admin API")
	encode(w, map[string]string{"status": "success"})
}

// handleRestart reloads the config and rebuilds the player in the background.
func handleRestart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	logger.Info("{admin_handlers - handleRestart} restart requested via admin API")
	encode(w, map[string]string{
		"status":  "restart_initiated",
		"message": "Restarting KPTV Player...",
	})

	go func() {
		time.Sleep(500 * time.Millisecond)
		restartChan <- true
	}()
}

// handleImport re-fetches every source, bypassing the playlist cache.
func handleImport(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		inst := a.current()
		inst.cache.Clear()
		res, err := inst.importer.Import(r.Context())
		switch {
		case errors.Is(err, catalog.ErrImportRunning):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, catalog.ErrNoSources):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case err != nil:
			logger.Error("{admin_handlers - handleImport} import failed: %v", err)
			w.WriteHeader(http.StatusBadGateway)
			encode(w, map[string]any{"error": err.Error(), "result": res})
		default:
			encode(w, res)
		}
	}
}

// handleGetFixes serves the newest fix attempts; ?limit=n, default 100.
func handleGetFixes(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if a.db == nil {
			http.Error(w, "Fix history is not persisted", http.StatusServiceUnavailable)
			return
		}
		fixes, err := a.db.RecentFixes(r.Context(), queryInt(r, "limit", 100))
		if err != nil {
			logger.Error("{admin_handlers - handleGetFixes} %v", err)
			http.Error(w, "Failed to load fix history", http.StatusInternalServerError)
			return
		}
		encode(w, fixes)
	}
}

func handleGetBlacklist(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		encode(w, a.bl.Entries())
	}
}

func handleClearBlacklist(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		n := a.current().player.ClearBlacklist()
		logger.Info("{admin_handlers - handleClearBlacklist} cleared %d blacklisted endpoint(s) via admin API", n)
		encode(w, map[string]any{"status": "success", "cleared": n})
	}
}

// handleReviveEndpoint removes one endpoint (?url=) from the blacklist.
func handleReviveEndpoint(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		u := r.URL.Query().Get("url")
		if u == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}
		if !a.bl.Revive(u) {
			http.Error(w, "Endpoint is not blacklisted", http.StatusNotFound)
			return
		}
		logger.Info("{admin_handlers - handleReviveEndpoint} revived %s", utils.LogURL(a.current().cfg, u))
		encode(w, map[string]string{"status": "success"})
	}
}

func encode(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{admin_handlers - encode} failed to encode response: %v", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
