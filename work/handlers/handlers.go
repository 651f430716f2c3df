package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"kptv-player/work/catalog"
	"kptv-player/work/engine"
	"kptv-player/work/logger"
	"kptv-player/work/session"

	"github.com/gorilla/mux"
)

// LineupEntry is one row of the navigation order as served by /api/lineup.
type LineupEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Position string `json:"position"`
	LogoURL  string `json:"logoURL,omitempty"`
	Backup   bool   `json:"hasBackup"`
}

// HandleState serves the current player snapshot.
func HandleState(p *session.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Snapshot())
	}
}

// HandlePlay starts the channel named in the route.
func HandlePlay(p *session.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := url.PathUnescape(mux.Vars(r)["channel"])
		if err != nil {
			http.Error(w, "Invalid channel", http.StatusBadRequest)
			return
		}
		respond(w, p, p.PlayChannel(id))
	}
}

// HandleNext, HandlePrevious, HandleNextCategory and HandlePreviousCategory walk
// the lineup.
func HandleNext(p *session.Player) http.HandlerFunc {
	return command(p, p.NextChannel)
}

func HandlePrevious(p *session.Player) http.HandlerFunc {
	return command(p, p.PreviousChannel)
}

func HandleNextCategory(p *session.Player) http.HandlerFunc {
	return command(p, p.NextCategory)
}

func HandlePreviousCategory(p *session.Player) http.HandlerFunc {
	return command(p, p.PreviousCategory)
}

// HandleReconnect forces a hard reconnect of the current endpoint.
func HandleReconnect(p *session.Player) http.HandlerFunc {
	return command(p, p.ForceReconnect)
}

// HandleResync resets the audio delay of the current session.
func HandleResync(p *session.Player) http.HandlerFunc {
	return command(p, p.ResyncAudioVideo)
}

func HandlePause(p *session.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, err := p.PauseResume()
		respond(w, p, err)
	}
}

func HandleStop(p *session.Player) http.HandlerFunc {
	return command(p, func() error {
		p.Stop()
		return nil
	})
}

// HandleVolume sets the output volume; out of range levels are clamped.
func HandleVolume(p *session.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, err := strconv.Atoi(mux.Vars(r)["level"])
		if err != nil {
			http.Error(w, "Volume must be an integer", http.StatusBadRequest)
			return
		}
		_, err = p.SetVolume(level)
		respond(w, p, err)
	}
}

// HandleLineup serves the navigation order of the catalog.
func HandleLineup(p *session.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := p.Lineup()
		out := make([]LineupEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, toLineupEntry(e))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// HandleWatch streams snapshots as server-sent events until the client leaves.
func HandleWatch(p *session.Player) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		updates := p.Watch(r.Context())
		for {
			select {
			case <-r.Context().Done():
				return
			case snap := <-updates:
				data, err := json.Marshal(snap)
				if err != nil {
					logger.Error("{handlers - HandleWatch} failed to encode snapshot: %v", err)
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func toLineupEntry(e catalog.Entry) LineupEntry {
	category := e.Category.Name
	if category == "" {
		category = catalog.UncategorizedName
	}
	return LineupEntry{
		ID:       e.Channel.ID,
		Name:     e.Channel.Name,
		Category: category,
		Position: e.Label(),
		LogoURL:  e.Channel.LogoURL,
		Backup:   e.Channel.BackupStreamURL != "",
	}
}

func command(p *session.Player, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(w, p, fn())
	}
}

// respond answers a command with the resulting snapshot, or with the status code
// matching err.
func respond(w http.ResponseWriter, p *session.Player, err error) {
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Warn("{handlers - respond} command failed: %v", err)
		} else {
			logger.Debug("{handlers - respond} command rejected: %v", err)
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, p.Snapshot())
}

// StatusFor maps a player error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidChannel):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrFixInProgress):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoCatalog),
		errors.Is(err, session.ErrNoChannelsAvailable),
		errors.Is(err, engine.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers - writeJSON} failed to encode response: %v", err)
	}
}
