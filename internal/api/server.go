// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/smartprobe/probed/internal/auth"
	"github.com/smartprobe/probed/internal/database"
	"github.com/smartprobe/probed/internal/events"
	"github.com/smartprobe/probed/internal/firmware"
	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/metrics"
	"github.com/smartprobe/probed/internal/ratelimit"
	"github.com/smartprobe/probed/internal/sdcard"
	"github.com/smartprobe/probed/internal/storage"
	"github.com/smartprobe/probed/internal/wifi"
	"github.com/smartprobe/probed/pkg/protocol"
	"github.com/smartprobe/probed/webapp"
)

const (
	// maxFormSize bounds urlencoded request bodies.
	maxFormSize = 64 << 10
	// multipartOverhead is allowed on top of the firmware limit for the
	// multipart framing.
	multipartOverhead = 1 << 20
	sseKeepAlive      = 30 * time.Second
)

// Deps bundles the services the server exposes.
type Deps struct {
	Wifi        *wifi.Manager
	Card        *sdcard.Browser
	CardBackend storage.Backend
	Updater     *firmware.Updater
	Auth        *auth.Auth
	Limiter     *ratelimit.Limiter
	Broadcaster *events.Broadcaster
	DB          *database.DB

	MaxFirmwareSize int64
	// WebappDir overrides the embedded pages for development.
	WebappDir string
}

// Server is the HTTP server.
type Server struct {
	Deps
}

// NewServer creates a new server.
func NewServer(d Deps) *Server {
	if d.Limiter == nil {
		d.Limiter = ratelimit.New(0)
	}
	if d.Auth == nil {
		// An empty password cannot fail.
		d.Auth, _ = auth.New("", "")
	}
	return &Server{Deps: d}
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Pages
	assets := s.assets()
	mux.HandleFunc("GET /{$}", s.page(assets, "sd.html"))
	mux.HandleFunc("GET /settings", s.page(assets, "settings.html"))
	mux.Handle("GET /assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assets))))

	// Read endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /wifi_scan", s.handleWifiScan)
	mux.HandleFunc("GET /wifi_saved", s.handleWifiSaved)
	mux.HandleFunc("GET /sd_status", s.handleSDStatus)
	mux.HandleFunc("GET /sd_list", s.handleSDList)
	mux.HandleFunc("GET /sd_download", s.handleSDDownload)
	mux.HandleFunc("GET /sd_thumb", s.handleSDThumb)
	mux.HandleFunc("GET /update_history", s.handleUpdateHistory)
	mux.HandleFunc("GET /events", s.handleEvents)

	// Session endpoints; login is rate limited against guessing
	mux.Handle("POST /login", s.Limiter.Middleware(http.HandlerFunc(s.Auth.HandleLogin)))
	mux.HandleFunc("POST /logout", s.Auth.HandleLogout)

	// Write endpoints: rate limiter, then auth
	guarded := func(h http.HandlerFunc) http.Handler {
		return s.Limiter.Middleware(s.Auth.Middleware(h))
	}
	mux.Handle("POST /wifi_add", guarded(s.handleWifiAdd))
	mux.Handle("POST /wifi_clear", guarded(s.handleWifiClear))
	mux.Handle("POST /update", guarded(s.handleUpdate))
	mux.Handle("POST /sd_delete", guarded(s.handleSDDelete))

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) assets() fs.FS {
	if s.WebappDir != "" {
		logging.Info("serving pages from disk", zap.String("dir", s.WebappDir))
		return os.DirFS(s.WebappDir)
	}
	return webapp.Assets
}

func (s *Server) page(assets fs.FS, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := fs.ReadFile(assets, name)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "page unavailable")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := protocol.HealthResponse{Status: "ok", Database: "ok"}
	if s.CardBackend != nil {
		resp.Backend = s.CardBackend.Type()
	}
	if s.Updater != nil {
		resp.Updating = s.Updater.InProgress()
	}
	status := http.StatusOK
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.PingContext(ctx); err != nil {
			resp.Status, resp.Database = "degraded", err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	s.sendJSON(w, status, resp)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Broadcaster == nil {
		s.sendError(w, http.StatusNotFound, "events not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.Broadcaster.Subscribe()
	metrics.SetSSEConnectionsActive(s.Broadcaster.Count())
	defer func() {
		s.Broadcaster.Unsubscribe(ch)
		metrics.SetSSEConnectionsActive(s.Broadcaster.Count())
	}()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func (s *Server) sendSuccess(w http.ResponseWriter) {
	s.sendJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

// parseForm reads an urlencoded body of bounded size.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseForm(); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return false
	}
	return true
}
