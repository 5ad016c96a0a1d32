package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"bracketeer/internal/capture"
	"bracketeer/internal/device"
	"bracketeer/internal/library"
	"bracketeer/internal/location"
)

// Server exposes the capture controller over HTTP: read-only state
// snapshots (polling, SSE, websocket) and the three session commands.
type Server struct {
	addr      string
	store     *library.Store
	coord     *capture.Coordinator
	locations *location.Cache
	watcher   *library.Watcher
	hub       *Hub
	log       *slog.Logger
	server    *http.Server
}

// NewServer wires the control API around a running coordinator. watcher and
// locations may be nil.
func NewServer(addr string, store *library.Store, coord *capture.Coordinator, locations *location.Cache, watcher *library.Watcher, log *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		store:     store,
		coord:     coord,
		locations: locations,
		watcher:   watcher,
		hub:       newHub(log),
		log:       log,
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run()
	go s.pumpSnapshots(ctx)

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("asset watcher start failed", "error", err)
			return err
		}
	}

	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down control server")

		if s.watcher != nil {
			s.watcher.Stop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("control server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// pumpSnapshots forwards coordinator snapshots to the websocket hub.
func (s *Server) pumpSnapshots(ctx context.Context) {
	snaps, unsubscribe := s.coord.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if payload, err := json.Marshal(snap); err == nil {
				s.hub.Broadcast(payload)
			}
		}
	}
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/state", s.handleState).Methods("GET")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs/{id}/assets", s.handleRunAssets).Methods("GET")
	r.HandleFunc("/api/capture", s.handleCapture).Methods("POST")
	r.HandleFunc("/api/lens", s.handleLens).Methods("POST")
	r.HandleFunc("/api/raw", s.handleRawToggle).Methods("POST")
	r.HandleFunc("/api/location", s.handleLocation).Methods("POST")
	r.HandleFunc("/stream", s.handleStateStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.handleWebSocket).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.coord.Snapshot())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleRunAssets(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	recs, err := s.store.AssetsForRun(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

type captureRequest struct {
	EVStep    float64 `json:"ev_step"`
	ShotCount int     `json:"shot_count"`
}

// handleCapture accepts the startBracket command. Acceptance means the
// command was queued; a busy session rejects it internally as a no-op, which
// callers observe through the state surface.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.EVStep <= 0 {
		http.Error(w, "ev_step must be positive", http.StatusBadRequest)
		return
	}
	s.coord.StartBracket(req.EVStep, req.ShotCount)
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "queued"})
}

type lensRequest struct {
	Lens string `json:"lens"`
}

func (s *Server) handleLens(w http.ResponseWriter, r *http.Request) {
	var req lensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.coord.SwitchLens(device.LensKind(req.Lens))
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "queued"})
}

func (s *Server) handleRawToggle(w http.ResponseWriter, r *http.Request) {
	s.coord.ToggleRaw()
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "queued"})
}

type locationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if s.locations == nil {
		http.Error(w, "no location cache configured", http.StatusNotFound)
		return
	}
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.locations.Set(req.Latitude, req.Longitude)
	w.WriteHeader(http.StatusNoContent)
}

// handleStateStream serves snapshots as server-sent events.
func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	snaps, unsubscribe := s.coord.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			payload, _ := json.Marshal(snap)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
