package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"frameforge/internal/frame"
	"frameforge/internal/framestore"
	"frameforge/internal/jobsource"
	"frameforge/internal/metrics"
	"frameforge/internal/pipeline"
	"frameforge/internal/storage"
)

// Queue is the part of the pipeline the API drives.
type Queue interface {
	Submit(job pipeline.Job) (pipeline.Job, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// Deps are the components the HTTP API serves.
type Deps struct {
	Store   *storage.Store
	Queue   Queue
	Frames  framestore.Store
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Server exposes jobs, masters and frames over HTTP.
type Server struct {
	addr   string
	deps   Deps
	hub    *hub
	log    *slog.Logger
	server *http.Server
}

// New creates the API server for addr.
func New(addr string, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, deps: deps, hub: newHub(log), log: log}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is canceled, forwarding job results to websocket clients.
func (s *Server) Start(ctx context.Context) error {
	if s.deps.Queue != nil {
		results, unsubscribe := s.deps.Queue.Subscribe()
		defer unsubscribe()
		go s.hub.run(ctx, results)
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/masters", s.handleMasters).Methods("GET")
	r.HandleFunc("/masters/{id}", s.handleMaster).Methods("GET")
	r.HandleFunc("/frames/{area:raw|processed|masters}", s.handleFrames).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.handleWebSocket).Methods("GET")
	if s.deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.deps.Store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := jobsource.JSONCodec{}.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err = s.deps.Queue.Submit(job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		w.Header().Set("Retry-After", "5")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Info("job accepted", "id", job.ID, "type", job.Type, "frames", len(job.FrameIDs))
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, err := s.deps.Store.JobMeta(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found or not finished", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "meta": meta})
}

func (s *Server) handleMasters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.MasterFilter{
		Epoch:             q.Get("epoch"),
		IncludeSuperseded: q.Get("all") == "1" || q.Get("all") == "true",
	}
	if k := q.Get("kind"); k != "" {
		kind, err := frame.ParseObservationType(k)
		if err != nil || !kind.IsCalibration() {
			http.Error(w, "kind must be bias, dark or flat", http.StatusBadRequest)
			return
		}
		f.Kind = kind
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	recs, err := s.deps.Store.ListMasters(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.Master(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "master not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if s.deps.Frames == nil {
		http.Error(w, "no frame store configured", http.StatusNotFound)
		return
	}
	entries, err := s.deps.Frames.List(r.Context(), framestore.Area(mux.Vars(r)["area"]))
	if errors.Is(err, framestore.ErrStorageUnavailable) {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.deps.Queue.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(jobsource.NewResultPayload(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
