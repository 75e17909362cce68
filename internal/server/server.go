/**
 * HTTP and websocket front end for the scan engine
 *
 * Live camera clients either stream frames over a websocket or post them one
 * at a time against a session id. Frame ingress is rate limited per session;
 * frames over the limit are dropped, never queued. Batch jobs (a set of stills)
 * are handed to the job queue.
 */

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adverant/nexus/counterscan-worker/internal/errors"
	"github.com/adverant/nexus/counterscan-worker/internal/frame"
	"github.com/adverant/nexus/counterscan-worker/internal/logging"
	"github.com/adverant/nexus/counterscan-worker/internal/queue"
	"github.com/adverant/nexus/counterscan-worker/internal/region"
	"github.com/adverant/nexus/counterscan-worker/internal/scanner"
)

const (
	// maxFrameBytes bounds one encoded frame
	maxFrameBytes = 10 << 20
	// maxJobBytes bounds a batch job body
	maxJobBytes = 64 << 20
)

// ResultStore looks up results of sessions the engine has already forgotten
type ResultStore interface {
	GetResult(ctx context.Context, sessionID string) (json.RawMessage, error)
	Ping(ctx context.Context) map[string]error
	GetStats() map[string]interface{}
}

// JobQueue accepts batch scan jobs; both queue drivers implement it
type JobQueue interface {
	Submit(ctx context.Context, job *queue.ScanJob) (string, error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// Config wires a Server
type Config struct {
	Addr           string
	DefaultPreset  string
	FrameRateLimit float64 // frames per second per session
	Gatherer       prometheus.Gatherer
	Store          ResultStore // optional
	Jobs           JobQueue    // optional; enables POST /jobs
}

// StartRequest is the body of POST /sessions
type StartRequest struct {
	Preset  string            `json:"preset,omitempty"`
	Regions []region.Region   `json:"regions,omitempty" validate:"omitempty,dive"`
	Options scanner.Overrides `json:"options"`
}

// StartResponse describes a new session
type StartResponse struct {
	SessionID string          `json:"sessionId"`
	Regions   []region.Region `json:"regions"`
	Options   scanner.Options `json:"options"`
}

// Server serves the scan API
type Server struct {
	engine   *scanner.Engine
	cfg      Config
	validate *validator.Validate
	limiter  *frameLimiter
	upgrader websocket.Upgrader
	router   *mux.Router
	http     *http.Server
	logger   *logging.Logger

	// Sessions outlive the request that started them; they are bound to this
	// context instead and end when the server shuts down.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds the router for engine
func New(engine *scanner.Engine, cfg Config) *Server {
	if cfg.DefaultPreset == "" {
		cfg.DefaultPreset = "default"
	}
	if cfg.FrameRateLimit <= 0 {
		cfg.FrameRateLimit = 15
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:   engine,
		cfg:      cfg,
		validate: validator.New(),
		limiter:  newFrameLimiter(cfg.FrameRateLimit, int(cfg.FrameRateLimit)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logging.NewLogger("HTTPServer"),
		baseCtx: baseCtx,
		cancel:  cancel,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/frames", s.handleFrame).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleStop).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/result", s.handleResult).Methods(http.MethodGet)
	r.HandleFunc("/ws/scan", s.handleWebsocket).Methods(http.MethodGet)
	if cfg.Jobs != nil {
		r.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	}
	s.router = r

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks until the server stops
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and cancels every session it started
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.cancel()
	return err
}

// startSession resolves regions and options and starts a session bound to the
// server's lifetime
func (s *Server) startSession(req StartRequest) (*scanner.Session, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.NewInvalidOptionsError(err)
	}

	preset := req.Preset
	if preset == "" {
		preset = s.cfg.DefaultPreset
	}
	regions, err := region.Resolve(preset, req.Regions)
	if err != nil {
		return nil, err
	}

	opts, err := req.Options.Apply(s.engine.Defaults())
	if err != nil {
		return nil, err
	}

	session, err := s.engine.StartScan(s.baseCtx, regions, opts)
	if err != nil {
		return nil, err
	}

	go func() {
		<-session.Done()
		s.limiter.forget(session.ID())
	}()
	return session, nil
}

// acceptFrame decodes and buffers one frame. accepted is false when the frame
// was dropped by the rate limiter.
func (s *Server) acceptFrame(sessionID string, data []byte) (accepted bool, err error) {
	if !s.limiter.allow(sessionID) {
		return false, nil
	}
	f, err := frame.Decode(data)
	if err != nil {
		return false, err
	}
	if err := s.engine.AddFrame(sessionID, f); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status":         "ok",
		"activeSessions": s.engine.ActiveSessions(),
	}

	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		storage := make(map[string]string)
		for name, err := range s.cfg.Store.Ping(ctx) {
			if err != nil {
				storage[name] = err.Error()
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				continue
			}
			storage[name] = "ok"
		}
		body["storage"] = storage
		body["storageStats"] = s.cfg.Store.GetStats()
	}

	if s.cfg.Jobs != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		stats, err := s.cfg.Jobs.GetStats(ctx)
		if stats == nil {
			stats = make(map[string]interface{})
		}
		if err != nil {
			stats["error"] = err.Error()
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		body["queue"] = stats
	}

	writeJSON(w, status, body)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var job queue.ScanJob
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBytes)).Decode(&job); err != nil {
		writeError(w, errors.NewInvalidOptionsError(fmt.Errorf("invalid job body: %w", err)))
		return
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}

	id, err := s.cfg.Jobs.Submit(r.Context(), &job)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Batch job submitted", "jobId", id, "frames", len(job.Frames))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"jobId": id})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && err != io.EOF {
		writeError(w, errors.NewInvalidOptionsError(fmt.Errorf("invalid request body: %w", err)))
		return
	}

	session, err := s.startSession(req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, StartResponse{
		SessionID: session.ID(),
		Regions:   session.Regions(),
		Options:   session.Options(),
	})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.engine.Session(id); err != nil {
		writeError(w, err)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		writeError(w, errors.NewInvalidFrameError(0, 0, "unreadable body: "+err.Error()))
		return
	}

	accepted, err := s.acceptFrame(id, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": accepted})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopScan(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GetStats(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, done, err := s.engine.Result(id)
	if err == nil {
		if !done {
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"sessionId": id,
				"state":     scanner.StateScanning,
			})
			return
		}
		writeJSON(w, http.StatusOK, resultBody(result))
		return
	}

	if s.cfg.Store != nil && errors.CodeOf(err) == errors.ErrorSessionNotFound {
		stored, lookupErr := s.cfg.Store.GetResult(r.Context(), id)
		if lookupErr != nil {
			writeError(w, errors.NewStorageFailedError(id, lookupErr))
			return
		}
		if stored != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(stored)
			return
		}
	}
	writeError(w, err)
}

// resultBody renders a result with its error detail inlined
func resultBody(r scanner.Result) map[string]interface{} {
	body := map[string]interface{}{
		"sessionId":  r.SessionID,
		"kind":       r.Kind,
		"ticks":      r.Ticks,
		"startedAt":  r.StartedAt,
		"finishedAt": r.FinishedAt,
	}
	if r.Code != nil {
		body["code"] = r.Code
	}
	if r.Reading != nil {
		body["reading"] = r.Reading
	}
	if detail := r.ErrorDetail(); detail != nil {
		body["error"] = detail
	}
	return body
}

// statusFor maps error codes to HTTP statuses
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrorSessionNotFound:
		return http.StatusNotFound
	case errors.ErrorInvalidRegion, errors.ErrorInvalidRegionGeometry,
		errors.ErrorInvalidFrame, errors.ErrorInvalidOptions:
		return http.StatusBadRequest
	case errors.ErrorRecognitionUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{"message": err.Error()}
	if se, ok := err.(*errors.ScanError); ok {
		body = se.ToMap()
	}
	writeJSON(w, statusFor(err), map[string]interface{}{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func invalidQuery(param string, err error) error {
	return errors.NewInvalidOptionsError(fmt.Errorf("query parameter %s: %w", param, err))
}
