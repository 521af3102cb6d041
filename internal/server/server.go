package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/copyleftdev/smbo/internal/config"
	apperrors "github.com/copyleftdev/smbo/internal/errors"
	"github.com/copyleftdev/smbo/internal/logging"
	"github.com/copyleftdev/smbo/internal/metrics"
	"github.com/copyleftdev/smbo/internal/objectives"
	"github.com/copyleftdev/smbo/internal/optimization"
	"github.com/copyleftdev/smbo/internal/optimization/bayesian"
	"github.com/copyleftdev/smbo/internal/store"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

var (
	errNotFound      = errors.New("optimization not found")
	errInvalidParams = errors.New("invalid parameters")
	errRateLimited   = errors.New("too many optimization requests")
	errTooManyRuns   = errors.New("concurrent run limit reached")
	errTerminal      = errors.New("optimization already finished")
)

func terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// OptimizationState represents the state of an optimization job.
// It tracks the progress, status, and results of an optimization process.
// Fields are guarded by Server.optimizationsMu.
type OptimizationState struct {
	ID          string
	Objective   string
	Status      string
	NCalls      int
	StartTime   time.Time
	EndTime     *time.Time
	Progress    float64
	Result      *optimization.OptimizationResult
	Err         string
	ErrOp       string
	ErrComp     string
	Optimizer   optimization.Optimizer
	CancelFunc  context.CancelFunc
	LastUpdated time.Time

	hub   *Hub
	trace *store.TraceWriter
}

// StartRequest selects a registered objective and overrides optimizer
// defaults. Zero fields keep the server's configured defaults, except Xi,
// which overrides whenever it is present.
type StartRequest struct {
	Objective             string   `json:"objective"`
	NCalls                int      `json:"n_calls,omitempty"`
	NInitialPoints        int      `json:"n_initial_points,omitempty"`
	InitialPointGenerator string   `json:"initial_point_generator,omitempty"`
	Acquisition           string   `json:"acquisition,omitempty"`
	AcqOptimizer          string   `json:"acq_optimizer,omitempty"`
	Xi                    *float64 `json:"xi,omitempty"`
	Kappa                 float64  `json:"kappa,omitempty"`
	Seed                  int64    `json:"seed,omitempty"`
	// DelayMS slows every evaluation down, to emulate a costly objective.
	DelayMS int `json:"delay_ms,omitempty"`
}

// StartResponse is returned when a run is accepted.
type StartResponse struct {
	ID     string `json:"optimization_id"`
	Status string `json:"status"`
}

// HistoryEntry is one observation in a status response.
type HistoryEntry struct {
	Iteration int                 `json:"iteration"`
	Phase     optimization.State  `json:"phase"`
	Params    optimization.Params `json:"parameters"`
	Value     float64             `json:"value"`
}

// StatusResponse describes a run.
type StatusResponse struct {
	ID          string              `json:"optimization_id"`
	Objective   string              `json:"objective"`
	Status      string              `json:"status"`
	Progress    float64             `json:"progress"`
	StartTime   time.Time           `json:"start_time"`
	EndTime     *time.Time          `json:"end_time,omitempty"`
	LastUpdated time.Time           `json:"last_update"`
	BestValue   *float64            `json:"best_value,omitempty"`
	BestParams  optimization.Params `json:"best_parameters,omitempty"`
	Iterations  int                 `json:"iterations"`
	Failures    int                 `json:"failures"`
	Error       string              `json:"error,omitempty"`

	// ErrorOperation and ErrorComponent locate a failure inside the engine
	ErrorOperation string `json:"error_operation,omitempty"`
	ErrorComponent string `json:"error_component,omitempty"`

	History []HistoryEntry `json:"history,omitempty"`
}

// Server implements the HTTP and JSON-RPC server for the optimization service.
// It manages optimization jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg        *config.Config
	logger     Logger
	zlog       *zap.Logger
	objectives *objectives.Registry
	metrics    *metrics.Metrics
	limiter    *rate.Limiter
	slots      chan struct{}

	// Optimization state management
	optimizations   map[string]*OptimizationState
	optimizationsMu sync.RWMutex // Protects the optimizations map and states
	wg              sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithObjectives replaces the built-in objective registry.
func WithObjectives(r *objectives.Registry) Option {
	return func(s *Server) { s.objectives = r }
}

// WithMetrics records run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new server instance with the given config and logger
// The logger parameter accepts any type that implements the Logger interface
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	limit := rate.Limit(cfg.RateLimit.RPS)
	burst := cfg.RateLimit.Burst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns < 1 {
		maxRuns = 1
	}

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		zlog:          logging.NewZapLogger(logger.WithFields(map[string]interface{}{"component": "optimizer"})),
		objectives:    objectives.NewRegistry(),
		limiter:       rate.NewLimiter(limit, burst),
		slots:         make(chan struct{}, maxRuns),
		optimizations: make(map[string]*OptimizationState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Get("/optimizations", s.handleList)
		r.Delete("/optimization/{id}", s.handleCancel)
		r.Get("/optimization/{id}/stream", s.handleStream)
		r.Get("/objectives", s.handleObjectives)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// startOptimization validates req, registers a run and starts it in the
// background.
func (s *Server) startOptimization(req StartRequest) (*StartResponse, error) {
	if !s.limiter.Allow() {
		return nil, errRateLimited
	}

	objective, err := s.objectives.Get(req.Objective)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	space, err := objective.Space()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}

	cfg := s.runConfig(req)
	cfg.Space = space
	cfg.Objective = objectives.Delayed(objective.Func, time.Duration(req.DelayMS)*time.Millisecond)

	select {
	case s.slots <- struct{}{}:
	default:
		return nil, errTooManyRuns
	}

	id := uuid.New().String()
	now := time.Now()
	state := &OptimizationState{
		ID:          id,
		Objective:   objective.Name,
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
		hub:         newHub(s.zlog.With(zap.String("run_id", id))),
	}

	sinks := optimization.MultiSink{
		optimization.ProgressFunc(func(u optimization.ProgressUpdate) { s.onProgress(state, u) }),
		state.hub,
	}
	if dir := s.cfg.Store.TraceDir; dir != "" {
		tw, err := store.NewTraceWriter(dir, id, false, store.WithTraceLogger(s.zlog))
		if err != nil {
			s.logger.Warn("Trace disabled for run", map[string]interface{}{
				"optimization_id": id,
				"error":           err.Error(),
			})
		} else {
			state.trace = tw
			sinks = append(sinks, tw)
		}
	}
	cfg.Progress = sinks

	optimizer, err := bayesian.NewBayesianOptimizer(cfg,
		bayesian.WithLogger(s.zlog.With(zap.String("run_id", id))),
		bayesian.WithMetrics(s.metrics),
		bayesian.WithRunID(id),
	)
	if err != nil {
		<-s.slots
		state.hub.finish(streamMessage{Type: "done"})
		if state.trace != nil {
			state.trace.Close()
			store.DeleteTrace(s.cfg.Store.TraceDir, id)
		}
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	state.Optimizer = optimizer
	state.NCalls = cfg.WithDefaults().NCalls

	// Create a cancellable context
	ctx, cancel := context.WithCancel(context.Background())
	state.CancelFunc = cancel

	s.optimizationsMu.Lock()
	s.optimizations[id] = state
	s.optimizationsMu.Unlock()

	s.logger.Info("Optimization started", map[string]interface{}{
		"optimization_id": id,
		"objective":       objective.Name,
		"n_calls":         state.NCalls,
	})

	s.wg.Add(1)
	go s.runOptimization(ctx, state)

	return &StartResponse{ID: id, Status: StatusPending}, nil
}

func (s *Server) runConfig(req StartRequest) optimization.OptimizerConfig {
	cfg := s.cfg.OptimizerDefaults()
	if req.NCalls > 0 {
		cfg.NCalls = req.NCalls
		if req.NInitialPoints == 0 && cfg.NInitialPoints > cfg.NCalls {
			cfg.NInitialPoints = cfg.NCalls
		}
	}
	if req.NInitialPoints > 0 {
		cfg.NInitialPoints = req.NInitialPoints
	}
	if req.InitialPointGenerator != "" {
		cfg.InitialPointGenerator = req.InitialPointGenerator
	}
	if req.Acquisition != "" {
		cfg.Acquisition = req.Acquisition
	}
	if req.AcqOptimizer != "" {
		cfg.AcqOptimizer = req.AcqOptimizer
	}
	if req.Xi != nil {
		cfg.Xi = *req.Xi
	}
	if req.Kappa > 0 {
		cfg.Kappa = req.Kappa
	}
	cfg.RandomSeed = req.Seed
	return cfg
}

func (s *Server) onProgress(state *OptimizationState, u optimization.ProgressUpdate) {
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	if state.NCalls > 0 {
		state.Progress = float64(u.Iteration+1) / float64(state.NCalls)
	}
	state.LastUpdated = time.Now()
}

// runOptimization executes the optimization process in a goroutine
func (s *Server) runOptimization(ctx context.Context, state *OptimizationState) {
	defer s.wg.Done()
	defer func() { <-s.slots }()

	s.optimizationsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
	}
	s.optimizationsMu.Unlock()

	var result *optimization.OptimizationResult
	err := apperrors.Safely(func() error {
		var runErr error
		result, runErr = state.Optimizer.Optimize(ctx)
		return runErr
	})

	if state.trace != nil {
		if cerr := state.trace.Close(); cerr != nil {
			s.logger.Warn("Failed to close trace", map[string]interface{}{
				"optimization_id": state.ID,
				"error":           cerr.Error(),
			})
		}
	}

	s.optimizationsMu.Lock()
	state.Result = result
	switch {
	case errors.Is(err, optimization.ErrCancelled):
		state.Status = StatusCancelled
	case err != nil:
		state.Status = StatusFailed
		state.Err = err.Error()
		state.ErrOp, state.ErrComp = failureContext(err)
	case state.Status != StatusCancelled:
		state.Status = StatusCompleted
		state.Progress = 1
	}
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	status := s.statusLocked(state, false)
	s.optimizationsMu.Unlock()

	if err != nil && !errors.Is(err, optimization.ErrCancelled) {
		op, component := failureContext(err)
		s.logger.Error("Optimization failed", map[string]interface{}{
			"optimization_id": state.ID,
			"error":           err.Error(),
			"operation":       op,
			"component":       component,
		})
	} else {
		s.logger.Info("Optimization finished", map[string]interface{}{
			"optimization_id": state.ID,
			"status":          status.Status,
		})
	}

	state.hub.finish(streamMessage{Type: "done", Status: status})
}

// optimizationStatus returns the status of a run, with its history.
func (s *Server) optimizationStatus(id string) (*StatusResponse, error) {
	s.optimizationsMu.RLock()
	defer s.optimizationsMu.RUnlock()

	state, exists := s.optimizations[id]
	if !exists {
		return nil, errNotFound
	}
	return s.statusLocked(state, true), nil
}

// failureContext returns where an engine error was raised. Errors from
// outside the engine, such as recovered panics, have no context.
func failureContext(err error) (op, component string) {
	if optErr, ok := optimization.IsOptimizationError(err); ok {
		return optErr.Op, optErr.Component
	}
	return "", ""
}

func (s *Server) statusLocked(state *OptimizationState, withHistory bool) *StatusResponse {
	resp := &StatusResponse{
		ID:          state.ID,
		Objective:   state.Objective,
		Status:      state.Status,
		Progress:    state.Progress,
		StartTime:   state.StartTime,
		EndTime:     state.EndTime,
		LastUpdated: state.LastUpdated,
		Error:       state.Err,

		ErrorOperation: state.ErrOp,
		ErrorComponent: state.ErrComp,
	}

	var history []optimization.Observation
	if state.Result != nil {
		history = state.Result.Trace
		resp.Iterations = state.Result.Iterations
		resp.Failures = len(state.Result.Failures)
	} else if state.Optimizer != nil {
		history = state.Optimizer.GetHistory()
	}
	if state.Optimizer != nil {
		if best, ok := state.Optimizer.GetBestSolution(); ok {
			v := best.Value
			resp.BestValue = &v
			resp.BestParams = best.Params
		}
	}
	if withHistory {
		resp.History = make([]HistoryEntry, len(history))
		for i, obs := range history {
			resp.History[i] = HistoryEntry{
				Iteration: obs.Index,
				Phase:     obs.Phase,
				Params:    obs.Params,
				Value:     obs.Value,
			}
		}
	}
	return resp
}

// listOptimizations summarizes every known run, without history.
func (s *Server) listOptimizations() []*StatusResponse {
	s.optimizationsMu.RLock()
	defer s.optimizationsMu.RUnlock()

	out := make([]*StatusResponse, 0, len(s.optimizations))
	for _, state := range s.optimizations {
		out = append(out, s.statusLocked(state, false))
	}
	sortByStart(out)
	return out
}

// cancelOptimization cancels a pending or running job.
func (s *Server) cancelOptimization(id string) error {
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	state, exists := s.optimizations[id]
	if !exists {
		return errNotFound
	}
	if terminal(state.Status) {
		return fmt.Errorf("%w: status %s", errTerminal, state.Status)
	}

	if state.CancelFunc != nil {
		state.CancelFunc()
	}
	state.Status = StatusCancelled
	state.LastUpdated = time.Now()

	s.logger.Info("Optimization cancelled", map[string]interface{}{
		"optimization_id": id,
	})
	return nil
}

// Close cancels all runs and waits for them to stop.
func (s *Server) Close() error {
	s.optimizationsMu.Lock()
	for _, opt := range s.optimizations {
		if opt.CancelFunc != nil {
			opt.CancelFunc()
		}
	}
	s.optimizationsMu.Unlock()

	s.wg.Wait()
	return nil
}

// httpStatus maps a server error to an HTTP status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, errInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errTooManyRuns):
		return http.StatusServiceUnavailable
	case errors.Is(err, errTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]interface{}{
		"error": err.Error(),
	})
}

// handleOptimize handles POST /api/v1/optimize
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %v", errInvalidParams, err))
		return
	}

	resp, err := s.startOptimization(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// handleStatus handles GET /api/v1/status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.optimizationStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleList handles GET /api/v1/optimizations
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"optimizations": s.listOptimizations(),
	})
}

// handleCancel handles DELETE /api/v1/optimization/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelOptimization(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

// handleObjectives handles GET /api/v1/objectives
func (s *Server) handleObjectives(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"objectives": s.objectives.List(),
	})
}

func sortByStart(runs []*StatusResponse) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].StartTime.Before(runs[j].StartTime)
	})
}
