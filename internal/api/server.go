package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tumpillipavan/reachinbox/internal/cache"
	"github.com/tumpillipavan/reachinbox/internal/dispatch"
	"github.com/tumpillipavan/reachinbox/internal/metrics"
	"github.com/tumpillipavan/reachinbox/internal/queue"
	"github.com/tumpillipavan/reachinbox/internal/store"
)

// Config represents API server configuration
type Config struct {
	ListenAddr string
	Metrics    bool
}

// Server exposes the scheduling and inspection endpoints over HTTP
type Server struct {
	config     Config
	store      store.Store
	cache      cache.Cache
	queue      *queue.DelayQueue
	scheduler  *dispatch.Scheduler
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new API server
func NewServer(config Config, st store.Store, q *queue.DelayQueue, scheduler *dispatch.Scheduler) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	return &Server{
		config:    config,
		store:     st,
		queue:     q,
		scheduler: scheduler,
		logger:    slog.Default().With("component", "api"),
	}
}

// UseCache registers the counter cache for health reporting
func (s *Server) UseCache(c cache.Cache) {
	s.cache = c
}

// Router builds the HTTP routing table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/schedule", s.handleSchedule).Methods("POST")
	api.HandleFunc("/messages", s.handleListMessages).Methods("GET")
	api.HandleFunc("/messages/{id}", s.handleGetMessage).Methods("GET")
	api.HandleFunc("/messages/{id}", s.handleCancelMessage).Methods("DELETE")
	api.HandleFunc("/accounts", s.handleCreateAccount).Methods("POST")
	api.HandleFunc("/accounts/{id}/limit", s.handleUpdateLimit).Methods("PUT")
	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.config.Metrics {
		r.Handle("/metrics", metrics.Handler()).Methods("GET")
	}
	return r
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("API server starting", "addr", s.config.ListenAddr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("API server stopping")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// scheduleRequest is the wire form of a batch scheduling request
type scheduleRequest struct {
	AccountID   string   `json:"account_id"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Recipients  []string `json:"recipients"`
	StartAt     string   `json:"start_at,omitempty"` // RFC 3339, empty means now
	HourlyLimit int      `json:"hourly_limit,omitempty"`
}

type scheduleResponse struct {
	Scheduled int                `json:"scheduled"`
	DueAt     time.Time          `json:"due_at"`
	Records   []store.SendRecord `json:"records"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.AccountID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("account_id is required"))
		return
	}

	var startAt time.Time
	if req.StartAt != "" {
		var err error
		startAt, err = time.Parse(time.RFC3339, req.StartAt)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start_at: %w", err))
			return
		}
	}

	created, err := s.scheduler.ScheduleBatch(r.Context(), dispatch.BatchRequest{
		AccountID:   req.AccountID,
		Subject:     req.Subject,
		Body:        req.Body,
		Recipients:  req.Recipients,
		StartAt:     startAt,
		HourlyLimit: req.HourlyLimit,
	})
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNoRecipients):
			s.writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, dispatch.ErrUnknownAccount):
			s.writeError(w, http.StatusNotFound, err)
		default:
			s.logger.Error("batch scheduling failed", "account_id", req.AccountID, "error", err)
			s.writeError(w, http.StatusInternalServerError, fmt.Errorf("scheduling failed"))
		}
		return
	}

	resp := scheduleResponse{Scheduled: len(created), Records: created}
	if len(created) > 0 {
		resp.DueAt = created[0].DueAt
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("account"))
	if accountID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("account query parameter is required"))
		return
	}

	records, err := s.store.ListSendRecords(r.Context(), accountID)
	if err != nil {
		s.logger.Error("listing messages failed", "account_id", accountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("listing failed"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"count":      len(records),
		"messages":   records,
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.GetSendRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("message not found"))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("lookup failed"))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.scheduler.Cancel(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("message not found"))
		return
	}
	if err != nil {
		s.logger.Error("cancel failed", "record_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("cancel failed"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAccountRequest struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	HourlyLimit int    `json:"hourly_limit"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.ID == "" || req.Email == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("id and email are required"))
		return
	}
	if req.HourlyLimit < 1 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("hourly_limit must be a positive integer"))
		return
	}

	account := store.Account{ID: req.ID, Email: req.Email, HourlyLimit: req.HourlyLimit}
	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		s.logger.Error("account creation failed", "account_id", req.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("account creation failed"))
		return
	}
	s.writeJSON(w, http.StatusCreated, account)
}

type updateLimitRequest struct {
	HourlyLimit int `json:"hourly_limit"`
}

func (s *Server) handleUpdateLimit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req updateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.HourlyLimit < 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("hourly_limit must not be negative"))
		return
	}

	err := s.store.UpdateHourlyLimit(r.Context(), id, req.HourlyLimit)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("account not found"))
		return
	}
	if errors.Is(err, store.ErrInvalidInput) {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		s.logger.Error("limit update failed", "account_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("limit update failed"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":   id,
		"hourly_limit": req.HourlyLimit,
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.Stats()
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("status counts failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("stats failed"))
		return
	}

	resp := map[string]interface{}{
		"pending":   stats.Pending,
		"in_flight": stats.InFlight,
		"statuses":  counts,
	}
	if !stats.NextDue.IsZero() {
		resp["next_due"] = stats.NextDue
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.store.IsConnected() || (s.cache != nil && !s.cache.IsConnected()) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
