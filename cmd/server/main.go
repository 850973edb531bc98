package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/campuscore/rules/internal/config"
	"github.com/campuscore/rules/internal/logger"
	"github.com/campuscore/rules/rules"
)

type Server struct {
	db     *sql.DB
	engine *rules.Engine
	audit  *rules.AsyncSink
	router *chi.Mux
}

func NewServer(cfg *config.Config) (*Server, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	metrics := rules.NewMetrics(prometheus.DefaultRegisterer)
	sink := rules.NewAsyncSink(rules.NewPostgresAuditWriter(db), cfg.Audit.QueueSize, metrics.AuditDropped)

	ttl, err := cfg.CacheTTL()
	if err != nil {
		return nil, err
	}
	engineCfg := rules.DefaultEngineConfig().
		WithCacheTTL(ttl).
		WithDefaultFailMode(rules.FailMode(cfg.Engine.DefaultFailMode))
	for module, mode := range cfg.Engine.FailModes {
		engineCfg.WithFailMode(module, rules.FailMode(mode))
	}

	engine, err := rules.NewEngineWithConfig(rules.NewPostgresRuleStore(db), engineCfg, nil, sink, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	s := &Server{
		db:     db,
		engine: engine,
		audit:  sink,
	}
	s.setupRoutes()

	retention, err := cfg.MetricsRetention()
	if err != nil {
		return nil, err
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@hourly", func() { metrics.Prune(retention) }); err != nil {
		return nil, fmt.Errorf("failed to schedule metrics pruning: %w", err)
	}
	scheduler.Start()

	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Post("/api/v1/evaluate", s.handleEvaluate)
	r.Get("/api/v1/metrics", s.handleMetrics)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Post("/", s.handleCreateRule)
		r.Get("/", s.handleListRules)
		r.Post("/bulk", s.handleBulkUpdateRules)
		r.Get("/{ruleId}", s.handleGetRule)
		r.Put("/{ruleId}", s.handleUpdateRule)
		r.Patch("/{ruleId}/status", s.handleToggleRuleStatus)
	})

	r.Post("/api/v1/exceptions", s.handleCreateException)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"auditDropped":      s.audit.Dropped(),
		"loggedErrorsTotal": logger.TotalErrors.Load(),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result := s.engine.Evaluate(&rules.EvaluationContext{
		UserID:       req.UserID,
		Roles:        req.Roles,
		Permissions:  req.Permissions,
		Action:       req.Action,
		ModuleName:   req.ModuleName,
		ResourceData: req.ResourceData,
		Timestamp:    req.Timestamp,
	})

	status := http.StatusOK
	if result.Decision == rules.DecisionError {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, EvaluateResponse{
		Decision:         result.Decision,
		Message:          result.Message,
		TriggeredRules:   result.TriggeredRules,
		Modifications:    result.Modifications,
		RequiresApproval: result.RequiresApproval,
		Approvers:        result.Approvers,
		Duration:         result.Duration.String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "bad from timestamp", err)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "bad to timestamp", err)
			return
		}
		to = t
	}

	respondJSON(w, http.StatusOK, s.engine.GetMetrics(from, to))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.engine.CreateRule(&req.RuleInput, actorID(r))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to create rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	module := r.URL.Query().Get("module")
	if module == "" {
		respondError(w, http.StatusBadRequest, "module query parameter is required", nil)
		return
	}

	list, err := s.engine.GetRulesByModule(module)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.engine.GetRule(chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.engine.UpdateRule(chi.URLParam(r, "ruleId"), &req.RuleInput, actorID(r))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleToggleRuleStatus(w http.ResponseWriter, r *http.Request) {
	var req ToggleStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Active == nil {
		respondError(w, http.StatusBadRequest, "active is required", nil)
		return
	}

	if err := s.engine.ToggleRuleStatus(chi.URLParam(r, "ruleId"), *req.Active, actorID(r)); err != nil {
		respondError(w, http.StatusNotFound, "failed to toggle rule status", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBulkUpdateRules(w http.ResponseWriter, r *http.Request) {
	var req BulkUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Updates) == 0 {
		respondError(w, http.StatusBadRequest, "updates are required", nil)
		return
	}

	if err := s.engine.BulkUpdateRules(req.Updates, actorID(r)); err != nil {
		respondError(w, http.StatusBadRequest, "failed to bulk update rules", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateException(w http.ResponseWriter, r *http.Request) {
	var req CreateExceptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	exc := rules.RuleException{
		UserID:    req.UserID,
		RuleIDs:   req.RuleIDs,
		Reason:    req.Reason,
		StartsAt:  req.StartsAt,
		ExpiresAt: req.ExpiresAt,
	}
	if err := s.engine.CreateException(&exc, actorID(r)); err != nil {
		respondError(w, http.StatusBadRequest, "failed to create exception", err)
		return
	}
	respondJSON(w, http.StatusCreated, exc)
}

// actorID identifies the caller for lifecycle audit logs. Identity is issued
// upstream; the gateway forwards it in a header.
func actorID(r *http.Request) string {
	if id := r.Header.Get("X-Actor-Id"); id != "" {
		return id
	}
	return "unknown"
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Path to YAML config file")
	flag.Parse()

	logger.Setup()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	defer server.db.Close()
	defer server.audit.Close()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	timeout, _ := cfg.ShutdownTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
