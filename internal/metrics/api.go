package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/health"
	"github.com/allaspectsdev/switchyard/internal/provider"
	"github.com/allaspectsdev/switchyard/internal/store"
)

// HealthAdmin is the part of the health store the admin API reads and
// writes.
type HealthAdmin interface {
	ReadMany(ctx context.Context, endpoint, model string, providers []string) (map[string]health.ProviderHealth, error)
	Reset(ctx context.Context, endpoint, provider, model string) error
	SetOverrides(ctx context.Context, endpoint, provider, model string, o health.Overrides) error
}

// Pool lists the configured model pools.
type Pool interface {
	Models() []provider.ModelInfo
}

// AdminDeps wires the admin server to the rest of the gateway.
type AdminDeps struct {
	Collector      *Collector
	Store          *store.Store
	Health         HealthAdmin
	Pool           Pool
	MetricsHandler http.Handler
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// AdminServer serves the JSON admin API: live health snapshots, persisted
// breaker states, manual breaker control, the request log, and the
// Prometheus scrape endpoint.
type AdminServer struct {
	router    chi.Router
	collector *Collector
	store     *store.Store
	health    HealthAdmin
	pool      Pool
	validate  *validator.Validate
	addr      string
	server    *http.Server
	logger    zerolog.Logger
}

// NewAdminServer creates an AdminServer listening on addr.
func NewAdminServer(addr string, deps AdminDeps) *AdminServer {
	a := &AdminServer{
		collector: deps.Collector,
		store:     deps.Store,
		health:    deps.Health,
		pool:      deps.Pool,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		addr:      addr,
		logger:    deps.Logger.With().Str("component", "admin").Logger(),
	}

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/api/status", a.handleStatus)
	r.Get("/api/health", a.handleHealth)
	r.Get("/api/breakers", a.handleBreakers)
	r.Post("/api/breakers/reset", a.handleResetBreaker)
	r.Put("/api/overrides/{provider}", a.handleSetOverrides)
	r.Get("/api/requests", a.handleListRequests)
	r.Get("/api/requests/{id}", a.handleGetRequest)
	r.Get("/api/stats", a.handleStats)
	r.Get("/api/models", a.handleModels)

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	a.router = r
	return a
}

// Handler returns the admin router.
func (a *AdminServer) Handler() http.Handler {
	return a.router
}

// Start begins listening on the configured address. It blocks until the
// server is shut down or an error occurs.
func (a *AdminServer) Start() error {
	a.server = &http.Server{
		Addr:         a.addr,
		Handler:      a.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.logger.Info().Str("addr", a.addr).Msg("admin server starting")
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the admin server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// poolHealth is the live health of one model pool on one endpoint.
type poolHealth struct {
	Endpoint  string                  `json:"endpoint"`
	Model     string                  `json:"model"`
	Providers []health.ProviderHealth `json:"providers"`
}

// handleHealth returns live health snapshots. ?model= and ?endpoint= narrow
// the pools returned.
func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	wantModel := r.URL.Query().Get("model")
	wantEndpoint := r.URL.Query().Get("endpoint")

	out := []poolHealth{}
	for _, m := range a.pool.Models() {
		if wantModel != "" && m.Name != wantModel {
			continue
		}
		endpoints := m.Endpoints
		if len(endpoints) == 0 {
			endpoints = []string{provider.EndpointChatCompletions}
		}
		for _, ep := range endpoints {
			if wantEndpoint != "" && ep != wantEndpoint {
				continue
			}
			snap, err := a.health.ReadMany(r.Context(), ep, m.Name, m.Providers)
			if err != nil {
				a.logger.Error().Err(err).Str("model", m.Name).Str("endpoint", ep).Msg("failed to read health")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "health store error"})
				return
			}
			ph := poolHealth{Endpoint: ep, Model: m.Name, Providers: make([]health.ProviderHealth, 0, len(m.Providers))}
			for _, id := range m.Providers {
				ph.Providers = append(ph.Providers, snap[id])
			}
			out = append(out, ph)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleBreakers lists persisted breaker states. ?deranked=true limits the
// list to breakers that are not closed.
func (a *AdminServer) handleBreakers(w http.ResponseWriter, r *http.Request) {
	onlyDeranked, _ := strconv.ParseBool(r.URL.Query().Get("deranked"))
	states, err := a.store.ListBreakerStates(r.Context(), onlyDeranked)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list breaker states")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	if states == nil {
		states = []*store.BreakerState{}
	}
	writeJSON(w, http.StatusOK, states)
}

type breakerKey struct {
	Endpoint string `json:"endpoint" validate:"required"`
	Model    string `json:"model"    validate:"required"`
	Provider string `json:"provider" validate:"required"`
}

// handleResetBreaker force-closes one breaker.
func (a *AdminServer) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	var req breakerKey
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.health.Reset(r.Context(), req.Endpoint, req.Provider, req.Model); err != nil {
		a.logger.Error().Err(err).Str("provider", req.Provider).Str("model", req.Model).Msg("failed to reset breaker")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "health store error"})
		return
	}
	a.logger.Info().
		Str("endpoint", req.Endpoint).
		Str("model", req.Model).
		Str("provider", req.Provider).
		Msg("breaker reset by admin")
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

type overridesRequest struct {
	Endpoint string `json:"endpoint" validate:"required"`
	Model    string `json:"model"    validate:"required"`
	health.Overrides
}

// handleSetOverrides writes per-provider breaker tunables into the health
// store. Zero fields clear the stored value.
func (a *AdminServer) handleSetOverrides(w http.ResponseWriter, r *http.Request) {
	providerID := strings.ToLower(chi.URLParam(r, "provider"))
	var req overridesRequest
	if !a.decode(w, r, &req) {
		return
	}
	o := req.Overrides
	if o.ErrorRateOpenThreshold < 0 || o.ErrorRateOpenThreshold > 1 || o.BaseOpenSecs < 0 || o.MaxOpenSecs < 0 || o.LoadSoftCap < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "override out of range"})
		return
	}
	if o.BaseOpenSecs > 0 && o.MaxOpenSecs > 0 && o.MaxOpenSecs < o.BaseOpenSecs {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max_open_secs must be >= base_open_secs"})
		return
	}
	if err := a.health.SetOverrides(r.Context(), req.Endpoint, providerID, req.Model, o); err != nil {
		a.logger.Error().Err(err).Str("provider", providerID).Msg("failed to set overrides")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "health store error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": providerID, "overrides": o})
}

// handleListRequests returns a page of the request log.
func (a *AdminServer) handleListRequests(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := (page - 1) * limit

	requests, err := a.store.ListRequests(r.Context(), limit, offset)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list requests")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	if requests == nil {
		requests = []*store.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"page":     page,
		"limit":    limit,
	})
}

func (a *AdminServer) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := a.store.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
			return
		}
		a.logger.Error().Err(err).Str("id", id).Msg("failed to get request")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleStats returns the in-memory collector snapshot and per-provider
// aggregates from the request log. ?range= accepts "1d", "7d", or a Go
// duration (default 1d).
func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	rangeParam := r.URL.Query().Get("range")
	if rangeParam == "" {
		rangeParam = "1d"
	}
	since, err := parseDurationParam(rangeParam)
	if err != nil || since <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid range parameter"})
		return
	}

	providers, err := a.store.GetProviderStats(r.Context(), time.Now().Add(-since))
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to aggregate provider stats")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	if providers == nil {
		providers = []*store.ProviderStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"live":      a.collector.Stats(),
		"providers": providers,
		"range":     rangeParam,
	})
}

func (a *AdminServer) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.pool.Models())
}

// decode reads a JSON body into v and validates it, writing a 400 on
// failure.
func (a *AdminServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// queryInt reads an integer query parameter, falling back to defaultVal.
func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

// parseDurationParam converts a shorthand like "7d" or "24h" to a time.Duration.
func parseDurationParam(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
