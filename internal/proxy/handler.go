package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/gateway"
	"github.com/allaspectsdev/switchyard/internal/provider"
	"github.com/allaspectsdev/switchyard/internal/store"
)

// Request headers read by the gateway.
const (
	HeaderRequestID   = "X-Request-Id"
	HeaderTeamID      = "X-Team-Id"
	HeaderRoutingMode = "X-Routing-Mode"
	HeaderBetaChannel = "X-Beta-Channel"
)

// Response headers set by the gateway.
const (
	HeaderProvider = "X-Switchyard-Provider"
	HeaderAttempts = "X-Switchyard-Attempts"
	HeaderProbe    = "X-Switchyard-Probe"
)

// defaultTeamID is used when a request carries no team header.
const defaultTeamID = "anonymous"

// maxStreamAccumulator caps the text kept from a relayed stream for token
// estimation.
const maxStreamAccumulator = 1 << 20

// Executor runs a routed request through the failover loop.
type Executor interface {
	Execute(ctx context.Context, req gateway.Request) (*gateway.Outcome, error)
}

// ModelLister lists configured models.
type ModelLister interface {
	Models() []provider.ModelInfo
}

// Handler is the HTTP handler for the gateway endpoints. It parses the
// client request, hands it to the failover loop, relays the chosen
// provider's response, and records the request log.
type Handler struct {
	gw          Executor
	models      ModelLister
	store       *store.Store
	tokens      gateway.TokenCounter
	logger      zerolog.Logger
	maxBodySize int64
	now         func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithStore records every request in the request log.
func WithStore(st *store.Store) HandlerOption {
	return func(h *Handler) { h.store = st }
}

// WithTokenCounter estimates usage for streams that report none.
func WithTokenCounter(tc gateway.TokenCounter) HandlerOption {
	return func(h *Handler) { h.tokens = tc }
}

// WithMaxBodySize rejects request bodies larger than n bytes. Zero means
// unlimited.
func WithMaxBodySize(n int64) HandlerOption {
	return func(h *Handler) { h.maxBodySize = n }
}

// NewHandler creates a Handler.
func NewHandler(gw Executor, models ModelLister, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		gw:     gw,
		models: models,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// requestFields is the part of a client body the handler needs.
type requestFields struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// HandleEndpoint returns the handler for one gateway endpoint.
func (h *Handler) HandleEndpoint(endpoint string) http.HandlerFunc {
	capability := "text"
	if endpoint == provider.EndpointEmbeddings {
		capability = "embeddings"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		h.handle(w, r, endpoint, capability)
	}
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, endpoint, capability string) {
	start := h.now()
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, requestID)

	logger := h.logger.With().
		Str("request_id", requestID).
		Str("endpoint", endpoint).
		Logger()

	body, err := h.readBody(w, r)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds size limit", nil)
			return
		}
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "failed to read request body", nil)
		return
	}

	var fields requestFields
	if err := json.Unmarshal(body, &fields); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object", nil)
		return
	}
	if strings.TrimSpace(fields.Model) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "model is required", nil)
		return
	}

	teamID := r.Header.Get(HeaderTeamID)
	if teamID == "" {
		teamID = defaultTeamID
	}
	beta, _ := strconv.ParseBool(r.Header.Get(HeaderBetaChannel))

	req := gateway.Request{
		Endpoint:    endpoint,
		Model:       fields.Model,
		Capability:  capability,
		Body:        body,
		Header:      r.Header.Clone(),
		TeamID:      teamID,
		RequestID:   requestID,
		Mode:        strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderRoutingMode))),
		BetaChannel: beta,
		Stream:      fields.Stream,
	}
	logger = logger.With().Str("model", req.Model).Str("team_id", teamID).Logger()

	out, err := h.gw.Execute(r.Context(), req)
	if err != nil {
		h.writeFailure(w, r.Context(), req, err, start, logger)
		return
	}

	res := out.Result
	w.Header().Set(HeaderProvider, out.Provider)
	w.Header().Set(HeaderAttempts, strconv.Itoa(len(out.Attempts)))
	if out.Probe {
		w.Header().Set(HeaderProbe, "1")
	}

	usage := res.Usage
	if res.Kind == provider.KindStream {
		sum, err := RelayStream(r.Context(), w, res, maxStreamAccumulator)
		if err != nil {
			logger.Warn().Err(err).Int("events", sum.Events).Str("provider", out.Provider).Msg("stream relay ended early")
		}
		usage = sum.Usage
		if usage.TokensOut == 0 && sum.Content != "" && h.tokens != nil {
			usage.TokensOut = int64(h.tokens.CountTokens(out.BaseModel, sum.Content))
		}
		if usage.TokensIn == 0 && h.tokens != nil {
			usage.TokensIn = int64(gateway.CountInput(h.tokens, out.BaseModel, body))
		}
		out.FinishStream(err == nil, usage)
	} else {
		copyResponseHeaders(w.Header(), res.Header)
		w.WriteHeader(res.StatusCode)
		if _, err := w.Write(res.Body); err != nil {
			logger.Debug().Err(err).Msg("client write failed")
		}
	}

	logger.Info().
		Str("provider", out.Provider).
		Int("status", res.StatusCode).
		Int("attempts", len(out.Attempts)).
		Bool("probe", out.Probe).
		Bool("stream", res.Kind == provider.KindStream).
		Int64("tokens_in", usage.TokensIn).
		Int64("tokens_out", usage.TokensOut).
		Float64("latency_ms", out.Timing.LatencyMs).
		Msg("request completed")

	h.record(r.Context(), &store.Request{
		ID:           requestID,
		Timestamp:    start.UTC().Format(time.RFC3339),
		TeamID:       teamID,
		Endpoint:     endpoint,
		Model:        out.BaseModel,
		Provider:     out.Provider,
		StatusCode:   res.StatusCode,
		Attempts:     len(out.Attempts),
		LatencyMs:    int64(out.Timing.LatencyMs),
		GenerationMs: int64(out.Timing.GenerationMs),
		TokensIn:     usage.TokensIn,
		TokensOut:    usage.TokensOut,
	}, logger)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	rd := io.Reader(r.Body)
	if h.maxBodySize > 0 {
		rd = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}
	return io.ReadAll(rd)
}

func (h *Handler) writeFailure(w http.ResponseWriter, ctx context.Context, req gateway.Request, err error, start time.Time, logger zerolog.Logger) {
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		logger.Error().Err(err).Msg("gateway failed")
		writeAPIError(w, http.StatusBadGateway, "gateway_error", err.Error(), nil)
		return
	}

	ev := logger.Warn()
	if ge.Code == gateway.CodeUnsupported {
		ev = logger.Info()
	}
	ev.Str("code", string(ge.Code)).Int("attempts", ge.Details.AttemptCount).Msg("request failed")

	writeAPIError(w, ge.Status, string(ge.Code), ge.Error(), &ge.Details)

	last := ""
	if n := len(ge.Details.FailureSample); n > 0 {
		last = ge.Details.FailureSample[n-1].Provider
	}
	h.record(ctx, &store.Request{
		ID:         req.RequestID,
		Timestamp:  start.UTC().Format(time.RFC3339),
		TeamID:     req.TeamID,
		Endpoint:   req.Endpoint,
		Model:      req.Model,
		Provider:   last,
		StatusCode: ge.Status,
		Attempts:   ge.Details.AttemptCount,
		LatencyMs:  h.now().Sub(start).Milliseconds(),
		ErrorCode:  string(ge.Code),
	}, logger)
}

// record writes the request log entry. The write outlives the client.
func (h *Handler) record(ctx context.Context, rec *store.Request, logger zerolog.Logger) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.store.InsertRequest(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("failed to record request")
	}
}

// HandleModels lists the configured models in the OpenAI list format.
func (h *Handler) HandleModels(w http.ResponseWriter, _ *http.Request) {
	type model struct {
		ID        string   `json:"id"`
		Object    string   `json:"object"`
		OwnedBy   string   `json:"owned_by"`
		Endpoints []string `json:"endpoints,omitempty"`
		Providers []string `json:"providers"`
	}
	models := h.models.Models()
	data := make([]model, 0, len(models))
	for _, m := range models {
		data = append(data, model{
			ID:        m.Name,
			Object:    "model",
			OwnedBy:   "switchyard",
			Endpoints: m.Endpoints,
			Providers: m.Providers,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// HandleHealth returns a simple JSON liveness response.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports ready once at least one model is configured and the
// store answers.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if len(h.models.Models()) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "no models configured"})
		return
	}
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "store unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// apiError is the error envelope returned to clients.
type apiError struct {
	Type    string           `json:"type"`
	Message string           `json:"message"`
	Details *gateway.Details `json:"details,omitempty"`
}

// writeAPIError writes {"error": {...}} with the given status code.
func writeAPIError(w http.ResponseWriter, status int, typ, message string, details *gateway.Details) {
	writeJSON(w, status, map[string]apiError{"error": {Type: typ, Message: message, Details: details}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// hopHeaders are not copied from upstream responses.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Set-Cookie":        true,
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	if dst.Get("Content-Type") == "" {
		dst.Set("Content-Type", "application/json")
	}
}
