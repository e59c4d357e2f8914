package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/provider"
	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// DefaultMaxResponseSize caps buffered upstream bodies.
const DefaultMaxResponseSize = 32 << 20

// errorBodyLimit caps the body read from a failed upstream response.
const errorBodyLimit = 8 << 10

// KeyResolver turns a provider key reference into a credential.
type KeyResolver interface {
	Resolve(keyRef string) (key, source string, err error)
	Forget(keyRef string)
}

// endpointPaths maps gateway endpoints to upstream paths.
var endpointPaths = map[string]string{
	provider.EndpointChatCompletions: "/v1/chat/completions",
	provider.EndpointMessages:        "/v1/messages",
	provider.EndpointResponses:       "/v1/responses",
	provider.EndpointEmbeddings:      "/v1/embeddings",
}

// NewTransport returns the pooled transport shared by upstream clients.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// HTTPExecutor calls one upstream provider over its HTTP API. It implements
// provider.Executor: failover statuses come back as *provider.UpstreamError,
// anything else as a Result.
type HTTPExecutor struct {
	id              string
	cfg             config.ProviderConfig
	keys            KeyResolver
	client          *http.Client
	streamClient    *http.Client
	maxResponseSize int64
	now             func() time.Time
}

var _ provider.Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor creates an executor for provider id. transport may be nil,
// in which case a pooled default is used.
func NewHTTPExecutor(id string, cfg config.ProviderConfig, keys KeyResolver, transport http.RoundTripper) *HTTPExecutor {
	if transport == nil {
		transport = NewTransport()
	}
	return &HTTPExecutor{
		id:   id,
		cfg:  cfg,
		keys: keys,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.TimeoutDuration(),
		},
		// Streams stay open for the whole generation; the caller's context
		// bounds them instead.
		streamClient:    &http.Client{Transport: transport},
		maxResponseSize: DefaultMaxResponseSize,
		now:             time.Now,
	}
}

// Execute forwards req to the provider.
func (e *HTTPExecutor) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	path, ok := endpointPaths[req.Endpoint]
	if !ok {
		return nil, fmt.Errorf("provider %s: unsupported endpoint %q", e.id, req.Endpoint)
	}
	url := strings.TrimRight(e.cfg.APIBase, "/") + path

	body, err := rewriteModel(req.Body, req.UpstreamModel)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", e.id, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for _, h := range forwardedHeaders {
		if v := req.Header.Get(h); v != "" {
			httpReq.Header.Set(h, v)
		}
	}
	for k, v := range e.cfg.Headers {
		if httpReq.Header.Get(k) == "" {
			httpReq.Header.Set(k, v)
		}
	}

	keySource := ""
	if e.cfg.KeyRef != "" && e.keys != nil {
		key, source, err := e.keys.Resolve(e.cfg.KeyRef)
		if err != nil {
			return nil, fmt.Errorf("provider %s: resolving key: %w", e.id, err)
		}
		keySource = source
		switch strings.ToLower(e.cfg.AuthHeader) {
		case "x-api-key":
			httpReq.Header.Set("x-api-key", key)
		default:
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}
	}

	ctx, span := tracing.StartUpstreamSpan(ctx, url, e.id)
	defer span.End()
	tracing.InjectHeaders(ctx, httpReq)

	client := e.client
	if req.Stream {
		client = e.streamClient
	}

	sent := e.now()
	resp, err := client.Do(httpReq.WithContext(ctx))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("provider %s: forwarding to %s: %w", e.id, url, err)
	}
	headersAt := e.now()
	latencyMs := msSince(sent, headersAt)

	if provider.ShouldFailover(resp.StatusCode) {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && e.keys != nil {
			e.keys.Forget(e.cfg.KeyRef)
		}
		return nil, &provider.UpstreamError{Provider: e.id, Status: resp.StatusCode, Body: string(msg)}
	}

	if req.Stream && resp.StatusCode/100 == 2 && isEventStream(resp.Header) {
		return &provider.Result{
			Kind:       provider.KindStream,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Stream:     resp.Body,
			LatencyMs:  latencyMs,
			KeySource:  keySource,
		}, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("provider %s: reading response: %w", e.id, err)
	}
	if int64(len(data)) > e.maxResponseSize {
		return nil, fmt.Errorf("provider %s: %w", e.id, errResponseTooLarge)
	}

	return &provider.Result{
		Kind:         provider.KindCompleted,
		StatusCode:   resp.StatusCode,
		Header:       resp.Header,
		Body:         data,
		Usage:        parseUsage(data),
		LatencyMs:    latencyMs,
		GenerationMs: msSince(headersAt, e.now()),
		KeySource:    keySource,
	}, nil
}

var errResponseTooLarge = errors.New("upstream response exceeds size limit")

// forwardedHeaders are client headers passed through to the provider.
var forwardedHeaders = []string{"anthropic-version", "anthropic-beta", "OpenAI-Organization", "OpenAI-Beta"}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

// rewriteModel replaces the "model" field when the provider names the model
// differently. Other fields are passed through untouched.
func rewriteModel(body []byte, model string) ([]byte, error) {
	if model == "" || len(body) == 0 {
		return body, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decoding request body: %w", err)
	}
	cur, _ := json.Marshal(model)
	if bytes.Equal(fields["model"], cur) {
		return body, nil
	}
	fields["model"] = cur
	return json.Marshal(fields)
}

// wireUsage covers both OpenAI-style and Anthropic-style usage objects.
type wireUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
}

func (u wireUsage) usage() provider.Usage {
	return provider.Usage{
		TokensIn:  max(u.PromptTokens, u.InputTokens),
		TokensOut: max(u.CompletionTokens, u.OutputTokens),
	}
}

// parseUsage reads the usage object of a JSON response, or its nested
// message.usage for Anthropic stream events.
func parseUsage(body []byte) provider.Usage {
	var env struct {
		Usage   *wireUsage `json:"usage"`
		Message *struct {
			Usage *wireUsage `json:"usage"`
		} `json:"message"`
		Response *struct {
			Usage *wireUsage `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return provider.Usage{}
	}
	switch {
	case env.Usage != nil:
		return env.Usage.usage()
	case env.Message != nil && env.Message.Usage != nil:
		return env.Message.Usage.usage()
	case env.Response != nil && env.Response.Usage != nil:
		return env.Response.Usage.usage()
	}
	return provider.Usage{}
}

func msSince(from, to time.Time) float64 {
	return float64(to.Sub(from).Microseconds()) / 1000
}
