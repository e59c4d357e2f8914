package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/provider"
)

type stubKeys struct {
	key       string
	err       error
	forgotten []string
}

func (s *stubKeys) Resolve(ref string) (string, string, error) {
	if s.err != nil {
		return "", "", s.err
	}
	return s.key, "env", nil
}

func (s *stubKeys) Forget(ref string) { s.forgotten = append(s.forgotten, ref) }

func chatRequest(stream bool) provider.Request {
	return provider.Request{
		Endpoint:      provider.EndpointChatCompletions,
		Model:         "gpt-4o",
		UpstreamModel: "gpt-4o-2024-08-06",
		Body:          []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`),
		Header:        http.Header{"Openai-Beta": []string{"assistants=v2"}, "Cookie": []string{"secret"}},
		ProviderID:    "openai",
		Stream:        stream,
	}
}

func TestHTTPExecutor_Completed(t *testing.T) {
	var gotPath, gotAuth, gotBeta, gotCookie, gotCustom string
	var gotBody map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")
		gotCookie = r.Header.Get("Cookie")
		gotCustom = r.Header.Get("X-Org")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","usage":{"prompt_tokens":11,"completion_tokens":4}}`)
	}))
	defer upstream.Close()

	ex := NewHTTPExecutor("openai", config.ProviderConfig{
		APIBase: upstream.URL + "/",
		KeyRef:  "openai",
		Headers: map[string]string{"X-Org": "acme"},
	}, &stubKeys{key: "sk-test"}, nil)

	res, err := ex.Execute(context.Background(), chatRequest(false))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Kind != provider.KindCompleted || res.StatusCode != http.StatusOK {
		t.Fatalf("result = %+v", res)
	}
	if res.Usage.TokensIn != 11 || res.Usage.TokensOut != 4 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if res.KeySource != "env" {
		t.Errorf("KeySource = %q", res.KeySource)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBeta != "assistants=v2" {
		t.Errorf("OpenAI-Beta = %q", gotBeta)
	}
	if gotCookie != "" {
		t.Errorf("client cookie leaked upstream: %q", gotCookie)
	}
	if gotCustom != "acme" {
		t.Errorf("configured header = %q", gotCustom)
	}
	if gotBody["model"] != "gpt-4o-2024-08-06" {
		t.Errorf("upstream model = %v", gotBody["model"])
	}
	if _, ok := gotBody["messages"]; !ok {
		t.Error("messages dropped from body")
	}
}

func TestHTTPExecutor_APIKeyHeader(t *testing.T) {
	var gotKey, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"usage":{"input_tokens":3,"output_tokens":9}}`)
	}))
	defer upstream.Close()

	ex := NewHTTPExecutor("anthropic", config.ProviderConfig{APIBase: upstream.URL, KeyRef: "anthropic", AuthHeader: "x-api-key"}, &stubKeys{key: "ak"}, nil)
	req := chatRequest(false)
	req.Endpoint = provider.EndpointMessages
	res, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotKey != "ak" || gotAuth != "" {
		t.Errorf("x-api-key = %q, Authorization = %q", gotKey, gotAuth)
	}
	if res.Usage.TokensIn != 3 || res.Usage.TokensOut != 9 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestHTTPExecutor_FailoverStatuses(t *testing.T) {
	tests := []struct {
		status int
		forget bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":"nope"}`)
			}))
			defer upstream.Close()

			keys := &stubKeys{key: "k"}
			ex := NewHTTPExecutor("p", config.ProviderConfig{APIBase: upstream.URL, KeyRef: "p"}, keys, nil)
			_, err := ex.Execute(context.Background(), chatRequest(false))

			var ue *provider.UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("err = %v, want *provider.UpstreamError", err)
			}
			if ue.Status != tt.status || !strings.Contains(ue.Body, "nope") {
				t.Errorf("UpstreamError = %+v", ue)
			}
			if forgot := len(keys.forgotten) > 0; forgot != tt.forget {
				t.Errorf("key forgotten = %v, want %v", forgot, tt.forget)
			}
		})
	}
}

func TestHTTPExecutor_ClientErrorIsResult(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"bad"}`)
	}))
	defer upstream.Close()

	ex := NewHTTPExecutor("p", config.ProviderConfig{APIBase: upstream.URL}, nil, nil)
	res, err := ex.Execute(context.Background(), chatRequest(false))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.StatusCode != http.StatusBadRequest || res.OK() {
		t.Errorf("status = %d", res.StatusCode)
	}
}

func TestHTTPExecutor_Stream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer upstream.Close()

	ex := NewHTTPExecutor("p", config.ProviderConfig{APIBase: upstream.URL}, nil, nil)
	res, err := ex.Execute(context.Background(), chatRequest(true))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Kind != provider.KindStream || res.Stream == nil {
		t.Fatalf("result = %+v, want a stream", res)
	}
	defer res.Stream.Close()
	data, _ := io.ReadAll(res.Stream)
	if !strings.Contains(string(data), "[DONE]") {
		t.Errorf("stream body = %q", data)
	}
}

func TestHTTPExecutor_Errors(t *testing.T) {
	t.Run("unsupported endpoint", func(t *testing.T) {
		ex := NewHTTPExecutor("p", config.ProviderConfig{APIBase: "http://127.0.0.1:1"}, nil, nil)
		req := chatRequest(false)
		req.Endpoint = "images"
		if _, err := ex.Execute(context.Background(), req); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("key resolution", func(t *testing.T) {
		ex := NewHTTPExecutor("p", config.ProviderConfig{APIBase: "http://127.0.0.1:1", KeyRef: "p"}, &stubKeys{err: errors.New("missing")}, nil)
		if _, err := ex.Execute(context.Background(), chatRequest(false)); err == nil || !strings.Contains(err.Error(), "resolving key") {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("response too large", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, strings.Repeat("x", 64))
		}))
		defer upstream.Close()
		ex := NewHTTPExecutor("p", config.ProviderConfig{APIBase: upstream.URL}, nil, nil)
		ex.maxResponseSize = 16
		if _, err := ex.Execute(context.Background(), chatRequest(false)); !errors.Is(err, errResponseTooLarge) {
			t.Fatalf("err = %v, want errResponseTooLarge", err)
		}
	})
}

func TestParseUsage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		in, out int64
	}{
		{"openai", `{"usage":{"prompt_tokens":1,"completion_tokens":2}}`, 1, 2},
		{"anthropic", `{"usage":{"input_tokens":3,"output_tokens":4}}`, 3, 4},
		{"message start", `{"type":"message_start","message":{"usage":{"input_tokens":5}}}`, 5, 0},
		{"responses completed", `{"type":"response.completed","response":{"usage":{"input_tokens":6,"output_tokens":7}}}`, 6, 7},
		{"none", `{"id":"x"}`, 0, 0},
		{"invalid", `nope`, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := parseUsage([]byte(tt.body))
			if u.TokensIn != tt.in || u.TokensOut != tt.out {
				t.Errorf("parseUsage = %+v, want in=%d out=%d", u, tt.in, tt.out)
			}
		})
	}
}

func TestRewriteModel(t *testing.T) {
	body := []byte(`{"model":"a","n":1}`)
	same, err := rewriteModel(body, "a")
	if err != nil || string(same) != string(body) {
		t.Errorf("unchanged model rewrote body: %s, %v", same, err)
	}
	out, err := rewriteModel(body, "b")
	if err != nil {
		t.Fatalf("rewriteModel: %v", err)
	}
	var m map[string]any
	_ = json.Unmarshal(out, &m)
	if m["model"] != "b" || m["n"] != float64(1) {
		t.Errorf("rewritten = %s", out)
	}
	if _, err := rewriteModel([]byte(`[1]`), "b"); err == nil {
		t.Error("expected error for non-object body")
	}
}
