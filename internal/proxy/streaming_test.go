package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/allaspectsdev/switchyard/internal/provider"
)

func sseBody(events ...string) io.ReadCloser {
	var sb strings.Builder
	for _, e := range events {
		sb.WriteString("data: " + e + "\n\n")
	}
	return io.NopCloser(strings.NewReader(sb.String()))
}

func streamResult(body io.ReadCloser) *provider.Result {
	return &provider.Result{Kind: provider.KindStream, StatusCode: http.StatusOK, Stream: body}
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestRelayStream_Anthropic(t *testing.T) {
	body := sseBody(
		`{"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":1}}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":" World"}}`,
		`{"type":"message_delta","usage":{"output_tokens":7}}`,
	)
	w := httptest.NewRecorder()

	sum, err := RelayStream(context.Background(), w, streamResult(body), 0)
	if err != nil {
		t.Fatalf("RelayStream: %v", err)
	}
	if sum.Events != 4 {
		t.Errorf("Events = %d, want 4", sum.Events)
	}
	if sum.Content != "Hello World" {
		t.Errorf("Content = %q, want %q", sum.Content, "Hello World")
	}
	if sum.Usage.TokensIn != 12 || sum.Usage.TokensOut != 7 {
		t.Errorf("Usage = %+v, want in=12 out=7", sum.Usage)
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	if !w.Flushed {
		t.Error("expected the recorder to be flushed")
	}
	if !strings.Contains(w.Body.String(), `data: {"type":"content_block_delta"`) {
		t.Errorf("events were not relayed: %q", w.Body.String())
	}
}

func TestRelayStream_OpenAI(t *testing.T) {
	body := sseBody(
		`{"choices":[{"delta":{"content":"Hi"}}]}`,
		`{"choices":[{"delta":{"content":" there"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		`[DONE]`,
	)
	w := httptest.NewRecorder()

	sum, err := RelayStream(context.Background(), w, streamResult(body), 0)
	if err != nil {
		t.Fatalf("RelayStream: %v", err)
	}
	if sum.Content != "Hi there" {
		t.Errorf("Content = %q", sum.Content)
	}
	if sum.Usage.TokensIn != 5 || sum.Usage.TokensOut != 2 {
		t.Errorf("Usage = %+v", sum.Usage)
	}
	if !strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n") {
		t.Errorf("terminator not relayed: %q", w.Body.String())
	}
}

func TestRelayStream_AccumulatorCap(t *testing.T) {
	chunk := `{"choices":[{"delta":{"content":"0123456789"}}]}`
	body := sseBody(chunk, chunk, chunk, chunk)
	w := httptest.NewRecorder()

	sum, err := RelayStream(context.Background(), w, streamResult(body), 15)
	if err != nil {
		t.Fatalf("RelayStream: %v", err)
	}
	if sum.Events != 4 {
		t.Errorf("every event must be relayed, got %d", sum.Events)
	}
	if len(sum.Content) != 20 {
		t.Errorf("accumulated %d bytes, want 20 (stops after crossing the cap)", len(sum.Content))
	}
}

func TestRelayStream_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tracker := &closeTracker{Reader: strings.NewReader("data: {}\n\n")}

	sum, err := RelayStream(ctx, httptest.NewRecorder(), streamResult(tracker), 0)
	if err == nil {
		t.Fatal("expected context error")
	}
	if sum.Events != 0 {
		t.Errorf("Events = %d, want 0", sum.Events)
	}
	if !tracker.closed {
		t.Error("upstream stream was not closed")
	}
}

func TestRelayStream_Empty(t *testing.T) {
	tracker := &closeTracker{Reader: strings.NewReader("")}
	sum, err := RelayStream(context.Background(), httptest.NewRecorder(), streamResult(tracker), 0)
	if err != nil {
		t.Fatalf("RelayStream: %v", err)
	}
	if sum.Events != 0 || sum.Content != "" {
		t.Errorf("summary = %+v, want empty", sum)
	}
	if !tracker.closed {
		t.Error("upstream stream was not closed")
	}
}

func TestExtractDelta(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"openai", `{"choices":[{"delta":{"content":"abc"}}]}`, "abc"},
		{"openai role only", `{"choices":[{"delta":{"role":"assistant"}}]}`, ""},
		{"anthropic text", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"xyz"}}`, "xyz"},
		{"anthropic tool json", `{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}`, ""},
		{"responses", `{"type":"response.output_text.delta","delta":"out"}`, "out"},
		{"message start", `{"type":"message_start","message":{}}`, ""},
		{"not json", `[DONE]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDelta(tt.data); got != tt.want {
				t.Errorf("extractDelta(%s) = %q, want %q", tt.data, got, tt.want)
			}
		})
	}
}

func TestSSEReader(t *testing.T) {
	in := ": keepalive\n\nevent: message_start\nid: 7\ndata: line1\ndata: line2\n\ndata:no-space\n\ndata: trailing"
	r := NewSSEReader(strings.NewReader(in))

	want := []SSEEvent{
		{Event: "message_start", ID: "7", Data: "line1\nline2"},
		{Data: "no-space"},
		{Data: "trailing"},
	}
	for i, w := range want {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if *got != w {
			t.Errorf("event %d = %+v, want %+v", i, *got, w)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("after last event: err = %v, want io.EOF", err)
	}
}

func TestSSEWriter_RoundTrip(t *testing.T) {
	w := httptest.NewRecorder()
	sw := NewSSEWriter(w)
	evt := &SSEEvent{Event: "delta", ID: "1", Data: "a\nb"}
	if err := sw.WriteEvent(evt); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := sw.WriteEvent(&SSEEvent{}); err != nil {
		t.Fatalf("WriteEvent(empty): %v", err)
	}

	want := "event: delta\nid: 1\ndata: a\ndata: b\n\n"
	if w.Body.String() != want {
		t.Fatalf("wire = %q, want %q", w.Body.String(), want)
	}
	got, err := NewSSEReader(strings.NewReader(w.Body.String())).Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if *got != *evt {
		t.Errorf("round trip = %+v, want %+v", *got, *evt)
	}
}
