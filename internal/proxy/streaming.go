package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/allaspectsdev/switchyard/internal/provider"
)

// StreamSummary is what RelayStream learned from the events it forwarded.
type StreamSummary struct {
	Events int
	// Usage is the largest usage reported by any event. Providers report
	// input and output counts in different events.
	Usage provider.Usage
	// Content is the accumulated text deltas, capped at the accumulator size.
	Content string
}

// RelayStream forwards SSE events from an upstream stream result to the
// client, flushing after each event, while accumulating text deltas and
// usage. The upstream stream is always closed. maxAccumulatorSize caps the
// accumulated text (0 means unlimited); events are forwarded regardless.
func RelayStream(ctx context.Context, w http.ResponseWriter, res *provider.Result, maxAccumulatorSize int64) (StreamSummary, error) {
	defer res.Stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(res.StatusCode)

	reader := NewSSEReader(res.Stream)
	writer := NewSSEWriter(w)
	writer.Flush()

	var sum StreamSummary
	var content strings.Builder
	capped := false
	finish := func(err error) (StreamSummary, error) {
		sum.Content = content.String()
		return sum, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		evt, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return finish(nil)
			}
			return finish(err)
		}

		if err := writer.WriteEvent(evt); err != nil {
			return finish(err)
		}
		sum.Events++

		if evt.Data == "" || evt.Data == "[DONE]" {
			continue
		}
		if u := parseUsage([]byte(evt.Data)); u.TokensIn > 0 || u.TokensOut > 0 {
			sum.Usage.TokensIn = max(sum.Usage.TokensIn, u.TokensIn)
			sum.Usage.TokensOut = max(sum.Usage.TokensOut, u.TokensOut)
		}
		if delta := extractDelta(evt.Data); delta != "" && !capped {
			content.WriteString(delta)
			if maxAccumulatorSize > 0 && int64(content.Len()) > maxAccumulatorSize {
				capped = true
			}
		}
	}
}

// streamChunk covers the text-carrying fields of OpenAI chat chunks,
// Anthropic message events, and Responses API events.
type streamChunk struct {
	Type    string          `json:"type"`
	Delta   json.RawMessage `json:"delta"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// extractDelta returns the text carried by one stream event, if any.
func extractDelta(data string) string {
	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return ""
	}

	if len(chunk.Choices) > 0 {
		return chunk.Choices[0].Delta.Content
	}

	switch chunk.Type {
	case "content_block_delta":
		var d struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(chunk.Delta, &d) == nil && d.Type == "text_delta" {
			return d.Text
		}
	case "response.output_text.delta":
		var s string
		if json.Unmarshal(chunk.Delta, &s) == nil {
			return s
		}
	}
	return ""
}
