// Package tokenizer estimates token counts with tiktoken for providers that
// report no usage.
package tokenizer

import (
	"encoding/json"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	EncodingCL100K = "cl100k_base"
	EncodingO200K  = "o200k_base"
)

// Per-message framing of the chat format, and the reply primer.
const (
	messageOverhead = 4
	replyPriming    = 3
)

// encodingPrefixes is matched in order, so longer prefixes come first.
var encodingPrefixes = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", EncodingO200K},
	{"gpt-4.1", EncodingO200K},
	{"gpt-5", EncodingO200K},
	{"o1", EncodingO200K},
	{"o3", EncodingO200K},
	{"o4", EncodingO200K},
	{"gpt-4", EncodingCL100K},
	{"gpt-3.5", EncodingCL100K},
	{"text-embedding", EncodingCL100K},
	{"claude", EncodingCL100K},
}

// Tokenizer counts tokens. Encodings load once, on first use.
type Tokenizer struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

// New creates a Tokenizer.
func New() *Tokenizer {
	return &Tokenizer{encs: make(map[string]*tiktoken.Tiktoken)}
}

// Encoding names the encoding used for model. Unknown models use
// cl100k_base.
func Encoding(model string) string {
	lower := strings.ToLower(model)
	if i := strings.LastIndexByte(lower, '/'); i >= 0 {
		lower = lower[i+1:]
	}
	for _, p := range encodingPrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return p.encoding
		}
	}
	return EncodingCL100K
}

func (t *Tokenizer) encoder(model string) *tiktoken.Tiktoken {
	name := Encoding(model)
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encs[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		// Cache the miss; a missing encoding will not appear later.
		t.encs[name] = nil
		return nil
	}
	t.encs[name] = enc
	return enc
}

// CountTokens counts tokens in text. It returns 0 when the encoding cannot
// be loaded.
func (t *Tokenizer) CountTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := t.encoder(model)
	if enc == nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// requestBody is the token-bearing part of the request shapes the gateway
// serves: chat completions and messages (messages, system), responses
// (input, instructions), and embeddings (input).
type requestBody struct {
	System       json.RawMessage `json:"system"`
	Instructions string          `json:"instructions"`
	Messages     []struct {
		Role    string          `json:"role"`
		Name    string          `json:"name"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Input json.RawMessage `json:"input"`
}

// CountRequest estimates the prompt tokens of a JSON request body. Bodies
// it cannot parse are counted as plain text.
func (t *Tokenizer) CountRequest(model string, body []byte) int {
	var req requestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return t.CountTokens(model, string(body))
	}

	total := t.CountTokens(model, text(req.System)) + t.CountTokens(model, req.Instructions)
	for _, m := range req.Messages {
		total += messageOverhead
		total += t.CountTokens(model, m.Role)
		total += t.CountTokens(model, m.Name)
		total += t.CountTokens(model, text(m.Content))
	}
	if len(req.Messages) > 0 {
		total += replyPriming
	}
	total += t.CountTokens(model, text(req.Input))
	return total
}

// text flattens a content value: a string, a list of strings, a list of
// content parts with a "text" field, or a list of messages with content.
func text(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []json.RawMessage
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		var part struct {
			Text    string          `json:"text"`
			Content json.RawMessage `json:"content"`
		}
		switch {
		case json.Unmarshal(p, &s) == nil:
			b.WriteString(s)
		case json.Unmarshal(p, &part) == nil:
			b.WriteString(part.Text)
			b.WriteString(text(part.Content))
		default:
			continue
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}
