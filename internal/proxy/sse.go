package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxSSELine bounds one SSE line. Tool-call arguments and base64 payloads
// can make single data lines large.
const maxSSELine = 10 << 20

// SSEEvent is one Server-Sent Event.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

func (e *SSEEvent) empty() bool {
	return e.Event == "" && e.ID == "" && e.Data == ""
}

// SSEReader parses the SSE wire format.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader reads events from r.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxSSELine)
	return &SSEReader{scanner: scanner}
}

// Next returns the next event, or io.EOF at the end of the stream. Comment
// lines are skipped; an event still open at EOF is returned.
func (s *SSEReader) Next() (*SSEEvent, error) {
	var (
		evt  SSEEvent
		data []string
	)
	build := func() *SSEEvent {
		evt.Data = strings.Join(data, "\n")
		return &evt
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(data) > 0 || evt.Event != "" || evt.ID != "" {
				return build(), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		switch field, value := parseSSELine(line); field {
		case "event":
			evt.Event = value
		case "data":
			data = append(data, value)
		case "id":
			evt.ID = value
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading SSE stream: %w", err)
	}
	if len(data) > 0 || evt.Event != "" || evt.ID != "" {
		return build(), nil
	}
	return nil, io.EOF
}

// parseSSELine splits "field: value". One leading space of the value is
// dropped.
func parseSSELine(line string) (field, value string) {
	field, value, ok := strings.Cut(line, ":")
	if !ok {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}

// SSEWriter writes events to a client, flushing after each.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps w. Flushing is a no-op if w is not an http.Flusher.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

// WriteEvent encodes evt in one write and flushes. Multi-line data becomes
// one data line per line.
func (s *SSEWriter) WriteEvent(evt *SSEEvent) error {
	if evt.empty() {
		return nil
	}
	var b strings.Builder
	if evt.Event != "" {
		b.WriteString("event: " + evt.Event + "\n")
	}
	if evt.ID != "" {
		b.WriteString("id: " + evt.ID + "\n")
	}
	for _, line := range strings.Split(evt.Data, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	s.Flush()
	return nil
}

// Flush flushes the client connection.
func (s *SSEWriter) Flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
