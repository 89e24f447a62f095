package mitoru

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// StreamMessage is one SSE frame from the event stream. Type is "status"
// (call summary), "event" (call event) or "error".
type StreamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Call decodes the frame payload as a call summary.
func (m StreamMessage) Call() (*Call, error) {
	var c Call
	if err := json.Unmarshal(m.Data, &c); err != nil {
		return nil, fmt.Errorf("mitoru: decode status frame: %w", err)
	}
	return &c, nil
}

// Event decodes the frame payload as a call event.
func (m StreamMessage) Event() (*Event, error) {
	var e Event
	if err := json.Unmarshal(m.Data, &e); err != nil {
		return nil, fmt.Errorf("mitoru: decode event frame: %w", err)
	}
	return &e, nil
}

// Stream is a live event stream for one call. Historical events are replayed
// first, then live events are relayed until the call reaches a terminal
// status, at which point Next returns io.EOF.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// StreamEvents opens an SSE stream for the call. The first frame is always a
// status frame carrying the call summary. The stream stays open until the
// call finishes, ctx is cancelled or Close is called; configure the client
// without an HTTP timeout for long-running calls.
func (c *Client) StreamEvents(ctx context.Context, callID uuid.UUID) (*Stream, error) {
	path := "/v1/calls/" + callID.String() + "/events/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("mitoru: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mitoru: GET %s: %w", path, err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// Next returns the next frame. It blocks until a frame arrives, the server
// closes the stream (io.EOF) or the stream's context is cancelled.
// Keepalive comments are skipped transparently.
func (s *Stream) Next() (*StreamMessage, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()

		// Keepalive comments and blank frame separators.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var msg StreamMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("mitoru: decode stream frame: %w", err)
		}
		return &msg, nil
	}

	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("mitoru: read stream: %w", err)
	}
	return nil, io.EOF
}

// Close terminates the stream. Safe to call after io.EOF.
func (s *Stream) Close() error {
	return s.body.Close()
}
