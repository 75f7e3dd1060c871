package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/opencode-ai/toolgate/internal/event"
)

// StreamEvent is the data payload of one /event message.
type StreamEvent struct {
	Type       event.EventType `json:"type"`
	Properties any             `json:"properties"`
}

// SSEHeartbeatInterval is how often an idle stream gets a keep-alive comment.
const SSEHeartbeatInterval = 30 * time.Second

var errNoStreaming = errors.New("streaming not supported")

// eventStream writes server-sent events. Every message is flushed as soon as
// it is written; ids count up from 1.
type eventStream struct {
	w     http.ResponseWriter
	flush func()
	seq   uint64
}

func newEventStream(w http.ResponseWriter) (*eventStream, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errNoStreaming
	}
	rc := http.NewResponseController(w)
	// ResponseController reaches through middleware wrappers
	flush := func() {
		if err := rc.Flush(); err != nil {
			f.Flush()
		}
	}
	return &eventStream{w: w, flush: flush}, nil
}

// send writes v as the JSON data of a "message" event.
func (s *eventStream) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: message\ndata: %s\n\n", s.seq, data); err != nil {
		return err
	}
	s.flush()
	return nil
}

// comment writes an SSE comment line, which clients ignore.
func (s *eventStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flush()
	return nil
}

// allEvents handles GET /event. It streams bus events, starting with
// server.connected. Repeated type query parameters restrict the stream to
// those event types.
func (s *Server) allEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "event bus not available")
		return
	}
	wanted := r.URL.Query()["type"]

	stream, err := newEventStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	events, err := s.bus.Stream(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := stream.send(StreamEvent{Type: "server.connected", Properties: map[string]any{}}); err != nil {
		return
	}

	heartbeat := time.NewTicker(SSEHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			if len(wanted) > 0 && !slices.Contains(wanted, string(env.Type)) {
				continue
			}
			if err := stream.send(StreamEvent{Type: env.Type, Properties: env.Data}); err != nil {
				s.log.Debug().Err(err).Msg("SSE client write failed")
				return
			}
		case <-heartbeat.C:
			if err := stream.comment("heartbeat"); err != nil {
				return
			}
		}
	}
}
