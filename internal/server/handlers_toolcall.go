package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/toolgate/internal/lifecycle"
)

// listToolCalls handles GET /toolcall
func (s *Server) listToolCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Calls())
}

// getToolCall handles GET /toolcall/{callID}
func (s *Server) getToolCall(w http.ResponseWriter, r *http.Request) {
	call, ok := s.engine.Get(chi.URLParam(r, "callID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "tool call not found")
		return
	}
	writeJSON(w, http.StatusOK, call.Snapshot())
}

// submitToolCall handles POST /toolcall. The call runs under the server's
// context, not the request's; with ?wait=true the response is the terminal
// snapshot.
func (s *Server) submitToolCall(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "toolName is required")
		return
	}

	call := s.engine.Submit(s.ctx, req)
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, call.Snapshot())
		return
	}

	select {
	case <-call.Done():
		writeJSON(w, http.StatusOK, call.Snapshot())
	case <-r.Context().Done():
	}
}

// interrupt handles POST /interrupt
func (s *Server) interrupt(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"canceled": s.engine.Interrupt()})
}
