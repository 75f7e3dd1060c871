package server

import (
	"net/http"

	"github.com/opencode-ai/toolgate/internal/policy"
)

// PolicyResponse is the body of GET /policy.
type PolicyResponse struct {
	Generation uint64               `json:"generation"`
	Policies   policy.EffectiveList `json:"policies"`
}

// CheckRequest is the body of POST /policy/check.
type CheckRequest struct {
	ToolName  string         `json:"toolName"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CheckResponse is the decision for a CheckRequest.
type CheckResponse struct {
	ToolName string          `json:"toolName"`
	Decision policy.Decision `json:"decision"`
	Matched  policy.Entry    `json:"matched"`
	Index    int             `json:"index"`
}

// getPolicy handles GET /policy
func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PolicyResponse{
		Generation: s.store.Generation(),
		Policies:   s.store.Effective(),
	})
}

// checkPolicy handles POST /policy/check
func (s *Server) checkPolicy(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "toolName is required")
		return
	}

	name, _ := s.catalog.Canonical(req.ToolName)
	res := s.store.Check(name, req.Arguments, s.catalog)
	writeJSON(w, http.StatusOK, CheckResponse{
		ToolName: name,
		Decision: res.Decision,
		Matched:  res.Matched,
		Index:    res.Index,
	})
}

// listServices handles GET /service
func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "service status not available")
		return
	}
	writeJSON(w, http.StatusOK, s.status.Statuses())
}
