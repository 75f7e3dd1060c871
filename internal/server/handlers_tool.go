package server

import (
	"encoding/json"
	"net/http"
)

// ToolInfo describes a tool to a model client.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Aliases     []string        `json:"aliases,omitempty"`
	ReadOnly    bool            `json:"readOnly,omitempty"`
}

// listTools handles GET /tool
func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	if s.tools == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "tool registry not available")
		return
	}
	tools := s.tools.List()
	out := make([]ToolInfo, 0, len(tools))
	for _, t := range tools {
		spec := t.Spec()
		out = append(out, ToolInfo{
			Name:        t.ID(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
			Aliases:     spec.Aliases,
			ReadOnly:    spec.ReadOnly,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
