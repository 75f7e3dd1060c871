package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/toolgate/internal/permission"
)

// PermissionResponse is the body of POST /permission/{requestID}.
type PermissionResponse struct {
	Decision permission.Answer `json:"decision"`
	// Pattern narrows an allow-always grant, e.g. "Bash(git status*)".
	Pattern string `json:"pattern,omitempty"`
}

// listPermissions handles GET /permission
func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.negotiator.Pending())
}

// respondPermission handles POST /permission/{requestID}
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var body PermissionResponse
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := permission.ParseAnswer(string(body.Decision)); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	err := s.negotiator.RespondWithPattern(requestID, body.Decision, body.Pattern)
	switch {
	case errors.Is(err, permission.ErrUnknownRequest):
		writeErrorWithDetails(w, http.StatusNotFound, ErrCodeNotFound, "permission request not pending",
			map[string]any{"requestID": requestID})
	case err != nil:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	default:
		writeSuccess(w)
	}
}
