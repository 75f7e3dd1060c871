package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestErrorEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		write   func(http.ResponseWriter)
		status  int
		code    string
		details map[string]any
	}{
		{
			name:   "plain",
			write:  func(w http.ResponseWriter) { writeError(w, http.StatusConflict, ErrCodeConflict, "job already exited") },
			status: http.StatusConflict,
			code:   ErrCodeConflict,
		},
		{
			name: "with details",
			write: func(w http.ResponseWriter) {
				writeErrorWithDetails(w, http.StatusNotFound, ErrCodeNotFound, "no request", map[string]any{"requestID": "01J"})
			},
			status:  http.StatusNotFound,
			code:    ErrCodeNotFound,
			details: map[string]any{"requestID": "01J"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			resp := decodeBody[ErrorResponse](t, w)
			if resp.Error.Code != tt.code || resp.Error.Message == "" {
				t.Errorf("error = %+v", resp.Error)
			}
			for k, v := range tt.details {
				if resp.Error.Details[k] != v {
					t.Errorf("details[%s] = %v, want %v", k, resp.Error.Details[k], v)
				}
			}
			if tt.details == nil && resp.Error.Details != nil {
				t.Errorf("unexpected details %v", resp.Error.Details)
			}
		})
	}
}

func TestWriteSuccessIsBareTrue(t *testing.T) {
	w := httptest.NewRecorder()
	writeSuccess(w)

	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "true" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Decision string `json:"decision"`
	}

	w := httptest.NewRecorder()
	if !decodeJSON(w, httptest.NewRequest("POST", "/", strings.NewReader(`{"decision":"deny"}`)), &v) {
		t.Fatalf("valid body rejected: %s", w.Body.String())
	}
	if v.Decision != "deny" {
		t.Errorf("Decision = %q", v.Decision)
	}

	w = httptest.NewRecorder()
	if decodeJSON(w, httptest.NewRequest("POST", "/", strings.NewReader("{bad")), &v) {
		t.Fatal("expected decode failure")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if resp := decodeBody[ErrorResponse](t, w); !strings.HasPrefix(resp.Error.Message, "invalid JSON body") {
		t.Errorf("message = %q", resp.Error.Message)
	}
}
