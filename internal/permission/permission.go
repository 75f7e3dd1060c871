// Package permission turns ask decisions into human-in-the-loop exchanges.
package permission

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-ai/toolgate/internal/preview"
)

// Answer is a human's response to a permission request.
type Answer string

const (
	AllowOnce   Answer = "allow-once"
	AllowAlways Answer = "allow-always"
	Deny        Answer = "deny"
)

// ParseAnswer parses an answer. The short forms once, always and reject are
// accepted for older clients.
func ParseAnswer(s string) (Answer, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(AllowOnce), "once":
		return AllowOnce, nil
	case string(AllowAlways), "always":
		return AllowAlways, nil
	case string(Deny), "reject":
		return Deny, nil
	}
	return "", fmt.Errorf("unknown answer %q", s)
}

// Granted reports whether the answer lets the call run.
func (a Answer) Granted() bool {
	return a == AllowOnce || a == AllowAlways
}

// Status is the state of one negotiation.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRequested Status = "requested"
	StatusGranted   Status = "granted"
	StatusDenied    Status = "denied"
	StatusCanceled  Status = "canceled"
)

// ErrUnknownRequest is returned when answering a request that is not pending.
var ErrUnknownRequest = errors.New("unknown permission request")

// Request is a pending question for the operator.
type Request struct {
	RequestID  string          `json:"requestID"`
	ToolCallID string          `json:"toolCallID"`
	ToolName   string          `json:"toolName"`
	Arguments  map[string]any  `json:"arguments,omitempty"`
	Preview    []preview.Block `json:"preview,omitempty"`
	// Suggested is the narrowest pattern an allow-always answer may grant.
	Suggested string    `json:"suggested,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Outcome is how a negotiation ended.
type Outcome struct {
	RequestID string `json:"requestID"`
	Answer    Answer `json:"answer"`
	Status    Status `json:"status"`
	// Canceled is set when the request was aborted rather than answered.
	Canceled bool `json:"canceled,omitempty"`
	// Pattern is the policy pattern granted by an allow-always answer.
	Pattern string `json:"pattern,omitempty"`
}

// ResolvedData is the data for permission.resolved events.
type ResolvedData struct {
	RequestID  string `json:"requestID"`
	ToolCallID string `json:"toolCallID"`
	ToolName   string `json:"toolName"`
	Status     Status `json:"status"`
	Answer     Answer `json:"answer"`
	Pattern    string `json:"pattern,omitempty"`
}
