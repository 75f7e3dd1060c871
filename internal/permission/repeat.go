package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// DefaultRepeatThreshold is the number of identical consecutive calls that
// counts as a loop.
const DefaultRepeatThreshold = 3

// repeatHistory bounds the remembered call hashes.
const repeatHistory = 10

// RepeatDetector spots a model calling the same tool with the same input
// over and over.
type RepeatDetector struct {
	mu        sync.Mutex
	threshold int
	history   []string
}

// NewRepeatDetector creates a detector. A threshold below 2 uses the default.
func NewRepeatDetector(threshold int) *RepeatDetector {
	if threshold < 2 {
		threshold = DefaultRepeatThreshold
	}
	return &RepeatDetector{threshold: threshold}
}

// Observe records a call and reports whether it completes a run of
// threshold identical consecutive calls.
func (d *RepeatDetector) Observe(toolName string, input any) bool {
	hash := hashCall(toolName, input)

	d.mu.Lock()
	defer d.mu.Unlock()

	repeated := false
	if len(d.history) >= d.threshold-1 {
		repeated = true
		for _, h := range d.history[len(d.history)-(d.threshold-1):] {
			if h != hash {
				repeated = false
				break
			}
		}
	}

	d.history = append(d.history, hash)
	if len(d.history) > repeatHistory {
		d.history = d.history[len(d.history)-repeatHistory:]
	}
	return repeated
}

// Reset forgets the call history.
func (d *RepeatDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = nil
}

// hashCall creates a hash of the tool name and input.
func hashCall(toolName string, input any) string {
	data, _ := json.Marshal(map[string]any{
		"tool":  toolName,
		"input": input,
	})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
