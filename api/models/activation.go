package models

import (
	"encoding/json"
	"time"
)

// Activation is one forwarded call: the caller's params and the id the
// result must be returned under.
type Activation struct {
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params"`
	// Deadline is when the forwarding agent stops waiting, zero if unknown.
	Deadline time.Time `json:"deadline,omitempty"`
}

// Result is the JSON object a local run produced for an activation.
type Result map[string]interface{}

// ErrorResult builds the application error result the agents hand back for
// reserved codes.
func ErrorResult(code int, msg string) Result {
	return Result{"error": map[string]interface{}{"code": code, "message": msg}}
}

// ErrorCode returns the numeric code of a `{"error":{"code":..}}` result.
func (r Result) ErrorCode() (int, bool) {
	e, ok := r["error"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch c := e["code"].(type) {
	case int:
		return c, true
	case float64:
		return int(c), true
	case json.Number:
		n, err := c.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Response is the outcome stored in an activation record.
type Response struct {
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode"`
	Success    bool   `json:"success"`
	Result     Result `json:"result,omitempty"`
}

// ActivationRecord is the platform's own record of one execution.
type ActivationRecord struct {
	ActivationID string    `json:"activationId"`
	Name         string    `json:"name"`
	Namespace    string    `json:"namespace"`
	Start        int64     `json:"start"`
	End          int64     `json:"end,omitempty"`
	Duration     int64     `json:"duration,omitempty"`
	Response     *Response `json:"response,omitempty"`
}

// StartTime converts the epoch ms start.
func (r *ActivationRecord) StartTime() time.Time {
	return time.Unix(0, r.Start*int64(time.Millisecond))
}

// PlatformLimits are the system limits a platform advertises on /api/v1.
type PlatformLimits struct {
	// MaxActionDuration in milliseconds
	MaxActionDuration int64 `json:"max_action_duration,omitempty"`
	MaxActionMemory   int64 `json:"max_action_memory,omitempty"`
	ConcurrentActions int64 `json:"concurrent_actions,omitempty"`
}

// PlatformInfo is the /api/v1 introspection document. Older deployments
// omit Limits.
type PlatformInfo struct {
	Description string          `json:"description,omitempty"`
	APIPaths    []string        `json:"api_paths,omitempty"`
	Build       string          `json:"build,omitempty"`
	Limits      *PlatformLimits `json:"limits,omitempty"`
}
