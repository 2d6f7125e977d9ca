package models

import "time"

// Job statuses. Transitions only move forward through the lattice:
// queued -> processing -> {completed, failed, timeout}.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
)

// transitions is the statically checked state machine. A status absent from
// the map is terminal.
var transitions = map[string][]string{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusTimeout},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func IsTerminal(status string) bool {
	return len(transitions[status]) == 0
}

// Job represents one inference request awaiting or undergoing execution.
type Job struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Model          string     `json:"model"`
	Payload        string     `json:"payload"`
	Fingerprint    string     `json:"fingerprint"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	Stream         bool       `json:"stream"`
	InputTokens    int        `json:"input_tokens"`
	OutputTokens   int        `json:"output_tokens"`
	EstimatedCost  float64    `json:"estimated_cost"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Worker represents a registered browser session that pulls work by polling.
type Worker struct {
	SessionID       string    `json:"session_id"`
	ClientID        string    `json:"client_id"`
	Capabilities    []string  `json:"capabilities"`
	MaxConcurrency  int       `json:"max_concurrency"`
	CurrentLoad     int       `json:"current_load"`
	AvgResponseTime float64   `json:"avg_response_time_ms"`
	SuccessRate     float64   `json:"success_rate"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	Active          bool      `json:"active"`
	Location        string    `json:"location,omitempty"`
}

// AvailableCapacity returns the worker's spare concurrency slots.
func (w *Worker) AvailableCapacity() int {
	return w.MaxConcurrency - w.CurrentLoad
}

// Chunk kinds. A job's final stream carries exactly one done or error chunk.
const (
	ChunkData  = "data"
	ChunkError = "error"
	ChunkDone  = "done"
)

// Chunk is one sequenced fragment of a job's streamed response.
type Chunk struct {
	JobID    string `json:"job_id"`
	Sequence int64  `json:"sequence"`
	Payload  string `json:"payload"`
	Kind     string `json:"kind"`
}

// Terminal reports whether this chunk ends the stream.
func (c *Chunk) Terminal() bool {
	return c.Kind == ChunkDone || c.Kind == ChunkError
}

// Rate-limit window kinds.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// RateLimits holds the per-window request caps for one user tier.
type RateLimits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// WindowStatus is the read-only usage snapshot for one window.
type WindowStatus struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// RegistryStats summarizes the worker pool.
type RegistryStats struct {
	TotalCapacity   int     `json:"total_capacity"`
	TotalLoad       int     `json:"total_load"`
	UtilizationPct  float64 `json:"utilization_pct"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`
	AvgSuccessRate  float64 `json:"avg_success_rate"`
}
