package models

import "time"

// Worker-facing polling protocol.

// RegisterRequest is the body of POST /browser/register.
type RegisterRequest struct {
	ClientIdentifier      string   `json:"client_identifier"`
	Capabilities          []string `json:"capabilities"`
	MaxConcurrentRequests int      `json:"max_concurrent_requests"`
	Location              string   `json:"geographic_location,omitempty"`
}

// RegisterResponse carries the session id the worker must present on
// every subsequent call.
type RegisterResponse struct {
	SessionID string `json:"session_id"`
}

// PollRequest is the body of POST /browser/poll. All metric fields are
// optional self-reported snapshots.
type PollRequest struct {
	CurrentLoad         *int     `json:"current_load,omitempty"`
	AverageResponseTime *float64 `json:"average_response_time,omitempty"`
	SuccessRate         *float64 `json:"success_rate,omitempty"`
}

// WorkRequest is the unit of work handed to a polling worker.
type WorkRequest struct {
	JobID     string    `json:"request_id"`
	Model     string    `json:"model"`
	Payload   string    `json:"payload"`
	Stream    bool      `json:"stream"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// PollResponse is the body returned by POST /browser/poll. PollInterval
// is the advised delay in seconds before the next poll.
type PollResponse struct {
	HasRequest   bool         `json:"has_request"`
	Request      *WorkRequest `json:"request,omitempty"`
	PollInterval int          `json:"poll_interval"`
}

// Worker report types for POST /browser/response.
const (
	ReportChunk    = "chunk"
	ReportComplete = "complete"
	ReportError    = "error"
)

// WorkerReport is the body of POST /browser/response.
type WorkerReport struct {
	JobID          string  `json:"request_id"`
	Type           string  `json:"type"`
	Sequence       int64   `json:"sequence,omitempty"`
	Content        string  `json:"content,omitempty"`
	FullResponse   string  `json:"full_response,omitempty"`
	ResponseTimeMs float64 `json:"response_time_ms,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	ErrorType      string  `json:"error_type,omitempty"`
}

// WorkerReportResponse acknowledges a worker report.
type WorkerReportResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Client-facing completion protocol (OpenAI-shaped).

// ChatMessage is one entry of a chat transcript.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

// Usage is the token accounting block of a completion response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is one completion choice of a non-streaming response.
type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

// ChatCompletionResponse is the single-object non-streaming response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// ChatDelta is the incremental content of one streaming frame.
type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatChunkChoice is one choice of a streaming frame.
type ChatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE frame of a streaming response.
type ChatCompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
}

// ErrorBody is the envelope of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable machine-readable kind plus a human message.
type ErrorDetail struct {
	Kind    string      `json:"type"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}
