package domain

import "time"

// ExecutionLog records one invocation of a function.
type ExecutionLog struct {
	ID           string    `json:"id"`
	FunctionID   string    `json:"function_id"`
	StatusCode   int       `json:"status_code"`
	DurationMs   int64     `json:"duration_ms"`
	RequestSize  int       `json:"request_size"`
	ResponseSize int       `json:"response_size"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ClientIP     string    `json:"client_ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
