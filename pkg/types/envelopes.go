package types

import (
	"time"

	"github.com/google/uuid"
)

// ErrorInfo is the structured error payload carried by RPC responses
// and command results. Code is a stable machine-readable identifier
// (error kind or application code such as "NOT_ACTIVE"), Message is
// human-readable.
type ErrorInfo struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

// RPCRequest is the wire envelope for a request/response call.
type RPCRequest struct {
	MessageID     string         `json:"message_id" msgpack:"message_id"`
	Method        MethodName     `json:"method" msgpack:"method"`
	Params        map[string]any `json:"params,omitempty" msgpack:"params,omitempty"`
	TimeoutMS     int64          `json:"timeout_ms" msgpack:"timeout_ms"`
	CorrelationID string         `json:"correlation_id,omitempty" msgpack:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// NewRPCRequest stamps a fresh message id and timestamp.
func NewRPCRequest(method MethodName, params map[string]any, timeout time.Duration) *RPCRequest {
	return &RPCRequest{
		MessageID: uuid.NewString(),
		Method:    method,
		Params:    params,
		TimeoutMS: timeout.Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
}

// Timeout converts the millisecond field back into a duration.
func (r *RPCRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// RPCResponse is the wire envelope answering an RPCRequest. Exactly one
// of Result and Error is populated, mirrored by Success.
type RPCResponse struct {
	MessageID     string         `json:"message_id" msgpack:"message_id"`
	Success       bool           `json:"success" msgpack:"success"`
	Result        map[string]any `json:"result,omitempty" msgpack:"result,omitempty"`
	Error         *ErrorInfo     `json:"error,omitempty" msgpack:"error,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty" msgpack:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// NewRPCResponse answers req with a successful result.
func NewRPCResponse(req *RPCRequest, result map[string]any) *RPCResponse {
	return &RPCResponse{
		MessageID:     uuid.NewString(),
		Success:       true,
		Result:        result,
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
}

// NewRPCErrorResponse answers req with a structured error.
func NewRPCErrorResponse(req *RPCRequest, code, message string) *RPCResponse {
	return &RPCResponse{
		MessageID:     uuid.NewString(),
		Success:       false,
		Error:         &ErrorInfo{Code: code, Message: message},
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
}

// Event is the fire-and-forget notification envelope. Domain is the
// first segment of EventType, denormalized for cheap filtering.
type Event struct {
	MessageID string         `json:"message_id" msgpack:"message_id"`
	Domain    string         `json:"domain" msgpack:"domain"`
	EventType EventType      `json:"event_type" msgpack:"event_type"`
	Payload   map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Source    string         `json:"source,omitempty" msgpack:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// NewEvent stamps a fresh message id and timestamp.
func NewEvent(eventType EventType, payload map[string]any, source string) *Event {
	return &Event{
		MessageID: uuid.NewString(),
		Domain:    eventType.Domain(),
		EventType: eventType,
		Payload:   payload,
		Source:    source,
		Timestamp: time.Now().UTC(),
	}
}

// Command is the durable work-queue envelope. Priority is metadata:
// recorded and surfaced, never used to reorder the queue.
type Command struct {
	MessageID  string         `json:"message_id" msgpack:"message_id"`
	Command    MethodName     `json:"command" msgpack:"command"`
	Target     ServiceName    `json:"target" msgpack:"target"`
	Payload    map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Priority   Priority       `json:"priority" msgpack:"priority"`
	TimeoutMS  int64          `json:"timeout_ms" msgpack:"timeout_ms"`
	MaxRetries int            `json:"max_retries" msgpack:"max_retries"`
	Timestamp  time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// Command envelope defaults.
const (
	DefaultCommandTimeoutMS  = 30_000
	DefaultCommandMaxRetries = 3
)

// NewCommand stamps a fresh message id and timestamp and applies the
// default priority, timeout and retry budget.
func NewCommand(target ServiceName, command MethodName, payload map[string]any) *Command {
	return &Command{
		MessageID:  uuid.NewString(),
		Command:    command,
		Target:     target,
		Payload:    payload,
		Priority:   PriorityNormal,
		TimeoutMS:  DefaultCommandTimeoutMS,
		MaxRetries: DefaultCommandMaxRetries,
		Timestamp:  time.Now().UTC(),
	}
}

// Timeout converts the millisecond field back into a duration.
func (c *Command) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// CommandStatus is the terminal state reported in a CommandResult.
type CommandStatus string

const (
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandTimedOut  CommandStatus = "timeout"
)

// CommandProgress reports handler progress for a command; published to
// commands.progress.<message_id>. MessageID refers to the command, not
// to the progress report itself.
type CommandProgress struct {
	MessageID string    `json:"message_id" msgpack:"message_id"`
	Percent   float64   `json:"percent" msgpack:"percent"`
	Status    string    `json:"status,omitempty" msgpack:"status,omitempty"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// NewCommandProgress stamps a timestamp for a progress report on the
// command identified by messageID.
func NewCommandProgress(messageID string, percent float64, status string) *CommandProgress {
	return &CommandProgress{
		MessageID: messageID,
		Percent:   percent,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// CommandResult is the terminal outcome of a command; published to
// commands.result.<message_id>. MessageID refers to the command.
type CommandResult struct {
	MessageID string         `json:"message_id" msgpack:"message_id"`
	Status    CommandStatus  `json:"status" msgpack:"status"`
	Result    map[string]any `json:"result,omitempty" msgpack:"result,omitempty"`
	Error     *ErrorInfo     `json:"error,omitempty" msgpack:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// NewCommandResult reports a completed command.
func NewCommandResult(messageID string, result map[string]any) *CommandResult {
	return &CommandResult{
		MessageID: messageID,
		Status:    CommandCompleted,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}
}

// NewCommandError reports a failed or timed-out command.
func NewCommandError(messageID string, status CommandStatus, code, message string) *CommandResult {
	return &CommandResult{
		MessageID: messageID,
		Status:    status,
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
}
