// Package protocol defines the wire names shared between the gateway
// and its clients: websocket event names pushed on the firehose and the
// HTTP routes the REST surface serves.
package protocol

// WebSocket event names pushed from server to client. The payload is
// an Envelope; Session identifies the conversation the event belongs
// to.
const (
	// Queue lifecycle.
	EventMessageQueued   = "message.queued"
	EventBatchProcessing = "batch.processing"
	EventBatchRetrying   = "batch.retrying"
	EventBatchReclaimed  = "batch.reclaimed"
	EventBatchDelegated  = "batch.delegated"
	EventBatchCompleted  = "batch.completed"
	EventBatchFailed     = "batch.failed"

	// Fire-and-forget delegation results.
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"

	// Session maintenance.
	EventSessionCleared    = "session.cleared"
	EventCallbackUnhandled = "callback.unhandled"

	// Connection management.
	EventHello    = "hello"
	EventShutdown = "shutdown"
)

// Envelope is the JSON frame written to websocket subscribers.
type Envelope struct {
	Event   string      `json:"event"`
	Session string      `json:"session,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	TS      int64       `json:"ts"` // unix milliseconds
}
