package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
)

// RequestWindowCap bounds the processed-request rolling window. Request IDs
// older than the last RequestWindowCap entries may be re-accepted.
const RequestWindowCap = 256

// DefaultMaxHistory caps session message history unless configured otherwise.
const DefaultMaxHistory = 100

// WorkflowTTL is how long a delegated workflow entry survives without its
// completion callback before it is evicted.
const WorkflowTTL = 24 * time.Hour

// BatchStatus tracks a batch through its lifecycle.
type BatchStatus string

const (
	BatchIdle       BatchStatus = "idle"
	BatchCollecting BatchStatus = "collecting"
	BatchProcessing BatchStatus = "processing"
	BatchDelegated  BatchStatus = "delegated"
	BatchRetrying   BatchStatus = "retrying"
	BatchDone       BatchStatus = "done"
)

// Stage is the user-visible processing stage recorded in StageHistory.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageProcessing Stage = "processing"
	StageRetrying   Stage = "retrying"
	StageFailed     Stage = "failed"
	StageNotified   Stage = "notified"
	StageDone       Stage = "done"
)

// ReplyContext is the opaque per-message data needed to reply on the
// original channel. Fields are optional per platform.
type ReplyContext struct {
	Platform  string `json:"platform,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	ThreadID  int    `json:"thread_id,omitempty"`
}

// MessageRef is a transport-specific handle to an already-sent message,
// used to edit the progress message in place.
type MessageRef struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
}

// IsZero reports whether no message has been sent yet.
func (r MessageRef) IsZero() bool { return r.MessageID == "" }

// PendingMessage is one queued user message awaiting batch processing.
type PendingMessage struct {
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
	RequestID string       `json:"request_id"`
	UserID    string       `json:"user_id"`
	ChatID    string       `json:"chat_id"`
	Username  string       `json:"username,omitempty"`
	IsAdmin   bool         `json:"is_admin,omitempty"`
	EventID   string       `json:"event_id,omitempty"`
	Reply     ReplyContext `json:"reply,omitempty"`
}

// RetryError records one failed processing attempt.
type RetryError struct {
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Message string    `json:"message"`
}

// StageEntry is one entry in a batch's stage history.
type StageEntry struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// Batch is a coalesced group of user messages processed as one turn.
// While Status is processing or delegated the batch is immutable: new
// messages must land in the session's pending batch instead.
type Batch struct {
	ID              string           `json:"id"`
	Status          BatchStatus      `json:"status"`
	PendingMessages []PendingMessage `json:"pending_messages"`
	StartedAt       time.Time        `json:"started_at,omitempty"`
	LastMessageAt   time.Time        `json:"last_message_at,omitempty"`
	LastHeartbeat   time.Time        `json:"last_heartbeat,omitempty"`
	ProgressRef     MessageRef       `json:"progress_ref,omitempty"`
	RetryCount      int              `json:"retry_count"`
	RetryErrors     []RetryError     `json:"retry_errors,omitempty"`
	CurrentStage    Stage            `json:"current_stage,omitempty"`
	StageHistory    []StageEntry     `json:"stage_history,omitempty"`
}

// NewBatch returns an empty batch in the idle state. The batch ID is
// assigned when the first message arrives.
func NewBatch() *Batch {
	return &Batch{Status: BatchIdle}
}

// Frozen reports whether the batch is immutable: once processing or
// delegated, no further messages may be appended to it.
func (b *Batch) Frozen() bool {
	return b.Status == BatchProcessing || b.Status == BatchDelegated
}

// HasRequest reports whether a request ID is already queued in this batch.
func (b *Batch) HasRequest(requestID string) bool {
	if b == nil {
		return false
	}
	for _, m := range b.PendingMessages {
		if m.RequestID == requestID {
			return true
		}
	}
	return false
}

// Append adds a message to a collecting batch, assigning the batch ID and
// start time on the first message. Append panics on a frozen batch; the
// engine must route new messages to the pending batch instead.
func (b *Batch) Append(msg PendingMessage, now time.Time) {
	if b.Frozen() {
		panic("session: append to frozen batch")
	}
	if b.Status == BatchIdle {
		b.Status = BatchCollecting
		b.ID = uuid.NewString()
		b.StartedAt = now
	}
	b.PendingMessages = append(b.PendingMessages, msg)
	b.LastMessageAt = now
}

// PushStage records a stage transition.
func (b *Batch) PushStage(stage Stage, now time.Time) {
	b.CurrentStage = stage
	b.StageHistory = append(b.StageHistory, StageEntry{Stage: stage, At: now})
}

// Stuck reports whether a processing or delegated batch has gone silent:
// the heartbeat stopped advancing, or it never produced one and the batch
// is past the hard wall-clock ceiling.
func (b *Batch) Stuck(now time.Time, heartbeatTimeout, hardCeiling time.Duration) bool {
	if b == nil || !b.Frozen() {
		return false
	}
	if !b.LastHeartbeat.IsZero() {
		return now.Sub(b.LastHeartbeat) > heartbeatTimeout
	}
	return b.Status == BatchProcessing && now.Sub(b.StartedAt) > hardCeiling
}

// CombinedText joins the batch's message texts with newlines, preserving
// arrival order.
func (b *Batch) CombinedText() string {
	out := ""
	for i, m := range b.PendingMessages {
		if i > 0 {
			out += "\n"
		}
		out += m.Text
	}
	return out
}

// First returns the first pending message, or a zero value if empty.
func (b *Batch) First() PendingMessage {
	if b == nil || len(b.PendingMessages) == 0 {
		return PendingMessage{}
	}
	return b.PendingMessages[0]
}

// WorkflowRef tracks one delegated execution awaiting its callback.
type WorkflowRef struct {
	ExecutionID string     `json:"execution_id"`
	Worker      string     `json:"worker"`
	StartedAt   time.Time  `json:"started_at"`
	ProgressRef MessageRef `json:"progress_ref,omitempty"`
}

// State is the durable session record. All mutation happens under the
// engine's per-session actor lock.
type State struct {
	Key       Key                 `json:"key"`
	Messages  []providers.Message `json:"messages"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Metadata  map[string]string   `json:"metadata,omitempty"`

	ActiveBatch  *Batch `json:"active_batch,omitempty"`
	PendingBatch *Batch `json:"pending_batch,omitempty"`

	ActiveWorkflows     map[string]WorkflowRef `json:"active_workflows,omitempty"`
	ProcessedRequestIDs []string               `json:"processed_request_ids,omitempty"`

	// MCPInitialized marks lazy remote-tool setup; reset by /clear.
	MCPInitialized bool `json:"mcp_initialized,omitempty"`
}

// NewState creates a session for its first inbound message.
func NewState(key Key, now time.Time) *State {
	return &State{
		Key:       key,
		Messages:  []providers.Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{},
	}
}

// Touch bumps the updated timestamp.
func (s *State) Touch(now time.Time) { s.UpdatedAt = now }

// SeenRequest reports whether the request ID is in either batch or in the
// processed-request rolling window, which catches redeliveries after the
// batch has already completed.
func (s *State) SeenRequest(requestID string) bool {
	if s.ActiveBatch.HasRequest(requestID) || s.PendingBatch.HasRequest(requestID) {
		return true
	}
	for _, id := range s.ProcessedRequestIDs {
		if id == requestID {
			return true
		}
	}
	return false
}

// RecordRequest appends to the rolling window, evicting oldest-first.
func (s *State) RecordRequest(requestID string) {
	s.ProcessedRequestIDs = append(s.ProcessedRequestIDs, requestID)
	if over := len(s.ProcessedRequestIDs) - RequestWindowCap; over > 0 {
		s.ProcessedRequestIDs = s.ProcessedRequestIDs[over:]
	}
}

// AppendMessage appends one history message, trimming oldest-first so the
// maxHistory bound holds after every write.
func (s *State) AppendMessage(msg providers.Message, maxHistory int) {
	s.Messages = append(s.Messages, msg)
	s.TrimHistory(maxHistory)
}

// TrimHistory drops the oldest messages beyond maxHistory.
func (s *State) TrimHistory(maxHistory int) {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if over := len(s.Messages) - maxHistory; over > 0 {
		s.Messages = s.Messages[over:]
	}
}

// EvictStaleWorkflows drops delegated workflow entries whose callback
// never arrived within WorkflowTTL.
func (s *State) EvictStaleWorkflows(now time.Time) int {
	evicted := 0
	for id, ref := range s.ActiveWorkflows {
		if now.Sub(ref.StartedAt) > WorkflowTTL {
			delete(s.ActiveWorkflows, id)
			evicted++
		}
	}
	return evicted
}
