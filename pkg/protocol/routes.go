package protocol

// HTTP routes served by the gateway. All routes except /healthz
// require the bearer token.
const (
	RouteMessage  = "/v1/message"  // POST: enqueue a message (async)
	RouteSync     = "/v1/sync"     // POST: synchronous request/response turn
	RouteBatch    = "/v1/batch"    // GET: batch state snapshot for a session
	RouteMetadata = "/v1/metadata" // GET/PUT: session metadata
	RouteCallback = "/v1/callback" // POST: inline-button callback
	RouteClear    = "/v1/clear"    // POST: wipe a session's history
	RouteDebug    = "/v1/debug"    // GET: full session dump
	RouteEvents   = "/v1/events"   // GET: websocket firehose
	RouteHealth   = "/healthz"     // GET: liveness, no auth
)

// MessageRequest is the POST body for RouteMessage and RouteSync.
type MessageRequest struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	Platform  string `json:"platform,omitempty"` // defaults to "rest"
	RequestID string `json:"request_id,omitempty"`
}

// MessageResponse acknowledges an enqueued message.
type MessageResponse struct {
	Queued  bool   `json:"queued"`
	EventID string `json:"event_id,omitempty"`
}

// SyncResponse carries the assistant reply for a synchronous turn.
type SyncResponse struct {
	Content string `json:"content"`
}

// MetadataRequest is the PUT body for RouteMetadata. An empty value
// deletes the key.
type MetadataRequest struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// CallbackRequest is the POST body for RouteCallback. Data is encoded
// "action:payload".
type CallbackRequest struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
	Data   string `json:"data"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status    string   `json:"status"` // "ok" or "degraded"
	Version   string   `json:"version,omitempty"`
	Platforms []string `json:"platforms,omitempty"`
	Uptime    string   `json:"uptime,omitempty"`
}

// ErrorResponse is the JSON error body for non-2xx replies.
type ErrorResponse struct {
	Error string `json:"error"`
}
