package log

const (
	FieldConversationID      = "conversation_id"
	FieldSenderID            = "sender_id"
	FieldUserID              = "user_id"
	FieldPeerID              = "peer_id"
	FieldOp                  = "op"
	FieldURL                 = "url"
	FieldConsecutiveFailures = "consecutive_failures"
	FieldMessages            = "messages"
	FieldLatency             = "latency_ms"
)

// HTTP fields
const (
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
)

const headerRequestID = "X-Request-Id"
