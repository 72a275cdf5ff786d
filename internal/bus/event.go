package bus

import "time"

// Event kinds published by the engine. Subscribers filter by namespace
// prefix, e.g. "store." receives every durable-store change.
const (
	KindMessageUpserted    = "store.message_upserted"
	KindMessageDeleted     = "store.message_deleted"
	KindConversationsSaved = "store.conversations_saved"

	KindSyncStarted   = "sync.started"
	KindSyncCompleted = "sync.completed"
	KindSyncFailed    = "sync.failed"

	KindSendAck    = "outbox.send_ack"
	KindSendFailed = "outbox.send_failed"

	KindUnreadChanged   = "unread.changed"
	KindAppStateChanged = "app.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
