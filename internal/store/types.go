package store

// ConversationKind distinguishes direct chats from group chats. A
// conversation is identified by the (conversation id, kind) pair; the same id
// may exist once as an individual chat and once as a group.
type ConversationKind string

const (
	KindIndividual ConversationKind = "individual"
	KindGroup      ConversationKind = "group"
)

// SyncStatus tracks whether a locally originated row has been confirmed by
// the server.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Message is one chat message. LocalID is device-assigned and stable for the
// device's lifetime; ServerID is empty until the server acknowledges the
// message. A row with a ServerID is always StatusSynced.
type Message struct {
	LocalID          string
	ServerID         string
	ConversationID   string
	ConversationKind ConversationKind
	SenderID         string
	ReceiverID       string
	GroupID          string
	Body             string
	CreatedAt        int64 // unix millis; authoritative once server-confirmed
	ReadAt           int64 // 0 = unread; monotonic once set
	EditedAt         int64
	ReplyToID        string
	SyncStatus       SyncStatus
	UpdatedAt        int64

	Attachments []Attachment
}

// Attachment is binary payload metadata owned by exactly one message; it is
// deleted when its message is deleted.
type Attachment struct {
	LocalID    string
	ServerID   string
	MessageID  string // owning message's LocalID
	Name       string
	MIME       string
	URL        string // remote URL once uploaded
	LocalPath  string // pre-upload path on device
	Size       int64
	Kind       string // image, file, audio, ...
	SyncStatus SyncStatus
}

// Conversation is the denormalized summary row backing the chat list.
type Conversation struct {
	ID                  int64
	ConversationID      string
	ConversationKind    ConversationKind
	UserID              string
	GroupID             string
	Name                string
	Email               string
	AvatarURL           string
	LastMessage         string
	LastMessageDate     int64
	LastMessageSenderID string
	LastMessageReadAt   int64
	UnreadCount         int
	CreatedAt           int64
	UpdatedAt           int64
	SyncStatus          SyncStatus
}

// SyncStateStatus is the per-conversation reconciliation state.
type SyncStateStatus string

const (
	SyncStateSynced  SyncStateStatus = "synced"
	SyncStateSyncing SyncStateStatus = "syncing"
	SyncStateFailed  SyncStateStatus = "failed"
)

// SyncState is one row per (conversation id, kind): when the last successful
// sync finished and whether one is in flight.
type SyncState struct {
	ConversationID    string
	ConversationKind  ConversationKind
	LastSyncTimestamp int64
	Status            SyncStateStatus
	LastError         string
}

// SyncedMessageRef pairs a local id with its server id, used by deletion
// detection to diff the store against a fetched page.
type SyncedMessageRef struct {
	LocalID  string
	ServerID string
}
