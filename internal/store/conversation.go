package store

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// UpsertConversations writes a batch of conversation summaries, keyed by
// (conversation id, kind). Row failures do not abort siblings.
func (s *Store) UpsertConversations(convs []*Conversation) error {
	if s.unavailable("upsert conversations") {
		return nil
	}
	var errs error
	for _, c := range convs {
		if err := s.UpsertConversation(c); err != nil {
			s.log.Warn("conversation upsert failed",
				zap.String("conversation_id", c.ConversationID),
				zap.String("kind", string(c.ConversationKind)),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("conversation %s/%s: %w", c.ConversationID, c.ConversationKind, err))
		}
	}
	return errs
}

// UpsertConversation inserts or updates one summary row.
func (s *Store) UpsertConversation(c *Conversation) error {
	if s.unavailable("upsert conversation") {
		return nil
	}
	now := time.Now().UnixMilli()
	if c.SyncStatus == "" {
		c.SyncStatus = StatusSynced
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (
			conversation_id, conversation_type, user_id, group_id, name, email,
			avatar_url, last_message, last_message_date, last_message_sender_id,
			last_message_read_at, unread_count, created_at, updated_at, sync_status)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''),
			NULLIF(?, ''), NULLIF(?, 0), NULLIF(?, ''), NULLIF(?, 0), ?, ?, ?, ?)
		ON CONFLICT(conversation_id, conversation_type) DO UPDATE SET
			user_id = excluded.user_id,
			group_id = excluded.group_id,
			name = excluded.name,
			email = excluded.email,
			avatar_url = excluded.avatar_url,
			last_message = excluded.last_message,
			last_message_date = excluded.last_message_date,
			last_message_sender_id = excluded.last_message_sender_id,
			last_message_read_at = excluded.last_message_read_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at,
			sync_status = excluded.sync_status`,
		c.ConversationID, c.ConversationKind, c.UserID, c.GroupID, c.Name, c.Email,
		c.AvatarURL, c.LastMessage, c.LastMessageDate, c.LastMessageSenderID,
		c.LastMessageReadAt, c.UnreadCount, c.CreatedAt, now, c.SyncStatus)
	return err
}

// Conversations returns all summary rows, most recent activity first.
func (s *Store) Conversations() ([]Conversation, error) {
	if s.unavailable("list conversations") {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT id, conversation_id, conversation_type,
			COALESCE(user_id, ''), COALESCE(group_id, ''), name,
			COALESCE(email, ''), COALESCE(avatar_url, ''),
			COALESCE(last_message, ''), COALESCE(last_message_date, 0),
			COALESCE(last_message_sender_id, ''), COALESCE(last_message_read_at, 0),
			unread_count, created_at, updated_at, sync_status
		FROM conversations
		ORDER BY last_message_date DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.ConversationKind,
			&c.UserID, &c.GroupID, &c.Name,
			&c.Email, &c.AvatarURL,
			&c.LastMessage, &c.LastMessageDate,
			&c.LastMessageSenderID, &c.LastMessageReadAt,
			&c.UnreadCount, &c.CreatedAt, &c.UpdatedAt, &c.SyncStatus); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// UnreadCounts returns per-conversation unread counters for conversations
// that have any. Conversation id keys are qualified by kind so an individual
// chat and a group sharing an id stay distinct.
func (s *Store) UnreadCounts() (map[string]int, error) {
	if s.unavailable("unread counts") {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT conversation_id, conversation_type, unread_count
		FROM conversations WHERE unread_count > 0`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var kind ConversationKind
		var n int
		if err := rows.Scan(&id, &kind, &n); err != nil {
			return nil, err
		}
		counts[UnreadKey(id, kind)] = n
	}
	return counts, rows.Err()
}

// UnreadKey qualifies a conversation id with its kind for unread-count maps.
func UnreadKey(convID string, kind ConversationKind) string {
	return string(kind) + ":" + convID
}
