package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// UpsertMessages writes a batch of messages. Rows are keyed by server id when
// present, else by local id; unmatched rows are inserted. A failure on one
// row does not abort the remaining rows; the joined row errors are returned
// for logging, never as a reason to discard the batch.
func (s *Store) UpsertMessages(msgs []*Message) error {
	if s.unavailable("upsert messages") {
		return nil
	}
	var errs error
	for _, m := range msgs {
		if err := s.UpsertMessage(m); err != nil {
			s.log.Warn("message upsert failed",
				zap.String("local_id", m.LocalID),
				zap.String("server_id", m.ServerID),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("message %s: %w", m.LocalID, err))
		}
	}
	return errs
}

// UpsertMessage writes a single message. The merge order is: match by server
// id, else match by local id (recording the server id if one arrived), else
// insert. A local id is assigned when the caller left it empty. The server-id
// invariant is enforced here: a row holding a server id is always synced.
func (s *Store) UpsertMessage(m *Message) error {
	if s.unavailable("upsert message") {
		return nil
	}

	if m.ServerID != "" {
		m.SyncStatus = StatusSynced
	} else if m.SyncStatus == "" {
		m.SyncStatus = StatusPending
	}
	now := time.Now().UnixMilli()

	if m.ServerID != "" {
		res, err := s.db.Exec(`
			UPDATE messages SET
				conversation_id = ?, conversation_type = ?, sender_id = ?,
				receiver_id = NULLIF(?, ''), group_id = NULLIF(?, ''),
				message = ?, created_at = ?,
				read_at = NULLIF(MAX(COALESCE(read_at, 0), ?), 0),
				edited_at = NULLIF(?, 0), reply_to_id = NULLIF(?, ''),
				sync_status = ?, updated_at = ?
			WHERE server_id = ?`,
			m.ConversationID, m.ConversationKind, m.SenderID,
			m.ReceiverID, m.GroupID,
			m.Body, m.CreatedAt,
			m.ReadAt,
			m.EditedAt, m.ReplyToID,
			m.SyncStatus, now,
			m.ServerID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			// The row may predate this device's local id for the message.
			var localID string
			if err := s.db.QueryRow(`SELECT id FROM messages WHERE server_id = ?`, m.ServerID).Scan(&localID); err != nil {
				return err
			}
			m.LocalID = localID
			return s.replaceAttachments(m)
		}
	}

	if m.LocalID != "" {
		res, err := s.db.Exec(`
			UPDATE messages SET
				server_id = COALESCE(NULLIF(?, ''), server_id),
				conversation_id = ?, conversation_type = ?, sender_id = ?,
				receiver_id = NULLIF(?, ''), group_id = NULLIF(?, ''),
				message = ?, created_at = ?,
				read_at = NULLIF(MAX(COALESCE(read_at, 0), ?), 0),
				edited_at = NULLIF(?, 0), reply_to_id = NULLIF(?, ''),
				sync_status = ?, updated_at = ?
			WHERE id = ?`,
			m.ServerID,
			m.ConversationID, m.ConversationKind, m.SenderID,
			m.ReceiverID, m.GroupID,
			m.Body, m.CreatedAt,
			m.ReadAt,
			m.EditedAt, m.ReplyToID,
			m.SyncStatus, now,
			m.LocalID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return s.replaceAttachments(m)
		}
	}

	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (
			id, server_id, conversation_id, conversation_type, sender_id,
			receiver_id, group_id, message, created_at, read_at, edited_at,
			reply_to_id, sync_status, updated_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?,
			NULLIF(?, 0), NULLIF(?, 0), NULLIF(?, ''), ?, ?)`,
		m.LocalID, m.ServerID, m.ConversationID, m.ConversationKind, m.SenderID,
		m.ReceiverID, m.GroupID, m.Body, m.CreatedAt, m.ReadAt, m.EditedAt,
		m.ReplyToID, m.SyncStatus, now)
	if err != nil {
		return err
	}
	return s.replaceAttachments(m)
}

// replaceAttachments rewrites a message's attachment rows. An empty incoming
// set leaves existing rows alone: status-only updates must not strip media.
func (s *Store) replaceAttachments(m *Message) error {
	if len(m.Attachments) == 0 {
		return nil
	}
	if _, err := s.db.Exec(`DELETE FROM attachments WHERE message_id = ?`, m.LocalID); err != nil {
		return err
	}
	for i := range m.Attachments {
		a := &m.Attachments[i]
		if a.LocalID == "" {
			a.LocalID = uuid.NewString()
		}
		a.MessageID = m.LocalID
		if a.ServerID != "" || a.URL != "" {
			a.SyncStatus = StatusSynced
		} else if a.SyncStatus == "" {
			a.SyncStatus = StatusPending
		}
		if _, err := s.db.Exec(`
			INSERT INTO attachments (id, server_id, message_id, name, mime, url, local_path, size, type, sync_status)
			VALUES (?, NULLIF(?, ''), ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`,
			a.LocalID, a.ServerID, a.MessageID, a.Name, a.MIME, a.URL, a.LocalPath, a.Size, a.Kind, a.SyncStatus); err != nil {
			return err
		}
	}
	return nil
}

// Messages returns a conversation's messages, newest first, with attachments
// loaded. On a degraded store the result is empty, not an error.
func (s *Store) Messages(convID string, kind ConversationKind, limit, offset int) ([]Message, error) {
	if s.unavailable("list messages") {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, COALESCE(server_id, ''), conversation_id, conversation_type,
			sender_id, COALESCE(receiver_id, ''), COALESCE(group_id, ''),
			COALESCE(message, ''), created_at, COALESCE(read_at, 0),
			COALESCE(edited_at, 0), COALESCE(reply_to_id, ''), sync_status, updated_at
		FROM messages
		WHERE conversation_id = ? AND conversation_type = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, convID, kind, limit, offset)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadAttachments(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// PendingMessages returns locally originated messages awaiting server
// confirmation, oldest first, with attachments loaded.
func (s *Store) PendingMessages() ([]Message, error) {
	if s.unavailable("pending messages") {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT id, COALESCE(server_id, ''), conversation_id, conversation_type,
			sender_id, COALESCE(receiver_id, ''), COALESCE(group_id, ''),
			COALESCE(message, ''), created_at, COALESCE(read_at, 0),
			COALESCE(edited_at, 0), COALESCE(reply_to_id, ''), sync_status, updated_at
		FROM messages
		WHERE sync_status = 'pending' AND server_id IS NULL
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadAttachments(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// UpdateMessageStatus records the outcome of a send attempt. A non-empty
// serverID forces StatusSynced regardless of the status argument.
func (s *Store) UpdateMessageStatus(localID, serverID string, status SyncStatus) error {
	if s.unavailable("update message status") {
		return nil
	}
	if serverID != "" {
		status = StatusSynced
	}
	_, err := s.db.Exec(`
		UPDATE messages SET
			server_id = COALESCE(NULLIF(?, ''), server_id),
			sync_status = ?, updated_at = ?
		WHERE id = ?`,
		serverID, status, time.Now().UnixMilli(), localID)
	return err
}

// DeleteMessageByServerID removes a message and its attachments.
func (s *Store) DeleteMessageByServerID(serverID string) error {
	if s.unavailable("delete message") {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM messages WHERE server_id = ?`, serverID)
	return err
}

// DeleteMessageByLocalID removes a message and its attachments.
func (s *Store) DeleteMessageByLocalID(localID string) error {
	if s.unavailable("delete message") {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, localID)
	return err
}

// SyncedRefs returns the (local id, server id) pairs of a conversation's
// server-confirmed messages. Deletion detection diffs these against a fetched
// page; rows without a server id never appear here and so are never deleted
// by reconciliation.
func (s *Store) SyncedRefs(convID string, kind ConversationKind) ([]SyncedMessageRef, error) {
	if s.unavailable("synced refs") {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT id, server_id FROM messages
		WHERE conversation_id = ? AND conversation_type = ? AND server_id IS NOT NULL`,
		convID, kind)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var refs []SyncedMessageRef
	for rows.Next() {
		var r SyncedMessageRef
		if err := rows.Scan(&r.LocalID, &r.ServerID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// MarkConversationRead stamps read_at on the conversation's unread messages
// and zeroes the summary counter. read_at is only ever set, never cleared.
func (s *Store) MarkConversationRead(convID string, kind ConversationKind, readAt int64) error {
	if s.unavailable("mark conversation read") {
		return nil
	}
	if readAt == 0 {
		readAt = time.Now().UnixMilli()
	}
	if _, err := s.db.Exec(`
		UPDATE messages SET read_at = ?, updated_at = ?
		WHERE conversation_id = ? AND conversation_type = ? AND read_at IS NULL`,
		readAt, time.Now().UnixMilli(), convID, kind); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE conversations SET unread_count = 0, last_message_read_at = ?, updated_at = ?
		WHERE conversation_id = ? AND conversation_type = ?`,
		readAt, time.Now().UnixMilli(), convID, kind)
	return err
}

// AttachmentsForMessage returns a message's attachment rows.
func (s *Store) AttachmentsForMessage(localID string) ([]Attachment, error) {
	if s.unavailable("attachments for message") {
		return nil, nil
	}
	rows, err := s.db.Query(attachmentSelect+` WHERE message_id = ?`, localID)
	if err != nil {
		return nil, err
	}
	return scanAttachments(rows)
}

const attachmentSelect = `
	SELECT id, COALESCE(server_id, ''), message_id, name, mime,
		COALESCE(url, ''), COALESCE(local_path, ''), size, type, sync_status
	FROM attachments`

func (s *Store) loadAttachments(msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]any, len(msgs))
	ph := make([]string, len(msgs))
	byMsg := make(map[string]int, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].LocalID
		ph[i] = "?"
		byMsg[msgs[i].LocalID] = i
	}
	rows, err := s.db.Query(attachmentSelect+` WHERE message_id IN (`+strings.Join(ph, ",")+`)`, ids...)
	if err != nil {
		return err
	}
	atts, err := scanAttachments(rows)
	if err != nil {
		return err
	}
	for _, a := range atts {
		if i, ok := byMsg[a.MessageID]; ok {
			msgs[i].Attachments = append(msgs[i].Attachments, a)
		}
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.LocalID, &m.ServerID, &m.ConversationID, &m.ConversationKind,
			&m.SenderID, &m.ReceiverID, &m.GroupID,
			&m.Body, &m.CreatedAt, &m.ReadAt,
			&m.EditedAt, &m.ReplyToID, &m.SyncStatus, &m.UpdatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanAttachments(rows *sql.Rows) ([]Attachment, error) {
	defer func() { _ = rows.Close() }()
	var atts []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.LocalID, &a.ServerID, &a.MessageID, &a.Name, &a.MIME,
			&a.URL, &a.LocalPath, &a.Size, &a.Kind, &a.SyncStatus); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}
