package store

import (
	"database/sql"
	"time"
)

// SyncState returns the reconciliation state for a conversation, or nil if
// the conversation has never been synced.
func (s *Store) SyncState(convID string, kind ConversationKind) (*SyncState, error) {
	if s.unavailable("get sync state") {
		return nil, nil
	}
	var st SyncState
	err := s.db.QueryRow(`
		SELECT conversation_id, conversation_type, last_sync_timestamp,
			sync_status, COALESCE(last_error, '')
		FROM sync_state
		WHERE conversation_id = ? AND conversation_type = ?`, convID, kind).
		Scan(&st.ConversationID, &st.ConversationKind, &st.LastSyncTimestamp,
			&st.Status, &st.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SetSyncState upserts the reconciliation state for a conversation. The
// timestamp records the last successful sync: it advances only on a synced
// status and survives syncing/failed transitions, so staleness stays
// readable across a failed pull.
func (s *Store) SetSyncState(st *SyncState) error {
	if s.unavailable("set sync state") {
		return nil
	}
	if st.LastSyncTimestamp == 0 && st.Status == SyncStateSynced {
		st.LastSyncTimestamp = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT INTO sync_state (conversation_id, conversation_type, last_sync_timestamp, sync_status, last_error)
		VALUES (?, ?, ?, ?, NULLIF(?, ''))
		ON CONFLICT(conversation_id, conversation_type) DO UPDATE SET
			last_sync_timestamp = MAX(sync_state.last_sync_timestamp, excluded.last_sync_timestamp),
			sync_status = excluded.sync_status,
			last_error = excluded.last_error`,
		st.ConversationID, st.ConversationKind, st.LastSyncTimestamp, st.Status, st.LastError)
	return err
}
