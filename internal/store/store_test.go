package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	s := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := s.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestUpsertMessageInsertsAndAssignsLocalID(t *testing.T) {
	s := testDB(t)

	m := &Message{
		ConversationID:   "u1",
		ConversationKind: KindIndividual,
		SenderID:         "me",
		Body:             "hello",
		CreatedAt:        1000,
	}
	if err := s.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if m.LocalID == "" {
		t.Fatal("local id not assigned on insert")
	}

	msgs, err := s.Messages("u1", KindIndividual, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello" {
		t.Fatalf("got %d messages, want 1 with body=hello", len(msgs))
	}
	if msgs[0].SyncStatus != StatusPending {
		t.Errorf("status = %q, want pending (no server id)", msgs[0].SyncStatus)
	}
}

// Dedup by server identifier: upserting a message whose server id already
// exists updates the existing row, even when the local id differs.
func TestUpsertMessageDedupByServerID(t *testing.T) {
	s := testDB(t)

	first := &Message{
		LocalID: "local-a", ServerID: "srv-1",
		ConversationID: "u1", ConversationKind: KindIndividual,
		SenderID: "them", Body: "v1", CreatedAt: 1000,
	}
	if err := s.UpsertMessage(first); err != nil {
		t.Fatal(err)
	}

	second := &Message{
		LocalID: "local-b", ServerID: "srv-1",
		ConversationID: "u1", ConversationKind: KindIndividual,
		SenderID: "them", Body: "v2", CreatedAt: 1000,
	}
	if err := s.UpsertMessage(second); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Messages("u1", KindIndividual, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (dedup by server id)", len(msgs))
	}
	if msgs[0].Body != "v2" {
		t.Errorf("body = %q, want v2", msgs[0].Body)
	}
	if msgs[0].LocalID != "local-a" {
		t.Errorf("local id = %q, want the original local-a", msgs[0].LocalID)
	}
}

func TestUpsertMessageMatchesLocalIDAndRecordsServerID(t *testing.T) {
	s := testDB(t)

	m := &Message{
		LocalID: "local-a",
		ConversationID: "u1", ConversationKind: KindIndividual,
		SenderID: "me", Body: "draft", CreatedAt: 1000,
		SyncStatus: StatusPending,
	}
	if err := s.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	// Server echoes the message: same local id, now with a server id.
	m.ServerID = "srv-9"
	if err := s.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.Messages("u1", KindIndividual, 10, 0)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ServerID != "srv-9" {
		t.Errorf("server id = %q, want srv-9", msgs[0].ServerID)
	}
	if msgs[0].SyncStatus != StatusSynced {
		t.Errorf("status = %q, want synced (server id present)", msgs[0].SyncStatus)
	}
}

func TestUpdateMessageStatus(t *testing.T) {
	s := testDB(t)

	m := &Message{LocalID: "l1", ConversationID: "u1", ConversationKind: KindIndividual, Body: "x", CreatedAt: 1}
	if err := s.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateMessageStatus("l1", "", StatusFailed); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.Messages("u1", KindIndividual, 10, 0)
	if msgs[0].SyncStatus != StatusFailed {
		t.Errorf("status = %q, want failed", msgs[0].SyncStatus)
	}

	// A server id forces synced regardless of the status argument.
	if err := s.UpdateMessageStatus("l1", "srv-1", StatusFailed); err != nil {
		t.Fatal(err)
	}
	msgs, _ = s.Messages("u1", KindIndividual, 10, 0)
	if msgs[0].SyncStatus != StatusSynced || msgs[0].ServerID != "srv-1" {
		t.Errorf("got status=%q server=%q, want synced/srv-1", msgs[0].SyncStatus, msgs[0].ServerID)
	}
}

func TestReadAtMonotonic(t *testing.T) {
	s := testDB(t)

	m := &Message{LocalID: "l1", ServerID: "s1", ConversationID: "u1",
		ConversationKind: KindIndividual, Body: "x", CreatedAt: 1, ReadAt: 5000}
	if err := s.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	// A later upsert without read_at must not clear it.
	m2 := &Message{ServerID: "s1", ConversationID: "u1",
		ConversationKind: KindIndividual, Body: "x2", CreatedAt: 1}
	if err := s.UpsertMessage(m2); err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.Messages("u1", KindIndividual, 10, 0)
	if msgs[0].ReadAt != 5000 {
		t.Errorf("read_at = %d, want 5000 (monotonic)", msgs[0].ReadAt)
	}
}

func TestDeleteMessageCascadesAttachments(t *testing.T) {
	s := testDB(t)

	m := &Message{
		LocalID: "l1", ServerID: "s1",
		ConversationID: "u1", ConversationKind: KindIndividual,
		Body: "", CreatedAt: 1,
		Attachments: []Attachment{
			{Name: "photo.jpg", MIME: "image/jpeg", URL: "https://cdn/x.jpg", Size: 123, Kind: "image"},
		},
	}
	if err := s.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	atts, err := s.AttachmentsForMessage("l1")
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 1 {
		t.Fatalf("got %d attachments, want 1", len(atts))
	}
	if atts[0].SyncStatus != StatusSynced {
		t.Errorf("attachment status = %q, want synced (has url)", atts[0].SyncStatus)
	}

	if err := s.DeleteMessageByServerID("s1"); err != nil {
		t.Fatal(err)
	}
	atts, err = s.AttachmentsForMessage("l1")
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 0 {
		t.Errorf("got %d attachments after delete, want 0 (cascade)", len(atts))
	}
}

func TestPendingMessagesExcludesConfirmed(t *testing.T) {
	s := testDB(t)

	pendings := []*Message{
		{LocalID: "p1", ConversationID: "u1", ConversationKind: KindIndividual, Body: "a", CreatedAt: 2},
		{LocalID: "p2", ConversationID: "u1", ConversationKind: KindIndividual, Body: "b", CreatedAt: 1},
	}
	confirmed := &Message{LocalID: "c1", ServerID: "s1", ConversationID: "u1",
		ConversationKind: KindIndividual, Body: "c", CreatedAt: 3}
	if err := s.UpsertMessages(append(pendings, confirmed)); err != nil {
		t.Fatal(err)
	}

	got, err := s.PendingMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d pending, want 2", len(got))
	}
	// Oldest first.
	if got[0].LocalID != "p2" || got[1].LocalID != "p1" {
		t.Errorf("order = %s,%s, want p2,p1", got[0].LocalID, got[1].LocalID)
	}
}

func TestSyncedRefsSkipsPending(t *testing.T) {
	s := testDB(t)

	if err := s.UpsertMessages([]*Message{
		{LocalID: "l1", ServerID: "s1", ConversationID: "u1", ConversationKind: KindIndividual, CreatedAt: 1},
		{LocalID: "l2", ConversationID: "u1", ConversationKind: KindIndividual, CreatedAt: 2},
		{LocalID: "l3", ServerID: "s3", ConversationID: "other", ConversationKind: KindIndividual, CreatedAt: 3},
	}); err != nil {
		t.Fatal(err)
	}

	refs, err := s.SyncedRefs("u1", KindIndividual)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].ServerID != "s1" {
		t.Fatalf("refs = %+v, want exactly s1", refs)
	}
}

func TestConversationUpsertIdempotent(t *testing.T) {
	s := testDB(t)

	c := &Conversation{
		ConversationID: "u1", ConversationKind: KindIndividual,
		UserID: "u1", Name: "Alice", LastMessage: "hi", LastMessageDate: 1000,
		UnreadCount: 2,
	}
	if err := s.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}
	c.Name = "Alice Updated"
	c.UnreadCount = 3
	if err := s.UpsertConversation(c); err != nil {
		t.Fatal(err)
	}

	convs, err := s.Conversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	if convs[0].Name != "Alice Updated" || convs[0].UnreadCount != 3 {
		t.Errorf("got %q/%d, want Alice Updated/3", convs[0].Name, convs[0].UnreadCount)
	}
}

func TestSameIDDistinctKinds(t *testing.T) {
	s := testDB(t)

	if err := s.UpsertConversations([]*Conversation{
		{ConversationID: "42", ConversationKind: KindIndividual, Name: "Bob"},
		{ConversationID: "42", ConversationKind: KindGroup, Name: "Team"},
	}); err != nil {
		t.Fatal(err)
	}

	convs, _ := s.Conversations()
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2 (kinds are distinct)", len(convs))
	}
}

func TestUnreadCounts(t *testing.T) {
	s := testDB(t)

	if err := s.UpsertConversations([]*Conversation{
		{ConversationID: "u1", ConversationKind: KindIndividual, UnreadCount: 2},
		{ConversationID: "g1", ConversationKind: KindGroup, UnreadCount: 5},
		{ConversationID: "u2", ConversationKind: KindIndividual, UnreadCount: 0},
	}); err != nil {
		t.Fatal(err)
	}

	counts, err := s.UnreadCounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 2 {
		t.Fatalf("got %d entries, want 2 (zero counts excluded)", len(counts))
	}
	if counts[UnreadKey("u1", KindIndividual)] != 2 || counts[UnreadKey("g1", KindGroup)] != 5 {
		t.Errorf("counts = %v", counts)
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := testDB(t)

	st, err := s.SyncState("u1", KindIndividual)
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Fatal("expected nil state before first sync")
	}

	if err := s.SetSyncState(&SyncState{
		ConversationID: "u1", ConversationKind: KindIndividual,
		Status: SyncStateSyncing,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSyncState(&SyncState{
		ConversationID: "u1", ConversationKind: KindIndividual,
		Status: SyncStateFailed, LastError: "boom",
	}); err != nil {
		t.Fatal(err)
	}

	st, err = s.SyncState("u1", KindIndividual)
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.Status != SyncStateFailed || st.LastError != "boom" {
		t.Errorf("state = %+v, want failed/boom", st)
	}
}

func TestSyncStateKeepsLastSuccessTimestamp(t *testing.T) {
	s := testDB(t)

	if err := s.SetSyncState(&SyncState{
		ConversationID: "u1", ConversationKind: KindIndividual,
		Status: SyncStateSynced,
	}); err != nil {
		t.Fatal(err)
	}
	st, err := s.SyncState("u1", KindIndividual)
	if err != nil {
		t.Fatal(err)
	}
	if st.LastSyncTimestamp == 0 {
		t.Fatal("synced state should record a timestamp")
	}
	synced := st.LastSyncTimestamp

	// A later failed pull must not erase when the data was last good.
	for _, status := range []SyncStateStatus{SyncStateSyncing, SyncStateFailed} {
		if err := s.SetSyncState(&SyncState{
			ConversationID: "u1", ConversationKind: KindIndividual,
			Status: status, LastError: "timeout",
		}); err != nil {
			t.Fatal(err)
		}
	}

	st, err = s.SyncState("u1", KindIndividual)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != SyncStateFailed {
		t.Errorf("status = %q, want failed", st.Status)
	}
	if st.LastSyncTimestamp != synced {
		t.Errorf("last sync timestamp = %d, want %d", st.LastSyncTimestamp, synced)
	}
}

func TestMarkConversationRead(t *testing.T) {
	s := testDB(t)

	if err := s.UpsertMessages([]*Message{
		{LocalID: "l1", ServerID: "s1", ConversationID: "u1", ConversationKind: KindIndividual, CreatedAt: 1},
		{LocalID: "l2", ServerID: "s2", ConversationID: "u1", ConversationKind: KindIndividual, CreatedAt: 2},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertConversation(&Conversation{
		ConversationID: "u1", ConversationKind: KindIndividual, UnreadCount: 2,
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkConversationRead("u1", KindIndividual, 9000); err != nil {
		t.Fatal(err)
	}

	msgs, _ := s.Messages("u1", KindIndividual, 10, 0)
	for _, m := range msgs {
		if m.ReadAt != 9000 {
			t.Errorf("message %s read_at = %d, want 9000", m.LocalID, m.ReadAt)
		}
	}
	convs, _ := s.Conversations()
	if convs[0].UnreadCount != 0 {
		t.Errorf("unread_count = %d, want 0", convs[0].UnreadCount)
	}
}

// Storage-unavailable mode: reads degrade to empty, writes are no-ops,
// nothing errors.
func TestDegradedStore(t *testing.T) {
	s := Degraded(nil)

	if s.Available() {
		t.Fatal("degraded store reports available")
	}
	if err := s.UpsertMessages([]*Message{{LocalID: "l1"}}); err != nil {
		t.Errorf("UpsertMessages on degraded store: %v", err)
	}
	msgs, err := s.Messages("u1", KindIndividual, 10, 0)
	if err != nil || msgs != nil {
		t.Errorf("Messages = (%v, %v), want (nil, nil)", msgs, err)
	}
	convs, err := s.Conversations()
	if err != nil || convs != nil {
		t.Errorf("Conversations = (%v, %v), want (nil, nil)", convs, err)
	}
	if _, err := s.Migrate(); err != nil {
		t.Errorf("Migrate on degraded store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close on degraded store: %v", err)
	}
}
