package sync

import (
	"github.com/courierapp/courier/internal/api"
	"github.com/courierapp/courier/internal/store"
)

// mapMessage converts a wire message into the store shape. Messages arriving
// through reconciliation are server-confirmed by definition; the server's
// client_ref echo, when present, lets the row merge with its pending local
// twin instead of inserting a duplicate.
func mapMessage(m *api.Message, convID string, kind store.ConversationKind) *store.Message {
	body := ""
	if m.Body != nil {
		body = *m.Body
	}
	out := &store.Message{
		LocalID:          m.ClientRef,
		ServerID:         m.ID,
		ConversationID:   convID,
		ConversationKind: kind,
		SenderID:         m.SenderID,
		ReceiverID:       m.ReceiverID,
		GroupID:          m.GroupID,
		Body:             body,
		CreatedAt:        m.CreatedAt.UnixMilli(),
		ReadAt:           api.UnixMilli(m.ReadAt),
		EditedAt:         api.UnixMilli(m.EditedAt),
		ReplyToID:        m.ReplyToID,
		SyncStatus:       store.StatusSynced,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, store.Attachment{
			ServerID:   a.ID,
			Name:       a.Name,
			MIME:       a.MIME,
			URL:        a.URL,
			Size:       a.Size,
			Kind:       a.Kind,
			SyncStatus: store.StatusSynced,
		})
	}
	return out
}

func mapConversation(c *api.Conversation) *store.Conversation {
	kind := store.ConversationKind(c.ConversationType)
	if kind != store.KindGroup {
		kind = store.KindIndividual
	}
	return &store.Conversation{
		ConversationID:      c.ConversationID,
		ConversationKind:    kind,
		UserID:              c.UserID,
		GroupID:             c.GroupID,
		Name:                c.Name,
		Email:               c.Email,
		AvatarURL:           c.AvatarURL,
		LastMessage:         c.LastMessage,
		LastMessageDate:     api.UnixMilli(c.LastMessageDate),
		LastMessageSenderID: c.LastMessageSenderID,
		LastMessageReadAt:   api.UnixMilli(c.LastMessageReadAt),
		UnreadCount:         c.UnreadCount,
		CreatedAt:           api.UnixMilli(c.CreatedAt),
		SyncStatus:          store.StatusSynced,
	}
}
