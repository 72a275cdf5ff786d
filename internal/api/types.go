package api

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/courierapp/courier/internal/store"
)

// Conversation is the wire shape of one conversation summary.
type Conversation struct {
	ConversationID      string     `json:"conversation_id"`
	ConversationType    string     `json:"conversation_type"`
	UserID              string     `json:"user_id,omitempty"`
	GroupID             string     `json:"group_id,omitempty"`
	Name                string     `json:"name"`
	Email               string     `json:"email,omitempty"`
	AvatarURL           string     `json:"avatar_url,omitempty"`
	LastMessage         string     `json:"last_message,omitempty"`
	LastMessageDate     *time.Time `json:"last_message_date,omitempty"`
	LastMessageSenderID string     `json:"last_message_sender_id,omitempty"`
	LastMessageReadAt   *time.Time `json:"last_message_read_at,omitempty"`
	UnreadCount         int        `json:"unread_count"`
	CreatedAt           *time.Time `json:"created_at,omitempty"`
}

// Message is the wire shape of one message in a list response.
type Message struct {
	ID          string       `json:"id"`
	ClientRef   string       `json:"client_ref,omitempty"`
	SenderID    string       `json:"sender_id"`
	ReceiverID  string       `json:"receiver_id,omitempty"`
	GroupID     string       `json:"group_id,omitempty"`
	Body        *string      `json:"message"`
	CreatedAt   time.Time    `json:"created_at"`
	ReadAt      *time.Time   `json:"read_at,omitempty"`
	EditedAt    *time.Time   `json:"edited_at,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is the wire shape of an uploaded attachment.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	MIME string `json:"mime"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Kind string `json:"type"`
}

// SendResult is the acknowledgement for an accepted message. ID may be empty
// on a 2xx whose body carried no identifier.
type SendResult struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// SendAttachment references one attachment on an outbound message. An entry
// with a remote URL is already uploaded and is referenced, not re-sent.
type SendAttachment struct {
	Name      string
	MIME      string
	LocalPath string
	URL       string
}

// SendRequest is an outbound message. ClientRef carries the device-local id
// so the server can echo it back for reconciliation.
type SendRequest struct {
	ClientRef      string
	ConversationID string
	Kind           store.ConversationKind
	Body           string
	Attachments    []SendAttachment
}

// Uploads returns the attachments that still need their payload sent.
func (r *SendRequest) Uploads() []SendAttachment {
	var out []SendAttachment
	for _, a := range r.Attachments {
		if a.URL == "" && a.LocalPath != "" {
			out = append(out, a)
		}
	}
	return out
}

func (r *SendRequest) jsonBody() map[string]any {
	body := map[string]any{
		"message":    r.Body,
		"client_ref": r.ClientRef,
	}
	if r.Kind == store.KindGroup {
		body["group_id"] = r.ConversationID
	} else {
		body["receiver_id"] = r.ConversationID
	}
	var refs []string
	for _, a := range r.Attachments {
		if a.URL != "" {
			refs = append(refs, a.URL)
		}
	}
	if len(refs) > 0 {
		body["attachment_urls"] = refs
	}
	return body
}

func (r *SendRequest) formValues() url.Values {
	fields := url.Values{}
	fields.Set("message", r.Body)
	fields.Set("client_ref", r.ClientRef)
	if r.Kind == store.KindGroup {
		fields.Set("group_id", r.ConversationID)
	} else {
		fields.Set("receiver_id", r.ConversationID)
	}
	for _, a := range r.Attachments {
		if a.URL != "" {
			fields.Add("attachment_urls[]", a.URL)
		}
	}
	return fields
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Body)
}

// IsPermanent reports whether err is a client error the engine must not
// retry (4xx).
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// UnixMilli converts an optional wire timestamp to engine millis.
func UnixMilli(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
