package domain

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

type Message struct {
	ID             string     `bson:"_id" json:"id"`
	ConversationID string     `bson:"conversation_id" json:"conversation_id"`
	SenderID       string     `bson:"sender_id" json:"sender_id"`
	Body           string     `bson:"body" json:"body"`
	AttachmentRef  string     `bson:"attachment_ref,omitempty" json:"attachment_ref,omitempty"`
	ClientMsgID    string     `bson:"client_msg_id,omitempty" json:"client_msg_id,omitempty"`
	IsEdited       bool       `bson:"is_edited" json:"is_edited"`
	IsDeleted      bool       `bson:"is_deleted" json:"is_deleted"`
	CreatedAt      time.Time  `bson:"created_at" json:"created_at"`
	EditedAt       *time.Time `bson:"edited_at,omitempty" json:"edited_at,omitempty"`
	DeletedAt      *time.Time `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
}

const previewLen = 80

func (m Message) Ref() LastMessage {
	preview := m.Body
	if preview == "" && m.AttachmentRef != "" {
		preview = "[attachment]"
	}
	if utf8.RuneCountInString(preview) > previewLen {
		preview = string([]rune(preview)[:previewLen])
	}
	return LastMessage{ID: m.ID, SenderID: m.SenderID, CreatedAt: m.CreatedAt, Preview: preview}
}

func (m Message) Cursor() Cursor { return Cursor{CreatedAt: m.CreatedAt, ID: m.ID} }

// Cursor is a position in a conversation's (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

var ErrBadCursor = errors.New("malformed cursor")

func (c Cursor) IsZero() bool { return c.ID == "" && c.CreatedAt.IsZero() }

// Before reports whether c sorts strictly before other.
func (c Cursor) Before(other Cursor) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(c.CreatedAt.UnixMilli(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, ErrBadCursor
	}
	ms, id, ok := strings.Cut(string(b), "|")
	if !ok || id == "" {
		return Cursor{}, ErrBadCursor
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return Cursor{}, ErrBadCursor
	}
	return Cursor{CreatedAt: time.UnixMilli(n).UTC(), ID: id}, nil
}

type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
	PrevCursor string    `json:"prev_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}
