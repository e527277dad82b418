package domain

import (
	"slices"
	"time"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// LastMessage points at the newest message of a conversation.
type LastMessage struct {
	ID        string    `bson:"id" json:"id"`
	SenderID  string    `bson:"sender_id" json:"sender_id"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	Preview   string    `bson:"preview" json:"preview"`
}

// Newer reports whether l orders after other by (created_at, id).
func (l LastMessage) Newer(other *LastMessage) bool {
	if other == nil {
		return true
	}
	if !l.CreatedAt.Equal(other.CreatedAt) {
		return l.CreatedAt.After(other.CreatedAt)
	}
	return l.ID > other.ID
}

type Conversation struct {
	ID          string           `bson:"_id" json:"id"`
	Type        ConversationType `bson:"type" json:"type"`
	Members     []string         `bson:"members" json:"members"`
	Admin       string           `bson:"admin,omitempty" json:"admin,omitempty"`
	Name        string           `bson:"name,omitempty" json:"name,omitempty"`
	Avatar      string           `bson:"avatar,omitempty" json:"avatar,omitempty"`
	LastMessage *LastMessage     `bson:"last_message,omitempty" json:"last_message,omitempty"`
	DeletedFor  []string         `bson:"deleted_for" json:"-"`
	DirectKey   string           `bson:"direct_key,omitempty" json:"-"`
	Version     int64            `bson:"version" json:"version"`
	CreatedAt   time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `bson:"updated_at" json:"updated_at"`
}

// DirectKey is the order-independent identity of a user pair.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

func (c Conversation) IsGroup() bool  { return c.Type == ConversationGroup }
func (c Conversation) IsDirect() bool { return c.Type == ConversationDirect }

func (c Conversation) HasMember(userID string) bool { return slices.Contains(c.Members, userID) }

func (c Conversation) HiddenFor(userID string) bool { return slices.Contains(c.DeletedFor, userID) }

// Counterpart returns the other member of a direct conversation.
func (c Conversation) Counterpart(userID string) string {
	for _, m := range c.Members {
		if m != userID {
			return m
		}
	}
	return ""
}

func (c Conversation) Clone() Conversation {
	c.Members = slices.Clone(c.Members)
	c.DeletedFor = slices.Clone(c.DeletedFor)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}

// Dedup returns ids with duplicates and empty entries dropped, order kept.
func Dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
