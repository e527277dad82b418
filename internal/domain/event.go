package domain

import "time"

// Real-time event types pushed to sessions.
const (
	EventMessageCreated      = "message-created"
	EventMessageUpdated      = "message-updated"
	EventMessageDeleted      = "message-deleted"
	EventMembershipChanged   = "membership-changed"
	EventConversationDeleted = "conversation-deleted"
	EventTyping              = "typing"
)

// Domain event names published to the event bus.
const (
	TopicMessageCreated      = "message.created"
	TopicMessageUpdated      = "message.updated"
	TopicMessageDeleted      = "message.deleted"
	TopicConversationCreated = "conversation.created"
	TopicMembershipChanged   = "conversation.membership_changed"
	TopicConversationDeleted = "conversation.deleted"
	TopicFriendRequested     = "friend.requested"
	TopicFriendAccepted      = "friend.accepted"
	TopicUserBlocked         = "user.blocked"
)

// DomainEvent is the bus payload, keyed by Key (conversation or user id).
type DomainEvent struct {
	Event          string        `json:"event"`
	Key            string        `json:"-"`
	ConversationID string        `json:"conversation_id,omitempty"`
	ActorID        string        `json:"actor_id,omitempty"`
	TargetID       string        `json:"target_id,omitempty"`
	Recipients     []string      `json:"recipients,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

// MembershipChange describes a membership-changed push.
type MembershipChange struct {
	ConversationID string   `json:"conversation_id"`
	Action         string   `json:"action"`
	UserID         string   `json:"user_id,omitempty"`
	Members        []string `json:"members"`
	Admin          string   `json:"admin,omitempty"`
	Name           string   `json:"name,omitempty"`
	Avatar         string   `json:"avatar,omitempty"`
}

const (
	MembershipCreated = "created"
	MembershipAdded   = "added"
	MembershipRemoved = "removed"
	MembershipLeft    = "left"
	MembershipMeta    = "meta_updated"
)
