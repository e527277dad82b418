package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicate          = errors.New("duplicate key")
	ErrVersionConflict    = errors.New("version conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
)

type UserRepository interface {
	// CreateUser inserts an empty record; ErrDuplicate when it already exists.
	CreateUser(ctx context.Context, u domain.User) error
	GetUser(ctx context.Context, id string) (domain.User, error)
	// ApplyEdges applies mut to one user record atomically and returns the
	// effective change. ErrPreconditionFailed when Require/Forbid do not hold.
	ApplyEdges(ctx context.Context, userID string, mut domain.EdgeMutation) (domain.EdgeMutation, error)
}

type ConversationRepository interface {
	// CreateConversation returns ErrDuplicate when a direct conversation for the
	// same pair already exists.
	CreateConversation(ctx context.Context, c domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	FindDirect(ctx context.Context, directKey string) (domain.Conversation, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	// UpdateConversation writes members, admin, name, avatar and deleted_for if
	// the stored version equals c.Version, then bumps it.
	UpdateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error)
	// SetLastMessage moves the pointer only when ref is newer than the stored
	// one. Returns false with nil error when the pointer was already newer,
	// ErrNotFound when the conversation is gone.
	SetLastMessage(ctx context.Context, conversationID string, ref domain.LastMessage) (bool, error)
	DeleteConversation(ctx context.Context, id string) error
}

type ListQuery struct {
	ConversationID string
	Cursor         domain.Cursor
	Before         bool
	Limit          int
}

type MessageRepository interface {
	// InsertMessage returns ErrDuplicate when (conversation, sender, client_msg_id)
	// already exists.
	InsertMessage(ctx context.Context, m domain.Message) error
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	FindByClientID(ctx context.Context, conversationID, senderID, clientMsgID string) (domain.Message, error)
	// EditMessage fails with ErrPreconditionFailed if the message is soft-deleted.
	EditMessage(ctx context.Context, id, body string, at time.Time) (domain.Message, error)
	// SoftDeleteMessage returns the deleted message and whether this call
	// performed the transition.
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) (domain.Message, bool, error)
	// ListMessages returns up to Limit messages after (or before) Cursor,
	// always in ascending (created_at, id) order.
	ListMessages(ctx context.Context, q ListQuery) ([]domain.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	DeleteByConversation(ctx context.Context, conversationID string) (int64, error)
}

// Store groups the three repositories a running service needs.
type Store struct {
	Users         UserRepository
	Conversations ConversationRepository
	Messages      MessageRepository
}
