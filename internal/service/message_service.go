package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fathima-sithara/social-messaging/internal/apperr"
	"github.com/fathima-sithara/social-messaging/internal/config"
	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/fathima-sithara/social-messaging/internal/metrics"
	"github.com/fathima-sithara/social-messaging/internal/repository"
	"github.com/fathima-sithara/social-messaging/internal/utils"
	"github.com/fathima-sithara/social-messaging/internal/ws"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type MessageService struct {
	store        repository.Store
	convs        *ConversationService
	graph        *SocialGraph
	notify       notifier
	log          *zap.Logger
	maxBody      int
	defaultPage  int
	maxPage      int
	echoToOrigin bool
	now          func() time.Time
}

func NewMessageService(store repository.Store, convs *ConversationService, graph *SocialGraph, fanout Fanout, events EventPublisher, cfg *config.Config, log *zap.Logger) *MessageService {
	return &MessageService{
		store:        store,
		convs:        convs,
		graph:        graph,
		notify:       notifier{fanout: fanout, events: events, log: log},
		log:          log,
		maxBody:      cfg.Message.MaxBodyLength,
		defaultPage:  cfg.Message.DefaultPageSize,
		maxPage:      cfg.Message.MaxPageSize,
		echoToOrigin: cfg.WS.EchoToOrigin,
		now:          utils.NowMillis,
	}
}

type AppendInput struct {
	ConversationID  string
	SenderID        string
	Body            string
	AttachmentRef   string
	ClientMsgID     string
	OriginSessionID string
}

type SendDirectInput struct {
	SenderID        string
	RecipientID     string
	Body            string
	AttachmentRef   string
	ClientMsgID     string
	OriginSessionID string
}

type EditInput struct {
	MessageID       string
	ActorID         string
	Body            string
	OriginSessionID string
}

type SoftDeleteInput struct {
	MessageID       string
	ActorID         string
	IsModerator     bool
	OriginSessionID string
}

type ListInput struct {
	ConversationID string
	ActorID        string
	Cursor         string
	Limit          int
	Before         bool
}

func (s *MessageService) validateBody(body string, allowEmpty bool) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" && !allowEmpty {
		return "", apperr.InvalidArgument(apperr.CodeEmptyMessage, "message body or attachment required")
	}
	if utf8.RuneCountInString(body) > s.maxBody {
		return "", apperr.InvalidArgument(apperr.CodeMessageTooLong, "message exceeds "+strconv.Itoa(s.maxBody)+" characters")
	}
	return body, nil
}

// Append stores a message and moves the conversation's last-message pointer.
// A repeated ClientMsgID from the same sender returns the stored message.
func (s *MessageService) Append(ctx context.Context, in AppendInput) (domain.Message, error) {
	in.AttachmentRef = strings.TrimSpace(in.AttachmentRef)
	body, err := s.validateBody(in.Body, in.AttachmentRef != "")
	if err != nil {
		return domain.Message{}, err
	}
	conv, err := s.convs.Member(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return domain.Message{}, err
	}
	if conv.IsDirect() {
		blocked, err := s.graph.Blocked(ctx, in.SenderID, conv.Counterpart(in.SenderID))
		if err != nil {
			return domain.Message{}, err
		}
		if blocked {
			return domain.Message{}, apperr.Forbidden(apperr.CodeBlocked, "conversation blocked")
		}
	}
	if in.ClientMsgID != "" {
		if m, err := s.findByClientID(ctx, in); err == nil {
			return m, nil
		} else if !errors.Is(err, repository.ErrNotFound) {
			return domain.Message{}, apperr.Transient("lookup client message id", err)
		}
	}

	m := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Body:           body,
		AttachmentRef:  in.AttachmentRef,
		ClientMsgID:    in.ClientMsgID,
		CreatedAt:      s.now(),
	}
	err = s.store.Messages.InsertMessage(ctx, m)
	if errors.Is(err, repository.ErrDuplicate) && in.ClientMsgID != "" {
		// lost a race with a retry carrying the same token
		stored, ferr := s.findByClientID(ctx, in)
		if ferr != nil {
			return domain.Message{}, apperr.Transient("lookup client message id", ferr)
		}
		return stored, nil
	}
	if err != nil {
		return domain.Message{}, apperr.Transient("insert message", err)
	}

	if _, err := s.store.Conversations.SetLastMessage(ctx, conv.ID, m.Ref()); err != nil {
		s.rollback(ctx, m)
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Message{}, apperr.NotFound(apperr.CodeConversationNotFound, "conversation "+conv.ID+" not found")
		}
		return domain.Message{}, apperr.Transient("update last message", err)
	}
	metrics.MessagesAppended.Inc()

	recipients := s.recipientsAfterWrite(ctx, conv)
	env, err := ws.NewEnvelope(domain.EventMessageCreated, conv.ID, m)
	if err == nil {
		env.MsgID = m.ID
		env.TempID = m.ClientMsgID
		env.From = m.SenderID
		s.notify.push(ctx, recipients, s.exclude(in.OriginSessionID), env)
	}
	s.notify.publish(ctx, domain.DomainEvent{
		Event: domain.TopicMessageCreated, Key: conv.ID, ConversationID: conv.ID, ActorID: m.SenderID,
		Recipients: recipients, Message: &m, OccurredAt: m.CreatedAt,
	})
	return m, nil
}

// recipientsAfterWrite re-reads membership once the message is committed so a
// member removed while the append was in flight is not notified. A failed read
// falls back to the membership checked before the insert.
func (s *MessageService) recipientsAfterWrite(ctx context.Context, conv domain.Conversation) []string {
	fresh, err := s.store.Conversations.GetConversation(ctx, conv.ID)
	if err != nil {
		s.log.Warn("reload members for fanout", zap.String("conversation_id", conv.ID), zap.Error(err))
		return conv.Members
	}
	return fresh.Members
}

func (s *MessageService) findByClientID(ctx context.Context, in AppendInput) (domain.Message, error) {
	return s.store.Messages.FindByClientID(ctx, in.ConversationID, in.SenderID, in.ClientMsgID)
}

func (s *MessageService) rollback(ctx context.Context, m domain.Message) {
	if err := s.store.Messages.DeleteMessage(context.WithoutCancel(ctx), m.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.log.Error("rollback orphan message", zap.String("message_id", m.ID), zap.String("conversation_id", m.ConversationID), zap.Error(err))
	}
}

func (s *MessageService) exclude(origin string) string {
	if s.echoToOrigin {
		return ""
	}
	return origin
}

// SendDirect appends to the sender and recipient's direct conversation,
// opening it on first use.
func (s *MessageService) SendDirect(ctx context.Context, in SendDirectInput) (domain.Message, domain.Conversation, error) {
	if _, err := s.validateBody(in.Body, strings.TrimSpace(in.AttachmentRef) != ""); err != nil {
		return domain.Message{}, domain.Conversation{}, err
	}
	conv, _, err := s.convs.FindOrCreateDirect(ctx, in.SenderID, in.RecipientID)
	if err != nil {
		return domain.Message{}, domain.Conversation{}, err
	}
	m, err := s.Append(ctx, AppendInput{
		ConversationID:  conv.ID,
		SenderID:        in.SenderID,
		Body:            in.Body,
		AttachmentRef:   in.AttachmentRef,
		ClientMsgID:     in.ClientMsgID,
		OriginSessionID: in.OriginSessionID,
	})
	if err != nil {
		return domain.Message{}, domain.Conversation{}, err
	}
	return m, conv, nil
}

func (s *MessageService) getMessage(ctx context.Context, id string) (domain.Message, error) {
	m, err := s.store.Messages.GetMessage(ctx, id)
	if err == nil {
		return m, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Message{}, apperr.NotFound(apperr.CodeMessageNotFound, "message "+id+" not found")
	}
	return domain.Message{}, apperr.Transient("get message", err)
}

func (s *MessageService) Edit(ctx context.Context, in EditInput) (domain.Message, error) {
	body, err := s.validateBody(in.Body, false)
	if err != nil {
		return domain.Message{}, err
	}
	m, err := s.getMessage(ctx, in.MessageID)
	if err != nil {
		return domain.Message{}, err
	}
	if m.SenderID != in.ActorID {
		return domain.Message{}, apperr.Forbidden(apperr.CodeNotSender, "only the sender can edit a message")
	}
	if m.IsDeleted {
		return domain.Message{}, apperr.InvalidState(apperr.CodeMessageDeleted, "message was deleted")
	}
	conv, err := s.convs.Member(ctx, m.ConversationID, in.ActorID)
	if err != nil {
		return domain.Message{}, err
	}

	edited, err := s.store.Messages.EditMessage(ctx, m.ID, body, s.now())
	switch {
	case errors.Is(err, repository.ErrPreconditionFailed):
		return domain.Message{}, apperr.InvalidState(apperr.CodeMessageDeleted, "message was deleted")
	case errors.Is(err, repository.ErrNotFound):
		return domain.Message{}, apperr.NotFound(apperr.CodeMessageNotFound, "message "+m.ID+" not found")
	case err != nil:
		return domain.Message{}, apperr.Transient("edit message", err)
	}

	s.emitChange(ctx, conv, edited, domain.EventMessageUpdated, domain.TopicMessageUpdated, in.ActorID, in.OriginSessionID)
	return edited, nil
}

// SoftDelete is idempotent. Only the first transition emits an event.
func (s *MessageService) SoftDelete(ctx context.Context, in SoftDeleteInput) (domain.Message, error) {
	m, err := s.getMessage(ctx, in.MessageID)
	if err != nil {
		return domain.Message{}, err
	}
	var conv domain.Conversation
	if in.IsModerator {
		conv, err = s.convs.get(ctx, m.ConversationID)
	} else {
		if m.SenderID != in.ActorID {
			return domain.Message{}, apperr.Forbidden(apperr.CodeNotSender, "only the sender or a moderator can delete a message")
		}
		conv, err = s.convs.Member(ctx, m.ConversationID, in.ActorID)
	}
	if err != nil {
		return domain.Message{}, err
	}
	if m.IsDeleted {
		return m, nil
	}

	deleted, changed, err := s.store.Messages.SoftDeleteMessage(ctx, m.ID, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Message{}, apperr.NotFound(apperr.CodeMessageNotFound, "message "+m.ID+" not found")
	}
	if err != nil {
		return domain.Message{}, apperr.Transient("delete message", err)
	}
	if changed {
		s.emitChange(ctx, conv, deleted, domain.EventMessageDeleted, domain.TopicMessageDeleted, in.ActorID, in.OriginSessionID)
	}
	return deleted, nil
}

func (s *MessageService) emitChange(ctx context.Context, conv domain.Conversation, m domain.Message, event, topic, actor, origin string) {
	env, err := ws.NewEnvelope(event, conv.ID, m)
	if err == nil {
		env.MsgID = m.ID
		env.From = actor
		s.notify.push(ctx, conv.Members, s.exclude(origin), env)
	}
	s.notify.publish(ctx, domain.DomainEvent{
		Event: topic, Key: conv.ID, ConversationID: conv.ID, ActorID: actor,
		Recipients: conv.Members, Message: &m, OccurredAt: s.now(),
	})
}

// List pages a conversation's history in ascending (created_at, id) order.
// Before pages backward from Cursor, or from the newest message when empty.
func (s *MessageService) List(ctx context.Context, in ListInput) (domain.Page, error) {
	cur, err := domain.DecodeCursor(in.Cursor)
	if err != nil {
		return domain.Page{}, apperr.InvalidArgument(apperr.CodeBadCursor, "malformed cursor")
	}
	if _, err := s.convs.Member(ctx, in.ConversationID, in.ActorID); err != nil {
		return domain.Page{}, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = s.defaultPage
	}
	if limit > s.maxPage {
		limit = s.maxPage
	}

	msgs, err := s.store.Messages.ListMessages(ctx, repository.ListQuery{
		ConversationID: in.ConversationID,
		Cursor:         cur,
		Before:         in.Before,
		Limit:          limit + 1,
	})
	if err != nil {
		return domain.Page{}, apperr.Transient("list messages", err)
	}

	page := domain.Page{Messages: msgs}
	if len(msgs) > limit {
		page.HasMore = true
		if in.Before {
			// the extra row is the oldest one
			page.Messages = msgs[1:]
		} else {
			page.Messages = msgs[:limit]
		}
	}
	if page.Messages == nil {
		page.Messages = []domain.Message{}
	}
	if n := len(page.Messages); n > 0 {
		page.PrevCursor = page.Messages[0].Cursor().Encode()
		page.NextCursor = page.Messages[n-1].Cursor().Encode()
	}
	return page, nil
}
