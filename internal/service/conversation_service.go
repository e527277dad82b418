package service

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/apperr"
	"github.com/fathima-sithara/social-messaging/internal/config"
	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/fathima-sithara/social-messaging/internal/repository"
	"github.com/fathima-sithara/social-messaging/internal/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultConversationPage = 50
	maxConversationPage     = 200
)

type ConversationService struct {
	store      repository.Store
	graph      *SocialGraph
	notify     notifier
	log        *zap.Logger
	minMembers int
	casRetries int
	now        func() time.Time
}

func NewConversationService(store repository.Store, graph *SocialGraph, fanout Fanout, events EventPublisher, cfg *config.Config, log *zap.Logger) *ConversationService {
	return &ConversationService{
		store:      store,
		graph:      graph,
		notify:     notifier{fanout: fanout, events: events, log: log},
		log:        log,
		minMembers: cfg.Conversation.GroupMinMembers,
		casRetries: cfg.Conversation.CASRetries,
		now:        utils.NowMillis,
	}
}

type CreateGroupInput struct {
	Name    string
	Avatar  string
	Members []string
	AdminID string
}

type UpdateMetaInput struct {
	ConversationID string
	ActorID        string
	Name           *string
	Avatar         *string
}

type LeaveResult struct {
	Conversation domain.Conversation
	Dissolved    bool
}

func (s *ConversationService) get(ctx context.Context, id string) (domain.Conversation, error) {
	c, err := s.store.Conversations.GetConversation(ctx, id)
	if err == nil {
		return c, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Conversation{}, apperr.NotFound(apperr.CodeConversationNotFound, "conversation "+id+" not found")
	}
	return domain.Conversation{}, apperr.Transient("get conversation", err)
}

// Member returns the conversation when userID currently belongs to it.
func (s *ConversationService) Member(ctx context.Context, conversationID, userID string) (domain.Conversation, error) {
	c, err := s.get(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !c.HasMember(userID) {
		return domain.Conversation{}, apperr.Forbidden(apperr.CodeNotMember, "not a member of this conversation")
	}
	return c, nil
}

func (s *ConversationService) Get(ctx context.Context, conversationID, actor string) (domain.Conversation, error) {
	return s.Member(ctx, conversationID, actor)
}

func (s *ConversationService) ListForUser(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = defaultConversationPage
	}
	if limit > maxConversationPage {
		limit = maxConversationPage
	}
	out, err := s.store.Conversations.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Transient("list conversations", err)
	}
	return out, nil
}

// FindOrCreateDirect returns the pair's direct conversation, creating it on
// first use. When two callers race, the loser reads back the winner.
func (s *ConversationService) FindOrCreateDirect(ctx context.Context, a, b string) (domain.Conversation, bool, error) {
	if a == "" || b == "" {
		return domain.Conversation{}, false, apperr.InvalidArgument(apperr.CodeMissingID, "both user ids are required")
	}
	if a == b {
		return domain.Conversation{}, false, apperr.Conflict(apperr.CodeSelfReference, "cannot open a conversation with yourself")
	}
	key := domain.DirectKey(a, b)
	if c, err := s.findDirect(ctx, key); err == nil {
		return c, false, nil
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return domain.Conversation{}, false, err
	}

	blocked, err := s.graph.Blocked(ctx, a, b)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	if blocked {
		return domain.Conversation{}, false, apperr.Forbidden(apperr.CodeBlocked, "conversation blocked")
	}

	now := s.now()
	members := []string{a, b}
	slices.Sort(members)
	c := domain.Conversation{
		ID:         uuid.NewString(),
		Type:       domain.ConversationDirect,
		Members:    members,
		DirectKey:  key,
		DeletedFor: []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = s.store.Conversations.CreateConversation(ctx, c)
	if errors.Is(err, repository.ErrDuplicate) {
		winner, ferr := s.findDirect(ctx, key)
		if ferr != nil {
			return domain.Conversation{}, false, ferr
		}
		return winner, false, nil
	}
	if err != nil {
		return domain.Conversation{}, false, apperr.Transient("create direct conversation", err)
	}

	s.announceCreated(ctx, c, a)
	return c, true, nil
}

func (s *ConversationService) findDirect(ctx context.Context, key string) (domain.Conversation, error) {
	c, err := s.store.Conversations.FindDirect(ctx, key)
	if err == nil {
		return c, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Conversation{}, apperr.NotFound(apperr.CodeConversationNotFound, "no direct conversation")
	}
	return domain.Conversation{}, apperr.Transient("find direct conversation", err)
}

func (s *ConversationService) CreateGroup(ctx context.Context, in CreateGroupInput) (domain.Conversation, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Conversation{}, apperr.InvalidArgument(apperr.CodeNameRequired, "group name is required")
	}
	members := domain.Dedup(in.Members)
	if !slices.Contains(members, in.AdminID) {
		return domain.Conversation{}, apperr.InvariantViolation(apperr.CodeAdminNotMember, "admin must be a member")
	}
	if len(members) < s.minMembers {
		return domain.Conversation{}, apperr.InvariantViolation(apperr.CodeGroupTooSmall, "a group needs at least "+strconv.Itoa(s.minMembers)+" members")
	}
	for _, m := range members {
		if _, err := s.graph.getUser(ctx, m); err != nil {
			return domain.Conversation{}, err
		}
	}

	now := s.now()
	c := domain.Conversation{
		ID:         uuid.NewString(),
		Type:       domain.ConversationGroup,
		Members:    members,
		Admin:      in.AdminID,
		Name:       name,
		Avatar:     in.Avatar,
		DeletedFor: []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Conversations.CreateConversation(ctx, c); err != nil {
		return domain.Conversation{}, apperr.Transient("create group", err)
	}
	s.announceCreated(ctx, c, in.AdminID)
	return c, nil
}

func (s *ConversationService) announceCreated(ctx context.Context, c domain.Conversation, actor string) {
	s.notify.pushEvent(ctx, c.Members, "", domain.EventMembershipChanged, c.ID, domain.MembershipChange{
		ConversationID: c.ID, Action: domain.MembershipCreated, Members: c.Members, Admin: c.Admin, Name: c.Name, Avatar: c.Avatar,
	})
	s.notify.publish(ctx, domain.DomainEvent{
		Event: domain.TopicConversationCreated, Key: c.ID, ConversationID: c.ID, ActorID: actor,
		Recipients: c.Members, Conversation: &c, OccurredAt: c.CreatedAt,
	})
}

var errDissolve = errors.New("dissolve group")

// mutate loads, applies fn and compare-and-swaps on version, reloading on
// conflict. fn sees a fresh copy on every attempt.
func (s *ConversationService) mutate(ctx context.Context, id string, touch bool, fn func(c *domain.Conversation) error) (updated, before domain.Conversation, err error) {
	for attempt := 0; attempt <= s.casRetries; attempt++ {
		c, err := s.get(ctx, id)
		if err != nil {
			return domain.Conversation{}, domain.Conversation{}, err
		}
		before = c.Clone()
		if err := fn(&c); err != nil {
			return domain.Conversation{}, before, err
		}
		if touch {
			c.UpdatedAt = s.now()
		}
		updated, err = s.store.Conversations.UpdateConversation(ctx, c)
		switch {
		case err == nil:
			return updated, before, nil
		case errors.Is(err, repository.ErrVersionConflict):
			continue
		case errors.Is(err, repository.ErrNotFound):
			return domain.Conversation{}, before, apperr.NotFound(apperr.CodeConversationNotFound, "conversation "+id+" not found")
		default:
			return domain.Conversation{}, before, apperr.Transient("update conversation", err)
		}
	}
	return domain.Conversation{}, before, apperr.Transient("update conversation", repository.ErrVersionConflict)
}

func requireGroupAdmin(c *domain.Conversation, actor string) error {
	if !c.IsGroup() {
		return apperr.InvalidState(apperr.CodeNotGroup, "only group conversations have an admin")
	}
	if c.Admin != actor {
		return apperr.Forbidden(apperr.CodeNotAdmin, "only the group admin can do this")
	}
	return nil
}

func (s *ConversationService) AddMember(ctx context.Context, conversationID, newMember, actor string) (domain.Conversation, error) {
	if newMember == "" {
		return domain.Conversation{}, apperr.InvalidArgument(apperr.CodeMissingID, "member id required")
	}
	if _, err := s.graph.getUser(ctx, newMember); err != nil {
		return domain.Conversation{}, err
	}
	updated, _, err := s.mutate(ctx, conversationID, true, func(c *domain.Conversation) error {
		if err := requireGroupAdmin(c, actor); err != nil {
			return err
		}
		if c.HasMember(newMember) {
			return apperr.Conflict(apperr.CodeAlreadyMember, newMember+" is already a member")
		}
		c.Members = append(c.Members, newMember)
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	s.announceMembership(ctx, updated, updated.Members, domain.MembershipAdded, newMember, actor)
	return updated, nil
}

// RemoveMember never takes a group below the floor. Removing the admin hands
// the role to a remaining member in the same write.
func (s *ConversationService) RemoveMember(ctx context.Context, conversationID, target, actor string) (domain.Conversation, error) {
	updated, before, err := s.mutate(ctx, conversationID, true, func(c *domain.Conversation) error {
		if err := requireGroupAdmin(c, actor); err != nil {
			return err
		}
		if !c.HasMember(target) {
			return apperr.NotFound(apperr.CodeMemberNotFound, target+" is not a member")
		}
		if len(c.Members)-1 < s.minMembers {
			return apperr.InvariantViolation(apperr.CodeGroupTooSmall, "a group needs at least "+strconv.Itoa(s.minMembers)+" members")
		}
		dropMember(c, target)
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	s.announceMembership(ctx, updated, unionMembers(before.Members, updated.Members), domain.MembershipRemoved, target, actor)
	return updated, nil
}

func dropMember(c *domain.Conversation, userID string) {
	c.Members = slices.DeleteFunc(c.Members, func(m string) bool { return m == userID })
	c.DeletedFor = slices.DeleteFunc(c.DeletedFor, func(m string) bool { return m == userID })
	if c.Admin == userID && len(c.Members) > 0 {
		c.Admin = c.Members[0]
	}
}

// LeaveConversation removes actor from a group. When that would break the
// floor the group is dissolved instead.
func (s *ConversationService) LeaveConversation(ctx context.Context, conversationID, actor string) (LeaveResult, error) {
	var snapshot domain.Conversation
	updated, before, err := s.mutate(ctx, conversationID, true, func(c *domain.Conversation) error {
		if !c.HasMember(actor) {
			return apperr.Forbidden(apperr.CodeNotMember, "not a member of this conversation")
		}
		if !c.IsGroup() {
			return apperr.InvalidState(apperr.CodeNotGroup, "direct conversations cannot be left")
		}
		if len(c.Members)-1 < s.minMembers {
			snapshot = c.Clone()
			return errDissolve
		}
		dropMember(c, actor)
		return nil
	})
	if errors.Is(err, errDissolve) {
		if err := s.deleteCascade(ctx, snapshot, actor); err != nil {
			return LeaveResult{}, err
		}
		return LeaveResult{Conversation: snapshot, Dissolved: true}, nil
	}
	if err != nil {
		return LeaveResult{}, err
	}
	s.announceMembership(ctx, updated, unionMembers(before.Members, updated.Members), domain.MembershipLeft, actor, actor)
	return LeaveResult{Conversation: updated}, nil
}

func (s *ConversationService) UpdateMeta(ctx context.Context, in UpdateMetaInput) (domain.Conversation, error) {
	updated, _, err := s.mutate(ctx, in.ConversationID, true, func(c *domain.Conversation) error {
		if err := requireGroupAdmin(c, in.ActorID); err != nil {
			return err
		}
		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return apperr.InvalidArgument(apperr.CodeNameRequired, "group name cannot be empty")
			}
			c.Name = name
		}
		if in.Avatar != nil {
			c.Avatar = *in.Avatar
		}
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	s.announceMembership(ctx, updated, updated.Members, domain.MembershipMeta, "", in.ActorID)
	return updated, nil
}

// HideConversation soft-hides the conversation for actor until the next message.
func (s *ConversationService) HideConversation(ctx context.Context, conversationID, actor string) error {
	_, _, err := s.mutate(ctx, conversationID, false, func(c *domain.Conversation) error {
		if !c.HasMember(actor) {
			return apperr.Forbidden(apperr.CodeNotMember, "not a member of this conversation")
		}
		if !c.HiddenFor(actor) {
			c.DeletedFor = append(c.DeletedFor, actor)
		}
		return nil
	})
	return err
}

func (s *ConversationService) DeleteConversation(ctx context.Context, conversationID, actor string) error {
	c, err := s.Member(ctx, conversationID, actor)
	if err != nil {
		return err
	}
	if c.IsGroup() && c.Admin != actor {
		return apperr.Forbidden(apperr.CodeNotAdmin, "only the group admin can delete the group")
	}
	return s.deleteCascade(ctx, c, actor)
}

// deleteCascade removes the conversation first so no new message can attach
// to it, then its messages.
func (s *ConversationService) deleteCascade(ctx context.Context, c domain.Conversation, actor string) error {
	err := s.store.Conversations.DeleteConversation(ctx, c.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound(apperr.CodeConversationNotFound, "conversation "+c.ID+" not found")
	}
	if err != nil {
		return apperr.Transient("delete conversation", err)
	}

	var n int64
	for attempt := 0; attempt < 3; attempt++ {
		n, err = s.store.Messages.DeleteByConversation(context.WithoutCancel(ctx), c.ID)
		if err == nil {
			break
		}
	}
	if err != nil {
		s.log.Error("message cascade incomplete", zap.String("conversation_id", c.ID), zap.Error(err))
		return apperr.Transient("delete conversation messages", err)
	}
	s.log.Info("conversation deleted", zap.String("conversation_id", c.ID), zap.String("actor_id", actor), zap.Int64("messages", n))

	s.notify.pushEvent(ctx, c.Members, "", domain.EventConversationDeleted, c.ID, domain.MembershipChange{
		ConversationID: c.ID, Action: domain.EventConversationDeleted, UserID: actor, Members: c.Members,
	})
	s.notify.publish(ctx, domain.DomainEvent{
		Event: domain.TopicConversationDeleted, Key: c.ID, ConversationID: c.ID, ActorID: actor, Recipients: c.Members, OccurredAt: s.now(),
	})
	return nil
}

func (s *ConversationService) announceMembership(ctx context.Context, c domain.Conversation, recipients []string, action, userID, actor string) {
	change := domain.MembershipChange{
		ConversationID: c.ID, Action: action, UserID: userID, Members: c.Members, Admin: c.Admin, Name: c.Name, Avatar: c.Avatar,
	}
	s.notify.pushEvent(ctx, recipients, "", domain.EventMembershipChanged, c.ID, change)
	s.notify.publish(ctx, domain.DomainEvent{
		Event: domain.TopicMembershipChanged, Key: c.ID, ConversationID: c.ID, ActorID: actor, TargetID: userID,
		Recipients: recipients, Conversation: &c, OccurredAt: c.UpdatedAt,
	})
}
