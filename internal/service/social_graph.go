package service

import (
	"context"
	"errors"

	"github.com/fathima-sithara/social-messaging/internal/apperr"
	"github.com/fathima-sithara/social-messaging/internal/config"
	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/fathima-sithara/social-messaging/internal/repository"
	"github.com/fathima-sithara/social-messaging/internal/utils"
	"go.uber.org/zap"
)

type RequestOutcome string

const (
	OutcomeRequested RequestOutcome = "requested"
	// OutcomeAccepted means a reciprocal request existed and was accepted.
	OutcomeAccepted RequestOutcome = "accepted"
)

// SocialGraph owns friend, request and block edges between users.
type SocialGraph struct {
	users  repository.UserRepository
	saga   pairSaga
	notify notifier
	log    *zap.Logger
}

func NewSocialGraph(users repository.UserRepository, events EventPublisher, cfg *config.Config, log *zap.Logger) *SocialGraph {
	return &SocialGraph{
		users:  users,
		saga:   pairSaga{users: users, retries: cfg.Social.SagaRetries, backoff: cfg.SagaBackoff, log: log},
		notify: notifier{events: events, log: log},
		log:    log,
	}
}

// RegisterUser provisions an empty relationship record. Repeat calls return
// the existing record.
func (g *SocialGraph) RegisterUser(ctx context.Context, id string) (domain.User, error) {
	if id == "" {
		return domain.User{}, apperr.InvalidArgument(apperr.CodeMissingID, "user id required")
	}
	u := domain.NewUser(id, utils.NowMillis())
	err := g.users.CreateUser(ctx, u)
	if err == nil {
		return u, nil
	}
	if errors.Is(err, repository.ErrDuplicate) {
		return g.GetRelations(ctx, id)
	}
	return domain.User{}, apperr.Transient("create user", err)
}

func (g *SocialGraph) GetRelations(ctx context.Context, id string) (domain.User, error) {
	return g.getUser(ctx, id)
}

func (g *SocialGraph) getUser(ctx context.Context, id string) (domain.User, error) {
	u, err := g.users.GetUser(ctx, id)
	if err == nil {
		return u, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return domain.User{}, apperr.NotFound(apperr.CodeUserNotFound, "user "+id+" not found")
	}
	return domain.User{}, apperr.Transient("get user", err)
}

func (g *SocialGraph) loadPair(ctx context.Context, actor, target string) (domain.User, domain.User, error) {
	if actor == "" || target == "" {
		return domain.User{}, domain.User{}, apperr.InvalidArgument(apperr.CodeMissingID, "both user ids are required")
	}
	if actor == target {
		return domain.User{}, domain.User{}, apperr.Conflict(apperr.CodeSelfReference, "cannot target yourself")
	}
	a, err := g.getUser(ctx, actor)
	if err != nil {
		return domain.User{}, domain.User{}, err
	}
	b, err := g.getUser(ctx, target)
	if err != nil {
		return domain.User{}, domain.User{}, err
	}
	return a, b, nil
}

// firstWriteErr maps the raw error of a saga's first write.
func firstWriteErr(err error, onPrecondition *apperr.Error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrPreconditionFailed):
		return onPrecondition
	case errors.Is(err, repository.ErrNotFound):
		return apperr.NotFound(apperr.CodeUserNotFound, "user not found")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apperr.Transient("update relationship", err)
}

var changedConcurrently = apperr.Conflict(apperr.CodeConcurrentUpdate, "relationship changed concurrently, retry")

func (g *SocialGraph) SendRequest(ctx context.Context, actor, target string) (RequestOutcome, error) {
	a, b, err := g.loadPair(ctx, actor, target)
	if err != nil {
		return "", err
	}
	switch {
	case a.HasBlocked(target) || b.HasBlocked(actor):
		return "", apperr.Forbidden(apperr.CodeBlocked, "cannot send a request across a block")
	case a.IsFriend(target):
		return "", apperr.Conflict(apperr.CodeAlreadyFriends, "already friends")
	case a.Has(domain.EdgeReceived, target):
		// a reciprocal request exists: sending back accepts it
		if err := g.AcceptRequest(ctx, actor, target); err != nil {
			return "", err
		}
		return OutcomeAccepted, nil
	case a.Has(domain.EdgeSent, target):
		return "", apperr.Conflict(apperr.CodeRequestExists, "request already sent")
	}

	err = g.saga.run(ctx, "send request",
		edgeWrite{userID: actor, mut: domain.EdgeMutation{
			Target: target,
			Forbid: []domain.Edge{domain.EdgeBlocked, domain.EdgeFriends, domain.EdgeSent, domain.EdgeReceived},
			Add:    []domain.Edge{domain.EdgeSent},
		}},
		// a request already sent the other way means the two calls crossed
		edgeWrite{userID: target, mut: domain.EdgeMutation{
			Target: actor,
			Forbid: []domain.Edge{domain.EdgeBlocked, domain.EdgeFriends, domain.EdgeSent},
			Add:    []domain.Edge{domain.EdgeReceived},
		}},
	)
	if err := firstWriteErr(err, changedConcurrently); err != nil {
		if errors.Is(err, changedConcurrently) {
			return g.acceptCrossedRequest(ctx, actor, target, err)
		}
		return "", err
	}
	g.notify.publish(ctx, domain.DomainEvent{Event: domain.TopicFriendRequested, Key: target, ActorID: actor, TargetID: target, OccurredAt: utils.NowMillis()})
	return OutcomeRequested, nil
}

// acceptCrossedRequest resolves a send that lost a race with the reciprocal
// send: once the other request is visible on actor's record it is accepted.
func (g *SocialGraph) acceptCrossedRequest(ctx context.Context, actor, target string, cause error) (RequestOutcome, error) {
	a, err := g.getUser(ctx, actor)
	if err != nil {
		return "", err
	}
	if !a.Has(domain.EdgeReceived, target) {
		return "", cause
	}
	if err := g.AcceptRequest(ctx, actor, target); err != nil {
		return "", err
	}
	return OutcomeAccepted, nil
}

func (g *SocialGraph) CancelRequest(ctx context.Context, actor, target string) error {
	a, _, err := g.loadPair(ctx, actor, target)
	if err != nil {
		return err
	}
	noPending := apperr.InvalidState(apperr.CodeNoPendingRequest, "no pending request to "+target)
	if !a.Has(domain.EdgeSent, target) {
		return noPending
	}
	err = g.saga.run(ctx, "cancel request",
		edgeWrite{userID: actor, mut: domain.EdgeMutation{
			Target: target, Require: []domain.Edge{domain.EdgeSent}, Remove: []domain.Edge{domain.EdgeSent},
		}},
		edgeWrite{userID: target, mut: domain.EdgeMutation{
			Target: actor, Remove: []domain.Edge{domain.EdgeReceived},
		}},
	)
	return firstWriteErr(err, noPending)
}

// AcceptRequest makes actor and requester friends and clears pending entries
// in both directions.
func (g *SocialGraph) AcceptRequest(ctx context.Context, actor, requester string) error {
	a, _, err := g.loadPair(ctx, actor, requester)
	if err != nil {
		return err
	}
	noPending := apperr.InvalidState(apperr.CodeNoPendingRequest, "no pending request from "+requester)
	if !a.Has(domain.EdgeReceived, requester) {
		return noPending
	}
	err = g.saga.run(ctx, "accept request",
		edgeWrite{userID: actor, mut: domain.EdgeMutation{
			Target:  requester,
			Require: []domain.Edge{domain.EdgeReceived},
			Forbid:  []domain.Edge{domain.EdgeBlocked},
			Add:     []domain.Edge{domain.EdgeFriends},
			Remove:  []domain.Edge{domain.EdgeReceived, domain.EdgeSent},
		}},
		edgeWrite{userID: requester, mut: domain.EdgeMutation{
			Target: actor,
			Forbid: []domain.Edge{domain.EdgeBlocked},
			Add:    []domain.Edge{domain.EdgeFriends},
			Remove: []domain.Edge{domain.EdgeSent, domain.EdgeReceived},
		}},
	)
	if err := firstWriteErr(err, noPending); err != nil {
		return err
	}
	g.notify.publish(ctx, domain.DomainEvent{Event: domain.TopicFriendAccepted, Key: requester, ActorID: actor, TargetID: requester, OccurredAt: utils.NowMillis()})
	return nil
}

func (g *SocialGraph) RejectRequest(ctx context.Context, actor, requester string) error {
	a, _, err := g.loadPair(ctx, actor, requester)
	if err != nil {
		return err
	}
	noPending := apperr.InvalidState(apperr.CodeNoPendingRequest, "no pending request from "+requester)
	if !a.Has(domain.EdgeReceived, requester) {
		return noPending
	}
	err = g.saga.run(ctx, "reject request",
		edgeWrite{userID: actor, mut: domain.EdgeMutation{
			Target: requester, Require: []domain.Edge{domain.EdgeReceived}, Remove: []domain.Edge{domain.EdgeReceived},
		}},
		edgeWrite{userID: requester, mut: domain.EdgeMutation{
			Target: actor, Remove: []domain.Edge{domain.EdgeSent},
		}},
	)
	return firstWriteErr(err, noPending)
}

func (g *SocialGraph) Unfriend(ctx context.Context, actor, target string) error {
	a, _, err := g.loadPair(ctx, actor, target)
	if err != nil {
		return err
	}
	notFriends := apperr.InvalidState(apperr.CodeNotFriends, "not friends with "+target)
	if !a.IsFriend(target) {
		return notFriends
	}
	err = g.saga.run(ctx, "unfriend",
		edgeWrite{userID: actor, mut: domain.EdgeMutation{
			Target: target, Require: []domain.Edge{domain.EdgeFriends}, Remove: []domain.Edge{domain.EdgeFriends},
		}},
		edgeWrite{userID: target, mut: domain.EdgeMutation{
			Target: actor, Remove: []domain.Edge{domain.EdgeFriends},
		}},
	)
	return firstWriteErr(err, notFriends)
}

// Block always succeeds for existing users and purges friendship and pending
// requests in both directions. Repeat calls leave the same state.
func (g *SocialGraph) Block(ctx context.Context, actor, target string) error {
	if _, _, err := g.loadPair(ctx, actor, target); err != nil {
		return err
	}
	purge := []domain.Edge{domain.EdgeFriends, domain.EdgeSent, domain.EdgeReceived}
	err := g.saga.run(ctx, "block",
		edgeWrite{userID: actor, mut: domain.EdgeMutation{
			Target: target, Add: []domain.Edge{domain.EdgeBlocked}, Remove: purge,
		}},
		edgeWrite{userID: target, mut: domain.EdgeMutation{
			Target: actor, Remove: purge,
		}},
	)
	if err := firstWriteErr(err, changedConcurrently); err != nil {
		return err
	}
	g.log.Info("user blocked", zap.String("user_id", actor), zap.String("target_id", target))
	g.notify.publish(ctx, domain.DomainEvent{Event: domain.TopicUserBlocked, Key: actor, ActorID: actor, TargetID: target, OccurredAt: utils.NowMillis()})
	return nil
}

// Unblock removes only the block edge. Friendship and requests are not restored.
func (g *SocialGraph) Unblock(ctx context.Context, actor, target string) error {
	if actor == target {
		return apperr.Conflict(apperr.CodeSelfReference, "cannot target yourself")
	}
	a, err := g.getUser(ctx, actor)
	if err != nil {
		return err
	}
	notBlocked := apperr.InvalidState(apperr.CodeNotBlocked, target+" is not blocked")
	if !a.HasBlocked(target) {
		return notBlocked
	}
	_, err = g.users.ApplyEdges(ctx, actor, domain.EdgeMutation{
		Target: target, Require: []domain.Edge{domain.EdgeBlocked}, Remove: []domain.Edge{domain.EdgeBlocked},
	})
	return firstWriteErr(err, notBlocked)
}

// Blocked reports whether either user has blocked the other.
func (g *SocialGraph) Blocked(ctx context.Context, a, b string) (bool, error) {
	ua, err := g.getUser(ctx, a)
	if err != nil {
		return false, err
	}
	ub, err := g.getUser(ctx, b)
	if err != nil {
		return false, err
	}
	return ua.HasBlocked(b) || ub.HasBlocked(a), nil
}
