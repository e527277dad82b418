package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/apperr"
	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/fathima-sithara/social-messaging/internal/metrics"
	"github.com/fathima-sithara/social-messaging/internal/repository"
	"go.uber.org/zap"
)

type edgeWrite struct {
	userID string
	mut    domain.EdgeMutation
}

// pairSaga runs a write on each of two user records. The first write aborts
// the operation on failure. The second is retried, and if it still fails the
// effective change of the first is reverted. When both writes add edges, the
// first write's additions are re-checked afterwards so a concurrent purge on
// the first record cannot leave the second one dangling.
type pairSaga struct {
	users   repository.UserRepository
	retries int
	backoff time.Duration
	log     *zap.Logger
}

// run returns the first write's raw repository error untouched so callers
// can map preconditions. A precondition failure on the counterpart, or a
// first write undone by a concurrent operation, yields changedConcurrently.
// Any other later failure is Transient.
func (p pairSaga) run(ctx context.Context, op string, first, second edgeWrite) error {
	applied, err := p.users.ApplyEdges(ctx, first.userID, first.mut)
	if err != nil {
		return err
	}

	counter, err := p.retry(ctx, second)
	if err != nil {
		p.log.Warn("counterpart write failed, compensating",
			zap.String("op", op),
			zap.String("user_id", first.userID),
			zap.String("counterpart_id", second.userID),
			zap.Error(err))
		if cerr := p.compensate(ctx, op, first.userID, applied); cerr != nil {
			return cerr
		}
		metrics.SagaOutcomes.WithLabelValues("compensated").Inc()
		if errors.Is(err, repository.ErrPreconditionFailed) {
			return changedConcurrently
		}
		return apperr.Transient(op+": counterpart write failed", err)
	}

	if err := p.confirm(ctx, op, first.userID, second.userID, applied, counter); err != nil {
		return err
	}
	metrics.SagaOutcomes.WithLabelValues("committed").Inc()
	return nil
}

// confirm checks that the first write's additions survived until the second
// write landed. If a concurrent operation removed them, the second write is
// reverted too.
func (p pairSaga) confirm(ctx context.Context, op, firstID, secondID string, applied, counter domain.EdgeMutation) error {
	if len(applied.Add) == 0 || len(counter.Add) == 0 {
		return nil
	}
	cctx := context.WithoutCancel(ctx)
	check := domain.EdgeMutation{Target: applied.Target, Require: applied.Add}
	_, err := p.users.ApplyEdges(cctx, firstID, check)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrPreconditionFailed):
		p.log.Warn("first write undone concurrently, reverting counterpart",
			zap.String("op", op),
			zap.String("user_id", firstID),
			zap.String("counterpart_id", secondID))
		if cerr := p.compensate(ctx, op, secondID, counter); cerr != nil {
			return cerr
		}
		metrics.SagaOutcomes.WithLabelValues("superseded").Inc()
		return changedConcurrently
	}
	// both writes landed; an unreadable check is not a reason to undo them
	p.log.Warn("saga confirmation failed", zap.String("op", op), zap.String("user_id", firstID), zap.Error(err))
	return nil
}

// compensate reverts applied on userID, guarded so that it only lands while
// the record still carries what the saga added. A guard failure means a
// concurrent operation already rewrote the pair and owns the outcome.
func (p pairSaga) compensate(ctx context.Context, op, userID string, applied domain.EdgeMutation) error {
	if applied.Empty() {
		return nil
	}
	// the caller may have given up; the revert must still land
	cctx := context.WithoutCancel(ctx)
	_, err := p.retry(cctx, edgeWrite{userID: userID, mut: guardedInverse(applied)})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrPreconditionFailed):
		p.log.Info("compensation superseded by a concurrent change",
			zap.String("op", op), zap.String("user_id", userID), zap.String("target_id", applied.Target))
		return nil
	}
	metrics.SagaOutcomes.WithLabelValues("inconsistent").Inc()
	p.log.Error("compensation failed, relationship is one-sided",
		zap.String("op", op),
		zap.String("user_id", userID),
		zap.String("target_id", applied.Target),
		zap.Error(err))
	return apperr.Transient(op+": compensation failed", err)
}

// guardedInverse undoes applied only while its additions are still present.
// Restoring a social edge is also refused once the record blocks the target.
func guardedInverse(applied domain.EdgeMutation) domain.EdgeMutation {
	inv := applied.Inverse()
	inv.Require = slices.Clone(applied.Add)
	if len(inv.Add) > 0 && !slices.Contains(applied.Add, domain.EdgeBlocked) && !slices.Contains(inv.Add, domain.EdgeBlocked) {
		inv.Forbid = []domain.Edge{domain.EdgeBlocked}
	}
	return inv
}

func (p pairSaga) retry(ctx context.Context, w edgeWrite) (domain.EdgeMutation, error) {
	var (
		applied domain.EdgeMutation
		err     error
	)
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.EdgeMutation{}, ctx.Err()
			case <-time.After(p.backoff * time.Duration(attempt)):
			}
		}
		applied, err = p.users.ApplyEdges(ctx, w.userID, w.mut)
		if err == nil {
			return applied, nil
		}
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrPreconditionFailed) {
			return domain.EdgeMutation{}, err
		}
	}
	return domain.EdgeMutation{}, err
}
