package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoUserRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func (r *MongoUserRepository) CreateUser(ctx context.Context, u domain.User) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	_, err := r.coll.InsertOne(ctx, u)
	if err != nil {
		return fmt.Errorf("insert user: %w", mapMongoErr(err))
	}
	return nil
}

func (r *MongoUserRepository) GetUser(ctx context.Context, id string) (domain.User, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	var u domain.User
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		return domain.User{}, mapMongoErr(err)
	}
	return u, nil
}

// ApplyEdges issues one FindOneAndUpdate whose filter carries the
// preconditions, and diffs the returned pre-image to report the effective change.
func (r *MongoUserRepository) ApplyEdges(ctx context.Context, userID string, mut domain.EdgeMutation) (domain.EdgeMutation, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	filter := bson.M{"_id": userID}
	for _, e := range mut.Require {
		filter[string(e)] = mut.Target
	}
	for _, e := range mut.Forbid {
		if _, clash := filter[string(e)]; clash {
			return domain.EdgeMutation{}, ErrPreconditionFailed
		}
		filter[string(e)] = bson.M{"$ne": mut.Target}
	}

	update := bson.M{"$set": bson.M{"updated_at": time.Now().UTC()}}
	if len(mut.Add) > 0 {
		add := bson.M{}
		for _, e := range mut.Add {
			add[string(e)] = mut.Target
		}
		update["$addToSet"] = add
	}
	if len(mut.Remove) > 0 {
		pull := bson.M{}
		for _, e := range mut.Remove {
			pull[string(e)] = mut.Target
		}
		update["$pull"] = pull
	}

	var before domain.User
	err := r.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before)).Decode(&before)
	if err == nil {
		return mut.Applied(before), nil
	}
	if mapMongoErr(err) != ErrNotFound {
		return domain.EdgeMutation{}, fmt.Errorf("apply edges: %w", err)
	}

	// distinguish a missing user from a failed precondition
	n, cerr := r.coll.CountDocuments(ctx, bson.M{"_id": userID})
	if cerr != nil {
		return domain.EdgeMutation{}, fmt.Errorf("apply edges: %w", cerr)
	}
	if n == 0 {
		return domain.EdgeMutation{}, ErrNotFound
	}
	return domain.EdgeMutation{}, ErrPreconditionFailed
}
