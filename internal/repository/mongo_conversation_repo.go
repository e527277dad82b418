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

type MongoConversationRepository struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func (r *MongoConversationRepository) ensureIndexes(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// one direct conversation per unordered pair
			Keys: bson.D{{Key: "direct_key", Value: 1}},
			Options: options.Index().SetName("direct_key_uniq").SetUnique(true).
				SetPartialFilterExpression(bson.M{"type": domain.ConversationDirect}),
		},
		{
			Keys:    bson.D{{Key: "members", Value: 1}, {Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("members_updated_idx"),
		},
	})
	if err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}
	return nil
}

func (r *MongoConversationRepository) CreateConversation(ctx context.Context, c domain.Conversation) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if c.DeletedFor == nil {
		c.DeletedFor = []string{}
	}
	if _, err := r.coll.InsertOne(ctx, c); err != nil {
		if mapMongoErr(err) == ErrDuplicate {
			return ErrDuplicate
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (r *MongoConversationRepository) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoConversationRepository) FindDirect(ctx context.Context, directKey string) (domain.Conversation, error) {
	return r.findOne(ctx, bson.M{"direct_key": directKey, "type": domain.ConversationDirect})
}

func (r *MongoConversationRepository) findOne(ctx context.Context, filter bson.M) (domain.Conversation, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	var c domain.Conversation
	if err := r.coll.FindOne(ctx, filter).Decode(&c); err != nil {
		return domain.Conversation{}, mapMongoErr(err)
	}
	return c, nil
}

func (r *MongoConversationRepository) ListForUser(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{"members": userID, "deleted_for": bson.M{"$ne": userID}}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer cur.Close(ctx)
	out := []domain.Conversation{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return out, nil
}

func (r *MongoConversationRepository) UpdateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	if c.DeletedFor == nil {
		c.DeletedFor = []string{}
	}
	filter := bson.M{"_id": c.ID, "version": c.Version}
	update := bson.M{
		"$set": bson.M{
			"members":     c.Members,
			"admin":       c.Admin,
			"name":        c.Name,
			"avatar":      c.Avatar,
			"deleted_for": c.DeletedFor,
			"updated_at":  c.UpdatedAt,
		},
		"$inc": bson.M{"version": 1},
	}
	var out domain.Conversation
	err := r.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if err == nil {
		return out, nil
	}
	if mapMongoErr(err) != ErrNotFound {
		return domain.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	n, cerr := r.coll.CountDocuments(ctx, bson.M{"_id": c.ID})
	if cerr != nil {
		return domain.Conversation{}, fmt.Errorf("update conversation: %w", cerr)
	}
	if n == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	return domain.Conversation{}, ErrVersionConflict
}

// SetLastMessage filters on the stored pointer so an older ref never
// overwrites a newer one regardless of arrival order. It clears the hide set
// and bumps version, so a concurrent UpdateConversation holding the old hide
// set fails its CAS instead of writing it back.
func (r *MongoConversationRepository) SetLastMessage(ctx context.Context, conversationID string, ref domain.LastMessage) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	filter := bson.M{
		"_id": conversationID,
		"$or": bson.A{
			bson.M{"last_message": bson.M{"$exists": false}},
			bson.M{"last_message": nil},
			bson.M{"last_message.created_at": bson.M{"$lt": ref.CreatedAt}},
			bson.M{"last_message.created_at": ref.CreatedAt, "last_message.id": bson.M{"$lt": ref.ID}},
		},
	}
	update := bson.M{
		"$set": bson.M{"last_message": ref, "deleted_for": bson.A{}},
		"$max": bson.M{"updated_at": ref.CreatedAt},
		"$inc": bson.M{"version": 1},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("set last message: %w", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": conversationID})
	if err != nil {
		return false, fmt.Errorf("set last message: %w", err)
	}
	if n == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *MongoConversationRepository) DeleteConversation(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
