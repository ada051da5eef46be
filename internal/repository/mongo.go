package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/darkosells/gaming-marketplace-sub000/internal/models"
)

// MongoConversationRepo stores conversations in Mongo. Unique sparse indexes
// on the link fields enforce at-most-one conversation per order and per
// service order; duplicate-key writes surface as ErrConversationExists.
type MongoConversationRepo struct {
	coll *mongo.Collection
}

// conversationIndexes are the collection's indexes. The unique sparse link
// indexes are load-bearing: they are what rejects a second conversation for
// the same order or service order.
func conversationIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "order_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true).SetName("order_link_uniq"),
		},
		{
			Keys:    bson.D{{Key: "service_order_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true).SetName("service_link_uniq"),
		},
		{
			Keys:    bson.D{{Key: "party_a", Value: 1}, {Key: "last_message_at", Value: -1}},
			Options: options.Index().SetName("party_a_recency"),
		},
		{
			Keys:    bson.D{{Key: "party_b", Value: 1}, {Key: "last_message_at", Value: -1}},
			Options: options.Index().SetName("party_b_recency"),
		},
	}
}

// NewMongoConversationRepo builds the collection's indexes; it fails rather
// than run without the uniqueness guard on the link fields.
func NewMongoConversationRepo(ctx context.Context, coll *mongo.Collection) (*MongoConversationRepo, error) {
	if _, err := coll.Indexes().CreateMany(ctx, conversationIndexes()); err != nil {
		return nil, err
	}
	return &MongoConversationRepo{coll: coll}, nil
}

func (r *MongoConversationRepo) Create(ctx context.Context, c *models.Conversation) error {
	if _, err := r.coll.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrConversationExists
		}
		return err
	}
	return nil
}

func (r *MongoConversationRepo) Get(ctx context.Context, id string) (*models.Conversation, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoConversationRepo) FindByOrder(ctx context.Context, orderID string) (*models.Conversation, error) {
	return r.findOne(ctx, bson.M{"order_id": orderID})
}

func (r *MongoConversationRepo) FindByServiceOrder(ctx context.Context, serviceOrderID string) (*models.Conversation, error) {
	return r.findOne(ctx, bson.M{"service_order_id": serviceOrderID})
}

func (r *MongoConversationRepo) findOne(ctx context.Context, filter bson.M) (*models.Conversation, error) {
	var c models.Conversation
	if err := r.coll.FindOne(ctx, filter).Decode(&c); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *MongoConversationRepo) ListForActor(ctx context.Context, actorID string) ([]*models.Conversation, error) {
	filter := bson.M{"$or": bson.A{bson.M{"party_a": actorID}, bson.M{"party_b": actorID}}}
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}})
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*models.Conversation
	for cur.Next(ctx) {
		var c models.Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, cur.Err()
}

func (r *MongoConversationRepo) TouchLastMessage(ctx context.Context, id, text string, at time.Time) error {
	update := bson.M{"$set": bson.M{"last_message": text, "last_message_at": at}}
	res, err := r.coll.UpdateByID(ctx, id, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MongoMessageRepo stores the append-only message log.
type MongoMessageRepo struct {
	coll *mongo.Collection
}

func messageIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("conv_time"),
		},
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "read", Value: 1}},
			Options: options.Index().SetName("unread_lookup"),
		},
	}
}

func NewMongoMessageRepo(ctx context.Context, coll *mongo.Collection) (*MongoMessageRepo, error) {
	if _, err := coll.Indexes().CreateMany(ctx, messageIndexes()); err != nil {
		return nil, err
	}
	return &MongoMessageRepo{coll: coll}, nil
}

func (r *MongoMessageRepo) Insert(ctx context.Context, m *models.Message) error {
	_, err := r.coll.InsertOne(ctx, m)
	return err
}

func (r *MongoMessageRepo) Get(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *MongoMessageRepo) ListForConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := r.coll.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*models.Message
	for cur.Next(ctx) {
		var m models.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, cur.Err()
}

func (r *MongoMessageRepo) MarkConversationRead(ctx context.Context, conversationID, actorID string) (int64, error) {
	filter := bson.M{"conversation_id": conversationID, "receiver_id": actorID, "read": false}
	res, err := r.coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (r *MongoMessageRepo) CountUnread(ctx context.Context, conversationID, actorID string) (int64, error) {
	filter := bson.M{"conversation_id": conversationID, "receiver_id": actorID, "read": false}
	return r.coll.CountDocuments(ctx, filter)
}

// MongoAccessLogRepo appends delivery access audit rows.
type MongoAccessLogRepo struct {
	coll *mongo.Collection
}

func NewMongoAccessLogRepo(coll *mongo.Collection) *MongoAccessLogRepo {
	return &MongoAccessLogRepo{coll: coll}
}

func (r *MongoAccessLogRepo) Insert(ctx context.Context, l *models.DeliveryAccessLog) error {
	_, err := r.coll.InsertOne(ctx, l)
	return err
}
