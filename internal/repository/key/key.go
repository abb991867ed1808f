package key

import (
	"context"
	"fmt"

	"chat_relay/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	KeyRepo struct {
		collection *mongo.Collection
	}
)

func NewKeyRepo(db *mongo.Database) *KeyRepo {
	return &KeyRepo{
		collection: db.Collection("keys"),
	}
}

// EnsureIndexes makes key versions unique so two replicas rotating at once
// cannot both install the same version.
func (r *KeyRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *KeyRepo) List(ctx context.Context) ([]model.KeyRecord, error) {
	cur, err := r.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var records []model.KeyRecord
	if err := cur.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *KeyRepo) Insert(ctx context.Context, rec model.KeyRecord) error {
	_, err := r.collection.InsertOne(ctx, rec)
	return err
}

func (r *KeyRepo) SetStatus(ctx context.Context, version uint32, status model.KeyStatus) error {
	res, err := r.collection.UpdateOne(ctx,
		bson.M{"version": version},
		bson.M{"$set": bson.M{"status": status}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("key v%d not stored", version)
	}
	return nil
}

func (r *KeyRepo) Delete(ctx context.Context, version uint32) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"version": version})
	return err
}
