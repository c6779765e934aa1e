package services

import (
	"context"
	"fmt"

	"gasforge/internal/database"
	"gasforge/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoResultStore persists generated code in the generated_codes collection
type MongoResultStore struct {
	collection *mongo.Collection
}

// NewMongoResultStore creates a Mongo-backed result store
func NewMongoResultStore(mongodb *database.MongoDB) *MongoResultStore {
	return &MongoResultStore{
		collection: mongodb.Collection(database.CollectionResults),
	}
}

// SaveResult upserts the result by jobId, so a re-delivered completion
// cannot produce duplicate documents
func (s *MongoResultStore) SaveResult(ctx context.Context, result *models.GeneratedCode) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"jobId": result.JobID},
		bson.M{"$set": result},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save generated code: %w", err)
	}
	return nil
}

// LatestForUser returns the most recent result for a user, or nil if none
func (s *MongoResultStore) LatestForUser(ctx context.Context, userID string) (*models.GeneratedCode, error) {
	var result models.GeneratedCode
	err := s.collection.FindOne(ctx,
		bson.M{"userId": userID},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	).Decode(&result)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load generated code: %w", err)
	}
	return &result, nil
}
