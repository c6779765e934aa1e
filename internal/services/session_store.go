package services

import (
	"context"
	"fmt"
	"time"

	"gasforge/internal/database"
	"gasforge/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SessionStore is the durable mirror behind the in-memory session cache.
// All operations are best-effort from the cache's point of view; the cache
// degrades to memory-only operation when the store is unreachable.
type SessionStore interface {
	Load(ctx context.Context, userID string) (*models.Session, error)
	Save(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, userID string) error
}

// MongoSessionStore persists sessions in the conversation_sessions collection
type MongoSessionStore struct {
	collection *mongo.Collection
}

// NewMongoSessionStore creates a Mongo-backed session store
func NewMongoSessionStore(mongodb *database.MongoDB) *MongoSessionStore {
	return &MongoSessionStore{
		collection: mongodb.Collection(database.CollectionSessions),
	}
}

// Load returns the stored session for a user, or nil if none exists
func (s *MongoSessionStore) Load(ctx context.Context, userID string) (*models.Session, error) {
	var session models.Session
	err := s.collection.FindOne(ctx, bson.M{"userId": userID}).Decode(&session)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &session, nil
}

// Save upserts the session by userId
func (s *MongoSessionStore) Save(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now()
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"userId": session.UserID},
		bson.M{"$set": session},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes the user's session document
func (s *MongoSessionStore) Delete(ctx context.Context, userID string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"userId": userID})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
