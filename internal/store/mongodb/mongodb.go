// Package mongodb implements store.Store on MongoDB. Bees live in the "bees"
// collection and messages in "messages"; messages reference bees by ObjectID.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/beehive/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	BeesCollection     = "bees"
	MessagesCollection = "messages"

	connectTimeout = 10 * time.Second
)

type beeDocument struct {
	ID   primitive.ObjectID `bson:"_id,omitempty"`
	Name string             `bson:"name"`
}

type messageDocument struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Sender    primitive.ObjectID `bson:"sender"`
	Receive   primitive.ObjectID `bson:"receive"`
	Content   string             `bson:"content"`
	Status    string             `bson:"status"`
	CreatedAt time.Time          `bson:"createdAt"`
}

// Store implements store.Store using MongoDB
type Store struct {
	db       *mongo.Database
	bees     *mongo.Collection
	messages *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// New connects to MongoDB, verifies the connection and makes sure bee names are
// unique.
func New(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := NewWithDatabase(client.Database(database))
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewWithDatabase wraps an existing database handle
func NewWithDatabase(db *mongo.Database) *Store {
	return &Store{
		db:       db,
		bees:     db.Collection(BeesCollection),
		messages: db.Collection(MessagesCollection),
	}
}

// EnsureIndexes creates the unique index on bee names
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.bees.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create bee name index: %w", err)
	}
	return nil
}

// CreateBee inserts a bee
func (s *Store) CreateBee(ctx context.Context, name string) (*store.Bee, error) {
	doc := beeDocument{ID: primitive.NewObjectID(), Name: name}

	if _, err := s.bees.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicate
		}
		return nil, fmt.Errorf("failed to insert bee: %w", err)
	}

	return &store.Bee{ID: doc.ID.Hex(), Name: doc.Name}, nil
}

// FindBeeByName retrieves a bee by name
func (s *Store) FindBeeByName(ctx context.Context, name string) (*store.Bee, error) {
	var doc beeDocument
	err := s.bees.FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bee: %w", err)
	}

	return &store.Bee{ID: doc.ID.Hex(), Name: doc.Name}, nil
}

// ListBees returns one page of bees sorted by name
func (s *Store) ListBees(ctx context.Context, page, limit int) ([]store.Bee, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "name", Value: 1}}).
		SetSkip(int64(store.Offset(page, limit)))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.bees.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list bees: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []beeDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode bees: %w", err)
	}

	bees := make([]store.Bee, len(docs))
	for i, doc := range docs {
		bees[i] = store.Bee{ID: doc.ID.Hex(), Name: doc.Name}
	}
	return bees, nil
}

// DeleteBeeByName removes a bee by name
func (s *Store) DeleteBeeByName(ctx context.Context, name string) error {
	if _, err := s.bees.DeleteOne(ctx, bson.M{"name": name}); err != nil {
		return fmt.Errorf("failed to delete bee: %w", err)
	}
	return nil
}

// DeleteAllBees empties the bees collection
func (s *Store) DeleteAllBees(ctx context.Context) (int64, error) {
	result, err := s.bees.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to delete bees: %w", err)
	}
	return result.DeletedCount, nil
}

// CreateMessage inserts a pending message
func (s *Store) CreateMessage(ctx context.Context, sender, receiver store.Bee, content string) (*store.Message, error) {
	senderID, err := primitive.ObjectIDFromHex(sender.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid sender id %q: %w", sender.ID, err)
	}
	receiverID, err := primitive.ObjectIDFromHex(receiver.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid receiver id %q: %w", receiver.ID, err)
	}

	doc := messageDocument{
		ID:        primitive.NewObjectID(),
		Sender:    senderID,
		Receive:   receiverID,
		Content:   content,
		Status:    string(store.StatusPending),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	return &store.Message{
		ID:        doc.ID.Hex(),
		Sender:    sender,
		Receiver:  receiver,
		Content:   doc.Content,
		Status:    store.StatusPending,
		CreatedAt: doc.CreatedAt,
	}, nil
}

// FindMessageByID loads a message and resolves its sender and receiver
func (s *Store) FindMessageByID(ctx context.Context, id string) (*store.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, store.ErrNotFound
	}

	var doc messageDocument
	if err := s.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	bees, err := s.beesByID(ctx, doc.Sender, doc.Receive)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ID:        doc.ID.Hex(),
		Sender:    store.Bee{ID: doc.Sender.Hex()},
		Receiver:  store.Bee{ID: doc.Receive.Hex()},
		Content:   doc.Content,
		Status:    store.Status(doc.Status),
		CreatedAt: doc.CreatedAt,
	}
	if bee, ok := bees[doc.Sender]; ok {
		msg.Sender.Name = bee.Name
	}
	if bee, ok := bees[doc.Receive]; ok {
		msg.Receiver.Name = bee.Name
	}
	return msg, nil
}

func (s *Store) beesByID(ctx context.Context, ids ...primitive.ObjectID) (map[primitive.ObjectID]beeDocument, error) {
	cursor, err := s.bees.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bees: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []beeDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode bees: %w", err)
	}

	result := make(map[primitive.ObjectID]beeDocument, len(docs))
	for _, doc := range docs {
		result[doc.ID] = doc
	}
	return result, nil
}

// UpdateMessageStatus sets the status of a message
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status store.Status) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return store.ErrNotFound
	}

	result, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"status": string(status)}},
	)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ResolveName returns the name of the bee with the given ID
func (s *Store) ResolveName(ctx context.Context, id string) (string, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return "", store.ErrNotFound
	}

	var doc beeDocument
	if err := s.bees.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve bee name: %w", err)
	}
	return doc.Name, nil
}

// Ping checks the server with the ping command
func (s *Store) Ping(ctx context.Context) error {
	return s.db.RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err()
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}
