package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/Tyrowin/sketchchat/internal/hub"
)

const connectTimeout = 10 * time.Second

type messageDoc struct {
	ID         string    `bson:"_id"`
	ChatID     string    `bson:"chat_id"`
	SenderID   string    `bson:"sender_id"`
	SenderName string    `bson:"sender_name,omitempty"`
	Content    []byte    `bson:"content_encrypted"`
	IsDrawing  bool      `bson:"is_drawing"`
	CreatedAt  time.Time `bson:"created_at"`
}

type participantDoc struct {
	ChatID string `bson:"chat_id"`
	UserID string `bson:"user_id"`
}

// MongoStore persists messages and participation in MongoDB using the
// messages, chat_participants and chats collections.
type MongoStore struct {
	client       *mongo.Client
	messages     *mongo.Collection
	participants *mongo.Collection
	chats        *mongo.Collection
	cipher       *Cipher
	log          *zap.Logger
}

// NewMongoStore connects to uri, verifies the connection and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string, c *Cipher, log *zap.Logger) (*MongoStore, error) {
	if uri == "" || database == "" {
		return nil, errors.New("store: mongo uri and database are required")
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "store: connect to mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "store: ping mongo")
	}

	db := client.Database(database)
	s := &MongoStore{
		client:       client,
		messages:     db.Collection("messages"),
		participants: db.Collection("chat_participants"),
		chats:        db.Collection("chats"),
		cipher:       c,
		log:          log,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info("Connected to MongoDB", zap.String("database", database))
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return errors.Wrap(err, "store: create messages index")
	}
	_, err = s.participants.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Wrap(err, "store: create participants index")
}

func (s *MongoStore) AddParticipants(ctx context.Context, chatID string, userIDs ...string) error {
	for _, userID := range userIDs {
		filter := bson.M{"chat_id": chatID, "user_id": userID}
		update := bson.M{"$setOnInsert": participantDoc{ChatID: chatID, UserID: userID}}
		if _, err := s.participants.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
			return errors.Wrapf(err, "store: add %s to %s", userID, chatID)
		}
	}
	_, err := s.chats.UpdateByID(ctx, chatID,
		bson.M{"$setOnInsert": bson.M{"created_at": time.Now().UTC()}},
		options.Update().SetUpsert(true))
	return errors.Wrapf(err, "store: create chat %s", chatID)
}

// PersistMessage checks participation, stores the sealed body and bumps the
// chat's updated_at.
func (s *MongoStore) PersistMessage(ctx context.Context, msg hub.PendingMessage) (hub.Message, error) {
	ok, err := s.IsParticipant(ctx, msg.ChatID, msg.SenderID)
	if err != nil {
		return hub.Message{}, err
	}
	if !ok {
		return hub.Message{}, errors.Wrapf(hub.ErrNotParticipant, "store: %s in %s", msg.SenderID, msg.ChatID)
	}

	doc, body, err := newMessageDoc(msg, s.cipher, time.Now().UTC())
	if err != nil {
		return hub.Message{}, err
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return hub.Message{}, errors.Wrap(err, "store: insert message")
	}
	if _, err := s.chats.UpdateByID(ctx, msg.ChatID, bson.M{"$set": bson.M{"updated_at": doc.CreatedAt}}); err != nil {
		s.log.Warn("Failed to bump chat updated_at", zap.String("room", msg.ChatID), zap.Error(err))
	}

	return doc.toMessage(body), nil
}

func (s *MongoStore) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	n, err := s.participants.CountDocuments(ctx,
		bson.M{"chat_id": chatID, "user_id": userID},
		options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrap(err, "store: count participants")
	}
	return n > 0, nil
}

func (s *MongoStore) Participants(ctx context.Context, chatID string) ([]string, error) {
	cur, err := s.participants.Find(ctx, bson.M{"chat_id": chatID})
	if err != nil {
		return nil, errors.Wrap(err, "store: find participants")
	}
	defer cur.Close(ctx)

	var docs []participantDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "store: decode participants")
	}
	users := make([]string, 0, len(docs))
	for _, d := range docs {
		users = append(users, d.UserID)
	}
	return users, nil
}

// Messages returns the history of chatID, oldest first, decrypted.
func (s *MongoStore) Messages(ctx context.Context, chatID string) ([]hub.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.messages.Find(ctx, bson.M{"chat_id": chatID}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "store: find messages")
	}
	defer cur.Close(ctx)

	var out []hub.Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "store: decode message")
		}
		body, err := s.cipher.Open(doc.Content)
		if err != nil {
			return nil, errors.Wrapf(err, "store: message %s", doc.ID)
		}
		out = append(out, doc.toMessage(body))
	}
	return out, errors.Wrap(cur.Err(), "store: iterate messages")
}

func (s *MongoStore) Close(ctx context.Context) error {
	return errors.Wrap(s.client.Disconnect(ctx), "store: disconnect mongo")
}

func newMessageDoc(msg hub.PendingMessage, c *Cipher, now time.Time) (messageDoc, string, error) {
	body := storedBody(msg)
	sealed, err := c.Seal(body)
	if err != nil {
		return messageDoc{}, "", err
	}
	return messageDoc{
		ID:         uuid.NewString(),
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    sealed,
		IsDrawing:  msg.IsDrawing,
		CreatedAt:  now,
	}, body, nil
}

func (d messageDoc) toMessage(body string) hub.Message {
	return hub.Message{
		ID:         d.ID,
		ChatID:     d.ChatID,
		SenderID:   d.SenderID,
		SenderName: d.SenderName,
		Content:    body,
		IsDrawing:  d.IsDrawing,
		CreatedAt:  d.CreatedAt,
	}
}
