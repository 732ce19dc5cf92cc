// Package store provides the message and chat-participation collaborators the
// hub persists through: an in-memory store for development and tests, and a
// MongoDB store for deployments.
package store

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/sketchchat/internal/hub"
)

const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
)

// drawingPlaceholder is the stored body of drawing messages.
const drawingPlaceholder = "Sent a drawing"

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("store: unknown driver")

// Store is a hub.MessageStore that owns external resources.
type Store interface {
	hub.MessageStore
	AddParticipants(ctx context.Context, chatID string, userIDs ...string) error
	Messages(ctx context.Context, chatID string) ([]hub.Message, error)
	Close(ctx context.Context) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*MongoStore)(nil)
)

// Config selects and configures a Store.
type Config struct {
	Driver        string
	OpenRooms     bool
	EncryptionKey string
	MongoURI      string
	MongoDatabase string
}

// Open builds the Store named by cfg.Driver.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (Store, error) {
	var c *Cipher
	if cfg.EncryptionKey != "" {
		var err error
		if c, err = NewCipher(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	} else {
		log.Warn("No encryption key configured; message bodies are stored in plaintext")
	}

	switch cfg.Driver {
	case "", DriverMemory:
		log.Info("Using in-memory message store", zap.Bool("open_rooms", cfg.OpenRooms))
		return NewMemoryStore(cfg.OpenRooms, c), nil
	case DriverMongo:
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, c, log)
	default:
		return nil, errors.Wrapf(ErrUnknownDriver, "%q", cfg.Driver)
	}
}

func storedBody(msg hub.PendingMessage) string {
	if msg.IsDrawing && msg.Content == "" {
		return drawingPlaceholder
	}
	return msg.Content
}
