// Package presence records which users have live connections in Redis so
// other services can show online status.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// DefaultTTL bounds how long a connection set survives without being
// refreshed, so a crashed process does not leave users online forever.
const DefaultTTL = 24 * time.Hour

// Status is the presence record of one user.
type Status struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

// RedisPresence keeps, per user, the set of live connection ids and a
// presence record derived from it. Keys:
//
//	<prefix>:conn:<userID>     set of connection ids
//	<prefix>:presence:<userID> JSON Status
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *zap.Logger
	now    func() time.Time
}

// Options configures a Redis connection for presence.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisPresence creates a client for opts. It does not dial until first use.
func NewRedisPresence(opts Options, log *zap.Logger) *RedisPresence {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisPresence(client, opts, log)
}

func newRedisPresence(client *redis.Client, opts Options, log *zap.Logger) *RedisPresence {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "sketchchat"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisPresence{client: client, prefix: prefix, ttl: ttl, log: log, now: time.Now}
}

func (p *RedisPresence) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", p.prefix, userID)
}

func (p *RedisPresence) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", p.prefix, userID)
}

// Ping checks that Redis is reachable.
func (p *RedisPresence) Ping(ctx context.Context) error {
	return errors.Wrap(p.client.Ping(ctx).Err(), "presence: ping redis")
}

// Online adds connID to userID's connection set and marks the user online.
func (p *RedisPresence) Online(ctx context.Context, userID, connID string) error {
	record, err := json.Marshal(Status{Status: StatusOnline, LastSeen: p.now().Unix()})
	if err != nil {
		return err
	}
	key := p.connKey(userID)
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, connID)
		pipe.Expire(ctx, key, p.ttl)
		pipe.Set(ctx, p.presenceKey(userID), record, p.ttl)
		return nil
	})
	return errors.Wrapf(err, "presence: mark %s online", userID)
}

// Offline removes connID and marks the user offline once no connection is
// left.
func (p *RedisPresence) Offline(ctx context.Context, userID, connID string) error {
	key := p.connKey(userID)
	if err := p.client.SRem(ctx, key, connID).Err(); err != nil {
		return errors.Wrapf(err, "presence: remove connection of %s", userID)
	}
	remaining, err := p.client.SCard(ctx, key).Result()
	if err != nil {
		return errors.Wrapf(err, "presence: count connections of %s", userID)
	}
	if remaining > 0 {
		return nil
	}
	p.log.Debug("User offline", zap.String("user_id", userID))

	record, err := json.Marshal(Status{Status: StatusOffline, LastSeen: p.now().Unix()})
	if err != nil {
		return err
	}
	return errors.Wrapf(p.client.Set(ctx, p.presenceKey(userID), record, 0).Err(),
		"presence: mark %s offline", userID)
}

// Lookup returns the presence record of userID. Users never seen are offline.
func (p *RedisPresence) Lookup(ctx context.Context, userID string) (Status, error) {
	raw, err := p.client.Get(ctx, p.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{Status: StatusOffline}, nil
	}
	if err != nil {
		return Status{}, errors.Wrapf(err, "presence: read %s", userID)
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return Status{}, errors.Wrapf(err, "presence: decode %s", userID)
	}
	return st, nil
}

// Close releases the Redis connection pool.
func (p *RedisPresence) Close() error {
	return p.client.Close()
}
