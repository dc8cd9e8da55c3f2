package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TexteaInc/y-socket.io/internal/crdt"
	"github.com/TexteaInc/y-socket.io/internal/domain"
)

const redisKeyPrefix = "y:room:"

// Redis stores snapshots in a shared redis instance so several relay servers
// can hand rooms off to each other. A zero TTL keeps snapshots forever.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(addr string, ttl time.Duration) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(room domain.RoomName) string {
	return redisKeyPrefix + string(room)
}

func (r *Redis) BindState(ctx context.Context, room domain.RoomName, doc Document) error {
	snapshot, err := r.client.Get(ctx, r.key(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bind state for %q: %w", room, err)
	}
	if err := doc.Apply(snapshot, crdt.Local); err != nil {
		return fmt.Errorf("bind state for %q: %w", room, err)
	}
	return nil
}

func (r *Redis) WriteState(ctx context.Context, room domain.RoomName, doc Document) error {
	if err := r.client.Set(ctx, r.key(room), doc.Save(), r.ttl).Err(); err != nil {
		return fmt.Errorf("write state for %q: %w", room, err)
	}
	return nil
}
