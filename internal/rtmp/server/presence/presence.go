// Package presence publishes active publish-stream ownership to Redis so a
// fleet of rtmp-server processes behind an L4 load balancer can answer
// "which instance has app/stream" without a single process holding all
// connections. The single-process server.Registry already answers that
// question for its own connections; Tracker extends it across instances.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rtmp:presence:"

// Tracker records and queries which server instance owns a live publish.
type Tracker struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
}

// Config configures a Tracker.
type Config struct {
	RedisAddr  string
	InstanceID string
	TTL        time.Duration
}

// DefaultConfig returns sane presence defaults.
func DefaultConfig() Config {
	return Config{TTL: 30 * time.Second}
}

// NewTracker connects to Redis and returns a Tracker. Connectivity isn't
// verified here; the first Join/Lookup surfaces a dial error if Redis is
// unreachable.
func NewTracker(cfg Config) *Tracker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return &Tracker{client: client, instanceID: cfg.InstanceID, ttl: cfg.TTL}
}

func streamKey(app, stream string) string {
	return keyPrefix + app + "/" + stream
}

// Join records that this instance is now publishing app/stream. It fails if
// another instance already owns the key, mirroring Stream.SetPublisher's
// single-publisher invariant but across the fleet.
func (t *Tracker) Join(ctx context.Context, app, stream string) error {
	ok, err := t.client.SetNX(ctx, streamKey(app, stream), t.instanceID, t.ttl).Result()
	if err != nil {
		return fmt.Errorf("presence: join %s/%s: %w", app, stream, err)
	}
	if !ok {
		owner, _ := t.client.Get(ctx, streamKey(app, stream)).Result()
		return fmt.Errorf("presence: %s/%s already owned by %s", app, stream, owner)
	}
	return nil
}

// Refresh extends the TTL on an owned key. Call periodically while
// publishing so a crashed instance's claim expires instead of wedging the
// stream key forever.
func (t *Tracker) Refresh(ctx context.Context, app, stream string) error {
	if err := t.client.Expire(ctx, streamKey(app, stream), t.ttl).Err(); err != nil {
		return fmt.Errorf("presence: refresh %s/%s: %w", app, stream, err)
	}
	return nil
}

// Leave releases this instance's claim on app/stream.
func (t *Tracker) Leave(ctx context.Context, app, stream string) error {
	if err := t.client.Del(ctx, streamKey(app, stream)).Err(); err != nil {
		return fmt.Errorf("presence: leave %s/%s: %w", app, stream, err)
	}
	return nil
}

// Lookup returns the instance ID currently publishing app/stream, or
// redis.Nil wrapped in an error if nobody owns it.
func (t *Tracker) Lookup(ctx context.Context, app, stream string) (string, error) {
	owner, err := t.client.Get(ctx, streamKey(app, stream)).Result()
	if err != nil {
		return "", fmt.Errorf("presence: lookup %s/%s: %w", app, stream, err)
	}
	return owner, nil
}

// Close releases the Redis client's connection pool.
func (t *Tracker) Close() error {
	return t.client.Close()
}
