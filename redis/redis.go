// Package redis keeps presence flags in Redis. A flag is a key that expires
// unless its session keeps refreshing it; keyspace notifications turn key
// changes into presence updates.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key written by the store.
	Prefix string
}

// Redis provides presence storage in Redis.
type Redis struct {
	cli    *redis.Client
	logger *slog.Logger
	prefix string
	db     int

	mu       sync.Mutex
	pubsub   *redis.PubSub
	watchers map[string]map[*watcher]struct{}
}

// keyspaceEvents enables generic (del, expire), string (set), expired and
// evicted notifications.
const keyspaceEvents = "Kg$xe"

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	// Managed servers reject CONFIG SET; they must be configured upfront.
	if err := cli.ConfigSet(ctx, "notify-keyspace-events", keyspaceEvents).Err(); err != nil {
		logger.Warn("Could not enable keyspace notifications", "error", err.Error())
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "matchchat"
	}
	return &Redis{
		cli:      cli,
		logger:   logger,
		prefix:   prefix,
		db:       opts.DB,
		watchers: make(map[string]map[*watcher]struct{}),
	}, nil
}

// Close stops every watch and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.pubsub != nil {
		_ = r.pubsub.Close()
	}
	r.mu.Unlock()
	return r.cli.Close()
}

func (r *Redis) key(userID string) string {
	return fmt.Sprintf("%s:presence:%s", r.prefix, userID)
}

// Ping reports whether the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.cli.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// SetOnline writes the presence key of userID holding the session token.
func (r *Redis) SetOnline(ctx context.Context, userID, token string, ttl time.Duration) error {
	if err := r.cli.Set(ctx, r.key(userID), token, ttl).Err(); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

var retractScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Retract deletes the presence key of userID if it still holds token. A key
// rewritten by another session of the same user is left alone.
func (r *Redis) Retract(ctx context.Context, userID, token string) error {
	if err := retractScript.Run(ctx, r.cli, []string{r.key(userID)}, token).Err(); err != nil {
		return fmt.Errorf("retract: %w", err)
	}
	return nil
}

// Online reports whether the presence key of userID exists.
func (r *Redis) Online(ctx context.Context, userID string) (bool, error) {
	n, err := r.cli.Exists(ctx, r.key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n > 0, nil
}
