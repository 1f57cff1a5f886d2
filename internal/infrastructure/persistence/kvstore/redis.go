package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/finedu/finedu-sync/internal/domain/shared"
	"github.com/finedu/finedu-sync/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Host is the Redis server hostname.
	Host string

	// Port is the Redis server port.
	Port int

	// Password is the Redis authentication password (empty if no auth).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// Namespace prefixes every key and the change channel, so several
	// learners can share one instance.
	Namespace string

	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns a sensible default configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:         "localhost",
		Port:         6379,
		Namespace:    "finedu",
		PoolSize:     4,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// changeMessage is published on the change channel after every write.
type changeMessage struct {
	Key     string `json:"key"`
	Origin  string `json:"origin"`
	Removed bool   `json:"removed,omitempty"`
}

// Redis is a Store over a Redis instance. Writes are announced on
// "<namespace>:kv:changes"; subscribers re-read the key on notification.
type Redis struct {
	client  *redis.Client
	prefix  string
	channel string
	origin  string
	log     *logger.Logger
	subs    notifier

	mu     sync.Mutex
	closed bool
	pubsub *redis.PubSub
	done   chan struct{}
}

// OpenRedis connects to Redis and starts listening for changes.
func OpenRedis(ctx context.Context, cfg RedisConfig, log *logger.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return newRedis(ctx, client, cfg.Namespace, log)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(ctx context.Context, client *redis.Client, namespace string, log *logger.Logger) (*Redis, error) {
	return newRedis(ctx, client, namespace, log)
}

func newRedis(ctx context.Context, client *redis.Client, namespace string, log *logger.Logger) (*Redis, error) {
	if log == nil {
		log = logger.Nop()
	}
	if namespace == "" {
		namespace = "finedu"
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, persistenceError("OpenRedis", namespace, err)
	}

	r := &Redis{
		client:  client,
		prefix:  namespace + ":kv:",
		channel: namespace + ":kv:changes",
		origin:  uuid.NewString(),
		log:     log.With(logger.Component("kvstore.redis")),
		done:    make(chan struct{}),
	}

	r.pubsub = client.Subscribe(ctx, r.channel)
	if _, err := r.pubsub.Receive(pingCtx); err != nil {
		r.pubsub.Close()
		client.Close()
		return nil, persistenceError("OpenRedis", r.channel, err)
	}
	go r.listen()
	return r, nil
}

func (r *Redis) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return shared.ErrStoreClosed
	}
	return nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrKeyNotFound
	}
	if err != nil {
		return nil, persistenceError("Get", key, err)
	}
	return data, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := validate("Set", key, value); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, []byte(value), 0).Err(); err != nil {
		return persistenceError("Set", key, err)
	}
	r.announce(ctx, changeMessage{Key: key, Origin: r.origin})
	return nil
}

// Remove implements Store.
func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return persistenceError("Remove", key, err)
	}
	if n > 0 {
		r.announce(ctx, changeMessage{Key: key, Origin: r.origin, Removed: true})
	}
	return nil
}

// Keys implements Store.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.prefix+prefix+"*", 100).Result()
		if err != nil {
			return nil, persistenceError("Keys", prefix, err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, r.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return filterKeys(keys, prefix), nil
}

// Subscribe implements Store.
func (r *Redis) Subscribe(fn ChangeHandler) func() {
	return r.subs.subscribe(fn)
}

// Close closes the subscription and the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.pubsub.Close()
	<-r.done
	return errors.Join(err, r.client.Close())
}

// announce is best effort: a lost notification only delays adoption until
// the next change.
func (r *Redis) announce(ctx context.Context, msg changeMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.log.Warn("publish change failed", logger.String("key", msg.Key), logger.Err(err))
	}
}

func (r *Redis) listen() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		var cm changeMessage
		if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
			r.log.Warn("malformed change message", logger.Err(err))
			continue
		}
		if cm.Origin == r.origin {
			continue
		}
		if cm.Removed {
			r.subs.notify(Change{Key: cm.Key, Removed: true})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		value, err := r.Get(ctx, cm.Key)
		cancel()
		switch {
		case errors.Is(err, shared.ErrKeyNotFound):
			r.subs.notify(Change{Key: cm.Key, Removed: true})
		case err != nil:
			r.log.Warn("read changed key", logger.String("key", cm.Key), logger.Err(err))
		default:
			r.subs.notify(Change{Key: cm.Key, Value: value})
		}
	}
}
