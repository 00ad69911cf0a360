// Package cache memoizes completions in Redis. Identical message sequences
// sent to the same provider/model return the stored completion.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/prompt"
)

// DefaultPrefix namespaces cache keys
const DefaultPrefix = "loom:completion:"

// Option configures a cached backend
type Option func(*Backend)

// WithTTL sets the expiration for cached completions (0 = no expiry)
func WithTTL(ttl time.Duration) Option {
	return func(b *Backend) {
		b.ttl = ttl
	}
}

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		b.prefix = prefix
	}
}

// WithNamespace overrides the provider/model namespace mixed into keys
func WithNamespace(ns string) Option {
	return func(b *Backend) {
		b.namespace = ns
	}
}

// WithLogger sets the logger for cache failures
func WithLogger(l *zap.SugaredLogger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// Backend is an ai.Backend that consults Redis before calling next.
// Redis failures are logged and fall through to next; they never fail a call.
type Backend struct {
	next      ai.Backend
	client    *redis.Client
	prefix    string
	namespace string
	ttl       time.Duration
	logger    *zap.SugaredLogger
}

// New creates a Redis client and wraps next with it
func New(next ai.Backend, addr, password string, db int, opts ...Option) *Backend {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewFromClient(next, client, opts...)
}

// NewFromClient wraps next with an existing Redis client
func NewFromClient(next ai.Backend, client *redis.Client, opts ...Option) *Backend {
	b := &Backend{
		next:      next,
		client:    client,
		prefix:    DefaultPrefix,
		namespace: ai.Describe(next, "default"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logger.OrNop(b.logger)
	return b
}

// Key returns the cache key for messages
func (b *Backend) Key(messages []prompt.Message) string {
	h := sha256.New()
	h.Write([]byte(b.namespace))
	h.Write([]byte{0})
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return b.prefix + hex.EncodeToString(h.Sum(nil))
}

// Complete implements ai.Backend
func (b *Backend) Complete(ctx context.Context, messages []prompt.Message) (*ai.Completion, error) {
	key := b.Key(messages)

	data, err := b.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var completion ai.Completion
		if jsonErr := json.Unmarshal(data, &completion); jsonErr == nil {
			completion.Cached = true
			b.logger.Debugw("Completion cache hit", logger.FieldKey, key)
			return &completion, nil
		}
		b.logger.Warnw("Discarding undecodable cache entry", logger.FieldKey, key)
	case err != redis.Nil:
		b.logger.Warnw("Completion cache read failed", logger.FieldError, err, logger.FieldKey, key)
	}

	completion, err := b.next.Complete(ctx, messages)
	if err != nil {
		return nil, err
	}

	stored := *completion
	stored.Cached = false
	data, err = json.Marshal(stored)
	if err == nil {
		err = b.client.Set(ctx, key, data, b.ttl).Err()
	}
	if err != nil {
		b.logger.Warnw("Completion cache write failed", logger.FieldError, err, logger.FieldKey, key)
	}
	return completion, nil
}

// Invalidate removes the cached completion for messages
func (b *Backend) Invalidate(ctx context.Context, messages []prompt.Message) error {
	return b.client.Del(ctx, b.Key(messages)).Err()
}

// Unwrap exposes the wrapped backend
func (b *Backend) Unwrap() ai.Backend { return b.next }

// Close closes the Redis client
func (b *Backend) Close() error {
	return b.client.Close()
}
