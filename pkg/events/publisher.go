package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fieldops/fieldops/pkg/observability"
)

// Deletion describes a committed delete
type Deletion struct {
	Table      string           `json:"table"`
	ID         string           `json:"id"`
	ActorID    *int64           `json:"actor_id,omitempty"`
	Dependents map[string]int64 `json:"dependents,omitempty"`
	DeletedAt  time.Time        `json:"deleted_at"`
}

// Publisher announces committed deletes to other processes
type Publisher interface {
	PublishDeletion(ctx context.Context, d Deletion) error
}

// NoopPublisher drops every event
type NoopPublisher struct{}

// PublishDeletion does nothing
func (NoopPublisher) PublishDeletion(context.Context, Deletion) error { return nil }

// ClientOptions configures NewRedisClient
type ClientOptions struct {
	URL        string
	PoolSize   int
	MaxRetries int
}

// NewRedisClient parses the URL, applies pool settings and pings the server
func NewRedisClient(ctx context.Context, opts ClientOptions) (*redis.Client, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	if opts.MaxRetries > 0 {
		redisOpts.MaxRetries = opts.MaxRetries
	}

	redisOpts.DialTimeout = 5 * time.Second
	redisOpts.ReadTimeout = 3 * time.Second
	redisOpts.WriteTimeout = 3 * time.Second
	redisOpts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// RedisPublisher evicts the cached copy of a deleted record and publishes
// the deletion on a channel, both in one MULTI/EXEC round trip.
type RedisPublisher struct {
	client    *redis.Client
	channel   string
	keyPrefix string
	metrics   *observability.Metrics
}

// NewRedisPublisher creates a publisher. metrics may be nil.
func NewRedisPublisher(client *redis.Client, channel, keyPrefix string, metrics *observability.Metrics) *RedisPublisher {
	return &RedisPublisher{
		client:    client,
		channel:   channel,
		keyPrefix: keyPrefix,
		metrics:   metrics,
	}
}

// RecordKey is the cache key for one record
func (p *RedisPublisher) RecordKey(table, id string) string {
	return fmt.Sprintf("%s:%s:%s", p.keyPrefix, table, id)
}

// PublishDeletion evicts the record key and publishes d
func (p *RedisPublisher) PublishDeletion(ctx context.Context, d Deletion) (err error) {
	defer func() { p.metrics.RecordRedisCommand("publish_deletion", err) }()

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal deletion: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.RecordKey(d.Table, d.ID))
		pipe.Publish(ctx, p.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe delivers deletions published on the channel until ctx is done.
// Malformed payloads are skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan Deletion, error) {
	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	out := make(chan Deletion)
	go func() {
		defer close(out)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var d Deletion
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
