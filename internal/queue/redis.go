package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/routeflow/dispatch/internal/observability"
	"github.com/routeflow/dispatch/pkg/models"
)

// RedisQueue keeps each named queue as a Redis list of JSON messages.
type RedisQueue struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(addr string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, models.Wrap(models.ErrConfig, "redis connection failed", err)
	}

	return &RedisQueue{
		client: client,
		logger: observability.Logger("queue"),
	}, nil
}

// Close releases the connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// TotalCount returns the number of messages still owed to the queue.
func (q *RedisQueue) TotalCount(ctx context.Context, name string) (int64, error) {
	n, err := q.client.LLen(ctx, name).Result()
	if err != nil {
		return 0, models.Wrap(models.ErrConfig, "count queue "+name, err)
	}
	return n, nil
}

// Receive pops up to max messages from the head of the queue.
func (q *RedisQueue) Receive(ctx context.Context, name string, max int) ([]Message, error) {
	raw, err := q.client.LPopCount(ctx, name, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Wrap(models.ErrConfig, "receive from queue "+name, err)
	}

	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			// Producers that push bare payloads still get delivered.
			m = Message{Body: item}
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// Push appends messages to the tail of the queue.
func (q *RedisQueue) Push(ctx context.Context, name string, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}
	values := make([]any, 0, len(messages))
	for _, m := range messages {
		raw, err := json.Marshal(m)
		if err != nil {
			return models.Wrap(models.ErrValidation, "encode queue message", err)
		}
		values = append(values, raw)
	}
	if err := q.client.RPush(ctx, name, values...).Err(); err != nil {
		return models.Wrap(models.ErrConfig, "push to queue "+name, err)
	}
	return nil
}

// Delete removes the queue entirely.
func (q *RedisQueue) Delete(ctx context.Context, name string) error {
	if err := q.client.Del(ctx, name).Err(); err != nil {
		return models.Wrap(models.ErrConfig, "delete queue "+name, err)
	}
	return nil
}

// RedisAlerts publishes failure traces on a Redis channel. Delivery is
// best effort.
type RedisAlerts struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisAlerts creates the alert publisher on an existing queue
// connection.
func NewRedisAlerts(q *RedisQueue, channel string) *RedisAlerts {
	return &RedisAlerts{
		client:  q.client,
		channel: channel,
		logger:  observability.Logger("alerts"),
	}
}

type alertDocument struct {
	Subject   string `json:"subject"`
	Trace     string `json:"trace"`
	Timestamp string `json:"timestamp"`
}

// Publish sends the alert. Errors are logged and returned, but callers
// are expected to swallow them.
func (a *RedisAlerts) Publish(ctx context.Context, subject, trace string) error {
	raw, err := json.Marshal(alertDocument{
		Subject:   subject,
		Trace:     trace,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if err := a.client.Publish(ctx, a.channel, raw).Err(); err != nil {
		a.logger.Warn().Err(err).Str("channel", a.channel).Msg("alert publish failed")
		return err
	}
	return nil
}
