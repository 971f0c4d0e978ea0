package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"engraver/internal/api"
	"engraver/internal/config"
	"engraver/internal/logging"
	"engraver/internal/queue"
)

const (
	defaultBlockTimeout = 5 * time.Second
	redisErrorBackoff   = 2 * time.Second
)

// ListClient is the subset of the go-redis client the consumer uses.
type ListClient interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	Close() error
}

// RedisConsumer pops JSON enqueue requests off a Redis list.
type RedisConsumer struct {
	client       ListClient
	list         string
	enqueuer     Enqueuer
	logger       *slog.Logger
	blockTimeout time.Duration
	errorBackoff time.Duration
}

// RedisOption customises a RedisConsumer.
type RedisOption func(*RedisConsumer)

// WithListClient replaces the client dialled from config.
func WithListClient(client ListClient) RedisOption {
	return func(c *RedisConsumer) {
		c.client = client
	}
}

// WithBlockTimeout bounds each BLPOP call.
func WithBlockTimeout(d time.Duration) RedisOption {
	return func(c *RedisConsumer) {
		c.blockTimeout = d
	}
}

// NewRedisConsumer connects to the configured Redis server and verifies it
// with PING.
func NewRedisConsumer(ctx context.Context, cfg config.Intake, enqueuer Enqueuer, logger *slog.Logger, opts ...RedisOption) (*RedisConsumer, error) {
	if enqueuer == nil {
		return nil, errors.New("redis intake requires an enqueuer")
	}
	c := &RedisConsumer{
		list:         cfg.RedisList,
		enqueuer:     enqueuer,
		logger:       logging.NewComponentLogger(logger, "redis-intake"),
		blockTimeout: defaultBlockTimeout,
		errorBackoff: redisErrorBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		c.client = client
	}
	return c, nil
}

// Run consumes the list until ctx ends.
func (c *RedisConsumer) Run(ctx context.Context) error {
	defer c.client.Close()
	c.logger.Info("redis intake listening",
		logging.String("list", c.list),
		logging.String(logging.FieldEventType, "intake_redis_started"))
	for {
		if ctx.Err() != nil {
			return nil
		}
		values, err := c.client.BLPop(ctx, c.blockTimeout, c.list).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("redis pop failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "intake_redis_pop_failed"),
				logging.String(logging.FieldErrorHint, "check intake.redis_addr and that Redis is reachable"),
				logging.String(logging.FieldImpact, "jobs pushed to Redis wait until the connection recovers"))
			if !sleepCtx(ctx, c.errorBackoff) {
				return nil
			}
			continue
		}
		// BLPOP replies with [key, value].
		if len(values) != 2 {
			continue
		}
		if !c.handle(ctx, values[1]) && !sleepCtx(ctx, c.errorBackoff) {
			return nil
		}
	}
}

// handle enqueues one payload. It returns false when the payload was pushed
// back because the queue could not accept it.
func (c *RedisConsumer) handle(ctx context.Context, payload string) bool {
	var req queue.EnqueueRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		c.logger.Warn("dropping malformed redis payload",
			logging.Error(err),
			logging.String("payload", truncate(payload, 200)),
			logging.String(logging.FieldEventType, "intake_redis_malformed"),
			logging.String(logging.FieldImpact, "the request is discarded"))
		return true
	}
	job, err := c.enqueuer.Enqueue(ctx, api.SourceRedis, req)
	switch {
	case err == nil:
		c.logger.Info("job queued from redis",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String(logging.FieldItemRef, job.ItemRef),
			logging.String(logging.FieldEventType, "job_enqueued"))
		return true
	case errors.Is(err, queue.ErrInvalidRequest):
		c.logger.Warn("dropping invalid redis request",
			logging.Error(err),
			logging.String(logging.FieldItemRef, req.ItemRef),
			logging.String(logging.FieldEventType, "intake_redis_invalid"),
			logging.String(logging.FieldImpact, "the request is discarded"))
		return true
	default:
		c.logger.Error("failed to enqueue redis request; returning it to the list",
			logging.Error(err),
			logging.String(logging.FieldItemRef, req.ItemRef),
			logging.String(logging.FieldEventType, "intake_redis_enqueue_failed"))
		if pushErr := c.client.LPush(context.WithoutCancel(ctx), c.list, payload).Err(); pushErr != nil {
			c.logger.Error("failed to return request to redis; it is lost",
				logging.Error(pushErr),
				logging.String("payload", truncate(payload, 200)))
		}
		return false
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}
