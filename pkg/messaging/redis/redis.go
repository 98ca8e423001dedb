// Package redis is the Redis Streams broker. Each stream is read through one consumer
// group, so an event is handled by a single worker replica and survives worker restarts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jwalitptl/access-api/pkg/circuitbreaker"
	"github.com/jwalitptl/access-api/pkg/messaging"
)

const payloadField = "payload"

type Config struct {
	URL          string
	MaxRetries   int
	RetryBackoff time.Duration
	PoolSize     int
	MinIdleConns int

	// Group is the consumer group subscribers join. Defaults to "access-api".
	Group string

	// Consumer names this process inside Group. Defaults to hostname-pid.
	Consumer string

	// MaxLen caps each stream approximately. Zero keeps everything.
	MaxLen int64

	// Block bounds each XREADGROUP wait so cancellation is noticed. Defaults to 2s.
	Block time.Duration
}

type RedisBroker struct {
	client   *redis.Client
	cb       *circuitbreaker.CircuitBreaker
	logger   *zerolog.Logger
	group    string
	consumer string
	maxLen   int64
	block    time.Duration
	backoff  time.Duration
}

func NewRedisBroker(ctx context.Context, config Config, logger *zerolog.Logger) (messaging.Broker, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.MaxRetries = config.MaxRetries
	opts.MinRetryBackoff = config.RetryBackoff
	opts.PoolSize = config.PoolSize
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewWithClient(client, config, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, config Config, logger *zerolog.Logger) *RedisBroker {
	b := &RedisBroker{
		client: client,
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "redis-broker",
			MaxFailures: 5,
			Timeout:     5 * time.Second,
		}),
		logger:   logger,
		group:    config.Group,
		consumer: config.Consumer,
		maxLen:   config.MaxLen,
		block:    config.Block,
		backoff:  config.RetryBackoff,
	}
	if b.group == "" {
		b.group = "access-api"
	}
	if b.consumer == "" {
		host, _ := os.Hostname()
		b.consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if b.block <= 0 {
		b.block = 2 * time.Second
	}
	if b.backoff <= 0 {
		b.backoff = time.Second
	}
	return b
}

func (b *RedisBroker) Publish(ctx context.Context, stream string, message interface{}) error {
	payload, err := messaging.Encode(message)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: payload},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	return b.cb.Execute(func() error {
		return b.client.XAdd(ctx, args).Err()
	})
}

// Subscribe joins the consumer group for stream, creating both if needed. Entries this
// consumer read before a restart but never acknowledged are redelivered first.
func (b *RedisBroker) Subscribe(ctx context.Context, stream string) (<-chan []byte, error) {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to join consumer group %s on %s: %w", b.group, stream, err)
	}

	out := make(chan []byte, 100)
	go b.consume(ctx, stream, out)
	return out, nil
}

func (b *RedisBroker) consume(ctx context.Context, stream string, out chan<- []byte) {
	defer close(out)

	cursor := "0"
	for {
		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{stream, cursor},
			Count:    50,
			Block:    b.block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			b.logger.Warn().Err(err).Str("stream", stream).Msg("redis stream read failed")
			select {
			case <-time.After(b.backoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		delivered := 0
		for _, s := range res {
			for _, msg := range s.Messages {
				delivered++
				if payload, ok := msg.Values[payloadField].(string); ok {
					select {
					case out <- []byte(payload):
					case <-ctx.Done():
						return
					}
				} else {
					b.logger.Warn().Str("stream", stream).Str("id", msg.ID).Msg("dropping stream entry without payload")
				}
				if err := b.client.XAck(ctx, stream, b.group, msg.ID).Err(); err != nil {
					b.logger.Warn().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("failed to ack stream entry")
				}
			}
		}
		if cursor == "0" && delivered == 0 {
			cursor = ">"
		}
	}
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
