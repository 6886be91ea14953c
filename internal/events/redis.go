package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"BatchSettle/internal/metrics"
	"BatchSettle/internal/model"
)

const DefaultStreamMaxLen = 10000

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Channel is the Pub/Sub channel prefix; events go to "<Channel>:<type>".
	Channel string
	// Stream, when set, also appends every event to this stream.
	Stream       string
	StreamMaxLen int64
}

// RedisPublisher publishes ledger events to Redis Pub/Sub.
// Publishing is best effort: errors are logged and counted, never returned.
type RedisPublisher struct {
	client  *redis.Client
	cfg     RedisConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger *zap.Logger, m *metrics.Metrics) (*RedisPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Channel == "" {
		cfg.Channel = "batchsettle"
	}
	if cfg.StreamMaxLen == 0 {
		cfg.StreamMaxLen = DefaultStreamMaxLen
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.String("channel", cfg.Channel),
		zap.String("stream", cfg.Stream))

	return &RedisPublisher{client: rdb, cfg: cfg, logger: logger, metrics: m}, nil
}

// ChannelFor returns the Pub/Sub channel an event type is published on.
func (p *RedisPublisher) ChannelFor(typ model.EventType) string {
	return p.cfg.Channel + ":" + strings.ToLower(string(typ))
}

func (p *RedisPublisher) Emit(ctx context.Context, evt model.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		p.fail("marshal", evt, err)
		return
	}

	channel := p.ChannelFor(evt.Type)
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		p.fail("publish", evt, err)
		return
	}

	if p.cfg.Stream != "" {
		args := &redis.XAddArgs{
			Stream: p.cfg.Stream,
			Values: map[string]interface{}{"type": string(evt.Type), "event": payload},
		}
		if p.cfg.StreamMaxLen > 0 {
			args.MaxLen = p.cfg.StreamMaxLen
			args.Approx = true
		}
		if err := p.client.XAdd(ctx, args).Err(); err != nil {
			p.fail("xadd", evt, err)
			return
		}
	}

	p.logger.Debug("published event",
		zap.String("event_id", evt.ID),
		zap.String("channel", channel))
}

func (p *RedisPublisher) fail(step string, evt model.Event, err error) {
	p.logger.Warn("failed to publish event to Redis",
		zap.String("step", step),
		zap.String("event_id", evt.ID),
		zap.String("type", string(evt.Type)),
		zap.Error(err))
	if p.metrics != nil {
		p.metrics.SinkErrors.WithLabelValues("redis").Inc()
	}
}

// Health checks if Redis is reachable.
func (p *RedisPublisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
