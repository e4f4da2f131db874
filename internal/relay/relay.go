// Package relay copies pipeline events onto a Redis Stream for external
// consumers.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/normanking/signify/internal/bus"
	"github.com/normanking/signify/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultStream is the stream events are appended to
const DefaultStream = "signify:events"

// Config holds the Redis connection and stream settings
type Config struct {
	Addr      string
	Password  string
	DB        int
	Stream    string
	MaxLen    int64 // approximate stream cap, 0 for none
	Buffer    int   // events held while Redis is slow
	AllEvents bool  // relay every bus event instead of RelayedEvents
}

// RelayedEvents are the bus events copied to the stream
var RelayedEvents = []bus.EventType{
	bus.EventTypeSessionStarted,
	bus.EventTypeSessionEnded,
	bus.EventTypeSTTFinal,
	bus.EventTypeGlossTokens,
	bus.EventTypeAnimationStateChanged,
	bus.EventTypeSignStarted,
	bus.EventTypeTokensDropped,
	bus.EventTypePipelineError,
}

// RedisRelay appends bus events to a Redis Stream with XADD. Events are
// queued and written by a single goroutine; when the queue is full events
// are dropped so the pipeline never waits on Redis.
type RedisRelay struct {
	rdb    *redis.Client
	config Config
	events chan bus.Event
	logger zerolog.Logger

	eventBus *bus.EventBus
	subs     []string
}

// NewRedisRelay connects to Redis and verifies it with PING
func NewRedisRelay(ctx context.Context, config Config, logger zerolog.Logger) (*RedisRelay, error) {
	if config.Stream == "" {
		config.Stream = DefaultStream
	}
	if config.Buffer <= 0 {
		config.Buffer = 256
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisRelay{
		rdb:    rdb,
		config: config,
		events: make(chan bus.Event, config.Buffer),
		logger: logger.With().Str("component", "relay").Str("stream", config.Stream).Logger(),
	}, nil
}

// Attach subscribes the relay to the bus. Close unsubscribes.
func (r *RedisRelay) Attach(eventBus *bus.EventBus) []string {
	r.detach()
	r.eventBus = eventBus
	if r.config.AllEvents {
		r.subs = []string{eventBus.SubscribeAll(r.enqueue)}
	} else {
		r.subs = eventBus.SubscribeMultiple(RelayedEvents, r.enqueue)
	}
	return r.subs
}

func (r *RedisRelay) detach() {
	if r.eventBus == nil {
		return
	}
	for _, id := range r.subs {
		r.eventBus.Unsubscribe(id)
	}
	r.eventBus, r.subs = nil, nil
}

func (r *RedisRelay) enqueue(e bus.Event) {
	select {
	case r.events <- e:
	default:
		metrics.RelayErrors.Inc()
		r.logger.Warn().Str("type", string(e.Type)).Msg("Relay queue full, dropping event")
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is
// already queued
func (r *RedisRelay) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.events:
			r.write(ctx, e)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *RedisRelay) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-r.events:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *RedisRelay) write(ctx context.Context, e bus.Event) {
	if _, err := r.Publish(ctx, e); err != nil {
		metrics.RelayErrors.Inc()
		r.logger.Error().Err(err).Str("type", string(e.Type)).Msg("Relay write failed")
	}
}

// Publish appends one event to the stream and returns its entry ID
func (r *RedisRelay) Publish(ctx context.Context, e bus.Event) (string, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return "", fmt.Errorf("marshal event data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.config.Stream,
		Values: map[string]any{
			"id":      e.ID,
			"type":    string(e.Type),
			"session": e.SessionID,
			"time":    e.Time.UTC().Format(time.RFC3339Nano),
			"data":    string(data),
		},
	}
	if r.config.MaxLen > 0 {
		args.MaxLen = r.config.MaxLen
		args.Approx = true
	}

	id, err := r.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}
	return id, nil
}

// Client exposes the underlying Redis client
func (r *RedisRelay) Client() *redis.Client {
	return r.rdb
}

// Close detaches from the bus and closes the Redis connection
func (r *RedisRelay) Close() error {
	r.detach()
	return r.rdb.Close()
}
