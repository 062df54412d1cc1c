package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/corkboard/realtime/internal/v1/metrics"
	"github.com/corkboard/realtime/internal/v1/types"
)

// Channel is the single Pub/Sub channel shared by all hub instances.
// Envelopes carry the space ID, so routing happens on the consumer side.
const Channel = "corkboard:events"

// Envelope is the standardized container for moving enriched frames between Pods.
type Envelope struct {
	SpaceID  types.SpaceIdType `json:"spaceId"`
	SenderID types.UserIdType  `json:"senderId"`
	Origin   string            `json:"origin"` // CRITICAL: hub instance ID, used to prevent echo (infinite loops)
	Frame    json.RawMessage   `json:"frame"`  // the outbound frame exactly as sent to local clients
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	origin string
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// Origin returns this instance's identity on the shared channel.
func (s *Service) Origin() string {
	if s == nil {
		return ""
	}
	return s.origin
}

// NewService creates a robust Redis connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	origin := uuid.NewString()
	slog.Info("Connected to Redis bridge", "addr", addr, "origin", origin)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
		origin: origin,
	}, nil
}

// Publish broadcasts an enriched frame to all other hub instances.
// The frame must already carry the sender's identity fields.
func (s *Service) Publish(ctx context.Context, spaceID types.SpaceIdType, senderID types.UserIdType, frame []byte) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		msg := Envelope{
			SpaceID:  spaceID,
			SenderID: senderID,
			Origin:   s.origin,
			Frame:    json.RawMessage(frame),
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bridge envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, Channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "spaceId", spaceID)
			return nil // Graceful degradation: drop message, don't crash caller
		}
		metrics.RedisOperationsTotal.WithLabelValues("publish", "error").Inc()
		metrics.BridgeEvents.WithLabelValues("out", "error").Inc()
		slog.Error("Redis Publish Failed", "spaceId", spaceID, "error", err)
		return err
	}

	metrics.RedisOperationsTotal.WithLabelValues("publish", "success").Inc()
	metrics.BridgeEvents.WithLabelValues("out", "success").Inc()
	return nil
}

// Subscribe starts a background goroutine that listens for envelopes from
// OTHER hub instances. Envelopes published by this instance are skipped.
// handler: A function that will be executed for every valid foreign envelope.
func (s *Service) Subscribe(ctx context.Context, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return // Single-instance mode, no Redis available
	}

	// Subscriptions are long-lived and don't fit well with simple Request/Response
	// circuit breakers, so the listener loop runs outside the breaker.
	pubsub := s.client.Subscribe(ctx, Channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis bridge channel", "channel", Channel)

		ch := pubsub.Channel()

		// Read indefinitely until the context is cancelled or connection dies
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", Channel)
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					metrics.BridgeEvents.WithLabelValues("in", "error").Inc()
					slog.Error("Failed to unmarshal bridge envelope", "error", err, "raw", msg.Payload)
					continue
				}

				// Skip our own envelopes to prevent echo loops
				if env.Origin == s.origin {
					metrics.BridgeEvents.WithLabelValues("in", "echo").Inc()
					continue
				}

				metrics.BridgeEvents.WithLabelValues("in", "success").Inc()
				handler(env)
			}
		}
	}()
}

// Ping checks Redis connectivity using the PING command
// Used by health checks to verify Redis is reachable
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		metrics.RedisOperationsTotal.WithLabelValues("ping", "error").Inc()
		return err
	}
	metrics.RedisOperationsTotal.WithLabelValues("ping", "success").Inc()
	return nil
}

// Close gracefully shuts down the Redis connection
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}
