package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream carrying events from worker processes to the processes holding live connections.
const (
	StreamEvents    = "events:fanout"
	SchemaVersionV1 = "v1"
)

// StreamRelay moves events between processes over a Redis stream. Workers Publish into the
// stream; every server process runs Forward to replay new entries into its local Bus. The
// stream is not a durable log for clients: Forward starts at the newest entry.
type StreamRelay struct {
	rdb    *redis.Client
	stream string
	logger *slog.Logger
}

// NewStreamRelay connects to Redis.
func NewStreamRelay(redisURL string, logger *slog.Logger) (*StreamRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	// Read timeout must exceed the XRead Block duration (5s)
	opts.ReadTimeout = 10 * time.Second

	if logger == nil {
		logger = slog.Default()
	}
	return &StreamRelay{rdb: redis.NewClient(opts), stream: StreamEvents, logger: logger}, nil
}

// Publish appends the event to the stream.
func (r *StreamRelay) Publish(ctx context.Context, topic string, ev Event) error {
	values, err := encodeMessage(topic, ev, time.Now())
	if err != nil {
		return err
	}

	err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: 10000,
		Approx: true,
		ID:     "*",
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

// Forward reads new stream entries and publishes them on bus until ctx is done.
func (r *StreamRelay) Forward(ctx context.Context, bus *Bus) error {
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := r.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.stream, lastID},
			Count:   100,
			Block:   5 * time.Second,
		}).Result()

		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Idle blocking reads time out; that is not a failure.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			r.logger.Error("Failed to read from event stream", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				lastID = message.ID

				topic, ev, err := decodeMessage(message.Values)
				if err != nil {
					r.logger.Error("Invalid event message", "error", err, "message_id", message.ID)
					continue
				}
				if err := bus.Publish(ctx, topic, ev); err != nil {
					return err
				}
			}
		}
	}
}

// Close closes the Redis client connection
func (r *StreamRelay) Close() error {
	return r.rdb.Close()
}

// StartForwarding runs Forward in a background goroutine and returns a stop function.
func (r *StreamRelay) StartForwarding(bus *Bus) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := r.Forward(ctx, bus); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("Event relay stopped with error", "error", err)
		}
	}()

	r.logger.Info("Event relay started", "stream", r.stream)

	return func() {
		cancel()
		<-done
	}
}

func encodeMessage(topic string, ev Event, now time.Time) (map[string]interface{}, error) {
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return map[string]interface{}{
		"topic":          topic,
		"payload":        string(payload),
		"published_at":   now.Unix(),
		"schema_version": SchemaVersionV1,
	}, nil
}

func decodeMessage(values map[string]interface{}) (string, Event, error) {
	var ev Event

	if v, _ := values["schema_version"].(string); v != SchemaVersionV1 {
		return "", ev, fmt.Errorf("unsupported schema version %q", v)
	}
	topic, ok := values["topic"].(string)
	if !ok || topic == "" {
		return "", ev, errors.New("missing topic")
	}
	payload, ok := values["payload"].(string)
	if !ok {
		return "", ev, errors.New("missing payload")
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return "", ev, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if !ev.Type.Valid() {
		return "", ev, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return topic, ev, nil
}
