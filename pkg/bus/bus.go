// Package bus moves canonical events from the ingest edge to pipeline
// workers over a Redis list. Delivery is at-least-once; the pipeline's
// idempotence keys make replays safe, so the bus never needs to dedupe.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vsenthil7/voxcortex/pkg/canonical"
	"github.com/vsenthil7/voxcortex/pkg/logging"
	"github.com/vsenthil7/voxcortex/pkg/pipeline"
)

// DefaultQueueName is the Redis list shared by ingest and workers.
const DefaultQueueName = "voxcortex:ingest"

// popTimeout bounds each blocking read so consumers notice cancellation.
const popTimeout = 5 * time.Second

// Handler processes one event popped off the queue.
type Handler func(ctx context.Context, ev pipeline.CanonicalEvent) error

// Queue is a Redis-list event queue.
type Queue struct {
	rdb  *redis.Client
	name string
	log  *slog.Logger
}

// New builds a Queue on addr. An empty name selects DefaultQueueName.
func New(addr, name string, log *slog.Logger) *Queue {
	if name == "" {
		name = DefaultQueueName
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		rdb:  redis.NewClient(&redis.Options{Addr: addr}),
		name: name,
		log:  log,
	}
}

// Encode renders an event as its canonical wire form.
func Encode(ev pipeline.CanonicalEvent) ([]byte, error) {
	return canonical.Marshal(ev.AsMap())
}

// Decode parses a wire message back into an event. Numbers inside the
// normalized payload stay json.Number so the worker-side snapshot hashes
// the same bytes a synchronous run would.
func Decode(msg []byte) (pipeline.CanonicalEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()

	var ev pipeline.CanonicalEvent
	if err := dec.Decode(&ev); err != nil {
		return pipeline.CanonicalEvent{}, fmt.Errorf("decode bus message: %w", err)
	}
	return ev, nil
}

// Publish enqueues one event.
func (q *Queue) Publish(ctx context.Context, ev pipeline.CanonicalEvent) error {
	msg, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("encode bus message: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.name, msg).Err(); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

// Consume pops events and runs handle until ctx is cancelled. Malformed
// messages are logged and dropped; handler failures are logged and the
// loop keeps going. Only cancellation stops a consumer.
func (q *Queue) Consume(ctx context.Context, handle Handler) error {
	for {
		res, err := q.rdb.BRPop(ctx, popTimeout, q.name).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.ErrorContext(ctx, "queue read failed", "queue", q.name, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		// BRPop answers [key, value].
		ev, err := Decode([]byte(res[1]))
		if err != nil {
			q.log.ErrorContext(ctx, "dropping malformed bus message", "queue", q.name, "error", err)
			continue
		}

		evCtx := logging.WithTrace(ctx, ev.TraceID)
		if err := handle(evCtx, ev); err != nil {
			q.log.ErrorContext(evCtx, "event processing failed", "event_id", ev.EventID, "error", err)
		}
	}
}

// Ping verifies the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
