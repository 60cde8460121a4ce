// Package redis implements [pubsub.Bus] on Redis's native PUBLISH/SUBSCRIBE
// commands, for multi-process deployments where a lifecycle event must
// reach a subscriber connected to a different process than the one driving
// the container's engine.
//
// This package dials go-redis's [*redis.Client] directly rather than
// through a narrower key-value wrapper — PUBLISH/SUBSCRIBE need the
// full client, and no other component in this domain needs a Redis
// client for anything but pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/cradlesystems/cradle-core/pkg/errors"
	"github.com/cradlesystems/cradle-core/pkg/pubsub"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/cradlesystems/cradle-core/pkg/pubsub/redis"

// Bus is a [pubsub.Bus] backed by a Redis server's PUBLISH/SUBSCRIBE
// commands.
type Bus struct {
	client *goredis.Client
	tracer trace.Tracer
}

// New wraps an already-connected *goredis.Client as a Bus. The caller owns
// the client's lifecycle; [Bus.Close] does not close it — callers that want
// New to own the connection should call client.Close() themselves after
// Bus.Close returns.
func New(client *goredis.Client) *Bus {
	return &Bus{
		client: client,
		tracer: otel.Tracer(tracerName),
	}
}

// Publish publishes event as JSON to topic via Redis PUBLISH.
func (b *Bus) Publish(ctx context.Context, topic string, event pubsub.Event) error {
	ctx, span := b.tracer.Start(ctx, "redis.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination", topic),
		),
	)
	defer span.End()

	payload, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sserr.Wrap(err, sserr.CodeInternal, "pubsub/redis: failed to marshal event")
	}

	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "pubsub/redis: publish failed")
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Subscribe subscribes to topic via Redis SUBSCRIBE and translates
// incoming messages back into [pubsub.Event] values. The returned channel
// is closed, and the underlying Redis subscription torn down, when the
// caller invokes the returned unsubscribe function or ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan pubsub.Event, func(), error) {
	sub := b.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "pubsub/redis: subscribe failed")
	}

	out := make(chan pubsub.Event, 32)
	done := make(chan struct{})

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event pubsub.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-done:
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = sub.Close()
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}

	return out, unsubscribe, nil
}

// Close is a no-op: the Bus does not own its Redis client's lifecycle.
func (b *Bus) Close() error {
	return nil
}

var _ pubsub.Bus = (*Bus)(nil)
