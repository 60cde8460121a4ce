// Package pubsub defines the event bus contract the container registry
// uses to forward lifecycle events (state changes, status reports,
// errors) to external subscribers — the dispatcher's SSE endpoint, other
// platform services, anything that wants to observe a container's
// lifecycle without polling.
//
// Two implementations are provided: [local] for single-process deployments
// and tests, and [redis] for multi-process deployments that need events to
// reach subscribers connected to a different process than the one driving
// the container.
package pubsub

import (
	"context"
	"encoding/json"
	"time"
)

// Event is a single lifecycle notification published to a container's
// topic.
type Event struct {
	// ContainerID is the container this event concerns.
	ContainerID string `json:"container_id"`

	// Type names the event: "state", "status", or "error", mirroring the
	// registry's handleState/handleStatus/handleError forwarders — the
	// same vocabulary interior.Event uses. The engine's own ready
	// notification is not forwarded here; it has no registry handler.
	Type string `json:"type"`

	// Data is the event payload: a state string, a status object, or an
	// error message, depending on Type.
	Data json.RawMessage `json:"data"`

	// Timestamp is when the event was published, set by the publisher.
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes and subscribes to per-container lifecycle event topics.
type Bus interface {
	// Publish sends event to every current subscriber of topic. Publish
	// does not block on slow subscribers; a subscriber that cannot keep
	// up may miss events (see each implementation's delivery guarantee).
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe returns a channel of events published to topic from this
	// call forward, and an unsubscribe function the caller must invoke
	// when done to release resources. The channel is closed after
	// unsubscribe is called or ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error)

	// Close releases any resources held by the bus (connections,
	// background goroutines). The local implementation also closes existing
	// subscriptions; the redis implementation does not, and its
	// subscriptions end only through their unsubscribe function or context.
	Close() error
}

// ContainerTopic returns the topic name a container's events are
// published under. Both implementations use this so callers never
// construct topic strings by hand.
func ContainerTopic(containerID string) string {
	return "container." + containerID
}
