// Package pubsub is the gateway's view of the fan-in substrate: backend
// writers publish events to topics, the gateway subscribes to the topics its
// connections currently observe. One ordered delivery path per topic.
package pubsub

import "context"

// Handler receives every message delivered on a subscribed topic. It runs on
// the broker's receive goroutine and must not block.
type Handler func(topic string, payload []byte)

// Broker is implemented by the redis and NATS substrates. Subscribe and
// Unsubscribe are idempotent; the registry guarantees it only subscribes a
// topic while at least one connection observes it.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// Channel and user topic naming, shared with the services that publish.
func ChannelTopic(channelID string) string { return "rt:chan:" + channelID }
func UserTopic(userID string) string       { return "rt:user:" + userID }
