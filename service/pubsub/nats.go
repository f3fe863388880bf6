package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// natsBroker keeps one core-NATS subscription per topic. JetStream is not
// needed here: gateway fan-out is fire-and-forget, durability belongs to the
// message store upstream.
type natsBroker struct {
	nc      *nats.Conn
	handler Handler

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

type NATSConfig struct {
	Servers []string
	Name    string
}

func NewNATSBroker(cfg NATSConfig, handler Handler) (Broker, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.MaxReconnects(-1),
	}
	nc, err := nats.Connect(joinServers(cfg.Servers), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &natsBroker{
		nc:      nc,
		handler: handler,
		subs:    make(map[string]*nats.Subscription),
	}, nil
}

func joinServers(servers []string) string {
	out := servers[0]
	for _, s := range servers[1:] {
		out += "," + s
	}
	return out
}

func (b *natsBroker) Publish(_ context.Context, topic string, payload []byte) error {
	return b.nc.Publish(topic, payload)
}

func (b *natsBroker) Subscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; ok {
		return nil
	}
	sub, err := b.nc.Subscribe(topic, func(m *nats.Msg) {
		b.handler(m.Subject, m.Data)
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", topic)
	}
	b.subs[topic] = sub
	return nil
}

func (b *natsBroker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return sub.Unsubscribe()
}

func (b *natsBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, sub := range b.subs {
		_ = sub.Unsubscribe()
		delete(b.subs, topic)
	}
	b.nc.Close()
	return nil
}
