package pubsub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ripcord-app/gateway/logger"
)

// redisBroker multiplexes every topic over a single redis PubSub connection,
// which is what preserves per-topic publish order on delivery.
type redisBroker struct {
	rdb     *redis.Client
	handler Handler

	mu     sync.Mutex
	ps     *redis.PubSub
	topics map[string]struct{}

	cancel context.CancelFunc
}

func NewRedisBroker(rdb *redis.Client, handler Handler) Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &redisBroker{
		rdb:     rdb,
		handler: handler,
		ps:      rdb.Subscribe(ctx),
		topics:  make(map[string]struct{}),
		cancel:  cancel,
	}
	go b.receive(ctx)
	return b
}

func (b *redisBroker) receive(ctx context.Context) {
	ch := b.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *redisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *redisBroker) Subscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[topic]; ok {
		return nil
	}
	if err := b.ps.Subscribe(ctx, topic); err != nil {
		return err
	}
	b.topics[topic] = struct{}{}
	return nil
}

func (b *redisBroker) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[topic]; !ok {
		return nil
	}
	delete(b.topics, topic)
	if err := b.ps.Unsubscribe(ctx, topic); err != nil {
		logger.Warnf("[pubsub] redis unsubscribe %s: %v", topic, err)
		return err
	}
	return nil
}

func (b *redisBroker) Close() error {
	b.cancel()
	return b.ps.Close()
}
