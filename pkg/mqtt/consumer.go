package mqtt

import (
	"context"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// IConsumer is the subscription contract components depend on. The type
// parameter names the document the topic carries; handlers still receive
// the raw message and decode it themselves.
type IConsumer[T any] interface {
	ConsumeMessage(ctx context.Context)
	SetHandler(handler func(topic string, message paho.Message) error)
}

// Consumer subscribes one topic filter on the shared client and hands
// every message to its handler.
type Consumer struct {
	client *Client
	topic  string
	qos    byte

	mu      sync.Mutex
	handler func(topic string, message paho.Message) error
}

// NewConsumer creates a Consumer for a topic filter. A nil handler may
// be set later with SetHandler; messages arriving before that are
// dropped with a warning.
func NewConsumer(client *Client, topic string, qos byte,
	handler func(topic string, message paho.Message) error) *Consumer {
	return &Consumer{client: client, topic: topic, qos: qos, handler: handler}
}

// SetHandler replaces the message handler.
func (c *Consumer) SetHandler(handler func(topic string, message paho.Message) error) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// ConsumeMessage subscribes and processes messages until the context is
// cancelled, then unsubscribes. The subscription survives broker
// reconnects in between.
func (c *Consumer) ConsumeMessage(ctx context.Context) {
	c.client.Subscribe(c.topic, c.qos, func(_ paho.Client, msg paho.Message) {
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			c.client.log.Warnw("message dropped, no handler", "topic", msg.Topic())
			return
		}
		if err := h(msg.Topic(), msg); err != nil {
			c.client.log.Errorw("message handler failed", "topic", msg.Topic(), "err", err)
		}
	})

	<-ctx.Done()
	c.client.Unsubscribe(c.topic)
}
