// Package mqtt wraps the shared paho client: exponential-backoff connect,
// automatic resubscription after a reconnect, connect hooks for
// registration publishes, and a connectivity probe for the control loop.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Config holds broker connection parameters.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string

	// ConnectRetries bounds the dial attempts after the first. Zero
	// means the default of 4.
	ConnectRetries int
	// Timeout bounds every token wait (publish, subscribe). Zero means
	// the default of 5 seconds.
	Timeout time.Duration
}

const (
	defaultTimeout        = 5 * time.Second
	defaultConnectRetries = 4
	maxReconnectInterval  = time.Minute
	disconnectQuiesceMs   = 250
)

type subscription struct {
	topic   string
	qos     byte
	handler paho.MessageHandler
}

// Client is a reconnect-safe wrapper around one shared broker
// connection. Subscriptions registered through it are replayed after
// every reconnect, because the session is clean and the broker forgets
// them on disconnect.
type Client struct {
	log     *zap.SugaredLogger
	timeout time.Duration

	mu    sync.Mutex
	subs  []subscription
	hooks []func()

	c paho.Client
}

// Dial connects with exponential backoff and returns the wrapped
// client. An unreachable broker is not an error: after the retry budget
// the dial moves to the background and the client comes up whenever the
// broker does, so the controller can boot and run offline. Dial fails
// only when ctx ends first. The connection lives until Close and
// reconnects on its own.
func Dial(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Client, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cl := &Client{log: log, timeout: cfg.Timeout}

	addr := fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	opts := paho.NewClientOptions().
		AddBroker(addr).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warnw("broker connection lost", "err", err)
		}).
		SetOnConnectHandler(func(_ paho.Client) { cl.connected() })
	cl.c = paho.NewClient(opts)

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = defaultConnectRetries
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		token := cl.c.Connect()
		if token.Wait() && token.Error() != nil {
			log.Warnw("broker connect failed, retrying", "addr", addr, "err", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connect to broker %s: %w", addr, err)
		}
		// Retry budget spent with the broker still unreachable. Hand the
		// dial to paho's background retry; subscriptions and connect
		// hooks replay whenever the link finally comes up.
		log.Warnw("broker unreachable, dialing in background", "addr", addr)
		opts.SetConnectRetry(true).SetConnectRetryInterval(maxReconnectInterval)
		cl.c = paho.NewClient(opts)
		cl.c.Connect()
	}
	return cl, nil
}

// connected replays the registered subscriptions and runs the connect
// hooks. Fired by paho on the initial connect and on every reconnect.
func (c *Client) connected() {
	c.mu.Lock()
	subs := append([]subscription(nil), c.subs...)
	hooks := append(([]func())(nil), c.hooks...)
	c.mu.Unlock()

	c.log.Infow("broker connected")
	for _, s := range subs {
		c.subscribe(s)
	}
	for _, h := range hooks {
		h()
	}
}

func (c *Client) subscribe(s subscription) {
	token := c.c.Subscribe(s.topic, s.qos, s.handler)
	if !token.WaitTimeout(c.timeout) || token.Error() != nil {
		c.log.Errorw("subscribe failed", "topic", s.topic, "err", token.Error())
		return
	}
	c.log.Infow("subscribed", "topic", s.topic, "qos", int(s.qos))
}

// Subscribe registers a handler for a topic and keeps it registered
// across reconnects.
func (c *Client) Subscribe(topic string, qos byte, handler paho.MessageHandler) {
	s := subscription{topic: topic, qos: qos, handler: handler}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	if c.c.IsConnectionOpen() {
		c.subscribe(s)
	}
}

// Unsubscribe removes a topic's handler and stops replaying it.
func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	subs := c.subs[:0]
	for _, s := range c.subs {
		if s.topic != topic {
			subs = append(subs, s)
		}
	}
	c.subs = subs
	c.mu.Unlock()
	if c.c.IsConnectionOpen() {
		c.c.Unsubscribe(topic).WaitTimeout(c.timeout)
	}
}

// OnConnect registers a hook to run after every (re)connect. If the
// client is connected right now the hook also runs once immediately.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
	if c.c.IsConnectionOpen() {
		fn()
	}
}

// Publish sends one payload and waits for the broker acknowledgement
// within the configured timeout.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.c.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("publish to %s: no ack within %s", topic, c.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Online reports whether the broker link is usable right now.
func (c *Client) Online() bool { return c.c.IsConnectionOpen() }

// Close disconnects after letting in-flight messages drain.
func (c *Client) Close() {
	if c.c.IsConnected() {
		c.c.Disconnect(disconnectQuiesceMs)
		c.log.Infow("broker disconnected")
	}
}
