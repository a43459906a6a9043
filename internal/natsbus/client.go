package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sipwise/ngcp-taskagent/internal/pubsub"
)

const flushTimeout = 5 * time.Second

// Client multiplexes any number of channel subscriptions over one NATS
// connection. Channels map one-to-one onto NATS subjects.
type Client struct {
	conn   *nats.Conn
	router *pubsub.Router

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func NewClient(bus *Bus) (*Client, error) {
	return Connect(bus.ClientURL())
}

func Connect(url string, opts ...nats.Option) (*Client, error) {
	opts = append([]nats.Option{
		nats.Name("ngcp-taskagent"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}, opts...)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{
		conn:   conn,
		router: pubsub.NewRouter(),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data and waits until the server has received it, so that
// connection failures surface to the caller.
func (c *Client) Publish(ctx context.Context, channel string, data []byte) error {
	if err := c.conn.Publish(channel, data); err != nil {
		return err
	}
	return c.flush(ctx)
}

// Subscribe registers h for channel and returns once the server knows
// about the subscription.
func (c *Client) Subscribe(ctx context.Context, channel string, h pubsub.Handler) error {
	if err := c.router.Register(channel, h); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub, err := c.conn.Subscribe(channel, func(m *nats.Msg) {
		c.router.Dispatch(channel, m.Data)
	})
	if err != nil {
		c.router.Unregister(channel)
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	c.mu.Lock()
	c.subs[channel] = sub
	c.mu.Unlock()

	if err := c.flush(ctx); err != nil {
		_ = c.Unsubscribe(ctx, channel)
		return fmt.Errorf("flush subscription %s: %w", channel, err)
	}
	return nil
}

func (c *Client) Unsubscribe(_ context.Context, channel string) error {
	c.router.Unregister(channel)

	c.mu.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		return err
	}
	return nil
}

// Subscriptions returns the channels with an active handler.
func (c *Client) Subscriptions() []string {
	return c.router.Channels()
}

func (c *Client) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return c.conn.FlushWithContext(ctx)
	}
	return c.conn.FlushTimeout(flushTimeout)
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()
	c.conn.Close()
	return nil
}
