// Package redisbus carries task broadcasts and feedback over Redis
// PUBLISH/SUBSCRIBE, the transport used by the NGCP nodes themselves.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sipwise/ngcp-taskagent/internal/config"
	"github.com/sipwise/ngcp-taskagent/internal/pubsub"
)

const (
	confirmTimeout = 5 * time.Second
	retryDelay     = 200 * time.Millisecond
)

// Client multiplexes channel subscriptions over a single Redis pub/sub
// connection. A background loop reads the connection and routes each
// message to the handler registered for its channel.
type Client struct {
	rdb    *redis.Client
	ps     *redis.PubSub
	router *pubsub.Router
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan struct{}

	closed atomic.Bool
	done   chan struct{}
}

func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}

	c := &Client{
		rdb:     rdb,
		ps:      rdb.Subscribe(ctx),
		router:  pubsub.NewRouter(),
		logger:  slog.With("component", "redisbus", "addr", cfg.Addr),
		waiters: make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

func (c *Client) Publish(ctx context.Context, channel string, data []byte) error {
	return c.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe registers h for channel and blocks until Redis confirms the
// subscription, so a publish that follows cannot race it.
func (c *Client) Subscribe(ctx context.Context, channel string, h pubsub.Handler) error {
	if err := c.router.Register(channel, h); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	confirmed := make(chan struct{})
	c.mu.Lock()
	c.waiters[channel] = confirmed
	c.mu.Unlock()

	fail := func(err error) error {
		c.dropWaiter(channel)
		c.router.Unregister(channel)
		_ = c.ps.Unsubscribe(context.WithoutCancel(ctx), channel)
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	if err := c.ps.Subscribe(ctx, channel); err != nil {
		return fail(err)
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	select {
	case <-confirmed:
		return nil
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-timer.C:
		return fail(errors.New("no subscription confirmation"))
	case <-c.done:
		return fail(redis.ErrClosed)
	}
}

// Unsubscribe is a no-op for channels without a handler.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.dropWaiter(channel)
	if !c.router.Unregister(channel) {
		return nil
	}
	if c.closed.Load() {
		return nil
	}
	return c.ps.Unsubscribe(ctx, channel)
}

// Subscriptions returns the channels with an active handler.
func (c *Client) Subscriptions() []string {
	return c.router.Channels()
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.ps.Close()
	<-c.done
	return errors.Join(err, c.rdb.Close())
}

func (c *Client) receive() {
	defer close(c.done)
	ctx := context.Background()

	for {
		msg, err := c.ps.Receive(ctx)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("redis receive failed", "error", err)
			time.Sleep(retryDelay)
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				c.confirm(m.Channel)
			}
		case *redis.Message:
			if !c.router.Dispatch(m.Channel, []byte(m.Payload)) {
				c.logger.Debug("message for unknown channel dropped", "channel", m.Channel)
			}
		}
	}
}

func (c *Client) confirm(channel string) {
	c.mu.Lock()
	ch, ok := c.waiters[channel]
	delete(c.waiters, channel)
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *Client) dropWaiter(channel string) {
	c.mu.Lock()
	delete(c.waiters, channel)
	c.mu.Unlock()
}
