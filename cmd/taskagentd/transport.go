package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sipwise/ngcp-taskagent/internal/config"
	"github.com/sipwise/ngcp-taskagent/internal/natsbus"
	"github.com/sipwise/ngcp-taskagent/internal/redisbus"
	"github.com/sipwise/ngcp-taskagent/internal/taskagent"
)

type transport interface {
	taskagent.Transport
	Close() error
}

// openTransport connects to the configured bus. With embed set and no NATS
// URL configured, an in-process NATS server is started and shut down by the
// returned cleanup.
func openTransport(ctx context.Context, cfg config.BusConfig, embed bool) (transport, func(), error) {
	switch cfg.Kind {
	case config.BusRedis:
		client, err := redisbus.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("connected to redis", "addr", cfg.Redis.Addr)
		return client, func() { client.Close() }, nil

	case config.BusNATS:
		url := cfg.NATS.URL
		if url == "" && embed && cfg.NATS.Embedded {
			bus, err := natsbus.New(cfg.NATS)
			if err != nil {
				return nil, nil, fmt.Errorf("start nats: %w", err)
			}
			client, err := natsbus.NewClient(bus)
			if err != nil {
				bus.Close()
				return nil, nil, err
			}
			slog.Info("embedded nats started", "url", bus.ClientURL())
			return client, func() {
				client.Close()
				bus.Close()
			}, nil
		}
		if url == "" {
			url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.NATS.Port)
		}
		client, err := natsbus.Connect(url)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("connected to nats", "url", url)
		return client, func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown bus %q", cfg.Kind)
}
