package main

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/kandev/agentpool/internal/common/config"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/coordination"
	"github.com/kandev/agentpool/internal/events"
	"github.com/kandev/agentpool/internal/events/bus"
)

// provideMessaging connects to NATS when configured. Without a URL the
// process runs alone on the in-memory bus and coordinator.
func provideMessaging(ctx context.Context, cfg *config.Config, log *logger.Logger) (bus.EventBus, coordination.Coordinator, func(), error) {
	var conn *nats.Conn
	if cfg.NATS.URL != "" {
		var err error
		conn, err = bus.Connect(cfg.NATS, log)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	eventBus, closeBus := events.Provide(cfg.NATS, conn, log)

	var coord coordination.Coordinator
	if conn != nil {
		kv, err := coordination.NewKVCoordinator(ctx, conn, cfg.NATS.KVBucket, cfg.NATS.KVTTLDuration(), log)
		if err != nil {
			closeBus()
			conn.Close()
			return nil, nil, nil, err
		}
		coord = kv
		log.Info("using NATS event bus and KV coordination")
	} else {
		coord = coordination.NewMemoryCoordinator()
		log.Info("using in-memory event bus and coordination")
	}

	cleanup := func() {
		_ = coord.Close()
		closeBus()
		if conn != nil {
			conn.Close()
		}
	}
	return eventBus, coord, cleanup, nil
}
