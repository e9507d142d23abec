package events

import (
	"github.com/nats-io/nats.go"

	"github.com/kandev/agentpool/internal/common/config"
	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/events/bus"
)

// Provide builds the NATS bus when a connection is given, else the in-memory bus.
func Provide(cfg config.NATSConfig, conn *nats.Conn, log *logger.Logger) (bus.EventBus, func()) {
	if conn != nil {
		natsBus := bus.NewNATSEventBus(conn, cfg, log)
		return natsBus, natsBus.Close
	}
	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close
}
