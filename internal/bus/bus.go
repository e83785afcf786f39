package bus

import (
	"fmt"

	"github.com/openmarketing/harrier/internal/domain"
)

// New creates an event bus based on configuration: Go channels for
// single-process runs, NATS for shared deployments.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
