package event

import (
	"context"
	"fmt"

	"github.com/wirebird/wirebird/config"
)

// Bus is the sole integration seam between the orchestration core and the
// HTTP-facing layer. Commands travel as request/reply, status events as
// publish/subscribe. The core never depends on HTTP semantics.
type Bus interface {
	Publish(topic string, payload any) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error
	// Request publishes a command and blocks until the reply arrives or ctx
	// is done. Correlation is carried in message metadata.
	Request(ctx context.Context, topic string, payload any) ([]byte, error)
	// Reply registers a request handler for topic. The handler's return
	// value is sent back to the requester's reply topic.
	Reply(ctx context.Context, topic string, handler func(ctx context.Context, payload []byte) []byte) error
	Close() error
}

// NewInProcBus returns the in-memory bus used when event driver is
// "memory" or omitted.
func NewInProcBus() *WatermillBus {
	return NewWatermillInMemBus()
}

// NewBusFromConfig returns a Bus based on config. Supported drivers:
// memory (default) and nats (NATS Streaming, requires url).
func NewBusFromConfig(cfg *config.EventConfig) (Bus, error) {
	if cfg == nil || cfg.Driver == "" || cfg.Driver == "memory" {
		return NewWatermillInMemBus(), nil
	}
	switch cfg.Driver {
	case "nats":
		if cfg.URL == "" {
			return nil, fmt.Errorf("NATS driver requires url")
		}
		return NewWatermillNATSBus("wirebird", "wirebird-client", cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported event bus driver: %s", cfg.Driver)
	}
}
