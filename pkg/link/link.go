// Package link connects to the wearable IMU units and forwards their raw
// "<index>#<value>" packets to a receiver.
package link

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ericogr/wheelsense/pkg/config"
)

// Receiver is called once per packet, on the link's own goroutine.
type Receiver func(packet []byte)

// Link is one connection to one wearable unit.
type Link interface {
	// Connect establishes the connection within timeout.
	Connect(ctx context.Context, address, addressType string, timeout time.Duration) error
	SetReceiver(r Receiver)
	// Run delivers packets until ctx ends, returning nil, or until the
	// connection drops, returning a *ConnectionError.
	Run(ctx context.Context) error
	Disconnect() error
}

// ConnectionError reports a failed connect or a dropped connection.
type ConnectionError struct {
	Address string
	Op      string
	wrapped error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.wrapped)
}

func (e *ConnectionError) Unwrap() error {
	return e.wrapped
}

// New returns an unconnected link of the kind configured in cfg.
func New(cfg config.Config, logger *slog.Logger) (Link, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	switch cfg.Link.Type {
	case config.LinkSerial:
		return NewSerial(cfg.Link.Baud, WithSerialLogger(logger)), nil
	case config.LinkMQTT:
		return NewMQTT(cfg.MQTT, WithMQTTLogger(logger)), nil
	case config.LinkSimulation:
		return NewSim(cfg.SamplingPeriod.Std()), nil
	default:
		return nil, fmt.Errorf("unknown sensor link %q", cfg.Link.Type)
	}
}

func nopReceiver([]byte) {}
