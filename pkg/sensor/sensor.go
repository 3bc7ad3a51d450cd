// Package sensor reads the force sensitive resistors sampled alongside the
// IMU units.
package sensor

import (
	"fmt"

	"github.com/ericogr/wheelsense/pkg/config"
)

// Pressure returns one value per channel in channel order.
type Pressure interface {
	Read() ([]float64, error)
	Channels() int
	Close() error
}

// New returns the pressure sensor described by cfg. Zero channels yields a
// sensor that reads nothing.
func New(cfg config.PressureConfig) (Pressure, error) {
	if cfg.Channels == 0 {
		return None{}, nil
	}
	switch cfg.SensorType {
	case config.SensorSimulation:
		return NewFake(cfg), nil
	case config.SensorReal:
		return NewADS1115(cfg)
	default:
		return nil, fmt.Errorf("unknown pressure sensor type %q", cfg.SensorType)
	}
}

// None is a pressure sensor without channels.
type None struct{}

func (None) Read() ([]float64, error) { return nil, nil }
func (None) Channels() int            { return 0 }
func (None) Close() error             { return nil }
