package sensor

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ericogr/wheelsense/pkg/config"
)

// Fake simulates an ADS1115 behind the multiplexer with random readings.
type Fake struct {
	channels int
	scale    float64
	offset   float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewFake(cfg config.PressureConfig) *Fake {
	scale := cfg.CalibrationScale
	if scale == 0 {
		scale = 1
	}
	return &Fake{
		channels: cfg.Channels,
		scale:    scale,
		offset:   cfg.CalibrationOffset,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (f *Fake) Read() ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, f.channels)
	for ch := range out {
		raw := int16(f.rnd.Intn(32767))
		// simulate voltage in range 0..4.096
		out[ch] = float64(raw)/32767.0*pgaFullScale*f.scale + f.offset
	}
	return out, nil
}

func (f *Fake) Channels() int { return f.channels }

func (f *Fake) Close() error { return nil }
