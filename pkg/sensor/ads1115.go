package sensor

import (
	"errors"
	"fmt"
	"io"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/ericogr/wheelsense/pkg/config"
)

const (
	pointerConv   = 0x00
	pointerConfig = 0x01

	// ±4.096V, the gain used for the FSR voltage dividers
	pgaFullScale = 4.096
)

// ADS1115 reads up to 16 pressure channels through a 4-bit analog
// multiplexer whose output feeds a single ADC input (AIN0 unless configured). The mux address lines
// are driven over GPIO before each single-shot conversion.
type ADS1115 struct {
	dev        conn.Conn
	bus        io.Closer
	mux        []gpio.PinOut
	channels   int
	input      int
	sampleRate int
	scale      float64
	offset     float64
	sleep      func(time.Duration)
}

func NewADS1115(cfg config.PressureConfig) (*ADS1115, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}

	mux := make([]gpio.PinOut, 0, len(cfg.MuxPins))
	for _, name := range cfg.MuxPins {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("mux pin %s not found", name)
		}
		if err := p.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("mux pin %s: %w", name, err)
		}
		mux = append(mux, p)
	}

	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	dev := &i2c.Dev{Addr: uint16(cfg.I2CAddress), Bus: bus}

	s := newADS1115(dev, mux, cfg)
	s.bus = bus
	return s, nil
}

func newADS1115(dev conn.Conn, mux []gpio.PinOut, cfg config.PressureConfig) *ADS1115 {
	scale := cfg.CalibrationScale
	if scale == 0 {
		scale = 1
	}
	return &ADS1115{
		dev:        dev,
		mux:        mux,
		channels:   cfg.Channels,
		input:      cfg.Input,
		sampleRate: cfg.SampleRate,
		scale:      scale,
		offset:     cfg.CalibrationOffset,
		sleep:      time.Sleep,
	}
}

func (s *ADS1115) Channels() int { return s.channels }

func (s *ADS1115) Close() error {
	var errs []error
	for _, p := range s.mux {
		if err := p.Out(gpio.Low); err != nil {
			errs = append(errs, err)
		}
	}
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
	}
	return errors.Join(errs...)
}

func (s *ADS1115) Read() ([]float64, error) {
	msb, lsb, err := s.configForChannel(s.input, s.sampleRate)
	if err != nil {
		return nil, err
	}
	// wait for conversion (simple sleep)
	delay := time.Duration(1000.0/float64(s.sampleRate)+2) * time.Millisecond

	out := make([]float64, s.channels)
	readBuf := make([]byte, 2)
	for ch := range out {
		if err := s.selectChannel(ch); err != nil {
			return nil, err
		}
		if err := s.dev.Tx([]byte{pointerConfig, msb, lsb}, nil); err != nil {
			return nil, fmt.Errorf("write config: %w", err)
		}
		s.sleep(delay)
		if err := s.dev.Tx([]byte{pointerConv}, readBuf); err != nil {
			return nil, fmt.Errorf("read conv: %w", err)
		}
		raw := int16(readBuf[0])<<8 | int16(readBuf[1])
		out[ch] = float64(raw)*pgaFullScale/32768.0*s.scale + s.offset
	}
	return out, nil
}

// selectChannel drives the mux address lines, least significant bit first.
func (s *ADS1115) selectChannel(ch int) error {
	for i, p := range s.mux {
		level := gpio.Level(ch>>i&1 == 1)
		if err := p.Out(level); err != nil {
			return fmt.Errorf("select channel %d: %w", ch, err)
		}
	}
	return nil
}

func (s *ADS1115) configForChannel(channel, sampleRate int) (byte, byte, error) {
	var mux byte
	switch channel {
	case 0:
		mux = 0x4
	case 1:
		mux = 0x5
	case 2:
		mux = 0x6
	case 3:
		mux = 0x7
	default:
		return 0, 0, fmt.Errorf("invalid channel %d", channel)
	}
	// PGA: use ±4.096V -> bits 001
	pga := byte(0x1)
	// data rate bits
	var dr byte
	switch sampleRate {
	case 8:
		dr = 0x0
	case 16:
		dr = 0x1
	case 32:
		dr = 0x2
	case 64:
		dr = 0x3
	case 128:
		dr = 0x4
	case 250:
		dr = 0x5
	case 475:
		dr = 0x6
	case 860:
		dr = 0x7
	default:
		dr = 0x4
	}
	var config uint16 = 0x8000 // OS = 1 (start single conversion)
	config |= uint16(mux) << 12
	config |= uint16(pga) << 9
	config |= 1 << 8 // single-shot mode
	config |= uint16(dr) << 5
	// comparator default: disabled (bits 1:0 = 11)
	config |= 0x3
	return byte(config >> 8), byte(config & 0xFF), nil
}
