package sensor

import (
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/ericogr/wheelsense/pkg/config"
)

func TestConfigForChannelBytes(t *testing.T) {
	s := &ADS1115{}

	// channel 0, sample rate 128 -> expect msb 0xC3 lsb 0x83 (see implementation)
	msb, lsb, err := s.configForChannel(0, 128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msb != 0xC3 || lsb != 0x83 {
		t.Fatalf("channel0@128 => got %02X %02X; want C3 83", msb, lsb)
	}

	// channel 1, sample rate 128 -> D3 83
	msb, lsb, err = s.configForChannel(1, 128)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msb != 0xD3 || lsb != 0x83 {
		t.Fatalf("channel1@128 => got %02X %02X; want D3 83", msb, lsb)
	}

	// sample rate 8 for channel 0 -> msb C3 lsb 03 (dr=0)
	msb, lsb, err = s.configForChannel(0, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msb != 0xC3 || lsb != 0x03 {
		t.Fatalf("channel0@8 => got %02X %02X; want C3 03", msb, lsb)
	}

	// invalid channel
	_, _, err = s.configForChannel(9, 128)
	if err == nil {
		t.Fatalf("expected error for invalid channel")
	}
}

func muxPins() ([]gpio.PinOut, []*gpiotest.Pin) {
	fakes := []*gpiotest.Pin{
		{N: "GPIO5", Num: 5},
		{N: "GPIO6", Num: 6},
		{N: "GPIO14", Num: 14},
		{N: "GPIO19", Num: 19},
	}
	pins := make([]gpio.PinOut, len(fakes))
	for i, p := range fakes {
		pins[i] = p
	}
	return pins, fakes
}

func levels(fakes []*gpiotest.Pin) []gpio.Level {
	out := make([]gpio.Level, len(fakes))
	for i, p := range fakes {
		out[i] = p.Read()
	}
	return out
}

func TestSelectChannelDrivesMuxBits(t *testing.T) {
	pins, fakes := muxPins()
	s := newADS1115(nil, pins, config.PressureConfig{Channels: 16, SampleRate: 860})

	tests := []struct {
		ch   int
		want []gpio.Level
	}{
		{0, []gpio.Level{gpio.Low, gpio.Low, gpio.Low, gpio.Low}},
		{1, []gpio.Level{gpio.High, gpio.Low, gpio.Low, gpio.Low}},
		{6, []gpio.Level{gpio.Low, gpio.High, gpio.High, gpio.Low}},
		{9, []gpio.Level{gpio.High, gpio.Low, gpio.Low, gpio.High}},
		{15, []gpio.Level{gpio.High, gpio.High, gpio.High, gpio.High}},
	}
	for _, tt := range tests {
		if err := s.selectChannel(tt.ch); err != nil {
			t.Fatalf("select %d: %v", tt.ch, err)
		}
		got := levels(fakes)
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("channel %d: pins %v, want %v", tt.ch, got, tt.want)
			}
		}
	}
}

func TestReadConvertsEveryMuxChannel(t *testing.T) {
	const addr = 0x48
	// single-shot on AIN0 at 860 SPS
	cfgWrite := []byte{pointerConfig, 0xC3, 0xE3}
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: addr, W: cfgWrite},
		{Addr: addr, W: []byte{pointerConv}, R: []byte{0x40, 0x00}},
		{Addr: addr, W: cfgWrite},
		{Addr: addr, W: []byte{pointerConv}, R: []byte{0x00, 0x00}},
		{Addr: addr, W: cfgWrite},
		{Addr: addr, W: []byte{pointerConv}, R: []byte{0x20, 0x00}},
	}}
	pins, fakes := muxPins()

	s := newADS1115(&i2c.Dev{Addr: addr, Bus: bus}, pins, config.PressureConfig{
		Channels:         3,
		SampleRate:       860,
		CalibrationScale: 2,
	})
	var slept time.Duration
	s.sleep = func(d time.Duration) { slept += d }

	got, err := s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []float64{4.096, 0, 2.048}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("channel %d: got %v want %v", i, got[i], want[i])
		}
	}
	if bus.Count != len(bus.Ops) {
		t.Fatalf("expected %d transactions, got %d", len(bus.Ops), bus.Count)
	}
	if slept != 3*3*time.Millisecond {
		t.Fatalf("conversion wait: %v", slept)
	}
	// last channel selected was 2
	if l := levels(fakes); l[0] != gpio.Low || l[1] != gpio.High {
		t.Fatalf("mux left at %v", l)
	}
}

func TestReadUsesConfiguredInput(t *testing.T) {
	const addr = 0x48
	// single-shot on AIN2 at 128 SPS
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: addr, W: []byte{pointerConfig, 0xE3, 0x83}},
		{Addr: addr, W: []byte{pointerConv}, R: []byte{0x40, 0x00}},
	}}
	pins, _ := muxPins()
	s := newADS1115(&i2c.Dev{Addr: addr, Bus: bus}, pins, config.PressureConfig{
		Channels:   1,
		Input:      2,
		SampleRate: 128,
	})
	s.sleep = func(time.Duration) {}

	got, err := s.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0] != 2.048 {
		t.Fatalf("got %v want [2.048]", got)
	}
	if bus.Count != len(bus.Ops) {
		t.Fatalf("expected %d transactions, got %d", len(bus.Ops), bus.Count)
	}
}

func TestNewSelectsSensor(t *testing.T) {
	p, err := New(config.PressureConfig{Channels: 0, SensorType: config.SensorReal})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(None); !ok || p.Channels() != 0 {
		t.Fatalf("zero channels should yield None, got %T", p)
	}

	p, err = New(config.PressureConfig{Channels: 5, SensorType: config.SensorSimulation})
	if err != nil {
		t.Fatal(err)
	}
	vals, err := p.Read()
	if err != nil || len(vals) != 5 {
		t.Fatalf("fake read: %v %v", vals, err)
	}
	for _, v := range vals {
		if v < 0 || v > pgaFullScale {
			t.Fatalf("fake value out of range: %v", v)
		}
	}

	if _, err := New(config.PressureConfig{Channels: 1, SensorType: "laser"}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
