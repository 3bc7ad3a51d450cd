package config

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestParseIntOrHex(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"72", 72, true},
		{"0x48", 0x48, true},
		{"0X49", 0x49, true},
		{"0xZZ", 0, false},
		{"bad", 0, false},
	}
	for _, tt := range tests {
		got, err := parseIntOrHex(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseIntOrHex(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("parseIntOrHex(%q) = %d; want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseCSV(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"GPIO5,GPIO6", []string{"GPIO5", "GPIO6"}},
		{" GPIO5 , ,GPIO6,", []string{"GPIO5", "GPIO6"}},
	}
	for _, tt := range tests {
		if got := parseCSV(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseCSV(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"0.1", 100 * time.Millisecond, true},
		{"10", 10 * time.Second, true},
		{"PT5S", 5 * time.Second, true},
		{"PT1M30S", 90 * time.Second, true},
		{"250ms", 250 * time.Millisecond, true},
		{"", 0, false},
		{"soon", 0, false},
		{"NaN", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseDuration(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("ParseDuration(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if !strings.HasPrefix(cfg.MQTT.ClientID, "wheelsense-") {
		t.Fatalf("client id not generated: %q", cfg.MQTT.ClientID)
	}
	if cfg.LedgerPath == "" {
		t.Fatalf("ledger path not derived")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	cfg, err := Load("", env(map[string]string{
		"COMPLETE_DATA_PATH":   "/srv/data",
		"ARCHIVE_PATH":         "/srv/archive",
		"SAMPLING_FREQUENCY":   "0.05",
		"COLLECTION_DURATION":  "PT5S",
		"UPLOAD_FREQUENCY":     "30",
		"FLUSH_THRESHOLD":      "250",
		"BLE_MAC_DEVICE_LEFT":  "/dev/rfcomm0",
		"BLE_MAC_DEVICE_RIGHT": "",
		"SENSOR_LINK":          "serial",
		"NUMBER_FSR":           "10",
		"I2C_ADDRESS":          "0x49",
		"FSR_MUX_PINS":         "GPIO1,GPIO2,GPIO3,GPIO4",
		"ADC_INPUT":            "2",
		"THING_ID":             "chair-7",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataPath != "/srv/data" || cfg.ArchivePath != "/srv/archive" {
		t.Fatalf("paths: %+v", cfg)
	}
	if cfg.SamplingPeriod.Std() != 50*time.Millisecond || cfg.CollectionDuration.Std() != 5*time.Second {
		t.Fatalf("durations: %v %v", cfg.SamplingPeriod, cfg.CollectionDuration)
	}
	if cfg.UploadInterval.Std() != 30*time.Second || cfg.FlushThreshold != 250 {
		t.Fatalf("upload/threshold: %v %d", cfg.UploadInterval, cfg.FlushThreshold)
	}
	if cfg.Link.Type != LinkSerial || cfg.Link.Left != "/dev/rfcomm0" || cfg.Link.Right != "" {
		t.Fatalf("link: %+v", cfg.Link)
	}
	if cfg.Pressure.Channels != 10 || cfg.Pressure.I2CAddress != 0x49 || cfg.Pressure.MuxPins[3] != "GPIO4" {
		t.Fatalf("pressure: %+v", cfg.Pressure)
	}
	if cfg.Pressure.Input != 2 {
		t.Fatalf("adc input: %d", cfg.Pressure.Input)
	}
	if cfg.Remote.ThingID != "chair-7" {
		t.Fatalf("thing id: %q", cfg.Remote.ThingID)
	}
}

func TestLoadRejectsBadEnvironment(t *testing.T) {
	_, err := Load("", env(map[string]string{
		"SAMPLING_FREQUENCY": "fast",
		"NUMBER_FSR":         "ten",
	}))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "SAMPLING_FREQUENCY") || !strings.Contains(err.Error(), "NUMBER_FSR") {
		t.Fatalf("error should name both variables: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero period", func(c *Config) { c.SamplingPeriod = 0 }},
		{"zero threshold", func(c *Config) { c.FlushThreshold = 0 }},
		{"too many channels", func(c *Config) { c.Pressure.Channels = 17 }},
		{"negative channels", func(c *Config) { c.Pressure.Channels = -1 }},
		{"missing mux pins", func(c *Config) { c.Pressure.Channels = 4; c.Pressure.MuxPins = []string{"GPIO5"} }},
		{"bad sample rate", func(c *Config) { c.Pressure.SampleRate = 100 }},
		{"bad adc input", func(c *Config) { c.Pressure.Input = 4 }},
		{"bad link", func(c *Config) { c.Link.Type = "carrier-pigeon" }},
		{"bad remote", func(c *Config) { c.Remote.Type = "ftp" }},
		{"mqtt without server", func(c *Config) { c.Remote.Type = RemoteMQTT; c.MQTT.Server = "" }},
		{"backoff below interval", func(c *Config) { c.UploadMaxBackoff = Duration(time.Second) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	if err := fs.Parse([]string{"--sampling-period", "PT0.2S", "--fsr", "3", "--i2c-address", "0x4a", "--adc-input", "1", "--mqtt-topic", "lab"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg, err := Load("", env(map[string]string{"FLUSH_THRESHOLD": "42", "NUMBER_FSR": "8"}))
	if err != nil {
		t.Fatal(err)
	}
	if err := flags.Apply(&cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.SamplingPeriod.Std() != 200*time.Millisecond {
		t.Fatalf("sampling period: %v", cfg.SamplingPeriod)
	}
	if cfg.Pressure.Channels != 3 || cfg.Pressure.I2CAddress != 0x4a || cfg.MQTT.Topic != "lab" {
		t.Fatalf("flag overrides lost: %+v %+v", cfg.Pressure, cfg.MQTT)
	}
	if cfg.Pressure.Input != 1 {
		t.Fatalf("adc input: %d", cfg.Pressure.Input)
	}
	if cfg.FlushThreshold != 42 {
		t.Fatalf("unset flag clobbered env value: %d", cfg.FlushThreshold)
	}
}
