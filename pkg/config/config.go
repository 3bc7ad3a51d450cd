package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Sensor links, pressure sensors and remote stores understood by the CLI.
const (
	LinkSerial     = "serial"
	LinkMQTT       = "mqtt"
	LinkSimulation = "simulation"

	SensorReal       = "real"
	SensorSimulation = "simulation"

	RemoteMQTT    = "mqtt"
	RemoteConsole = "console"
)

// MaxPressureChannels is what a 4-bit multiplexer can address.
const MaxPressureChannels = 16

// SampleRates are the conversion rates supported by the ADS1115.
var SampleRates = []int{8, 16, 32, 64, 128, 250, 475, 860}

type MQTTConfig struct {
	Server   string `json:"server" yaml:"server"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Topic    string `json:"topic" yaml:"topic"`
}

// LinkConfig selects how IMU packets reach the collector. Left and Right are
// link addresses (device path, topic or BLE MAC); an empty address disables
// that side.
type LinkConfig struct {
	Type           string   `json:"type" yaml:"type"`
	Left           string   `json:"left" yaml:"left"`
	Right          string   `json:"right" yaml:"right"`
	AddressType    string   `json:"address_type" yaml:"address_type"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout"`
	Baud           int      `json:"baud" yaml:"baud"`
}

type PressureConfig struct {
	Channels          int      `json:"channels" yaml:"channels"`
	SensorType        string   `json:"sensor_type" yaml:"sensor_type"`
	I2CBus            string   `json:"i2c_bus" yaml:"i2c_bus"`
	I2CAddress        int      `json:"i2c_address" yaml:"i2c_address"`
	Input             int      `json:"adc_input" yaml:"adc_input"` // ADS1115 AIN the mux output is wired to
	SampleRate        int      `json:"sample_rate" yaml:"sample_rate"`
	MuxPins           []string `json:"mux_pins" yaml:"mux_pins"`
	CalibrationScale  float64  `json:"calibration_scale" yaml:"calibration_scale"`
	CalibrationOffset float64  `json:"calibration_offset" yaml:"calibration_offset"`
}

type RemoteConfig struct {
	Type    string `json:"type" yaml:"type"`
	ThingID string `json:"thing_id" yaml:"thing_id"`
}

type Config struct {
	DataPath    string `json:"data_path" yaml:"data_path"`
	ArchivePath string `json:"archive_path" yaml:"archive_path"`
	LedgerPath  string `json:"ledger_path" yaml:"ledger_path"`

	SamplingPeriod     Duration `json:"sampling_period" yaml:"sampling_period"`
	CollectionDuration Duration `json:"collection_duration" yaml:"collection_duration"`
	Countdown          Duration `json:"countdown" yaml:"countdown"`
	FlushThreshold     int      `json:"flush_threshold" yaml:"flush_threshold"`

	UploadInterval   Duration `json:"upload_interval" yaml:"upload_interval"`
	UploadMaxBackoff Duration `json:"upload_max_backoff" yaml:"upload_max_backoff"`
	SkipZero         bool     `json:"skip_zero" yaml:"skip_zero"`

	Link     LinkConfig     `json:"link" yaml:"link"`
	Pressure PressureConfig `json:"pressure" yaml:"pressure"`
	Remote   RemoteConfig   `json:"remote" yaml:"remote"`
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		DataPath:           "data",
		ArchivePath:        "archive",
		SamplingPeriod:     Duration(100 * time.Millisecond),
		CollectionDuration: Duration(10 * time.Second),
		Countdown:          Duration(3 * time.Second),
		FlushThreshold:     100,
		UploadInterval:     Duration(10 * time.Second),
		UploadMaxBackoff:   Duration(5 * time.Minute),
		Link: LinkConfig{
			Type:           LinkSimulation,
			AddressType:    "public",
			ConnectTimeout: Duration(10 * time.Second),
			Baud:           115200,
		},
		Pressure: PressureConfig{
			SensorType:       SensorReal,
			I2CBus:           "1",
			I2CAddress:       0x48,
			SampleRate:       860,
			MuxPins:          []string{"GPIO5", "GPIO6", "GPIO14", "GPIO19"},
			CalibrationScale: 1.0,
		},
		Remote:   RemoteConfig{Type: RemoteConsole, ThingID: "wheelchair"},
		MQTT:     MQTTConfig{Server: "tcp://localhost:1883", Topic: "wheelsense"},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, then the optional file at
// path, then the environment seen through lookup. Command line flags are
// applied afterwards by Flags.Apply.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if lookup != nil {
		if err := applyEnv(&cfg, lookup); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	default:
		err = json.Unmarshal(b, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Finalize fills derived values and validates the result.
func (c *Config) Finalize() error {
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "wheelsense-" + uuid.NewString()[:8]
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.DataPath, ".uploads.db")
	}
	return c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.DataPath == "" {
		errs = append(errs, errors.New("data path is required"))
	}
	if c.ArchivePath == "" {
		errs = append(errs, errors.New("archive path is required"))
	}
	if c.SamplingPeriod <= 0 {
		errs = append(errs, errors.New("sampling period must be > 0"))
	}
	if c.CollectionDuration <= 0 {
		errs = append(errs, errors.New("collection duration must be > 0"))
	}
	if c.Countdown < 0 {
		errs = append(errs, errors.New("countdown must be >= 0"))
	}
	if c.FlushThreshold <= 0 {
		errs = append(errs, errors.New("flush threshold must be > 0"))
	}
	if c.UploadInterval <= 0 {
		errs = append(errs, errors.New("upload interval must be > 0"))
	}
	if c.UploadMaxBackoff < c.UploadInterval {
		errs = append(errs, errors.New("upload max backoff must be >= upload interval"))
	}

	switch c.Link.Type {
	case LinkSerial, LinkSimulation:
	case LinkMQTT:
		if c.MQTT.Server == "" {
			errs = append(errs, errors.New("mqtt link needs an mqtt server"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sensor link %q", c.Link.Type))
	}

	p := c.Pressure
	if p.Channels < 0 || p.Channels > MaxPressureChannels {
		errs = append(errs, fmt.Errorf("pressure channels must be in 0..%d", MaxPressureChannels))
	}
	switch p.SensorType {
	case SensorReal:
		if p.Channels > 0 && len(p.MuxPins) != 4 {
			errs = append(errs, fmt.Errorf("want 4 mux pins, got %d", len(p.MuxPins)))
		}
	case SensorSimulation:
	default:
		errs = append(errs, fmt.Errorf("unknown pressure sensor type %q", p.SensorType))
	}
	if p.Input < 0 || p.Input > 3 {
		errs = append(errs, fmt.Errorf("adc input must be in 0..3, got %d", p.Input))
	}
	if !slices.Contains(SampleRates, p.SampleRate) {
		errs = append(errs, fmt.Errorf("sample rate %d not one of %v", p.SampleRate, SampleRates))
	}

	switch c.Remote.Type {
	case RemoteConsole:
	case RemoteMQTT:
		if c.MQTT.Server == "" {
			errs = append(errs, errors.New("mqtt remote needs an mqtt server"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown remote type %q", c.Remote.Type))
	}
	if c.Remote.ThingID == "" {
		errs = append(errs, errors.New("thing id is required"))
	}

	return errors.Join(errs...)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := parseIntOrHex(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("COMPLETE_DATA_PATH", &cfg.DataPath)
	str("ARCHIVE_PATH", &cfg.ArchivePath)
	str("LEDGER_PATH", &cfg.LedgerPath)
	dur("SAMPLING_FREQUENCY", &cfg.SamplingPeriod)
	dur("COLLECTION_DURATION", &cfg.CollectionDuration)
	dur("COUNTDOWN", &cfg.Countdown)
	integer("FLUSH_THRESHOLD", &cfg.FlushThreshold)
	dur("UPLOAD_FREQUENCY", &cfg.UploadInterval)

	str("SENSOR_LINK", &cfg.Link.Type)
	str("BLE_MAC_DEVICE_LEFT", &cfg.Link.Left)
	str("BLE_MAC_DEVICE_RIGHT", &cfg.Link.Right)

	integer("NUMBER_FSR", &cfg.Pressure.Channels)
	str("FSR_SENSOR_TYPE", &cfg.Pressure.SensorType)
	str("I2C_BUS", &cfg.Pressure.I2CBus)
	integer("I2C_ADDRESS", &cfg.Pressure.I2CAddress)
	integer("ADC_INPUT", &cfg.Pressure.Input)
	if v, ok := lookup("FSR_MUX_PINS"); ok {
		cfg.Pressure.MuxPins = parseCSV(v)
	}

	str("REMOTE_TYPE", &cfg.Remote.Type)
	str("THING_ID", &cfg.Remote.ThingID)
	str("MQTT_SERVER", &cfg.MQTT.Server)
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)
	str("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	str("MQTT_TOPIC", &cfg.MQTT.Topic)

	str("LOG_LEVEL", &cfg.LogLevel)

	return errors.Join(errs...)
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
