package config

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"
)

// Flags holds command line overrides. Only flags set explicitly on the
// command line replace values from the file or the environment.
type Flags struct {
	fs *pflag.FlagSet

	ConfigPath string

	dataPath, archivePath, ledgerPath string
	sampling, duration, countdown     string
	uploadInterval, uploadMaxBackoff  string
	threshold                         int
	skipZero                          bool

	linkType, left, right string
	baud                  int

	fsrChannels int
	fsrType     string
	i2cBus      string
	i2cAddress  string
	adcInput    int
	sampleRate  int
	muxPins     string

	remoteType, thingID                                     string
	mqttServer, mqttUser, mqttPass, mqttClientID, mqttTopic string

	logLevel string
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := Flags{fs: fs}
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "Path to a JSON or YAML config file")

	fs.StringVar(&f.dataPath, "data-path", "", "Directory for complete durable files")
	fs.StringVar(&f.archivePath, "archive-path", "", "Directory uploaded files are moved to")
	fs.StringVar(&f.ledgerPath, "ledger-path", "", "SQLite upload ledger")
	fs.StringVar(&f.sampling, "sampling-period", "", "Sampling period (seconds or ISO-8601)")
	fs.StringVar(&f.duration, "duration", "", "Activity recording duration")
	fs.StringVar(&f.countdown, "countdown", "", "Countdown before an activity starts recording")
	fs.IntVar(&f.threshold, "flush-threshold", 0, "Records per durable file in continuous mode")
	fs.StringVar(&f.uploadInterval, "upload-interval", "", "Pause between upload cycles")
	fs.StringVar(&f.uploadMaxBackoff, "upload-max-backoff", "", "Longest pause after failed upload cycles")
	fs.BoolVar(&f.skipZero, "skip-zero", false, "Do not upload all-zero sensor vectors")

	fs.StringVar(&f.linkType, "link", "", "Sensor link: serial|mqtt|simulation")
	fs.StringVar(&f.left, "left", "", "Address of the left unit")
	fs.StringVar(&f.right, "right", "", "Address of the right unit")
	fs.IntVar(&f.baud, "baud", 0, "Serial link baud rate")

	fs.IntVar(&f.fsrChannels, "fsr", 0, "Number of pressure channels (0-16)")
	fs.StringVar(&f.fsrType, "fsr-type", "", "Pressure sensor type: real|simulation")
	fs.StringVar(&f.i2cBus, "i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	fs.StringVar(&f.i2cAddress, "i2c-address", "", "I2C address (decimal or 0x hex)")
	fs.IntVar(&f.adcInput, "adc-input", 0, "ADS1115 input (AIN0-AIN3) fed by the mux")
	fs.IntVar(&f.sampleRate, "sample-rate", 0, "ADS1115 sample rate (SPS)")
	fs.StringVar(&f.muxPins, "mux-pins", "", "Comma-separated GPIO names of the mux address lines")

	fs.StringVar(&f.remoteType, "remote", "", "Remote store: mqtt|console")
	fs.StringVar(&f.thingID, "thing-id", "", "Remote thing identifier")
	fs.StringVar(&f.mqttServer, "mqtt-server", "", "MQTT server (tcp://host:port)")
	fs.StringVar(&f.mqttUser, "mqtt-user", "", "MQTT username")
	fs.StringVar(&f.mqttPass, "mqtt-pass", "", "MQTT password")
	fs.StringVar(&f.mqttClientID, "mqtt-client-id", "", "MQTT client id")
	fs.StringVar(&f.mqttTopic, "mqtt-topic", "", "MQTT topic base")

	fs.StringVar(&f.logLevel, "log-level", "", "debug|info|warn|error")
	return &f
}

// Apply overrides cfg with every flag that was set.
func (f *Flags) Apply(cfg *Config) error {
	var errs []error
	set := f.fs.Changed
	dur := func(name, v string, dst *Duration) {
		if !set(name) {
			return
		}
		d, err := ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", name, err))
			return
		}
		*dst = Duration(d)
	}
	str := func(name, v string, dst *string) {
		if set(name) {
			*dst = v
		}
	}
	num := func(name string, v int, dst *int) {
		if set(name) {
			*dst = v
		}
	}

	str("data-path", f.dataPath, &cfg.DataPath)
	str("archive-path", f.archivePath, &cfg.ArchivePath)
	str("ledger-path", f.ledgerPath, &cfg.LedgerPath)
	dur("sampling-period", f.sampling, &cfg.SamplingPeriod)
	dur("duration", f.duration, &cfg.CollectionDuration)
	dur("countdown", f.countdown, &cfg.Countdown)
	num("flush-threshold", f.threshold, &cfg.FlushThreshold)
	dur("upload-interval", f.uploadInterval, &cfg.UploadInterval)
	dur("upload-max-backoff", f.uploadMaxBackoff, &cfg.UploadMaxBackoff)
	if set("skip-zero") {
		cfg.SkipZero = f.skipZero
	}

	str("link", f.linkType, &cfg.Link.Type)
	str("left", f.left, &cfg.Link.Left)
	str("right", f.right, &cfg.Link.Right)
	num("baud", f.baud, &cfg.Link.Baud)

	num("fsr", f.fsrChannels, &cfg.Pressure.Channels)
	str("fsr-type", f.fsrType, &cfg.Pressure.SensorType)
	str("i2c-bus", f.i2cBus, &cfg.Pressure.I2CBus)
	if set("i2c-address") {
		v, err := parseIntOrHex(f.i2cAddress)
		if err != nil {
			errs = append(errs, fmt.Errorf("--i2c-address: %w", err))
		} else {
			cfg.Pressure.I2CAddress = v
		}
	}
	num("adc-input", f.adcInput, &cfg.Pressure.Input)
	num("sample-rate", f.sampleRate, &cfg.Pressure.SampleRate)
	if set("mux-pins") {
		cfg.Pressure.MuxPins = parseCSV(f.muxPins)
	}

	str("remote", f.remoteType, &cfg.Remote.Type)
	str("thing-id", f.thingID, &cfg.Remote.ThingID)
	str("mqtt-server", f.mqttServer, &cfg.MQTT.Server)
	str("mqtt-user", f.mqttUser, &cfg.MQTT.Username)
	str("mqtt-pass", f.mqttPass, &cfg.MQTT.Password)
	str("mqtt-client-id", f.mqttClientID, &cfg.MQTT.ClientID)
	str("mqtt-topic", f.mqttTopic, &cfg.MQTT.Topic)

	str("log-level", f.logLevel, &cfg.LogLevel)
	return errors.Join(errs...)
}
