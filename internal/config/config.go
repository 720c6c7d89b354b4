// Package config provides configuration management for the go-buslog decoder.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Input modes.
const (
	ModeLines  = "lines"
	ModeModbus = "modbus"
)

// Serial conflict policies.
const (
	SerialWarn  = "warn"
	SerialAbort = "abort"
)

// Config holds the decoder configuration.
type Config struct {
	LogLevel       string `mapstructure:"log_level"`
	TimeZone       string `mapstructure:"timezone"`
	XORMode        string `mapstructure:"xor_mode"`
	SerialConflict string `mapstructure:"serial_conflict"`
	Coverage       bool   `mapstructure:"coverage"`
	Mode           string `mapstructure:"mode"`
	Input          string `mapstructure:"input"`

	LogFile struct {
		Enabled    bool   `mapstructure:"enabled"`
		Path       string `mapstructure:"path"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
		Compress   bool   `mapstructure:"compress"`
	} `mapstructure:"log_file"`

	Schema struct {
		File  string `mapstructure:"file"`
		Watch bool   `mapstructure:"watch"`
	} `mapstructure:"schema"`

	Segmented struct {
		ContinueSentinel int      `mapstructure:"continue_sentinel"`
		SentinelCommands []string `mapstructure:"sentinel_commands"`
		TimeFactor       float64  `mapstructure:"time_factor"`
		TimeIncrementMS  int      `mapstructure:"time_increment_ms"`
	} `mapstructure:"segmented"`

	Modbus struct {
		Hosts        []string `mapstructure:"hosts"`
		Port         int      `mapstructure:"port"`
		QuietMS      int      `mapstructure:"quiet_ms"`
		BurstMS      int      `mapstructure:"burst_ms"`
		XORKeyOffset int      `mapstructure:"xor_key_offset"`
		CRCScope     string   `mapstructure:"crc_scope"`
		MinLength    int      `mapstructure:"min_length"`
	} `mapstructure:"modbus"`

	Dedup struct {
		Enabled  bool `mapstructure:"enabled"`
		WindowMS int  `mapstructure:"window_ms"`
	} `mapstructure:"dedup"`

	Scan struct {
		Enabled bool    `mapstructure:"enabled"`
		Lo      float64 `mapstructure:"lo"`
		Hi      float64 `mapstructure:"hi"`
		Signed  bool    `mapstructure:"signed"`
		Filter  bool    `mapstructure:"filter"`
	} `mapstructure:"scan"`

	Correlate struct {
		Enabled     bool    `mapstructure:"enabled"`
		Dir         string  `mapstructure:"dir"`
		SkewMinutes int     `mapstructure:"skew_minutes"`
		MinCoverage float64 `mapstructure:"min_coverage"`
	} `mapstructure:"correlate"`

	Aggregate struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"aggregate"`

	Sampling struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"sampling"`

	Filter struct {
		Nodes       []string `mapstructure:"nodes"`
		Channel     string   `mapstructure:"channel"`
		Commands    []string `mapstructure:"commands"`
		RecordTypes []string `mapstructure:"record_types"`
		Types       []string `mapstructure:"types"`
	} `mapstructure:"filter"`

	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	Sink SinkConfig `mapstructure:"sink"`
}

// SinkConfig selects and configures the record sinks.
type SinkConfig struct {
	Kinds []string `mapstructure:"kinds"`
	Codec string   `mapstructure:"codec"`

	MQTT MQTTConfig `mapstructure:"mqtt"`

	NATS struct {
		URL     string `mapstructure:"url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"nats"`

	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
}

// MQTTConfig holds the MQTT sink settings.
type MQTTConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	Retain   bool   `mapstructure:"retain"`
	QoS      byte   `mapstructure:"qos"`
}

// ClickHouseConfig holds the ClickHouse sink settings.
type ClickHouseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Table    string `mapstructure:"table"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:       "info",
		TimeZone:       "Local",
		XORMode:        "auto",
		SerialConflict: SerialWarn,
		Mode:           ModeLines,
		Input:          "-",
	}

	cfg.LogFile.Path = "buslog.log"
	cfg.LogFile.MaxSizeMB = 50
	cfg.LogFile.MaxBackups = 5
	cfg.LogFile.MaxAgeDays = 14

	cfg.Schema.File = "schema.json"
	cfg.Schema.Watch = true

	cfg.Segmented.ContinueSentinel = 7
	cfg.Segmented.TimeFactor = 1

	cfg.Modbus.Port = 8000
	cfg.Modbus.QuietMS = 100
	cfg.Modbus.BurstMS = 1000
	cfg.Modbus.XORKeyOffset = 6
	cfg.Modbus.CRCScope = "frame"
	cfg.Modbus.MinLength = 22

	cfg.Dedup.WindowMS = 5000

	cfg.Correlate.Dir = "reference"
	cfg.Correlate.MinCoverage = 0.99

	cfg.Aggregate.Enabled = true

	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	cfg.Sink.Kinds = []string{"console"}
	cfg.Sink.Codec = "json"
	cfg.Sink.MQTT.Host = "localhost"
	cfg.Sink.MQTT.Port = 1883
	cfg.Sink.MQTT.Topic = "buslog"
	cfg.Sink.NATS.URL = "nats://127.0.0.1:4222"
	cfg.Sink.NATS.Subject = "buslog.minute"
	cfg.Sink.ClickHouse.Host = "localhost"
	cfg.Sink.ClickHouse.Port = 9000
	cfg.Sink.ClickHouse.Database = "default"
	cfg.Sink.ClickHouse.Username = "default"
	cfg.Sink.ClickHouse.Table = "buslog_minutes"

	return cfg
}

// Flags returns the command line flags understood by Load.
func Flags() *pflag.FlagSet {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("buslog", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "Path to configuration file")
	fs.BoolP("version", "v", false, "Show version information")
	fs.StringP("input", "i", defaults.Input, "Segment log to decode, - for stdin")
	fs.StringP("mode", "m", defaults.Mode, "Input mode: lines or modbus")
	fs.String("log-level", defaults.LogLevel, "Log level")
	fs.String("schema", defaults.Schema.File, "Schema file")
	fs.Bool("sample", defaults.Sampling.Enabled, "Apply per-record sample thresholds from the schema")
	return fs
}

var flagKeys = map[string]string{
	"input":     "input",
	"mode":      "mode",
	"log-level": "log_level",
	"schema":    "schema.file",
	"sample":    "sampling.enabled",
}

// Load reads the configuration from a file, environment variables and,
// when fs is not nil, command line flags.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("buslog")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		log.Debug().Msg("No configuration file found, using defaults")
	}

	setDefaults(v, "", reflect.ValueOf(cfg).Elem())

	v.SetEnvPrefix("BUSLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every leaf key so environment variables can
// override keys the config file does not mention.
func setDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("mapstructure")
		if tag == "" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if fv := rv.Field(i); fv.Kind() == reflect.Struct {
			setDefaults(v, key, fv)
		} else {
			v.SetDefault(key, fv.Interface())
		}
	}
}

// Validate checks enumerated values and ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLines, ModeModbus:
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	switch c.SerialConflict {
	case SerialWarn, SerialAbort:
	default:
		return fmt.Errorf("invalid serial_conflict %q", c.SerialConflict)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Dedup.Enabled && c.Dedup.WindowMS <= 0 {
		return fmt.Errorf("dedup.window_ms must be positive")
	}
	if c.Scan.Enabled && c.Scan.Lo > c.Scan.Hi {
		return fmt.Errorf("scan.lo %v is above scan.hi %v", c.Scan.Lo, c.Scan.Hi)
	}
	if c.Correlate.MinCoverage <= 0 || c.Correlate.MinCoverage > 1 {
		return fmt.Errorf("correlate.min_coverage must be in (0, 1]")
	}
	return nil
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// DedupWindow returns the dedup window width.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Dedup.WindowMS) * time.Millisecond
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-buslog Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Str("timezone", c.TimeZone).Msg("Timezone")
	logger.Info().Str("mode", c.Mode).Str("input", c.Input).Msg("Input")
	logger.Info().Str("xor_mode", c.XORMode).Msg("XOR Mode")

	logger.Info().
		Str("file", c.Schema.File).
		Bool("watch", c.Schema.Watch).
		Msg("Schema")

	if c.Mode == ModeModbus {
		logger.Info().
			Strs("hosts", c.Modbus.Hosts).
			Int("port", c.Modbus.Port).
			Int("quiet_ms", c.Modbus.QuietMS).
			Int("burst_ms", c.Modbus.BurstMS).
			Str("crc_scope", c.Modbus.CRCScope).
			Msg("Modbus Collector")
	} else {
		logger.Info().
			Int("continue_sentinel", c.Segmented.ContinueSentinel).
			Strs("sentinel_commands", c.Segmented.SentinelCommands).
			Float64("time_factor", c.Segmented.TimeFactor).
			Msg("Segmented Bus")
	}

	logger.Info().
		Bool("dedup", c.Dedup.Enabled).
		Bool("scan", c.Scan.Enabled).
		Bool("correlate", c.Correlate.Enabled).
		Bool("aggregate", c.Aggregate.Enabled).
		Bool("sampling", c.Sampling.Enabled).
		Msg("Stages")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().
		Strs("kinds", c.Sink.Kinds).
		Str("codec", c.Sink.Codec).
		Msg("Sinks")

	logger.Info().Msg("-----------------------------")
}
