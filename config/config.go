// Package config loads the gateway's YAML configuration file: listen
// address, upstream transport selection, timeouts, and poll defaults,
// with range validation and MRCGW_<SECTION>_<KEY> environment variable
// overrides. A single validated struct rather than a
// chain of With* calls, since the source here is a file, not call-site
// options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrc-gateway/mrcgw/gateway"
	"github.com/mrc-gateway/mrcgw/logger"
	"github.com/mrc-gateway/mrcgw/mrclink"
)

// Config is the parsed and validated shape of the gateway's YAML file.
type Config struct {
	Listen struct {
		Address string `yaml:"address"`
	} `yaml:"listen"`

	Upstream struct {
		Transport string `yaml:"transport"`
		Serial    struct {
			Path string `yaml:"path"`
			Baud int    `yaml:"baud"`
		} `yaml:"serial"`
		TCP struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
		} `yaml:"tcp"`
	} `yaml:"upstream"`

	Timeouts struct {
		Reconnect       Duration `yaml:"reconnect"`
		Retry           Duration `yaml:"retry"`
		ReadUntilPrompt Duration `yaml:"read_until_prompt"`
	} `yaml:"timeouts"`

	Poll struct {
		MinInterval     Duration `yaml:"min_interval"`
		ScanbusInterval Duration `yaml:"scanbus_interval"`
	} `yaml:"poll"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the embedded defaults, used when no config file is
// given.
func Default() Config {
	var c Config
	c.Listen.Address = "[::]:5025"
	c.Upstream.Transport = "serial"
	c.Upstream.Serial.Path = "/dev/ttyUSB0"
	c.Upstream.TCP.Host = "127.0.0.1"
	c.Upstream.TCP.Port = 10001
	c.Timeouts.Reconnect = Duration(2500 * time.Millisecond)
	c.Timeouts.Retry = Duration(time.Second)
	c.Timeouts.ReadUntilPrompt = Duration(500 * time.Millisecond)
	c.Poll.MinInterval = Duration(5 * time.Millisecond)
	c.Poll.ScanbusInterval = Duration(2 * time.Second)
	c.Log.Level = "info"
	c.Log.Format = "auto"
	return c
}

// Load reads path (if non-empty) over the embedded defaults, applies
// MRCGW_<SECTION>_<KEY> environment overrides, and validates the result.
// An empty path uses the defaults plus any environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnvOverrides checks a fixed list of MRCGW_<SECTION>_<KEY>
// variables. Unset variables are no-ops.
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("MRCGW_LISTEN_ADDRESS"); ok {
		cfg.Listen.Address = v
	}
	if v, ok := lookupEnv("MRCGW_UPSTREAM_TRANSPORT"); ok {
		cfg.Upstream.Transport = v
	}
	if v, ok := lookupEnv("MRCGW_UPSTREAM_SERIAL_PATH"); ok {
		cfg.Upstream.Serial.Path = v
	}
	if v, ok := lookupEnvInt("MRCGW_UPSTREAM_SERIAL_BAUD"); ok {
		cfg.Upstream.Serial.Baud = v
	}
	if v, ok := lookupEnv("MRCGW_UPSTREAM_TCP_HOST"); ok {
		cfg.Upstream.TCP.Host = v
	}
	if v, ok := lookupEnvInt("MRCGW_UPSTREAM_TCP_PORT"); ok {
		cfg.Upstream.TCP.Port = v
	}
	if v, ok := lookupEnv("MRCGW_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookupEnv("MRCGW_LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func lookupEnvInt(key string) (int, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks ports, positive timeouts, and a recognized transport
// selector.
func (c Config) Validate() error {
	switch strings.ToLower(c.Upstream.Transport) {
	case "serial":
		if c.Upstream.Serial.Path == "" {
			return fmt.Errorf("config: upstream.serial.path is required for transport=serial")
		}
		if c.Upstream.Serial.Baud < 0 {
			return fmt.Errorf("config: upstream.serial.baud must be >= 0")
		}
	case "tcp":
		if c.Upstream.TCP.Port <= 0 || c.Upstream.TCP.Port > 65535 {
			return fmt.Errorf("config: upstream.tcp.port %d out of range", c.Upstream.TCP.Port)
		}
		if c.Upstream.TCP.Host == "" {
			return fmt.Errorf("config: upstream.tcp.host is required for transport=tcp")
		}
	default:
		return fmt.Errorf("config: upstream.transport must be %q or %q, got %q", "serial", "tcp", c.Upstream.Transport)
	}

	if c.Listen.Address == "" {
		return fmt.Errorf("config: listen.address is required")
	}
	if c.Timeouts.Reconnect <= 0 || c.Timeouts.Retry <= 0 || c.Timeouts.ReadUntilPrompt <= 0 {
		return fmt.Errorf("config: timeouts.* must all be positive")
	}
	if c.Poll.MinInterval <= 0 || c.Poll.ScanbusInterval <= 0 {
		return fmt.Errorf("config: poll.* must all be positive")
	}

	return nil
}

// GatewayOptions translates the validated config into gateway.Options,
// wiring in log as the shared logger.
func (c Config) GatewayOptions(log logger.Logger) gateway.Options {
	linkCfg := mrclink.Config{
		ReadUntilPromptTimeout: c.Timeouts.ReadUntilPrompt.Std(),
		ReconnectTimeout:       c.Timeouts.Reconnect.Std(),
		Logger:                 log,
	}

	switch strings.ToLower(c.Upstream.Transport) {
	case "tcp":
		linkCfg.Transport = mrclink.TransportTCP
		linkCfg.TCPHost = c.Upstream.TCP.Host
		linkCfg.TCPPort = c.Upstream.TCP.Port
	default:
		linkCfg.Transport = mrclink.TransportSerial
		linkCfg.SerialPath = c.Upstream.Serial.Path
		linkCfg.SerialBaud = c.Upstream.Serial.Baud
	}

	return gateway.Options{
		ListenAddr:          c.Listen.Address,
		Link:                linkCfg,
		RetryTimeout:        c.Timeouts.Retry.Std(),
		PollMinInterval:     c.Poll.MinInterval.Std(),
		ScanbusPollInterval: c.Poll.ScanbusInterval.Std(),
		Logger:              log,
	}
}
