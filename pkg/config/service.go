package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/NotCoffee418/p1reader/pkg/p1"
	"github.com/NotCoffee418/p1reader/pkg/pathing"
	"github.com/NotCoffee418/p1reader/pkg/source"
)

const (
	InterpreterAPIConfigFile = "interpreter_api.toml"
	MeterCollectorConfigFile = "meter_collector.toml"
)

var ErrInvalidConfig = errors.New("invalid config")

func DefaultInterpreterAPIConfig() *InterpreterAPIConfig {
	session := p1.DefaultConfig()
	return &InterpreterAPIConfig{
		SerialDevice:      "/dev/ttyUSB0",
		Baudrate:          115200,
		Parity:            "none",
		DataBits:          8,
		StopBits:          1,
		StartCharacter:    string(session.StartChar),
		StopCharacter:     string(session.StopChar),
		CRCCheckRequired:  session.CRCRequired,
		MaxBufferSize:     session.MaxBufferSize,
		InactivityTimeout: Duration{0},
		Emulator:          false,
		EmulatorInterval:  Duration{time.Second},
		EmulatorOverrides: source.DefaultEmulatorOverrides(),
		ListenAddress:     "0.0.0.0",
		ListenPort:        9039,
		LogLevel:          "info",
		Debug:             false,
		DebugLogFile:      pathing.GetPacketLogPath(),
	}
}

func DefaultMeterCollectorConfig() *MeterCollectorConfig {
	return &MeterCollectorConfig{
		InterpreterAPIHost: "localhost:9039",
		TLSEnabled:         false,
		DatabasePath:       pathing.GetMeterDbPath(),
		LogLevel:           "info",
	}
}

// LoadInterpreterAPIConfigFrom reads interpreter_api.toml from dir,
// writing the defaults there first if the file does not exist.
func LoadInterpreterAPIConfigFrom(dir string) (*InterpreterAPIConfig, error) {
	cfg := DefaultInterpreterAPIConfig()
	if err := loadOrCreate(filepath.Join(dir, InterpreterAPIConfigFile), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadMeterCollectorConfigFrom(dir string) (*MeterCollectorConfig, error) {
	cfg := DefaultMeterCollectorConfig()
	if err := loadOrCreate(filepath.Join(dir, MeterCollectorConfigFile), cfg); err != nil {
		return nil, err
	}
	if cfg.InterpreterAPIHost == "" {
		return nil, fmt.Errorf("%w: interpreter_api_host is empty", ErrInvalidConfig)
	}
	return cfg, nil
}

// loadOrCreate decodes path over the defaults already in cfg, so keys
// missing from the file keep their default value.
func loadOrCreate(path string, cfg any) error {
	// Create default if not exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := pathing.EnsureDir(filepath.Dir(path)); err != nil {
			return err
		}
		cfgFile, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		defer cfgFile.Close()
		if err := toml.NewEncoder(cfgFile).Encode(cfg); err != nil {
			return fmt.Errorf("failed to write defaults to %s: %w", path, err)
		}
		return nil
	}

	// Load existing config
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

func (c *InterpreterAPIConfig) Validate() error {
	if len(c.StartCharacter) != 1 || len(c.StopCharacter) != 1 {
		return fmt.Errorf("%w: start_character and stop_character must be a single character", ErrInvalidConfig)
	}
	if !c.Emulator && c.SerialDevice == "" {
		return fmt.Errorf("%w: serial_device is empty", ErrInvalidConfig)
	}
	if !c.Emulator && c.Baudrate == 0 {
		return fmt.Errorf("%w: baudrate is 0", ErrInvalidConfig)
	}
	if _, err := source.ParseParity(c.Parity); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen_port %d out of range", ErrInvalidConfig, c.ListenPort)
	}
	if _, err := c.SessionConfig(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// SessionConfig is the part of the config the telegram session consumes.
func (c *InterpreterAPIConfig) SessionConfig() (p1.Config, error) {
	cfg := p1.DefaultConfig()
	if len(c.StartCharacter) == 1 {
		cfg.StartChar = c.StartCharacter[0]
	}
	if len(c.StopCharacter) == 1 {
		cfg.StopChar = c.StopCharacter[0]
	}
	cfg.CRCRequired = c.CRCCheckRequired
	cfg.MaxBufferSize = c.MaxBufferSize
	cfg.InactivityTimeout = c.InactivityTimeout.Duration
	return cfg, cfg.Validate()
}

func (c *InterpreterAPIConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.ListenPort)
}
