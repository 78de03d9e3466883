package config

import (
	"time"

	"github.com/NotCoffee418/p1reader/pkg/source"
)

type MeterCollectorConfig struct {
	InterpreterAPIHost string `toml:"interpreter_api_host"`
	TLSEnabled         bool   `toml:"tls_enabled"`
	// Empty uses the default data directory.
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`
}

type InterpreterAPIConfig struct {
	SerialDevice string `toml:"serial_device"`
	Baudrate     uint   `toml:"baudrate"`
	// none, even or odd. DSMR 2.2 meters use 9600 7E1, later ones 115200 8N1.
	Parity   string `toml:"parity"`
	DataBits uint   `toml:"data_bits"`
	StopBits uint   `toml:"stop_bits"`

	StartCharacter   string   `toml:"start_character"`
	StopCharacter    string   `toml:"stop_character"`
	CRCCheckRequired bool     `toml:"crc_check_required"`
	MaxBufferSize    int      `toml:"max_buffer_size"`
	// 0 disables discarding stalled telegrams
	InactivityTimeout Duration `toml:"inactivity_timeout"`

	// Emulate a meter instead of opening SerialDevice
	Emulator          bool                     `toml:"emulator"`
	EmulatorInterval  Duration                 `toml:"emulator_interval"`
	EmulatorOverrides source.EmulatorOverrides `toml:"emulator_overrides"`

	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`

	LogLevel string `toml:"log_level"`
	// Write every received packet and its decoded form to DebugLogFile
	Debug        bool   `toml:"debug"`
	DebugLogFile string `toml:"debug_log_file"`
}

// Duration is written as a Go duration string, e.g. "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
