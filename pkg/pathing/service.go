package pathing

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	EnvConfigDir = "ESM_CONFIG_DIR"
	EnvDataDir   = "ESM_DATA_DIR"
)

// EnsureDir creates dir if it does not exist yet.
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

func GetMeterDbPath() string {
	// Join path
	return filepath.Join(GetDataDir(), "esm-meter.db")
}

func GetPacketLogPath() string {
	return filepath.Join(GetDataDir(), "p1-packets.log")
}

func GetDataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	return "/var/lib/european_smart_meter"
}

func GetConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	return "/etc/european_smart_meter"
}
