package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadInterpreterAPIConfigCreatesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	cfg, err := LoadInterpreterAPIConfigFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultInterpreterAPIConfig(), cfg)
	assert.FileExists(t, filepath.Join(dir, InterpreterAPIConfigFile))

	// Second load reads back what was written
	again, err := LoadInterpreterAPIConfigFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadInterpreterAPIConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	content := `
serial_device = "/dev/ttyAMA0"
baudrate = 9600
parity = "even"
data_bits = 7
crc_check_required = false
inactivity_timeout = "30s"
emulator_interval = "250ms"

[emulator_overrides]
gas_m3 = 12.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, InterpreterAPIConfigFile), []byte(content), 0644))

	cfg, err := LoadInterpreterAPIConfigFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyAMA0", cfg.SerialDevice)
	assert.Equal(t, uint(9600), cfg.Baudrate)
	assert.Equal(t, "even", cfg.Parity)
	assert.Equal(t, uint(7), cfg.DataBits)
	assert.False(t, cfg.CRCCheckRequired)
	assert.Equal(t, 30*time.Second, cfg.InactivityTimeout.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.EmulatorInterval.Duration)
	assert.InDelta(t, 12.5, cfg.EmulatorOverrides.GasM3, 1e-9)
	// Untouched keys keep their defaults
	assert.Equal(t, 9039, cfg.ListenPort)
	assert.Equal(t, "/", cfg.StartCharacter)

	session, err := cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, byte('/'), session.StartChar)
	assert.Equal(t, byte('!'), session.StopChar)
	assert.False(t, session.CRCRequired)
	assert.Equal(t, 30*time.Second, session.InactivityTimeout)
}

func TestLoadInterpreterAPIConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"long sentinel": `start_character = "//"`,
		"same sentinel": `stop_character = "/"`,
		"bad parity":    `parity = "mark"`,
		"bad port":      `listen_port = 70000`,
		"no device":     `serial_device = ""`,
		"bad duration":  `inactivity_timeout = "soon"`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, InterpreterAPIConfigFile), []byte(content), 0644))
			_, err := LoadInterpreterAPIConfigFrom(dir)
			assert.Error(t, err)
		})
	}
}

func TestEmulatorDoesNotNeedSerialDevice(t *testing.T) {
	dir := t.TempDir()
	content := "emulator = true\nserial_device = \"\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, InterpreterAPIConfigFile), []byte(content), 0644))

	cfg, err := LoadInterpreterAPIConfigFrom(dir)
	require.NoError(t, err)
	assert.True(t, cfg.Emulator)
}

func TestLoadMeterCollectorConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadMeterCollectorConfigFrom(dir)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9039", cfg.InterpreterAPIHost)

	require.NoError(t, os.WriteFile(filepath.Join(dir, MeterCollectorConfigFile), []byte(`interpreter_api_host = ""`), 0644))
	_, err = LoadMeterCollectorConfigFrom(dir)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestListenAddr(t *testing.T) {
	cfg := DefaultInterpreterAPIConfig()
	assert.Equal(t, "0.0.0.0:9039", cfg.ListenAddr())
}
