package source

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/NotCoffee418/p1reader/pkg/p1"
	"github.com/rs/zerolog"
)

const defaultEmulatorInterval = time.Second

// EmulatorOverrides sets the meter state the emulator starts from.
type EmulatorOverrides struct {
	Header               string  `toml:"header"`
	ElectricitySerial    string  `toml:"electricity_serial"`
	GasSerial            string  `toml:"gas_serial"`
	ConsumptionDayKWH    float64 `toml:"consumption_day_kwh"`
	ConsumptionNightKWH  float64 `toml:"consumption_night_kwh"`
	ProductionDayKWH     float64 `toml:"production_day_kwh"`
	ProductionNightKWH   float64 `toml:"production_night_kwh"`
	CurrentConsumptionKW float64 `toml:"current_consumption_kw"`
	CurrentProductionKW  float64 `toml:"current_production_kw"`
	Tariff               int     `toml:"tariff"`
	VoltageV             float64 `toml:"voltage_v"`
	GasM3                float64 `toml:"gas_m3"`
}

func DefaultEmulatorOverrides() EmulatorOverrides {
	return EmulatorOverrides{
		Header:               "FLU5\\253769484_A",
		ElectricitySerial:    "1SAG3101021605",
		GasSerial:            "7FLO2119033733",
		ConsumptionDayKWH:    1581.123,
		ConsumptionNightKWH:  1435.706,
		CurrentConsumptionKW: 0.332,
		Tariff:               1,
		VoltageV:             230.1,
		GasM3:                2287.117,
	}
}

// Emulator produces a telegram with a valid checksum every Interval, for
// running without a meter attached.
type Emulator struct {
	Interval  time.Duration
	Overrides EmulatorOverrides
	StartChar byte
	StopChar  byte
	// Now defaults to time.Now.
	Now func() time.Time

	Logger zerolog.Logger
}

func NewEmulator(interval time.Duration, overrides EmulatorOverrides) *Emulator {
	return &Emulator{
		Interval:  interval,
		Overrides: overrides,
		StartChar: '/',
		StopChar:  '!',
		Now:       time.Now,
		Logger:    zerolog.Nop(),
	}
}

// Open starts emitting. The stream ends with EOF once ctx is cancelled.
func (e *Emulator) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go e.emit(ctx, pw)
	e.Logger.Info().Dur("interval", e.interval()).Msg("Emulating P1 port")
	return pr, nil
}

func (e *Emulator) interval() time.Duration {
	if e.Interval <= 0 {
		return defaultEmulatorInterval
	}
	return e.Interval
}

func (e *Emulator) emit(ctx context.Context, pw *io.PipeWriter) {
	defer pw.Close()

	state := e.Overrides
	ticker := time.NewTicker(e.interval())
	defer ticker.Stop()

	for {
		if _, err := io.WriteString(pw, e.Telegram(state)); err != nil {
			// Reader went away
			return
		}
		state = e.advance(state)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// advance accumulates the current power into the active tariff totals.
func (e *Emulator) advance(state EmulatorOverrides) EmulatorOverrides {
	hours := e.interval().Hours()
	if state.Tariff == 2 {
		state.ConsumptionNightKWH += state.CurrentConsumptionKW * hours
		state.ProductionNightKWH += state.CurrentProductionKW * hours
	} else {
		state.ConsumptionDayKWH += state.CurrentConsumptionKW * hours
		state.ProductionDayKWH += state.CurrentProductionKW * hours
	}
	return state
}

// Telegram renders one framed telegram including checksum and line break.
func (e *Emulator) Telegram(state EmulatorOverrides) string {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	// Emulated meter always reports winter time.
	ts := now().In(time.FixedZone("CET", 60*60)).Format("060102150405") + "W"

	tariff := state.Tariff
	if tariff == 0 {
		tariff = 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%c%s\r\n\r\n", e.StartChar, state.Header)
	fmt.Fprintf(&b, "0-0:96.1.4(50217)\r\n")
	fmt.Fprintf(&b, "0-0:96.1.1(%s)\r\n", strings.ToUpper(hex.EncodeToString([]byte(state.ElectricitySerial))))
	fmt.Fprintf(&b, "0-0:1.0.0(%s)\r\n", ts)
	fmt.Fprintf(&b, "1-0:1.8.1(%010.3f*kWh)\r\n", state.ConsumptionDayKWH)
	fmt.Fprintf(&b, "1-0:1.8.2(%010.3f*kWh)\r\n", state.ConsumptionNightKWH)
	fmt.Fprintf(&b, "1-0:2.8.1(%010.3f*kWh)\r\n", state.ProductionDayKWH)
	fmt.Fprintf(&b, "1-0:2.8.2(%010.3f*kWh)\r\n", state.ProductionNightKWH)
	fmt.Fprintf(&b, "0-0:96.14.0(%04d)\r\n", tariff)
	fmt.Fprintf(&b, "1-0:1.7.0(%06.3f*kW)\r\n", state.CurrentConsumptionKW)
	fmt.Fprintf(&b, "1-0:2.7.0(%06.3f*kW)\r\n", state.CurrentProductionKW)
	fmt.Fprintf(&b, "1-0:21.7.0(%06.3f*kW)\r\n", state.CurrentConsumptionKW)
	fmt.Fprintf(&b, "1-0:22.7.0(%06.3f*kW)\r\n", state.CurrentProductionKW)
	fmt.Fprintf(&b, "1-0:32.7.0(%05.1f*V)\r\n", state.VoltageV)
	if state.VoltageV > 0 {
		fmt.Fprintf(&b, "1-0:31.7.0(%06.2f*A)\r\n", state.CurrentConsumptionKW*1000/state.VoltageV)
	}
	fmt.Fprintf(&b, "0-0:96.3.10(1)\r\n")
	fmt.Fprintf(&b, "0-0:17.0.0(999.9*kW)\r\n")
	fmt.Fprintf(&b, "0-1:24.1.0(003)\r\n")
	fmt.Fprintf(&b, "0-1:96.1.1(%s)\r\n", strings.ToUpper(hex.EncodeToString([]byte(state.GasSerial))))
	fmt.Fprintf(&b, "0-1:24.4.0(1)\r\n")
	fmt.Fprintf(&b, "0-1:24.2.3(%s)(%09.3f*m3)\r\n", ts, state.GasM3)

	payload := b.String()
	return fmt.Sprintf("%s%c%04X\r\n", payload, e.StopChar, p1.FrameChecksum(payload, e.StopChar))
}
