package meterdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/NotCoffee418/p1reader/pkg/telegram"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "meter.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTelegram(ts time.Time, tariff int) *telegram.Telegram {
	return &telegram.Telegram{
		Timestamp: &ts,
		Reading: telegram.MeterReading{
			CurrentConsumptionKW:     0.332,
			CurrentProductionKW:      0,
			TotalConsumptionDayKWH:   1581.123,
			TotalConsumptionNightKWH: 1435.706,
			TotalProductionDayKWH:    12.5,
			CurrentTariff:            tariff,
			MeterSerialGas:           "7FLO2119033733",
			GasConsumptionM3:         2287.117,
		},
	}
}

func count(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestRowsFromTelegram(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 15, 30, 0, time.UTC)
	rows, err := RowsFromTelegram(sampleTelegram(ts, 1))
	require.NoError(t, err)

	require.Len(t, rows.Live, 2)
	assert.Equal(t, MeterDbLivePowerReading{Timestamp: ts.Unix(), Watt: 332, ReadingType: PowerConsumptionDay}, rows.Live[0])
	assert.Equal(t, PowerProductionDay, rows.Live[1].ReadingType)

	require.Len(t, rows.Total, 4)
	assert.Equal(t, uint32(1581123), rows.Total[0].Watthour)
	assert.Equal(t, uint32(1435706), rows.Total[1].Watthour)
	assert.Equal(t, uint32(12500), rows.Total[2].Watthour)

	require.NotNil(t, rows.Gas)
	assert.Equal(t, uint32(2287117), rows.Gas.TotalConsumptionDM3)
}

func TestRowsFromTelegramNightTariff(t *testing.T) {
	ts := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	tg := sampleTelegram(ts, 2)
	tg.Reading.MeterSerialGas = ""
	tg.Reading.GasConsumptionM3 = 0

	rows, err := RowsFromTelegram(tg)
	require.NoError(t, err)
	assert.Equal(t, PowerConsumptionNight, rows.Live[0].ReadingType)
	assert.Equal(t, PowerProductionNight, rows.Live[1].ReadingType)
	assert.Nil(t, rows.Gas)
}

func TestRowsFromTelegramWithoutTimestamp(t *testing.T) {
	_, err := RowsFromTelegram(&telegram.Telegram{})
	assert.ErrorIs(t, err, ErrNoTimestamp)
}

func TestInsertReading(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := time.Date(2024, 3, 1, 9, 15, 30, 0, time.UTC)
	require.NoError(t, s.InsertReading(ctx, sampleTelegram(first, 1)))
	second := sampleTelegram(first.Add(time.Second), 1)
	second.Reading.GasConsumptionM3 = 2287.120
	require.NoError(t, s.InsertReading(ctx, second))

	assert.Equal(t, 4, count(t, s, "live_power_readings"))
	assert.Equal(t, 8, count(t, s, "total_power_readings"))
	assert.Equal(t, 2, count(t, s, "total_gas_readings"))

	gas, err := s.LatestTotalGasReading(ctx)
	require.NoError(t, err)
	require.NotNil(t, gas)
	assert.Equal(t, first.Unix()+1, gas.Timestamp)
	assert.Equal(t, uint32(2287120), gas.TotalConsumptionDM3)

	power, err := s.LatestTotalPowerReading(ctx, PowerConsumptionNight)
	require.NoError(t, err)
	require.NotNil(t, power)
	assert.Equal(t, uint32(1435706), power.Watthour)
}

func TestInsertReadingRejectsMissingTimestamp(t *testing.T) {
	s := openTestStore(t)
	err := s.InsertReading(context.Background(), &telegram.Telegram{})
	assert.ErrorIs(t, err, ErrNoTimestamp)
	assert.Equal(t, 0, count(t, s, "live_power_readings"))
}

func TestLatestOnEmptyDatabase(t *testing.T) {
	s := openTestStore(t)
	gas, err := s.LatestTotalGasReading(context.Background())
	require.NoError(t, err)
	assert.Nil(t, gas)

	power, err := s.LatestTotalPowerReading(context.Background(), PowerConsumptionDay)
	require.NoError(t, err)
	assert.Nil(t, power)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.db")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.InsertLivePowerReading(context.Background(), &MeterDbLivePowerReading{Timestamp: 1, Watt: 100}))
	require.NoError(t, s.Close())

	s, err = Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 1, count(t, s, "live_power_readings"))
}

func TestInsertReadingTwiceStoresOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 9, 15, 30, 0, time.UTC)

	require.NoError(t, s.InsertReading(ctx, sampleTelegram(ts, 1)))
	// A reconnecting collector receives the latest reading again.
	require.NoError(t, s.InsertReading(ctx, sampleTelegram(ts, 1)))

	assert.Equal(t, 2, count(t, s, "live_power_readings"))
	assert.Equal(t, 4, count(t, s, "total_power_readings"))
	assert.Equal(t, 1, count(t, s, "total_gas_readings"))
}
