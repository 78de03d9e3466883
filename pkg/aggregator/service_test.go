package aggregator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/NotCoffee418/p1reader/pkg/meterdb"
	"github.com/NotCoffee418/p1reader/pkg/telegram"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hour = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Aggregator, *meterdb.Store) {
	t.Helper()
	store, err := meterdb.Open(filepath.Join(t.TempDir(), "meter.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	// Two quarters on day tariff at 1 kW, two on night tariff at 2 kW.
	for i, sample := range []struct {
		tariff int
		kw     float64
	}{{1, 1}, {1, 1}, {2, 2}, {2, 2}} {
		ts := hour.Add(time.Duration(i) * 15 * time.Minute)
		require.NoError(t, store.InsertReading(ctx, &telegram.Telegram{
			Timestamp: &ts,
			Reading: telegram.MeterReading{
				CurrentConsumptionKW:     sample.kw,
				TotalConsumptionDayKWH:   100 + float64(i),
				TotalConsumptionNightKWH: 200,
				CurrentTariff:            sample.tariff,
				GasConsumptionM3:         50 + float64(i)/10,
			},
		}))
	}

	return New(store, zerolog.Nop()), store
}

func hourly(t *testing.T, store *meterdb.Store, table string, start int64) meterdb.AggregateLivePower {
	t.Helper()
	var agg meterdb.AggregateLivePower
	require.NoError(t, store.DB().QueryRow(
		"SELECT start_time, consumption_day_wh, consumption_night_wh, production_day_wh, production_night_wh, sample_count FROM "+table+" WHERE start_time = ?",
		start,
	).Scan(&agg.StartTime, &agg.ConsumptionDayWh, &agg.ConsumptionNightWh, &agg.ProductionDayWh, &agg.ProductionNightWh, &agg.SampleCount))
	return agg
}

func TestAggregateLivePowerHourly(t *testing.T) {
	a, store := setup(t)
	require.NoError(t, a.AggregateLivePowerHourly(context.Background(), hour.Unix()))

	agg := hourly(t, store, "aggregate_live_power_hourly", hour.Unix())
	assert.Equal(t, uint32(500), agg.ConsumptionDayWh)
	assert.Equal(t, uint32(1000), agg.ConsumptionNightWh)
	assert.Equal(t, uint32(0), agg.ProductionDayWh)
	assert.Equal(t, uint32(4), agg.SampleCount)
}

func TestAggregateEmptyHourWritesNothing(t *testing.T) {
	a, store := setup(t)
	empty := hour.Add(-time.Hour).Unix()
	require.NoError(t, a.AggregateLivePowerHourly(context.Background(), empty))

	var n int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM aggregate_live_power_hourly").Scan(&n))
	assert.Zero(t, n)
}

func TestSnapshots(t *testing.T) {
	a, store := setup(t)
	ctx := context.Background()
	require.NoError(t, a.SnapshotTotalGasHourly(ctx, hour.Unix()))
	require.NoError(t, a.SnapshotTotalPowerHourly(ctx, hour.Unix()))

	var gas meterdb.SnapshotTotalGasHourly
	require.NoError(t, store.DB().QueryRow("SELECT timestamp, dm3_standing FROM snapshot_total_gas_hourly").Scan(&gas.Timestamp, &gas.Dm3Standing))
	assert.Equal(t, hour.Unix(), gas.Timestamp)
	assert.Equal(t, uint32(50300), gas.Dm3Standing)

	var power meterdb.SnapshotTotalPowerHourly
	require.NoError(t, store.DB().QueryRow(
		"SELECT consumption_day_standing, consumption_night_standing, production_day_standing FROM snapshot_total_power_hourly WHERE timestamp = ?",
		hour.Unix(),
	).Scan(&power.ConsumptionDayStanding, &power.ConsumptionNightStanding, &power.ProductionDayStanding))
	assert.Equal(t, uint32(103000), power.ConsumptionDayStanding)
	assert.Equal(t, uint32(200000), power.ConsumptionNightStanding)
	assert.Equal(t, uint32(0), power.ProductionDayStanding)
}

func TestAggregateAndCleanup(t *testing.T) {
	a, store := setup(t)
	ctx := context.Background()

	old := &meterdb.MeterDbLivePowerReading{Timestamp: hour.AddDate(0, 0, -3).Unix(), Watt: 10}
	require.NoError(t, store.InsertLivePowerReading(ctx, old))

	a.Now = func() time.Time { return hour.Add(time.Hour + 5*time.Minute) }
	a.Retention = 24 * time.Hour
	require.NoError(t, a.AggregateAndCleanup(ctx))
	hourly(t, store, "aggregate_live_power_hourly", hour.Unix())

	var n int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM live_power_readings").Scan(&n))
	assert.Equal(t, 8, n, "only the reading past retention is removed")

	// Just after midnight the previous day is rolled up from its hours.
	a.Now = func() time.Time { return time.Date(2024, 3, 2, 0, 0, 10, 0, time.UTC) }
	require.NoError(t, a.AggregateAndCleanup(ctx))
	daily := hourly(t, store, "aggregate_live_power_daily", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Unix())
	assert.Equal(t, uint32(500), daily.ConsumptionDayWh)
	assert.Equal(t, uint32(1000), daily.ConsumptionNightWh)
}

func TestCleanupWaitsForAggregates(t *testing.T) {
	a, store := setup(t)
	a.Now = func() time.Time { return hour.AddDate(1, 0, 0) }
	require.NoError(t, a.CleanupOldData(context.Background()))

	var n int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM live_power_readings").Scan(&n))
	assert.Equal(t, 8, n)
}

func TestTimeframes(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 42, 17, 0, time.UTC)
	assert.Equal(t, hour.Unix(), roundToHourStart(ts))
	assert.Equal(t, hour.Unix()+3599, getHourEnd(hour.Unix()))
	day := roundToDayStart(ts)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Unix(), day)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC).Unix()-1, getDayEnd(day))
}

func TestReplayedReadingCountsOnce(t *testing.T) {
	store, err := meterdb.Open(filepath.Join(t.TempDir(), "meter.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	ts := hour.Add(30 * time.Minute)
	reading := &telegram.Telegram{
		Timestamp: &ts,
		Reading:   telegram.MeterReading{CurrentConsumptionKW: 1, CurrentTariff: 1},
	}
	require.NoError(t, store.InsertReading(ctx, reading))
	require.NoError(t, store.InsertReading(ctx, reading))

	a := New(store, zerolog.Nop())
	require.NoError(t, a.AggregateLivePowerHourly(ctx, hour.Unix()))

	agg := hourly(t, store, "aggregate_live_power_hourly", hour.Unix())
	assert.Equal(t, uint32(1000), agg.ConsumptionDayWh, "constant 1 kW for an hour")
	assert.Equal(t, uint32(1), agg.SampleCount)
}
