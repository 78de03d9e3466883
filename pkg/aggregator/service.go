// Package aggregator rolls raw meter readings up into hourly and daily
// tables and prunes raw rows once they are covered by a rollup.
package aggregator

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/NotCoffee418/p1reader/pkg/meterdb"
	"github.com/rs/zerolog"
)

const defaultRetention = 90 * 24 * time.Hour

type Aggregator struct {
	db     *sql.DB
	logger zerolog.Logger

	// Raw readings older than Retention are removed once aggregated.
	// 0 keeps everything.
	Retention time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func New(store *meterdb.Store, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		db:        store.DB(),
		logger:    logger,
		Retention: defaultRetention,
		Now:       time.Now,
	}
}

// roundToHourStart returns the Unix timestamp of the start of the hour for the given time
func roundToHourStart(t time.Time) int64 {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).Unix()
}

func roundToDayStart(t time.Time) int64 {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

// getHourEnd returns the last second of the hour
func getHourEnd(hourStart int64) int64 {
	return hourStart + 3600 - 1
}

func getDayEnd(dayStart int64) int64 {
	return time.Unix(dayStart, 0).UTC().AddDate(0, 0, 1).Unix() - 1
}

// AggregateLivePowerHourly turns the live power samples of one hour into
// watthours per reading type. Samples are assumed evenly spread, so a type
// that was only active half the hour gets half its average.
func (a *Aggregator) AggregateLivePowerHourly(ctx context.Context, hourStart int64) error {
	hourEnd := getHourEnd(hourStart)

	var samples uint32
	err := a.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT timestamp) FROM live_power_readings WHERE timestamp >= ? AND timestamp <= ?",
		hourStart, hourEnd,
	).Scan(&samples)
	if err != nil {
		return err
	}
	// Only insert if we have data
	if samples == 0 {
		return nil
	}

	// One sample per timestamp and type, matching the divisor above.
	rows, err := a.db.QueryContext(ctx, `
		SELECT reading_type, SUM(watt)
		FROM (
			SELECT timestamp, reading_type, MAX(watt) AS watt
			FROM live_power_readings
			WHERE timestamp >= ? AND timestamp <= ?
			GROUP BY timestamp, reading_type
		)
		GROUP BY reading_type
	`, hourStart, hourEnd)
	if err != nil {
		return err
	}
	defer rows.Close()

	wh := make(map[meterdb.MeterDbPowerReadingType]uint32)
	for rows.Next() {
		var readingType meterdb.MeterDbPowerReadingType
		var sum float64
		if err := rows.Scan(&readingType, &sum); err != nil {
			return err
		}
		// Average watt for 1 hour = watthours
		wh[readingType] = uint32(sum/float64(samples) + 0.5)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return a.upsertAggregate(ctx, "aggregate_live_power_hourly", meterdb.AggregateLivePower{
		StartTime:          hourStart,
		ConsumptionDayWh:   wh[meterdb.PowerConsumptionDay],
		ConsumptionNightWh: wh[meterdb.PowerConsumptionNight],
		ProductionDayWh:    wh[meterdb.PowerProductionDay],
		ProductionNightWh:  wh[meterdb.PowerProductionNight],
		SampleCount:        samples,
	})
}

// AggregateLivePowerDaily sums the hourly aggregates of one day.
func (a *Aggregator) AggregateLivePowerDaily(ctx context.Context, dayStart int64) error {
	var agg meterdb.AggregateLivePower
	var hours int
	err := a.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(consumption_day_wh), 0),
			COALESCE(SUM(consumption_night_wh), 0),
			COALESCE(SUM(production_day_wh), 0),
			COALESCE(SUM(production_night_wh), 0),
			COALESCE(SUM(sample_count), 0)
		FROM aggregate_live_power_hourly
		WHERE start_time >= ? AND start_time <= ?
	`, dayStart, getDayEnd(dayStart)).Scan(
		&hours,
		&agg.ConsumptionDayWh,
		&agg.ConsumptionNightWh,
		&agg.ProductionDayWh,
		&agg.ProductionNightWh,
		&agg.SampleCount,
	)
	if err != nil {
		return err
	}
	if hours == 0 {
		return nil
	}
	agg.StartTime = dayStart
	return a.upsertAggregate(ctx, "aggregate_live_power_daily", agg)
}

// table is one of the fixed aggregate tables, never user input.
func (a *Aggregator) upsertAggregate(ctx context.Context, table string, agg meterdb.AggregateLivePower) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO `+table+`
		(start_time, consumption_day_wh, consumption_night_wh, production_day_wh, production_night_wh, sample_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, agg.StartTime, agg.ConsumptionDayWh, agg.ConsumptionNightWh, agg.ProductionDayWh, agg.ProductionNightWh, agg.SampleCount)
	return err
}

// SnapshotTotalGasHourly keeps the last gas standing seen within the hour.
func (a *Aggregator) SnapshotTotalGasHourly(ctx context.Context, hourStart int64) error {
	var dm3Standing uint32
	err := a.db.QueryRowContext(ctx, `
		SELECT consumption_dm3
		FROM total_gas_readings
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, hourStart, getHourEnd(hourStart)).Scan(&dm3Standing)
	if errors.Is(err, sql.ErrNoRows) {
		// No entry within timeframe, that's okay
		return nil
	}
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO snapshot_total_gas_hourly (timestamp, dm3_standing) VALUES (?, ?)",
		hourStart, dm3Standing,
	)
	return err
}

// SnapshotTotalPowerHourly keeps the last standing per reading type,
// looking back up to a day for types that did not change this hour.
func (a *Aggregator) SnapshotTotalPowerHourly(ctx context.Context, hourStart int64) error {
	hourEnd := getHourEnd(hourStart)
	lookbackStart := hourEnd - (24 * 3600)

	getLastReading := func(readingType meterdb.MeterDbPowerReadingType) (uint32, bool, error) {
		var watthour uint32
		err := a.db.QueryRowContext(ctx, `
			SELECT watthour
			FROM total_power_readings
			WHERE reading_type = ? AND timestamp >= ? AND timestamp <= ?
			ORDER BY timestamp DESC
			LIMIT 1
		`, readingType, lookbackStart, hourEnd).Scan(&watthour)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return watthour, err == nil, err
	}

	snapshot := meterdb.SnapshotTotalPowerHourly{Timestamp: hourStart}
	targets := map[meterdb.MeterDbPowerReadingType]*uint32{
		meterdb.PowerConsumptionDay:   &snapshot.ConsumptionDayStanding,
		meterdb.PowerConsumptionNight: &snapshot.ConsumptionNightStanding,
		meterdb.PowerProductionDay:    &snapshot.ProductionDayStanding,
		meterdb.PowerProductionNight:  &snapshot.ProductionNightStanding,
	}
	found := false
	for readingType, target := range targets {
		standing, ok, err := getLastReading(readingType)
		if err != nil {
			return err
		}
		if ok {
			*target = standing
			found = true
		}
	}
	// Only create snapshot if we have at least one reading
	if !found {
		return nil
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshot_total_power_hourly
		(timestamp, consumption_day_standing, consumption_night_standing, production_day_standing, production_night_standing)
		VALUES (?, ?, ?, ?, ?)
	`, snapshot.Timestamp, snapshot.ConsumptionDayStanding, snapshot.ConsumptionNightStanding,
		snapshot.ProductionDayStanding, snapshot.ProductionNightStanding)
	return err
}

// CleanupOldData removes raw rows older than Retention, but only when the
// hourly aggregates already reach past the cutoff.
func (a *Aggregator) CleanupOldData(ctx context.Context) error {
	if a.Retention <= 0 {
		return nil
	}
	cutoff := a.now().Add(-a.Retention)
	cutoffTimestamp := cutoff.Unix()

	var lastAggregateHour sql.NullInt64
	if err := a.db.QueryRowContext(ctx, "SELECT MAX(start_time) FROM aggregate_live_power_hourly").Scan(&lastAggregateHour); err != nil {
		return err
	}
	if !lastAggregateHour.Valid || lastAggregateHour.Int64 < cutoffTimestamp {
		// Not aggregated far enough yet
		return nil
	}

	for _, table := range []string{"live_power_readings", "total_power_readings", "total_gas_readings"} {
		if _, err := a.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE timestamp < ?", cutoffTimestamp); err != nil {
			return err
		}
	}
	a.logger.Info().Time("cutoff", cutoff).Msg("Cleaned up old raw readings")
	return nil
}

func (a *Aggregator) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

// AggregateAndCleanup rolls up the previous hour, the previous day once a
// new day started, and prunes old raw data.
func (a *Aggregator) AggregateAndCleanup(ctx context.Context) error {
	now := a.now().UTC()

	// Aggregate the previous hour (current hour is still ongoing)
	hourStart := roundToHourStart(now.Add(-time.Hour))
	a.logger.Debug().Time("hour", time.Unix(hourStart, 0).UTC()).Msg("Aggregating hour")

	if err := a.AggregateLivePowerHourly(ctx, hourStart); err != nil {
		return err
	}
	if err := a.SnapshotTotalGasHourly(ctx, hourStart); err != nil {
		return err
	}
	if err := a.SnapshotTotalPowerHourly(ctx, hourStart); err != nil {
		return err
	}

	if now.Hour() == 0 {
		dayStart := roundToDayStart(now.AddDate(0, 0, -1))
		a.logger.Debug().Time("day", time.Unix(dayStart, 0).UTC()).Msg("Aggregating day")
		if err := a.AggregateLivePowerDaily(ctx, dayStart); err != nil {
			return err
		}
	}

	return a.CleanupOldData(ctx)
}

// Run calls AggregateAndCleanup shortly after every full hour until ctx is
// cancelled. Failures are logged and retried the next hour.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		now := a.now()
		next := time.Unix(roundToHourStart(now), 0).Add(time.Hour + 10*time.Second)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := a.AggregateAndCleanup(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error().Err(err).Msg("Aggregation failed")
		}
	}
}
