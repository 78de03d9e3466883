package meterdb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/NotCoffee418/p1reader/pkg/esmutils"
	"github.com/NotCoffee418/p1reader/pkg/telegram"
)

var ErrNoTimestamp = errors.New("meterdb: telegram has no timestamp")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Rows is what a single telegram adds to the database.
type Rows struct {
	Live  []MeterDbLivePowerReading
	Total []MeterDbTotalPowerReading
	// Nil when the meter reports no gas.
	Gas *MeterDbTotalGasReading
}

// RowsFromTelegram maps a reading onto database rows. Live power is booked
// on the day or night type matching the active tariff.
func RowsFromTelegram(t *telegram.Telegram) (Rows, error) {
	if !t.HasTimestamp() {
		return Rows{}, ErrNoTimestamp
	}
	ts := t.Timestamp.Unix()
	r := t.Reading

	consumptionType, productionType := PowerConsumptionDay, PowerProductionDay
	if r.CurrentTariff == 2 {
		consumptionType, productionType = PowerConsumptionNight, PowerProductionNight
	}

	rows := Rows{
		Live: []MeterDbLivePowerReading{
			{Timestamp: ts, Watt: esmutils.KwToW(r.CurrentConsumptionKW), ReadingType: consumptionType},
			{Timestamp: ts, Watt: esmutils.KwToW(r.CurrentProductionKW), ReadingType: productionType},
		},
		Total: []MeterDbTotalPowerReading{
			{Timestamp: ts, Watthour: esmutils.KwhToWh(r.TotalConsumptionDayKWH), ReadingType: PowerConsumptionDay},
			{Timestamp: ts, Watthour: esmutils.KwhToWh(r.TotalConsumptionNightKWH), ReadingType: PowerConsumptionNight},
			{Timestamp: ts, Watthour: esmutils.KwhToWh(r.TotalProductionDayKWH), ReadingType: PowerProductionDay},
			{Timestamp: ts, Watthour: esmutils.KwhToWh(r.TotalProductionNightKWH), ReadingType: PowerProductionNight},
		},
	}
	if r.GasConsumptionM3 > 0 || r.MeterSerialGas != "" {
		rows.Gas = &MeterDbTotalGasReading{Timestamp: ts, TotalConsumptionDM3: esmutils.M3ToDM3(r.GasConsumptionM3)}
	}
	return rows, nil
}

// InsertReading stores every row of t in one transaction. Rows already
// stored for the same timestamp are kept, so replaying a telegram is a no-op.
func (s *Store) InsertReading(ctx context.Context, t *telegram.Telegram) error {
	rows, err := RowsFromTelegram(t)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range rows.Live {
			if err := insertLivePowerReading(ctx, tx, &rows.Live[i]); err != nil {
				return err
			}
		}
		for i := range rows.Total {
			if err := insertTotalPowerReading(ctx, tx, &rows.Total[i]); err != nil {
				return err
			}
		}
		if rows.Gas != nil {
			return insertTotalGasReading(ctx, tx, rows.Gas)
		}
		return nil
	})
}

func (s *Store) InsertLivePowerReading(ctx context.Context, reading *MeterDbLivePowerReading) error {
	return insertLivePowerReading(ctx, s.db, reading)
}

func (s *Store) InsertTotalPowerReading(ctx context.Context, reading *MeterDbTotalPowerReading) error {
	return insertTotalPowerReading(ctx, s.db, reading)
}

func (s *Store) InsertTotalGasReading(ctx context.Context, reading *MeterDbTotalGasReading) error {
	return insertTotalGasReading(ctx, s.db, reading)
}

func insertLivePowerReading(ctx context.Context, db execer, reading *MeterDbLivePowerReading) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO live_power_readings (timestamp, watt, reading_type) "+
			"VALUES (?, ?, ?)",
		reading.Timestamp,
		reading.Watt,
		reading.ReadingType,
	)
	return err
}

func insertTotalPowerReading(ctx context.Context, db execer, reading *MeterDbTotalPowerReading) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO total_power_readings (timestamp, watthour, reading_type) "+
			"VALUES (?, ?, ?)",
		reading.Timestamp,
		reading.Watthour,
		reading.ReadingType,
	)
	return err
}

func insertTotalGasReading(ctx context.Context, db execer, reading *MeterDbTotalGasReading) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO total_gas_readings "+
			"(timestamp, consumption_dm3) "+
			"VALUES (?, ?)",
		reading.Timestamp,
		reading.TotalConsumptionDM3,
	)
	return err
}

// LatestTotalGasReading returns nil when no gas reading was stored yet.
func (s *Store) LatestTotalGasReading(ctx context.Context) (*MeterDbTotalGasReading, error) {
	var r MeterDbTotalGasReading
	err := s.db.QueryRowContext(ctx,
		"SELECT timestamp, consumption_dm3 FROM total_gas_readings ORDER BY timestamp DESC LIMIT 1",
	).Scan(&r.Timestamp, &r.TotalConsumptionDM3)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LatestTotalPowerReading returns nil when nothing of readingType was stored yet.
func (s *Store) LatestTotalPowerReading(ctx context.Context, readingType MeterDbPowerReadingType) (*MeterDbTotalPowerReading, error) {
	r := MeterDbTotalPowerReading{ReadingType: readingType}
	err := s.db.QueryRowContext(ctx,
		"SELECT timestamp, watthour FROM total_power_readings WHERE reading_type = ? ORDER BY timestamp DESC LIMIT 1",
		readingType,
	).Scan(&r.Timestamp, &r.Watthour)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
