// Package db archives received telemetry packets and comm-loss transitions
// in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/supervision/internal/monitoring"
	"github.com/banshee-data/supervision/internal/telemetry/packet"
)

type DB struct {
	*sql.DB
	path string
}

// PacketRecord is an archived packet with its arrival time.
type PacketRecord struct {
	ID         int64         `json:"id"`
	Packet     packet.Packet `json:"packet"`
	ReceivedAt time.Time     `json:"received_at"`
}

// CommLossEvent is an archived watchdog transition.
type CommLossEvent struct {
	ID         int64     `json:"id"`
	CommLoss   bool      `json:"comm_loss"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OpenDB opens the database at path without touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// shared across queries.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database at path and applies pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the path the database was opened with.
func (db *DB) Path() string {
	return db.path
}

// RecordPacket archives one decoded packet.
func (db *DB) RecordPacket(p packet.Packet, receivedAt time.Time) error {
	_, err := db.Exec(
		`INSERT INTO telemetry_packets (
			packet_id, pump1_value, pump2_value, alarm_state, input1_value, received_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		p.PacketID, nullableFloat(p.Pump1Value), nullableFloat(p.Pump2Value),
		int32(p.AlarmState), nullableFloat(p.Input1Value), receivedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record packet %d: %w", p.PacketID, err)
	}
	return nil
}

// RecordCommLoss archives a watchdog transition.
func (db *DB) RecordCommLoss(commLoss bool, at time.Time) error {
	if _, err := db.Exec(
		`INSERT INTO comm_loss_events (comm_loss, occurred_at) VALUES (?, ?)`,
		commLoss, at.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to record comm loss event: %w", err)
	}
	return nil
}

// RecentPackets returns up to limit packets, newest first.
func (db *DB) RecentPackets(limit int) ([]PacketRecord, error) {
	rows, err := db.Query(
		`SELECT id, packet_id, pump1_value, pump2_value, alarm_state, input1_value, received_at
		FROM telemetry_packets ORDER BY received_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []PacketRecord
	for rows.Next() {
		var (
			rec                  PacketRecord
			pump1, pump2, input1 sql.NullFloat64
			alarm                int32
			receivedAt           int64
		)
		if err := rows.Scan(&rec.ID, &rec.Packet.PacketID, &pump1, &pump2, &alarm, &input1, &receivedAt); err != nil {
			return nil, err
		}
		rec.Packet.Pump1Value = floatOrNaN(pump1)
		rec.Packet.Pump2Value = floatOrNaN(pump2)
		rec.Packet.AlarmState = packet.AlarmState(alarm)
		rec.Packet.Input1Value = floatOrNaN(input1)
		rec.ReceivedAt = time.Unix(0, receivedAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CommLossEvents returns up to limit transitions, newest first.
func (db *DB) CommLossEvents(limit int) ([]CommLossEvent, error) {
	rows, err := db.Query(
		`SELECT id, comm_loss, occurred_at FROM comm_loss_events
		ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []CommLossEvent
	for rows.Next() {
		var (
			ev         CommLossEvent
			occurredAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.CommLoss, &occurredAt); err != nil {
			return nil, err
		}
		ev.OccurredAt = time.Unix(0, occurredAt).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PruneBefore deletes packets and events older than t and returns the
// number of rows removed.
func (db *DB) PruneBefore(t time.Time) (int64, error) {
	cutoff := t.UnixNano()
	var total int64
	for _, stmt := range []string{
		`DELETE FROM telemetry_packets WHERE received_at < ?`,
		`DELETE FROM comm_loss_events WHERE occurred_at < ?`,
	} {
		res, err := db.Exec(stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune archive: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		monitoring.Logf("Pruned %d archived rows older than %s", total, t.Format(time.RFC3339))
	}
	return total, nil
}

// SQLite stores NaN as NULL, so NULL reads back as NaN.
func nullableFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
