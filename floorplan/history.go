package floorplan

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// History stores fixes in sqlite for the /history endpoint and retention
type History struct {
	*sql.DB
}

// OpenHistory opens (or creates) the history database and migrates it to
// the latest schema
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)

	h := &History{db}
	if err := h.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(h.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Closing m would close the shared DB handle.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Record stores a fix and returns its row id
func (h *History) Record(fix *Fix) (string, error) {
	if fix == nil {
		return "", fmt.Errorf("nil fix")
	}
	beacons, err := json.Marshal(fix.BeaconsUsed)
	if err != nil {
		return "", fmt.Errorf("marshaling beacons: %w", err)
	}

	id := uuid.NewString()
	_, err = h.Exec(`
		INSERT INTO fixes (
			fix_id, device_id, x, y, z, confidence, rms_error, iterations,
			converged, floor_id, room_id, room_name, beacons, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, fix.DeviceID, fix.X, fix.Y, fix.Z, fix.Confidence, fix.RMSError, fix.Iterations,
		fix.Converged, fix.FloorID, fix.RoomID, fix.RoomName, string(beacons), fix.Timestamp.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("recording fix for %s: %w", fix.DeviceID, err)
	}
	return id, nil
}

// Recent returns up to limit fixes for a device, newest first
func (h *History) Recent(deviceID string, limit int) ([]Fix, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := h.Query(`
		SELECT device_id, x, y, z, confidence, rms_error, iterations, converged,
		       floor_id, room_id, room_name, beacons, recorded_at
		FROM fixes
		WHERE device_id = ?
		ORDER BY recorded_at DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []Fix
	for rows.Next() {
		var f Fix
		var beacons string
		var recorded int64
		var floorID, roomID, roomName sql.NullString
		if err := rows.Scan(&f.DeviceID, &f.X, &f.Y, &f.Z, &f.Confidence, &f.RMSError, &f.Iterations,
			&f.Converged, &floorID, &roomID, &roomName, &beacons, &recorded); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		f.FloorID, f.RoomID, f.RoomName = floorID.String, roomID.String, roomName.String
		if err := json.Unmarshal([]byte(beacons), &f.BeaconsUsed); err != nil {
			return nil, fmt.Errorf("decoding beacons: %w", err)
		}
		f.Timestamp = time.Unix(0, recorded)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Prune deletes fixes recorded before cutoff and returns how many went
func (h *History) Prune(before time.Time) (int64, error) {
	res, err := h.Exec(`DELETE FROM fixes WHERE recorded_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[HISTORY] pruned %d fixes older than %s", n, before.Format(time.RFC3339))
	}
	return n, nil
}

// migrateLogger implements migrate.Logger interface
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[HISTORY] migrate: "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}
