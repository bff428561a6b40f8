package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/banshee-data/zonecount/internal/geometry"
)

var (
	ErrZoneNotFound = errors.New("zone not found")
	ErrZoneExists   = errors.New("zone with this name already exists")
	ErrInvalidZone  = errors.New("invalid zone")
)

// Zone is a named polygon drawn over the camera frame. Coordinates are
// [x, y] pairs in pixels, in drawing order.
type Zone struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Coordinates [][]float64 `json:"coordinates"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Polygon builds the zone's geometry.
func (z *Zone) Polygon(opts ...geometry.Option) (*geometry.Polygon, error) {
	return geometry.FromCoordinates(z.Coordinates, opts...)
}

// CreateZone validates and stores z, filling in its ID and CreatedAt.
// Geometry options such as geometry.Strict tighten validation.
func (db *DB) CreateZone(ctx context.Context, z *Zone, opts ...geometry.Option) error {
	z.Name = strings.TrimSpace(z.Name)
	if z.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidZone)
	}
	if _, err := z.Polygon(opts...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidZone, err)
	}
	coords, err := json.Marshal(z.Coordinates)
	if err != nil {
		return fmt.Errorf("encode coordinates: %w", err)
	}

	z.CreatedAt = time.Now().UTC().Truncate(time.Second)
	res, err := db.ExecContext(ctx,
		`INSERT INTO zones (name, coordinates, created_at) VALUES (?, ?, ?)`,
		z.Name, string(coords), formatTime(z.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrZoneExists, z.Name)
		}
		return fmt.Errorf("insert zone: %w", err)
	}
	if z.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	logf("created zone %d %q with %d points", z.ID, z.Name, len(z.Coordinates))
	return nil
}

// GetZone returns the zone with id or ErrZoneNotFound.
func (db *DB) GetZone(ctx context.Context, id int64) (*Zone, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, name, coordinates, created_at FROM zones WHERE id = ?`, id)
	z, err := scanZone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrZoneNotFound, id)
	}
	return z, err
}

// ListZones returns every zone ordered by id.
func (db *DB) ListZones(ctx context.Context) ([]Zone, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, coordinates, created_at FROM zones ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	zones := []Zone{}
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		zones = append(zones, *z)
	}
	return zones, rows.Err()
}

// DeleteZone removes the zone and, through the foreign key cascade, all of
// its events.
func (db *DB) DeleteZone(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM zones WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete zone: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrZoneNotFound, id)
	}
	logf("deleted zone %d", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanZone(r rowScanner) (*Zone, error) {
	var (
		z         Zone
		coords    string
		createdAt string
	)
	if err := r.Scan(&z.ID, &z.Name, &coords, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(coords), &z.Coordinates); err != nil {
		return nil, fmt.Errorf("zone %d coordinates: %w", z.ID, err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("zone %d created_at: %w", z.ID, err)
	}
	z.CreatedAt = t
	return &z, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
