// Package store provides the durable, indexed event store backed by SQLite.
// The fingerprint uniqueness constraint lives here, at the storage layer, so
// concurrent duplicate submissions race in the database and exactly one
// writer wins without any application-level locking.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/lvonguyen/honeytrail/internal/event"
)

// Common errors.
var (
	// ErrDuplicateFingerprint is returned when an insert loses the
	// uniqueness race: an event with the same fingerprint already exists.
	ErrDuplicateFingerprint = errors.New("event with identical fingerprint already stored")
)

// timeLayout is SQLite's native datetime text format. Keeping created_at in
// this layout lets the analytics queries compare against datetime('now', ...)
// directly.
const timeLayout = "2006-01-02 15:04:05"

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	source_ip TEXT NOT NULL,
	geo_country TEXT,
	geo_city TEXT,
	geo_region TEXT,
	geo_latitude REAL,
	geo_longitude REAL,
	geo_timezone TEXT,
	geo_isp TEXT,
	geo_org TEXT,
	protocol TEXT NOT NULL,
	target_service TEXT NOT NULL,
	action TEXT NOT NULL,
	target_file TEXT,
	headers TEXT,
	payload TEXT,
	session_id TEXT NOT NULL,
	user_agent TEXT,
	fingerprint TEXT UNIQUE NOT NULL,
	risk_score REAL,
	risk_level TEXT,
	is_anomaly INTEGER DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_source_ip ON events(source_ip);
CREATE INDEX IF NOT EXISTS idx_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_action ON events(action);
CREATE INDEX IF NOT EXISTS idx_target_service ON events(target_service);
CREATE INDEX IF NOT EXISTS idx_risk_score ON events(risk_score);
CREATE INDEX IF NOT EXISTS idx_is_anomaly ON events(is_anomaly);
`

// Store is the event store handle. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// initializes the schema. WAL mode and a busy timeout keep concurrent
// request handlers from tripping over the single-writer lock.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	logger.Info("event store ready", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies store reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert stores a fully enriched event and returns its assigned sequence
// number. A uniqueness-constraint violation on the fingerprint maps to
// ErrDuplicateFingerprint; any other failure is an infrastructure fault.
// Events are never updated or deleted after this point.
func (s *Store) Insert(ctx context.Context, ev *event.Event) (int64, error) {
	createdAt := time.Now().UTC().Format(timeLayout)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			timestamp, source_ip, geo_country, geo_city, geo_region,
			geo_latitude, geo_longitude, geo_timezone, geo_isp, geo_org,
			protocol, target_service, action, target_file, headers,
			payload, session_id, user_agent, fingerprint,
			risk_score, risk_level, is_anomaly, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp, ev.SourceIP, nullString(ev.GeoCountry), nullString(ev.GeoCity), nullString(ev.GeoRegion),
		ev.GeoLatitude, ev.GeoLongitude, nullString(ev.GeoTimezone), nullString(ev.GeoISP), nullString(ev.GeoOrg),
		ev.Protocol, ev.TargetService, ev.Action, nullString(ev.TargetFile), blobText(ev.Headers),
		blobText(ev.Payload), ev.SessionID, nullString(ev.UserAgent), ev.Fingerprint,
		ev.RiskScore, nullString(ev.RiskLevel), boolInt(ev.IsAnomaly), createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateFingerprint
		}
		return 0, fmt.Errorf("inserting event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading assigned sequence number: %w", err)
	}

	ev.ID = id
	ev.CreatedAt = createdAt
	return id, nil
}

// Filter restricts a Query. Zero values mean "no constraint"; Limit defaults
// to 100.
type Filter struct {
	SourceIP      string
	Action        string
	TargetService string
	Limit         int
	Offset        int
}

// Query returns events matching the filter in descending insertion order.
func (s *Store) Query(ctx context.Context, f Filter) ([]event.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	query := "SELECT " + eventColumns + " FROM events WHERE 1=1"
	var args []any

	if f.SourceIP != "" {
		query += " AND source_ip = ?"
		args = append(args, f.SourceIP)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.TargetService != "" {
		query += " AND target_service = ?"
		args = append(args, f.TargetService)
	}

	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	return s.queryEvents(ctx, query, args...)
}

// After returns up to limit events with id greater than lastID, in ascending
// id order. This is the live feed's polling primitive: inserts are visible
// here immediately after Insert returns.
func (s *Store) After(ctx context.Context, lastID int64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEvents(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id > ? ORDER BY id ASC LIMIT ?",
		lastID, limit)
}

// Count returns the total number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

const eventColumns = `id, timestamp, source_ip, geo_country, geo_city, geo_region,
	geo_latitude, geo_longitude, geo_timezone, geo_isp, geo_org,
	protocol, target_service, action, target_file, headers, payload,
	session_id, user_agent, fingerprint, risk_score, risk_level, is_anomaly, created_at`

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (event.Event, error) {
	var (
		ev                                      event.Event
		country, city, region, tz, isp, org     sql.NullString
		lat, lon, score                         sql.NullFloat64
		targetFile, headers, payload, ua, level sql.NullString
		anomaly                                 int
	)

	err := rows.Scan(
		&ev.ID, &ev.Timestamp, &ev.SourceIP, &country, &city, &region,
		&lat, &lon, &tz, &isp, &org,
		&ev.Protocol, &ev.TargetService, &ev.Action, &targetFile, &headers, &payload,
		&ev.SessionID, &ua, &ev.Fingerprint, &score, &level, &anomaly, &ev.CreatedAt,
	)
	if err != nil {
		return event.Event{}, fmt.Errorf("scanning event row: %w", err)
	}

	ev.GeoCountry = country.String
	ev.GeoCity = city.String
	ev.GeoRegion = region.String
	ev.GeoTimezone = tz.String
	ev.GeoISP = isp.String
	ev.GeoOrg = org.String
	if lat.Valid {
		v := lat.Float64
		ev.GeoLatitude = &v
	}
	if lon.Valid {
		v := lon.Float64
		ev.GeoLongitude = &v
	}
	ev.TargetFile = targetFile.String
	if headers.Valid && headers.String != "" {
		ev.Headers = []byte(headers.String)
	}
	if payload.Valid && payload.String != "" {
		ev.Payload = []byte(payload.String)
	}
	ev.UserAgent = ua.String
	if score.Valid {
		v := score.Float64
		ev.RiskScore = &v
	}
	ev.RiskLevel = level.String
	ev.IsAnomaly = anomaly != 0
	return ev, nil
}

// isUniqueViolation detects a fingerprint uniqueness-constraint failure.
// The driver surfaces SQLITE_CONSTRAINT_UNIQUE in the error text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: events.fingerprint")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func blobText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
