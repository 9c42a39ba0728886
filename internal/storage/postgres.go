package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"sensmed/internal/config"
	"sensmed/internal/models"
)

// Schema creates the tables used by the Postgres store. Alerts carry no
// foreign key so that they outlive the device they were raised for.
const Schema = `
CREATE TABLE IF NOT EXISTS devices (
	id          BIGSERIAL PRIMARY KEY,
	device_id   TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'inactive',
	patient     TEXT NOT NULL DEFAULT '',
	room        TEXT NOT NULL DEFAULT '',
	mqtt_topic  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sensor_settings (
	id             BIGSERIAL PRIMARY KEY,
	device_id      BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
	sensor_type    TEXT NOT NULL,
	min_threshold  DOUBLE PRECISION,
	max_threshold  DOUBLE PRECISION,
	unit           TEXT NOT NULL DEFAULT '',
	alarm_enabled  BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (device_id, sensor_type)
);

CREATE TABLE IF NOT EXISTS alerts (
	id           BIGSERIAL PRIMARY KEY,
	device_id    BIGINT NOT NULL,
	sensor_type  TEXT NOT NULL,
	level        TEXT NOT NULL,
	message      TEXT NOT NULL,
	value        DOUBLE PRECISION NOT NULL,
	threshold    DOUBLE PRECISION NOT NULL,
	resolved     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS alerts_newest_idx ON alerts (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS alerts_device_idx ON alerts (device_id, resolved);
`

// SQLSTATE codes
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const (
	deviceColumns  = `id, device_id, name, status, patient, room, mqtt_topic, created_at, updated_at`
	settingColumns = `id, device_id, sensor_type, min_threshold, max_threshold, unit, alarm_enabled, created_at, updated_at`
	alertColumns   = `id, device_id, sensor_type, level, message, value, threshold, resolved, created_at, resolved_at`
)

// prev carries the state before the update so the caller can tell a first
// resolution from a repeated one.
const resolveAlert = `
UPDATE alerts AS a SET resolved = TRUE, resolved_at = now()
FROM (SELECT id, resolved FROM alerts WHERE id = $1 FOR UPDATE) AS prev
WHERE a.id = prev.id
RETURNING a.id, a.device_id, a.sensor_type, a.level, a.message, a.value, a.threshold,
	a.resolved, a.created_at, a.resolved_at, NOT prev.resolved`

const insertDefaultSetting = `
INSERT INTO sensor_settings (device_id, sensor_type, min_threshold, max_threshold, unit, alarm_enabled)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (device_id, sensor_type) DO NOTHING`

// Postgres is a Store backed by PostgreSQL through lib/pq
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to the configured database and applies the schema
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := NewPostgres(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgres wraps an open database handle
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies Schema
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	err := row.Scan(&d.ID, &d.ExternalID, &d.Name, &d.Status, &d.Patient, &d.Room,
		&d.MQTTTopic, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanSetting(row rowScanner) (*models.ThresholdSetting, error) {
	var (
		s        models.ThresholdSetting
		sensor   string
		min, max sql.NullFloat64
	)
	err := row.Scan(&s.ID, &s.DeviceID, &sensor, &min, &max, &s.Unit, &s.AlarmEnabled,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.SensorType = models.SensorType(sensor)
	if min.Valid {
		s.MinThreshold = models.Float(min.Float64)
	}
	if max.Valid {
		s.MaxThreshold = models.Float(max.Float64)
	}
	return &s, nil
}

// scanAlert reads alertColumns followed by any extra destinations
func scanAlert(row rowScanner, extra ...any) (*models.Alert, error) {
	var (
		a          models.Alert
		sensor     string
		level      string
		resolvedAt sql.NullTime
	)
	dest := append([]any{&a.ID, &a.DeviceID, &sensor, &level, &a.Message, &a.Value, &a.Threshold,
		&a.Resolved, &a.CreatedAt, &resolvedAt}, extra...)
	err := row.Scan(dest...)
	if err != nil {
		return nil, err
	}
	a.SensorType = models.SensorType(sensor)
	a.Level = models.AlertLevel(level)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// CreateDevice inserts the device and its defaults in one transaction
func (p *Postgres) CreateDevice(ctx context.Context, in models.DeviceInsert) (*models.Device, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
INSERT INTO devices (device_id, name, status, patient, room, mqtt_topic)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+deviceColumns,
		in.ExternalID, in.Name, in.Status, in.Patient, in.Room, in.MQTTTopic)

	device, err := scanDevice(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, in.ExternalID)
		}
		return nil, fmt.Errorf("failed to insert device: %w", err)
	}

	if err := insertDefaults(ctx, tx, device.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit device: %w", err)
	}
	return device, nil
}

func insertDefaults(ctx context.Context, tx *sql.Tx, deviceID int64) error {
	for _, s := range models.DefaultSettings(deviceID) {
		_, err := tx.ExecContext(ctx, insertDefaultSetting,
			deviceID, string(s.SensorType), nullable(s.MinThreshold), nullable(s.MaxThreshold),
			s.Unit, s.AlarmEnabled)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
				return fmt.Errorf("device %d: %w", deviceID, ErrNotFound)
			}
			return fmt.Errorf("failed to insert default %s setting: %w", s.SensorType, err)
		}
	}
	return nil
}

// GetDevice implements Registry
func (p *Postgres) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("device %d", id))
	}
	return d, nil
}

// GetDeviceByExternalID implements Registry
func (p *Postgres) GetDeviceByExternalID(ctx context.Context, externalID string) (*models.Device, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, externalID)
	d, err := scanDevice(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("device %q", externalID))
	}
	return d, nil
}

// ListDevices implements Registry
func (p *Postgres) ListDevices(ctx context.Context) ([]*models.Device, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]*models.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateDevice implements Registry
func (p *Postgres) UpdateDevice(ctx context.Context, id int64, update models.DeviceUpdate) (*models.Device, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1 FOR UPDATE`, id)
	d, err := scanDevice(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("device %d", id))
	}
	update.Apply(d)

	row = tx.QueryRowContext(ctx, `
UPDATE devices SET name = $2, status = $3, patient = $4, room = $5, mqtt_topic = $6, updated_at = now()
WHERE id = $1
RETURNING `+deviceColumns,
		id, d.Name, d.Status, d.Patient, d.Room, d.MQTTTopic)
	if d, err = scanDevice(row); err != nil {
		return nil, fmt.Errorf("failed to update device %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit device %d: %w", id, err)
	}
	return d, nil
}

// DeleteDevice implements Registry. Settings go with the device through
// ON DELETE CASCADE.
func (p *Postgres) DeleteDevice(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete device %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetSettings implements Registry
func (p *Postgres) GetSettings(ctx context.Context, deviceID int64) ([]*models.ThresholdSetting, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+settingColumns+` FROM sensor_settings WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	settings := make([]*models.ThresholdSetting, 0, len(models.SensorTypes))
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// insertion sort by sensor rank; at most three rows
	for i := 1; i < len(settings); i++ {
		for j := i; j > 0 && settings[j].SensorType.Rank() < settings[j-1].SensorType.Rank(); j-- {
			settings[j], settings[j-1] = settings[j-1], settings[j]
		}
	}
	return settings, nil
}

// GetSetting implements Registry
func (p *Postgres) GetSetting(ctx context.Context, deviceID int64, sensor models.SensorType) (*models.ThresholdSetting, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+settingColumns+` FROM sensor_settings WHERE device_id = $1 AND sensor_type = $2`,
		deviceID, string(sensor))
	s, err := scanSetting(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("setting %d/%s", deviceID, sensor))
	}
	return s, nil
}

// UpsertDefaultSettings implements Registry
func (p *Postgres) UpsertDefaultSettings(ctx context.Context, deviceID int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertDefaults(ctx, tx, deviceID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit defaults: %w", err)
	}
	return nil
}

// UpdateSetting implements Registry
func (p *Postgres) UpdateSetting(ctx context.Context, id int64, update models.SettingUpdate) (*models.ThresholdSetting, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+settingColumns+` FROM sensor_settings WHERE id = $1 FOR UPDATE`, id)
	s, err := scanSetting(row)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("setting %d", id))
	}
	update.Apply(s, time.Now().UTC())

	row = tx.QueryRowContext(ctx, `
UPDATE sensor_settings SET min_threshold = $2, max_threshold = $3, unit = $4, alarm_enabled = $5, updated_at = now()
WHERE id = $1
RETURNING `+settingColumns,
		id, nullable(s.MinThreshold), nullable(s.MaxThreshold), s.Unit, s.AlarmEnabled)
	if s, err = scanSetting(row); err != nil {
		return nil, fmt.Errorf("failed to update setting %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit setting %d: %w", id, err)
	}
	return s, nil
}

// CreateAlert implements AlertStore
func (p *Postgres) CreateAlert(ctx context.Context, in models.AlertInsert) (*models.Alert, error) {
	row := p.db.QueryRowContext(ctx, `
INSERT INTO alerts (device_id, sensor_type, level, message, value, threshold)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING `+alertColumns,
		in.DeviceID, string(in.SensorType), string(in.Level), in.Message, in.Value, in.Threshold)
	a, err := scanAlert(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert alert: %w", err)
	}
	return a, nil
}

// ResolveAlert implements AlertStore
func (p *Postgres) ResolveAlert(ctx context.Context, id int64) (*models.Alert, bool, error) {
	var wasOpen bool
	a, err := scanAlert(p.db.QueryRowContext(ctx, resolveAlert, id), &wasOpen)
	if err != nil {
		return nil, false, notFound(err, fmt.Sprintf("alert %d", id))
	}
	return a, wasOpen, nil
}

// GetAlerts implements AlertStore
func (p *Postgres) GetAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	var (
		where []string
		args  []any
	)
	if filter.Resolved != nil {
		args = append(args, *filter.Resolved)
		where = append(where, fmt.Sprintf("resolved = $%d", len(args)))
	}
	if filter.DeviceID != nil {
		args = append(args, *filter.DeviceID)
		where = append(where, fmt.Sprintf("device_id = $%d", len(args)))
	}

	q := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*models.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Ping implements Store
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close implements Store
func (p *Postgres) Close() error {
	return p.db.Close()
}
