// Package sqlite implements the household store on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  pin_hash TEXT NOT NULL,
  avatar TEXT NOT NULL DEFAULT '',
  tv_balance INTEGER NOT NULL,
  tv_weekly INTEGER NOT NULL,
  tv_max INTEGER NOT NULL,
  console_balance INTEGER NOT NULL,
  console_weekly INTEGER NOT NULL,
  console_max INTEGER NOT NULL,
  weekday_windows TEXT NOT NULL,
  weekend_windows TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS devices (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  category TEXT NOT NULL,
  control_method TEXT NOT NULL,
  identifier TEXT NOT NULL DEFAULT '',
  config TEXT NOT NULL,
  active INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  identity_id TEXT NOT NULL,
  category TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  ends_at INTEGER NOT NULL,
  coins_used INTEGER NOT NULL,
  status TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active ON sessions(identity_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS sessions_ends_at ON sessions(status, ends_at);
CREATE TABLE IF NOT EXISTS ledger (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  identity_id TEXT NOT NULL,
  category TEXT NOT NULL,
  delta INTEGER NOT NULL,
  reason TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_identity ON ledger(identity_id, seq);
`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements repositories.Store on SQLite.
type Store struct {
	*repo
	db     *sql.DB
	logger *zap.Logger
}

var _ repositories.Store = (*Store)(nil)

// Open opens (and if needed creates) the database at path. ":memory:"
// opens a private in-memory database.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("SQLite store opened", zap.String("path", path))
	return &Store{repo: &repo{q: db}, db: db, logger: logger}, nil
}

// WithinTx implements repositories.Store
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repo repositories.Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(ctx, &repo{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close implements repositories.Store
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

type repo struct {
	q querier
}

func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entities.ErrNotFound
	}
	return nil
}

const identityColumns = `id, name, pin_hash, avatar, tv_balance, tv_weekly, tv_max,
  console_balance, console_weekly, console_max, weekday_windows, weekend_windows, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*entities.Identity, error) {
	var (
		identity           entities.Identity
		weekday, weekend   string
		createdAt, updated int64
	)
	err := row.Scan(&identity.ID, &identity.Name, &identity.PINHash, &identity.Avatar,
		&identity.TV.Balance, &identity.TV.Weekly, &identity.TV.Max,
		&identity.Console.Balance, &identity.Console.Weekly, &identity.Console.Max,
		&weekday, &weekend, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(weekday), &identity.WeekdayWindows); err != nil {
		return nil, fmt.Errorf("failed to decode weekday windows: %w", err)
	}
	if err := json.Unmarshal([]byte(weekend), &identity.WeekendWindows); err != nil {
		return nil, fmt.Errorf("failed to decode weekend windows: %w", err)
	}
	identity.CreatedAt = fromUnix(createdAt)
	identity.UpdatedAt = fromUnix(updated)
	return &identity, nil
}

func encodeWindows(identity *entities.Identity) (string, string, error) {
	weekday, err := json.Marshal(nonNil(identity.WeekdayWindows))
	if err != nil {
		return "", "", err
	}
	weekend, err := json.Marshal(nonNil(identity.WeekendWindows))
	if err != nil {
		return "", "", err
	}
	return string(weekday), string(weekend), nil
}

func nonNil(in []entities.Interval) []entities.Interval {
	if in == nil {
		return []entities.Interval{}
	}
	return in
}

func (r *repo) CreateIdentity(ctx context.Context, identity *entities.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	now := time.Now()
	identity.CreatedAt = now
	identity.UpdatedAt = now

	weekday, weekend, err := encodeWindows(identity)
	if err != nil {
		return fmt.Errorf("failed to encode windows: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO identities (`+identityColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		identity.ID, identity.Name, identity.PINHash, identity.Avatar,
		identity.TV.Balance, identity.TV.Weekly, identity.TV.Max,
		identity.Console.Balance, identity.Console.Weekly, identity.Console.Max,
		weekday, weekend, toUnix(now), toUnix(now))
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

func (r *repo) GetIdentity(ctx context.Context, id string) (*entities.Identity, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	identity, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entities.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return identity, nil
}

func (r *repo) ListIdentities(ctx context.Context) ([]*entities.Identity, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var result []*entities.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		result = append(result, identity)
	}
	return result, rows.Err()
}

func (r *repo) UpdateIdentity(ctx context.Context, identity *entities.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	identity.UpdatedAt = time.Now()
	weekday, weekend, err := encodeWindows(identity)
	if err != nil {
		return fmt.Errorf("failed to encode windows: %w", err)
	}
	err = expectOne(r.q.ExecContext(ctx, `UPDATE identities SET name = ?, pin_hash = ?, avatar = ?,
  tv_balance = ?, tv_weekly = ?, tv_max = ?, console_balance = ?, console_weekly = ?, console_max = ?,
  weekday_windows = ?, weekend_windows = ?, updated_at = ? WHERE id = ?`,
		identity.Name, identity.PINHash, identity.Avatar,
		identity.TV.Balance, identity.TV.Weekly, identity.TV.Max,
		identity.Console.Balance, identity.Console.Weekly, identity.Console.Max,
		weekday, weekend, toUnix(identity.UpdatedAt), identity.ID))
	if err != nil && !errors.Is(err, entities.ErrNotFound) {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	return err
}

func (r *repo) SetBalance(ctx context.Context, identityID string, category entities.Category, balance int) error {
	column := "tv_balance"
	if category == entities.CategoryConsole {
		column = "console_balance"
	}
	err := expectOne(r.q.ExecContext(ctx,
		`UPDATE identities SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		balance, toUnix(time.Now()), identityID))
	if err != nil && !errors.Is(err, entities.ErrNotFound) {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	return err
}

func (r *repo) DeleteIdentity(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM sessions WHERE identity_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, `DELETE FROM ledger WHERE identity_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete ledger: %w", err)
	}
	err := expectOne(r.q.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id))
	if err != nil && !errors.Is(err, entities.ErrNotFound) {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	return err
}

const deviceColumns = `id, name, category, control_method, identifier, config, active, created_at, updated_at`

func scanDevice(row scanner) (*entities.Device, error) {
	var (
		device             entities.Device
		config             string
		createdAt, updated int64
	)
	err := row.Scan(&device.ID, &device.Name, &device.Category, &device.ControlMethod,
		&device.Identifier, &config, &device.Active, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(config), &device.Config); err != nil {
		return nil, fmt.Errorf("failed to decode device config: %w", err)
	}
	device.CreatedAt = fromUnix(createdAt)
	device.UpdatedAt = fromUnix(updated)
	return &device, nil
}

func (r *repo) CreateDevice(ctx context.Context, device *entities.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now
	config, err := json.Marshal(device.Config)
	if err != nil {
		return fmt.Errorf("failed to encode device config: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ID, device.Name, string(device.Category), string(device.ControlMethod),
		device.Identifier, string(config), device.Active, toUnix(now), toUnix(now))
	if err != nil {
		return fmt.Errorf("failed to insert device: %w", err)
	}
	return nil
}

func (r *repo) GetDevice(ctx context.Context, id string) (*entities.Device, error) {
	device, err := scanDevice(r.q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entities.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

func (r *repo) queryDevices(ctx context.Context, query string, args ...any) ([]*entities.Device, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var result []*entities.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		result = append(result, device)
	}
	return result, rows.Err()
}

func (r *repo) ListDevices(ctx context.Context) ([]*entities.Device, error) {
	return r.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY category, name`)
}

func (r *repo) ActiveDevice(ctx context.Context, category entities.Category) (*entities.Device, error) {
	devices, err := r.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE active = 1 AND category = ? ORDER BY name LIMIT 1`,
		string(category))
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, entities.ErrNotFound
	}
	return devices[0], nil
}

func (r *repo) UpdateDevice(ctx context.Context, device *entities.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	device.UpdatedAt = time.Now()
	config, err := json.Marshal(device.Config)
	if err != nil {
		return fmt.Errorf("failed to encode device config: %w", err)
	}
	err = expectOne(r.q.ExecContext(ctx, `UPDATE devices SET name = ?, category = ?, control_method = ?,
  identifier = ?, config = ?, active = ?, updated_at = ? WHERE id = ?`,
		device.Name, string(device.Category), string(device.ControlMethod), device.Identifier,
		string(config), device.Active, toUnix(device.UpdatedAt), device.ID))
	if err != nil && !errors.Is(err, entities.ErrNotFound) {
		return fmt.Errorf("failed to update device: %w", err)
	}
	return err
}

func (r *repo) DeleteDevice(ctx context.Context, id string) error {
	err := expectOne(r.q.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id))
	if err != nil && !errors.Is(err, entities.ErrNotFound) {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return err
}

const sessionColumns = `id, identity_id, category, started_at, ends_at, coins_used, status`

func scanSession(row scanner) (*entities.Session, error) {
	var (
		session        entities.Session
		started, endAt int64
	)
	err := row.Scan(&session.ID, &session.IdentityID, &session.Category,
		&started, &endAt, &session.CoinsUsed, &session.Status)
	if err != nil {
		return nil, err
	}
	session.StartedAt = fromUnix(started)
	session.EndsAt = fromUnix(endAt)
	return &session, nil
}

func (r *repo) querySessions(ctx context.Context, query string, args ...any) ([]*entities.Session, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var result []*entities.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

func (r *repo) InsertSession(ctx context.Context, session *entities.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	_, err := r.q.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.IdentityID, string(session.Category),
		toUnix(session.StartedAt), toUnix(session.EndsAt), session.CoinsUsed, string(session.Status))
	if isUniqueViolation(err) && session.IsActive() {
		return entities.ErrActiveSessionExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *repo) GetSession(ctx context.Context, id string) (*entities.Session, error) {
	session, err := scanSession(r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entities.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (r *repo) ActiveSession(ctx context.Context, identityID string) (*entities.Session, error) {
	sessions, err := r.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE identity_id = ? AND status = 'active' LIMIT 1`, identityID)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return sessions[0], nil
}

func (r *repo) OverdueSessions(ctx context.Context, now time.Time) ([]*entities.Session, error) {
	return r.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' AND ends_at <= ? ORDER BY ends_at`,
		toUnix(now))
}

func (r *repo) RecentSessions(ctx context.Context, limit int) ([]*entities.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
}

func (r *repo) TransitionSession(ctx context.Context, id string, to entities.SessionStatus) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ? AND status = 'active'`, string(to), id)
	if err != nil {
		return false, fmt.Errorf("failed to transition session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to transition session: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := r.GetSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *repo) AppendLedger(ctx context.Context, entry *entities.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO ledger (id, identity_id, category, delta, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.IdentityID, string(entry.Category), entry.Delta, string(entry.Reason), toUnix(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (r *repo) ListLedger(ctx context.Context, identityID string, limit int) ([]*entities.LedgerEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, identity_id, category, delta, reason, created_at FROM ledger`
	args := []any{}
	if identityID != "" {
		query += ` WHERE identity_id = ?`
		args = append(args, identityID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer rows.Close()

	var result []*entities.LedgerEntry
	for rows.Next() {
		var (
			entry     entities.LedgerEntry
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.IdentityID, &entry.Category, &entry.Delta, &entry.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entry.CreatedAt = fromUnix(createdAt)
		result = append(result, &entry)
	}
	return result, rows.Err()
}
