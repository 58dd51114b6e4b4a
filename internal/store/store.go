// Package store persists TV and group records in SQLite and exposes the
// lookups the socket server consults on connect, disconnect and group pushes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned when a TV or group record does not exist.
var ErrNotFound = errors.New("not found")

// Tv is a display device record.
type Tv struct {
	ID       string
	Name     string
	IsOnline bool
	SocketID *string // correlation id of the connection that marked it online
	LastSeen *time.Time
}

// Group is a named set of TVs.
type Group struct {
	ID   string
	Name string
}

// Store wraps the SQLite database.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

// Connection settings applied by the driver to every pooled connection.
// foreign_keys and busy_timeout are per connection in SQLite.
var pragmas = []string{
	"journal_mode(WAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

// dsn builds the modernc.org/sqlite connection string for path.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every pooled connection to ":memory:" would get its own database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
	}, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tvs (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		is_online  INTEGER NOT NULL DEFAULT 0,
		socket_id  TEXT,
		last_seen  DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tv_groups (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL,
		tv_id    TEXT NOT NULL,
		PRIMARY KEY (group_id, tv_id),
		FOREIGN KEY (group_id) REFERENCES tv_groups(id) ON DELETE CASCADE,
		FOREIGN KEY (tv_id) REFERENCES tvs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_group_members_tv ON group_members(tv_id);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetTvByID returns the TV record, or ErrNotFound.
func (s *Store) GetTvByID(ctx context.Context, id string) (*Tv, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_online, socket_id, last_seen
		FROM tvs WHERE id = ?
	`, id)

	tv, err := scanTv(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tv %s: %w", id, err)
	}
	return tv, nil
}

// SetTvOnlineStatus records the online flag and the socket correlation id.
// Going offline clears the correlation id. Returns ErrNotFound when no such
// TV exists.
func (s *Store) SetTvOnlineStatus(ctx context.Context, id string, online bool, socketID *string) error {
	if !online {
		socketID = nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tvs SET
			is_online = ?,
			socket_id = ?,
			last_seen = datetime('now')
		WHERE id = ?
	`, online, socketID, id)
	if err != nil {
		return fmt.Errorf("set online status for %s: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set online status for %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTvOffline clears the online flag only if the TV is still held by the
// connection identified by socketID ("" matches a TV with no correlation id).
// It reports false, without error, when the TV is unknown or a newer
// connection has since marked it online.
func (s *Store) MarkTvOffline(ctx context.Context, id, socketID string) (bool, error) {
	var owner any
	if socketID != "" {
		owner = socketID
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tvs SET
			is_online = 0,
			socket_id = NULL,
			last_seen = datetime('now')
		WHERE id = ? AND socket_id IS ?
	`, id, owner)
	if err != nil {
		return false, fmt.Errorf("mark %s offline: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark %s offline: %w", id, err)
	}
	return n > 0, nil
}

// GetTvsByGroupID returns the members of a group. An unknown or empty group
// yields an empty slice.
func (s *Store) GetTvsByGroupID(ctx context.Context, groupID string) ([]Tv, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.is_online, t.socket_id, t.last_seen
		FROM tvs t
		JOIN group_members m ON m.tv_id = t.id
		WHERE m.group_id = ?
		ORDER BY t.id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group %s: %w", groupID, err)
	}
	defer func() { _ = rows.Close() }()

	return scanTvs(rows)
}

// ListTvs returns every TV ordered by id.
func (s *Store) ListTvs(ctx context.Context) ([]Tv, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, is_online, socket_id, last_seen
		FROM tvs ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tvs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanTvs(rows)
}

// UpsertTv creates a TV or renames an existing one. Online state is left as is.
func (s *Store) UpsertTv(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tvs (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, id, name)
	if err != nil {
		return fmt.Errorf("upsert tv %s: %w", id, err)
	}
	return nil
}

// DeleteTv removes a TV and its group memberships.
func (s *Store) DeleteTv(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tvs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tv %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertGroup creates a group or renames an existing one.
func (s *Store) UpsertGroup(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tv_groups (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, id, name)
	if err != nil {
		return fmt.Errorf("upsert group %s: %w", id, err)
	}
	return nil
}

// ListGroups returns every group ordered by id.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM tv_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	groups := []Group{}
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// AddTvToGroup adds a membership. Adding an existing membership is a no-op.
func (s *Store) AddTvToGroup(ctx context.Context, groupID, tvID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO group_members (group_id, tv_id) VALUES (?, ?)
	`, groupID, tvID)
	if err != nil {
		return fmt.Errorf("add %s to group %s: %w", tvID, groupID, err)
	}
	return nil
}

// RemoveTvFromGroup deletes a membership.
func (s *Store) RemoveTvFromGroup(ctx context.Context, groupID, tvID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM group_members WHERE group_id = ? AND tv_id = ?
	`, groupID, tvID)
	if err != nil {
		return fmt.Errorf("remove %s from group %s: %w", tvID, groupID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllOffline clears every online flag. Run on socket-server startup: no
// connection can outlive the process that accepted it.
func (s *Store) MarkAllOffline(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tvs SET is_online = 0, socket_id = NULL WHERE is_online = 1
	`)
	if err != nil {
		return 0, fmt.Errorf("mark tvs offline: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("marked tvs offline on startup (will reconnect)")
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTv(row scanner) (*Tv, error) {
	var (
		tv       Tv
		socketID sql.NullString
		lastSeen sql.NullString
	)
	if err := row.Scan(&tv.ID, &tv.Name, &tv.IsOnline, &socketID, &lastSeen); err != nil {
		return nil, err
	}
	if socketID.Valid {
		tv.SocketID = &socketID.String
	}
	if lastSeen.Valid {
		if t, ok := parseTimestamp(lastSeen.String); ok {
			tv.LastSeen = &t
		}
	}
	return &tv, nil
}

// parseTimestamp accepts both SQLite's datetime('now') text and the RFC 3339
// form the driver produces when it already decoded the column.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func scanTvs(rows *sql.Rows) ([]Tv, error) {
	tvs := []Tv{}
	for rows.Next() {
		tv, err := scanTv(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tv: %w", err)
		}
		tvs = append(tvs, *tv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tvs: %w", err)
	}
	return tvs, nil
}
