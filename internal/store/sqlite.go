package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jeriewang/crh-botnet/botnet"
)

// SQLiteStore is the default relay store, backed by a single SQLite file.
// SQLite's single-writer discipline plus one transaction per mutating
// operation gives the per-ID serialization the Store contract requires.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSQLiteStore opens (and if needed creates) the relay database.
// If dbPath is empty, defaults to "./data/robots.sqlite3".
func NewSQLiteStore(ctx context.Context, dbPath string, sessionTTL time.Duration) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/robots.sqlite3"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db, ttl: sessionTTL}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS robots (
		id INTEGER PRIMARY KEY,
		token TEXT UNIQUE NOT NULL,
		last_seen REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender INTEGER NOT NULL,
		recipient INTEGER NOT NULL,
		content TEXT,
		time_created REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_robots_token ON robots(token);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Connect registers a session for robotID, evicting a stale prior session
// for the same ID first.
func (s *SQLiteStore) Connect(ctx context.Context, robotID int, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := unixNow()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM robots WHERE id = ? AND last_seen < ?`,
		robotID, now-s.ttl.Seconds(),
	); err != nil {
		return err
	}

	var existing int
	err = tx.QueryRowContext(ctx, `SELECT id FROM robots WHERE id = ?`, robotID).Scan(&existing)
	if err == nil {
		return ErrIDTaken
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO robots (id, token, last_seen) VALUES (?, ?, ?)`,
		robotID, token, now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// RobotForToken resolves a bearer token to its robot ID.
func (s *SQLiteStore) RobotForToken(ctx context.Context, token string) (int, bool, error) {
	var id int
	err := s.db.QueryRowContext(ctx, `SELECT id FROM robots WHERE token = ?`, token).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Disconnect removes the session for robotID.
func (s *SQLiteStore) Disconnect(ctx context.Context, robotID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM robots WHERE id = ?`, robotID)
	return err
}

// Members returns the IDs of all registered robots.
func (s *SQLiteStore) Members(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM robots ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Enqueue stores one entry for the message's declared recipient.
func (s *SQLiteStore) Enqueue(ctx context.Context, m *botnet.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender, recipient, content, time_created) VALUES (?, ?, ?, ?)`,
		m.Sender, m.Recipient, m.Content, m.TimeCreated,
	)
	return err
}

// EnqueueBroadcast snapshots the membership and inserts one entry per
// member other than the sender.
func (s *SQLiteStore) EnqueueBroadcast(ctx context.Context, sender int, m *botnet.Message) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM robots`)
	if err != nil {
		return 0, err
	}
	members, err := scanIDs(rows)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, id := range members {
		if id == sender {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (sender, recipient, content, time_created) VALUES (?, ?, ?, ?)`,
			sender, id, m.Content, m.TimeCreated,
		); err != nil {
			return 0, err
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// Drain fetches and removes every entry addressed to robotID, refreshes the
// session's last-seen timestamp, and returns the batch plus the membership.
// The whole operation is one transaction, so two concurrent polls for the
// same ID can never both see an entry.
func (s *SQLiteStore) Drain(ctx context.Context, robotID int) ([]botnet.Message, []int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT sender, recipient, content, time_created FROM messages WHERE recipient = ? ORDER BY id`,
		robotID,
	)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE recipient = ?`, robotID); err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE robots SET last_seen = ? WHERE id = ?`, unixNow(), robotID,
	); err != nil {
		return nil, nil, err
	}

	memberRows, err := tx.QueryContext(ctx, `SELECT id FROM robots ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}
	members, err := scanIDs(memberRows)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return msgs, members, nil
}

// CountSessions returns the number of registered robots.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM robots`).Scan(&count)
	return count, err
}

// CountQueued returns the number of undelivered queue entries.
func (s *SQLiteStore) CountQueued(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func scanIDs(rows *sql.Rows) ([]int, error) {
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]botnet.Message, error) {
	defer rows.Close()
	var msgs []botnet.Message
	for rows.Next() {
		var (
			sender, recipient int
			content           sql.NullString
			created           float64
		)
		if err := rows.Scan(&sender, &recipient, &content, &created); err != nil {
			return nil, err
		}
		msgs = append(msgs, *botnet.Restore(content.String, sender, recipient, created))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

var _ Store = (*SQLiteStore)(nil)
