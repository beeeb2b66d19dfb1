package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jeriewang/crh-botnet/botnet"
)

// PostgresStore backs the relay with PostgreSQL. Row-level locking inside a
// transaction per mutating operation provides the per-ID serialization the
// Store contract requires without a global lock.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and initializes the schema.
func NewPostgresStore(ctx context.Context, databaseURL string, sessionTTL time.Duration) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool, ttl: sessionTTL}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS robots (
			id BIGINT PRIMARY KEY,
			token TEXT UNIQUE NOT NULL,
			last_seen DOUBLE PRECISION NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			sender BIGINT NOT NULL,
			recipient BIGINT NOT NULL,
			content TEXT,
			time_created DOUBLE PRECISION NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Connect registers a session for robotID, evicting a stale prior session
// for the same ID first. The candidate row is locked for the duration of
// the transaction so two racing connects for one ID cannot both succeed.
func (s *PostgresStore) Connect(ctx context.Context, robotID int, token string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := unixNow()
	if _, err := tx.Exec(ctx,
		`DELETE FROM robots WHERE id = $1 AND last_seen < $2`,
		robotID, now-s.ttl.Seconds(),
	); err != nil {
		return err
	}

	var existing int
	err = tx.QueryRow(ctx,
		`SELECT id FROM robots WHERE id = $1 FOR UPDATE`, robotID,
	).Scan(&existing)
	if err == nil {
		return ErrIDTaken
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO robots (id, token, last_seen) VALUES ($1, $2, $3)`,
		robotID, token, now,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RobotForToken resolves a bearer token to its robot ID.
func (s *PostgresStore) RobotForToken(ctx context.Context, token string) (int, bool, error) {
	var id int
	err := s.pool.QueryRow(ctx, `SELECT id FROM robots WHERE token = $1`, token).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Disconnect removes the session for robotID.
func (s *PostgresStore) Disconnect(ctx context.Context, robotID int) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM robots WHERE id = $1`, robotID)
	return err
}

// Members returns the IDs of all registered robots.
func (s *PostgresStore) Members(ctx context.Context) ([]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM robots ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

// Enqueue stores one entry for the message's declared recipient.
func (s *PostgresStore) Enqueue(ctx context.Context, m *botnet.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (sender, recipient, content, time_created) VALUES ($1, $2, $3, $4)`,
		m.Sender, m.Recipient, m.Content, m.TimeCreated,
	)
	return err
}

// EnqueueBroadcast snapshots the membership and inserts one entry per
// member other than the sender.
func (s *PostgresStore) EnqueueBroadcast(ctx context.Context, sender int, m *botnet.Message) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO messages (sender, recipient, content, time_created)
		SELECT $1, id, $2, $3 FROM robots WHERE id <> $1
	`, sender, m.Content, m.TimeCreated)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Drain fetches and removes every entry addressed to robotID, refreshes the
// session's last-seen timestamp, and returns the batch plus the membership.
// DELETE ... RETURNING makes fetch-and-remove a single atomic statement.
func (s *PostgresStore) Drain(ctx context.Context, robotID int) ([]botnet.Message, []int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		DELETE FROM messages WHERE recipient = $1
		RETURNING sender, recipient, content, time_created
	`, robotID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE robots SET last_seen = $1 WHERE id = $2`, unixNow(), robotID,
	); err != nil {
		return nil, nil, err
	}

	memberRows, err := tx.Query(ctx, `SELECT id FROM robots ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}
	members, err := collectIDs(memberRows)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return msgs, members, nil
}

// CountSessions returns the number of registered robots.
func (s *PostgresStore) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM robots`).Scan(&count)
	return count, err
}

// CountQueued returns the number of undelivered queue entries.
func (s *PostgresStore) CountQueued(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func collectIDs(rows pgx.Rows) ([]int, error) {
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

func collectMessages(rows pgx.Rows) ([]botnet.Message, error) {
	defer rows.Close()
	var msgs []botnet.Message
	for rows.Next() {
		var (
			sender, recipient int
			content           *string
			created           float64
		)
		if err := rows.Scan(&sender, &recipient, &content, &created); err != nil {
			return nil, err
		}
		body := ""
		if content != nil {
			body = *content
		}
		msgs = append(msgs, *botnet.Restore(body, sender, recipient, created))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

var _ Store = (*PostgresStore)(nil)
