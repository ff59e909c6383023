package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session row does not exist.
var ErrNotFound = errors.New("not found")

// Store keeps an append-only record of agent sessions and their turns.
type Store struct {
	DB *sql.DB
}

// Turn is one recorded line of a conversation.
type Turn struct {
	Seq  int       `json:"seq"`
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is the summary row for one participant's conversation.
type Session struct {
	ID          string     `json:"id"`
	Room        string     `json:"room"`
	Participant string     `json:"participant"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (id TEXT PRIMARY KEY, room TEXT NOT NULL, participant TEXT NOT NULL, status TEXT NOT NULL, reason TEXT, created_at INTEGER NOT NULL, ended_at INTEGER);`,
		`CREATE TABLE IF NOT EXISTS turns (session_id TEXT NOT NULL, seq INTEGER NOT NULL, role TEXT NOT NULL, text TEXT NOT NULL, at INTEGER NOT NULL, PRIMARY KEY (session_id, seq));`,
		`CREATE INDEX IF NOT EXISTS sessions_room ON sessions(room);`,
	}
	for _, q := range stmts {
		if _, err := s.DB.Exec(q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// OpenSession inserts the session row in status "open".
func (s *Store) OpenSession(ctx context.Context, id, room, participant string, at time.Time) error {
	if id == "" {
		return errors.New("session id required")
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO sessions(id, room, participant, status, created_at) VALUES(?,?,?,?,?)`,
		id, room, participant, "open", at.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert session %s: %w", id, err)
	}
	return nil
}

// AppendTurn records turn seq. The (session, seq) key rejects rewrites of history.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, seq int, role, text string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO turns(session_id, seq, role, text, at) VALUES(?,?,?,?,?)`,
		sessionID, seq, role, text, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert turn %s/%d: %w", sessionID, seq, err)
	}
	return nil
}

// CloseSession marks the session closed with the reason it ended.
func (s *Store) CloseSession(ctx context.Context, id string, at time.Time, reason string) error {
	return s.UpdateSessionStatus(ctx, id, "closed", reason, at)
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status, reason string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET status = ?, reason = ?, ended_at = ? WHERE id = ?`,
		status, reason, at.UnixMilli(), sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// GetSession returns the summary row for id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var (
		out     Session
		reason  sql.NullString
		created int64
		ended   sql.NullInt64
	)
	row := s.DB.QueryRowContext(ctx, `SELECT id, room, participant, status, reason, created_at, ended_at FROM sessions WHERE id = ?`, id)
	if err := row.Scan(&out.ID, &out.Room, &out.Participant, &out.Status, &reason, &created, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return Session{}, err
	}
	out.Reason = reason.String
	out.CreatedAt = time.UnixMilli(created)
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		out.EndedAt = &t
	}
	return out, nil
}

// Transcript returns the turns of a session in the order they were appended.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT seq, role, text, at FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t  Turn
			at int64
		)
		if err := rows.Scan(&t.Seq, &t.Role, &t.Text, &at); err != nil {
			return nil, err
		}
		t.At = time.UnixMilli(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SessionsByRoom lists sessions for room, newest first.
func (s *Store) SessionsByRoom(ctx context.Context, room string) ([]Session, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM sessions WHERE room = ? ORDER BY created_at DESC`, room)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}
