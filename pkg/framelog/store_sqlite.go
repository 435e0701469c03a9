package framelog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// SQLiteDSNForFile builds a DSN for a file-backed frame log.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite frame log: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite frame log: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite frame log: open")
	}
	// One writer keeps seq assignment and in-memory databases consistent.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS frames (
		  session_id TEXT NOT NULL,
		  seq INTEGER NOT NULL,
		  direction TEXT NOT NULL,
		  payload TEXT NOT NULL,
		  at_ms INTEGER NOT NULL,
		  PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS frames_by_time
		  ON frames(at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite frame log: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, r Record) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, errors.New("sqlite frame log: db is nil")
	}
	r, err := normalizeRecord(r)
	if err != nil {
		return Record{}, errors.Wrap(err, "sqlite frame log")
	}
	if r.AtMs == 0 {
		r.AtMs = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, errors.Wrap(err, "sqlite frame log: begin")
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM frames WHERE session_id = ?`, r.SessionID,
	).Scan(&r.Seq); err != nil {
		return Record{}, errors.Wrap(err, "sqlite frame log: next seq")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO frames (session_id, seq, direction, payload, at_ms)
		VALUES (?, ?, ?, ?, ?)
	`, r.SessionID, r.Seq, r.Direction, r.Payload, r.AtMs); err != nil {
		return Record{}, errors.Wrap(err, "sqlite frame log: insert")
	}
	if err := tx.Commit(); err != nil {
		return Record{}, errors.Wrap(err, "sqlite frame log: commit")
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite frame log: db is nil")
	}
	q, err := normalizeQuery(q)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite frame log")
	}

	clauses := []string{"session_id = ?", "seq > ?"}
	args := []any{q.SessionID, q.AfterSeq}
	if q.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, q.Direction)
	}
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT session_id, seq, direction, payload, at_ms
		FROM frames
		WHERE %s
		ORDER BY seq ASC
		LIMIT ?
	`, strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite frame log: query")
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.SessionID, &r.Seq, &r.Direction, &r.Payload, &r.AtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite frame log: scan")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite frame log: rows")
	}
	return out, nil
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]SessionSummary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite frame log: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MIN(at_ms), MAX(at_ms)
		FROM frames
		GROUP BY session_id
		ORDER BY MAX(at_ms) DESC, session_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite frame log: query sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		if err := rows.Scan(&ss.SessionID, &ss.Frames, &ss.FirstAtMs, &ss.LastAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite frame log: scan session")
		}
		out = append(out, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite frame log: rows")
	}
	return out, nil
}
