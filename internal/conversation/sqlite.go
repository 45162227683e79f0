package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"groundedqa/internal/domain"
)

// SQLiteStore is a TranscriptStore backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create transcript directory %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open transcript database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL,
		question     TEXT NOT NULL,
		answer       TEXT NOT NULL,
		evidence_ids TEXT,
		at_unix_ns   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, turn domain.ConversationTurn) error {
	ids, err := json.Marshal(turn.EvidenceIDs)
	if err != nil {
		return err
	}
	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, question, answer, evidence_ids, at_unix_ns) VALUES (?, ?, ?, ?, ?)`,
		sessionID, turn.Question, turn.Answer, string(ids), turn.At.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) LoadTurns(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT question, answer, evidence_ids, at_unix_ns FROM (
			SELECT id, question, answer, evidence_ids, at_unix_ns FROM turns
			WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var (
			t   domain.ConversationTurn
			ids sql.NullString
			at  int64
		)
		if err := rows.Scan(&t.Question, &t.Answer, &ids, &at); err != nil {
			return nil, err
		}
		if ids.Valid && ids.String != "" {
			if err := json.Unmarshal([]byte(ids.String), &t.EvidenceIDs); err != nil {
				return nil, fmt.Errorf("turn evidence ids: %w", err)
			}
		}
		t.At = time.Unix(0, at)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
