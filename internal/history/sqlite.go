package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"rotaforge/engine/internal/logging"
)

// SQLiteStore keeps the same bounded ring in a SQLite database so history
// survives restarts. Rows beyond capacity are trimmed on every append.
type SQLiteStore struct {
	conn     *sql.DB
	capacity int
	logger   *slog.Logger
}

func OpenSQLite(path string, capacity int, logger *slog.Logger) (*SQLiteStore, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	store := &SQLiteStore{conn: conn, capacity: capacity, logger: logger.With("component", "history")}
	if err := store.initializeSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	store.logger.Info("history.opened", "path", path, "capacity", capacity)
	return store, nil
}

func (s *SQLiteStore) initializeSchema() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			requester_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			summary TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_requester ON history(requester_id, id);
	`)
	return err
}

func (s *SQLiteStore) Capacity() int {
	return s.capacity
}

func (s *SQLiteStore) Append(requesterID string, entry Entry) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(
		`INSERT INTO history (requester_id, timestamp, prompt, status, summary) VALUES (?, ?, ?, ?, ?)`,
		requesterID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.Prompt,
		string(entry.Status),
		entry.Summary,
	); err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM history
		WHERE requester_id = ? AND id NOT IN (
			SELECT id FROM history WHERE requester_id = ? ORDER BY id DESC LIMIT ?
		)`, requesterID, requesterID, s.capacity); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(requesterID string) ([]Entry, error) {
	rows, err := s.conn.Query(`
		SELECT timestamp, prompt, status, summary FROM (
			SELECT id, timestamp, prompt, status, summary FROM history
			WHERE requester_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, requesterID, s.capacity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			ts     string
			status string
			entry  Entry
		)
		if err := rows.Scan(&ts, &entry.Prompt, &status, &entry.Summary); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			s.logger.Warn("history.bad_timestamp", "value", ts, "error", err.Error())
		}
		entry.Timestamp = parsed
		entry.Status = Status(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
