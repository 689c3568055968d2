// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Keeps one row per thread and one row per message with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/carblau-chat/internal/conversation"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// newSQLiteStore opens the database at path, creating parent directories
// and the schema if needed.
func newSQLiteStore(path string, now func() time.Time, logger *slog.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		now:    now,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transcripts (
			thread_id TEXT PRIMARY KEY,
			message_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transcripts_updated
			ON transcripts(updated_at);

		CREATE TABLE IF NOT EXISTS transcript_messages (
			thread_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			PRIMARY KEY (thread_id, position),
			FOREIGN KEY (thread_id) REFERENCES transcripts(thread_id) ON DELETE CASCADE
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema. They are
// idempotent.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "transcripts",
			column: "preview",
			apply:  `ALTER TABLE transcripts ADD COLUMN preview TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "transcript_messages",
			column: "attachment",
			apply:  `ALTER TABLE transcript_messages ADD COLUMN attachment TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, threadID string, messages []conversation.Message) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transcripts (thread_id, message_count, preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			message_count = excluded.message_count,
			preview = excluded.preview,
			updated_at = excluded.updated_at
	`, threadID, len(messages), preview(messages), now, now)
	if err != nil {
		return fmt.Errorf("upserting transcript: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("clearing messages: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transcript_messages (thread_id, position, id, role, content, attachment)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range messages {
		var attachment sql.NullString
		if m.Attachment != nil {
			data, err := json.Marshal(m.Attachment)
			if err != nil {
				return fmt.Errorf("encoding attachment of %s: %w", m.ID, err)
			}
			attachment = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, threadID, i, m.ID, string(m.Role), m.Content, attachment); err != nil {
			return fmt.Errorf("inserting message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transcript: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*Transcript, error) {
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM transcripts WHERE thread_id = ?`, threadID,
	).Scan(&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, attachment
		FROM transcript_messages
		WHERE thread_id = ?
		ORDER BY position
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	t := &Transcript{
		ThreadID:  threadID,
		Messages:  []conversation.Message{},
		CreatedAt: time.Unix(0, created),
		UpdatedAt: time.Unix(0, updated),
	}
	for rows.Next() {
		var (
			m          conversation.Message
			role       string
			attachment sql.NullString
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &attachment); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = conversation.Role(role)
		if attachment.Valid {
			m.Attachment = &conversation.Attachment{}
			if err := json.Unmarshal([]byte(attachment.String), m.Attachment); err != nil {
				return nil, fmt.Errorf("decoding attachment of %s: %w", m.ID, err)
			}
		}
		t.Messages = append(t.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return t, nil
}

// ListThreads implements Store.
func (s *SQLiteStore) ListThreads(ctx context.Context, limit int) ([]ThreadSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, message_count, preview, updated_at
		FROM transcripts
		ORDER BY updated_at DESC, thread_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transcripts: %w", err)
	}
	defer rows.Close()

	var summaries []ThreadSummary
	for rows.Next() {
		var (
			sum     ThreadSummary
			updated int64
		)
		if err := rows.Scan(&sum.ThreadID, &sum.MessageCount, &sum.Preview, &updated); err != nil {
			return nil, fmt.Errorf("scanning transcript: %w", err)
		}
		sum.UpdatedAt = time.Unix(0, updated)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_messages WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transcripts WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("deleting transcript: %w", err)
	}
	return tx.Commit()
}
