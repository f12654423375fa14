package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore keeps each chat as one row holding the full JSON snapshot.
// Attachments still live on disk under the AttachmentStore.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// One writer; go-sqlite3 connections do not share a busy handler.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY,
        title TEXT NOT NULL,
        snapshot TEXT NOT NULL,
        updated_at INTEGER NOT NULL -- unix nanoseconds
    );

    CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats (updated_at DESC);
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, snapshot, updated_at FROM chats ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []ChatSummary{}
	for rows.Next() {
		var (
			id        string
			snapshot  string
			updatedAt int64
		)
		if err := rows.Scan(&id, &snapshot, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chat, err := unmarshalSnapshot([]byte(snapshot))
		if err != nil {
			slog.Warn("skipping unreadable chat", "chat_id", id, "error", err)
			continue
		}
		title := chat.Title
		if title == "" {
			title = "Untitled Chat"
		}
		chats = append(chats, ChatSummary{
			ID:    id,
			Title: title,
			MTime: float64(updatedAt) / 1e9,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}
	return chats, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*Chat, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, "SELECT snapshot FROM chats WHERE id = ?", id).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	chat, err := unmarshalSnapshot([]byte(snapshot))
	if err != nil {
		slog.Warn("treating malformed chat as missing", "chat_id", id, "error", err)
		return nil, ErrChatNotFound
	}
	chat.ID = id
	return chat, nil
}

func (s *SQLiteStore) Save(ctx context.Context, id string, chat *Chat) error {
	if !ValidChatID(id) {
		return fmt.Errorf("save chat %q: %w", id, ErrInvalidPath)
	}
	data, err := marshalSnapshot(chat)
	if err != nil {
		return err
	}

	stmt, err := s.db.PrepareContext(ctx, `
        INSERT INTO chats (id, title, snapshot, updated_at) VALUES (?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            title = excluded.title,
            snapshot = excluded.snapshot,
            updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare chat upsert: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, id, chat.Title, string(data), time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to execute chat upsert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrChatNotFound
	}
	return nil
}
