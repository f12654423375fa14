package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var (
	// ErrChatNotFound is returned for absent, unreadable or malformed chats.
	ErrChatNotFound = errors.New("chat not found")
	// ErrInvalidPath is returned when a chat id or filename fails validation.
	ErrInvalidPath = errors.New("invalid path")
)

const historyFileName = "history.json"

var chatIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// ValidChatID reports whether id is safe to use as a directory name.
func ValidChatID(id string) bool {
	return chatIDPattern.MatchString(id)
}

// HistoryStore persists complete chat snapshots keyed by chat id.
type HistoryStore interface {
	List(ctx context.Context) ([]ChatSummary, error)
	Load(ctx context.Context, id string) (*Chat, error)
	Save(ctx context.Context, id string, chat *Chat) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// FileStore keeps one directory per chat containing history.json.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chats directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the directory holding all chats.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) historyPath(id string) string {
	return filepath.Join(s.root, id, historyFileName)
}

// List returns every readable chat, most recently modified first. Chats whose
// snapshot cannot be parsed are logged and skipped.
func (s *FileStore) List(ctx context.Context) ([]ChatSummary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read chats directory: %w", err)
	}

	chats := make([]ChatSummary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := s.historyPath(entry.Name())
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		chat, err := readSnapshot(path)
		if err != nil {
			slog.Warn("skipping unreadable chat", "chat_id", entry.Name(), "error", err)
			continue
		}
		title := chat.Title
		if title == "" {
			title = "Untitled Chat"
		}
		chats = append(chats, ChatSummary{
			ID:    entry.Name(),
			Title: title,
			MTime: float64(info.ModTime().UnixNano()) / 1e9,
		})
	}

	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].MTime > chats[j].MTime
	})
	return chats, nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*Chat, error) {
	if !ValidChatID(id) {
		return nil, ErrChatNotFound
	}
	chat, err := readSnapshot(s.historyPath(id))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("treating malformed chat as missing", "chat_id", id, "error", err)
		}
		return nil, ErrChatNotFound
	}
	chat.ID = id
	return chat, nil
}

// Save rewrites the snapshot through a temporary file and a rename, so
// readers only ever see a complete document.
func (s *FileStore) Save(ctx context.Context, id string, chat *Chat) error {
	if !ValidChatID(id) {
		return fmt.Errorf("save chat %q: %w", id, ErrInvalidPath)
	}
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create chat directory: %w", err)
	}

	data, err := marshalSnapshot(chat)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, historyFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.historyPath(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Delete removes the chat directory, attachments included.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if !ValidChatID(id) {
		return ErrChatNotFound
	}
	dir := filepath.Join(s.root, id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return ErrChatNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete chat folder: %w", err)
	}
	return nil
}

func readSnapshot(path string) (*Chat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return unmarshalSnapshot(data)
}

func marshalSnapshot(chat *Chat) ([]byte, error) {
	snapshot := Chat{Title: chat.Title, Messages: chat.Messages}
	if snapshot.Messages == nil {
		snapshot.Messages = []Message{}
	}
	data, err := json.MarshalIndent(snapshot, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat: %w", err)
	}
	return data, nil
}

func unmarshalSnapshot(data []byte) (*Chat, error) {
	var chat Chat
	if err := json.Unmarshal(data, &chat); err != nil {
		return nil, fmt.Errorf("failed to parse chat snapshot: %w", err)
	}
	if chat.Messages == nil {
		chat.Messages = []Message{}
	}
	return &chat, nil
}
