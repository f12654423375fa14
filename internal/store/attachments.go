package store

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const attachmentsDirName = "attachments"

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,16}$`)

// AttachmentStore keeps uploaded files under <root>/<chatID>/attachments.
type AttachmentStore struct {
	root string
}

func NewAttachmentStore(root string) *AttachmentStore {
	return &AttachmentStore{root: root}
}

// Save stores the content of r under a fresh name. originalName is only kept
// for display.
func (s *AttachmentStore) Save(chatID, originalName, mediaType string, r io.Reader) (Attachment, error) {
	if !ValidChatID(chatID) {
		return Attachment{}, fmt.Errorf("save attachment for chat %q: %w", chatID, ErrInvalidPath)
	}
	dir := filepath.Join(s.root, chatID, attachmentsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Attachment{}, fmt.Errorf("failed to create attachments directory: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	name := uuid.NewString() + ext

	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to create attachment: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return Attachment{}, fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := f.Close(); err != nil {
		return Attachment{}, fmt.Errorf("failed to close attachment: %w", err)
	}

	return Attachment{
		OriginalFilename: originalName,
		URL:              AttachmentURL(chatID, name),
		Type:             mediaType,
	}, nil
}

// AttachmentURL is the retrieval path served by the HTTP layer.
func AttachmentURL(chatID, filename string) string {
	return fmt.Sprintf("/%s/%s/%s", attachmentsDirName, chatID, filename)
}

// Path validates chatID and filename and returns the on-disk location.
func (s *AttachmentStore) Path(chatID, filename string) (string, error) {
	if !ValidChatID(chatID) {
		return "", ErrInvalidPath
	}
	if filename == "" || strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		return "", ErrInvalidPath
	}
	return filepath.Join(s.root, chatID, attachmentsDirName, filename), nil
}

// Open returns the stored file; a missing file yields an error wrapping
// os.ErrNotExist.
func (s *AttachmentStore) Open(chatID, filename string) (*os.File, error) {
	p, err := s.Path(chatID, filename)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment: %w", err)
	}
	return f, nil
}

// ReadByURL reads the attachment referenced by url. Only the last path
// element is used.
func (s *AttachmentStore) ReadByURL(chatID, url string) ([]byte, error) {
	p, err := s.Path(chatID, path.Base(url))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return data, nil
}

// RemoveAll deletes every attachment of the chat. Missing directories are
// fine.
func (s *AttachmentStore) RemoveAll(chatID string) error {
	if !ValidChatID(chatID) {
		return ErrInvalidPath
	}
	if err := os.RemoveAll(filepath.Join(s.root, chatID, attachmentsDirName)); err != nil {
		return fmt.Errorf("failed to remove attachments: %w", err)
	}
	// The chat directory itself is left alone when a history file still
	// lives there; os.Remove fails harmlessly in that case.
	os.Remove(filepath.Join(s.root, chatID))
	return nil
}
