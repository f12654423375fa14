package store

import "slices"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultTitle is the title of a chat before one is generated.
const DefaultTitle = "New Chat"

// Chat is one conversation. ID is the storage key and is not part of the
// persisted snapshot.
type Chat struct {
	ID       string    `json:"-"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// Message is one turn in a chat. ExtractedContent is kept on disk so later
// turns can merge it again, but it never leaves the server (see Public).
type Message struct {
	Role             string       `json:"role"`
	Content          string       `json:"content"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	ExtractedContent string       `json:"extracted_content,omitempty"`
	Model            string       `json:"model,omitempty"`
}

// Attachment is the metadata of an uploaded file; the bytes live in the
// AttachmentStore under URL.
type Attachment struct {
	OriginalFilename string `json:"original_filename"`
	URL              string `json:"url"`
	Type             string `json:"type"`
}

// ChatSummary is one entry of the chat list. MTime is seconds since the epoch.
type ChatSummary struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	MTime float64 `json:"mtime"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.Attachments = slices.Clone(m.Attachments)
	return m
}

// Equal reports whether two messages are identical field by field.
func (m Message) Equal(other Message) bool {
	return m.Role == other.Role &&
		m.Content == other.Content &&
		m.ExtractedContent == other.ExtractedContent &&
		m.Model == other.Model &&
		slices.Equal(m.Attachments, other.Attachments)
}

// Public returns the message as it is shown to clients.
func (m Message) Public() Message {
	m = m.Clone()
	m.ExtractedContent = ""
	return m
}

// Clone returns a deep copy of the chat.
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	out := &Chat{ID: c.ID, Title: c.Title, Messages: make([]Message, len(c.Messages))}
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

// PublicMessages returns the client view of every message.
func (c *Chat) PublicMessages() []Message {
	out := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = m.Public()
	}
	return out
}
