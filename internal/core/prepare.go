package core

import (
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/ungleicch/T3-chat-clone-shit/internal/llm"
	"github.com/ungleicch/T3-chat-clone-shit/internal/store"
)

const (
	documentStart = "\n\n--- Start of attached document content ---\n"
	documentEnd   = "\n--- End of attached document content ---"
)

// AttachmentReader loads stored attachment bytes.
type AttachmentReader interface {
	ReadByURL(chatID, url string) ([]byte, error)
}

// Preparer turns stored messages into inference-ready ones.
type Preparer struct {
	attachments AttachmentReader
}

func NewPreparer(attachments AttachmentReader) *Preparer {
	return &Preparer{attachments: attachments}
}

// Prepare builds a fresh []llm.Message from messages. Extracted document
// text is merged into the content of the message it belongs to. With
// includeImages, image attachments of the final message are read and attached
// as base64. messages is never modified.
func (p *Preparer) Prepare(chatID string, messages []store.Message, includeImages bool) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		content := m.Content
		if m.ExtractedContent != "" {
			content = m.Content + documentStart + m.ExtractedContent + documentEnd
		}
		out[i] = llm.Message{Role: m.Role, Content: content}
	}

	if includeImages && len(messages) > 0 {
		last := messages[len(messages)-1]
		if images := p.loadImages(chatID, last.Attachments); len(images) > 0 {
			out[len(out)-1].Images = images
		}
	}
	return out
}

func (p *Preparer) loadImages(chatID string, attachments []store.Attachment) []string {
	var images []string
	for _, att := range attachments {
		if !isImage(att) {
			continue
		}
		data, err := p.attachments.ReadByURL(chatID, att.URL)
		if err != nil {
			slog.Warn("error reading image attachment", "chat_id", chatID, "url", att.URL, "error", err)
			continue
		}
		images = append(images, base64.StdEncoding.EncodeToString(data))
	}
	return images
}

func isImage(att store.Attachment) bool {
	return strings.HasPrefix(att.Type, "image/")
}

func hasImageAttachment(m store.Message) bool {
	for _, att := range m.Attachments {
		if isImage(att) {
			return true
		}
	}
	return false
}
