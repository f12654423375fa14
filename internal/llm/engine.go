// Package llm talks to the inference engines the chat backend can use.
package llm

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

// Message is one inference-ready chat message. Images holds base64 payloads
// and only ever exists on prepared copies.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Options are per-call generation settings. Zero values mean engine default.
type Options struct {
	NumPredict int
}

// Request is one chat call.
type Request struct {
	Model    string
	Messages []Message
	Options  Options
}

// ModelInfo describes a model the engine can serve.
type ModelInfo struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	Size       int64     `json:"size,omitempty"`
}

// Engine is a chat-completion backend. ChatStream delivers fragments in
// order through onChunk; an error returned by onChunk aborts the stream and
// is returned (wrapped) by ChatStream.
type Engine interface {
	Chat(ctx context.Context, req Request) (string, error)
	ChatStream(ctx context.Context, req Request, onChunk func(string) error) error
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

var nonChatModelMarkers = []string{"llava", "vision", "embed"}

// IsTextModel reports whether a model is offered for plain chat. Vision and
// embedding models are selected by the server, not the user.
func IsTextModel(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range nonChatModelMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}

// imageMIMEType sniffs the type of a base64 image payload, falling back to
// PNG.
func imageMIMEType(b64 string) (string, []byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", nil, err
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/png"
	}
	return mime, data, nil
}
