package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ungleicch/T3-chat-clone-shit/internal/core"
	"github.com/ungleicch/T3-chat-clone-shit/internal/store"
)

const preambleSeparator = "\n---\n"

// streamWriter sends reply fragments as a chunked text/plain body. The
// status line is committed on the first write so that errors raised before
// any output can still become proper HTTP errors.
type streamWriter struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	committed bool
}

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	rc := http.NewResponseController(w)
	// Replies can outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("could not clear write deadline", "error", err)
	}
	return &streamWriter{w: w, rc: rc}
}

func (s *streamWriter) commit() {
	if s.committed {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	s.w.WriteHeader(http.StatusOK)
	s.committed = true
}

// Write implements core.Sink.
func (s *streamWriter) Write(fragment string) error {
	s.commit()
	if _, err := io.WriteString(s.w, fragment); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// writePreamble sends the chat id and the stored user message ahead of the
// reply so the client can render them immediately.
func (s *streamWriter) writePreamble(chatID string, msg *store.Message) error {
	data, err := json.Marshal(struct {
		ChatID      string         `json:"chatId"`
		UserMessage *store.Message `json:"user_message"`
	}{chatID, msg})
	if err != nil {
		return err
	}
	return s.Write(string(data) + preambleSeparator)
}

// streamTurn runs the pending turn into w and reports failures the way the
// response state allows.
func streamTurn(w http.ResponseWriter, r *http.Request, pending *core.PendingTurn, preamble bool) {
	sw := newStreamWriter(w)
	if preamble {
		if err := sw.writePreamble(pending.ChatID, pending.UserMessage); err != nil {
			slog.Info("client went away before the reply started", "chat_id", pending.ChatID, "error", err)
			return
		}
	}

	err := pending.Stream(r.Context(), sw)
	if err == nil {
		return
	}

	slog.Error("reply generation failed", "chat_id", pending.ChatID, "error", err)
	if !sw.committed {
		status := http.StatusInternalServerError
		var inf *core.InferenceError
		if errors.As(err, &inf) {
			status = http.StatusBadGateway
		}
		http.Error(w, err.Error(), status)
		return
	}
	// Headers are out; the error can only be shown inline.
	_ = sw.Write(fmt.Sprintf("An unexpected error occurred: %v", err))
}
