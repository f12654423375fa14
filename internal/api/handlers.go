package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ungleicch/T3-chat-clone-shit/internal/core"
	"github.com/ungleicch/T3-chat-clone-shit/internal/extract"
	"github.com/ungleicch/T3-chat-clone-shit/internal/store"
)

const (
	// maxUploadMemory is how much of a multipart body is kept in memory;
	// the rest spills to temporary files.
	maxUploadMemory = 32 << 20
	// DefaultMaxUploadBytes bounds a message body when no limit is given.
	DefaultMaxUploadBytes = 50 << 20
)

var validate = validator.New()

type APIHandler struct {
	chatService    *core.ChatService
	maxUploadBytes int64
}

// NewAPIHandler builds the handlers. maxUploadBytes caps the body of a
// message request; non-positive values use DefaultMaxUploadBytes.
func NewAPIHandler(cs *core.ChatService, maxUploadBytes int64) *APIHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &APIHandler{chatService: cs, maxUploadBytes: maxUploadBytes}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var inf *core.InferenceError
	switch {
	case errors.Is(err, core.ErrChatNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidIndex),
		errors.Is(err, core.ErrWrongRole),
		errors.Is(err, core.ErrMissingModel),
		errors.Is(err, core.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.As(err, &inf):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) ListModelsHandler(w http.ResponseWriter, r *http.Request) {
	models, err := h.chatService.ListModels(r.Context())
	if err != nil {
		slog.Error("error listing models", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Could not connect to the inference engine. Details: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models)
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	chats, err := h.chatService.ListChats(r.Context())
	if err != nil {
		slog.Error("error listing chats", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to list chats")
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *APIHandler) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	chat, err := h.chatService.GetChat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, core.ErrChatNotFound) {
			writeJSONError(w, http.StatusNotFound, "Chat not found")
			return
		}
		slog.Error("error loading chat", "chat_id", chatID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to load chat")
		return
	}
	writeJSON(w, http.StatusOK, store.Chat{Title: chat.Title, Messages: chat.PublicMessages()})
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	if err := h.chatService.DeleteChat(r.Context(), chatID); err != nil {
		if errors.Is(err, core.ErrChatNotFound) {
			writeJSONError(w, http.StatusNotFound, "Chat not found")
			return
		}
		slog.Error("error deleting chat", "chat_id", chatID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Error deleting chat: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// StreamMessageHandler adds a user message (with optional uploads) and
// streams the reply. Without a chatID a new chat is created.
func (h *APIHandler) StreamMessageHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		if tooLarge(err) {
			http.Error(w, "Upload exceeds the size limit", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid form data: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			r.MultipartForm.RemoveAll()
		}
	}()
	files, err := readUploads(r)
	if err != nil {
		http.Error(w, "Failed to read uploaded files: "+err.Error(), http.StatusBadRequest)
		return
	}

	pending, err := h.chatService.StartTurn(r.Context(), core.NewTurn{
		ChatID: chatID,
		Model:  r.FormValue("model"),
		Prompt: r.FormValue("prompt"),
		Files:  files,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("error starting turn", "chat_id", chatID, "error", err)
		}
		http.Error(w, startTurnMessage(err), status)
		return
	}

	streamTurn(w, r, pending, true)
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func startTurnMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrMissingModel):
		return "Model not provided"
	case errors.Is(err, core.ErrEmptyMessage):
		return "Cannot start a chat with an empty message."
	case errors.Is(err, core.ErrChatNotFound):
		return "Chat not found."
	default:
		return "Failed to store message"
	}
}

// readUploads collects the "files" parts. Empty parts, which browsers send
// for an untouched file input, are skipped.
func readUploads(r *http.Request) ([]extract.File, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	var files []extract.File
	for _, fh := range r.MultipartForm.File["files"] {
		if fh.Filename == "" {
			continue
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, extract.File{
			Name:      fh.Filename,
			MediaType: fh.Header.Get("Content-Type"),
			Data:      data,
		})
	}
	return files, nil
}

type RegenerateRequest struct {
	Model    string `json:"model" validate:"required"`
	MsgIndex *int   `json:"msg_index" validate:"required"`
}

func (h *APIHandler) RegenerateHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, "Model and message index not provided.", http.StatusBadRequest)
		return
	}

	pending, err := h.chatService.Regenerate(r.Context(), chatID, *req.MsgIndex, req.Model)
	if err != nil {
		status := statusFor(err)
		msg := "Failed to regenerate"
		switch status {
		case http.StatusNotFound:
			msg = "Chat not found"
		case http.StatusBadRequest:
			msg = "Invalid index for regeneration."
		default:
			slog.Error("error preparing regeneration", "chat_id", chatID, "error", err)
		}
		http.Error(w, msg, status)
		return
	}

	streamTurn(w, r, pending, false)
}

type EditRequest struct {
	Model     string  `json:"model" validate:"required"`
	MsgIndex  *int    `json:"msg_index" validate:"required"`
	NewPrompt *string `json:"new_prompt" validate:"required"`
}

func (h *APIHandler) EditAndRegenerateHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	var req EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Missing required data.")
		return
	}

	pending, err := h.chatService.EditAndRegenerate(r.Context(), chatID, *req.MsgIndex, *req.NewPrompt, req.Model)
	if err != nil {
		status := statusFor(err)
		switch status {
		case http.StatusNotFound:
			writeJSONError(w, status, "Chat not found")
		case http.StatusBadRequest:
			writeJSONError(w, status, "Invalid index for edit.")
		default:
			slog.Error("error preparing edit", "chat_id", chatID, "error", err)
			writeJSONError(w, status, "Failed to edit message")
		}
		return
	}

	streamTurn(w, r, pending, false)
}

func (h *APIHandler) GenerateTitleHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	res, err := h.chatService.GenerateTitle(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, core.ErrChatNotFound) {
			writeJSONError(w, http.StatusNotFound, "Chat not found or is empty.")
			return
		}
		slog.Error("error generating title", "chat_id", chatID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to generate title")
		return
	}
	if !res.Updated {
		writeJSON(w, http.StatusOK, map[string]string{"title": res.Title})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chatId": chatID, "newTitle": res.Title})
}

func (h *APIHandler) DeleteMessageHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid message index.")
		return
	}

	remaining, err := h.chatService.DeleteMessage(r.Context(), chatID, index)
	if err != nil {
		switch statusFor(err) {
		case http.StatusNotFound:
			writeJSONError(w, http.StatusNotFound, "Chat not found.")
		case http.StatusBadRequest:
			writeJSONError(w, http.StatusBadRequest, "Invalid message index.")
		default:
			slog.Error("error deleting message", "chat_id", chatID, "index", index, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "Failed to delete message")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "remaining_messages": remaining})
}

func (h *APIHandler) AttachmentHandler(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	filename := chi.URLParam(r, "filename")

	f, err := h.chatService.OpenAttachment(chatID, filename)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidPath):
			http.Error(w, "Bad request", http.StatusBadRequest)
		case errors.Is(err, os.ErrNotExist):
			http.NotFound(w, r)
		default:
			slog.Error("error opening attachment", "chat_id", chatID, "file", filename, "error", err)
			http.Error(w, "Failed to read attachment", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, filename, info.ModTime(), f)
}
