package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/ungleicch/T3-chat-clone-shit/internal/extract"
	"github.com/ungleicch/T3-chat-clone-shit/internal/llm"
	"github.com/ungleicch/T3-chat-clone-shit/internal/metrics"
	"github.com/ungleicch/T3-chat-clone-shit/internal/search"
	"github.com/ungleicch/T3-chat-clone-shit/internal/store"
	"github.com/ungleicch/T3-chat-clone-shit/internal/utils"
)

type ChatService struct {
	cfg          Config
	history      store.HistoryStore
	attachments  *store.AttachmentStore
	locks        *store.ChatLocks
	engine       llm.Engine
	orchestrator *Orchestrator
	titles       *TitleSynthesizer
}

func NewChatService(cfg Config, history store.HistoryStore, attachments *store.AttachmentStore,
	engine llm.Engine, provider search.Provider, m *metrics.Metrics) *ChatService {
	locks := store.NewChatLocks()
	return &ChatService{
		cfg:          cfg,
		history:      history,
		attachments:  attachments,
		locks:        locks,
		engine:       engine,
		orchestrator: NewOrchestrator(cfg, engine, provider, history, locks, NewPreparer(attachments), m),
		titles:       NewTitleSynthesizer(engine, cfg.TitleModel),
	}
}

// NewTurn is a user message about to be added to a chat. An empty ChatID
// starts a new chat.
type NewTurn struct {
	ChatID string
	Model  string
	Prompt string
	Files  []extract.File
}

// PendingTurn is a chat whose history is saved and which now awaits its
// assistant reply.
type PendingTurn struct {
	ChatID string
	// UserMessage is the client view of the message just added; nil for
	// regenerations.
	UserMessage *store.Message

	turn         Turn
	orchestrator *Orchestrator
}

// Stream generates and persists the reply, writing fragments to sink.
func (p *PendingTurn) Stream(ctx context.Context, sink Sink) error {
	return p.orchestrator.Run(ctx, p.turn, sink)
}

// TitleResult is the outcome of GenerateTitle. Updated is false when the chat
// has no user text to derive a title from.
type TitleResult struct {
	Title   string
	Updated bool
}

func (s *ChatService) ListChats(ctx context.Context) ([]store.ChatSummary, error) {
	return s.history.List(ctx)
}

func (s *ChatService) GetChat(ctx context.Context, chatID string) (*store.Chat, error) {
	return s.history.Load(ctx, chatID)
}

// ListModels returns the models users can pick for text chat.
func (s *ChatService) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	models, err := s.engine.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	text := make([]llm.ModelInfo, 0, len(models))
	for _, m := range models {
		if m.Name != "" && llm.IsTextModel(m.Name) {
			text = append(text, m)
		}
	}
	return text, nil
}

// StartTurn stores uploads and the user message, creating the chat if needed.
func (s *ChatService) StartTurn(ctx context.Context, req NewTurn) (*PendingTurn, error) {
	if req.Model == "" {
		return nil, ErrMissingModel
	}
	if req.Prompt == "" && len(req.Files) == 0 {
		return nil, ErrEmptyMessage
	}

	chatID := req.ChatID
	isNew := chatID == ""
	if isNew {
		chatID = uuid.NewString()
	} else if _, err := s.history.Load(ctx, chatID); err != nil {
		return nil, err
	}

	userMsg := store.Message{Role: store.RoleUser, Content: req.Prompt}
	for _, f := range req.Files {
		att, err := s.attachments.Save(chatID, f.Name, f.MediaType, bytes.NewReader(f.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to store attachment %q: %w", f.Name, err)
		}
		userMsg.Attachments = append(userMsg.Attachments, att)
	}
	userMsg.ExtractedContent = extract.ExtractAll(ctx, req.Files)

	unlock := s.locks.Lock(chatID)
	defer unlock()

	chat := &store.Chat{ID: chatID, Title: store.DefaultTitle, Messages: []store.Message{}}
	if !isNew {
		var err error
		if chat, err = s.history.Load(ctx, chatID); err != nil {
			return nil, err
		}
	}
	chat.Messages = append(chat.Messages, userMsg)
	if err := s.history.Save(ctx, chatID, chat); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}
	slog.Info("user message stored", "chat_id", chatID, "new_chat", isNew, "attachments", len(userMsg.Attachments))

	public := userMsg.Public()
	return &PendingTurn{
		ChatID:       chatID,
		UserMessage:  &public,
		orchestrator: s.orchestrator,
		turn: Turn{
			ChatID:   chatID,
			Model:    req.Model,
			Messages: chat.Clone().Messages,
		},
	}, nil
}

// OpenAttachment returns a stored upload. Invalid names yield
// store.ErrInvalidPath; missing files wrap os.ErrNotExist.
func (s *ChatService) OpenAttachment(chatID, filename string) (*os.File, error) {
	return s.attachments.Open(chatID, filename)
}

// DeleteChat removes the chat and its attachments.
func (s *ChatService) DeleteChat(ctx context.Context, chatID string) error {
	unlock := s.locks.Lock(chatID)
	defer unlock()

	if err := s.history.Delete(ctx, chatID); err != nil {
		return err
	}
	if err := s.attachments.RemoveAll(chatID); err != nil && !errors.Is(err, store.ErrInvalidPath) {
		slog.Warn("failed to remove attachments of deleted chat", "chat_id", chatID, "error", err)
	}
	return nil
}

// DeleteMessage removes the message at index. Deleting a user message also
// removes the assistant reply directly after it.
func (s *ChatService) DeleteMessage(ctx context.Context, chatID string, index int) ([]store.Message, error) {
	unlock := s.locks.Lock(chatID)
	defer unlock()

	chat, err := s.history.Load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	msgs := chat.Messages
	if index < 0 || index >= len(msgs) {
		return nil, ErrInvalidIndex
	}

	end := index + 1
	if msgs[index].Role == store.RoleUser && end < len(msgs) && msgs[end].Role == store.RoleAssistant {
		end++
	}
	chat.Messages = append(msgs[:index:index], msgs[end:]...)

	if err := s.history.Save(ctx, chatID, chat); err != nil {
		return nil, fmt.Errorf("failed to save chat: %w", err)
	}
	return chat.PublicMessages(), nil
}

// Regenerate drops the assistant message at index and everything after it;
// the new reply takes its place.
func (s *ChatService) Regenerate(ctx context.Context, chatID string, index int, model string) (*PendingTurn, error) {
	if model == "" {
		return nil, ErrMissingModel
	}
	return s.rewrite(ctx, chatID, index, model, store.RoleAssistant, func(chat *store.Chat) {
		chat.Messages = chat.Messages[:index]
	})
}

// EditAndRegenerate replaces the text of the user message at index, drops
// every later message and answers the edited prompt.
func (s *ChatService) EditAndRegenerate(ctx context.Context, chatID string, index int, newPrompt, model string) (*PendingTurn, error) {
	if model == "" {
		return nil, ErrMissingModel
	}
	return s.rewrite(ctx, chatID, index, model, store.RoleUser, func(chat *store.Chat) {
		chat.Messages[index].Content = newPrompt
		chat.Messages = chat.Messages[:index+1]
	})
}

func (s *ChatService) rewrite(ctx context.Context, chatID string, index int, model, role string, edit func(*store.Chat)) (*PendingTurn, error) {
	unlock := s.locks.Lock(chatID)
	defer unlock()

	chat, err := s.history.Load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(chat.Messages) {
		return nil, ErrInvalidIndex
	}
	if chat.Messages[index].Role != role {
		return nil, fmt.Errorf("%w: expected %s at %d", ErrWrongRole, role, index)
	}

	edit(chat)
	if err := s.history.Save(ctx, chatID, chat); err != nil {
		return nil, fmt.Errorf("failed to save chat: %w", err)
	}

	return &PendingTurn{
		ChatID:       chatID,
		orchestrator: s.orchestrator,
		turn: Turn{
			ChatID:       chatID,
			Model:        model,
			Messages:     chat.Clone().Messages,
			Replace:      role == store.RoleAssistant,
			ReplaceIndex: index,
		},
	}, nil
}

// GenerateTitle names the chat after its first user prompt, ignoring any
// attached document text.
func (s *ChatService) GenerateTitle(ctx context.Context, chatID string) (TitleResult, error) {
	chat, err := s.history.Load(ctx, chatID)
	if err != nil {
		return TitleResult{}, err
	}
	if len(chat.Messages) == 0 {
		return TitleResult{}, ErrChatNotFound
	}

	var prompt string
	for _, m := range chat.Messages {
		if m.Role == store.RoleUser {
			prompt = utils.StripMarker(m.Content, s.cfg.SearchMarker)
			break
		}
	}
	if prompt == "" {
		return TitleResult{Title: untitledChat}, nil
	}

	title := s.titles.Synthesize(ctx, prompt)

	unlock := s.locks.Lock(chatID)
	defer unlock()

	chat, err = s.history.Load(ctx, chatID)
	if err != nil {
		return TitleResult{}, err
	}
	chat.Title = title
	if err := s.history.Save(ctx, chatID, chat); err != nil {
		return TitleResult{}, fmt.Errorf("failed to save title: %w", err)
	}
	slog.Info("generated chat title", "chat_id", chatID, "title", title)
	return TitleResult{Title: title, Updated: true}, nil
}
