package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ungleicch/T3-chat-clone-shit/internal/config"
	"github.com/ungleicch/T3-chat-clone-shit/internal/core"
	"github.com/ungleicch/T3-chat-clone-shit/internal/llm"
	"github.com/ungleicch/T3-chat-clone-shit/internal/metrics"
	"github.com/ungleicch/T3-chat-clone-shit/internal/search"
	"github.com/ungleicch/T3-chat-clone-shit/internal/store"
)

// app owns the long-lived collaborators of the chat service.
type app struct {
	chatService *core.ChatService
	closers     []func() error
}

func newApp(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*app, error) {
	a := &app{}

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	history, err := openHistory(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, history.Close)

	engine, err := openEngine(ctx, cfg, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	coreCfg := core.Config{
		ContextWindow: cfg.Chat.ContextWindow,
		VisionModel:   cfg.LLM.VisionModel,
		TitleModel:    cfg.LLM.TitleModel,
		MaxToolRounds: cfg.Chat.MaxToolRounds,
		SearchResults: cfg.Search.MaxResults,
		SearchMarker:  cfg.Chat.SearchMarker,
	}
	a.chatService = core.NewChatService(coreCfg, history,
		store.NewAttachmentStore(cfg.Store.DataDir),
		engine,
		search.NewDuckDuckGo(cfg.Search.RatePerMinute),
		m,
	)
	return a, nil
}

func openHistory(cfg *config.Config) (store.HistoryStore, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewFileStore(cfg.Store.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize chat folder: %w", err)
		}
		return s, nil
	}
}

func openEngine(ctx context.Context, cfg *config.Config, a *app) (llm.Engine, error) {
	backend := cfg.LLM.Backend
	switch backend {
	case "openai":
		return llm.Traced(llm.NewOpenAIClient(cfg.LLM.OpenAIBaseURL, cfg.LLM.OpenAIAPIKey), backend), nil
	case "gemini":
		c, err := llm.NewGeminiClient(ctx, cfg.LLM.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		a.closers = append(a.closers, c.Close)
		return llm.Traced(c, backend), nil
	default:
		return llm.Traced(llm.NewOllamaClient(cfg.LLM.OllamaBaseURL), backend), nil
	}
}

// Close releases collaborators in reverse order of creation.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("error while shutting down", "error", err)
	}
}
