package core

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ungleicch/T3-chat-clone-shit/internal/llm"
	"github.com/ungleicch/T3-chat-clone-shit/internal/store"
	"github.com/ungleicch/T3-chat-clone-shit/internal/utils"
)

const (
	titleSystemPrompt = "Summarize the following user's query into a short, 3-to-5-word title for a chat history list. Do not use quotation marks. Be concise."

	titleVerbatimBelow = 40
	titleFallbackRunes = 50
	titleMaxTokens     = 20

	untitledChat = "Untitled Chat"
)

// TitleSynthesizer produces short chat titles.
type TitleSynthesizer struct {
	engine llm.Engine
	model  string
}

func NewTitleSynthesizer(engine llm.Engine, model string) *TitleSynthesizer {
	return &TitleSynthesizer{engine: engine, model: model}
}

// Synthesize never fails: short prompts are used as is and engine errors
// fall back to a prefix of the prompt.
func (t *TitleSynthesizer) Synthesize(ctx context.Context, prompt string) string {
	if prompt == "" {
		return store.DefaultTitle
	}
	if utf8.RuneCountInString(prompt) < titleVerbatimBelow {
		return strings.TrimSpace(prompt)
	}

	reply, err := t.engine.Chat(ctx, llm.Request{
		Model: t.model,
		Messages: []llm.Message{
			{Role: store.RoleSystem, Content: titleSystemPrompt},
			{Role: store.RoleUser, Content: prompt},
		},
		Options: llm.Options{NumPredict: titleMaxTokens},
	})
	if err != nil {
		slog.Warn("could not generate title with LLM, using prompt as fallback", "error", err)
		return strings.TrimSpace(utils.Truncate(prompt, titleFallbackRunes)) + "..."
	}

	title := strings.TrimSpace(reply)
	if title == "" {
		return untitledChat
	}
	return utils.StripWrappingQuotes(title)
}
