package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiClient runs chats against the Gemini API.
type GeminiClient struct {
	client *genai.Client
}

func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

func (c *GeminiClient) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close GenAI client: %w", err)
	}
	return nil
}

// session builds a chat session whose history is every message but the last;
// the last one is returned as the parts to send.
func (c *GeminiClient) session(req Request) (*genai.ChatSession, []genai.Part, error) {
	system, history, last, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, nil, err
	}

	model := c.client.GenerativeModel(req.Model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if req.Options.NumPredict > 0 {
		maxTokens := int32(req.Options.NumPredict)
		model.GenerationConfig = genai.GenerationConfig{MaxOutputTokens: &maxTokens}
	}

	cs := model.StartChat()
	cs.History = history
	return cs, last.Parts, nil
}

func (c *GeminiClient) Chat(ctx context.Context, req Request) (string, error) {
	cs, parts, err := c.session(req)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	return responseText(resp), nil
}

func (c *GeminiClient) ChatStream(ctx context.Context, req Request, onChunk func(string) error) error {
	cs, parts, err := c.session(req)
	if err != nil {
		return err
	}
	iter := cs.SendMessageStream(ctx, parts...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gemini stream failed: %w", err)
		}
		if text := responseText(resp); text != "" {
			if err := onChunk(text); err != nil {
				return err
			}
		}
	}
}

func (c *GeminiClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	it := c.client.ListModels(ctx)
	for {
		m, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gemini list models failed: %w", err)
		}
		models = append(models, ModelInfo{Name: strings.TrimPrefix(m.Name, "models/")})
	}
	return models, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		} else {
			slog.Debug("ignoring non-text gemini part", "type", fmt.Sprintf("%T", part))
		}
	}
	return sb.String()
}

// toGeminiContents splits messages into a system instruction, the prior
// history and the final user turn. Gemini calls the assistant role "model".
func toGeminiContents(messages []Message) (string, []*genai.Content, *genai.Content, error) {
	var (
		system  []string
		history []*genai.Content
	)
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		parts := []genai.Part{genai.Text(m.Content)}
		for _, img := range m.Images {
			mime, data, err := imageMIMEType(img)
			if err != nil {
				slog.Warn("skipping undecodable image payload", "error", err)
				continue
			}
			parts = append(parts, genai.Blob{MIMEType: mime, Data: data})
		}
		history = append(history, &genai.Content{Role: role, Parts: parts})
	}

	if len(history) == 0 {
		return "", nil, nil, fmt.Errorf("prompt history is empty for chat completion")
	}
	last := history[len(history)-1]
	if last.Role != "user" {
		return "", nil, nil, fmt.Errorf("last message in history is not from 'user', cannot proceed with chat completion")
	}
	return strings.Join(system, "\n\n"), history[:len(history)-1], last, nil
}
