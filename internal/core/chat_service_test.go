package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ungleicch/T3-chat-clone-shit/internal/extract"
	"github.com/ungleicch/T3-chat-clone-shit/internal/llm"
	"github.com/ungleicch/T3-chat-clone-shit/internal/store"
)

func TestStartTurn_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.StartTurn(ctx, NewTurn{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrMissingModel)

	_, err = env.service.StartTurn(ctx, NewTurn{Model: "llama3"})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = env.service.StartTurn(ctx, NewTurn{ChatID: "nope", Model: "llama3", Prompt: "hi"})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestStartTurn_NewChatWithAttachment(t *testing.T) {
	env := newTestEnv(t)
	env.engine.fragments = []string{"Summary."}
	ctx := context.Background()

	pending, err := env.service.StartTurn(ctx, NewTurn{
		Model:  "llama3",
		Prompt: "summarise",
		Files:  []extract.File{{Name: "notes.txt", MediaType: "text/plain", Data: []byte("buy milk")}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, pending.ChatID)
	require.NotNil(t, pending.UserMessage)
	assert.Empty(t, pending.UserMessage.ExtractedContent, "extracted text stays on the server")
	require.Len(t, pending.UserMessage.Attachments, 1)
	att := pending.UserMessage.Attachments[0]
	assert.Equal(t, "notes.txt", att.OriginalFilename)
	assert.Equal(t, "text/plain", att.Type)

	chat := env.load(t, pending.ChatID)
	assert.Equal(t, store.DefaultTitle, chat.Title)
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, "--- Content from Text File: notes.txt ---\nbuy milk", chat.Messages[0].ExtractedContent)

	data, err := env.attachments.ReadByURL(pending.ChatID, att.URL)
	require.NoError(t, err)
	assert.Equal(t, "buy milk", string(data))

	require.NoError(t, pending.Stream(ctx, &recordingSink{}))
	assert.Contains(t, env.engine.streamRequests[0].Messages[0].Content, "buy milk")
	assert.Len(t, env.load(t, pending.ChatID).Messages, 2)
}

func TestStartTurn_DroppedStreamKeepsPartialReply(t *testing.T) {
	env := newTestEnv(t)
	env.engine.fragments = []string{"2+2", " equals", " 4."}
	ctx := context.Background()

	pending, err := env.service.StartTurn(ctx, NewTurn{Model: "llama3", Prompt: "What's 2+2?"})
	require.NoError(t, err)
	require.NoError(t, pending.Stream(ctx, &recordingSink{limit: 2}))

	chat := env.load(t, pending.ChatID)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "What's 2+2?", chat.Messages[0].Content)
	assert.Equal(t, "2+2 equals", chat.Messages[1].Content)

	// The next turn sees the partial reply as history.
	env.engine.fragments = []string{"Yes."}
	next, err := env.service.StartTurn(ctx, NewTurn{ChatID: pending.ChatID, Model: "llama3", Prompt: "sure?"})
	require.NoError(t, err)
	require.NoError(t, next.Stream(ctx, &recordingSink{}))
	sent := env.engine.streamRequests[1].Messages
	require.Len(t, sent, 3)
	assert.Equal(t, "2+2 equals", sent[1].Content)
}

func TestDeleteMessage(t *testing.T) {
	cases := []struct {
		name  string
		index int
		want  []string
	}{
		{"user removes its reply", 0, []string{"q2", "a2"}},
		{"assistant alone", 1, []string{"q1", "q2", "a2"}},
		{"last user with reply", 2, []string{"q1", "a1"}},
		{"trailing assistant", 3, []string{"q1", "a1", "q2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seed(t, "c", user("q1"), assistant("a1"), user("q2"), assistant("a2"))

			msgs, err := env.service.DeleteMessage(context.Background(), "c", tc.index)
			require.NoError(t, err)

			var got []string
			for _, m := range msgs {
				got = append(got, m.Content)
			}
			assert.Equal(t, tc.want, got)
			assert.Len(t, env.load(t, "c").Messages, len(tc.want))
		})
	}
}

func TestDeleteMessage_UserWithoutReply(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c", user("q1"), user("q2"))

	msgs, err := env.service.DeleteMessage(context.Background(), "c", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "q2", msgs[0].Content)
}

func TestDeleteMessage_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c", user("q1"))
	ctx := context.Background()

	_, err := env.service.DeleteMessage(ctx, "c", 5)
	assert.ErrorIs(t, err, ErrInvalidIndex)
	_, err = env.service.DeleteMessage(ctx, "c", -1)
	assert.ErrorIs(t, err, ErrInvalidIndex)
	_, err = env.service.DeleteMessage(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestDeleteMessage_HidesExtractedContent(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c",
		store.Message{Role: store.RoleUser, Content: "q1", ExtractedContent: "secret"},
		assistant("a1"),
		user("q2"),
	)

	msgs, err := env.service.DeleteMessage(context.Background(), "c", 2)
	require.NoError(t, err)
	assert.Empty(t, msgs[0].ExtractedContent)
	assert.Equal(t, "secret", env.load(t, "c").Messages[0].ExtractedContent)
}

func TestRegenerate_ReplacesAtIndex(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c", user("q1"), assistant("a1"), user("q2"), assistant("a2"))
	env.engine.fragments = []string{"new a1"}
	ctx := context.Background()

	pending, err := env.service.Regenerate(ctx, "c", 1, "mistral")
	require.NoError(t, err)
	assert.Nil(t, pending.UserMessage)
	assert.Len(t, env.load(t, "c").Messages, 1, "later messages dropped before streaming")

	require.NoError(t, pending.Stream(ctx, &recordingSink{}))

	chat := env.load(t, "c")
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, store.Message{Role: store.RoleAssistant, Content: "new a1", Model: "mistral"}, chat.Messages[1])
	assert.Equal(t, "mistral", env.engine.streamRequests[0].Model)
}

func TestRegenerate_KeepsMessageAddedDuringGeneration(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c", user("q1"), assistant("a1"))
	env.engine.fragments = []string{"new a1"}
	ctx := context.Background()

	pending, err := env.service.Regenerate(ctx, "c", 1, "llama3")
	require.NoError(t, err)
	_, err = env.service.StartTurn(ctx, NewTurn{ChatID: "c", Model: "llama3", Prompt: "follow-up"})
	require.NoError(t, err)

	require.NoError(t, pending.Stream(ctx, &recordingSink{}))

	chat := env.load(t, "c")
	var got []string
	for _, m := range chat.Messages {
		got = append(got, m.Role+":"+m.Content)
	}
	assert.Equal(t, []string{"user:q1", "assistant:new a1", "user:follow-up"}, got)
}

func TestRegenerate_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c", user("q1"), assistant("a1"))
	ctx := context.Background()

	_, err := env.service.Regenerate(ctx, "c", 0, "llama3")
	assert.ErrorIs(t, err, ErrWrongRole)
	_, err = env.service.Regenerate(ctx, "c", 2, "llama3")
	assert.ErrorIs(t, err, ErrInvalidIndex)
	_, err = env.service.Regenerate(ctx, "c", 1, "")
	assert.ErrorIs(t, err, ErrMissingModel)
	_, err = env.service.Regenerate(ctx, "missing", 1, "llama3")
	assert.ErrorIs(t, err, ErrChatNotFound)

	assert.Len(t, env.load(t, "c").Messages, 2, "failed calls leave the chat alone")
}

func TestEditAndRegenerate(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c", user("q1"), assistant("a1"), user("q2"), assistant("a2"))
	env.engine.fragments = []string{"edited answer"}
	ctx := context.Background()

	pending, err := env.service.EditAndRegenerate(ctx, "c", 0, "q1 edited", "llama3")
	require.NoError(t, err)
	require.NoError(t, pending.Stream(ctx, &recordingSink{}))

	chat := env.load(t, "c")
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "q1 edited", chat.Messages[0].Content)
	assert.Equal(t, "edited answer", chat.Messages[1].Content)

	sent := env.engine.streamRequests[0].Messages
	require.Len(t, sent, 1)
	assert.Equal(t, "q1 edited", sent[0].Content)
}

func TestEditAndRegenerate_RequiresUserMessage(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c", user("q1"), assistant("a1"))

	_, err := env.service.EditAndRegenerate(context.Background(), "c", 1, "x", "llama3")
	assert.ErrorIs(t, err, ErrWrongRole)
}

func TestGenerateTitle(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c", user(env.cfg.SearchMarker+" weather in Berlin"), assistant("sunny"))

	res, err := env.service.GenerateTitle(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, TitleResult{Title: "weather in Berlin", Updated: true}, res)
	assert.Equal(t, "weather in Berlin", env.load(t, "c").Title)
	assert.Empty(t, env.engine.chatRequests, "short prompts skip the engine")
}

func TestGenerateTitle_NoUserText(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "c", store.Message{Role: store.RoleUser, Content: "", ExtractedContent: "doc"})

	res, err := env.service.GenerateTitle(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, TitleResult{Title: "Untitled Chat"}, res)
	assert.Equal(t, store.DefaultTitle, env.load(t, "c").Title)
}

func TestGenerateTitle_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "empty")
	ctx := context.Background()

	_, err := env.service.GenerateTitle(ctx, "empty")
	assert.ErrorIs(t, err, ErrChatNotFound)
	_, err = env.service.GenerateTitle(ctx, "missing")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestListModels_FiltersNonChatModels(t *testing.T) {
	env := newTestEnv(t)
	env.engine.models = []llm.ModelInfo{
		{Name: "llama3:8b"},
		{Name: "llava:latest"},
		{Name: "nomic-embed-text"},
		{Name: "llama3.2-vision"},
		{Name: "gemma3:1b"},
		{Name: ""},
	}

	models, err := env.service.ListModels(context.Background())
	require.NoError(t, err)
	var names []string
	for _, m := range models {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"llama3:8b", "gemma3:1b"}, names)

	env.engine.modelsErr = errors.New("engine offline")
	_, err = env.service.ListModels(context.Background())
	assert.Error(t, err)
}

func TestDeleteChat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pending, err := env.service.StartTurn(ctx, NewTurn{
		Model:  "llama3",
		Prompt: "look",
		Files:  []extract.File{{Name: "a.png", MediaType: "image/png", Data: []byte("png")}},
	})
	require.NoError(t, err)

	require.NoError(t, env.service.DeleteChat(ctx, pending.ChatID))

	_, err = env.service.GetChat(ctx, pending.ChatID)
	assert.ErrorIs(t, err, ErrChatNotFound)
	_, err = os.Stat(filepath.Join(env.history.Root(), pending.ChatID))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, env.service.DeleteChat(ctx, pending.ChatID), ErrChatNotFound)
}

func TestListChats(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "a", user("x"))
	env.seed(t, "b", user("y"))

	chats, err := env.service.ListChats(context.Background())
	require.NoError(t, err)
	assert.Len(t, chats, 2)
}
