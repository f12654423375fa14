package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ungleicch/T3-chat-clone-shit/internal/llm"
	"github.com/ungleicch/T3-chat-clone-shit/internal/search"
	"github.com/ungleicch/T3-chat-clone-shit/internal/store"
)

var errSinkClosed = errors.New("broken pipe")

// fakeEngine replays scripted replies. Chat returns chatReplies in order and
// repeats the last one.
type fakeEngine struct {
	mu sync.Mutex

	chatReplies []string
	chatErr     error
	fragments   []string
	streamErr   error
	models      []llm.ModelInfo
	modelsErr   error

	chatRequests   []llm.Request
	streamRequests []llm.Request
}

func (f *fakeEngine) Chat(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatRequests = append(f.chatRequests, req)
	if f.chatErr != nil {
		return "", f.chatErr
	}
	if len(f.chatReplies) == 0 {
		return "", nil
	}
	i := len(f.chatRequests) - 1
	if i >= len(f.chatReplies) {
		i = len(f.chatReplies) - 1
	}
	return f.chatReplies[i], nil
}

func (f *fakeEngine) ChatStream(ctx context.Context, req llm.Request, onChunk func(string) error) error {
	f.mu.Lock()
	f.streamRequests = append(f.streamRequests, req)
	fragments, streamErr := f.fragments, f.streamErr
	f.mu.Unlock()

	for _, frag := range fragments {
		if err := onChunk(frag); err != nil {
			return err
		}
	}
	return streamErr
}

func (f *fakeEngine) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return f.models, f.modelsErr
}

type fakeSearch struct {
	results []search.Result
	err     error
	queries []string
}

func (f *fakeSearch) Search(ctx context.Context, query string, maxResults int) ([]search.Result, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) > maxResults {
		return f.results[:maxResults], nil
	}
	return f.results, nil
}

// recordingSink accepts writes until limit is reached, then reports the
// consumer as gone. A zero limit never fails.
type recordingSink struct {
	limit     int
	fragments []string
}

func (s *recordingSink) Write(fragment string) error {
	if s.limit > 0 && len(s.fragments) >= s.limit {
		return errSinkClosed
	}
	s.fragments = append(s.fragments, fragment)
	return nil
}

func (s *recordingSink) text() string {
	var out string
	for _, f := range s.fragments {
		out += f
	}
	return out
}

type testEnv struct {
	cfg         Config
	history     *store.FileStore
	attachments *store.AttachmentStore
	engine      *fakeEngine
	search      *fakeSearch
	service     *ChatService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	history, err := store.NewFileStore(root)
	require.NoError(t, err)

	env := &testEnv{
		cfg:         DefaultConfig(),
		history:     history,
		attachments: store.NewAttachmentStore(root),
		engine:      &fakeEngine{},
		search:      &fakeSearch{},
	}
	env.service = NewChatService(env.cfg, env.history, env.attachments, env.engine, env.search, nil)
	return env
}

func (e *testEnv) orchestrator() *Orchestrator {
	return e.service.orchestrator
}

// seed stores a chat and returns a turn answering it.
func (e *testEnv) seed(t *testing.T, chatID string, messages ...store.Message) Turn {
	t.Helper()
	require.NoError(t, e.history.Save(context.Background(), chatID, &store.Chat{Title: store.DefaultTitle, Messages: messages}))
	return Turn{ChatID: chatID, Model: "llama3", Messages: messages}
}

func (e *testEnv) load(t *testing.T, chatID string) *store.Chat {
	t.Helper()
	chat, err := e.history.Load(context.Background(), chatID)
	require.NoError(t, err)
	return chat
}

func user(content string) store.Message {
	return store.Message{Role: store.RoleUser, Content: content}
}

func assistant(content string) store.Message {
	return store.Message{Role: store.RoleAssistant, Content: content, Model: "llama3"}
}
