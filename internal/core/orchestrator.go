package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ungleicch/T3-chat-clone-shit/internal/llm"
	"github.com/ungleicch/T3-chat-clone-shit/internal/metrics"
	"github.com/ungleicch/T3-chat-clone-shit/internal/search"
	"github.com/ungleicch/T3-chat-clone-shit/internal/store"
	"github.com/ungleicch/T3-chat-clone-shit/internal/utils"
)

const webSearchSystemPrompt = `You are a large language model with access to a real-time web search tool.
When the user asks a question that requires up-to-date information, financial data, or specific facts you might not know, you MUST use the search tool.

To use the search tool, you must respond with a special search command in the following JSON format, and nothing else:
<search>
{"query": "your concise search query here"}
</search>

You will receive the search results back. After you receive the results, you MUST answer the user's original question based on the information from the search results. Do not make up information.
`

var toolCallPattern = regexp.MustCompile(`(?s)<search>(.*?)</search>`)

// Config holds the fixed parameters of response generation.
type Config struct {
	// ContextWindow is how many trailing messages are sent to the engine.
	ContextWindow int
	// VisionModel replaces the requested model when the final message
	// carries an image.
	VisionModel string
	// TitleModel generates chat titles.
	TitleModel string
	// MaxToolRounds bounds the search loop.
	MaxToolRounds int
	// SearchResults is the number of hits requested per search.
	SearchResults int
	// SearchMarker prefixes user content that enables web search.
	SearchMarker string
}

func DefaultConfig() Config {
	return Config{
		ContextWindow: 20,
		VisionModel:   "llava:latest",
		TitleModel:    "gemma3:1b",
		MaxToolRounds: 3,
		SearchResults: 5,
		SearchMarker:  "[Web Search Activated]",
	}
}

// Sink receives streamed text. A Write error means the consumer is gone.
type Sink interface {
	Write(fragment string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(fragment string) error

func (f SinkFunc) Write(fragment string) error { return f(fragment) }

// Source is a search hit shown to the user in the current turn.
type Source struct {
	Title string
	URL   string
	Query string
}

// Turn is one request to generate an assistant reply.
type Turn struct {
	ChatID string
	Model  string
	// Messages is the chat history the reply answers.
	Messages []store.Message
	// Replace stores the reply at ReplaceIndex instead of appending it.
	Replace      bool
	ReplaceIndex int
}

// Orchestrator generates assistant replies and persists them.
type Orchestrator struct {
	cfg      Config
	engine   llm.Engine
	search   search.Provider
	history  store.HistoryStore
	locks    *store.ChatLocks
	preparer *Preparer
	metrics  *metrics.Metrics
}

func NewOrchestrator(cfg Config, engine llm.Engine, provider search.Provider, history store.HistoryStore,
	locks *store.ChatLocks, preparer *Preparer, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		engine:   engine,
		search:   provider,
		history:  history,
		locks:    locks,
		preparer: preparer,
		metrics:  m,
	}
}

type turnState int

const (
	stateSelectModel turnState = iota
	stateToolRound
	stateStreamFinal
	statePersist
	stateDone
)

func (s turnState) String() string {
	switch s {
	case stateSelectModel:
		return "select_model"
	case stateToolRound:
		return "tool_round"
	case stateStreamFinal:
		return "stream_final"
	case statePersist:
		return "persist"
	default:
		return "done"
	}
}

// turnRun is the mutable state of one Run.
type turnRun struct {
	o    *Orchestrator
	ctx  context.Context
	turn Turn
	sink Sink

	state     turnState
	model     string
	search    bool
	round     int
	messages  []llm.Message
	sources   []Source
	acc       strings.Builder
	delivered int
	started   time.Time
	outcome   string
	persisted bool
}

// Run drives one turn: model selection, up to MaxToolRounds search rounds,
// one streamed answer, then persistence. Whatever reached the sink is saved
// on every exit path. Only an engine failure before any output is returned;
// a detached consumer ends the turn quietly.
func (o *Orchestrator) Run(ctx context.Context, turn Turn, sink Sink) error {
	if len(turn.Messages) == 0 {
		return ErrNoContext
	}

	r := &turnRun{
		o:       o,
		ctx:     ctx,
		turn:    turn,
		sink:    sink,
		state:   stateSelectModel,
		model:   turn.Model,
		started: time.Now(),
		outcome: metrics.OutcomeCompleted,
	}
	defer r.finish()

	for r.state != stateDone {
		var err error
		switch r.state {
		case stateSelectModel:
			r.selectModel()
		case stateToolRound:
			err = r.toolRound()
		case stateStreamFinal:
			err = r.streamFinal()
		case statePersist:
			r.persist()
			r.state = stateDone
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *turnRun) selectModel() {
	cfg := r.o.cfg
	messages := r.turn.Messages
	if len(messages) > cfg.ContextWindow {
		messages = messages[len(messages)-cfg.ContextWindow:]
	}
	window := make([]store.Message, len(messages))
	for i, m := range messages {
		window[i] = m.Clone()
	}
	last := &window[len(window)-1]

	hasImages := hasImageAttachment(*last)
	if hasImages && r.model != cfg.VisionModel {
		slog.Info("image detected, switching to vision model", "chat_id", r.turn.ChatID, "requested", r.model, "model", cfg.VisionModel)
		r.model = cfg.VisionModel
	}

	r.search = last.Role == store.RoleUser && utils.HasMarker(last.Content, cfg.SearchMarker)
	if r.search {
		last.Content = utils.StripMarker(last.Content, cfg.SearchMarker)
	}

	r.messages = r.o.preparer.Prepare(r.turn.ChatID, window, hasImages)
	if r.search {
		r.messages = append([]llm.Message{{Role: store.RoleSystem, Content: webSearchSystemPrompt}}, r.messages...)
		r.state = stateToolRound
		return
	}
	r.state = stateStreamFinal
}

func (r *turnRun) toolRound() error {
	o := r.o
	if r.round >= o.cfg.MaxToolRounds {
		slog.Warn("search round limit reached, answering with current context", "chat_id", r.turn.ChatID, "rounds", r.round)
		o.metrics.ToolRound("cap_reached")
		r.state = stateStreamFinal
		return nil
	}
	r.round++

	reply, err := o.engine.Chat(r.ctx, llm.Request{Model: r.model, Messages: r.messages})
	if err != nil {
		return r.engineFailure(err)
	}

	match := toolCallPattern.FindStringSubmatch(reply)
	if match == nil {
		o.metrics.ToolRound("no_tool")
		r.state = stateStreamFinal
		return nil
	}

	query, err := parseToolCall(match[1])
	if err != nil {
		slog.Warn("malformed search tool call", "chat_id", r.turn.ChatID, "error", err)
		o.metrics.ToolRound("parse_error")
		r.toolFailure(err)
		return nil
	}

	slog.Info("model requested web search", "chat_id", r.turn.ChatID, "query", query, "round", r.round)
	if err := r.emit(fmt.Sprintf("Searching the web for: `%s`\n\n", query)); err != nil {
		r.detach(err)
		return nil
	}

	results, err := o.search.Search(r.ctx, query, o.cfg.SearchResults)
	if err != nil {
		if r.ctx.Err() != nil {
			r.detach(r.ctx.Err())
			return nil
		}
		slog.Warn("web search failed", "chat_id", r.turn.ChatID, "query", query, "error", err)
		o.metrics.ToolRound("search_error")
		r.toolFailure(err)
		return nil
	}
	o.metrics.ToolRound("search")

	for _, res := range results {
		r.sources = append(r.sources, Source{Title: res.Title, URL: res.URL, Query: query})
	}
	r.messages = append(r.messages,
		llm.Message{Role: store.RoleAssistant, Content: reply},
		llm.Message{Role: store.RoleUser, Content: search.FormatResults(query, results)},
	)
	r.state = stateToolRound
	return nil
}

func (r *turnRun) streamFinal() error {
	err := r.o.engine.ChatStream(r.ctx, llm.Request{Model: r.model, Messages: r.messages}, r.emit)
	switch {
	case err == nil:
	case errors.Is(err, ErrConsumerDetached) || r.ctx.Err() != nil:
		r.detach(err)
		return nil
	default:
		return r.engineFailure(err)
	}

	if len(r.sources) > 0 {
		if err := r.emit(renderSources(r.sources)); err != nil {
			r.detach(err)
			return nil
		}
	}
	r.state = statePersist
	return nil
}

// emit delivers a fragment and records it once the sink accepted it.
func (r *turnRun) emit(fragment string) error {
	if fragment == "" {
		return nil
	}
	if err := r.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConsumerDetached, err)
	}
	if err := r.sink.Write(fragment); err != nil {
		return fmt.Errorf("%w: %v", ErrConsumerDetached, err)
	}
	if r.delivered == 0 {
		r.o.metrics.FirstFragment(r.started)
	}
	r.delivered++
	r.acc.WriteString(fragment)
	r.o.metrics.Fragment()
	return nil
}

func (r *turnRun) detach(err error) {
	slog.Info("stream was aborted by the client", "chat_id", r.turn.ChatID, "state", r.state.String(), "delivered", r.delivered, "error", err)
	r.o.metrics.Disconnect()
	r.outcome = metrics.OutcomeDetached
	r.state = statePersist
}

// toolFailure ends the turn with a visible error that is stored as the reply.
func (r *turnRun) toolFailure(err error) {
	r.outcome = metrics.OutcomeToolError
	if emitErr := r.emit(fmt.Sprintf("An error occurred while trying to perform a web search: %v", err)); emitErr != nil {
		r.detach(emitErr)
		return
	}
	r.state = statePersist
}

// engineFailure fails the request if nothing was delivered yet, otherwise
// keeps the partial reply.
func (r *turnRun) engineFailure(err error) error {
	if r.ctx.Err() != nil {
		r.detach(err)
		return nil
	}
	r.outcome = metrics.OutcomeInferenceError
	if r.delivered == 0 {
		return &InferenceError{Model: r.model, Err: err}
	}
	slog.Error("inference failed mid-turn, keeping partial reply", "chat_id", r.turn.ChatID, "model", r.model, "delivered", r.delivered, "error", err)
	r.state = statePersist
	return nil
}

func (r *turnRun) finish() {
	r.persist()
	r.o.metrics.Turn(r.outcome)
}

// persist stores the accumulated reply against the current snapshot, not the
// one the turn started from.
func (r *turnRun) persist() {
	if r.persisted {
		return
	}
	r.persisted = true

	o := r.o
	content := r.acc.String()
	if content == "" {
		o.metrics.Persist("skipped")
		return
	}

	ctx := context.WithoutCancel(r.ctx)
	unlock := o.locks.Lock(r.turn.ChatID)
	defer unlock()

	chat, err := o.history.Load(ctx, r.turn.ChatID)
	if err != nil {
		slog.Warn("chat gone before reply could be saved", "chat_id", r.turn.ChatID, "error", err)
		o.metrics.Persist("skipped")
		return
	}

	reply := store.Message{Role: store.RoleAssistant, Content: content, Model: r.model}
	if n := len(chat.Messages); n > 0 && chat.Messages[n-1].Equal(reply) {
		o.metrics.Persist("skipped")
		return
	}

	// A regenerated reply takes its old slot. Anything a user added there
	// while the reply was generated is kept after it.
	idx := r.turn.ReplaceIndex
	switch {
	case !r.turn.Replace || idx < 0 || idx >= len(chat.Messages):
		chat.Messages = append(chat.Messages, reply)
	case chat.Messages[idx].Role == store.RoleAssistant:
		chat.Messages[idx] = reply
	default:
		chat.Messages = slices.Insert(chat.Messages, idx, reply)
	}

	if err := o.history.Save(ctx, r.turn.ChatID, chat); err != nil {
		slog.Error("failed to save reply", "chat_id", r.turn.ChatID, "error", err)
		o.metrics.Persist("error")
		return
	}
	slog.Info("saved reply", "chat_id", r.turn.ChatID, "chars", len(content), "outcome", r.outcome)
	o.metrics.Persist("saved")
}

func parseToolCall(raw string) (string, error) {
	var call struct {
		Query *string `json:"query"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &call); err != nil {
		return "", fmt.Errorf("invalid search command: %w", err)
	}
	if call.Query == nil || strings.TrimSpace(*call.Query) == "" {
		return "", errors.New("search command has no query")
	}
	return strings.TrimSpace(*call.Query), nil
}

func renderSources(sources []Source) string {
	var sb strings.Builder
	sb.WriteString("\n\n---\n**Sources:**\n")
	for i, s := range sources {
		fmt.Fprintf(&sb, "%d. [%s](%s) - *Query: %s*\n", i+1, s.Title, s.URL, s.Query)
	}
	return sb.String()
}
