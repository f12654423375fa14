package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("chat.llm")

// tracedEngine wraps an Engine with one span per call.
type tracedEngine struct {
	next    Engine
	backend string
}

// Traced returns engine instrumented with OpenTelemetry spans.
func Traced(engine Engine, backend string) Engine {
	return &tracedEngine{next: engine, backend: backend}
}

func (t *tracedEngine) start(ctx context.Context, name string, req Request) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("llm.backend", t.backend),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.num_messages", len(req.Messages)),
	)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *tracedEngine) Chat(ctx context.Context, req Request) (text string, err error) {
	ctx, span := t.start(ctx, "Engine.Chat", req)
	defer func() { endSpan(span, err) }()

	text, err = t.next.Chat(ctx, req)
	span.SetAttributes(attribute.Int("llm.response_chars", len(text)))
	return text, err
}

func (t *tracedEngine) ChatStream(ctx context.Context, req Request, onChunk func(string) error) (err error) {
	ctx, span := t.start(ctx, "Engine.ChatStream", req)
	defer func() { endSpan(span, err) }()

	chunks := 0
	err = t.next.ChatStream(ctx, req, func(s string) error {
		chunks++
		return onChunk(s)
	})
	span.SetAttributes(attribute.Int("llm.stream_chunks", chunks))
	return err
}

func (t *tracedEngine) ListModels(ctx context.Context) (models []ModelInfo, err error) {
	ctx, span := tracer.Start(ctx, "Engine.ListModels")
	span.SetAttributes(attribute.String("llm.backend", t.backend))
	defer func() { endSpan(span, err) }()

	return t.next.ListModels(ctx)
}
