// Package pipeline wires the bus event streams to the strategy layer: it
// routes inbound queries to their strategy, runs the turn with a progress
// heartbeat, and emits the terminal reply or error events.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/valet-ai/valet/internal/bus"
	"github.com/valet-ai/valet/internal/domain"
	"github.com/valet-ai/valet/internal/heartbeat"
	"github.com/valet-ai/valet/internal/strategy"
	"github.com/valet-ai/valet/internal/textsplit"
	"github.com/valet-ai/valet/internal/transcript"
)

// fallbackMessage is the user-visible reply when a turn fails. The real
// error goes to the log and the error event, never to the user.
const fallbackMessage = "Error 💀"

// Recorder is the transcript sink. Write failures are logged here and
// never fail the turn.
type Recorder interface {
	Record(ctx context.Context, turn transcript.Turn) error
}

// Config tunes the per-turn progress heartbeat and reply delivery.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatFrames   []string

	// ReplyChunkSize splits long chat replies into multiple terminal
	// events, one per chunk, for platforms with a message length cap.
	ReplyChunkSize int
}

// Pipeline owns the orchestration handlers.
type Pipeline struct {
	bus      *bus.Bus
	factory  *strategy.Factory
	recorder Recorder
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a pipeline. recorder may be nil when transcripts are
// disabled.
func New(b *bus.Bus, factory *strategy.Factory, recorder Recorder, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	return &Pipeline{
		bus:      b,
		factory:  factory,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("valet/pipeline"),
	}
}

// Handlers returns the pipeline's bus handlers keyed by the kind they
// consume. The supervisor uses the same map to re-attach after a fault.
func (p *Pipeline) Handlers() map[bus.Kind]bus.Handler {
	return map[bus.Kind]bus.Handler{
		bus.KindAssistantQuery: p.route(strategy.NameOpenAI),
		bus.KindWebQuery:       p.route(strategy.NamePerplexity),
		bus.KindProcessInput:   p.process,
	}
}

// Register attaches every handler to the bus.
func (p *Pipeline) Register() {
	for kind, handler := range p.Handlers() {
		p.bus.On(kind, handler)
	}
}

// route maps one inbound query kind onto its strategy and forwards the
// annotated query to the processing stream.
func (p *Pipeline) route(strategyName string) bus.Handler {
	return func(ctx context.Context, ev bus.Event) error {
		q, ok := ev.(*bus.Query)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", ev, ev.Kind())
		}
		p.bus.Emit(ctx, &bus.ProcessInput{Query: *q, StrategyName: strategyName})
		return nil
	}
}

// process runs one turn end to end. Every exit path stops the heartbeat
// and emits a terminal event.
func (p *Pipeline) process(ctx context.Context, ev bus.Event) error {
	in, ok := ev.(*bus.ProcessInput)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Kind())
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			attribute.String("strategy", in.StrategyName),
			attribute.String("source", string(in.Source)),
		))
	defer span.End()

	hb := heartbeat.Start(p.cfg.HeartbeatInterval, p.cfg.HeartbeatFrames, func(frame string) {
		p.bus.Emit(ctx, &bus.Notice{Text: frame, Metadata: in.Metadata})
	})
	defer hb.Stop()

	s, err := p.factory.Get(in.StrategyName)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return p.fail(ctx, in, err)
	}

	started := time.Now()
	result, err := s.Process(ctx, strategy.Request{
		ID:     in.Data.ID,
		UserID: in.Data.UserID,
		Name:   in.Data.Name,
		Input:  in.Data.Input,
		Files:  in.Data.Files,
		Source: in.Source,
		Cache: strategy.CacheOverride{
			TTLSeconds: in.Cache.TTLSeconds,
			BaseKey:    in.Cache.BaseKey,
		},
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return p.fail(ctx, in, err)
	}

	p.record(ctx, in, result, time.Since(started))

	hb.Stop()
	p.reply(ctx, in, result)
	return nil
}

// reply emits the terminal event(s) for a successful turn. Long chat
// answers split into ordered chunks; audio and voice results never do.
func (p *Pipeline) reply(ctx context.Context, in *bus.ProcessInput, result domain.Result) {
	chunkable := in.Source == domain.SourceChat &&
		result.Type == domain.ResultText &&
		p.cfg.ReplyChunkSize > 0 &&
		len(result.Response) > p.cfg.ReplyChunkSize

	if !chunkable {
		p.bus.Emit(ctx, &bus.Reply{ReplyKind: in.ReplyKind, Result: result, Metadata: in.Metadata})
		return
	}

	for _, part := range textsplit.Split(result.Response, p.cfg.ReplyChunkSize) {
		p.bus.Emit(ctx, &bus.Reply{
			ReplyKind: in.ReplyKind,
			Result:    domain.TextResult(part),
			Metadata:  in.Metadata,
		})
	}
}

// fail logs the full failure context, notifies the front-end through the
// error stream when one was named, and still resolves the turn with the
// fallback reply so no request is left hanging.
func (p *Pipeline) fail(ctx context.Context, in *bus.ProcessInput, err error) error {
	p.logger.Error("turn processing failed",
		slog.String("strategy", in.StrategyName),
		slog.String("source", string(in.Source)),
		slog.String("context_id", in.Data.ID),
		slog.String("user_id", in.Data.UserID),
		slog.String("name", in.Data.Name),
		slog.String("input", in.Data.Input),
		slog.Any("attachments", in.Data.Files),
		slog.Any("error", err))

	if in.ErrorKind != "" {
		p.bus.Emit(ctx, &bus.ReplyError{ErrKind: in.ErrorKind, Err: err, Metadata: in.Metadata})
	}
	p.bus.Emit(ctx, &bus.Reply{
		ReplyKind: in.ReplyKind,
		Result:    domain.TextResult(fallbackMessage),
		Failed:    true,
		Metadata:  in.Metadata,
	})
	return err
}

func (p *Pipeline) record(ctx context.Context, in *bus.ProcessInput, result domain.Result, took time.Duration) {
	if p.recorder == nil {
		return
	}
	turn := transcript.Turn{
		ID:         in.Data.ID,
		UserID:     in.Data.UserID,
		Strategy:   in.StrategyName,
		Source:     in.Source,
		Input:      in.Data.Input,
		Response:   result.Response,
		ResultType: result.Type,
		Duration:   took,
	}
	if err := p.recorder.Record(ctx, turn); err != nil {
		transcript.LogFailure(p.logger, turn, err)
	}
}
