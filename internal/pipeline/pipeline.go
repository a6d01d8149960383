// Package pipeline turns one inbound chat frame into a stored and delivered
// user/bot message pair.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Skotchmaster/shop_assistant/internal/ai"
	"github.com/Skotchmaster/shop_assistant/internal/events"
	"github.com/Skotchmaster/shop_assistant/internal/flags"
	"github.com/Skotchmaster/shop_assistant/internal/logging"
	"github.com/Skotchmaster/shop_assistant/internal/models"
)

const (
	MaxMessageRunes    = 500
	DefaultMaxFileSize = 5 << 20
	DefaultResponseTTL = time.Hour

	ExperimentalFlag = "experimental_model"

	// MemoPrefix namespaces memoized replies in the cache.
	MemoPrefix = "response:"

	sideEffectLimit = 10 * time.Second
	instrumentation = "github.com/Skotchmaster/shop_assistant/internal/pipeline"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrGeneration     = errors.New("generation failed")
	ErrStore          = errors.New("store unavailable")
)

type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
}

type FlagEvaluator interface {
	IsEnabled(ctx context.Context, name string, ec flags.EvalContext) bool
}

type Store interface {
	SaveExchange(ctx context.Context, userMsg, botMsg *models.Message) error
}

type Indexer interface {
	IndexMessage(ctx context.Context, m models.Message) error
}

// Scanner inspects uploaded files. A non-nil error rejects the file.
type Scanner interface {
	Scan(ctx context.Context, name string, data []byte) error
}

type Config struct {
	ResponseTTL time.Duration
	MaxFileSize int
}

type Pipeline struct {
	Cache     Cache
	Flags     FlagEvaluator
	Generator ai.Generator
	Store     Store
	Events    events.Publisher
	Index     Indexer
	Scanner   Scanner
	Config    Config
	Now       func() time.Time

	tracer   trace.Tracer
	stepHist metric.Float64Histogram
	bg       *sync.WaitGroup
}

func New(p Pipeline) *Pipeline {
	out := p
	if out.Config.ResponseTTL <= 0 {
		out.Config.ResponseTTL = DefaultResponseTTL
	}
	if out.Config.MaxFileSize <= 0 {
		out.Config.MaxFileSize = DefaultMaxFileSize
	}
	if out.Events == nil {
		out.Events = events.Discard
	}
	out.bg = &sync.WaitGroup{}
	out.tracer = otel.Tracer(instrumentation)
	out.stepHist, _ = otel.Meter(instrumentation).Float64Histogram(
		"pipeline.step.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of each message pipeline step"),
	)
	return &out
}

// Origin identifies the connection a frame arrived on.
type Origin struct {
	SessionID string
	UserID    uint
	IP        string
	Role      string
}

type Result struct {
	UserMessage models.Message
	BotMessage  models.Message
	CacheHit    bool
	Variant     ai.Variant
}

type prepared struct {
	content  string
	file     bool
	fileName string
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func memoKey(content string) string { return MemoPrefix + content }

// step runs fn and records its duration and outcome.
func (p *Pipeline) step(ctx context.Context, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if p.stepHist != nil {
		p.stepHist.Record(ctx, float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(attribute.String("step", name), attribute.String("outcome", outcome)))
	}
	return err
}

// Process handles one inbound frame end to end. Failures are reported to
// sink as an error frame and returned; nothing is stored for a frame that
// fails before the persist step.
func (p *Pipeline) Process(ctx context.Context, origin Origin, in Inbound, sink Sink) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Process", trace.WithAttributes(
		attribute.String("session.id", origin.SessionID),
		attribute.Int64("user.id", int64(origin.UserID)),
		attribute.String("message.type", in.Type),
	))
	defer span.End()

	l := logging.FromContext(ctx).With("svc", "pipeline", "session_id", origin.SessionID, "user_id", origin.UserID)
	start := p.now()

	fail := func(err error, frameType, text string) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, frameType)
		sink.Send(NewErrorFrame(frameType, text))
		return nil, err
	}

	var msg prepared
	if err := p.step(ctx, "validate", func() error {
		var err error
		msg, err = p.validate(ctx, in)
		return err
	}); err != nil {
		l.Info("message_rejected", "reason", err.Error())
		return fail(err, ErrTypeInvalidMessage, err.Error())
	}

	res := &Result{Variant: ai.Standard}
	var reply string

	if msg.file {
		reply = fmt.Sprintf("Thanks, we received your file %q. A support agent will review it.", msg.fileName)
	} else {
		_ = p.step(ctx, "cache_probe", func() error {
			reply, res.CacheHit = p.Cache.Get(ctx, memoKey(msg.content))
			return nil
		})

		if !res.CacheHit {
			_ = p.step(ctx, "variant", func() error {
				res.Variant = p.variant(ctx, origin)
				return nil
			})

			if err := p.step(ctx, "generate", func() error {
				var err error
				reply, err = p.Generator.Generate(ctx, res.Variant, msg.content)
				return err
			}); err != nil {
				l.Error("generation_failed", "variant", res.Variant, "error", err)
				return fail(fmt.Errorf("%w: %v", ErrGeneration, err), ErrTypeGeneration,
					"The assistant is unavailable right now. Please try again in a moment.")
			}
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", res.CacheHit), attribute.String("ai.variant", string(res.Variant)))

	userMsg := &models.Message{
		SessionID: origin.SessionID,
		UserID:    origin.UserID,
		Content:   msg.content,
	}
	if !msg.file {
		userMsg.Intent = DetectIntent(msg.content)
	}
	botMsg := &models.Message{
		SessionID: origin.SessionID,
		UserID:    origin.UserID,
		Content:   reply,
		IsBot:     true,
		LatencyMs: p.now().Sub(start).Milliseconds(),
	}

	if err := p.step(ctx, "persist", func() error {
		return p.Store.SaveExchange(ctx, userMsg, botMsg)
	}); err != nil {
		l.Error("persist_failed", "error", err)
		return fail(fmt.Errorf("%w: %v", ErrStore, err), ErrTypeStore, "Your message could not be saved. Please try again.")
	}
	res.UserMessage, res.BotMessage = *userMsg, *botMsg

	_ = p.step(ctx, "emit", func() error {
		sink.Send(NewMessageFrame(res.UserMessage, false))
		sink.Send(NewMessageFrame(res.BotMessage, res.CacheHit))
		return nil
	})

	if !msg.file && !res.CacheHit {
		_ = p.step(ctx, "memoize", func() error {
			if !p.Cache.Set(ctx, memoKey(msg.content), reply, p.Config.ResponseTTL) {
				return errors.New("memo write failed")
			}
			return nil
		})
	}

	p.sideEffects(ctx, res)

	l.Info("message_processed",
		"cache_hit", res.CacheHit,
		"variant", res.Variant,
		"latency_ms", botMsg.LatencyMs,
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (p *Pipeline) validate(ctx context.Context, in Inbound) (prepared, error) {
	switch in.Type {
	case InboundText, "":
		content := strings.TrimSpace(in.Content)
		if content == "" {
			return prepared{}, fmt.Errorf("%w: message is empty", ErrInvalidMessage)
		}
		if !utf8.ValidString(content) {
			return prepared{}, fmt.Errorf("%w: message is not valid UTF-8", ErrInvalidMessage)
		}
		if utf8.RuneCountInString(content) > MaxMessageRunes {
			return prepared{}, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidMessage, MaxMessageRunes)
		}
		return prepared{content: content}, nil
	case InboundFile:
		return p.validateFile(ctx, in)
	default:
		return prepared{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, in.Type)
	}
}

func (p *Pipeline) variant(ctx context.Context, origin Origin) ai.Variant {
	if p.Flags == nil {
		return ai.Standard
	}
	ec := flags.EvalContext{
		UserID: strconv.FormatUint(uint64(origin.UserID), 10),
		IP:     origin.IP,
		Role:   origin.Role,
	}
	if p.Flags.IsEnabled(ctx, ExperimentalFlag, ec) {
		return ai.Experimental
	}
	return ai.Standard
}

// sideEffects publishes the domain event and indexes both messages without
// holding up the connection. Wait blocks until they finish.
func (p *Pipeline) sideEffects(ctx context.Context, res *Result) {
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectLimit)
	l := logging.FromContext(ctx).With("svc", "pipeline")

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		defer cancel()

		event := map[string]any{
			"type":            "message_created",
			"session_id":      res.UserMessage.SessionID,
			"user_id":         res.UserMessage.UserID,
			"user_message_id": res.UserMessage.ID,
			"bot_message_id":  res.BotMessage.ID,
			"intent":          res.UserMessage.Intent,
			"cache_hit":       res.CacheHit,
			"variant":         res.Variant,
			"latency_ms":      res.BotMessage.LatencyMs,
		}
		if err := p.Events.PublishEvent(bgCtx, events.TopicChatEvents, res.UserMessage.SessionID, event); err != nil {
			l.Warn("event_publish_failed", "type", "message_created", "error", err)
		}

		if p.Index == nil {
			return
		}
		for _, m := range []models.Message{res.UserMessage, res.BotMessage} {
			if err := p.Index.IndexMessage(bgCtx, m); err != nil {
				l.Warn("index_failed", "message_id", m.ID, "error", err)
			}
		}
	}()
}

func (p *Pipeline) Wait() { p.bg.Wait() }
