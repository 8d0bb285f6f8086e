// Package coordinator unifies the text and voice channels of the cooking
// assistant around one conversation history and one voice session.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-sous/internal/ai"
	"github.com/loqalabs/loqa-sous/internal/config"
	"github.com/loqalabs/loqa-sous/internal/history"
	"github.com/loqalabs/loqa-sous/internal/session"
	"github.com/loqalabs/loqa-sous/internal/steps"
	"github.com/loqalabs/loqa-sous/internal/voice"
)

const instrumentationName = "github.com/loqalabs/loqa-sous/coordinator"

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoImage      = errors.New("image is empty")
)

// Listener receives every appended turn and every voice state change.
// Calls are made synchronously and in order.
type Listener interface {
	OnTurn(conversationID string, turn history.Turn)
	OnTransition(tr session.Transition)
}

// Options wires a Coordinator. Factory and Completer are required.
type Options struct {
	Voice      config.VoiceConfig
	Recovery   config.RecoveryConfig
	Factory    voice.Factory
	Completer  ai.Completer
	Classifier session.Classifier
	Meter      metric.Meter
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Status summarises the coordinator for status endpoints.
type Status struct {
	State          string    `json:"state"`
	Active         bool      `json:"active"`
	ConversationID string    `json:"conversation_id"`
	Turns          int       `json:"turns"`
	Recoveries     int       `json:"recoveries"`
	LastRecovery   time.Time `json:"last_recovery,omitzero"`
}

type Coordinator struct {
	history   *history.Store
	machine   *session.Machine
	guard     *session.Guard
	completer ai.Completer
	voice     config.VoiceConfig
	tracer    trace.Tracer
	metrics   *metrics
	log       *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func New(opts Options) (*Coordinator, error) {
	if opts.Factory == nil {
		return nil, errors.New("voice factory required")
	}
	if opts.Completer == nil {
		return nil, errors.New("completer required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		completer: opts.Completer,
		voice:     opts.Voice,
		tracer:    opts.Tracer,
		log:       log.With(slog.String("component", "coordinator")),
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(instrumentationName)
	}

	classifier := opts.Classifier
	if classifier == nil {
		classifier = session.MarkerClassifier{Markers: opts.Recovery.Markers}
	}
	c.history = history.New(history.WithObserver(c.onTurn))
	c.machine = session.NewMachine()
	c.machine.Observe(c.onTransition)
	c.guard = session.NewGuard(session.Options{
		Factory:     opts.Factory,
		Machine:     c.machine,
		History:     c.history,
		SettleDelay: time.Duration(opts.Voice.SettleDelayMS) * time.Millisecond,
		Classifier:  classifier,
		Policy: session.Policy{
			MaxAutoRecoveries: opts.Recovery.MaxAutoRecoveries,
			Backoff:           backoff.NewConstantBackOff(time.Duration(opts.Recovery.BackoffMS) * time.Millisecond),
		},
		Logger: log,
	})

	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m, err := newMetrics(meter, c.machine.State)
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	c.metrics = m
	c.guard.Recovery().OnRecovered(func(kind session.FailureKind) {
		c.metrics.recovered(kind)
	})
	return c, nil
}

// Subscribe registers l for turn and state notifications.
func (c *Coordinator) Subscribe(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Coordinator) AppendUserText(text string) history.Turn {
	return c.history.Append(history.Turn{Role: history.RoleUser, Content: text})
}

func (c *Coordinator) AppendAssistantText(text string) history.Turn {
	return c.history.Append(history.Turn{Role: history.RoleAssistant, Content: text})
}

func (c *Coordinator) HistorySnapshot() []history.Turn {
	return c.history.Snapshot()
}

func (c *Coordinator) ConversationID() string {
	return c.history.ConversationID()
}

// ClearHistory empties the conversation. A live voice session is left
// running; it keeps the context it was started with.
func (c *Coordinator) ClearHistory() {
	c.history.Clear()
	c.log.Info("conversation cleared", slog.String("conversation_id", c.history.ConversationID()))
}

func (c *Coordinator) IsVoiceActive() bool {
	return c.machine.State() == session.StateActive
}

func (c *Coordinator) State() session.State {
	return c.machine.State()
}

func (c *Coordinator) Status() Status {
	attempts, last := c.guard.Recovery().Attempts()
	state := c.machine.State()
	return Status{
		State:          state.String(),
		Active:         state == session.StateActive,
		ConversationID: c.history.ConversationID(),
		Turns:          c.history.Len(),
		Recoveries:     attempts,
		LastRecovery:   last,
	}
}

// StartVoice opens a voice session that speaks text step by step, with the
// current conversation as context. The spoken text itself is not recorded;
// the engine reports what was actually said.
func (c *Coordinator) StartVoice(ctx context.Context, text string) (session.Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.StartVoice")
	defer span.End()

	outcome, err := c.guard.Start(ctx, voice.StartConfig{
		Turns: c.startTurns(text),
		Voice: voice.Parameters{
			ModelProvider: c.voice.ModelProvider,
			Model:         c.voice.Model,
			Provider:      c.voice.VoiceProvider,
			VoiceID:       c.voice.VoiceID,
			Speed:         c.voice.Speed,
		},
	})
	c.metrics.acquisition(outcome)
	span.SetAttributes(attribute.String("voice.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warn("voice start failed", slog.String("outcome", outcome.String()), slog.String("error", err.Error()))
		return outcome, err
	}
	c.log.Info("voice start", slog.String("outcome", outcome.String()))
	return outcome, nil
}

func (c *Coordinator) startTurns(text string) []history.Turn {
	prompt := c.voice.SystemPrompt
	if prompt == "" {
		prompt = ai.VoiceSystemPrompt
	}
	prior := c.history.Snapshot()
	turns := make([]history.Turn, 0, len(prior)+2)
	turns = append(turns, history.Turn{Role: history.RoleSystem, Content: prompt})
	turns = append(turns, prior...)
	turns = append(turns, history.Turn{Role: history.RoleUser, Content: steps.Speakable(text)})
	return turns
}

func (c *Coordinator) StopVoice(ctx context.Context) error {
	return c.guard.Stop(ctx)
}

// ResetVoice clears a failed voice session so it can be started again.
func (c *Coordinator) ResetVoice() error {
	return c.guard.Reset()
}

// Ask sends a chat message, with an optional image, and records both the
// message and the reply. On failure the user turn is kept.
func (c *Coordinator) Ask(ctx context.Context, text string, image *ai.Image) (string, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Ask")
	defer span.End()

	text = strings.TrimSpace(text)
	if image != nil && len(image.Data) == 0 {
		image = nil
	}
	if text == "" && image == nil {
		return "", ErrEmptyMessage
	}
	if text == "" {
		text = ai.DefaultImageMessage
	}
	span.SetAttributes(attribute.Bool("chat.image", image != nil))

	prior := c.history.Snapshot()
	c.AppendUserText(text)

	req := ai.Request{Image: image}
	if len(prior) == 0 {
		req.Prompt = ai.ChatPrompt(text, image != nil)
	} else {
		req.System = ai.ChatSystemPrompt
		req.History = prior
		req.Prompt = text
	}
	reply, err := c.completer.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warn("chat completion failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %w", ai.ErrChatFailed, err)
	}
	c.AppendAssistantText(reply)
	return reply, nil
}

// AnalyzeImage lists the ingredients in a photo and suggests recipes. The
// conversation is not touched.
func (c *Coordinator) AnalyzeImage(ctx context.Context, image ai.Image) (string, error) {
	if len(image.Data) == 0 {
		return "", ErrNoImage
	}
	reply, err := c.completer.Complete(ctx, ai.Request{Prompt: ai.RecipeAnalysisPrompt, Image: &image})
	if err != nil {
		c.log.Warn("recipe analysis failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %w", ai.ErrAnalysisFailed, err)
	}
	return reply, nil
}

// Greet adds the greeting to an empty conversation and, if speak is set,
// reads it aloud. It reports whether the greeting was added.
func (c *Coordinator) Greet(ctx context.Context, speak bool) (bool, error) {
	if !c.history.IsEmpty() {
		return false, nil
	}
	c.AppendAssistantText(ai.Greeting)
	if !speak {
		return true, nil
	}
	if _, err := c.StartVoice(ctx, ai.Greeting); err != nil {
		return true, err
	}
	return true, nil
}

// Close stops any voice session and releases the engine.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.guard.Close(ctx)
}

func (c *Coordinator) onTurn(conversationID string, turn history.Turn) {
	c.metrics.turn(turn.Role)
	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, l := range listeners {
		l.OnTurn(conversationID, turn)
	}
}

func (c *Coordinator) onTransition(tr session.Transition) {
	c.log.Debug("voice state", slog.String("from", tr.From.String()), slog.String("to", tr.To.String()), slog.String("event", tr.Event.String()))
	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, l := range listeners {
		l.OnTransition(tr)
	}
}
