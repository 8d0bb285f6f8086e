// Package chat exposes the coordinator on the message bus: request/reply
// chat and voice control, plus a broadcast of turns and voice state.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-sous/internal/ai"
	"github.com/loqalabs/loqa-sous/internal/bus"
	"github.com/loqalabs/loqa-sous/internal/coordinator"
	"github.com/loqalabs/loqa-sous/internal/history"
	"github.com/loqalabs/loqa-sous/internal/protocol"
	"github.com/loqalabs/loqa-sous/internal/session"
)

const historyRetention = 7 * 24 * time.Hour

type Service struct {
	bus     *bus.Client
	coord   *coordinator.Coordinator
	timeout time.Duration
	logger  *slog.Logger
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	ready   atomic.Bool
}

// NewService builds the bus surface. timeout bounds each chat or voice
// request handled on behalf of a bus client.
func NewService(parent context.Context, busClient *bus.Client, coord *coordinator.Coordinator, timeout time.Duration, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		bus:     busClient,
		coord:   coord,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "chat-service")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	if err := s.ensureStream(); err != nil {
		s.logger.Warn("history stream unavailable, turns are broadcast only", slogError(err))
	}

	handlers := map[string]nats.MsgHandler{
		protocol.SubjectChatRequest:  s.handleChat,
		protocol.SubjectVoiceControl: s.handleVoiceControl,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.coord.Subscribe(s)
	s.ready.Store(true)
	return nil
}

func (s *Service) Close() {
	s.ready.Store(false)
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load() && s.bus.Healthy()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) ensureStream() error {
	js := s.bus.JetStream()
	if _, err := js.StreamInfo(protocol.StreamHistory); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     protocol.StreamHistory,
		Subjects: []string{protocol.StreamHistorySubjects},
		MaxAge:   historyRetention,
		MaxMsgs:  10000,
	})
	return err
}

func (s *Service) handleChat(msg *nats.Msg) {
	var req protocol.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode chat request", slogError(err))
		s.respond(msg, protocol.ChatResponse{Error: "invalid request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		resp := protocol.ChatResponse{}
		image, err := ai.DecodeImage(req.ImageMIME, req.ImageBase64)
		if err == nil {
			resp.Reply, err = s.coord.Ask(ctx, req.Text, image)
		}
		resp.ConversationID = s.coord.ConversationID()
		if err != nil {
			s.logger.Warn("chat request failed", slogError(err))
			resp.Error = err.Error()
		}
		s.respond(msg, resp)
	}()
}

func (s *Service) handleVoiceControl(msg *nats.Msg) {
	var ctrl protocol.VoiceControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.logger.Warn("failed to decode voice control", slogError(err))
		s.respond(msg, protocol.VoiceControlReply{Error: "invalid request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		var (
			reply protocol.VoiceControlReply
			err   error
		)
		switch strings.ToLower(ctrl.Action) {
		case "start":
			var outcome session.Outcome
			outcome, err = s.coord.StartVoice(ctx, ctrl.Text)
			reply.Outcome = outcome.String()
		case "stop":
			err = s.coord.StopVoice(ctx)
		case "reset":
			err = s.coord.ResetVoice()
		default:
			err = fmt.Errorf("unknown voice action %q", ctrl.Action)
		}
		reply.State = s.coord.State().String()
		if err != nil {
			reply.Error = err.Error()
		}
		s.respond(msg, reply)
	}()
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	if err := bus.RespondJSON(msg, v); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

// OnTurn broadcasts an appended turn.
func (s *Service) OnTurn(conversationID string, turn history.Turn) {
	s.publish(protocol.SubjectHistoryTurn, protocol.TurnEvent{
		ConversationID: conversationID,
		Role:           string(turn.Role),
		Content:        turn.Content,
		Seq:            turn.Seq,
		Timestamp:      time.Now().UTC(),
	})
}

// OnTransition broadcasts a voice state change.
func (s *Service) OnTransition(tr session.Transition) {
	s.publish(protocol.SubjectVoiceState, protocol.StateEvent{
		From:      tr.From.String(),
		To:        tr.To.String(),
		Event:     tr.Event.String(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, v any) {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
