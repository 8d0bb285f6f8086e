package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-sous/internal/history"
)

const defaultConnectTimeout = 5 * time.Second

// WSConfig configures a websocket voice engine.
type WSConfig struct {
	Endpoint       string
	APIKey         string
	ConnectTimeout time.Duration
}

// WSEngine talks to a realtime voice service over a websocket. The
// connection is dialed on the first Start and reused until Close.
type WSEngine struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	log    *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	done      chan struct{}
	pending   chan error
	listeners []func(Event)
	closed    bool

	writeMu sync.Mutex
}

type wsModel struct {
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Messages []wsMessage `json:"messages"`
}

type wsMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wsVoice struct {
	Provider string  `json:"provider"`
	VoiceID  string  `json:"voiceId"`
	Speed    float64 `json:"speed,omitempty"`
}

type wsStart struct {
	Type  string  `json:"type"`
	Model wsModel `json:"model"`
	Voice wsVoice `json:"voice"`
}

type wsControl struct {
	Type string `json:"type"`
}

type wsServerMessage struct {
	Type           string `json:"type"`
	Role           string `json:"role,omitempty"`
	TranscriptType string `json:"transcriptType,omitempty"`
	Transcript     string `json:"transcript,omitempty"`
	Message        string `json:"message,omitempty"`
}

// NewWSEngine returns an engine for cfg. No connection is opened until Start.
func NewWSEngine(cfg WSConfig, log *slog.Logger) *WSEngine {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &WSEngine{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    log.With(slog.String("component", "voice-ws")),
	}
}

// WSFactory builds a new websocket engine per call.
func WSFactory(cfg WSConfig, log *slog.Logger) Factory {
	return func(context.Context) (Engine, error) {
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, errors.New("voice endpoint not configured")
		}
		return NewWSEngine(cfg, log), nil
	}
}

func (e *WSEngine) OnEvent(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *WSEngine) Start(ctx context.Context, cfg StartConfig) error {
	if err := e.connect(ctx); err != nil {
		return err
	}

	ack := make(chan error, 1)
	e.mu.Lock()
	if e.pending != nil {
		e.mu.Unlock()
		return errors.New("voice start already pending")
	}
	e.pending = ack
	done := e.done
	e.mu.Unlock()
	defer e.clearPending(ack)

	msg := wsStart{
		Type: "start",
		Model: wsModel{
			Provider: cfg.Voice.ModelProvider,
			Model:    cfg.Voice.Model,
			Messages: toWSMessages(cfg.Turns),
		},
		Voice: wsVoice{
			Provider: cfg.Voice.Provider,
			VoiceID:  cfg.Voice.VoiceID,
			Speed:    cfg.Voice.Speed,
		},
	}
	if err := e.writeJSON(msg); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	select {
	case err := <-ack:
		return err
	case <-done:
		return errors.New("voice connection closed before call started")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *WSEngine) Stop(context.Context) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := e.writeJSON(wsControl{Type: "stop"}); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}
	return nil
}

// Close tears the connection down; the engine cannot be restarted.
func (e *WSEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn := e.conn
	done := e.done
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	e.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	e.writeMu.Unlock()
	err := conn.Close()
	<-done
	return err
}

func (e *WSEngine) connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("voice engine closed")
	}
	if e.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	headers := make(http.Header)
	if e.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	conn, resp, err := e.dialer.DialContext(dialCtx, e.cfg.Endpoint, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("voice dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("voice dial failed: %w", err)
	}
	e.conn = conn
	e.done = make(chan struct{})
	go e.readLoop(conn, e.done)
	e.log.Info("voice connection established", slog.String("endpoint", e.cfg.Endpoint))
	return nil
}

func (e *WSEngine) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		e.mu.Lock()
		if e.conn == conn {
			e.conn = nil
		}
		e.mu.Unlock()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !e.isClosed() {
				e.log.Warn("voice connection lost", slog.String("error", err.Error()))
			}
			e.emit(Event{Kind: EventEnded})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg wsServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			e.log.Warn("invalid voice message", slog.String("error", err.Error()))
			continue
		}
		e.dispatch(msg)
	}
}

func (e *WSEngine) dispatch(msg wsServerMessage) {
	switch msg.Type {
	case "call-start":
		e.resolvePending(nil)
		e.emit(Event{Kind: EventStarted})
	case "call-end":
		e.emit(Event{Kind: EventEnded})
	case "transcript":
		if msg.TranscriptType != "final" {
			return
		}
		role := history.Role(msg.Role)
		if role != history.RoleUser && role != history.RoleAssistant {
			return
		}
		e.emit(Event{Kind: EventUtterance, Role: role, Text: msg.Transcript})
	case "error":
		err := errors.New(strings.TrimSpace(msg.Message))
		if !e.resolvePending(err) {
			e.emit(Event{Kind: EventError, Err: err})
		}
	}
}

// resolvePending completes an in-flight Start; it reports whether one existed.
func (e *WSEngine) resolvePending(err error) bool {
	e.mu.Lock()
	ack := e.pending
	e.pending = nil
	e.mu.Unlock()
	if ack == nil {
		return false
	}
	ack <- err
	return true
}

func (e *WSEngine) clearPending(ack chan error) {
	e.mu.Lock()
	if e.pending == ack {
		e.pending = nil
	}
	e.mu.Unlock()
}

func (e *WSEngine) emit(ev Event) {
	e.mu.Lock()
	listeners := append([]func(Event){}, e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (e *WSEngine) writeJSON(v any) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return errors.New("voice connection not open")
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (e *WSEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func toWSMessages(turns []history.Turn) []wsMessage {
	out := make([]wsMessage, 0, len(turns))
	for _, t := range turns {
		out = append(out, wsMessage{Role: string(t.Role), Content: t.Content})
	}
	return out
}
