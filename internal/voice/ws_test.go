package voice

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-sous/internal/history"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeVoiceServer answers start with the scripted frames and stop with call-end.
type fakeVoiceServer struct {
	onStart []map[string]string

	mu     sync.Mutex
	starts []wsStart
	auth   string
}

func (f *fakeVoiceServer) handler() http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ctrl wsControl
			if err := json.Unmarshal(data, &ctrl); err != nil {
				return
			}
			switch ctrl.Type {
			case "start":
				var start wsStart
				_ = json.Unmarshal(data, &start)
				f.mu.Lock()
				f.starts = append(f.starts, start)
				f.mu.Unlock()
				for _, frame := range f.onStart {
					_ = conn.WriteJSON(frame)
				}
			case "stop":
				_ = conn.WriteJSON(map[string]string{"type": "call-end"})
			}
		}
	})
}

func startServer(t *testing.T, f *fakeVoiceServer) string {
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 16)} }

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for voice event")
		return Event{}
	}
}

func TestWSEngineStartAndTranscripts(t *testing.T) {
	f := &fakeVoiceServer{onStart: []map[string]string{
		{"type": "call-start"},
		{"type": "transcript", "role": "user", "transcriptType": "partial", "transcript": "I'm re"},
		{"type": "transcript", "role": "user", "transcriptType": "final", "transcript": "I'm ready"},
	}}
	url := startServer(t, f)

	engine := NewWSEngine(WSConfig{Endpoint: url, APIKey: "secret"}, newLogger())
	t.Cleanup(func() { _ = engine.Close() })
	rec := newRecorder()
	engine.OnEvent(rec.record)

	err := engine.Start(context.Background(), StartConfig{
		Turns: []history.Turn{{Role: history.RoleSystem, Content: "cook"}, {Role: history.RoleUser, Content: "Step 1: Boil."}},
		Voice: Parameters{ModelProvider: "openai", Model: "gpt-3.5-turbo", Provider: "11labs", VoiceID: "burt", Speed: 0.85},
	})
	require.NoError(t, err)

	assert.Equal(t, EventStarted, rec.next(t).Kind)
	utterance := rec.next(t)
	assert.Equal(t, EventUtterance, utterance.Kind)
	assert.Equal(t, history.RoleUser, utterance.Role)
	assert.Equal(t, "I'm ready", utterance.Text)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.starts, 1)
	assert.Equal(t, "Bearer secret", f.auth)
	assert.Equal(t, "burt", f.starts[0].Voice.VoiceID)
	require.Len(t, f.starts[0].Model.Messages, 2)
	assert.Equal(t, "system", f.starts[0].Model.Messages[0].Role)
}

func TestWSEngineStartFailureCarriesEngineMessage(t *testing.T) {
	f := &fakeVoiceServer{onStart: []map[string]string{
		{"type": "error", "message": "Duplicate DailyIframe instances are not allowed"},
	}}
	url := startServer(t, f)

	engine := NewWSEngine(WSConfig{Endpoint: url}, newLogger())
	t.Cleanup(func() { _ = engine.Close() })

	err := engine.Start(context.Background(), StartConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Duplicate DailyIframe")
}

func TestWSEngineStopEndsCall(t *testing.T) {
	f := &fakeVoiceServer{onStart: []map[string]string{{"type": "call-start"}}}
	url := startServer(t, f)

	engine := NewWSEngine(WSConfig{Endpoint: url}, newLogger())
	t.Cleanup(func() { _ = engine.Close() })
	rec := newRecorder()
	engine.OnEvent(rec.record)

	require.NoError(t, engine.Stop(context.Background()), "stop before connect is a no-op")
	require.NoError(t, engine.Start(context.Background(), StartConfig{}))
	assert.Equal(t, EventStarted, rec.next(t).Kind)

	require.NoError(t, engine.Stop(context.Background()))
	assert.Equal(t, EventEnded, rec.next(t).Kind)
}

func TestWSFactoryRequiresEndpoint(t *testing.T) {
	_, err := WSFactory(WSConfig{}, newLogger())(context.Background())
	require.Error(t, err)
}
