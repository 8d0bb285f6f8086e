package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-sous/internal/ai"
	"github.com/loqalabs/loqa-sous/internal/bus"
	"github.com/loqalabs/loqa-sous/internal/config"
	"github.com/loqalabs/loqa-sous/internal/coordinator"
	"github.com/loqalabs/loqa-sous/internal/natsserver"
	"github.com/loqalabs/loqa-sous/internal/protocol"
	"github.com/loqalabs/loqa-sous/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	nc    *nats.Conn
	coord *coordinator.Coordinator
	svc   *Service
}

func setup(t *testing.T) *harness {
	t.Helper()
	log := newLogger()

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	cfg := config.Default()
	cfg.Voice.SettleDelayMS = 0
	coord, err := coordinator.New(coordinator.Options{
		Voice:     cfg.Voice,
		Recovery:  cfg.Recovery,
		Factory:   voice.MockFactory(nil),
		Completer: ai.NewMockCompleter(),
		Logger:    log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close(context.Background()) })

	svc := NewService(context.Background(), client, coord, 5*time.Second, log)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.True(t, svc.Healthy())

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return &harness{nc: nc, coord: coord, svc: svc}
}

func request[T any](t *testing.T, nc *nats.Conn, subject string, body any) T {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	msg, err := nc.Request(subject, data, 5*time.Second)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(msg.Data, &out))
	return out
}

func TestChatRequestReply(t *testing.T) {
	h := setup(t)

	turns := make(chan *nats.Msg, 8)
	sub, err := h.nc.ChanSubscribe(protocol.SubjectHistoryTurn, turns)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, h.nc.Flush())

	resp := request[protocol.ChatResponse](t, h.nc, protocol.SubjectChatRequest, protocol.ChatRequest{Text: "how long do I boil eggs?"})
	assert.Empty(t, resp.Error)
	assert.Contains(t, resp.Reply, "[mock completion for")
	assert.Equal(t, h.coord.ConversationID(), resp.ConversationID)

	var roles []string
	for len(roles) < 2 {
		select {
		case msg := <-turns:
			var evt protocol.TurnEvent
			require.NoError(t, json.Unmarshal(msg.Data, &evt))
			roles = append(roles, evt.Role)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for turn events")
		}
	}
	assert.Equal(t, []string{"user", "assistant"}, roles)

	require.Eventually(t, func() bool {
		info, err := h.svc.bus.JetStream().StreamInfo(protocol.StreamHistory)
		return err == nil && info.State.Msgs == 2
	}, 2*time.Second, 20*time.Millisecond, "turns are retained in the history stream")
}

func TestChatRequestWithImage(t *testing.T) {
	h := setup(t)

	resp := request[protocol.ChatResponse](t, h.nc, protocol.SubjectChatRequest, protocol.ChatRequest{
		ImageMIME:   "image/png",
		ImageBase64: base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
	})
	assert.Empty(t, resp.Error)
	assert.Contains(t, resp.Reply, "image/png")
	assert.Equal(t, ai.DefaultImageMessage, h.coord.HistorySnapshot()[0].Content)

	resp = request[protocol.ChatResponse](t, h.nc, protocol.SubjectChatRequest, protocol.ChatRequest{})
	assert.NotEmpty(t, resp.Error)
}

func TestChatRequestSniffsImageType(t *testing.T) {
	h := setup(t)

	resp := request[protocol.ChatResponse](t, h.nc, protocol.SubjectChatRequest, protocol.ChatRequest{
		ImageBase64: base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\n0000")),
	})
	assert.Empty(t, resp.Error)
	assert.Contains(t, resp.Reply, "image/png")
}

func TestVoiceControl(t *testing.T) {
	h := setup(t)

	states := make(chan *nats.Msg, 16)
	sub, err := h.nc.ChanSubscribe(protocol.SubjectVoiceState, states)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, h.nc.Flush())

	reply := request[protocol.VoiceControlReply](t, h.nc, protocol.SubjectVoiceControl, protocol.VoiceControl{Action: "start", Text: "1. Boil. 2. Drain."})
	assert.Empty(t, reply.Error)
	assert.Equal(t, "started", reply.Outcome)
	assert.Equal(t, "active", reply.State)

	reply = request[protocol.VoiceControlReply](t, h.nc, protocol.SubjectVoiceControl, protocol.VoiceControl{Action: "start"})
	assert.Equal(t, "ignored", reply.Outcome)

	reply = request[protocol.VoiceControlReply](t, h.nc, protocol.SubjectVoiceControl, protocol.VoiceControl{Action: "stop"})
	assert.Empty(t, reply.Error)
	assert.Equal(t, "idle", reply.State)

	reply = request[protocol.VoiceControlReply](t, h.nc, protocol.SubjectVoiceControl, protocol.VoiceControl{Action: "dance"})
	assert.NotEmpty(t, reply.Error)

	var seen []string
	for len(seen) < 4 {
		select {
		case msg := <-states:
			var evt protocol.StateEvent
			require.NoError(t, json.Unmarshal(msg.Data, &evt))
			seen = append(seen, evt.To)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for state events, got %v", seen)
		}
	}
	assert.Equal(t, []string{"starting", "active", "stopping", "idle"}, seen)
}
