package eventstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sous/internal/history"
	"github.com/loqalabs/loqa-sous/internal/session"
)

const recordTimeout = 2 * time.Second

// Recorder writes coordinator notifications to the timeline. State changes
// are attributed to the conversation current at the time of the change.
type Recorder struct {
	store        *Store
	conversation func() string
	log          *slog.Logger
}

func NewRecorder(store *Store, conversation func() string, log *slog.Logger) *Recorder {
	return &Recorder{
		store:        store,
		conversation: conversation,
		log:          log.With(slog.String("component", "timeline-recorder")),
	}
}

func (r *Recorder) OnTurn(conversationID string, turn history.Turn) {
	r.append(Entry{
		ConversationID: conversationID,
		Kind:           KindTurn,
		Role:           string(turn.Role),
		Content:        turn.Content,
		Seq:            turn.Seq,
	})
}

func (r *Recorder) OnTransition(tr session.Transition) {
	r.append(Entry{
		ConversationID: r.conversation(),
		Kind:           KindState,
		Role:           tr.Event.String(),
		Content:        tr.From.String() + "->" + tr.To.String(),
	})
}

func (r *Recorder) append(e Entry) {
	if !r.store.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.store.Append(ctx, e); err != nil {
		r.log.Warn("failed to record timeline entry", slog.String("kind", string(e.Kind)), slog.String("error", err.Error()))
	}
}
