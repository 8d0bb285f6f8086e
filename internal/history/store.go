// Package history holds the conversation log shared by the text and voice channels.
package history

import (
	"sync"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one immutable utterance. Seq is assigned by the store on append.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Seq     uint64 `json:"seq"`
}

// Observer is notified of every appended turn, in append order.
type Observer func(conversationID string, turn Turn)

// Option customises a Store.
type Option func(*Store)

// WithObserver registers an observer for appended turns.
func WithObserver(obs Observer) Option {
	return func(s *Store) {
		if obs != nil {
			s.observers = append(s.observers, obs)
		}
	}
}

// Store is an append-only, ordered log of turns. Append is the single
// serialization point for both channels.
type Store struct {
	mu        sync.Mutex
	notifyMu  sync.Mutex
	turns     []Turn
	nextSeq   uint64
	convID    string
	observers []Observer
}

func New(opts ...Option) *Store {
	s := &Store{convID: uuid.NewString()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds turn to the end of the log and returns the stored copy.
func (s *Store) Append(turn Turn) Turn {
	// notifyMu keeps observer delivery in append order without holding mu
	// across observer callbacks.
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.nextSeq++
	turn.Seq = s.nextSeq
	s.turns = append(s.turns, turn)
	convID := s.convID
	s.mu.Unlock()

	for _, obs := range s.observers {
		obs(convID, turn)
	}
	return turn
}

// Snapshot returns a copy of the current log.
func (s *Store) Snapshot() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Clear empties the log and starts a new conversation.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.convID = uuid.NewString()
}

func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// ConversationID identifies the current log; it changes on Clear.
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}
