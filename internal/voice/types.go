// Package voice defines the contract of the external realtime voice engine
// and the engines that implement it.
package voice

import (
	"context"

	"github.com/loqalabs/loqa-sous/internal/history"
)

// EventKind enumerates the notifications an engine delivers.
type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventEnded
	EventUtterance
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventEnded:
		return "ended"
	case EventUtterance:
		return "utterance"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is an engine notification. Utterance events carry a finalized
// transcript; Error events carry the engine failure.
type Event struct {
	Kind EventKind
	Role history.Role
	Text string
	Err  error
}

// Parameters selects the model and voice used by the engine.
type Parameters struct {
	ModelProvider string  `json:"model_provider"`
	Model         string  `json:"model"`
	Provider      string  `json:"provider"`
	VoiceID       string  `json:"voice_id"`
	Speed         float64 `json:"speed"`
}

// StartConfig is handed to Engine.Start.
type StartConfig struct {
	Turns []history.Turn
	Voice Parameters
}

// Engine is a live voice engine instance. Start blocks until the engine has
// acknowledged the call or failed; listeners registered with OnEvent are
// called from the engine's own goroutine.
type Engine interface {
	Start(ctx context.Context, cfg StartConfig) error
	Stop(ctx context.Context) error
	OnEvent(fn func(Event))
	Close() error
}

// Factory constructs a fresh engine instance.
type Factory func(ctx context.Context) (Engine, error)
