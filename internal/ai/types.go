// Package ai provides the text and vision completion backends used by the
// chat surface and the recipe analyzer.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-sous/internal/config"
	"github.com/loqalabs/loqa-sous/internal/history"
)

var (
	ErrChatFailed     = errors.New("failed to get AI response")
	ErrAnalysisFailed = errors.New("failed to analyze image and generate recipes")
)

// Image is an inline image attached to a request.
type Image struct {
	MIMEType string
	Data     []byte
}

// Request describes one completion. History holds prior turns in order;
// Prompt is the new user message.
type Request struct {
	System      string
	Prompt      string
	Image       *Image
	History     []history.Turn
	MaxTokens   int
	Temperature float64
}

// Completer defines a pluggable completion backend.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// New builds the backend selected by cfg.Mode.
func New(ctx context.Context, cfg config.AIConfig, log *slog.Logger) (Completer, error) {
	var (
		c   Completer
		err error
	)
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		c = NewMockCompleter()
	case "gemini":
		c, err = NewGeminiCompleter(ctx, cfg.APIKey, cfg.Model)
	case "ollama":
		c = NewOllamaCompleter(cfg.Endpoint, cfg.Model)
	case "exec":
		c, err = NewExecCompleter(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported ai mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	log.With(slog.String("component", "ai")).Info("completion backend ready", slog.String("mode", cfg.Mode), slog.String("model", cfg.Model))
	return WithDefaults(c, cfg), nil
}

type defaulted struct {
	next        Completer
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

// WithDefaults fills unset request limits from cfg and bounds each call by
// cfg.TimeoutMS.
func WithDefaults(c Completer, cfg config.AIConfig) Completer {
	return &defaulted{
		next:        c,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}
}

func (d *defaulted) Complete(ctx context.Context, req Request) (string, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = d.maxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = d.temperature
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return d.next.Complete(ctx, req)
}
