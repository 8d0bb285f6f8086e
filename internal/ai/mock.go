package ai

import (
	"context"
	"strings"
	"time"
)

type mockCompleter struct{}

func NewMockCompleter() Completer { return &mockCompleter{} }

func (m *mockCompleter) Complete(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	if req.Image != nil {
		return "[mock analysis of " + req.Image.MIMEType + " image: " + strings.TrimSpace(req.Prompt) + "]", nil
	}
	return "[mock completion for " + strings.TrimSpace(req.Prompt) + "]", nil
}
