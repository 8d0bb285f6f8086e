package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execCompleter runs an external command per request. The request is
// written to stdin as JSON and the command replies with {"content": "..."}.
type execCompleter struct {
	cmd []string
	mu  sync.Mutex
}

type execTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type execRequest struct {
	System      string     `json:"system,omitempty"`
	Prompt      string     `json:"prompt"`
	History     []execTurn `json:"history,omitempty"`
	ImageMIME   string     `json:"image_mime,omitempty"`
	ImageBase64 string     `json:"image_base64,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
}

type execResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

func NewExecCompleter(command string) (Completer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse ai command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("ai command empty")
	}
	return &execCompleter{cmd: args}, nil
}

func (e *execCompleter) Complete(ctx context.Context, req Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := execRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, turn := range req.History {
		payload.History = append(payload.History, execTurn{Role: string(turn.Role), Content: turn.Content})
	}
	if req.Image != nil {
		payload.ImageMIME = req.Image.MIMEType
		payload.ImageBase64 = base64.StdEncoding.EncodeToString(req.Image.Data)
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ai exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode ai exec response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ai exec: %s", resp.Error)
	}
	return resp.Content, nil
}
