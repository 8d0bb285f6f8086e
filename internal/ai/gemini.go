package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/loqalabs/loqa-sous/internal/history"
)

const defaultGeminiModel = "gemini-1.5-flash"

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type geminiCompleter struct {
	models contentGenerator
	model  string
}

func NewGeminiCompleter(ctx context.Context, apiKey, model string) (Completer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiCompleter(client.Models, model), nil
}

func newGeminiCompleter(models contentGenerator, model string) *geminiCompleter {
	if model == "" {
		model = defaultGeminiModel
	}
	return &geminiCompleter{models: models, model: model}
}

func (g *geminiCompleter) Complete(ctx context.Context, req Request) (string, error) {
	contents, system := geminiContents(req)
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("gemini returned no text")
	}
	return text, nil
}

// geminiContents maps the conversation onto Gemini roles. System turns from
// history are folded into the system instruction.
func geminiContents(req Request) ([]*genai.Content, string) {
	system := []string{}
	if req.System != "" {
		system = append(system, req.System)
	}
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, turn := range req.History {
		switch turn.Role {
		case history.RoleSystem:
			system = append(system, turn.Content)
		case history.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(turn.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(turn.Content, genai.RoleUser))
		}
	}
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if req.Image != nil {
		parts = append(parts, genai.NewPartFromBytes(req.Image.Data, req.Image.MIMEType))
	}
	contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	return contents, strings.Join(system, "\n\n")
}
