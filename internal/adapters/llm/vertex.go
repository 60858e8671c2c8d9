package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/PabloGalante/callcore/internal/domain"
)

type VertexConfig struct {
	ProjectID      string
	Location       string
	ModelName      string
	EmbeddingModel string
}

// VertexClient is the generative fallback and the embedder, both on Vertex
// AI (Gemini).
type VertexClient struct {
	client         *genai.Client
	modelName      string
	embeddingModel string
}

func NewVertexClient(ctx context.Context, cfg VertexConfig) (*VertexClient, error) {
	if cfg.ProjectID == "" || cfg.Location == "" {
		return nil, errors.New("vertex: project and location must be set")
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "gemini-2.5-flash-lite"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-004"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  cfg.ProjectID,
		Location: cfg.Location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Vertex AI client: %w", err)
	}

	return &VertexClient{
		client:         client,
		modelName:      cfg.ModelName,
		embeddingModel: cfg.EmbeddingModel,
	}, nil
}

// Complete implements domain.GenerativeProvider. The model must answer with
// JSON; anything else is a tier failure.
func (v *VertexClient) Complete(ctx context.Context, utterance string, gctx domain.GenerativeContext) (domain.GenerativeResult, error) {
	p := BuildPrompt(utterance, gctx)

	temp := float32(0.1)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(p.System, genai.RoleUser),
		Temperature:       &temp,
		MaxOutputTokens:   512,
		ResponseMIMEType:  "application/json",
	}
	contents := []*genai.Content{genai.NewContentFromText(p.User, genai.RoleUser)}

	res, err := v.client.Models.GenerateContent(ctx, v.modelName, contents, cfg)
	if err != nil {
		return domain.GenerativeResult{}, fmt.Errorf("vertex generate content: %w", err)
	}
	return ParseResult(res.Text())
}

// Embed implements domain.Embedder.
func (v *VertexClient) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := v.client.Models.EmbedContent(ctx, v.embeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("vertex embed content: %w", err)
	}
	if len(res.Embeddings) == 0 || len(res.Embeddings[0].Values) == 0 {
		return nil, errors.New("vertex returned no embedding")
	}
	return res.Embeddings[0].Values, nil
}

// ParseResult decodes the model's JSON answer, tolerating a fenced code block
// around it.
func ParseResult(text string) (domain.GenerativeResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.GenerativeResult{}, errors.New("vertex returned empty text")
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var out domain.GenerativeResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &out); err != nil {
		return domain.GenerativeResult{}, fmt.Errorf("decode model answer: %w", err)
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out, nil
}
