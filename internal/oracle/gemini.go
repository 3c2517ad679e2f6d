package oracle

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Gemini is an Oracle backed by Google's Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini oracle.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Gemini{client: client, model: model}, nil
}

// Complete sends a single user prompt and returns the text response.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, prompt, nil)
}

// CompleteWithSystem sends a user prompt under a system instruction.
func (g *Gemini) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}
	return g.generate(ctx, userPrompt, cfg)
}

func (g *Gemini) generate(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned empty response")
	}
	return text, nil
}

// Name identifies the model for attribution.
func (g *Gemini) Name() string {
	return fmt.Sprintf("gemini:%s", g.model)
}
