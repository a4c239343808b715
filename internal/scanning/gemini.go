package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
)

// Gemini implements Provider using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini provider
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	model.SetCandidateCount(1)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// Name returns "gemini"
func (g *Gemini) Name() string {
	return "gemini"
}

// Generate sends the image and prompt to Gemini
func (g *Gemini) Generate(ctx context.Context, img NormalizedImage, prompt string) (string, error) {
	// genai.ImageData expects just the format suffix (e.g., "jpeg"), not the full MIME type
	parts := []genai.Part{
		genai.ImageData(img.Format, img.Data),
		genai.Text(prompt),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", geminiError(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errs.MalformedResponse("no response from gemini", nil)
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	return responseText.String(), nil
}

// geminiError classifies Gemini API failures by HTTP status
func geminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return statusError("gemini", apiErr.Code, apiErr.Message)
	}
	return callError("gemini", fmt.Errorf("generating content: %w", err))
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
