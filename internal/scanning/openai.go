package scanning

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"github.com/sashabaranov/go-openai"

	"github.com/zombor/bewirtungsbeleg/internal/errs"
)

// OpenAI implements Provider using the OpenAI chat completions API
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a new OpenAI provider. baseURL may be empty for the
// public API or point at any compatible endpoint.
func NewOpenAI(apiKey, modelName, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if modelName == "" {
		modelName = openai.GPT4o
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  modelName,
	}, nil
}

// Name returns "openai"
func (o *OpenAI) Name() string {
	return "openai"
}

// Generate sends the image as a data URL together with the prompt
func (o *OpenAI) Generate(ctx context.Context, img NormalizedImage, prompt string) (string, error) {
	seed := samplingSeed
	dataURL := fmt.Sprintf("data:%s;base64,%s", img.MIMEType(), base64.StdEncoding.EncodeToString(img.Data))

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		// A literal 0 is dropped by omitempty and the API would default to 1
		Temperature: math.SmallestNonzeroFloat32,
		Seed:        &seed,
		MaxTokens:   1500,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "Du liest deutsche Restaurantbelege und gibst ausschließlich JSON zurück.",
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: prompt,
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", openAIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", errs.MalformedResponse("no response choices from openai", nil)
	}
	return resp.Choices[0].Message.Content, nil
}

// openAIError classifies go-openai failures by HTTP status
func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError("openai", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError("openai", reqErr.HTTPStatusCode, reqErr.Error())
	}
	return callError("openai", err)
}

// Close is a no-op for the HTTP client
func (o *OpenAI) Close() error {
	return nil
}
