package chat

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"wabot/internal/models"
)

// OpenAIProvider implements Provider against the OpenAI chat completion API.
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAIProvider creates a provider from the service configuration.
func NewOpenAIProvider(cfg models.OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai model is required")
	}

	return &OpenAIProvider{
		client:      openai.NewClient(cfg.APIKey),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, conversation Conversation) (Reply, error) {
	if len(conversation.Turns) == 0 {
		return Reply{}, ErrEmptyConversation
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(conversation.Turns))
	for _, turn := range conversation.Turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("chat completion returned no choices")
	}

	return Reply{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
