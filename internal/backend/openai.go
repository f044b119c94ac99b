package backend

import (
	"context"
	"fmt"

	"github.com/msageha/pipelinecore/internal/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type openaiAdapter struct {
	client openai.Client
	model  string
}

func newOpenAIAdapter(profile model.BackendProfile, apiKey string) (Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	modelName := profile.Model
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &openaiAdapter{client: openai.NewClient(opts...), model: modelName}, nil
}

func (a *openaiAdapter) Call(ctx context.Context, req Request) (Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt))

	params := openai.ChatCompletionNewParams{
		Model:               a.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("openai call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("openai call: no choices in response")
	}

	return Result{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (a *openaiAdapter) Model() string { return a.model }
