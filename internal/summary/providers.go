package summary

import (
	"context"
	"errors"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Anthropic completes prompts with the Anthropic Messages API.
type Anthropic struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// NewAnthropic returns an Anthropic provider. An empty model selects
// DefaultAnthropicModel.
func NewAnthropic(apiKey, model string) *Anthropic {
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &Anthropic{APIKey: apiKey, Model: model, MaxTokens: DefaultMaxTokens, Temperature: 0.3}
}

// Complete implements Provider. llmkit has no context support, so ctx is
// only checked before the call.
func (a *Anthropic) Complete(ctx context.Context, system, user string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	settings := types.RequestSettings{
		Model:       a.Model,
		MaxTokens:   a.MaxTokens,
		Temperature: a.Temperature,
	}
	response, err := anthropic.PromptWithSettings(system, user, "", a.APIKey, settings)
	if err != nil {
		return "", err
	}
	if len(response.Content) == 0 {
		return "", errors.New("no content in response")
	}
	return response.Content[0].Text, nil
}

// OpenAI completes prompts against an OpenAI-compatible chat endpoint.
type OpenAI struct {
	client    openai.Client
	Model     string
	MaxTokens int64
}

// NewOpenAI returns an OpenAI provider. Empty baseURL and model select the
// DeepSeek defaults.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{
		client:    openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL)),
		Model:     model,
		MaxTokens: DefaultMaxTokens,
	}
}

// Complete implements Provider.
func (o *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	response, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(o.Model),
		Messages:  messages,
		MaxTokens: openai.Int(o.MaxTokens),
	})
	if err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return response.Choices[0].Message.Content, nil
}
