package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

type OpenAIOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	// Timeout bounds each round trip. Zero leaves it to the caller's context.
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	timeout     time.Duration
}

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.Model == "" {
		return nil, errors.New("oracle model is required")
	}
	reqOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &OpenAI{
		client:      openai.NewClient(reqOpts...),
		model:       opts.Model,
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
	}, nil
}

func (o *OpenAI) Complete(ctx context.Context, turns []Turn, tools []ToolSpec) (Turn, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.model),
		Messages:    make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)),
		Temperature: openai.Float(o.temperature),
	}
	for _, t := range turns {
		params.Messages = append(params.Messages, toMessageParam(t))
	}
	for _, spec := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
			Parameters:  openai.FunctionParameters(spec.Parameters),
		}))
	}
	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Turn{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Turn{}, errors.New("chat completion returned no choices")
	}
	msg := completion.Choices[0].Message
	turn := Turn{Role: RoleAssistant, Content: msg.Content, Native: msg.ToParam()}
	for _, call := range msg.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return turn, nil
}

func toMessageParam(t Turn) openai.ChatCompletionMessageParamUnion {
	if native, ok := t.Native.(openai.ChatCompletionMessageParamUnion); ok {
		return native
	}
	switch t.Role {
	case RoleSystem:
		return openai.SystemMessage(t.Text())
	case RoleAssistant:
		return openai.AssistantMessage(t.Text())
	case RoleTool:
		return openai.ToolMessage(t.Text(), t.ToolCallID)
	default:
		return openai.UserMessage(t.Text())
	}
}
