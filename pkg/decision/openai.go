package decision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o"

type openaiBackend struct {
	client openai.Client
	model  string
}

// NewOpenAI builds a Decider backed by the OpenAI chat completions API.
func NewOpenAI(apiKey, model string) *Client {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &Client{b: &openaiBackend{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}}
}

func (b *openaiBackend) name() string { return "openai" }

func (b *openaiBackend) call(ctx context.Context, req request) (*response, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.system != "" {
		messages = append(messages, openai.SystemMessage(req.system))
	}

	for _, msg := range req.messages {
		switch msg.Role {
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.ToolCallID, msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool args: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistant.ToParam())
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(b.model),
		Messages: messages,
	}
	if req.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.maxTokens))
	}
	if req.temperature > 0 {
		params.Temperature = openai.Float(req.temperature)
	}
	if len(req.tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.tools))
		for _, spec := range req.tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	completion, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}
	choice := completion.Choices[0]

	resp := &response{
		content: choice.Message.Content,
		usage: &TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		resp.toolCalls = append(resp.toolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return resp, nil
}
