package llm

import (
	"context"
	"encoding/json"

	"github.com/avelde/docsage/config"
	"github.com/avelde/docsage/conversation"
	"github.com/avelde/docsage/errors"
	"github.com/avelde/docsage/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIClient is a client for any OpenAI-compatible chat completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client from explicit settings. Credentials and
// the base URL come from the Settings value only, never from the environment.
func NewOpenAIClient(cfg config.Settings) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.Withf(config.ErrInvalid, "api_key is required")
	}
	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.APIBaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.APIBaseURL))
	}
	c := openai.NewClient(options...)
	// The &c is required, do not replace and just use c.
	return &OpenAIClient{client: &c, model: cfg.Model}, nil
}

// Chat sends one completion request and converts the response into our
// internal message format.
func (o *OpenAIClient) Chat(ctx context.Context, messages []conversation.Message, availableTools []tools.Tool) (*conversation.Message, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenAI(messages),
		Tools:    convertToolsToOpenAI(availableTools),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	return processOpenAIResponse(resp)
}

func classifyOpenAIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 401 || apierr.StatusCode == 403 {
			return errors.Withf(ErrAuth, "completion API rejected credentials: %v", err)
		}
		return errors.Withf(ErrUnavailable, "completion API error (status %d): %v", apierr.StatusCode, err)
	}
	return errors.Withf(ErrUnavailable, "completion request failed: %v", err)
}

// processOpenAIResponse converts an API response into our internal message
// format. An unparsable response is a turn failure, never coerced into text.
func processOpenAIResponse(resp *openai.ChatCompletion) (*conversation.Message, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.Withf(ErrMalformed, "completion response contained no choices")
	}
	choice := resp.Choices[0].Message

	if len(choice.ToolCalls) > 0 {
		var calls []conversation.ToolCall
		for _, tc := range choice.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, errors.Withf(ErrMalformed, "unparsable arguments for tool call %q: %v", tc.Function.Name, err)
			}
			calls = append(calls, conversation.ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: args,
			})
		}
		msg := conversation.New(conversation.RoleAssistant, choice.Content)
		msg.ToolCalls = calls
		return &msg, nil
	}

	msg := conversation.New(conversation.RoleAssistant, choice.Content)
	return &msg, nil
}

func convertMessagesToOpenAI(messages []conversation.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case conversation.RoleSystem:
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Content))
		case conversation.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				var toolCalls []openai.ChatCompletionMessageToolCallUnion
				for _, tc := range msg.ToolCalls {
					argsBytes, err := json.Marshal(tc.Args)
					if err != nil {
						continue
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnion{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageFunctionToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsBytes),
						},
					})
				}
				assistantMessage.ToolCalls = toolCalls
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case conversation.RoleTool:
			// A tool-result message must carry exactly one ToolCall linking
			// it back to the request; anything else is skipped.
			if len(msg.ToolCalls) != 1 {
				continue
			}
			chatMessages = append(chatMessages, openai.ToolMessage(msg.Content, msg.ToolCalls[0].ID))
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

func convertToolsToOpenAI(ts []tools.Tool) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, t := range ts {
		properties := map[string]any{}
		var required []string
		for _, p := range t.Params() {
			properties[p.Name] = map[string]any{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		params := openai.FunctionParameters{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			params["required"] = required
		}
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name(),
			Description: openai.String(t.Description()),
			Parameters:  params,
		}))
	}
	return openAITools
}
