package llm

import (
	"context"
	"fmt"

	"github.com/avelde/docsage/config"
	"github.com/avelde/docsage/conversation"
	"github.com/avelde/docsage/errors"
	"github.com/avelde/docsage/tools"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	model *genai.GenerativeModel
}

// NewGeminiClient creates a client from explicit settings. A non-empty
// api_base_url overrides the default Gemini endpoint, matching the other
// providers.
func NewGeminiClient(ctx context.Context, cfg config.Settings) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.Withf(config.ErrInvalid, "api_key is required")
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.APIBaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.APIBaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiClient{model: client.GenerativeModel(cfg.Model)}, nil
}

// Chat sends a chat request to the Gemini API. Function calls in the
// response are surfaced as tool calls for the caller to execute, the same
// as the other providers.
func (g *GeminiClient) Chat(ctx context.Context, messages []conversation.Message, availableTools []tools.Tool) (*conversation.Message, error) {
	history := convertMessagesToGemini(messages)
	g.model.Tools = convertToolsToGemini(availableTools)

	if len(history) == 0 {
		return nil, errors.Withf(ErrMalformed, "no messages to send")
	}

	// The last message is the new prompt.
	lastMessage := history[len(history)-1]

	chatSession := g.model.StartChat()
	chatSession.History = history[:len(history)-1]
	resp, err := chatSession.SendMessage(ctx, lastMessage.Parts...)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	return processGeminiResponse(resp)
}

func classifyGeminiError(err error) error {
	var apierr *googleapi.Error
	if errors.As(err, &apierr) {
		if apierr.Code == 401 || apierr.Code == 403 {
			return errors.Withf(ErrAuth, "completion API rejected credentials: %v", err)
		}
		return errors.Withf(ErrUnavailable, "completion API error (status %d): %v", apierr.Code, err)
	}
	return errors.Withf(ErrUnavailable, "completion request failed: %v", err)
}

// convertMessagesToGemini converts our internal message format to Gemini's.
// Gemini has no system role in the conversation body, so system messages
// travel as user content. Tool results become function responses inside a
// "function" role content.
func convertMessagesToGemini(messages []conversation.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case conversation.RoleAssistant:
			parts := []genai.Part{}
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case conversation.RoleTool:
			if len(msg.ToolCalls) != 1 {
				continue
			}
			contents = append(contents, &genai.Content{
				Role: "function",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     msg.ToolCalls[0].Name,
					Response: map[string]any{"content": msg.Content},
				}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}
	return contents
}

// convertToolsToGemini converts our Tool interface to Gemini's
// FunctionDeclaration format.
func convertToolsToGemini(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, t := range ts {
		properties := map[string]*genai.Schema{}
		var required []string
		for _, p := range t.Params() {
			properties[p.Name] = &genai.Schema{
				Type:        geminiType(p.Type),
				Description: p.Description,
			}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   required,
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

func geminiType(t string) genai.Type {
	switch t {
	case "number", "integer":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

// processGeminiResponse converts a Gemini API response into our internal
// message format. Gemini function calls carry no ids, so we synthesize one
// per call to keep the request and result linked in the history.
func processGeminiResponse(resp *genai.GenerateContentResponse) (*conversation.Message, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.Withf(ErrMalformed, "completion response contained no candidates")
	}

	content := resp.Candidates[0].Content
	var responseContent string
	var toolCalls []conversation.ToolCall

	for _, part := range content.Parts {
		switch v := part.(type) {
		case genai.Text:
			responseContent += string(v)
		case genai.FunctionCall:
			toolCalls = append(toolCalls, conversation.ToolCall{
				ID:   fmt.Sprintf("fc-%d", len(toolCalls)+1),
				Name: v.Name,
				Args: v.Args,
			})
		default:
			return nil, errors.Withf(ErrMalformed, "unsupported part type in response: %T", v)
		}
	}

	msg := conversation.New(conversation.RoleAssistant, responseContent)
	msg.ToolCalls = toolCalls
	return &msg, nil
}
