package llm

import (
	"context"
	"fmt"

	"github.com/avelde/docsage/config"
	"github.com/avelde/docsage/conversation"
	"github.com/avelde/docsage/errors"
	"github.com/avelde/docsage/tools"
)

// Completion failure kinds. The orchestrator's retry policy keys off these:
// ErrUnavailable is transient and retryable, ErrAuth is surfaced verbatim and
// never retried, ErrMalformed fails the turn rather than being coerced into a
// plain answer (coercing could silently drop a tool call the model intended).
var (
	ErrAuth        = errors.New("authentication rejected by completion API")
	ErrUnavailable = errors.New("completion API unavailable")
	ErrMalformed   = errors.New("malformed completion response")
)

// Client is the interface for one completion exchange with a model. The
// returned assistant message either carries final text or a non-empty
// ToolCalls slice asking the orchestrator to resolve tools first.
// Implementations perform exactly one request and no retries.
type Client interface {
	Chat(ctx context.Context, messages []conversation.Message, availableTools []tools.Tool) (*conversation.Message, error)
}

// New builds the provider selected by the settings.
func New(ctx context.Context, cfg config.Settings) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg)
	case "anthropic":
		return NewAnthropicClient(cfg)
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, errors.Withf(config.ErrInvalid, "unknown provider %q", cfg.Provider)
	}
}

// Mock is a stand-in client for wiring tests; it parrots the last message
// and never requests tools.
type Mock struct{}

func (m *Mock) Chat(ctx context.Context, messages []conversation.Message, availableTools []tools.Tool) (*conversation.Message, error) {
	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}
	reply := conversation.New(conversation.RoleAssistant,
		fmt.Sprintf("mock reply to: %s", last))
	return &reply, nil
}
