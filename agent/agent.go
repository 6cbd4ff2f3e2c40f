// Package agent coordinates the completion client, the documentation tool
// subprocess, and the conversation store.
//
// An Agent owns exactly one active conversation at a time and runs one turn
// at a time. A turn starts with a user message, loops between the model and
// the tool subprocess until the model produces plain text or the tool depth
// bound is hit, and is persisted as a whole once it completes. A second
// SendMessage while a turn is in flight fails with ErrBusy instead of
// queueing, which keeps message order obvious.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/avelde/docsage/config"
	"github.com/avelde/docsage/conversation"
	"github.com/avelde/docsage/errors"
	"github.com/avelde/docsage/llm"
	"github.com/avelde/docsage/toolproc"
	"github.com/avelde/docsage/tools"
)

var (
	// ErrBusy is returned when SendMessage is re-entered while a turn is
	// already in flight.
	ErrBusy = errors.New("a turn is already in progress")

	// ErrClosed is returned for any operation after Close.
	ErrClosed = errors.New("agent is closed")
)

// completionRetries is how many extra attempts a transient completion
// failure gets before the turn fails.
const completionRetries = 2

const titleLimit = 50

// Callbacks let a front end observe tool activity during a turn. All fields
// are optional and are invoked synchronously from SendMessage.
type Callbacks struct {
	OnToolCall   func(name string, args map[string]any)
	OnToolResult func(name, result string)
}

// Agent is the orchestrator. Create one with New; it is safe for concurrent
// use, though concurrent SendMessage calls are rejected rather than queued.
type Agent struct {
	Callbacks Callbacks

	cfg      config.Settings
	store    *conversation.Store
	client   llm.Client
	mgr      *toolproc.Manager
	registry *tools.Registry
	log      *slog.Logger

	turnMu sync.Mutex

	mu        sync.Mutex
	active    *conversation.Conversation
	toolsLost bool
	toolsNote bool
	closed    bool
}

// New validates the settings and assembles a ready agent: conversation
// store opened, tool subprocess started, and a fresh conversation active.
// A nil client builds the provider selected by the settings. A failure to
// launch the tool subprocess is not fatal; the agent runs with tool use
// disabled.
func New(ctx context.Context, cfg config.Settings, client llm.Client, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := conversation.NewStore(config.ExpandHome(cfg.HistoryPath))
	if err != nil {
		return nil, err
	}

	if client == nil {
		client, err = llm.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	mgr := toolproc.NewManager(toolproc.LaunchSpec{
		Command: cfg.DocsTool.Command,
		Args:    cfg.DocsTool.Args,
	}, logger)
	registry := tools.NewRegistry()
	if err := mgr.Start(); err != nil {
		logger.Warn("documentation tool unavailable", "error", err)
	} else {
		for _, t := range tools.DocsTools(mgr, cfg.CallTimeout()) {
			registry.Register(t)
		}
	}

	a := &Agent{
		cfg:      cfg,
		store:    store,
		client:   client,
		mgr:      mgr,
		registry: registry,
		log:      logger,
	}
	if err := a.startConversation(); err != nil {
		mgr.Stop()
		return nil, err
	}
	return a, nil
}

// startConversation creates and activates a fresh conversation seeded with
// the persona message.
func (a *Agent) startConversation() error {
	conv, err := a.store.Create("")
	if err != nil {
		return err
	}
	conv.Messages = append(conv.Messages, conversation.New(conversation.RoleSystem, a.persona()))
	if err := a.store.Append(conv.ID, conv.Messages); err != nil {
		return err
	}
	a.mu.Lock()
	a.active = conv
	a.mu.Unlock()
	return nil
}

func (a *Agent) persona() string {
	return fmt.Sprintf("You are %s, a helpful AI assistant. You can look up library documentation when the user asks about a specific library or framework.", a.cfg.AgentName)
}

// SendMessage runs one full turn for the active conversation and returns the
// updated message sequence. Only one turn may be in flight; a concurrent
// call fails with ErrBusy.
func (a *Agent) SendMessage(ctx context.Context, text string) ([]conversation.Message, error) {
	if !a.turnMu.TryLock() {
		return nil, errors.Withf(ErrBusy, "send_message rejected")
	}
	defer a.turnMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.Withf(ErrClosed, "send_message rejected")
	}
	conv := a.active
	turnStart := len(conv.Messages)
	firstUserMessage := !hasUserMessage(conv.Messages)
	conv.Messages = append(conv.Messages, conversation.New(conversation.RoleUser, text))
	a.mu.Unlock()

	final, err := a.runTurn(ctx, conv)
	if err != nil {
		// Auth and exhausted-network failures abort the turn. Nothing of
		// the failed exchange is kept or persisted, so the record never
		// shows a half-finished turn. The rollback may also discard a
		// tool-loss note appended mid-turn, so that announcement stays
		// pending for the next turn.
		a.mu.Lock()
		conv.Messages = conv.Messages[:turnStart]
		a.toolsNote = false
		a.mu.Unlock()
		return nil, err
	}
	if final != "" {
		a.appendMessage(conv, conversation.New(conversation.RoleAssistant, final))
	}

	a.mu.Lock()
	if a.toolsNote {
		a.toolsLost = true
		a.toolsNote = false
	}
	if a.closed {
		a.mu.Unlock()
		return nil, errors.Withf(ErrClosed, "agent closed mid-turn")
	}
	a.mu.Unlock()

	if firstUserMessage {
		title := deriveTitle(text)
		if err := a.store.Rename(conv.ID, title); err != nil {
			a.log.Warn("could not set conversation title", "id", conv.ID, "error", err)
		} else {
			a.mu.Lock()
			conv.Title = title
			a.mu.Unlock()
		}
	}

	a.mu.Lock()
	msgs := snapshot(conv.Messages)
	a.mu.Unlock()
	if err := a.store.Append(conv.ID, msgs); err != nil {
		// The in-memory sequence is kept so the user's message is not
		// lost; the next completed turn retries the write.
		a.log.Warn("could not persist conversation", "id", conv.ID, "error", err)
		return msgs, err
	}
	return msgs, nil
}

// runTurn drives the model/tool loop. It returns a non-empty string when the
// turn needs one more synthesized assistant message appended (malformed
// response or depth exhaustion); on the normal path the final assistant
// message is already in conv.Messages and the returned string is empty.
func (a *Agent) runTurn(ctx context.Context, conv *conversation.Conversation) (string, error) {
	depth := a.cfg.ToolDepth()
	for i := 0; i < depth; i++ {
		reply, err := a.chatWithRetry(ctx, conv)
		if err != nil {
			if errors.Is(err, llm.ErrMalformed) {
				a.log.Warn("malformed completion response", "error", err)
				return "I received a response from the model that I could not understand, so I have to stop here. Please try rephrasing your message.", nil
			}
			return "", err
		}

		a.appendMessage(conv, *reply)
		if len(reply.ToolCalls) == 0 {
			return "", nil
		}

		for _, tc := range reply.ToolCalls {
			a.resolveToolCall(ctx, conv, tc)
		}
	}
	return fmt.Sprintf("I reached the limit of %d tool lookups for a single message without arriving at an answer. Please try a more specific question.", depth), nil
}

// chatWithRetry performs one completion exchange, retrying transient
// failures a bounded number of times. Auth failures are surfaced verbatim
// and never retried.
func (a *Agent) chatWithRetry(ctx context.Context, conv *conversation.Conversation) (*conversation.Message, error) {
	available := a.availableTools(conv)
	var lastErr error
	for attempt := 0; attempt <= completionRetries; attempt++ {
		reply, err := a.client.Chat(ctx, conv.Messages, available)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, llm.ErrUnavailable) {
			return nil, err
		}
		lastErr = err
		a.log.Warn("completion attempt failed", "attempt", attempt+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// resolveToolCall executes one requested tool call and appends the result,
// or a description of the failure, as a tool message. A failed tool call
// never aborts the turn; the model sees the error and decides what to do.
func (a *Agent) resolveToolCall(ctx context.Context, conv *conversation.Conversation, tc conversation.ToolCall) {
	if a.Callbacks.OnToolCall != nil {
		a.Callbacks.OnToolCall(tc.Name, tc.Args)
	}

	var result string
	tool, ok := a.registry.Get(tc.Name)
	switch {
	case !ok:
		result = fmt.Sprintf("Error: tool %q is not available", tc.Name)
	default:
		var err error
		result, err = tool.Execute(ctx, tc.Args)
		if err != nil {
			a.log.Warn("tool call failed", "tool", tc.Name, "error", err)
			result = fmt.Sprintf("Error executing tool %s: %v", tc.Name, err)
		}
	}

	if a.Callbacks.OnToolResult != nil {
		a.Callbacks.OnToolResult(tc.Name, result)
	}

	msg := conversation.Message{
		Role:    conversation.RoleTool,
		Content: result,
		ToolCalls: []conversation.ToolCall{
			{ID: tc.ID, Name: tc.Name},
		},
	}
	a.appendMessage(conv, msg)
}

// appendMessage extends the conversation under the state mutex, so History
// never reads the slice while a turn is growing it.
func (a *Agent) appendMessage(conv *conversation.Conversation, msg conversation.Message) {
	a.mu.Lock()
	conv.Messages = append(conv.Messages, msg)
	a.mu.Unlock()
}

// availableTools returns the tools offered to the model for this exchange.
// When the tool subprocess has died past its respawn credit the model is
// told once, through the history, that tool use is gone. The note only
// counts as delivered when its turn completes; SendMessage commits it at
// the turn boundary, so a rolled-back turn announces again.
func (a *Agent) availableTools(conv *conversation.Conversation) []tools.Tool {
	if a.mgr.Available() {
		return a.registry.All()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.toolsLost && !a.toolsNote && len(a.registry.All()) > 0 {
		a.toolsNote = true
		conv.Messages = append(conv.Messages, conversation.New(conversation.RoleSystem,
			"The documentation lookup tool is no longer available for this session. Answer from your own knowledge."))
	}
	return nil
}

// Name returns the configured agent name, used for display.
func (a *Agent) Name() string { return a.cfg.AgentName }

// History returns the active conversation's current message sequence.
func (a *Agent) History() []conversation.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return snapshot(a.active.Messages)
}

// ActiveConversation returns the id and title of the active conversation.
func (a *Agent) ActiveConversation() (id, title string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active.ID, a.active.Title
}

// ListConversations lists every stored conversation, oldest first.
func (a *Agent) ListConversations() ([]conversation.Summary, error) {
	return a.store.List()
}

// LoadConversation makes a stored conversation the active one and returns
// its messages. Rejected while a turn is in flight.
func (a *Agent) LoadConversation(id string) ([]conversation.Message, error) {
	if !a.turnMu.TryLock() {
		return nil, errors.Withf(ErrBusy, "load_conversation rejected")
	}
	defer a.turnMu.Unlock()

	conv, err := a.store.Load(id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errors.Withf(ErrClosed, "load_conversation rejected")
	}
	a.active = conv
	return snapshot(conv.Messages), nil
}

// NewConversation creates a fresh conversation and makes it active.
// Rejected while a turn is in flight.
func (a *Agent) NewConversation() (string, error) {
	if !a.turnMu.TryLock() {
		return "", errors.Withf(ErrBusy, "new_conversation rejected")
	}
	defer a.turnMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", errors.Withf(ErrClosed, "new_conversation rejected")
	}
	a.mu.Unlock()

	if err := a.startConversation(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active.ID, nil
}

// ClearConversation deletes a stored conversation. If the target is the
// active conversation, a fresh one takes its place.
func (a *Agent) ClearConversation(id string) error {
	if !a.turnMu.TryLock() {
		return errors.Withf(ErrBusy, "clear_conversation rejected")
	}
	defer a.turnMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.Withf(ErrClosed, "clear_conversation rejected")
	}
	a.mu.Unlock()

	if err := a.store.Delete(id); err != nil {
		return err
	}
	a.mu.Lock()
	wasActive := a.active.ID == id
	a.mu.Unlock()
	if wasActive {
		return a.startConversation()
	}
	return nil
}

// Close stops the tool subprocess and prevents any further history
// mutation. Safe to call more than once.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()
	a.mgr.Stop()
}

func hasUserMessage(msgs []conversation.Message) bool {
	for _, m := range msgs {
		if m.Role == conversation.RoleUser {
			return true
		}
	}
	return false
}

// deriveTitle labels a conversation with the start of its first user
// message, the way the history listing shows it.
func deriveTitle(text string) string {
	title := strings.TrimSpace(text)
	if r := []rune(title); len(r) > titleLimit {
		title = string(r[:titleLimit]) + "..."
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}

func snapshot(msgs []conversation.Message) []conversation.Message {
	out := make([]conversation.Message, len(msgs))
	copy(out, msgs)
	return out
}
