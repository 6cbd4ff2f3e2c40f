// Package terminal is the interactive REPL front end for the agent.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/avelde/docsage/agent"
	"github.com/avelde/docsage/conversation"
)

// ToolVerbosity controls how much tool activity the REPL prints.
type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// Terminal handles the terminal/CLI interaction mode for the agent.
type Terminal struct {
	agent     *agent.Agent
	verbosity ToolVerbosity
}

// New creates a new Terminal instance.
func New(a *agent.Agent, verbosity ToolVerbosity) *Terminal {
	t := &Terminal{agent: a, verbosity: verbosity}
	a.Callbacks = agent.Callbacks{
		OnToolCall: func(name string, args map[string]any) {
			switch t.verbosity {
			case ToolVerbosityAll:
				fmt.Printf("%s wants to call tool `%s` with args: %v\n", a.Name(), name, args)
			case ToolVerbosityInfo:
				fmt.Printf("%s wants to call tool `%s`\n", a.Name(), name)
			}
		},
		OnToolResult: func(name, result string) {
			if t.verbosity == ToolVerbosityAll {
				fmt.Printf("Tool `%s` output: %s\n", name, result)
			}
		},
	}
	return t
}

// Run starts the interactive terminal session.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			// EOF or read error ends the session
			break
		}

		userInput := strings.TrimSpace(scanner.Text())
		if userInput == "" {
			continue
		}

		if strings.HasPrefix(userInput, "/") {
			if quit := t.handleCommand(userInput); quit {
				break
			}
			continue
		}

		if err := t.processTurn(ctx, userInput); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}

	return scanner.Err()
}

// handleCommand runs one slash command and reports whether the REPL should
// exit.
func (t *Terminal) handleCommand(input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/new":
		id, err := t.agent.NewConversation()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		fmt.Printf("Started conversation %s\n", id)
	case "/list":
		summaries, err := t.agent.ListConversations()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		if len(summaries) == 0 {
			fmt.Println("No conversations yet.")
			return false
		}
		for _, s := range summaries {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("  %s  %s  %s\n", s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), title)
		}
	case "/load":
		if len(fields) < 2 {
			fmt.Println("Usage: /load <conversation-id>")
			return false
		}
		msgs, err := t.agent.LoadConversation(fields[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		t.printHistory(msgs)
	case "/clear":
		id, _ := t.agent.ActiveConversation()
		if len(fields) > 1 {
			id = fields[1]
		}
		if err := t.agent.ClearConversation(id); err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		fmt.Println("Conversation cleared.")
	default:
		fmt.Printf("Unknown command %s. Available: /quit /exit /new /list /load <id> /clear [id]\n", fields[0])
	}
	return false
}

func (t *Terminal) printHistory(msgs []conversation.Message) {
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleUser:
			fmt.Printf("You: %s\n", m.Content)
		case conversation.RoleAssistant:
			if m.Content != "" {
				fmt.Printf("%s: %s\n", t.agent.Name(), m.Content)
			}
		}
	}
}

// processTurn handles a single user input turn.
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	msgs, err := t.agent.SendMessage(ctx, userInput)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if last.Role == conversation.RoleAssistant && last.Content != "" {
			fmt.Printf("%s: %s\n", t.agent.Name(), last.Content)
		}
	}
	return nil
}
