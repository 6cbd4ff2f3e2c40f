package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/avelde/docsage/agent"
	"github.com/avelde/docsage/agent/rpc"
	"github.com/avelde/docsage/agent/terminal"
	"github.com/avelde/docsage/config"
)

func main() {
	// Define flags
	configFlag := flag.String("c", "", "Path to a config file (merged over ~/.docsage/config.yaml)")
	resumeFlag := flag.String("r", "", "Resume a conversation by id")
	listFlag := flag.Bool("list", false, "List stored conversations and exit")
	serveFlag := flag.Bool("serve", false, "Serve the JSON-RPC interface over stdio instead of the REPL")
	toolVerbosityFlag := flag.String("tool-verbosity", "none", "Tool verbosity level: 'none', 'info', or 'all'")
	verboseFlag := flag.Bool("v", false, "Enable debug logging to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verboseFlag {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *serveFlag {
		// JSON-RPC mode: the front end supplies settings via
		// initialize_agent, so nothing is built up front and stdout stays
		// clean for protocol frames.
		srv := rpc.NewServer(ctx, nil, os.Stdin, os.Stdout, logger)
		if err := srv.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "RPC mode failed: %+v\n", err)
			os.Exit(1)
		}
		return
	}

	var verbosity terminal.ToolVerbosity
	switch *toolVerbosityFlag {
	case "none":
		verbosity = terminal.ToolVerbosityNone
	case "info":
		verbosity = terminal.ToolVerbosityInfo
	case "all":
		verbosity = terminal.ToolVerbosityAll
	default:
		fmt.Fprintf(os.Stderr, "Invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'.\n", *toolVerbosityFlag)
		os.Exit(1)
	}

	a, err := agent.New(ctx, cfg, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing agent: %+v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if *listFlag {
		summaries, err := a.ListConversations()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing conversations: %+v\n", err)
			os.Exit(1)
		}
		for _, s := range summaries {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %s  %s\n", s.ID, s.CreatedAt.Local().Format("2006-01-02 15:04"), title)
		}
		return
	}

	if *resumeFlag != "" {
		if _, err := a.LoadConversation(*resumeFlag); err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming conversation '%s': %+v\n", *resumeFlag, err)
			os.Exit(1)
		}
		fmt.Printf("Resuming conversation: %s\n", *resumeFlag)
	}

	initialPrompt := strings.Join(flag.Args(), " ")

	fmt.Printf("%s is ready. Type your question, or /quit to leave.\n", a.Name())
	term := terminal.New(a, verbosity)
	if err := term.Run(ctx, initialPrompt); err != nil {
		fmt.Fprintf(os.Stderr, "Agent stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}
