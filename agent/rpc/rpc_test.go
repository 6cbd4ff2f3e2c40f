package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/avelde/docsage/agent"
	"github.com/avelde/docsage/config"
	"github.com/avelde/docsage/conversation"
	"github.com/avelde/docsage/llm"
)

type testClient struct {
	t     *testing.T
	w     io.WriteCloser
	r     *bufio.Reader
	done  chan error
	nexID int
}

// startServer wires a Server to in-memory pipes with a factory that builds
// real agents around the mock completion client.
func startServer(t *testing.T) *testClient {
	t.Helper()
	clientToServer, serverIn := io.Pipe()
	serverOut, serverToClient := io.Pipe()

	factory := func(ctx context.Context, cfg config.Settings) (*agent.Agent, error) {
		return agent.New(ctx, cfg, &llm.Mock{}, nil)
	}
	srv := NewServer(context.Background(), factory, clientToServer, serverToClient, nil)

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	c := &testClient{t: t, w: serverIn, r: bufio.NewReader(serverOut), done: done}
	t.Cleanup(func() {
		serverIn.Close()
		if err := <-done; err != nil {
			t.Errorf("server exited with error: %v", err)
		}
	})
	return c
}

func (c *testClient) call(method string, params any) jsonrpcResponse {
	c.t.Helper()
	c.nexID++
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nexID,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("marshal request: %v", err)
	}
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write request: %v", err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read response: %v", err)
	}
	var resp jsonrpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		c.t.Fatalf("unmarshal response %q: %v", line, err)
	}
	return resp
}

func (c *testClient) initialize(t *testing.T) {
	t.Helper()
	cfg := config.Default()
	cfg.APIKey = "test-key"
	cfg.HistoryPath = t.TempDir()
	cfg.DocsTool = config.DocsTool{Command: "/nonexistent/docs-tool"}

	resp := c.call("initialize_agent", map[string]any{"settings": cfg})
	if resp.Error != nil {
		t.Fatalf("initialize_agent failed: %+v", resp.Error)
	}
	var ok bool
	if err := json.Unmarshal(resp.Result, &ok); err != nil || !ok {
		t.Fatalf("expected true result, got %s", resp.Result)
	}
}

func TestDefaultSettingsBeforeInitialize(t *testing.T) {
	c := startServer(t)

	resp := c.call("get_default_settings", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var cfg config.Settings
	if err := json.Unmarshal(resp.Result, &cfg); err != nil {
		t.Fatalf("unmarshal settings: %v", err)
	}
	if cfg.Provider != "openai" || cfg.Model != "gpt-4-turbo" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestMethodsRequireInitializedAgent(t *testing.T) {
	c := startServer(t)

	resp := c.call("send_message", map[string]any{"message": "hi"})
	if resp.Error == nil || resp.Error.Code != -32002 {
		t.Errorf("expected -32002 before initialize, got %+v", resp.Error)
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	c := startServer(t)
	c.initialize(t)

	resp := c.call("send_message", map[string]any{"message": "hello"})
	if resp.Error != nil {
		t.Fatalf("send_message failed: %+v", resp.Error)
	}
	var msgs []conversation.Message
	if err := json.Unmarshal(resp.Result, &msgs); err != nil {
		t.Fatalf("unmarshal messages: %v", err)
	}
	// system persona, user, assistant
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Content != "hello" || msgs[2].Role != conversation.RoleAssistant {
		t.Errorf("unexpected sequence: %+v", msgs)
	}

	resp = c.call("get_conversation_history", nil)
	if resp.Error != nil {
		t.Fatalf("get_conversation_history failed: %+v", resp.Error)
	}
	var history []conversation.Message
	if err := json.Unmarshal(resp.Result, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != len(msgs) {
		t.Errorf("history drifted: %d vs %d", len(history), len(msgs))
	}
}

func TestLargeRequestStaysOneFrame(t *testing.T) {
	c := startServer(t)
	c.initialize(t)

	// Well past the reader's internal buffer, the way a pasted document in
	// a send_message arrives.
	big := strings.Repeat("package main // what does this snippet do?\n", 2000)
	resp := c.call("send_message", map[string]any{"message": big})
	if resp.Error != nil {
		t.Fatalf("send_message failed: %+v", resp.Error)
	}
	var msgs []conversation.Message
	if err := json.Unmarshal(resp.Result, &msgs); err != nil {
		t.Fatalf("unmarshal messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Content != big {
		t.Fatalf("large message was torn: %d of %d bytes echoed", len(msgs[1].Content), len(big))
	}
}

func TestConversationLifecycle(t *testing.T) {
	c := startServer(t)
	c.initialize(t)

	resp := c.call("new_conversation", nil)
	if resp.Error != nil {
		t.Fatalf("new_conversation failed: %+v", resp.Error)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Result, &created); err != nil || created.ID == "" {
		t.Fatalf("expected conversation id, got %s", resp.Result)
	}

	resp = c.call("list_conversations", nil)
	if resp.Error != nil {
		t.Fatalf("list_conversations failed: %+v", resp.Error)
	}
	var summaries []conversation.Summary
	if err := json.Unmarshal(resp.Result, &summaries); err != nil {
		t.Fatalf("unmarshal summaries: %v", err)
	}
	// The initial conversation plus the new one.
	if len(summaries) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(summaries))
	}

	resp = c.call("load_conversation", map[string]any{"id": summaries[0].ID})
	if resp.Error != nil {
		t.Fatalf("load_conversation failed: %+v", resp.Error)
	}

	resp = c.call("clear_conversation", map[string]any{"id": created.ID})
	if resp.Error != nil {
		t.Fatalf("clear_conversation failed: %+v", resp.Error)
	}

	resp = c.call("load_conversation", map[string]any{"id": created.ID})
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Errorf("expected -32602 for cleared conversation, got %+v", resp.Error)
	}
}

func TestReinitializeReplacesAgent(t *testing.T) {
	c := startServer(t)
	c.initialize(t)

	if resp := c.call("send_message", map[string]any{"message": "one"}); resp.Error != nil {
		t.Fatalf("send_message failed: %+v", resp.Error)
	}

	// A second initialize must produce a fresh session with no residual
	// history.
	c.initialize(t)
	resp := c.call("get_conversation_history", nil)
	if resp.Error != nil {
		t.Fatalf("get_conversation_history failed: %+v", resp.Error)
	}
	var history []conversation.Message
	if err := json.Unmarshal(resp.Result, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 1 || history[0].Role != conversation.RoleSystem {
		t.Errorf("residual history after re-initialize: %+v", history)
	}
}

func TestProtocolErrors(t *testing.T) {
	c := startServer(t)

	if _, err := c.w.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp jsonrpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Errorf("expected -32700, got %+v", resp.Error)
	}

	resp = c.call("no_such_method", nil)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("expected -32601, got %+v", resp.Error)
	}

	resp = c.call("load_conversation", map[string]any{})
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Errorf("expected -32602, got %+v", resp.Error)
	}
}
