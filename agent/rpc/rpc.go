// Package rpc serves the agent's UI-facing operations over stdio using
// newline-delimited JSON-RPC 2.0, the same framing the documentation tool
// subprocess speaks. A desktop or editor front end launches the binary with
// -serve and drives it through these methods:
//
//   - initialize_agent
//   - get_default_settings
//   - send_message
//   - get_conversation_history
//   - list_conversations
//   - load_conversation
//   - new_conversation
//   - clear_conversation
//
// Nothing but JSON-RPC messages is ever written to the out stream; logs go
// through the injected slog handler.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/avelde/docsage/agent"
	"github.com/avelde/docsage/config"
	"github.com/avelde/docsage/conversation"
	"github.com/avelde/docsage/errors"
	"github.com/avelde/docsage/llm"
)

// Factory builds an agent from the settings a client supplies at
// initialize_agent time.
type Factory func(ctx context.Context, cfg config.Settings) (*agent.Agent, error)

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Server dispatches JSON-RPC requests to one agent. The agent does not
// exist until the client calls initialize_agent; every other method except
// get_default_settings fails until then.
type Server struct {
	ctx     context.Context
	factory Factory
	log     *slog.Logger

	in      *bufio.Reader
	out     *bufio.Writer
	writeMu sync.Mutex

	mu    sync.Mutex
	agent *agent.Agent
}

// NewServer creates a server reading requests from in and writing responses
// to out. A nil factory builds real agents from the supplied settings; a
// nil logger discards.
func NewServer(ctx context.Context, factory Factory, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if factory == nil {
		factory = func(ctx context.Context, cfg config.Settings) (*agent.Agent, error) {
			return agent.New(ctx, cfg, nil, logger)
		}
	}
	return &Server{
		ctx:     ctx,
		factory: factory,
		log:     logger,
		in:      bufio.NewReader(in),
		out:     bufio.NewWriter(out),
	}
}

// Run serves requests until in reaches EOF or framing breaks. The agent, if
// one was initialized, is torn down before Run returns, so no child process
// outlives the server.
func (s *Server) Run() error {
	defer s.teardown()
	for {
		payload, err := s.readFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(err, "rpc read error")
		}
		if len(payload) == 0 {
			continue
		}

		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			s.log.Warn("unparsable request", "error", err)
			_ = s.writeError(nil, -32700, "Parse error", nil)
			continue
		}
		s.dispatch(&req)
	}
}

func (s *Server) dispatch(req *jsonrpcRequest) {
	s.log.Debug("dispatching", "method", req.Method, "id", req.ID)
	switch req.Method {
	case "initialize_agent":
		s.handleInitializeAgent(req)
	case "get_default_settings":
		s.writeResult(req.ID, config.Default())
	case "send_message":
		s.handleSendMessage(req)
	case "get_conversation_history":
		s.withAgent(req, func(a *agent.Agent) (any, error) {
			return a.History(), nil
		})
	case "list_conversations":
		s.withAgent(req, func(a *agent.Agent) (any, error) {
			return a.ListConversations()
		})
	case "load_conversation":
		s.handleLoadConversation(req)
	case "new_conversation":
		s.handleNewConversation(req)
	case "clear_conversation":
		s.handleClearConversation(req)
	default:
		_ = s.writeError(req.ID, -32601, "Method not found", req.Method)
	}
}

func (s *Server) handleInitializeAgent(req *jsonrpcRequest) {
	var p struct {
		Settings config.Settings `json:"settings"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = s.writeError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	a, err := s.factory(s.ctx, p.Settings)
	if err != nil {
		_ = s.writeError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	// Tearing down the previous agent stops its tool subprocess and drops
	// its active conversation; nothing bleeds into the new session.
	s.mu.Lock()
	old := s.agent
	s.agent = a
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	s.writeResult(req.ID, true)
}

func (s *Server) handleSendMessage(req *jsonrpcRequest) {
	var p struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = s.writeError(req.ID, -32602, "Invalid params", err.Error())
		return
	}
	s.withAgent(req, func(a *agent.Agent) (any, error) {
		return a.SendMessage(s.ctx, p.Message)
	})
}

func (s *Server) handleLoadConversation(req *jsonrpcRequest) {
	id, ok := s.idParam(req)
	if !ok {
		return
	}
	s.withAgent(req, func(a *agent.Agent) (any, error) {
		return a.LoadConversation(id)
	})
}

func (s *Server) handleNewConversation(req *jsonrpcRequest) {
	s.withAgent(req, func(a *agent.Agent) (any, error) {
		id, err := a.NewConversation()
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	})
}

func (s *Server) handleClearConversation(req *jsonrpcRequest) {
	id, ok := s.idParam(req)
	if !ok {
		return
	}
	s.withAgent(req, func(a *agent.Agent) (any, error) {
		if err := a.ClearConversation(id); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func (s *Server) idParam(req *jsonrpcRequest) (string, bool) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.ID == "" {
		_ = s.writeError(req.ID, -32602, "Invalid params", "missing conversation id")
		return "", false
	}
	return p.ID, true
}

// withAgent runs fn against the initialized agent and writes the outcome as
// a response, mapping domain failures onto JSON-RPC error codes.
func (s *Server) withAgent(req *jsonrpcRequest, fn func(*agent.Agent) (any, error)) {
	s.mu.Lock()
	a := s.agent
	s.mu.Unlock()
	if a == nil {
		_ = s.writeError(req.ID, -32002, "Agent not initialized", nil)
		return
	}

	result, err := fn(a)
	if err != nil {
		_ = s.writeError(req.ID, errorCode(err), err.Error(), nil)
		return
	}
	s.writeResult(req.ID, result)
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, agent.ErrBusy):
		return -32001
	case errors.Is(err, conversation.ErrNotFound):
		return -32602
	case errors.Is(err, llm.ErrAuth):
		return -32003
	default:
		return -32603
	}
}

func (s *Server) teardown() {
	s.mu.Lock()
	a := s.agent
	s.agent = nil
	s.mu.Unlock()
	if a != nil {
		a.Close()
	}
}

// readFrame reads one newline-delimited JSON-RPC payload. Requests larger
// than the reader's buffer arrive in prefix chunks and are reassembled, so
// a send_message carrying a long document still parses as one frame.
func (s *Server) readFrame() ([]byte, error) {
	line, isPrefix, err := s.in.ReadLine()
	if err != nil {
		return nil, err
	}
	if !isPrefix {
		return line, nil
	}
	payload := append([]byte(nil), line...)
	for isPrefix {
		line, isPrefix, err = s.in.ReadLine()
		if err != nil {
			return nil, err
		}
		payload = append(payload, line...)
	}
	return payload, nil
}

func (s *Server) writeResult(id any, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		s.log.Warn("could not serialize result", "error", err)
		_ = s.writeError(id, -32603, "Internal error", "unserializable result")
		return
	}
	resp := jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: data}
	if err := s.writeFrame(resp); err != nil {
		s.log.Warn("could not write response", "error", err)
	}
}

func (s *Server) writeError(id any, code int, msg string, data any) error {
	resp := jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	}
	return s.writeFrame(resp)
}

func (s *Server) writeFrame(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "could not serialize response")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return err
	}
	return s.out.Flush()
}
