// Package toolproc supervises the documentation tool subprocess and carries
// the request/response protocol with it: newline-delimited JSON-RPC 2.0 over
// the child's stdin and stdout.
//
// A dedicated goroutine drains the child's stdout and routes each response to
// the caller that issued the matching request id, so concurrent calls are
// safe and responses may arrive in any order. The child's stdout is always
// fully drained, which keeps the child from blocking on a full pipe.
//
// Lifecycle: a Manager owns at most one child at a time. If the child dies,
// the next Call performs exactly one automatic respawn; after a second death
// the tool capability is marked unavailable for the rest of the session.
package toolproc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avelde/docsage/errors"
)

// Failure kinds for tool process calls.
var (
	ErrSpawn         = errors.New("tool process could not be launched")
	ErrTimeout       = errors.New("tool call timed out")
	ErrProcessExited = errors.New("tool process exited")
	ErrProtocol      = errors.New("tool protocol violation")
	ErrUnavailable   = errors.New("tool capability unavailable")
)

// stopGrace is how long Stop waits after a termination signal before killing.
const stopGrace = 3 * time.Second

// LaunchSpec describes how to start the tool subprocess.
type LaunchSpec struct {
	Command string
	Args    []string
	// Env entries are appended to the parent environment.
	Env []string
}

// Manager owns one tool subprocess and multiplexes calls over its streams.
type Manager struct {
	spec LaunchSpec
	log  *slog.Logger
	seq  atomic.Int64

	mu        sync.Mutex
	proc      *process
	respawned bool
	stopped   bool
}

// NewManager creates a manager for the given launch spec. The process is not
// started until Start is called. A nil logger discards.
func NewManager(spec LaunchSpec, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{spec: spec, log: logger}
}

// Start launches the tool subprocess. It fails with ErrSpawn if the
// executable cannot be started.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errors.Withf(ErrUnavailable, "manager already stopped")
	}
	if m.proc != nil && m.proc.alive() {
		return nil
	}
	p, err := m.spawn()
	if err != nil {
		return err
	}
	m.proc = p
	return nil
}

// Available reports whether tool calls can still be serviced: the process is
// running, or it died once and the single respawn credit is unspent.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || m.proc == nil {
		return false
	}
	return m.proc.alive() || !m.respawned
}

// Call sends one correlated request and waits for the matching response.
// On timeout the pending request is abandoned but the process is left
// running; a response that arrives later is logged and discarded.
func (m *Manager) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	p, err := m.ensure()
	if err != nil {
		return nil, err
	}

	id := m.seq.Add(1)
	ch := make(chan callResult, 1)
	p.register(id, ch)

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		p.unregister(id)
		return nil, errors.Withf(ErrProtocol, "could not encode request for %q: %v", method, err)
	}
	if err := p.send(data); err != nil {
		p.unregister(id)
		return nil, errors.Withf(ErrProcessExited, "could not write request for %q: %v", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		p.unregister(id)
		m.log.Warn("tool call abandoned", "method", method, "id", id, "timeout", timeout)
		return nil, errors.Withf(ErrTimeout, "no response to %q within %s", method, timeout)
	case <-p.done:
		// Prefer a result that raced in just before the process died.
		select {
		case res := <-ch:
			return res.result, res.err
		default:
			p.unregister(id)
			return nil, errors.Withf(ErrProcessExited, "tool process exited during %q", method)
		}
	case <-ctx.Done():
		p.unregister(id)
		return nil, ctx.Err()
	}
}

// Stop terminates the subprocess: a termination signal first, then a hard
// kill after a grace period. Safe to call more than once and on every exit
// path of the owning session.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	p := m.proc
	m.mu.Unlock()
	if p != nil {
		p.stop(m.log)
	}
}

// ensure returns a live process, spending the single respawn credit if the
// previous child has died.
func (m *Manager) ensure() (*process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, errors.Withf(ErrUnavailable, "manager stopped")
	}
	if m.proc == nil {
		return nil, errors.Withf(ErrUnavailable, "tool process was never started")
	}
	if m.proc.alive() {
		return m.proc, nil
	}
	if m.respawned {
		return nil, errors.Withf(ErrUnavailable, "tool process died twice, not respawning again")
	}
	m.respawned = true
	m.log.Warn("tool process died, respawning once", "command", m.spec.Command)
	p, err := m.spawn()
	if err != nil {
		return nil, err
	}
	m.proc = p
	return p, nil
}

func (m *Manager) spawn() (*process, error) {
	cmd := exec.Command(m.spec.Command, m.spec.Args...)
	if len(m.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), m.spec.Env...)
	}
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Withf(ErrSpawn, "stdin pipe: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Withf(ErrSpawn, "stdout pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Withf(ErrSpawn, "could not launch %q: %v", m.spec.Command, err)
	}
	p := &process{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan callResult),
		done:    make(chan struct{}),
		log:     m.log,
	}
	go p.readLoop(stdout)
	m.log.Info("tool process started", "command", m.spec.Command, "pid", cmd.Process.Pid)
	return p, nil
}

// ---- wire format ----

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// ---- process ----

type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan callResult

	done chan struct{}
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) register(id int64, ch chan callResult) {
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
}

func (p *process) unregister(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// send writes one framed request. Requests are newline-delimited JSON; the
// write mutex keeps concurrent frames from interleaving.
func (p *process) send(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return err
	}
	_, err := p.stdin.Write([]byte("\n"))
	return err
}

// readLoop drains the child's stdout for its whole life. One response per
// line; partial lines are buffered by the scanner until the frame completes.
// Unparsable frames and responses whose id matches nothing outstanding are
// logged and dropped, never fatal.
func (p *process) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			p.log.Warn("discarding unparsable tool frame", "error", err)
			continue
		}
		p.deliver(resp)
	}
	if err := scanner.Err(); err != nil {
		p.log.Warn("tool stdout read failed", "error", err)
	}

	waitErr := p.cmd.Wait()
	p.log.Info("tool process exited", "error", waitErr)
	// Mark the process dead before resolving callers, so a caller that sees
	// the failure and immediately retries finds a dead process to respawn
	// instead of a stale one.
	close(p.done)
	p.failAll()
}

func (p *process) deliver(resp rpcResponse) {
	p.mu.Lock()
	ch, ok := p.pending[resp.ID]
	delete(p.pending, resp.ID)
	p.mu.Unlock()
	if !ok {
		p.log.Warn("discarding tool response with no outstanding call", "id", resp.ID)
		return
	}
	if resp.Error != nil {
		ch <- callResult{err: errors.New("tool reported error %d: %s", resp.Error.Code, resp.Error.Message)}
		return
	}
	ch <- callResult{result: resp.Result}
}

// failAll resolves every outstanding call with ErrProcessExited.
func (p *process) failAll() {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[int64]chan callResult)
	p.mu.Unlock()
	for id, ch := range pending {
		ch <- callResult{err: errors.Withf(ErrProcessExited, "tool process exited before responding to request %d", id)}
	}
}

func (p *process) stop(log *slog.Logger) {
	if !p.alive() {
		return
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(stopGrace):
		log.Warn("tool process ignored termination signal, killing")
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}
