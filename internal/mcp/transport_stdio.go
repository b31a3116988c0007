package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skamble7/renova/internal/capability"
)

const (
	defaultStartupTimeout = 30 * time.Second
	defaultKillTimeout    = 5 * time.Second
	defaultCallTimeout    = 120 * time.Second
)

// rpcRequest is one newline-framed JSON-RPC 2.0 call.
type rpcRequest struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      string                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// stdioInvoker owns one persistent child process and multiplexes replies
// by request id.
type stdioInvoker struct {
	transport *capability.STDIOTransport
	opts      Options
	target    string

	mu      sync.Mutex // guards process lifecycle and writes
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	exited  chan struct{}
	exitErr error

	pendMu  sync.Mutex
	pending map[string]chan *rpcResponse

	ready     chan struct{}
	readyOnce sync.Once
	readiness *regexp.Regexp
}

var _ Invoker = (*stdioInvoker)(nil)

func newSTDIOInvoker(integ *capability.Integration, opts Options) (*stdioInvoker, error) {
	t := integ.Transport.STDIO
	if t == nil || t.Command == "" {
		return nil, &ConnectFailureError{Target: integ.ID, Reason: "stdio transport without command"}
	}
	inv := &stdioInvoker{
		transport: t,
		opts:      opts,
		target:    integ.ID,
		pending:   make(map[string]chan *rpcResponse),
	}
	if t.ReadinessRegex != "" {
		re, err := regexp.Compile(t.ReadinessRegex)
		if err != nil {
			return nil, &ConnectFailureError{Target: integ.ID, Reason: "bad readiness_regex: " + err.Error()}
		}
		inv.readiness = re
	}
	return inv, nil
}

// start spawns the child and its reader goroutines. Caller holds mu.
func (s *stdioInvoker) start() error {
	args := InterpolateSlice(s.transport.Args, s.opts.Vars)
	cmd := exec.Command(s.transport.Command, args...)
	if s.transport.Cwd != "" {
		cmd.Dir = interpolateString(s.transport.Cwd, s.opts.Vars)
	}
	env := os.Environ()
	for k, v := range s.transport.Env {
		env = append(env, k+"="+interpolateString(v, s.opts.Vars))
	}
	for k, alias := range s.transport.EnvAliases {
		if v := resolveAlias(alias); v != "" {
			env = append(env, k+"="+v)
		}
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectFailureError{Target: s.target, Reason: err.Error()}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ConnectFailureError{Target: s.target, Reason: err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ConnectFailureError{Target: s.target, Reason: err.Error()}
	}
	if err := cmd.Start(); err != nil {
		return &ConnectFailureError{Target: s.target, Reason: err.Error()}
	}

	s.cmd = cmd
	s.stdin = stdin
	s.started = true
	s.exited = make(chan struct{})
	s.ready = make(chan struct{})
	s.readyOnce = sync.Once{}
	if s.readiness == nil {
		s.markReady()
	}

	go s.readStdout(stdout)
	go s.readStderr(stderr)
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.started = false
		close(s.exited)
		s.mu.Unlock()
		s.failPending()
		s.opts.Logger.Warn("mcp stdio process exited",
			zap.String("command", s.transport.Command),
			zap.Error(err))
	}()
	return nil
}

func (s *stdioInvoker) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *stdioInvoker) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if s.readiness != nil && s.readiness.Match(line) {
			s.markReady()
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == "" {
			// Non-protocol chatter on stdout is tolerated.
			continue
		}
		s.dispatch(&resp)
	}
}

func (s *stdioInvoker) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if s.readiness != nil && s.readiness.Match(line) {
			s.markReady()
		}
		s.opts.Logger.Debug("mcp stdio stderr",
			zap.String("command", s.transport.Command),
			zap.ByteString("line", line))
	}
}

func (s *stdioInvoker) dispatch(resp *rpcResponse) {
	s.pendMu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.pendMu.Unlock()
	if ok {
		ch <- resp
	}
}

// failPending closes every in-flight reply channel; waiters observe the
// closed channel and report ProcessExited.
func (s *stdioInvoker) failPending() {
	s.pendMu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan *rpcResponse)
	s.pendMu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// ensureStarted starts or restarts the child and waits for readiness.
func (s *stdioInvoker) ensureStarted(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		if s.cmd != nil && !s.transport.RestartOnExit {
			exitErr := s.exitErr
			s.mu.Unlock()
			return &ProcessExitedError{Command: s.transport.Command, Err: exitErr}
		}
		if err := s.start(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	ready := s.ready
	s.mu.Unlock()

	startup := time.Duration(s.transport.StartupTimeoutSec) * time.Second
	if startup <= 0 {
		startup = defaultStartupTimeout
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(startup):
		return &ConnectFailureError{Target: s.target, Reason: "readiness pattern never matched"}
	}
}

func (s *stdioInvoker) CallTool(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error) {
	if err := s.ensureStarted(ctx); err != nil {
		return nil, err
	}
	args = InterpolateArgs(args, s.opts.Vars)

	req := rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: tool, Params: args}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, &SchemaViolationError{Tool: tool, Message: err.Error()}
	}
	frame = append(frame, '\n')

	ch := make(chan *rpcResponse, 1)
	s.pendMu.Lock()
	s.pending[req.ID] = ch
	s.pendMu.Unlock()

	// Writes are serialized so frames never interleave.
	s.mu.Lock()
	stdin := s.stdin
	if stdin == nil {
		s.mu.Unlock()
		return nil, &ProcessExitedError{Command: s.transport.Command, Err: s.exitErr}
	}
	_, err = stdin.Write(frame)
	s.mu.Unlock()
	if err != nil {
		s.dropPending(req.ID)
		return nil, &ProcessExitedError{Command: s.transport.Command, Err: err}
	}

	timeout := defaultCallTimeout
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &ProcessExitedError{Command: s.transport.Command, Err: s.exitErr}
		}
		if resp.Error != nil {
			return nil, &ToolError{Tool: tool, Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		var result interface{}
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return nil, fmt.Errorf("failed to decode tool result: %w", err)
			}
		}
		return result, nil
	case <-ctx.Done():
		s.dropPending(req.ID)
		return nil, ctx.Err()
	case <-time.After(timeout):
		s.dropPending(req.ID)
		return nil, &TransportTimeoutError{Tool: tool, Timeout: timeout}
	}
}

func (s *stdioInvoker) dropPending(id string) {
	s.pendMu.Lock()
	delete(s.pending, id)
	s.pendMu.Unlock()
}

// Close shuts the child down gracefully: close stdin, wait kill_timeout,
// then kill.
func (s *stdioInvoker) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	stdin := s.stdin
	exited := s.exited
	cmd := s.cmd
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	killAfter := time.Duration(s.transport.KillTimeoutSec) * time.Second
	if killAfter <= 0 {
		killAfter = defaultKillTimeout
	}
	select {
	case <-exited:
		return nil
	case <-time.After(killAfter):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
		return nil
	}
}
