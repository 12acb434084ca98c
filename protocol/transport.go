package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const maxLineBytes = 1 << 20

// stdioTransport speaks line-framed JSON-RPC with a subprocess over its
// stdin/stdout. Responses are matched to requests by id through a pending
// map filled by a single reader goroutine; stderr is drained into the log.
type stdioTransport struct {
	config ServerConfig
	logger *zap.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *rpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func newStdioTransport(config ServerConfig, logger *zap.Logger) *stdioTransport {
	return &stdioTransport{
		config:   config,
		logger:   logger.With(zap.String("server", config.ID), zap.String("transport", "stdio")),
		pending:  make(map[int64]chan *rpcResponse),
		stopChan: make(chan struct{}),
	}
}

// Start launches the subprocess and begins reading its stdout.
func (t *stdioTransport) Start(ctx context.Context) error {
	t.process = exec.CommandContext(ctx, t.config.Command, t.config.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.config.Command, err)
	}

	t.connected.Store(true)
	t.logger.Info("tool server process started",
		zap.String("command", t.config.Command),
		zap.Int("pid", t.process.Process.Pid))

	t.wg.Add(1)
	go t.readLoop(stdout)
	if stderr != nil {
		t.wg.Add(1)
		go t.drainStderr(stderr)
	}
	return nil
}

// Close terminates the subprocess and unblocks all pending calls.
func (t *stdioTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopChan)
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.process != nil && t.process.Process != nil {
		_ = t.process.Process.Kill()
	}
	t.wg.Wait()
	_ = t.process.Wait()
	return nil
}

func (t *stdioTransport) Connected() bool {
	return t.connected.Load()
}

// Call sends a request and waits for the matching response.
func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("transport not connected")
	}

	id := t.nextID.Add(1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	respChan := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeLine(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s timed out after %v", method, timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify sends a notification; no response is expected.
func (t *stdioTransport) Notify(method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("transport not connected")
	}
	notif := rpcNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = raw
	}
	return t.writeLine(notif)
}

func (t *stdioTransport) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		if line := scanner.Bytes(); len(line) > 0 {
			t.dispatch(line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout read failed", zap.Error(err))
	}
}

// dispatch routes one stdout line to the caller waiting on its id.
// Notifications and unparseable lines are logged and dropped.
func (t *stdioTransport) dispatch(line []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
		var notif rpcNotification
		if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
			t.logger.Debug("server notification", zap.String("method", notif.Method))
		} else {
			t.logger.Warn("unparseable server output", zap.ByteString("line", line))
		}
		return
	}

	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	default:
		t.logger.Warn("unexpected response id type", zap.Any("id", resp.ID))
		return
	}

	t.pendingMu.Lock()
	if ch, ok := t.pending[id]; ok {
		select {
		case ch <- &resp:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

func (t *stdioTransport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", zap.String("message", line))
		}
	}
}
