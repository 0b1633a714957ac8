// Package bridge forwards ai/* requests to an external provider subprocess
// speaking line-delimited JSON-RPC on stdio. The router marks the service
// bridge-delegated, so every forwarded request carries the caller's
// workspace id and path in its params.
package bridge

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

	"github.com/cockroachdb/errors"

	"github.com/zorz/ultra-ecp-sub000/internal/ecp"
	"github.com/zorz/ultra-ecp-sub000/internal/logger"
	"github.com/zorz/ultra-ecp-sub000/internal/service"
)

// Namespace is the service's routing namespace.
const Namespace = "ai"

// maxResponseSize bounds a single subprocess response line.
const maxResponseSize = 16 << 20

// request is the frame written to the subprocess.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is the frame read back from the subprocess.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *ecp.Error      `json:"error"`
}

// Service runs and talks to the provider subprocess.
type Service struct {
	command []string
	env     map[string]string
	log     *logger.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *response
	closed  bool

	done chan struct{}
}

// New creates a bridge service for the given subprocess argv.
func New(command []string, env map[string]string) *Service {
	return &Service{
		command: command,
		env:     env,
		log:     logger.Global().WithScope("bridge"),
		pending: make(map[uint64]chan *response),
		done:    make(chan struct{}),
	}
}

func (s *Service) Namespace() string     { return Namespace }
func (s *Service) Scope() service.Scope  { return service.ScopeGlobal }
func (s *Service) BridgeDelegated() bool { return true }

// Init starts the subprocess and its response reader.
func (s *Service) Init(context.Context) error {
	if len(s.command) == 0 {
		return errors.New("bridge command not configured")
	}

	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range s.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open bridge stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open bridge stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start bridge subprocess: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	go s.readLoop(stdout)
	go s.logStderr(stderr)

	s.log.Info("Bridge subprocess started: %s (pid %d)", s.command[0], cmd.Process.Pid)
	return nil
}

// Shutdown stops the subprocess. Outstanding requests fail.
func (s *Service) Shutdown(context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	<-s.done
	return nil
}

// Handle forwards a method to the subprocess and waits for its answer.
func (s *Service) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	id := s.nextID.Add(1)
	ch := make(chan *response, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ecp.NewError(ecp.CodeServerError, "bridge is not running")
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	frame, err := json.Marshal(request{
		JSONRPC: ecp.Version,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal bridge request")
	}
	frame = append(frame, '\n')

	s.writeMu.Lock()
	_, err = s.stdin.Write(frame)
	s.writeMu.Unlock()
	if err != nil {
		return nil, ecp.NewError(ecp.CodeServerError, "bridge write failed: %s", err.Error())
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ecp.NewError(ecp.CodeServerError, "bridge terminated")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil

	case <-ctx.Done():
		return nil, ecp.NewError(ecp.CodeServerError, "bridge request cancelled: %s", ctx.Err().Error())
	}
}

// readLoop correlates subprocess responses with pending requests by id.
// When the subprocess exits, every pending request is failed.
func (s *Service) readLoop(stdout io.Reader) {
	defer close(s.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxResponseSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			s.log.Warn("Discarding unparseable bridge output: %v", err)
			continue
		}
		if resp.ID == nil {
			// Unsolicited subprocess notifications are not forwarded.
			s.log.Debug("Ignoring bridge frame without id")
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[*resp.ID]
		s.mu.Unlock()
		if !ok {
			s.log.Warn("Bridge response for unknown id %d", *resp.ID)
			continue
		}
		ch <- &resp
	}

	if err := scanner.Err(); err != nil {
		s.log.Warn("Bridge read error: %v", err)
	}

	// Fail everything still in flight.
	s.mu.Lock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

func (s *Service) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.log.Debug("bridge stderr: %s", scanner.Text())
	}
}
