// Package jsonrpc implements the JSON-lines RPC-over-stdio contract that
// some AI CLI engines speak: caller-assigned integer request ids, response
// matching by id, notifications with no id and no response, and a strict
// initialize/initialized handshake before any other method. A single
// reader goroutine scans stdout, a per-call timeout guards each request,
// and a select loop dispatches responses back to waiting callers.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// CallTimeout is the per-call timeout; on expiry the call fails and the
// outer supervisor is expected to kill the subprocess 5s later.
const CallTimeout = 15 * time.Second

// Request is an outbound JSON-RPC request or notification. Notifications
// have ID == 0 and expect no response.
type Request struct {
	ID     int             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcEnvelope struct {
	ID     *int            `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Notification is an inbound message with no id (the session never
// expects a response to these); NotificationHandler lets callers observe
// them (e.g. to surface session/update progress as log lines).
type NotificationHandler func(method string, params json.RawMessage)

// Session owns a single reader goroutine over an engine subprocess's
// stdout, decoding UTF-8 JSON lines and matching responses to pending
// calls by id.
type Session struct {
	w io.Writer

	mu          sync.Mutex
	nextID      int
	pending     map[int]chan rpcEnvelope
	notifyFn    NotificationHandler
	badLineFn   func(line string)
	initialized bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession starts a Session reading lines from r and writing requests
// to w. Lines that don't parse as JSON are passed to onBadLine (if
// non-nil) and skipped, rather than killing the session.
func NewSession(r io.Reader, w io.Writer, onNotify NotificationHandler, onBadLine func(line string)) *Session {
	s := &Session{
		w:         w,
		pending:   make(map[int]chan rpcEnvelope),
		notifyFn:  onNotify,
		badLineFn: onBadLine,
		done:      make(chan struct{}),
	}
	go s.readLoop(r)
	return s
}

func (s *Session) readLoop(r io.Reader) {
	defer close(s.done)
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			if s.badLineFn != nil {
				s.badLineFn(string(line))
			}
			continue
		}

		if env.ID != nil && env.Method == "" {
			// Response to a pending call.
			s.mu.Lock()
			ch, ok := s.pending[*env.ID]
			if ok {
				delete(s.pending, *env.ID)
			}
			s.mu.Unlock()
			if ok {
				ch <- env
				close(ch)
			}
			continue
		}

		if env.Method != "" {
			// Either a request or a notification from the peer; this
			// adapter only ever plays client, so incoming "requests"
			// from the engine (e.g. permission prompts) are treated the
			// same as notifications for log-surfacing purposes.
			if s.notifyFn != nil {
				s.notifyFn(env.Method, env.Params)
			}
			continue
		}
	}
}

// Call issues a request and blocks for its response, honoring
// CallTimeout and ctx cancellation, whichever comes first.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan rpcEnvelope, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	req := Request{ID: id, Method: method, Params: raw}
	line, err := json.Marshal(req)
	if err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.w.Write(line); err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := time.NewTimer(CallTimeout)
	defer timeout.Stop()

	select {
	case env := <-ch:
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Result, nil
	case <-timeout.C:
		s.dropPending(id)
		return nil, fmt.Errorf("rpc call %q timed out after %s", method, CallTimeout)
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	case <-s.done:
		s.dropPending(id)
		return nil, fmt.Errorf("rpc session closed before %q responded", method)
	}
}

// Notify sends a fire-and-forget notification (no id, no response
// expected).
func (s *Session) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	req := Request{Method: method, Params: raw}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	line = append(line, '\n')
	_, err = s.w.Write(line)
	return err
}

// Handshake runs the strict initialize/initialized sequence required
// before any other method may be called.
func (s *Session) Handshake(ctx context.Context, initializeParams any) (json.RawMessage, error) {
	result, err := s.Call(ctx, "initialize", initializeParams)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := s.Notify("initialized", struct{}{}); err != nil {
		return nil, fmt.Errorf("initialized: %w", err)
	}
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return result, nil
}

// Initialized reports whether Handshake has completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Done resolves once the underlying reader loop has exited (the
// subprocess's stdout has closed).
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) dropPending(id int) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
