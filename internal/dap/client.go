// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"

	pblog "github.com/tombee/polybugger/internal/log"
	pberrors "github.com/tombee/polybugger/pkg/errors"
	"github.com/tombee/polybugger/pkg/secrets"
)

// ErrClosed is returned for requests on a closed client.
var ErrClosed = errors.New("dap: client closed")

// Client is a DAP client bound to one adapter connection.
type Client struct {
	conn    io.ReadWriteCloser
	reader  *bufio.Reader
	writeMu sync.Mutex
	seq     atomic.Int64

	pendingMu sync.Mutex
	pending   map[int]chan *Response

	handler func(Event)
	logger  *slog.Logger

	initialized chan struct{}
	initOnce    sync.Once

	done     chan struct{}
	doneOnce sync.Once
	closing  atomic.Bool
	errMu    sync.Mutex
	err      error
}

// Option configures a Client.
type Option func(*Client)

// WithEventHandler sets the function called for every event. It runs on
// the receive goroutine.
func WithEventHandler(h func(Event)) Option {
	return func(c *Client) { c.handler = h }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient starts a client on conn. The client owns conn.
func NewClient(conn io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		pending:     make(map[int]chan *Response),
		logger:      pblog.Discard(),
		initialized: make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.receiveLoop()
	return c
}

// Dial connects to an adapter listening on addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to debug adapter at %s: %w", addr, err)
	}
	return NewClient(conn, opts...), nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil while it is open.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the connection. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.closing.Store(true)
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) receiveLoop() {
	for {
		raw, err := dap.ReadBaseMessage(c.reader)
		if err != nil {
			c.shutdown(err)
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("dropping malformed message", pblog.Error(err))
			continue
		}
		pblog.Trace(c.logger, "dap recv", slog.String("type", env.Type), slog.Int("seq", env.Seq))

		switch env.Type {
		case TypeResponse:
			c.handleResponse(raw)
		case TypeEvent:
			c.handleEvent(raw)
		case TypeRequest:
			c.rejectReverseRequest(raw)
		}
	}
}

func (c *Client) shutdown(err error) {
	switch {
	case c.closing.Load():
		err = ErrClosed
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		err = io.EOF
	}

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	c.pendingMu.Lock()
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.pendingMu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) handleResponse(raw []byte) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("dropping malformed response", pblog.Error(err))
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.RequestSeq]
	delete(c.pending, resp.RequestSeq)
	c.pendingMu.Unlock()

	if ok {
		ch <- &resp
	}
}

func (c *Client) handleEvent(raw []byte) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		c.logger.Warn("dropping malformed event", pblog.Error(err))
		return
	}
	if evt.Event == EventInitialized {
		c.initOnce.Do(func() { close(c.initialized) })
	}
	if c.handler != nil {
		c.handler(evt)
	}
}

// rejectReverseRequest answers adapter-initiated requests such as
// runInTerminal, which this client does not support.
func (c *Client) rejectReverseRequest(raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	resp := Response{
		Seq:        int(c.seq.Add(1)),
		Type:       TypeResponse,
		RequestSeq: req.Seq,
		Command:    req.Command,
		Message:    "not supported",
	}
	if err := c.write(resp); err != nil {
		c.logger.Debug("failed to reject reverse request", slog.String("command", req.Command), pblog.Error(err))
	}
}

func (c *Client) write(v any) error {
	content, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return dap.WriteBaseMessage(c.conn, content)
}

// Call is an in-flight request.
type Call struct {
	client  *Client
	seq     int
	command string
	ch      chan *Response
}

// Start sends a request without waiting for its response.
func (c *Client) Start(command string, args any) (*Call, error) {
	select {
	case <-c.done:
		return nil, c.closedErr()
	default:
	}

	var rawArgs json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal %s arguments: %w", command, err)
		}
		rawArgs = b
	}

	seq := int(c.seq.Add(1))
	call := &Call{client: c, seq: seq, command: command, ch: make(chan *Response, 1)}

	c.pendingMu.Lock()
	c.pending[seq] = call.ch
	c.pendingMu.Unlock()

	c.traceSend(command, seq, rawArgs)
	err := c.write(Request{Seq: seq, Type: TypeRequest, Command: command, Arguments: rawArgs})
	if err != nil {
		c.forget(seq)
		return nil, fmt.Errorf("send %s: %w", command, err)
	}
	return call, nil
}

// Wait blocks until the response arrives. An unsuccessful response is
// returned as a *errors.ProtocolError.
func (call *Call) Wait(ctx context.Context) (*Response, error) {
	select {
	case resp, ok := <-call.ch:
		if !ok {
			return nil, call.client.closedErr()
		}
		if !resp.Success {
			msg := resp.Message
			if msg == "" {
				msg = "request failed"
			}
			if detail := errorBodyMessage(resp.Body); detail != "" {
				msg = detail
			}
			return resp, &pberrors.ProtocolError{Command: call.command, Message: msg}
		}
		return resp, nil
	case <-ctx.Done():
		call.client.forget(call.seq)
		return nil, ctx.Err()
	}
}

// Request sends a request and waits for its response.
func (c *Client) Request(ctx context.Context, command string, args any) (*Response, error) {
	call, err := c.Start(command, args)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Initialized is closed when the adapter sends the initialized event.
func (c *Client) Initialized() <-chan struct{} { return c.initialized }

// WaitInitialized blocks until the adapter sends the initialized event.
func (c *Client) WaitInitialized(ctx context.Context) error {
	select {
	case <-c.initialized:
		return nil
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) forget(seq int) {
	c.pendingMu.Lock()
	delete(c.pending, seq)
	c.pendingMu.Unlock()
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

// errorBodyMessage extracts body.error.format from a failed response.
func errorBodyMessage(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	var eb struct {
		Error struct {
			Format string `json:"format"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	return eb.Error.Format
}

func decodeBody[T any](resp *Response) (T, error) {
	var out T
	if len(resp.Body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, &pberrors.ProtocolError{Command: resp.Command, Message: "malformed response body", Cause: err}
	}
	return out, nil
}

// traceSend logs an outgoing request at trace level. Launch and attach
// arguments carry the debuggee environment, so secrets in them are masked.
func (c *Client) traceSend(command string, seq int, args json.RawMessage) {
	if !c.logger.Enabled(context.Background(), pblog.LevelTrace) {
		return
	}
	attrs := []slog.Attr{slog.String("command", command), slog.Int("seq", seq)}
	switch command {
	case "launch", "attach":
		attrs = append(attrs, slog.String("arguments", secrets.MaskLaunchArguments(args)))
	}
	pblog.Trace(c.logger, "dap send", attrs...)
}
