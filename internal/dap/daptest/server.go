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

// Package daptest provides a scripted Debug Adapter Protocol server for
// tests, in the spirit of net/http/httptest.
package daptest

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/google/go-dap"
)

// Request is a message received by the server. Replies to reverse requests
// are recorded too, with Type "response".
type Request struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Event is an event to emit.
type Event struct {
	Name string
	Body any
}

// Reply scripts the server's answer to one request.
type Reply struct {
	// Body is marshaled as the response body.
	Body any

	// Fail, when set, makes the response unsuccessful with this message.
	Fail string

	// Events are emitted after the response.
	Events []Event

	// Defer suppresses the response; send it later with Respond.
	Defer bool
}

// Handler scripts replies.
type Handler func(Request) Reply

// OK is a Handler that answers every request successfully.
func OK(Request) Reply { return Reply{} }

// Server is a DAP server on a loopback TCP port. It serves one client
// connection at a time.
type Server struct {
	t       testing.TB
	ln      net.Listener
	handler Handler

	writeMu sync.Mutex
	seq     int

	mu       sync.Mutex
	conn     net.Conn
	requests []Request
	wg       sync.WaitGroup
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("daptest: listen: %v", err)
	}
	s := &Server{t: t, ln: ln, handler: handler}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port clients dial.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the listening port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Close stops the server and drops the client connection.
func (s *Server) Close() {
	s.ln.Close()
	s.DropClient()
	s.wg.Wait()
}

// DropClient closes the current client connection, simulating a crashed
// adapter.
func (s *Server) DropClient() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		raw, err := dap.ReadBaseMessage(r)
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		if req.Type != "request" {
			continue
		}
		rep := s.handler(req)
		if !rep.Defer {
			s.Respond(req, rep)
		} else {
			for _, evt := range rep.Events {
				s.Emit(evt.Name, evt.Body)
			}
		}
	}
}

// Respond sends the response for req, then rep.Events.
func (s *Server) Respond(req Request, rep Reply) {
	resp := map[string]any{
		"type":        "response",
		"request_seq": req.Seq,
		"success":     rep.Fail == "",
		"command":     req.Command,
	}
	if rep.Fail != "" {
		resp["message"] = rep.Fail
	}
	if rep.Body != nil {
		resp["body"] = rep.Body
	}
	s.send(resp)
	for _, evt := range rep.Events {
		s.Emit(evt.Name, evt.Body)
	}
}

// Emit sends an event to the connected client.
func (s *Server) Emit(name string, body any) {
	evt := map[string]any{"type": "event", "event": name}
	if body != nil {
		evt["body"] = body
	}
	s.send(evt)
}

// SendRequest sends a reverse request to the client.
func (s *Server) SendRequest(command string, args any) {
	req := map[string]any{"type": "request", "command": command}
	if args != nil {
		req["arguments"] = args
	}
	s.send(req)
}

func (s *Server) send(msg map[string]any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.seq++
	msg["seq"] = s.seq
	b, err := json.Marshal(msg)
	if err != nil {
		s.t.Errorf("daptest: marshal: %v", err)
		return
	}
	_ = dap.WriteBaseMessage(conn, b)
}

// Requests returns every message received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Commands returns the commands of received requests, in order.
func (s *Server) Commands() []string {
	var out []string
	for _, r := range s.Requests() {
		if r.Type == "request" {
			out = append(out, r.Command)
		}
	}
	return out
}

// Args decodes the arguments of the most recent request for command, or
// returns nil.
func (s *Server) Args(command string) map[string]any {
	reqs := s.Requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Type == "request" && reqs[i].Command == command {
			var m map[string]any
			_ = json.Unmarshal(reqs[i].Arguments, &m)
			return m
		}
	}
	return nil
}

// AllArgs decodes the arguments of every request for command, in order.
func (s *Server) AllArgs(command string) []map[string]any {
	var out []map[string]any
	for _, r := range s.Requests() {
		if r.Type == "request" && r.Command == command {
			var m map[string]any
			_ = json.Unmarshal(r.Arguments, &m)
			out = append(out, m)
		}
	}
	return out
}
