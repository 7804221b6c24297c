// Package rpc implements the RPC Dispatcher (spec §4.6): a newline-delimited
// JSON-RPC 2.0 server over stdio that serializes requests through a single
// reader and routes them to method handlers.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeHandlerError   = -32000
)

// Request is one inbound JSON-RPC 2.0 envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is one outbound JSON-RPC 2.0 envelope.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *errorObj   `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type errorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler answers one method call. params is the raw params object;
// implementations unmarshal it into their own parameter type.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Dispatcher reads newline-delimited requests from r, routes each to the
// registered Handler for its method, and writes newline-delimited responses
// to w. Handlers run sequentially on the reading goroutine except where a
// handler itself spawns background work (subscribe_polling starts its
// Runners' goroutines and returns without waiting for them).
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]Handler
	w        io.Writer
	wMu      sync.Mutex
	logger   zerolog.Logger
}

// New returns an empty Dispatcher writing responses to w.
func New(w io.Writer, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		w:        w,
		logger:   logger,
	}
}

// Register binds method to handler. Call before Run.
func (d *Dispatcher) Register(method string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = handler
}

// Run reads and dispatches requests from r until EOF, ctx cancellation, or a
// read error. It is the single reader for the control channel (spec §4.6,
// §5 "one concurrent task per poll group ... RPC handling runs on the same
// scheduler"): this call itself runs on its own goroutine in cmd/worker, and
// each request is handled to completion before the next is read.
func (d *Dispatcher) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		d.handleLine(ctx, append([]byte(nil), line...))
	}
	return scanner.Err()
}

func (d *Dispatcher) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		d.writeResponse(Response{JSONRPC: "2.0", Error: &errorObj{Code: codeParseError, Message: "invalid JSON-RPC request: " + err.Error()}, ID: nil})
		return
	}

	d.mu.Lock()
	handler, ok := d.handlers[req.Method]
	d.mu.Unlock()
	if !ok {
		d.writeResponse(Response{JSONRPC: "2.0", Error: &errorObj{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}, ID: req.ID})
		return
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		d.logger.Error().Err(err).Str("method", req.Method).Msg("rpc handler failed")
		d.writeResponse(Response{JSONRPC: "2.0", Error: &errorObj{Code: codeHandlerError, Message: err.Error()}, ID: req.ID})
		return
	}
	d.writeResponse(Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (d *Dispatcher) writeResponse(resp Response) {
	line, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to marshal rpc response")
		return
	}
	d.wMu.Lock()
	defer d.wMu.Unlock()
	d.w.Write(line)
	d.w.Write([]byte{'\n'})
}
