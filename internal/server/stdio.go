package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"loom/internal/logging"
	"loom/internal/sechook"
	"loom/internal/types"
)

// JSON-RPC 2.0 error codes.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32000
	codeNotFound       = -32001
	codeArchived       = -32002
	codeBlocked        = -32003
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 4 * 1024 * 1024

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

// MarshalJSON keeps the result member present (null included) on success and
// absent on error, per JSON-RPC 2.0.
func (r rpcResponse) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *rpcError       `json:"error"`
		}{r.JSONRPC, r.ID, r.Error})
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  interface{}     `json:"result"`
	}{r.JSONRPC, r.ID, r.Result})
}

// Stdio serves the tool registry over a line-delimited JSON-RPC stream.
// Requests are processed serially in arrival order.
type Stdio struct {
	registry      *Registry
	in            io.Reader
	out           io.Writer
	securityHooks bool

	writeMu sync.Mutex
}

// NewStdio builds a stdio server over the given stream pair.
func NewStdio(registry *Registry, in io.Reader, out io.Writer, securityHooks bool) *Stdio {
	return &Stdio{registry: registry, in: in, out: out, securityHooks: securityHooks}
}

// Run reads requests until EOF or context cancellation.
func (s *Stdio) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error: " + err.Error()}})
			continue
		}
		s.write(s.dispatch(ctx, &req))
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (s *Stdio) dispatch(ctx context.Context, req *rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" || req.Method == "" {
		resp.Error = &rpcError{Code: codeInvalidRequest, Message: "invalid request"}
		return resp
	}

	if req.Method == "tools/list" {
		resp.Result = map[string]interface{}{"tools": s.registry.List()}
		return resp
	}

	tool, ok := s.registry.Get(req.Method)
	if !ok {
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "unknown tool " + req.Method}
		return resp
	}

	if s.securityHooks {
		var input map[string]interface{}
		_ = json.Unmarshal(req.Params, &input)
		decision := sechook.Evaluate(sechook.Input{ToolName: req.Method, ToolInput: input})
		if !decision.Allowed {
			logging.Server("tool %s blocked by security pipeline: %s", req.Method, decision)
			resp.Error = &rpcError{Code: codeBlocked, Message: "blocked by security pipeline", Data: decision}
			return resp
		}
	}

	timer := logging.StartTimer(logging.CategoryServer, req.Method)
	result, err := tool.Handler(ctx, req.Params)
	timer.Stop()

	if err != nil {
		resp.Error = toRPCError(err)
		return resp
	}
	resp.Result = result
	return resp
}

// toRPCError maps domain error kinds onto the wire codes.
func toRPCError(err error) *rpcError {
	var nf *types.NotFoundError
	if errors.As(err, &nf) {
		return &rpcError{Code: codeNotFound, Message: err.Error()}
	}
	var ve *types.ValidationError
	if errors.As(err, &ve) {
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	var ce *types.CycleError
	if errors.As(err, &ce) {
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}
	var ae *types.ArchivedTaskError
	if errors.As(err, &ae) {
		return &rpcError{Code: codeArchived, Message: err.Error()}
	}
	return &rpcError{Code: codeInternal, Message: err.Error()}
}

func (s *Stdio) write(resp rpcResponse) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		logging.Server("response marshal failed: %v", err)
		return
	}
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		logging.Server("response write failed: %v", err)
	}
}
