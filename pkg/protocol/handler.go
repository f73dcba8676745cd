package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// MaxLine is the longest request line Serve accepts.
const MaxLine = 4 << 20

// HandlerFunc serves one method. A nil *Error means success.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, *Error)

// Handler routes JSON-RPC methods to registered functions.
type Handler struct {
	mu      sync.RWMutex
	methods map[string]HandlerFunc
	logger  *slog.Logger
}

// NewHandler creates a Handler with no methods.
func NewHandler() *Handler {
	return &Handler{methods: make(map[string]HandlerFunc), logger: slog.Default()}
}

// Register binds fn to method, replacing any earlier binding.
func (h *Handler) Register(method string, fn HandlerFunc) {
	h.mu.Lock()
	h.methods[method] = fn
	h.mu.Unlock()
}

// Methods returns the registered method names in sorted order.
func (h *Handler) Methods() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.methods))
}

// Handle runs req and returns its response. A panicking method yields
// CodeInternalError.
func (h *Handler) Handle(ctx context.Context, req Request) (resp Response) {
	if req.JSONRPC != "2.0" {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "invalid jsonrpc version", nil)
	}
	if req.Method == "" {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "method is required", nil)
	}

	h.mu.RLock()
	fn := h.methods[req.Method]
	h.mu.RUnlock()
	if fn == nil {
		return NewErrorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method, nil)
	}

	defer func() {
		if p := recover(); p != nil {
			h.logger.ErrorContext(ctx, "method panicked", "method", req.Method, "panic", p)
			resp = NewErrorResponse(req.ID, CodeInternalError, fmt.Sprintf("internal error in %s", req.Method), nil)
		}
	}()

	result, rpcErr := fn(ctx, req.Params)
	if rpcErr != nil {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return NewResponse(req.ID, result)
}

// Dispatch handles one message, either a single request or a batch. It
// returns what should be written back: a Response, a []Response, or nil
// when the message held only notifications.
func (h *Handler) Dispatch(ctx context.Context, data []byte) any {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return h.dispatchBatch(ctx, data)
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return NewErrorResponse(nil, CodeParseError, "parse error: "+err.Error(), nil)
	}
	resp := h.Handle(ctx, req)
	if req.ID == nil {
		return nil
	}
	return resp
}

func (h *Handler) dispatchBatch(ctx context.Context, data []byte) any {
	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		return NewErrorResponse(nil, CodeParseError, "parse error: "+err.Error(), nil)
	}
	if len(batch) == 0 {
		return NewErrorResponse(nil, CodeInvalidRequest, "empty batch", nil)
	}
	var out []Response
	for _, raw := range batch {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			out = append(out, NewErrorResponse(nil, CodeInvalidRequest, "invalid request: "+err.Error(), nil))
			continue
		}
		resp := h.Handle(ctx, req)
		if req.ID != nil {
			out = append(out, resp)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Serve reads newline-delimited messages from r and writes one response
// line per message that needs an answer, until r is exhausted or ctx is
// cancelled.
func (h *Handler) Serve(ctx context.Context, r io.Reader, w io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	h.logger = logger

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLine)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		out := h.Dispatch(ctx, scanner.Bytes())
		if out == nil {
			continue
		}
		if err := enc.Encode(out); err != nil {
			logger.ErrorContext(ctx, "encoding response failed", "error", err)
			fallback := NewErrorResponse(nil, CodeInternalError, "unencodable result", nil)
			if resp, ok := out.(Response); ok {
				fallback.ID = resp.ID
			}
			if err := enc.Encode(fallback); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

// ParseParams decodes params into T. Absent or null params yield the zero T.
func ParseParams[T any](params json.RawMessage) (T, *Error) {
	var p T
	if len(params) == 0 || string(params) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, Errorf(CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	return p, nil
}
