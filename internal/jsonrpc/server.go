package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Sentinel errors for method registration.
var (
	ErrMethodExists = errors.New("method already registered")
	ErrEmptyMethod  = errors.New("method name is empty")
)

// maxBatchConcurrency bounds how many entries of one batch run at once.
const maxBatchConcurrency = 16

// Handler runs one method call. The returned value is marshalled as the
// result. Returning an *Error controls the error code; any other error
// becomes a server error carrying its message.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches requests to registered methods.
type Server struct {
	mu      sync.RWMutex
	methods map[string]Handler
	logger  *slog.Logger
}

// NewServer creates a server with no methods.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{methods: make(map[string]Handler), logger: logger}
}

// RegisterMethod adds a method. It fails if name is already registered.
func (s *Server) RegisterMethod(name string, handler Handler) error {
	if name == "" {
		return ErrEmptyMethod
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.methods[name]; exists {
		return fmt.Errorf("%w: %s", ErrMethodExists, name)
	}
	s.methods[name] = handler
	return nil
}

// HandleMessage processes one raw transport message holding a request or a
// batch and returns the encoded reply, or nil when nothing is due.
func (s *Server) HandleMessage(ctx context.Context, raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) {
		return s.encode(newErrorResponse(nil, CodeParseError, "Parse error", nil))
	}

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return s.encode(newErrorResponse(nil, CodeParseError, "Parse error", nil))
		}
		if len(entries) == 0 {
			return s.encode(newErrorResponse(nil, CodeInvalidRequest, "Invalid Request: empty batch", nil))
		}
		responses := s.HandleBatch(ctx, entries)
		if len(responses) == 0 {
			return nil
		}
		return s.encode(responses)
	}

	resp := s.HandleRaw(ctx, trimmed)
	if resp == nil {
		return nil
	}
	return s.encode(resp)
}

// HandleBatch runs every entry concurrently and returns the responses in
// request order, skipping notifications.
func (s *Server) HandleBatch(ctx context.Context, entries []json.RawMessage) []*Response {
	results := make([]*Response, len(entries))

	var g errgroup.Group
	g.SetLimit(maxBatchConcurrency)
	for i, entry := range entries {
		g.Go(func() error {
			results[i] = s.HandleRaw(ctx, entry)
			return nil
		})
	}
	_ = g.Wait()

	responses := make([]*Response, 0, len(results))
	for _, r := range results {
		if r != nil {
			responses = append(responses, r)
		}
	}
	return responses
}

// HandleRaw validates and dispatches a single encoded request.
func (s *Server) HandleRaw(ctx context.Context, raw json.RawMessage) *Response {
	req, echo, err := parseRequest(raw)
	if err != nil {
		return newErrorResponse(echo, CodeInvalidRequest, "Invalid Request", json.RawMessage(raw))
	}
	return s.Handle(ctx, req)
}

// Handle dispatches an already validated request.
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	s.mu.RLock()
	handler, ok := s.methods[req.Method]
	s.mu.RUnlock()

	if !ok {
		return newErrorResponse(req.ID, CodeMethodNotFound, "Method not found", nil)
	}

	result, err := s.invoke(ctx, handler, req)
	if req.IsNotification() {
		if err != nil {
			s.logger.Warn("notification handler failed", "method", req.Method, "error", err)
		}
		return nil
	}
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return newErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		return newErrorResponse(req.ID, CodeServerError, err.Error(), nil)
	}

	resp, err := newResult(req.ID, result)
	if err != nil {
		return newErrorResponse(req.ID, CodeInternalError, err.Error(), nil)
	}
	return resp
}

func (s *Server) invoke(ctx context.Context, handler Handler, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc handler panic", "method", req.Method, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, req.Params)
}

func (s *Server) encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode rpc response", "error", err)
		return nil
	}
	return data
}
