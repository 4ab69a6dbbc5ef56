// Package toolserver serves a [tools.Registry] over the line-delimited
// JSON-RPC protocol: one JSON document per line on a plain TCP stream,
// one goroutine per connection, requests on a connection handled in
// order.
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nugget/toolrelay/internal/buildinfo"
	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
)

// maxRequestBytes bounds a single request line.
const maxRequestBytes = 4 * 1024 * 1024

// Config configures a Server.
type Config struct {
	// Addr is the listen address for ListenAndServe, e.g. ":8765".
	Addr string

	// Name is reported as serverInfo.name during initialize.
	Name string

	Logger *slog.Logger
}

// Server accepts tool protocol connections and dispatches their
// requests to a registry.
type Server struct {
	addr     string
	name     string
	registry *tools.Registry
	logger   *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// New creates a server for registry.
func New(registry *tools.Registry, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "toolrelay"
	}
	return &Server{
		addr:     cfg.Addr,
		name:     name,
		registry: registry,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil after a clean
// shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("tool server listening",
		"addr", ln.Addr().String(),
		"tools", s.registry.Len(),
	)

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept timeout", "error", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// Addr returns the listener address once Serve has started, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting and closes every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Debug("client connected")
	defer logger.Debug("client disconnected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBytes)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		out := s.handleLine(ctx, scanner.Bytes())
		if out == nil {
			continue
		}
		if _, err := w.Write(append(out, '\n')); err != nil {
			logger.Debug("write failed", "error", err)
			return
		}
		if err := w.Flush(); err != nil {
			logger.Debug("flush failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !s.isClosed() {
		logger.Warn("connection read failed", "error", err)
	}
}

// inbound is a request as received. The id is kept raw so it can be
// echoed back verbatim; its absence marks a notification.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// handleLine processes one request line and returns the encoded
// response, or nil when nothing should be written.
func (s *Server) handleLine(ctx context.Context, line []byte) []byte {
	if len(line) == 0 {
		return nil
	}

	var req inbound
	if err := json.Unmarshal(line, &req); err != nil {
		return encode(mcp.NewErrorResponse(nil, mcp.CodeParseError, "parse error"))
	}

	// Notifications get no reply, whatever their method.
	if len(req.ID) == 0 {
		s.logger.Debug("notification received", "method", req.Method)
		return nil
	}
	if req.Method == "" {
		return encode(mcp.NewErrorResponse(req.ID, mcp.CodeInvalidRequest, "missing method"))
	}

	return encode(s.dispatch(ctx, req))
}

func (s *Server) dispatch(ctx context.Context, req inbound) *mcp.Response {
	switch req.Method {
	case "initialize":
		return mcp.NewResultResponse(req.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			ServerInfo:      mcp.Implementation{Name: s.name, Version: buildinfo.Version},
			Capabilities:    mcp.ServerCapabilities{Tools: &struct{}{}},
		})

	case "ping":
		return mcp.NewResultResponse(req.ID, struct{}{})

	case "tools/list":
		return mcp.NewResultResponse(req.ID, mcp.ListToolsResult{Tools: s.registry.List()})

	case "tools/call":
		return s.handleToolCall(ctx, req)

	default:
		return mcp.NewErrorResponse(req.ID, mcp.CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// callParams mirrors mcp.CallToolParams with tagged-union arguments.
type callParams struct {
	Name      string         `json:"name"`
	Arguments jsonval.Object `json:"arguments"`
}

func (s *Server) handleToolCall(ctx context.Context, req inbound) *mcp.Response {
	var params callParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}
	if params.Name == "" {
		return mcp.NewErrorResponse(req.ID, mcp.CodeInvalidParams, "invalid params: name is required")
	}

	start := time.Now()
	result := s.registry.Execute(ctx, params.Name, params.Arguments)

	s.logger.Info("tool call",
		"tool", params.Name,
		"is_error", result.IsError,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return mcp.NewResultResponse(req.ID, result)
}

func encode(resp *mcp.Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		// Only reachable with an unmarshalable error Data payload.
		data, _ = json.Marshal(mcp.NewErrorResponse(resp.ID, mcp.CodeInternalError, "internal error"))
	}
	return data
}
