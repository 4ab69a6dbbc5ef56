package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// DefaultMaxSkippedLines bounds how many unrelated lines a single call
// will discard while waiting for its response.
const DefaultMaxSkippedLines = 1000

// levelTrace matches config.LevelTrace; wire payloads are logged here.
const levelTrace = slog.Level(-8)

// TCPConfig configures a [TCPTransport].
type TCPConfig struct {
	ConnConfig

	// MaxSkippedLines caps the stray lines tolerated per call. Zero
	// uses DefaultMaxSkippedLines; negative disables the cap and relies
	// on the read timeout alone.
	MaxSkippedLines int

	Logger *slog.Logger
}

// TCPTransport speaks newline-delimited JSON-RPC over a TCP stream.
// Servers may interleave log lines, notifications, and responses to
// other requests with the response a caller is waiting for; those lines
// are skipped until one with the expected id arrives.
type TCPTransport struct {
	cfg    TCPConfig
	logger *slog.Logger

	// mu serialises request/response cycles so that at most one call
	// is in flight on the stream.
	mu   sync.Mutex
	conn *Conn
}

// NewTCPTransport creates a transport for the given endpoint. The
// connection is not opened until [TCPTransport.Open].
func NewTCPTransport(cfg TCPConfig) *TCPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSkippedLines == 0 {
		cfg.MaxSkippedLines = DefaultMaxSkippedLines
	}
	return &TCPTransport{
		cfg:    cfg,
		logger: logger.With("addr", cfg.Addr()),
	}
}

// Open dials the endpoint if no connection is open.
func (t *TCPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}
	conn, err := Dial(ctx, t.cfg.ConnConfig)
	if err != nil {
		return err
	}
	t.conn = conn
	t.logger.Debug("tool server connection opened")
	return nil
}

// Connected reports whether the stream is open.
func (t *TCPTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send writes req and waits for the response carrying req.ID.
func (t *TCPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, ErrNotConnected
	}
	if err := t.conn.Send(ctx, data); err != nil {
		t.dropLocked()
		return nil, err
	}

	t.logger.Log(ctx, levelTrace, "request sent", "id", req.ID, "method", req.Method, "json", string(data))
	return t.readResponseLocked(ctx, req.ID)
}

// Notify writes a notification without waiting for a reply.
func (t *TCPTransport) Notify(ctx context.Context, notif *Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrNotConnected
	}
	if err := t.conn.Send(ctx, data); err != nil {
		t.dropLocked()
		return err
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCPTransport) readResponseLocked(ctx context.Context, id int64) (*Response, error) {
	skipped := 0
	for {
		line, err := t.conn.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				addr := t.conn.Addr()
				t.dropLocked()
				return nil, &ConnectionError{Addr: addr, Op: "read", Err: io.ErrUnexpectedEOF}
			}
			return nil, fmt.Errorf("read response %d: %w", id, err)
		}

		t.logger.Log(ctx, levelTrace, "line received", "expect_id", id, "json", string(line))

		resp, reason, err := matchResponse(line, id)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}

		skipped++
		t.logger.Debug("skipping unrelated line", "expect_id", id, "reason", reason)
		if t.cfg.MaxSkippedLines > 0 && skipped >= t.cfg.MaxSkippedLines {
			return nil, &MalformedResponseError{
				Reason: fmt.Sprintf("no response with id %d after %d unrelated lines", id, skipped),
			}
		}
	}
}

func (t *TCPTransport) dropLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// matchResponse applies the correlation filter to one line. It returns
// the response when the line answers the request with the given id, or
// a skip reason when the line should be ignored. A line that matches
// but carries an undecodable error member is reported as an error.
func matchResponse(line []byte, id int64) (*Response, string, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, "empty line", nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil || fields == nil {
		return nil, "not a JSON object", nil
	}

	resultRaw, hasResult := fields["result"]
	errorRaw, hasError := fields["error"]
	_, hasMethod := fields["method"]
	if !hasResult && !hasError && !hasMethod {
		return nil, "no result, error, or method member", nil
	}

	got, ok := parseIntID(fields["id"])
	if !ok || got != id {
		return nil, "id mismatch", nil
	}

	resp := &Response{JSONRPC: jsonrpcVersion, ID: fields["id"]}
	if v, ok := fields["jsonrpc"]; ok {
		_ = json.Unmarshal(v, &resp.JSONRPC)
	}
	if hasResult {
		resp.Result = resultRaw
	}
	if hasError && string(errorRaw) != "null" {
		var rpcErr RPCError
		if err := json.Unmarshal(errorRaw, &rpcErr); err != nil {
			return nil, "", &MalformedResponseError{Reason: "undecodable error member", Err: err}
		}
		resp.Error = &rpcErr
	}
	return resp, "", nil
}
