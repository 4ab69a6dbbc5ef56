package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/toolrelay/internal/buildinfo"
	"github.com/nugget/toolrelay/internal/jsonval"
)

// State is the lifecycle position of a [Client].
type State int32

const (
	// StateDisconnected means no stream is open.
	StateDisconnected State = iota
	// StateConnected means the stream is open but initialize has not
	// completed.
	StateConnected
	// StateInitialized means the handshake completed and tools may be
	// listed and called.
	StateInitialized
)

// String returns a lowercase name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client connects to a single tool server and provides typed access to
// the protocol operations (initialize, tools/list, tools/call).
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu         sync.RWMutex
	state      State
	serverName string
	serverVer  string
}

// NewClient creates a client for the named server over the given
// transport. The name is used in logs only.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the server name this client was created for.
func (c *Client) Name() string {
	return c.name
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ServerInfo returns the name and version the server reported during
// initialize. Both are empty before the handshake completes.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// Connect opens the stream. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateDisconnected {
		return nil
	}
	if err := c.transport.Open(ctx); err != nil {
		return err
	}
	c.state = StateConnected
	c.logger.Debug("tool server connected")
	return nil
}

// Initialize performs the handshake: it connects if needed, sends an
// initialize request, and then the notifications/initialized
// notification. It is a no-op on an initialized client.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if c.State() == StateInitialized {
		return nil
	}

	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: Implementation{
			Name:    "toolrelay",
			Version: buildinfo.Version,
		},
	}

	var result InitializeResult
	if err := c.call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.state = StateInitialized
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("tool server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// ListTools calls tools/list and returns the server's tool definitions.
// Every call goes to the server; callers that want a stable list should
// keep their own copy.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}

	var result ListToolsResult
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	c.logger.Debug("tools listed", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name. A tool-level failure is returned as a
// result with IsError set, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args jsonval.Object) (*CallResult, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}

	arguments := args.Map()
	if arguments == nil {
		arguments = map[string]any{}
	}
	params := CallToolParams{Name: name, Arguments: arguments}

	var result CallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	if result.IsError {
		c.logger.Debug("tool reported error", "tool", name, "text", result.Text())
	}
	return &result, nil
}

// IsConnected reports whether the client has an open stream.
func (c *Client) IsConnected() bool {
	return c.State() != StateDisconnected && c.transport.Connected()
}

// Close closes the stream and returns the client to Disconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	return c.transport.Close()
}

func (c *Client) requireInitialized() error {
	switch c.State() {
	case StateInitialized:
		return nil
	case StateDisconnected:
		return ErrNotConnected
	default:
		return ErrNotInitialized
	}
}

// call sends a request and decodes the result into out (if non-nil).
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if !c.transport.Connected() && c.State() != StateDisconnected {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return ErrNotConnected
	}

	id := c.nextID.Add(1)
	resp, err := c.transport.Send(ctx, NewRequest(id, method, params))
	if err != nil {
		if !c.transport.Connected() {
			c.mu.Lock()
			c.state = StateDisconnected
			c.mu.Unlock()
		}
		return err
	}

	if resp.Error != nil {
		return resp.Error
	}
	if resp.Result == nil {
		return &MalformedResponseError{Method: method, Reason: "response has neither result nor error"}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return &MalformedResponseError{Method: method, Reason: "undecodable result", Err: err}
	}
	return nil
}
