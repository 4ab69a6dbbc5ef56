package mcp

import "context"

// Transport is the interface for tool server communication.
// Implementations handle framing, encoding, and correlation of JSON-RPC
// requests over a specific byte stream.
type Transport interface {
	// Open establishes the underlying connection. Calling Open on an
	// open transport is a no-op.
	Open(ctx context.Context) error

	// Send sends a JSON-RPC request and returns the response whose id
	// matches. At most one Send is in flight per transport.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Connected reports whether the underlying stream is open.
	Connected() bool

	// Close shuts down the transport and releases resources. It is
	// idempotent.
	Close() error
}
