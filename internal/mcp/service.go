package mcp

import (
	"context"

	"github.com/nugget/toolrelay/internal/jsonval"
)

// ToolService is the capability set shared by a single-endpoint
// [Client] and the dual-endpoint [Router]. Callers hold a ToolService
// and do not care which one they got.
type ToolService interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args jsonval.Object) (*CallResult, error)
	IsConnected() bool
	Close() error
}

var (
	_ ToolService = (*Client)(nil)
	_ ToolService = (*Router)(nil)
)

// Servers returns the identity each initialized endpoint behind svc
// reported, primary first. Endpoints that are down are left out.
func Servers(svc ToolService) []Implementation {
	switch s := svc.(type) {
	case *Client:
		name, version := s.ServerInfo()
		if name == "" {
			return nil
		}
		return []Implementation{{Name: name, Version: version}}
	case *Router:
		out := Servers(s.primary)
		if s.SecondaryAvailable() {
			out = append(out, Servers(s.secondary)...)
		}
		return out
	}
	return nil
}
