package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"google.golang.org/genai"

	"github.com/nugget/toolrelay/internal/jsonval"
)

// ConvertTools converts discovered tool definitions into function
// declarations for the model. Conversion is total: malformed parts of a
// schema are dropped rather than failing the whole list.
func ConvertTools(defs []ToolDefinition) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, td := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        td.Name,
			Description: td.Description,
			Parameters:  convertParameters(td.InputSchema),
		})
	}
	return decls
}

// convertParameters converts a tool's top-level input schema. A schema
// with no surviving properties yields nil so the declaration carries no
// parameters at all.
func convertParameters(s *PropertySchema) *genai.Schema {
	if s == nil || len(s.Properties) == 0 {
		return nil
	}
	out := ConvertSchema(s)
	if out == nil || len(out.Properties) == 0 {
		return nil
	}
	return out
}

// ConvertSchema converts one property schema node. It returns nil for a
// node that cannot be represented: an unknown type, or no type and no
// properties to infer one from.
func ConvertSchema(s *PropertySchema) *genai.Schema {
	if s == nil {
		return nil
	}

	typ := s.Type
	if typ == "" {
		if len(s.Properties) == 0 {
			return nil
		}
		typ = "object"
	}

	out := &genai.Schema{Description: s.Description}

	switch typ {
	case "string":
		out.Type = genai.TypeString
		out.Enum = stringEnum(s.Enum)
	case "number":
		out.Type = genai.TypeNumber
	case "integer":
		out.Type = genai.TypeInteger
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
		out.Items = ConvertSchema(s.Items)
		if out.Items == nil {
			out.Items = &genai.Schema{Type: genai.TypeString}
		}
	case "object":
		out.Type = genai.TypeObject
		if len(s.Properties) > 0 {
			props := make(map[string]*genai.Schema, len(s.Properties))
			for name, p := range s.Properties {
				if conv := ConvertSchema(p); conv != nil {
					props[name] = conv
				}
			}
			if len(props) > 0 {
				out.Properties = props
			}
		}
		out.Required = filterRequired(s.Required, out.Properties)
	default:
		return nil
	}

	return out
}

// filterRequired keeps required names that still have a property.
func filterRequired(required []string, props map[string]*genai.Schema) []string {
	if len(required) == 0 || len(props) == 0 {
		return nil
	}
	var out []string
	for _, name := range required {
		if _, ok := props[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func stringEnum(values []any) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Bridge exposes a [ToolService] to a function-calling model: it turns
// the service's tool list into genai tools and executes the model's
// function calls against the service.
type Bridge struct {
	svc    ToolService
	logger *slog.Logger
}

// NewBridge wraps svc.
func NewBridge(svc ToolService, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{svc: svc, logger: logger}
}

// Tools lists the service's tools and converts them into a single genai
// tool holding one declaration per tool, sorted by name. It returns nil
// when the service advertises nothing.
func (b *Bridge) Tools(ctx context.Context) ([]*genai.Tool, error) {
	defs, err := b.svc.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	if len(defs) == 0 {
		return nil, nil
	}

	decls := ConvertTools(defs)
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })

	b.logger.Debug("function declarations prepared", "count", len(decls))
	return []*genai.Tool{{FunctionDeclarations: decls}}, nil
}

// Execute runs one function call and always returns a response the
// model can consume: {"output": text} on success, {"error": message}
// when the call fails at any layer.
func (b *Bridge) Execute(ctx context.Context, call *genai.FunctionCall) *genai.FunctionResponse {
	resp := &genai.FunctionResponse{ID: call.ID, Name: call.Name}

	args, err := jsonval.FromMap(call.Args)
	if err != nil {
		resp.Response = map[string]any{"error": fmt.Sprintf("invalid arguments: %v", err)}
		return resp
	}

	result, err := b.svc.CallTool(ctx, call.Name, args)
	if err != nil {
		b.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		resp.Response = map[string]any{"error": err.Error()}
		return resp
	}

	text := result.Text()
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		resp.Response = map[string]any{"error": text}
		return resp
	}

	resp.Response = map[string]any{"output": text}
	return resp
}
