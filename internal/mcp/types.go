package mcp

import (
	"encoding/json"
	"strings"
)

// ProtocolVersion is the protocol revision advertised during initialize.
const ProtocolVersion = "2024-11-05"

// ToolDefinition is a tool as returned by tools/list.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema *PropertySchema `json:"inputSchema,omitempty"`
}

// PropertySchema is the subset of JSON Schema that tool servers use to
// describe their input parameters. Decoding never fails: a keyword with
// an unexpected shape decodes to its zero value so the rest of the tree
// survives.
type PropertySchema struct {
	Type        SchemaType                 `json:"type,omitempty"`
	Description string                     `json:"description,omitempty"`
	Properties  map[string]*PropertySchema `json:"properties,omitempty"`
	Items       *PropertySchema            `json:"items,omitempty"`
	Required    []string                   `json:"required,omitempty"`
	Enum        []any                      `json:"enum,omitempty"`
}

// UnmarshalJSON decodes each keyword independently. A node that is not
// an object decodes as an empty schema. Tuple-form items keep their
// first object entry.
func (s *PropertySchema) UnmarshalJSON(data []byte) error {
	*s = PropertySchema{}

	var raw struct {
		Type        json.RawMessage            `json:"type"`
		Description json.RawMessage            `json:"description"`
		Properties  map[string]json.RawMessage `json:"properties"`
		Items       json.RawMessage            `json:"items"`
		Required    json.RawMessage            `json:"required"`
		Enum        json.RawMessage            `json:"enum"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		// Retry keyword by keyword when only properties is malformed.
		var loose map[string]json.RawMessage
		if json.Unmarshal(data, &loose) != nil {
			return nil
		}
		raw.Type, raw.Description = loose["type"], loose["description"]
		raw.Items, raw.Required, raw.Enum = loose["items"], loose["required"], loose["enum"]
	}

	if len(raw.Type) > 0 {
		_ = s.Type.UnmarshalJSON(raw.Type)
	}
	if len(raw.Description) > 0 {
		_ = json.Unmarshal(raw.Description, &s.Description)
	}
	for name, child := range raw.Properties {
		if s.Properties == nil {
			s.Properties = make(map[string]*PropertySchema, len(raw.Properties))
		}
		s.Properties[name] = decodeSchema(child)
	}
	s.Items = decodeItems(raw.Items)
	s.Required = stringsOf(raw.Required)
	if len(raw.Enum) > 0 {
		var enum []any
		if json.Unmarshal(raw.Enum, &enum) == nil {
			s.Enum = enum
		}
	}
	return nil
}

// decodeItems returns nil for missing or unusable items so the bridge
// falls back to its string placeholder.
func decodeItems(data json.RawMessage) *PropertySchema {
	if len(data) == 0 {
		return nil
	}
	var tuple []json.RawMessage
	if json.Unmarshal(data, &tuple) == nil {
		for _, entry := range tuple {
			if isObject(entry) {
				return decodeSchema(entry)
			}
		}
		return nil
	}
	if !isObject(data) {
		return nil
	}
	return decodeSchema(data)
}

func decodeSchema(data json.RawMessage) *PropertySchema {
	var ps PropertySchema
	_ = ps.UnmarshalJSON(data)
	return &ps
}

func isObject(data json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(data, &m) == nil && m != nil
}

// stringsOf keeps the string entries of a JSON array and ignores
// anything else.
func stringsOf(data json.RawMessage) []string {
	var list []any
	if len(data) == 0 || json.Unmarshal(data, &list) != nil {
		return nil
	}
	var out []string
	for _, v := range list {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// SchemaType is a JSON Schema "type" keyword. Servers sometimes send a
// type array such as ["string","null"]; the first non-null string entry
// wins.
type SchemaType string

// UnmarshalJSON accepts a string or an array. Any other shape decodes
// as the empty type, which the schema bridge treats as untyped.
func (t *SchemaType) UnmarshalJSON(data []byte) error {
	*t = ""
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = SchemaType(s)
		return nil
	}
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		return nil
	}
	for _, v := range list {
		if s, ok := v.(string); ok && s != "null" {
			*t = SchemaType(s)
			break
		}
	}
	return nil
}

// ContentBlock is a single content item in a tools/call response.
// Only text blocks contribute to [CallResult.Text].
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the result payload of a tools/call response. IsError
// marks a tool-level failure carried in-band; it is not a protocol error.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// NewTextResult returns a successful result with a single text block.
func NewTextResult(text string) *CallResult {
	return &CallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// NewErrorResult returns a tool-level failure with a single text block.
func NewErrorResult(text string) *CallResult {
	return &CallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

// Text concatenates the text of every text block, empty ones included,
// separated by newlines. Non-text blocks are skipped.
func (r *CallResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, block := range r.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Implementation names a client or server in the initialize exchange.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the params payload of an initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// ServerCapabilities describes what a tool server supports.
type ServerCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// InitializeResult is the result payload of an initialize response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
}

// ListToolsResult is the result payload of a tools/list response.
type ListToolsResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// UnmarshalJSON decodes tools one at a time. An entry that is not an
// object or has no string name is dropped; the others are kept.
func (r *ListToolsResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Tools = make([]ToolDefinition, 0, len(raw.Tools))
	for _, entry := range raw.Tools {
		var td struct {
			Name        json.RawMessage `json:"name"`
			Description json.RawMessage `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		}
		if json.Unmarshal(entry, &td) != nil {
			continue
		}
		var def ToolDefinition
		if json.Unmarshal(td.Name, &def.Name) != nil || def.Name == "" {
			continue
		}
		_ = json.Unmarshal(td.Description, &def.Description)
		if isObject(td.InputSchema) {
			def.InputSchema = decodeSchema(td.InputSchema)
		}
		r.Tools = append(r.Tools, def)
	}
	return nil
}

// CallToolParams is the params payload of a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}
