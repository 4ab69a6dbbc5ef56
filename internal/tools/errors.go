package tools

import "fmt"

// UnknownToolError is returned when a tools/call names a tool that is
// not in the registry. The dispatcher reports it in-band as an error
// result rather than as a protocol error.
type UnknownToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.ToolName)
}

// ArgumentError reports that a tool call's arguments failed decoding
// or validation.
type ArgumentError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	if e.Field == "" {
		return "invalid arguments: " + e.Reason
	}
	return fmt.Sprintf("invalid argument %s: %s", e.Field, e.Reason)
}
