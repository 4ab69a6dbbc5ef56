// Package mcp implements the client side of the tool protocol: a
// line-delimited JSON-RPC 2.0 dialect spoken over a plain TCP stream.
//
// A [Client] owns one connection to one tool server and walks the
// Disconnected → Connected → Initialized handshake before it lists or
// calls tools. A [Router] composes a mandatory primary client with an
// optional secondary client, merging their tool lists and sending the
// device-automation tool to the secondary. Both satisfy [ToolService];
// [Connect] picks one at construction time and applies the single-retry
// startup policy.
//
// Discovered tools are converted into function declarations for the LLM
// by [ConvertTools], and [Bridge] executes the model's function calls
// against whichever ToolService is configured.
package mcp
