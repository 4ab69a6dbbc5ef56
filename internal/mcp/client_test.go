package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"google.golang.org/genai"

	"github.com/nugget/toolrelay/internal/jsonval"
)

// mockTransport is a test double for the Transport interface.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]*Response // method -> canned response
	sent      []Request            // captured requests
	notifs    []Notification       // captured notifications
	openErrs  []error              // returned by successive Open calls
	opens     int
	open      bool
	closed    bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string]*Response),
	}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	}
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	}
}

// addInitialize registers a canned initialize response.
func (m *mockTransport) addInitialize(serverName string) {
	m.addResponse("initialize", InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      Implementation{Name: serverName, Version: "1.0.0"},
	})
}

func (m *mockTransport) Open(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if len(m.openErrs) > 0 {
		err := m.openErrs[0]
		m.openErrs = m.openErrs[1:]
		if err != nil {
			return err
		}
	}
	m.open = true
	return nil
}

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil, ErrNotConnected
	}
	m.sent = append(m.sent, *req)
	resp, ok := m.responses[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	// Copy response and set matching ID.
	out := *resp
	out.ID = rawID(req.ID)
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.closed = true
	return nil
}

func (m *mockTransport) sentMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, r := range m.sent {
		out[i] = r.Method
	}
	return out
}

func initializedClient(t *testing.T, mt *mockTransport) *Client {
	t.Helper()
	if _, ok := mt.responses["initialize"]; !ok {
		mt.addInitialize("test-server")
	}
	client := NewClient("test", mt, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return client
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	mt.addInitialize("test-server")

	client := NewClient("test", mt, nil)
	if got := client.State(); got != StateDisconnected {
		t.Fatalf("initial state = %s, want disconnected", got)
	}
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if mt.opens != 1 {
		t.Errorf("Open called %d times, want 1", mt.opens)
	}
	if len(mt.sent) != 1 || mt.sent[0].Method != "initialize" {
		t.Fatalf("sent = %v, want [initialize]", mt.sentMethods())
	}

	params, ok := mt.sent[0].Params.(InitializeParams)
	if !ok {
		t.Fatalf("params type = %T, want InitializeParams", mt.sent[0].Params)
	}
	if params.ClientInfo.Name != "toolrelay" {
		t.Errorf("clientInfo.name = %q, want %q", params.ClientInfo.Name, "toolrelay")
	}

	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Fatalf("notifications = %+v, want notifications/initialized", mt.notifs)
	}

	if got := client.State(); got != StateInitialized {
		t.Errorf("state = %s, want initialized", got)
	}
	if name, _ := client.ServerInfo(); name != "test-server" {
		t.Errorf("server name = %q, want %q", name, "test-server")
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Initialize")
	}
}

func TestClient_InitializeIdempotent(t *testing.T) {
	mt := newMockTransport()
	client := initializedClient(t, mt)

	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if len(mt.sent) != 1 {
		t.Errorf("sent %d requests, want 1", len(mt.sent))
	}
}

func TestClient_InitializeError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("initialize", -32600, "bad request")

	client := NewClient("test", mt, nil)
	err := client.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected error from Initialize")
	}

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32600 {
		t.Errorf("code = %d, want -32600", rpcErr.Code)
	}
	if got := client.State(); got != StateConnected {
		t.Errorf("state = %s, want connected after failed initialize", got)
	}
}

func TestClient_ConnectFailure(t *testing.T) {
	mt := newMockTransport()
	mt.openErrs = []error{&ConnectionError{Addr: "127.0.0.1:1", Op: "dial", Err: errors.New("refused")}}

	client := NewClient("test", mt, nil)
	err := client.Initialize(context.Background())

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %v, want *ConnectionError", err)
	}
	if got := client.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}

func TestClient_ListTools(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", ListToolsResult{
		Tools: []ToolDefinition{
			{Name: "get_exchange_rate", Description: "Convert currency"},
			{
				Name:        "send_message",
				Description: "Send a message",
				InputSchema: &PropertySchema{
					Type: "object",
					Properties: map[string]*PropertySchema{
						"recipient": {Type: "string"},
						"text":      {Type: "string"},
					},
					Required: []string{"recipient", "text"},
				},
			},
		},
	})
	client := initializedClient(t, mt)

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[1].InputSchema == nil || len(tools[1].InputSchema.Required) != 2 {
		t.Errorf("send_message schema = %+v", tools[1].InputSchema)
	}

	// No caching: each call goes to the server.
	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatalf("second ListTools: %v", err)
	}
	methods := mt.sentMethods()
	if len(methods) != 3 || methods[2] != "tools/list" {
		t.Errorf("sent = %v, want two tools/list requests", methods)
	}
}

func TestClient_ListToolsBeforeInitialize(t *testing.T) {
	client := NewClient("test", newMockTransport(), nil)

	if _, err := client.ListTools(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListTools before connect = %v, want ErrNotConnected", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := client.ListTools(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ListTools before initialize = %v, want ErrNotInitialized", err)
	}
}

func TestClient_CallTool(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", CallResult{
		Content: []ContentBlock{
			{Type: "text", Text: "1 USD = 0.92 EUR"},
			{Type: "image", Data: "iVBOR", MimeType: "image/png"},
			{Type: "text", Text: "rate date 2026-10-16"},
		},
	})
	client := initializedClient(t, mt)

	args := jsonval.Object{"from": jsonval.String("USD"), "to": jsonval.String("EUR")}
	result, err := client.CallTool(context.Background(), "get_exchange_rate", args)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	want := "1 USD = 0.92 EUR\nrate date 2026-10-16"
	if got := result.Text(); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}

	last := mt.sent[len(mt.sent)-1]
	params, ok := last.Params.(CallToolParams)
	if !ok {
		t.Fatalf("params type = %T", last.Params)
	}
	if params.Name != "get_exchange_rate" || params.Arguments["from"] != "USD" {
		t.Errorf("params = %+v", params)
	}
}

func TestClient_CallToolNilArguments(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", NewTextResult("ok"))
	client := initializedClient(t, mt)

	if _, err := client.CallTool(context.Background(), "get_user_context", nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	params := mt.sent[len(mt.sent)-1].Params.(CallToolParams)
	data, _ := json.Marshal(params)
	if string(data) != `{"name":"get_user_context","arguments":{}}` {
		t.Errorf("params JSON = %s", data)
	}
}

func TestClient_CallToolInBandError(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", NewErrorResult("budget must be positive"))
	client := initializedClient(t, mt)

	result, err := client.CallTool(context.Background(), "estimate_budget_plan", nil)
	if err != nil {
		t.Fatalf("CallTool returned error for in-band failure: %v", err)
	}
	if !result.IsError {
		t.Error("IsError = false, want true")
	}
}

func TestClient_CallToolProtocolError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("tools/call", -1, "boom")
	client := initializedClient(t, mt)

	_, err := client.CallTool(context.Background(), "anything", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Message != "boom" {
		t.Errorf("message = %q, want boom", rpcErr.Message)
	}
}

func TestClient_MalformedResult(t *testing.T) {
	mt := newMockTransport()
	mt.responses["tools/list"] = &Response{JSONRPC: jsonrpcVersion, Result: json.RawMessage(`{"tools":"nope"}`)}
	mt.responses["tools/call"] = &Response{JSONRPC: jsonrpcVersion}
	client := initializedClient(t, mt)

	_, err := client.ListTools(context.Background())
	var mErr *MalformedResponseError
	if !errors.As(err, &mErr) {
		t.Fatalf("ListTools error = %v, want *MalformedResponseError", err)
	}

	_, err = client.CallTool(context.Background(), "echo", nil)
	if !errors.As(err, &mErr) {
		t.Fatalf("CallTool error = %v, want *MalformedResponseError", err)
	}
}

func TestClient_IDsStrictlyIncreasing(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", ListToolsResult{})
	mt.addResponse("tools/call", NewTextResult("ok"))
	client := initializedClient(t, mt)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := client.ListTools(ctx); err != nil {
			t.Fatalf("ListTools: %v", err)
		}
		if _, err := client.CallTool(ctx, "x", nil); err != nil {
			t.Fatalf("CallTool: %v", err)
		}
	}

	for i := 1; i < len(mt.sent); i++ {
		if mt.sent[i].ID <= mt.sent[i-1].ID {
			t.Fatalf("request %d id %d not greater than previous %d", i, mt.sent[i].ID, mt.sent[i-1].ID)
		}
	}
	if mt.sent[0].ID < 1 {
		t.Errorf("first id = %d, want positive", mt.sent[0].ID)
	}
}

func TestClient_IDsUniqueUnderConcurrency(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", NewTextResult("ok"))
	client := initializedClient(t, mt)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.CallTool(context.Background(), "x", nil)
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, r := range mt.sent {
		if seen[r.ID] {
			t.Fatalf("duplicate id %d", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestClient_Close(t *testing.T) {
	mt := newMockTransport()
	client := initializedClient(t, mt)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mt.closed {
		t.Error("transport not closed")
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if _, err := client.CallTool(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CallTool after Close = %v, want ErrNotConnected", err)
	}
}

func TestCallResult_Text(t *testing.T) {
	tests := []struct {
		name    string
		content []ContentBlock
		want    string
	}{
		{"empty", nil, ""},
		{"single", []ContentBlock{{Type: "text", Text: "hello"}}, "hello"},
		{"images skipped", []ContentBlock{{Type: "image", Data: "x"}, {Type: "text", Text: "a"}}, "a"},
		{"order kept", []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}, "a\nb"},
		{"empty text blocks kept", []ContentBlock{{Type: "text", Text: "a"}, {Type: "text"}, {Type: "text", Text: "b"}}, "a\n\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &CallResult{Content: tt.content}
			if got := r.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCallResult_IsErrorAlwaysEncoded(t *testing.T) {
	data, err := json.Marshal(NewTextResult("ok"))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != `{"content":[{"type":"text","text":"ok"}],"isError":false}` {
		t.Errorf("Marshal = %s", got)
	}
}

func TestClient_ListToolsKeepsToolsBesideMalformedSchema(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", json.RawMessage(`{"tools":[
		{"name":"good","inputSchema":{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}},
		{"name":"odd","inputSchema":{"type":"object","properties":{
			"pair":{"type":"array","items":[{"type":"integer"},{"type":"string"}]},
			"list":{"type":"array","items":[1,2]},
			"n":{"type":5,"description":7}
		},"required":"pair"}},
		{"name":42},
		"not a tool"
	]}`))
	client := initializedClient(t, mt)

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "good" || tools[1].Name != "odd" {
		t.Fatalf("tools = %+v, want good and odd", tools)
	}
	if req := tools[0].InputSchema.Required; len(req) != 1 || req[0] != "q" {
		t.Errorf("good required = %v", req)
	}

	odd := tools[1].InputSchema
	if odd == nil || odd.Required != nil {
		t.Fatalf("odd schema = %+v, want required dropped", odd)
	}
	if items := odd.Properties["pair"].Items; items == nil || items.Type != "integer" {
		t.Errorf("pair items = %+v, want first tuple entry", items)
	}
	if items := odd.Properties["list"].Items; items != nil {
		t.Errorf("list items = %+v, want nil", items)
	}
	if n := odd.Properties["n"]; n.Type != "" || n.Description != "" {
		t.Errorf("n = %+v, want zero type and description", n)
	}

	decls := ConvertTools(tools)
	if len(decls) != 2 || decls[0].Parameters == nil {
		t.Fatalf("decls = %+v", decls)
	}
	list := decls[1].Parameters.Properties["list"]
	if list == nil || list.Items == nil || list.Items.Type != genai.TypeString {
		t.Errorf("list converted = %+v, want string item placeholder", list)
	}
}
