package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nugget/toolrelay/internal/jsonval"
	"github.com/nugget/toolrelay/internal/mcp"
	"github.com/nugget/toolrelay/internal/tools"
)

func testRegistry() *tools.Registry {
	r := tools.NewRegistry(nil)
	r.Register(&tools.Tool{
		Name:        "echo",
		Description: "Echo text back",
		InputSchema: &mcp.PropertySchema{
			Type:       "object",
			Properties: map[string]*mcp.PropertySchema{"text": {Type: "string"}},
			Required:   []string{"text"},
		},
		Handler: func(_ context.Context, args jsonval.Object) (string, error) {
			return args.String("text")
		},
	})
	r.Register(&tools.Tool{
		Name: "fail",
		Handler: func(context.Context, jsonval.Object) (string, error) {
			return "", errors.New("backend down")
		},
	})
	return r
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(testRegistry(), Config{Name: "test-server"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv, ln.Addr().String()
}

// rawSession writes lines to the server and reads single reply lines.
type rawSession struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawSession {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &rawSession{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (s *rawSession) send(line string) {
	s.t.Helper()
	if _, err := s.conn.Write([]byte(line + "\n")); err != nil {
		s.t.Fatalf("write: %v", err)
	}
}

func (s *rawSession) read() map[string]any {
	s.t.Helper()
	_ = s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := s.r.ReadString('\n')
	if err != nil {
		s.t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		s.t.Fatalf("reply %q is not JSON: %v", line, err)
	}
	return m
}

func errorCode(t *testing.T, m map[string]any) int {
	t.Helper()
	e, ok := m["error"].(map[string]any)
	if !ok {
		t.Fatalf("reply has no error member: %v", m)
	}
	return int(e["code"].(float64))
}

func TestServer_ParseError(t *testing.T) {
	_, addr := startServer(t)
	s := dialRaw(t, addr)

	s.send("this is not json")
	reply := s.read()
	if code := errorCode(t, reply); code != mcp.CodeParseError {
		t.Errorf("code = %d, want %d", code, mcp.CodeParseError)
	}
	if reply["id"] != nil {
		t.Errorf("id = %v, want null", reply["id"])
	}

	// The connection survives a bad line.
	s.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if reply := s.read(); reply["id"].(float64) != 2 {
		t.Errorf("ping reply = %v", reply)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	_, addr := startServer(t)
	s := dialRaw(t, addr)

	s.send(`{"jsonrpc":"2.0","id":"abc","method":"resources/list"}`)
	reply := s.read()
	if code := errorCode(t, reply); code != mcp.CodeMethodNotFound {
		t.Errorf("code = %d, want %d", code, mcp.CodeMethodNotFound)
	}
	if reply["id"] != "abc" {
		t.Errorf("id = %v, want echoed string id", reply["id"])
	}
}

func TestServer_NotificationNoReply(t *testing.T) {
	_, addr := startServer(t)
	s := dialRaw(t, addr)

	s.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	s.send(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)

	// The first reply must be the ping; the notification produced nothing.
	reply := s.read()
	if reply["id"].(float64) != 9 {
		t.Errorf("first reply = %v, want ping response", reply)
	}
}

func TestServer_InvalidParams(t *testing.T) {
	_, addr := startServer(t)
	s := dialRaw(t, addr)

	s.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"arguments":{}}}`)
	if code := errorCode(t, s.read()); code != mcp.CodeInvalidParams {
		t.Errorf("code = %d, want %d", code, mcp.CodeInvalidParams)
	}
}

func TestServer_ClientRoundTrip(t *testing.T) {
	_, addr := startServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	client := mcp.NewClient("test", mcp.NewTCPTransport(mcp.TCPConfig{
		ConnConfig: mcp.ConnConfig{Host: host, Port: port, ReadTimeout: 2 * time.Second},
	}), nil)
	ctx := context.Background()
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer client.Close()

	if name, _ := client.ServerInfo(); name != "test-server" {
		t.Errorf("server name = %q", name)
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "echo" {
		t.Fatalf("tools = %+v", defs)
	}
	if defs[0].InputSchema == nil || defs[0].InputSchema.Properties["text"] == nil {
		t.Errorf("echo schema = %+v", defs[0].InputSchema)
	}

	res, err := client.CallTool(ctx, "echo", jsonval.Object{"text": jsonval.String("round trip")})
	if err != nil {
		t.Fatalf("CallTool(echo): %v", err)
	}
	if res.IsError || res.Text() != "round trip" {
		t.Errorf("echo result = %+v", res)
	}

	res, err = client.CallTool(ctx, "fail", nil)
	if err != nil {
		t.Fatalf("CallTool(fail): %v", err)
	}
	if !res.IsError || res.Text() != "backend down" {
		t.Errorf("fail result = %+v", res)
	}

	res, err = client.CallTool(ctx, "missing", nil)
	if err != nil {
		t.Fatalf("CallTool(missing): %v", err)
	}
	if !res.IsError || !strings.Contains(res.Text(), "unknown tool") {
		t.Errorf("missing result = %+v", res)
	}
}

func TestServer_CloseIsIdempotent(t *testing.T) {
	srv, _ := startServer(t)
	if err := srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
