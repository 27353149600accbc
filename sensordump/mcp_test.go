package sensordump

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testImpl = &mcp.Implementation{Name: "sensordump-test", Version: "0.1.0"}

// mcpSession registers the manager's tools and returns a connected client
// session.
func mcpSession(t *testing.T, m *Manager) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testImpl, nil)
	m.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text
}

func TestMCP_ListTools(t *testing.T) {
	f := newFixture(t, nil)
	session := mcpSession(t, f.m)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"sensordump_snapshot", "sensordump_logging", "sensordump_gps_power",
		"sensordump_audio_power", "sensordump_refresh_interval",
	} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}
}

func TestMCP_Snapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.m.UploadSucceeded(7)
	session := mcpSession(t, f.m)

	var snap Snapshot
	if err := json.Unmarshal([]byte(callTool(t, session, "sensordump_snapshot", map[string]any{})), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.DocumentsIndexed != 7 {
		t.Fatalf("documentsIndexed = %d", snap.DocumentsIndexed)
	}
}

func TestMCP_Logging(t *testing.T) {
	f := newFixture(t, nil)
	session := mcpSession(t, f.m)

	var st Status
	json.Unmarshal([]byte(callTool(t, session, "sensordump_logging", map[string]any{"enabled": true})), &st)
	if !st.Logging || !f.m.Logging() {
		t.Fatal("logging not started")
	}
	json.Unmarshal([]byte(callTool(t, session, "sensordump_logging", map[string]any{"enabled": false})), &st)
	if st.Logging || f.m.Logging() {
		t.Fatal("logging not stopped")
	}
}

func TestMCP_Power(t *testing.T) {
	f := newFixture(t, nil)
	session := mcpSession(t, f.m)

	callTool(t, session, "sensordump_gps_power", map[string]any{"enabled": true})
	callTool(t, session, "sensordump_audio_power", map[string]any{"enabled": true})
	st := f.m.Status()
	if !st.GPS || !st.Audio {
		t.Fatalf("status = %+v", st)
	}
}

func TestMCP_RefreshInterval(t *testing.T) {
	f := newFixture(t, nil)
	session := mcpSession(t, f.m)

	var out map[string]int
	json.Unmarshal([]byte(callTool(t, session, "sensordump_refresh_interval", map[string]any{"interval_ms": 20})), &out)
	if out["interval_ms"] != 50 {
		t.Fatalf("interval_ms = %d, want 50", out["interval_ms"])
	}
}

func TestMCP_MissingArgument(t *testing.T) {
	f := newFixture(t, nil)
	session := mcpSession(t, f.m)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "sensordump_gps_power",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.GetError() == nil {
		t.Fatal("expected a tool error for missing enabled")
	}
}

// lockedBuffer is a log sink shared with the server goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMCP_CallsCarryTraceID(t *testing.T) {
	f := newFixture(t, nil)
	logs := &lockedBuffer{}
	f.m.logger = slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	session := mcpSession(t, f.m)

	callTool(t, session, "sensordump_snapshot", map[string]any{})
	var line string
	for _, l := range strings.Split(logs.String(), "\n") {
		if strings.Contains(l, `"endpoint":"sensordump_snapshot"`) {
			line = l
		}
	}
	if !strings.Contains(line, `"trace_id":"mcp_`) || !strings.Contains(line, `"transport":"mcp"`) {
		t.Fatalf("endpoint log line = %q", line)
	}
}
