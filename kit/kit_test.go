package kit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}

	expected := []string{"a_before", "b_before", "endpoint", "b_after", "a_after"}
	if len(order) != len(expected) {
		t.Fatalf("order: got %v, want %v", order, expected)
	}
	for i, v := range expected {
		if order[i] != v {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], v)
		}
	}
}

func TestTraceIDs(t *testing.T) {
	var seen []string
	ep := TraceIDs(func() string { return "t1" })(func(ctx context.Context, _ any) (any, error) {
		seen = append(seen, GetTraceID(ctx))
		return nil, nil
	})
	ep(context.Background(), nil)
	ep(WithTraceID(context.Background(), "upstream"), nil)
	if len(seen) != 2 || seen[0] != "t1" || seen[1] != "upstream" {
		t.Fatalf("trace ids = %v, want [t1 upstream]", seen)
	}
}

func TestLogging_PassesThroughError(t *testing.T) {
	errFail := errors.New("fail")
	ep := Logging(nil, "x")(func(context.Context, any) (any, error) { return nil, errFail })
	if _, err := ep(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestContext_Defaults(t *testing.T) {
	ctx := context.Background()
	if v := GetTransport(ctx); v != "http" {
		t.Fatalf("default transport: got %q, want http", v)
	}
	if v := GetTraceID(ctx); v != "" {
		t.Fatalf("trace id default: got %q", v)
	}
	ctx = WithTraceID(WithTransport(ctx, "mcp"), "abc")
	if GetTransport(ctx) != "mcp" || GetTraceID(ctx) != "abc" {
		t.Fatalf("got transport=%q trace=%q", GetTransport(ctx), GetTraceID(ctx))
	}
}

func TestRegisterMCPTool(t *testing.T) {
	srv := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "0"}, nil)

	type echoReq struct{ Word string }
	var gotTransport string
	ep := func(ctx context.Context, req any) (any, error) {
		gotTransport = GetTransport(ctx)
		r := req.(*echoReq)
		if r.Word == "" {
			return nil, errors.New("empty word")
		}
		return map[string]string{"echo": r.Word}, nil
	}
	decode := func(req *mcp.CallToolRequest) (*MCPDecodeResult, error) {
		var args struct {
			Word string `json:"word"`
		}
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		return &MCPDecodeResult{Request: &echoReq{Word: args.Word}}, nil
	}
	RegisterMCPTool(srv, &mcp.Tool{
		Name: "echo",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"word": map[string]any{"type": "string"}},
		},
	}, ep, decode)

	ctx := context.Background()
	st, ct := mcp.NewInMemoryTransports()
	go func() { _ = srv.Run(ctx, st) }()
	client := mcp.NewClient(&mcp.Implementation{Name: "c", Version: "0"}, nil)
	session, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"word": "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res.Content)
	}
	text := res.Content[0].(*mcp.TextContent).Text
	if text != `{"echo":"hi"}` {
		t.Fatalf("got %s", text)
	}
	if gotTransport != "mcp" {
		t.Fatalf("transport = %q, want mcp", gotTransport)
	}

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"word": ""}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for empty word")
	}
}
