package sensordump

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/sensordump/idgen"
	"github.com/hazyhaar/sensordump/kit"
)

var mcpTraceIDs = idgen.Prefixed("mcp_", idgen.Short(12, idgen.UUIDv7()))

// RegisterMCP registers the control tools on an MCP server.
func (m *Manager) RegisterMCP(srv *mcp.Server) {
	m.registerSnapshotTool(srv)
	m.registerLoggingTool(srv)
	m.registerPowerTool(srv, "sensordump_gps_power", "Switch GPS logging on or off.", m.SetGPSPower)
	m.registerPowerTool(srv, "sensordump_audio_power", "Switch microphone frequency/amplitude logging on or off.", m.SetAudioPower)
	m.registerRefreshTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (m *Manager) endpoint(name string, e kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.TraceIDs(mcpTraceIDs), kit.Logging(m.logger, name))(e)
}

// --- snapshot ---

func (m *Manager) registerSnapshotTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "sensordump_snapshot",
		Description: "Session counters (sensor, GPS and audio readings, documents indexed, upload errors) and the number of queued documents.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return m.Snapshot(ctx)
	}

	decode := func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{}, nil
	}

	kit.RegisterMCPTool(srv, tool, m.endpoint(tool.Name, endpoint), decode)
}

// --- logging ---

type switchRequest struct {
	Enabled *bool `json:"enabled"`
}

func decodeSwitch(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r switchRequest
	if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
		return nil, err
	}
	if r.Enabled == nil {
		return nil, errors.New("enabled is required")
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

func (m *Manager) registerLoggingTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "sensordump_logging",
		Description: "Start or stop sensor logging. Returns the resulting status.",
		InputSchema: inputSchema(map[string]any{
			"enabled": map[string]any{"type": "boolean", "description": "true to start logging, false to stop"},
		}, []string{"enabled"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*switchRequest)
		if *r.Enabled {
			if err := m.StartLogging(ctx); err != nil {
				return nil, err
			}
		} else {
			m.StopLogging()
		}
		return m.Status(), nil
	}

	kit.RegisterMCPTool(srv, tool, m.endpoint(tool.Name, endpoint), decodeSwitch)
}

// --- gps / audio power ---

func (m *Manager) registerPowerTool(srv *mcp.Server, name, description string, set func(bool)) {
	tool := &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema(map[string]any{
			"enabled": map[string]any{"type": "boolean", "description": "Desired state; applied now if logging, else at the next start"},
		}, []string{"enabled"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		set(*req.(*switchRequest).Enabled)
		return m.Status(), nil
	}

	kit.RegisterMCPTool(srv, tool, m.endpoint(name, endpoint), decodeSwitch)
}

// --- refresh interval ---

type refreshIntervalRequest struct {
	IntervalMS *int `json:"interval_ms"`
}

func (m *Manager) registerRefreshTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "sensordump_refresh_interval",
		Description: "Set the minimum time between documents in milliseconds (floor 50). Returns the applied value.",
		InputSchema: inputSchema(map[string]any{
			"interval_ms": map[string]any{"type": "integer", "description": "Refresh interval in milliseconds"},
		}, []string{"interval_ms"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*refreshIntervalRequest)
		return map[string]int{"interval_ms": m.SetRefreshInterval(*r.IntervalMS)}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r refreshIntervalRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.IntervalMS == nil {
			return nil, errors.New("interval_ms is required")
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, m.endpoint(tool.Name, endpoint), decode)
}
