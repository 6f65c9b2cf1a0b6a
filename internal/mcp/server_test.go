package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/relaykit/relaykit/internal/metrics"
	"github.com/relaykit/relaykit/internal/rpccore"
	"github.com/relaykit/relaykit/internal/types"
)

type fakeRegistry struct {
	tools []ToolSpec
}

func (r *fakeRegistry) ListTools() []ToolSpec { return r.tools }

func (r *fakeRegistry) CallTool(ctx context.Context, name string, args map[string]interface{}) (types.ToolsCallResult, error) {
	switch name {
	case "echo":
		msg, _ := args["message"].(string)
		return types.ToolsCallResult{Content: []types.ToolContent{{Type: "text", Text: msg}}}, nil
	case "boom":
		return types.ToolsCallResult{}, fmt.Errorf("tool exploded")
	default:
		return types.ToolsCallResult{}, fmt.Errorf("unknown tool %q", name)
	}
}

func newTestServer(t *testing.T, registry ToolRegistry) (*Server, net.Conn, func()) {
	t.Helper()
	serverConn, peerConn := net.Pipe()

	s := NewServer(context.Background(), "srv", rpccore.Stream{Reader: serverConn, Writer: serverConn, Closer: serverConn}, registry, nil, 4)
	done := s.Start()

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		<-done
		peerConn.Close()
	}
	return s, peerConn, cleanup
}

func sendLine(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(append(b, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readReply(t *testing.T, r *bufio.Reader) map[string]json.RawMessage {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	return env
}

func TestServerInitialize(t *testing.T) {
	_, peer, cleanup := newTestServer(t, &fakeRegistry{})
	defer cleanup()

	sendLine(t, peer, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]interface{}{
			"protocolVersion": DefaultProtocolVersion,
			"capabilities":    map[string]interface{}{},
			"clientInfo":      map[string]interface{}{"name": "test", "version": "0.0.1"},
		},
	})

	env := readReply(t, bufio.NewReader(peer))
	if _, ok := env["error"]; ok {
		t.Fatalf("unexpected error in initialize reply: %s", env["error"])
	}
	var result types.InitializeResult
	if err := json.Unmarshal(env["result"], &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ProtocolVersion != DefaultProtocolVersion {
		t.Errorf("got protocolVersion %q, want %q", result.ProtocolVersion, DefaultProtocolVersion)
	}
	// Pin against the literal from the wire spec, independent of the
	// DefaultProtocolVersion constant: a regression that changes the
	// constant's value must still fail this test.
	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("got protocolVersion %q, want \"2024-11-05\"", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != ClientName {
		t.Errorf("got serverInfo.name %q, want %q", result.ServerInfo.Name, ClientName)
	}
}

func TestServerToolsList(t *testing.T) {
	registry := &fakeRegistry{tools: []ToolSpec{
		{
			Name:        "echo",
			Description: "echoes a message",
			Parameters: []ParamSpec{
				{Name: "message", SemanticType: SemanticString, Description: "text to echo", Required: true},
			},
		},
	}}
	_, peer, cleanup := newTestServer(t, registry)
	defer cleanup()

	sendLine(t, peer, map[string]interface{}{"jsonrpc": "2.0", "id": 2, "method": "tools/list"})

	env := readReply(t, bufio.NewReader(peer))
	var result types.ToolsListResult
	if err := json.Unmarshal(env["result"], &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
		t.Fatalf("got tools %+v, want one tool named echo", result.Tools)
	}

	var schema map[string]interface{}
	if err := json.Unmarshal(result.Tools[0].InputSchema, &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("got schema type %v, want object", schema["type"])
	}
}

func TestServerToolsCallSuccess(t *testing.T) {
	registry := &fakeRegistry{tools: []ToolSpec{{Name: "echo"}}}
	_, peer, cleanup := newTestServer(t, registry)
	defer cleanup()

	sendLine(t, peer, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      3,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      "echo",
			"arguments": map[string]interface{}{"message": "hi"},
		},
	})

	env := readReply(t, bufio.NewReader(peer))
	var result types.ToolsCallResult
	if err := json.Unmarshal(env["result"], &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Fatalf("got content %+v, want echoed text", result.Content)
	}
}

func TestServerToolsCallError(t *testing.T) {
	registry := &fakeRegistry{tools: []ToolSpec{{Name: "boom"}}}
	_, peer, cleanup := newTestServer(t, registry)
	defer cleanup()

	sendLine(t, peer, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      4,
		"method":  "tools/call",
		"params":  map[string]interface{}{"name": "boom"},
	})

	env := readReply(t, bufio.NewReader(peer))
	if _, ok := env["error"]; !ok {
		t.Fatal("expected error reply for failing tool")
	}
}

func TestServerResourcesAndPromptsEmpty(t *testing.T) {
	_, peer, cleanup := newTestServer(t, &fakeRegistry{})
	defer cleanup()
	reader := bufio.NewReader(peer)

	sendLine(t, peer, map[string]interface{}{"jsonrpc": "2.0", "id": 5, "method": "resources/list"})
	env := readReply(t, reader)
	var resources types.ResourcesListResult
	if err := json.Unmarshal(env["result"], &resources); err != nil {
		t.Fatalf("unmarshal resources: %v", err)
	}
	if resources.Resources == nil || len(resources.Resources) != 0 {
		t.Errorf("got resources %+v, want empty slice", resources.Resources)
	}

	sendLine(t, peer, map[string]interface{}{"jsonrpc": "2.0", "id": 6, "method": "prompts/list"})
	env = readReply(t, reader)
	var prompts types.PromptsListResult
	if err := json.Unmarshal(env["result"], &prompts); err != nil {
		t.Fatalf("unmarshal prompts: %v", err)
	}
	if prompts.Prompts == nil || len(prompts.Prompts) != 0 {
		t.Errorf("got prompts %+v, want empty slice", prompts.Prompts)
	}
}

func TestServerUnknownMethod(t *testing.T) {
	_, peer, cleanup := newTestServer(t, &fakeRegistry{})
	defer cleanup()

	sendLine(t, peer, map[string]interface{}{"jsonrpc": "2.0", "id": 7, "method": "does/not/exist"})

	env := readReply(t, bufio.NewReader(peer))
	if _, ok := env["error"]; !ok {
		t.Fatal("expected method-not-found error")
	}
}

// TestObservabilityWiring covers §10.5: a dispatched tools/call is reflected
// in both the Prometheus collector's exposition output and the driver
// tracker's stability metrics.
func TestObservabilityWiring(t *testing.T) {
	serverConn, peerConn := net.Pipe()

	collector := metrics.NewCollector()
	tracker := metrics.NewDriverTracker()

	registry := &fakeRegistry{tools: []ToolSpec{{Name: "echo"}}}
	s := NewServer(context.Background(), "srv-observed", rpccore.Stream{Reader: serverConn, Writer: serverConn, Closer: serverConn}, registry, nil, 4,
		WithCollector(collector),
		WithDriverTracker(tracker),
	)
	done := s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		<-done
		peerConn.Close()
	}()

	sendLine(t, peerConn, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      "echo",
			"arguments": map[string]interface{}{"message": "hi"},
		},
	})
	readReply(t, bufio.NewReader(peerConn))

	exposed := collector.Expose()
	if !strings.Contains(exposed, `driver_id="srv-observed"`) {
		t.Errorf("collector exposition missing observed driver:\n%s", exposed)
	}

	dm := tracker.GetDriverMetrics("srv-observed")
	if dm == nil {
		t.Fatal("expected driver tracker to have registered driver \"srv-observed\"")
	}
	if dm.SuccessCount != 1 {
		t.Errorf("got SuccessCount=%d, want 1", dm.SuccessCount)
	}
}

func TestRegisteredMethods(t *testing.T) {
	s, _, cleanup := newTestServer(t, &fakeRegistry{})
	defer cleanup()

	methods := s.RegisteredMethods()
	want := map[string]bool{"initialize": true, "tools/list": true, "resources/list": true, "prompts/list": true, "tools/call": true}
	if len(methods) != len(want) {
		t.Fatalf("got %d methods, want %d", len(methods), len(want))
	}
	for _, m := range methods {
		if !want[m] {
			t.Errorf("unexpected method %q", m)
		}
	}
}
