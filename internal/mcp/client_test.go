package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// MockTransport implements Transport for testing.
type MockTransport struct {
	In  chan json.RawMessage // Messages from server (Receive)
	Out chan json.RawMessage // Messages to server (Send)
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		In:  make(chan json.RawMessage, 10),
		Out: make(chan json.RawMessage, 10),
	}
}

func (m *MockTransport) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case m.Out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-m.In:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MockTransport) Close() error {
	close(m.In)
	close(m.Out)
	return nil
}

func TestClient_Initialize(t *testing.T) {
	transport := NewMockTransport()
	client, err := NewClient("test-client", transport)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- client.Initialize(ctx)
	}()

	// Expect initialize request
	select {
	case msg := <-transport.Out:
		var req jsonRPCRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Fatalf("invalid request json: %v", err)
		}
		if req.Method != "initialize" {
			t.Fatalf("expected initialize method, got %s", req.Method)
		}

		// Send response
		resp := jsonRPCResponse{
			JSONRPC: "2.0",
			Result:  json.RawMessage(`{"capabilities":{},"serverInfo":{"name":"test","version":"1.0"}}`),
			ID:      req.ID,
		}
		b, _ := json.Marshal(resp)
		transport.In <- b

	case <-ctx.Done():
		t.Fatal("timeout waiting for initialize request")
	}

	// Expect initialized notification
	select {
	case msg := <-transport.Out:
		var notif jsonRPCNotification
		if err := json.Unmarshal(msg, &notif); err != nil {
			t.Fatalf("invalid notification json: %v", err)
		}
		if notif.Method != "notifications/initialized" {
			t.Fatalf("expected initialized notification, got %s", notif.Method)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for initialized notification")
	}

	if err := <-errChan; err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
}

func TestClient_ListTools(t *testing.T) {
	transport := NewMockTransport()
	client, _ := NewClient("test", transport)
	ctx := context.Background()

	go func() {
		msg := <-transport.Out
		var req jsonRPCRequest
		json.Unmarshal(msg, &req)

		resp := jsonRPCResponse{
			JSONRPC: "2.0",
			Result:  json.RawMessage(`{"tools":[{"name":"my_tool","description":"desc","inputSchema":{}}]}`),
			ID:      req.ID,
		}
		b, _ := json.Marshal(resp)
		transport.In <- b
	}()

	tools, err := client.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "my_tool" {
		t.Fatalf("expected my_tool, got %v", tools)
	}
}

// FailThenSucceedTransport fails the first N sends, then succeeds.
type FailThenSucceedTransport struct {
	failCount int32
	calls     atomic.Int32
	In        chan json.RawMessage
	Out       chan json.RawMessage
}

func NewFailThenSucceedTransport(failCount int) *FailThenSucceedTransport {
	return &FailThenSucceedTransport{
		failCount: int32(failCount),
		In:        make(chan json.RawMessage, 10),
		Out:       make(chan json.RawMessage, 10),
	}
}

func (f *FailThenSucceedTransport) Send(ctx context.Context, msg json.RawMessage) error {
	n := f.calls.Add(1)
	if n <= f.failCount {
		return fmt.Errorf("simulated send failure %d", n)
	}
	select {
	case f.Out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FailThenSucceedTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-f.In:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *FailThenSucceedTransport) Close() error {
	return nil
}

func TestReconnectableTransport_StructLiteralSatisfiesTransport(t *testing.T) {
	// Builds a ReconnectableTransport around a running StdioTransport and
	// checks that it satisfies Transport; Send is not called here.
	mock := NewMockTransport()
	rt := &ReconnectableTransport{
		command:   "echo",
		args:      nil,
		env:       nil,
		transport: &StdioTransport{running: true},
		maxRetry:  3,
	}
	// We can't easily use StdioTransport for a unit test, so test via the
	// ReconnectableTransport struct construction and verify the type satisfies Transport.
	var _ Transport = rt
	_ = mock // mock used only for interface verification
}

func TestReconnectableTransport_CanceledContext(t *testing.T) {
	// When context is canceled, Send should fail fast.
	rt := &ReconnectableTransport{
		command:   "nonexistent",
		args:      nil,
		env:       nil,
		transport: &StdioTransport{running: false}, // will fail
		maxRetry:  3,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rt.Send(ctx, json.RawMessage(`{"test":true}`))
	if err == nil {
		t.Fatal("expected error for canceled context with closed transport")
	}
}

func TestReconnectableTransport_ImplementsTransport(t *testing.T) {
	// Verify ReconnectableTransport satisfies the Transport interface.
	var _ Transport = (*ReconnectableTransport)(nil)
}

func TestManager_AllToolsEmptyWithoutServers(t *testing.T) {
	m := NewManager(nil, nil)

	// A manager with no connected servers lists no tools.
	tools, err := m.AllTools(context.Background())
	if err != nil {
		t.Fatalf("all tools: %v", err)
	}
	if len(tools) != 0 {
		t.Fatal("expected no tools for unconnected manager")
	}
}
