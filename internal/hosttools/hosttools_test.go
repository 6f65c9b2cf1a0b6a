package hosttools

import (
	"context"
	"testing"
)

func TestListTools(t *testing.T) {
	r := New()
	tools := r.ListTools()
	if len(tools) != 1 || tools[0].Name != "host_info" {
		t.Fatalf("got tools %+v, want one host_info tool", tools)
	}
}

func TestCallToolUnknown(t *testing.T) {
	r := New()
	if _, err := r.CallTool(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestCallToolHostInfo(t *testing.T) {
	r := New()
	result, err := r.CallTool(context.Background(), "host_info", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text == "" {
		t.Fatalf("got content %+v, want non-empty text", result.Content)
	}
}
