// Package hosttools provides a small built-in MCP tool registry exposing
// host resource information, grounded on the agent binary's own
// resource-sampling logic adapted to the tools/call shape (§10.5 "domain
// stack wiring" — edge-only host introspection).
package hosttools

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/relaykit/relaykit/internal/mcp"
	"github.com/relaykit/relaykit/internal/types"
)

// Registry implements mcp.ToolRegistry with a single "host_info" tool that
// reports CPU, memory, and load-average snapshots for the machine the
// driver is running on.
type Registry struct{}

// New constructs a host-info tool registry.
func New() *Registry { return &Registry{} }

func (r *Registry) ListTools() []mcp.ToolSpec {
	return []mcp.ToolSpec{
		{
			Name:        "host_info",
			Description: "Reports a snapshot of host CPU, memory, and load-average usage.",
		},
	}
}

func (r *Registry) CallTool(ctx context.Context, name string, args map[string]interface{}) (types.ToolsCallResult, error) {
	if name != "host_info" {
		return types.ToolsCallResult{}, fmt.Errorf("unknown tool %q", name)
	}

	var lines []string

	cpuPercent, err := cpu.Percent(0, false)
	if err == nil && len(cpuPercent) > 0 {
		lines = append(lines, fmt.Sprintf("cpu: %.1f%%", cpuPercent[0]))
	}

	if memInfo, err := mem.VirtualMemory(); err == nil && memInfo != nil {
		lines = append(lines, fmt.Sprintf("memory: %.1f%% used (%d/%d bytes)", memInfo.UsedPercent, memInfo.Used, memInfo.Total))
	}

	if loadAvg, err := load.Avg(); err == nil && loadAvg != nil {
		lines = append(lines, fmt.Sprintf("load: %.2f %.2f %.2f", loadAvg.Load1, loadAvg.Load5, loadAvg.Load15))
	}

	if len(lines) == 0 {
		return types.ToolsCallResult{}, fmt.Errorf("host info unavailable on this platform")
	}

	text := lines[0]
	for _, l := range lines[1:] {
		text += "\n" + l
	}

	return types.ToolsCallResult{Content: []types.ToolContent{{Type: "text", Text: text}}}, nil
}
