package mcp

import (
	"context"

	"github.com/relaykit/relaykit/internal/types"
)

// SemanticType is the host-facing parameter type a tool author declares; the
// server maps it to a JSON-schema type when advertising the tool in
// tools/list (§4.8).
type SemanticType string

const (
	SemanticString  SemanticType = "string"
	SemanticNumber  SemanticType = "number"
	SemanticBoolean SemanticType = "boolean"
)

// jsonSchemaType maps a ParamSpec's SemanticType to the JSON-schema "type"
// keyword. Unrecognized semantic types fall back to a description-only
// property (no "type" constraint), per §4.8.
func (t SemanticType) jsonSchemaType() (string, bool) {
	switch t {
	case SemanticString:
		return "string", true
	case SemanticNumber:
		return "number", true
	case SemanticBoolean:
		return "boolean", true
	default:
		return "", false
	}
}

// ParamSpec describes a single tool parameter in host-neutral terms.
type ParamSpec struct {
	Name        string
	SemanticType SemanticType
	Description string
	Required    bool
}

// ToolSpec describes a tool the host makes available to MCP clients.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  []ParamSpec
}

// ToolRegistry is the host collaborator interface the MCP server dispatches
// tools/list and tools/call against (§6 "Host callbacks").
type ToolRegistry interface {
	ListTools() []ToolSpec
	CallTool(ctx context.Context, name string, args map[string]interface{}) (types.ToolsCallResult, error)
}

// buildToolsListResult converts the registry's host-neutral ToolSpecs into
// the wire-shaped MCP Tool catalogue, deriving each inputSchema from the
// tool's declared ParamSpecs.
func buildToolsListResult(specs []ToolSpec) types.ToolsListResult {
	tools := make([]types.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, types.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: buildInputSchema(spec.Parameters),
		})
	}
	return types.ToolsListResult{Tools: tools}
}

func buildInputSchema(params []ParamSpec) []byte {
	properties := make(map[string]map[string]interface{}, len(params))
	required := make([]string, 0, len(params))

	for _, p := range params {
		prop := map[string]interface{}{}
		if schemaType, ok := p.SemanticType.jsonSchemaType(); ok {
			prop["type"] = schemaType
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	return mustMarshal(schema)
}
