package tools

import (
	"context"
	"fmt"
)

// RegisterToolCall installs tool_call, a meta-tool letting the model invoke
// any other registered tool by name — including remote MCP__ tools it may
// not have been offered a native schema for. It refuses to invoke itself.
func RegisterToolCall(r *Registry) error {
	d := Descriptor{
		Name:        "tool_call",
		Description: "Invoke another registered tool by name with a JSON object of arguments. Cannot invoke tool_call itself.",
		Params: []ParamSchema{
			{Name: "name", Type: "string", Required: true},
			{Name: "arguments", Type: "object"},
		},
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			name, _ := argString(args, "name")
			if name == "" {
				return "", fmt.Errorf("name is required")
			}
			if name == "tool_call" {
				return "", fmt.Errorf("tool_call cannot invoke itself")
			}
			if _, ok := r.Get(name); !ok {
				return "", fmt.Errorf("tool %q is not registered", name)
			}
			inner, _ := args["arguments"].(map[string]interface{})
			res := r.Invoke(ctx, name, inner)
			if !res.OK {
				return "", fmt.Errorf("%s: %s", res.Kind, res.Detail)
			}
			return res.Value, nil
		},
	}
	return r.RegisterBuiltin(d)
}
