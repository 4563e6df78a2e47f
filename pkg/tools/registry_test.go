package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithrun/pith/pkg/errkind"
)

func noop(ctx context.Context, args map[string]interface{}) (string, error) {
	return "ok", nil
}

func TestRegistry_BuiltinCollision(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterBuiltin(Descriptor{Name: "read", Invoke: noop}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.RegisterBuiltin(Descriptor{Name: "read", Invoke: noop}); err == nil {
		t.Fatalf("expected collision error on duplicate built-in name")
	}
}

func TestRegistry_ExtensionRejectsReservedPrefix(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterExtension(Descriptor{Name: "MCP__foo__bar", Invoke: noop})
	if err == nil {
		t.Fatalf("expected reserved-prefix rejection")
	}
	var rerr *errkind.RegistryError
	if !errors.As(err, &rerr) || rerr.Kind != errkind.RegistryReservedPrefix {
		t.Fatalf("expected RegistryReservedPrefix, got %v", err)
	}
}

func TestRegistry_RemoteRequiresReservedPrefix(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterRemote(Descriptor{Name: "weather", Invoke: noop}); err == nil {
		t.Fatalf("expected error registering a remote tool without the reserved prefix")
	}
	if err := r.RegisterRemote(Descriptor{Name: "MCP__srv__weather", Invoke: noop}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistry_ExtensionCollisionWithBuiltinRejected(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterBuiltin(Descriptor{Name: "read", Invoke: noop}); err != nil {
		t.Fatalf("register builtin: %v", err)
	}
	err := r.RegisterExtension(Descriptor{Name: "read", Invoke: noop})
	if err == nil {
		t.Fatalf("expected extension to be rejected for colliding with a built-in")
	}
	d, ok := r.Get("read")
	if !ok || d.Origin != OriginBuiltin {
		t.Fatalf("built-in descriptor should be untouched after rejected extension collision")
	}
}

func TestRegistry_ReloadFailureRetainsPreviousDescriptor(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterExtension(Descriptor{Name: "greet", Description: "v1", Invoke: noop}); err != nil {
		t.Fatalf("initial register: %v", err)
	}

	var events []ReloadEvent
	r.OnReload = func(ev ReloadEvent) { events = append(events, ev) }

	r.RegisterExtensionFailure("greet", errors.New("syntax error"))

	d, ok := r.Get("greet")
	if !ok || d.Description != "v1" {
		t.Fatalf("expected v1 descriptor retained after failed reload, got %+v ok=%v", d, ok)
	}
	if len(events) != 1 || events[0].Success {
		t.Fatalf("expected exactly one failure event, got %+v", events)
	}
}

func TestRegistry_InvokeTimeout(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterBuiltin(Descriptor{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			select {
			case <-time.After(time.Second):
				return "too slow", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	res := r.Invoke(context.Background(), "slow", nil)
	if res.OK || res.Kind != errkind.ToolTimeout {
		t.Fatalf("expected timeout result, got %+v", res)
	}
}

func TestRegistry_InvokeOutputTooLarge(t *testing.T) {
	r := NewRegistry()
	big := make([]byte, 128)
	for i := range big {
		big[i] = 'x'
	}
	err := r.RegisterBuiltin(Descriptor{
		Name:      "bigout",
		MaxOutput: 10,
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return string(big), nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	res := r.Invoke(context.Background(), "bigout", nil)
	if res.OK || res.Kind != errkind.ToolOutputTooLarge {
		t.Fatalf("expected output_too_large, got %+v", res)
	}
}

func TestSanitizeArgs_RedactsSensitiveKeys(t *testing.T) {
	in := map[string]interface{}{
		"api_key": "sk-verysecret",
		"nested": map[string]interface{}{
			"password": "hunter2",
			"note":     "fine",
		},
		"note": "fine too",
	}
	out := SanitizeArgs(in)
	if out["api_key"] != "<redacted>" {
		t.Fatalf("expected api_key redacted, got %v", out["api_key"])
	}
	nested := out["nested"].(map[string]interface{})
	if nested["password"] != "<redacted>" {
		t.Fatalf("expected nested password redacted, got %v", nested["password"])
	}
	if nested["note"] != "fine" {
		t.Fatalf("expected unrelated nested key untouched, got %v", nested["note"])
	}
}

func TestToolCall_RefusesSelfInvocation(t *testing.T) {
	r := NewRegistry()
	if err := RegisterToolCall(r); err != nil {
		t.Fatalf("register tool_call: %v", err)
	}
	d, _ := r.Get("tool_call")
	_, err := d.Invoke(context.Background(), map[string]interface{}{"name": "tool_call"})
	if err == nil {
		t.Fatalf("expected tool_call to refuse invoking itself")
	}
}
