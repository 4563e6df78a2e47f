package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pithrun/pith/pkg/errkind"
	"github.com/pithrun/pith/pkg/logging"
)

const (
	defaultToolTimeout   = 30 * time.Second
	defaultFileTimeout   = 5 * time.Second
	defaultMaxOutputSize = 64 * 1024
)

// ReloadEvent reports the outcome of an extension (re)load. emit writes it
// to the audit log and hands it to OnReload (cmd/pith only logs it); it is
// not published on the event bus, so no `reload_failure` SSE event is sent.
type ReloadEvent struct {
	Name    string
	Success bool
	Kind    errkind.RegistryErrorKind
	Detail  string
}

// Registry is the unified name -> Descriptor map for built-in, extension,
// and remote tools.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Descriptor
	OnReload func(ReloadEvent)
}

// NewRegistry returns an empty registry ready to accept built-ins.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

func (r *Registry) emit(ev ReloadEvent) {
	logging.Audit("extension_reload", map[string]interface{}{"name": ev.Name, "success": ev.Success, "kind": string(ev.Kind), "detail": ev.Detail})
	if r.OnReload != nil {
		r.OnReload(ev)
	}
}

// RegisterBuiltin adds a built-in tool. Built-ins bypass namespace checks
// (they define the namespace) but still collide loudly with each other.
func (r *Registry) RegisterBuiltin(d Descriptor) error {
	d.Origin = OriginBuiltin
	if d.Timeout == 0 {
		d.Timeout = defaultToolTimeout
	}
	if d.MaxOutput == 0 {
		d.MaxOutput = defaultMaxOutputSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return &errkind.RegistryError{Name: d.Name, Kind: errkind.RegistryNameCollision, Detail: "built-in name already registered"}
	}
	r.tools[d.Name] = d
	return nil
}

// RegisterExtension atomically swaps in an extension descriptor after
// enforcing the reserved-prefix and collision rules (invariant 3). On
// rejection the previous descriptor, if any, is left untouched.
func (r *Registry) RegisterExtension(d Descriptor) error {
	d.Origin = OriginExtension
	if d.Timeout == 0 {
		d.Timeout = defaultToolTimeout
	}
	if d.MaxOutput == 0 {
		d.MaxOutput = defaultMaxOutputSize
	}

	if strings.HasPrefix(d.Name, ReservedPrefix) {
		err := &errkind.RegistryError{Name: d.Name, Kind: errkind.RegistryReservedPrefix, Detail: "extension tool names may not start with " + ReservedPrefix}
		r.emit(ReloadEvent{Name: d.Name, Success: false, Kind: err.Kind, Detail: err.Detail})
		logging.WarnCF("registry", "extension reload rejected: reserved prefix", map[string]interface{}{"name": d.Name})
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.tools[d.Name]; exists && existing.Origin != OriginExtension {
		err := &errkind.RegistryError{Name: d.Name, Kind: errkind.RegistryNameCollision, Detail: fmt.Sprintf("collides with existing %s tool", existing.Origin)}
		r.emit(ReloadEvent{Name: d.Name, Success: false, Kind: err.Kind, Detail: err.Detail})
		logging.WarnCF("registry", "extension reload rejected: name collision", map[string]interface{}{"name": d.Name, "existing_origin": string(existing.Origin)})
		return err
	}

	r.tools[d.Name] = d
	r.emit(ReloadEvent{Name: d.Name, Success: true})
	logging.InfoCF("registry", "extension tool loaded", map[string]interface{}{"name": d.Name})
	return nil
}

// RegisterExtensionFailure retains the previous descriptor (if any) and
// emits a reload_failure event — called when interpretation itself failed
// before a Descriptor could even be built.
func (r *Registry) RegisterExtensionFailure(name string, cause error) {
	r.RegisterExtensionFailureKind(name, errkind.RegistryLoadFailure, cause)
}

// RegisterExtensionFailureKind is RegisterExtensionFailure with an explicit
// RegistryErrorKind, for callers (e.g. the reserved-prefix check on a
// freshly parsed header) that already know the failure isn't a generic
// load failure.
func (r *Registry) RegisterExtensionFailureKind(name string, kind errkind.RegistryErrorKind, cause error) {
	err := &errkind.RegistryError{Name: name, Kind: kind, Detail: cause.Error()}
	r.emit(ReloadEvent{Name: name, Success: false, Kind: err.Kind, Detail: err.Detail})
	logging.WarnCF("registry", "extension reload failed, previous descriptor retained", map[string]interface{}{"name": name, "kind": string(kind), "error": cause.Error()})
}

// RemoveExtension deletes name if it is currently an extension tool (used
// on file delete).
func (r *Registry) RemoveExtension(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.tools[name]; ok && d.Origin == OriginExtension {
		delete(r.tools, name)
	}
}

// RegisterRemote registers a tool discovered from an MCP server, always
// under the MCP__<server>__<tool> namespace, so it can never collide with
// a built-in or extension name by construction.
func (r *Registry) RegisterRemote(d Descriptor) error {
	d.Origin = OriginRemote
	if !strings.HasPrefix(d.Name, ReservedPrefix) {
		return &errkind.RegistryError{Name: d.Name, Kind: errkind.RegistryReservedPrefix, Detail: "remote tools must be namespaced under " + ReservedPrefix}
	}
	if d.Timeout == 0 {
		d.Timeout = defaultToolTimeout
	}
	if d.MaxOutput == 0 {
		d.MaxOutput = defaultMaxOutputSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Name] = d
	return nil
}

// RemoveRemoteServer drops every remote descriptor whose name is namespaced
// under MCP__<server>__. RefreshMCPServer calls it after a successful
// tools/list, just before registering the freshly listed tools; an
// unreachable server keeps its previously discovered tools.
func (r *Registry) RemoveRemoteServer(server string) {
	prefix := ReservedPrefix + server + "__"
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range r.tools {
		if d.Origin == OriginRemote && strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
		}
	}
}

// Get looks up a descriptor by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// List returns every descriptor, for schema export to the Model.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	return out
}

// Count returns the number of registered tools, for GET /status.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// InvokeResult is the outcome of one Invoke call.
type InvokeResult struct {
	OK       bool
	Value    string
	Kind     errkind.ToolErrorKind
	Detail   string
	Duration time.Duration
}

// Invoke looks up name, runs it with a per-call deadline derived from the
// descriptor (or ctx's own deadline if sooner), and caps output size.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) InvokeResult {
	start := time.Now()
	d, ok := r.Get(name)
	if !ok {
		return InvokeResult{OK: false, Kind: errkind.ToolNotFound, Detail: fmt.Sprintf("tool %q not registered", name), Duration: time.Since(start)}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	type outcome struct {
		val string
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		val, err := d.Invoke(callCtx, args)
		ch <- outcome{val: val, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return InvokeResult{OK: false, Kind: errkind.ToolExecution, Detail: o.err.Error(), Duration: time.Since(start)}
		}
		if len(o.val) > d.MaxOutput {
			return InvokeResult{OK: false, Kind: errkind.ToolOutputTooLarge, Detail: fmt.Sprintf("output exceeded %d bytes", d.MaxOutput), Duration: time.Since(start)}
		}
		return InvokeResult{OK: true, Value: o.val, Duration: time.Since(start)}
	case <-callCtx.Done():
		return InvokeResult{OK: false, Kind: errkind.ToolTimeout, Detail: callCtx.Err().Error(), Duration: time.Since(start)}
	}
}

var sensitiveArgKeyFragments = []string{
	"api_key", "apikey", "authorization", "auth", "bearer",
	"client_secret", "cookie", "password", "private", "secret", "session", "token",
}

// SanitizeArgs redacts likely-sensitive values before logging or emitting
// an args_preview event.
func SanitizeArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = sanitizeValue(k, v)
	}
	return out
}

func sanitizeValue(key string, v interface{}) interface{} {
	if isSensitiveKey(key) {
		return "<redacted>"
	}
	switch t := v.(type) {
	case map[string]interface{}:
		return SanitizeArgs(t)
	case string:
		if len(t) > 256 {
			return t[:256] + "...(truncated)"
		}
		return t
	default:
		return v
	}
}

// ArgsJSON renders sanitized args compactly for the tool_call audit log.
func ArgsJSON(args map[string]interface{}) string {
	b, err := json.Marshal(SanitizeArgs(args))
	if err != nil {
		return "{}"
	}
	return string(b)
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.ReplaceAll(key, "-", "_"))
	for _, frag := range sensitiveArgKeyFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}
