package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/pithrun/pith/pkg/errkind"
	"github.com/pithrun/pith/pkg/logging"
)

// allowedExtensionPackages is the stdlib import whitelist for interpreted
// extension tool source. Anything doing filesystem, network, process, or
// unsafe-memory work is deliberately absent.
var allowedExtensionPackages = map[string]bool{
	"context":         true,
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"errors":          true,
	"unicode":         true,
	"path":            true,
}

var (
	toolHeaderRe  = regexp.MustCompile(`^//\s*pith:tool\s+name="([^"]+)"\s+description="([^"]*)"\s*$`)
	paramHeaderRe = regexp.MustCompile(`^//\s*pith:param\s+(\w+)\s+(\w+)(\s+required)?\s*$`)
)

// extensionHeader is what precedes an extension tool's source: name,
// description, and parameter declarations extracted from doc comments.
type extensionHeader struct {
	name        string
	description string
	params      []ParamSchema
}

func parseExtensionHeader(src string) (extensionHeader, error) {
	var h extensionHeader
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		line := sc.Text()
		if m := toolHeaderRe.FindStringSubmatch(line); m != nil {
			h.name = m[1]
			h.description = m[2]
			continue
		}
		if m := paramHeaderRe.FindStringSubmatch(line); m != nil {
			h.params = append(h.params, ParamSchema{
				Name:     m[1],
				Type:     m[2],
				Required: m[3] != "",
			})
			continue
		}
		if !strings.HasPrefix(strings.TrimSpace(line), "//") && strings.TrimSpace(line) != "" {
			break
		}
	}
	if h.name == "" {
		return h, fmt.Errorf("missing `// pith:tool name=\"...\" description=\"...\"` header")
	}
	return h, nil
}

func validateExtensionImports(code string) error {
	inBlock := false
	var forbidden []string
	sc := bufio.NewScanner(strings.NewReader(code))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "import ("):
			inBlock = true
		case inBlock && line == ")":
			inBlock = false
		case inBlock:
			pkg := strings.Trim(strings.SplitN(line, "//", 2)[0], "\t \"")
			if pkg != "" && !allowedExtensionPackages[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(line, "import "):
			pkg := strings.Trim(strings.TrimPrefix(line, "import "), "\t \"")
			if pkg != "" && !allowedExtensionPackages[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// buildExtensionInvocable interprets code with yaegi and returns an
// Invocable bound to its Run entrypoint: func Run(ctx context.Context,
// args map[string]interface{}) (string, error).
func buildExtensionInvocable(code string) (Invocable, error) {
	if err := validateExtensionImports(code); err != nil {
		return nil, err
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("loading interpreter stdlib: %w", err)
	}
	if !strings.Contains(code, "package main") {
		code = "package main\n\n" + code
	}
	if _, err := i.Eval(code); err != nil {
		return nil, fmt.Errorf("evaluating extension source: %w", err)
	}
	v, err := i.Eval("main.Run")
	if err != nil {
		return nil, fmt.Errorf("extension does not define Run: %w", err)
	}
	fn, ok := v.Interface().(func(context.Context, map[string]interface{}) (string, error))
	if !ok {
		return nil, fmt.Errorf("Run has the wrong signature, want func(context.Context, map[string]interface{}) (string, error)")
	}
	return Invocable(fn), nil
}

// ExtensionLoader watches a directory of *.go files, each a single
// self-contained tool, and hot-reloads the Registry on change.
type ExtensionLoader struct {
	registry *Registry
	dir      string
}

// NewExtensionLoader constructs a loader for dir, which is created if
// absent.
func NewExtensionLoader(r *Registry, dir string) (*ExtensionLoader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ExtensionLoader{registry: r, dir: dir}, nil
}

// LoadAll (re)loads every *.go file currently in the extensions directory,
// used at startup before the watcher takes over.
func (l *ExtensionLoader) LoadAll() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		logging.WarnCF("extensions", "cannot read extensions directory", map[string]interface{}{"dir": l.dir, "error": err.Error()})
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".go") {
			continue
		}
		l.LoadFile(filepath.Join(l.dir, e.Name()))
	}
}

// LoadFile parses, sandboxes, and registers (or re-registers) the tool
// defined in path. Failure retains whatever descriptor was previously
// registered under that name (invariant 3).
func (l *ExtensionLoader) LoadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		l.registry.RegisterExtensionFailure(filepath.Base(path), err)
		return
	}
	src := string(data)
	header, err := parseExtensionHeader(src)
	if err != nil {
		l.registry.RegisterExtensionFailure(filepath.Base(path), err)
		return
	}
	if strings.HasPrefix(header.name, ReservedPrefix) {
		l.registry.RegisterExtensionFailureKind(header.name, errkind.RegistryReservedPrefix,
			fmt.Errorf("extension tool name %q may not use reserved prefix %s", header.name, ReservedPrefix))
		return
	}
	invoke, err := buildExtensionInvocable(src)
	if err != nil {
		l.registry.RegisterExtensionFailure(header.name, err)
		return
	}
	fp := fingerprint(data)
	if info, err := os.Stat(path); err == nil {
		fp = fmt.Sprintf("%d-%s", info.ModTime().UnixNano(), fp)
	}
	d := Descriptor{
		Name:        header.name,
		Description: header.description,
		Params:      header.params,
		Invoke:      invoke,
		Fingerprint: fp,
	}
	if err := l.registry.RegisterExtension(d); err != nil {
		logging.WarnCF("extensions", "extension registration rejected", map[string]interface{}{"file": path, "error": err.Error()})
	}
}

// RemoveByName drops the extension tool registered under name. The
// registry keys by declared name rather than filename, so callers (see
// Watch) track path->name themselves and pass the name here.
func (l *ExtensionLoader) RemoveByName(name string) {
	l.registry.RemoveExtension(name)
}

func fingerprint(data []byte) string {
	var sum uint64 = 1469598103934665603
	for _, b := range data {
		sum ^= uint64(b)
		sum *= 1099511628211
	}
	return fmt.Sprintf("%016x", sum)
}
