package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// workspaceGuard resolves a user-supplied relative path against root and
// refuses anything that escapes it, matching the teacher's
// restrict-to-workspace file tool discipline.
func workspaceGuard(root, rel string) (string, error) {
	clean := filepath.Clean(filepath.Join(root, rel))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absClean, err := filepath.Abs(clean)
	if err != nil {
		return "", err
	}
	if absClean != absRoot && !strings.HasPrefix(absClean, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", rel)
	}
	return absClean, nil
}

func argString(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// RegisterFileTools installs read, write, edit, list_dir, and file_search
// as built-ins scoped to workspace.
func RegisterFileTools(r *Registry, workspace string) error {
	readD := Descriptor{
		Name:        "read",
		Description: "Read the contents of a file inside the workspace.",
		Timeout:     defaultFileTimeout,
		Params: []ParamSchema{
			{Name: "path", Type: "string", Description: "workspace-relative file path", Required: true},
		},
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			p, _ := argString(args, "path")
			full, err := workspaceGuard(workspace, p)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
	writeD := Descriptor{
		Name:        "write",
		Description: "Write (overwrite) a file inside the workspace, creating parent directories as needed.",
		Timeout:     defaultFileTimeout,
		Params: []ParamSchema{
			{Name: "path", Type: "string", Required: true},
			{Name: "content", Type: "string", Required: true},
		},
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			p, _ := argString(args, "path")
			content, _ := argString(args, "content")
			full, err := workspaceGuard(workspace, p)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), p), nil
		},
	}
	editD := Descriptor{
		Name:        "edit",
		Description: "Replace the first occurrence of old_text with new_text in a workspace file.",
		Timeout:     defaultFileTimeout,
		Params: []ParamSchema{
			{Name: "path", Type: "string", Required: true},
			{Name: "old_text", Type: "string", Required: true},
			{Name: "new_text", Type: "string", Required: true},
		},
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			p, _ := argString(args, "path")
			oldText, _ := argString(args, "old_text")
			newText, _ := argString(args, "new_text")
			full, err := workspaceGuard(workspace, p)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return "", err
			}
			text := string(data)
			if !strings.Contains(text, oldText) {
				return "", fmt.Errorf("old_text not found in %s", p)
			}
			updated := strings.Replace(text, oldText, newText, 1)
			if err := os.WriteFile(full, []byte(updated), 0o644); err != nil {
				return "", err
			}
			return "edited " + p, nil
		},
	}
	listDirD := Descriptor{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		Timeout:     defaultFileTimeout,
		Params: []ParamSchema{
			{Name: "path", Type: "string", Description: "workspace-relative directory, default '.'"},
		},
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			p, ok := argString(args, "path")
			if !ok || p == "" {
				p = "."
			}
			full, err := workspaceGuard(workspace, p)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(full)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			for _, e := range entries {
				if e.IsDir() {
					b.WriteString(e.Name() + "/\n")
				} else {
					b.WriteString(e.Name() + "\n")
				}
			}
			return b.String(), nil
		},
	}
	fileSearchD := Descriptor{
		Name:        "file_search",
		Description: "Search workspace files for a literal substring, returning matching paths and line numbers.",
		Timeout:     defaultFileTimeout,
		Params: []ParamSchema{
			{Name: "query", Type: "string", Required: true},
			{Name: "path", Type: "string", Description: "workspace-relative subdirectory to search, default '.'"},
		},
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			query, _ := argString(args, "query")
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			sub, ok := argString(args, "path")
			if !ok || sub == "" {
				sub = "."
			}
			root, err := workspaceGuard(workspace, sub)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			matches := 0
			err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
				if err != nil || d.IsDir() || matches >= 200 {
					return nil
				}
				data, rErr := os.ReadFile(path)
				if rErr != nil {
					return nil
				}
				rel, _ := filepath.Rel(workspace, path)
				for i, line := range strings.Split(string(data), "\n") {
					if strings.Contains(line, query) {
						fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
						matches++
						if matches >= 200 {
							break
						}
					}
				}
				return nil
			})
			if err != nil {
				return "", err
			}
			return b.String(), nil
		},
	}
	for _, d := range []Descriptor{readD, writeD, editD, listDirD, fileSearchD} {
		if err := r.RegisterBuiltin(d); err != nil {
			return err
		}
	}
	return nil
}

// RegisterRunPython installs the run_python built-in, executing snippets
// with the system python3 interpreter under a workspace-scoped working
// directory and a caller-configurable ceiling on its own timeout.
func RegisterRunPython(r *Registry, workspace string, maxTimeout int) error {
	if maxTimeout <= 0 || maxTimeout > 30 {
		maxTimeout = 30
	}
	d := Descriptor{
		Name:        "run_python",
		Description: "Execute a Python snippet with the workspace as its working directory.",
		Timeout:     time.Duration(maxTimeout) * time.Second,
		MaxOutput:   defaultMaxOutputSize,
		Params: []ParamSchema{
			{Name: "code", Type: "string", Required: true},
		},
		Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
			code, _ := argString(args, "code")
			if code == "" {
				return "", fmt.Errorf("code is required")
			}
			cmd := exec.CommandContext(ctx, "python3", "-c", code)
			cmd.Dir = workspace
			out, err := cmd.CombinedOutput()
			if err != nil {
				return string(out), fmt.Errorf("run_python: %w", err)
			}
			return string(out), nil
		},
	}
	return r.RegisterBuiltin(d)
}
