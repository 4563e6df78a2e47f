package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWorkspaceGuard_RefusesEscape(t *testing.T) {
	dir := t.TempDir()
	if _, err := workspaceGuard(dir, "../../etc/passwd"); err == nil {
		t.Fatalf("expected workspaceGuard to refuse a path escaping the workspace")
	}
	if _, err := workspaceGuard(dir, "notes/today.md"); err != nil {
		t.Fatalf("expected an inside-workspace path to be allowed, got %v", err)
	}
}

func TestFileTools_WriteReadEdit(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()
	if err := RegisterFileTools(r, dir); err != nil {
		t.Fatalf("RegisterFileTools: %v", err)
	}

	write, _ := r.Get("write")
	if _, err := write.Invoke(context.Background(), map[string]interface{}{"path": "a.txt", "content": "hello world"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	read, _ := r.Get("read")
	out, err := read.Invoke(context.Background(), map[string]interface{}{"path": "a.txt"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("expected 'hello world', got %q", out)
	}

	edit, _ := r.Get("edit")
	if _, err := edit.Invoke(context.Background(), map[string]interface{}{"path": "a.txt", "old_text": "world", "new_text": "pith"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello pith" {
		t.Fatalf("expected 'hello pith', got %q", string(data))
	}
}

func TestFileTools_ListDirAndSearch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "one.txt"), []byte("needle here\nother line\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	r := NewRegistry()
	if err := RegisterFileTools(r, dir); err != nil {
		t.Fatalf("RegisterFileTools: %v", err)
	}

	listDir, _ := r.Get("list_dir")
	out, err := listDir.Invoke(context.Background(), map[string]interface{}{})
	if err != nil {
		t.Fatalf("list_dir: %v", err)
	}
	if !strings.Contains(out, "one.txt") || !strings.Contains(out, "sub/") {
		t.Fatalf("expected listing to contain one.txt and sub/, got %q", out)
	}

	search, _ := r.Get("file_search")
	out, err = search.Invoke(context.Background(), map[string]interface{}{"query": "needle"})
	if err != nil {
		t.Fatalf("file_search: %v", err)
	}
	if !strings.Contains(out, "one.txt:1") {
		t.Fatalf("expected match at one.txt:1, got %q", out)
	}
}
