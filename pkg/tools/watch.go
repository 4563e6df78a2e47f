package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/pithrun/pith/pkg/logging"
)

// Watch runs until ctx is cancelled, hot-reloading extension tools as their
// source files change on disk. It tracks path->declared-name so a deleted
// file removes the right registry entry even though the registry keys on
// the tool's declared name, not its filename.
func (l *ExtensionLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(l.dir); err != nil {
		return err
	}

	var mu sync.Mutex
	pathToName := map[string]string{}

	track := func(path string) {
		name, err := headerNameOnly(path)
		if err != nil {
			return
		}
		mu.Lock()
		pathToName[path] = name
		mu.Unlock()
	}

	l.LoadAll()
	if entries, err := os.ReadDir(l.dir); err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".go") {
				track(filepath.Join(l.dir, e.Name()))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".go") {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				l.LoadFile(ev.Name)
				track(ev.Name)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				mu.Lock()
				name, tracked := pathToName[ev.Name]
				delete(pathToName, ev.Name)
				mu.Unlock()
				if tracked {
					l.RemoveByName(name)
					logging.InfoCF("extensions", "extension tool removed", map[string]interface{}{"file": ev.Name, "name": name})
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.WarnCF("extensions", "watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func headerNameOnly(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	h, err := parseExtensionHeader(string(data))
	if err != nil {
		return "", err
	}
	return h.name, nil
}
