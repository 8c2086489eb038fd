package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// trackedFiles are the text files read from the text directory, keyed by
// the name the dispatcher asks for.
var trackedFiles = []struct {
	Name string
	File string
	Desc string
}{
	{"help", "help.txt", "/help output"},
	{"motd", "motd.txt", "message shown on arrival"},
}

// TextFiles holds cached text file contents. Missing or empty files are
// reported as absent so built-in defaults apply.
type TextFiles struct {
	dir string
	log *zap.Logger

	mu    sync.RWMutex
	texts map[string]string
}

// LoadTextFiles reads the tracked files from dir.
func LoadTextFiles(dir string, log *zap.Logger) *TextFiles {
	if log == nil {
		log = zap.NewNop()
	}
	tf := &TextFiles{dir: dir, log: log, texts: make(map[string]string)}
	tf.Reload()
	return tf
}

// Text returns the named text.
func (tf *TextFiles) Text(name string) (string, bool) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	t, ok := tf.texts[name]
	return t, ok
}

// loadFile reads a single text file, returning empty string on any error.
func loadFile(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\r\n")
}

// Reload rereads every tracked file and returns how many are non-empty.
func (tf *TextFiles) Reload() int {
	texts := make(map[string]string, len(trackedFiles))
	if tf.dir != "" {
		for _, f := range trackedFiles {
			if t := loadFile(tf.dir, f.File); t != "" {
				texts[f.Name] = t
			}
		}
	}
	tf.mu.Lock()
	tf.texts = texts
	tf.mu.Unlock()
	tf.log.Info("loaded text files", zap.String("dir", tf.dir), zap.Int("count", len(texts)))
	return len(texts)
}

// Watch reloads the texts whenever a tracked file changes, until ctx ends.
func (tf *TextFiles) Watch(ctx context.Context) error {
	if tf.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(tf.dir); err != nil {
		watcher.Close()
		return err
	}

	tracked := make(map[string]string, len(trackedFiles))
	for _, f := range trackedFiles {
		tracked[f.File] = f.Desc
	}

	tf.log.Info("watching text directory", zap.String("dir", tf.dir))
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				name := filepath.Base(event.Name)
				desc, ok := tracked[name]
				if !ok {
					continue
				}
				tf.log.Info("text file changed", zap.String("file", name), zap.String("desc", desc))
				tf.Reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				tf.log.Warn("text file watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
