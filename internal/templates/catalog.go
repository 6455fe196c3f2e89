// Package templates lists the task template files a run can be pointed at.
package templates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"crewdeck/internal/domain"
	"crewdeck/internal/logging"
)

const fallbackPoll = time.Minute

type Template struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

// Catalog caches the *.md files of one directory, sorted by name.
type Catalog struct {
	root string
	log  *zap.Logger

	mu    sync.RWMutex
	items []Template
}

func New(root string, log *zap.Logger) *Catalog {
	c := &Catalog{root: root, log: logging.OrNop(log).Named("templates")}
	if err := c.Reload(); err != nil {
		c.log.Warn("initial load failed", zap.String("root", root), zap.Error(err))
	}
	return c
}

func (c *Catalog) Root() string { return c.root }

// Reload rescans the directory. A missing directory yields an empty catalog.
func (c *Catalog) Reload() error {
	entries, err := os.ReadDir(c.root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	var items []Template
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.root, e.Name()))
		if err != nil {
			continue
		}
		items = append(items, Template{Name: e.Name(), Title: titleOf(e.Name(), string(data))})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
	return nil
}

func titleOf(name, content string) string {
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
	}
	return name
}

// List returns the cached templates in name order.
func (c *Catalog) List() []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Template, len(c.items))
	copy(out, c.items)
	return out
}

// Path resolves a template name to its absolute file path.
func (c *Catalog) Path(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "", fmt.Errorf("task template %q: %w", name, domain.ErrNotFound)
	}
	path, err := filepath.Abs(filepath.Join(c.root, base))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("task template %q: %w", name, domain.ErrNotFound)
	}
	return path, nil
}

// Read returns a template and its content.
func (c *Catalog) Read(name string) (Template, string, error) {
	path, err := c.Path(name)
	if err != nil {
		return Template{}, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, "", err
	}
	base := filepath.Base(path)
	return Template{Name: base, Title: titleOf(base, string(data))}, string(data), nil
}

// Watch keeps the cache current until ctx is done, with a slow poll as a
// safety net and as the only mechanism when fsnotify is unavailable.
func (c *Catalog) Watch(ctx context.Context) {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		c.log.Warn("create templates dir", zap.Error(err))
	}
	ticker := time.NewTicker(fallbackPoll)
	defer ticker.Stop()

	var (
		evCh  <-chan fsnotify.Event
		errCh <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if err = watcher.Add(c.root); err == nil {
			evCh, errCh = watcher.Events, watcher.Errors
		}
	}
	if err != nil {
		c.log.Warn("watch unavailable, polling", zap.String("root", c.root), zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-evCh:
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				c.reload()
			}
		case err := <-errCh:
			if err != nil {
				c.log.Warn("watcher error", zap.Error(err))
			}
		case <-ticker.C:
			c.reload()
		}
	}
}

func (c *Catalog) reload() {
	if err := c.Reload(); err != nil {
		c.log.Warn("reload failed", zap.Error(err))
	}
}
