package extract

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/757built/engine/engine/domain"
)

// textPlaceholder is substituted with the chunk body when rendering.
const textPlaceholder = "{{TEXT}}"

type cachedTemplate struct {
	body  string
	mtime time.Time
}

// Templates loads per-class prompt templates from a directory. With hot
// reload enabled a template is reparsed whenever its file mtime advances;
// otherwise the first load is cached for the process lifetime.
type Templates struct {
	dir       string
	hotReload bool
	log       *slog.Logger

	mu    sync.Mutex
	cache map[domain.Class]cachedTemplate
}

// NewTemplates creates a template loader over dir.
func NewTemplates(dir string, hotReload bool, log *slog.Logger) *Templates {
	if log == nil {
		log = slog.Default()
	}
	return &Templates{
		dir:       dir,
		hotReload: hotReload,
		log:       log,
		cache:     make(map[domain.Class]cachedTemplate),
	}
}

// Render substitutes text into the class template. A class without its own
// template falls back to the other template.
func (t *Templates) Render(class domain.Class, text string) (string, error) {
	body, err := t.load(class)
	if err != nil {
		if class == domain.ClassOther {
			return "", err
		}
		t.log.Warn("extract: class template missing, using fallback", "class", class, "error", err)
		body, err = t.load(domain.ClassOther)
		if err != nil {
			return "", err
		}
	}
	if !strings.Contains(body, textPlaceholder) {
		return "", fmt.Errorf("extract: template for %s lacks %s placeholder", class, textPlaceholder)
	}
	return strings.ReplaceAll(body, textPlaceholder, text), nil
}

func (t *Templates) load(class domain.Class) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := filepath.Join(t.dir, string(class)+".md")
	cached, ok := t.cache[class]
	if ok && !t.hotReload {
		return cached.body, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if ok {
			return cached.body, nil
		}
		return "", fmt.Errorf("extract: stat template: %w", err)
	}
	if ok && !info.ModTime().After(cached.mtime) {
		return cached.body, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("extract: read template: %w", err)
	}
	t.cache[class] = cachedTemplate{body: string(data), mtime: info.ModTime()}
	if ok {
		t.log.Info("extract: template reloaded", "class", class, "path", path)
	}
	return string(data), nil
}
