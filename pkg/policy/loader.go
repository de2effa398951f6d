package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// TemplateFile is the on-disk form of a template and its bindings.
type TemplateFile struct {
	Template `yaml:",inline"`

	// Bindings replace every binding of the template on sync.
	Bindings []Binding `yaml:"bindings,omitempty"`

	// Path is the file the template was read from.
	Path string `yaml:"-"`
}

// Loader reads policy templates from a directory and syncs them into the
// policy store.
type Loader struct {
	service *Service
	logger  zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher

	// reloadDelay debounces bursts of file events.
	reloadDelay time.Duration
}

// NewLoader creates a loader that saves templates through service.
func NewLoader(service *Service, logger zerolog.Logger) *Loader {
	return &Loader{
		service:     service,
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		reloadDelay: 500 * time.Millisecond,
	}
}

// LoadDir reads every *.yaml and *.yml template in dir, sorted by file name.
// A sibling file with the same base name and a .rego extension supplies the
// template's Rego when the YAML has none inline.
func (l *Loader) LoadDir(dir string) ([]TemplateFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read template directory: %w", err)
	}

	var files []TemplateFile
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		tf, err := l.loadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, *tf)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	seen := make(map[string]string, len(files))
	for _, tf := range files {
		if prev, ok := seen[tf.Name]; ok {
			return nil, fmt.Errorf("template %q is defined in both %s and %s", tf.Name, prev, tf.Path)
		}
		seen[tf.Name] = tf.Path
	}

	return files, nil
}

func (l *Loader) loadFile(path string) (*TemplateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}

	var tf TemplateFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}
	tf.Path = path

	if tf.Name == "" {
		tf.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if tf.EnforcementLevel == "" {
		tf.EnforcementLevel = EnforcementBlock
	}

	if tf.Rego == "" {
		regoPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".rego"
		if src, err := os.ReadFile(regoPath); err == nil {
			tf.Rego = string(src)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read rego %s: %w", regoPath, err)
		}
	}

	if err := tf.Template.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template %s: %w", path, err)
	}
	for i := range tf.Bindings {
		if err := tf.Bindings[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid binding %d in %s: %w", i, path, err)
		}
	}

	l.logger.Debug().
		Str("path", path).
		Str("template", tf.Name).
		Int("bindings", len(tf.Bindings)).
		Msg("Template loaded from file")

	return &tf, nil
}

// Sync loads dir and upserts every template with its bindings. Templates that
// are no longer on disk are left in the store.
func (l *Loader) Sync(ctx context.Context, dir string) (int, error) {
	files, err := l.LoadDir(dir)
	if err != nil {
		return 0, err
	}

	for i := range files {
		tf := &files[i]
		tmpl := tf.Template
		if err := l.service.SaveTemplate(ctx, &tmpl); err != nil {
			return i, fmt.Errorf("failed to save template %s: %w", tf.Name, err)
		}
		if err := l.service.SetBindings(ctx, tmpl.ID, tf.Bindings); err != nil {
			return i, fmt.Errorf("failed to bind template %s: %w", tf.Name, err)
		}
	}

	l.logger.Info().
		Int("count", len(files)).
		Str("dir", dir).
		Msg("Policy templates synced")

	return len(files), nil
}

// Watch re-syncs dir whenever a template or Rego file changes, until ctx is
// cancelled or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, dir)

	l.logger.Info().Str("dir", dir).Msg("Started watching policy templates")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, dir string) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isTemplateFile(event.Name) && filepath.Ext(event.Name) != ".rego" {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy template changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(l.reloadDelay, func() {
				if _, err := l.Sync(ctx, dir); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policy templates")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

func isTemplateFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
