package yaml

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/moonkev/rewriteds/internal/types"
	"go.yaml.in/yaml/v2"
)

const LoaderID = "yaml_loader"

// RuleUpdater receives the rules read from the declaration file.
type RuleUpdater interface {
	UpdateRules(loaderID string, rules []types.RewriteRule) error
}

// LoadDeclaration reads a declaration file. An empty path yields the
// built-in default declaration.
func LoadDeclaration(path string) (*types.Declaration, error) {
	if path == "" {
		return types.DefaultDeclaration(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDeclaration(raw)
}

// ParseDeclaration decodes a YAML declaration. Unknown keys are rejected.
func ParseDeclaration(raw []byte) (*types.Declaration, error) {
	var decl types.Declaration
	if err := yaml.UnmarshalStrict(raw, &decl); err != nil {
		return nil, fmt.Errorf("parse declaration: %w", err)
	}
	for i := range decl.Rewrites {
		decl.Rewrites[i].Origin = LoaderID
	}
	return &decl, nil
}

// MarshalDeclaration encodes decl in the same format ParseDeclaration reads.
func MarshalDeclaration(decl *types.Declaration) ([]byte, error) {
	return yaml.Marshal(decl)
}

// Loader feeds the rewrites of a declaration file to an updater.
type Loader struct {
	Path     string
	Debounce time.Duration
	Updater  RuleUpdater
}

// Load reads the file once and reports its rewrites.
func (l *Loader) Load() error {
	decl, err := LoadDeclaration(l.Path)
	if err != nil {
		return err
	}
	slog.Info("Loaded rewrites from YAML declaration", "path", l.Path, "count", len(decl.Rewrites))
	for i, r := range decl.Rewrites {
		slog.Debug("Declared rewrite", "index", i, "source", r.Source, "destination", r.Destination)
	}
	return l.Updater.UpdateRules(LoaderID, decl.Rewrites)
}

// Watch reloads the declaration whenever its file changes, until ctx is
// cancelled. The directory is watched so editors that replace the file are
// picked up.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(l.Path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	debounce := l.Debounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	slog.Info("Watching YAML declaration", "path", abs)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("YAML watcher error", "error", err)
		case <-timer.C:
			if err := l.Load(); err != nil {
				slog.Error("Failed to reload YAML declaration", "path", abs, "error", err)
			}
		}
	}
}
