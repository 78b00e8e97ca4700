package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// bundleManifestName is the manifest file a bundle directory must
// contain.
const bundleManifestName = "bundle.yaml"

// manifest is the on-disk shape of bundle.yaml.
type manifest struct {
	Name      string             `yaml:"name"`
	Version   string             `yaml:"version"`
	Helpers   []Helper           `yaml:"helpers"`
	RegoRules []manifestRegoRule `yaml:"rego_rules"`
	ExprRules []manifestExprRule `yaml:"expr_rules"`
}

type manifestRegoRule struct {
	Name     string   `yaml:"name"`
	File     string   `yaml:"file"`
	Severity Severity `yaml:"severity"`
	Enabled  *bool    `yaml:"enabled"`
}

type manifestExprRule struct {
	Name        string   `yaml:"name"`
	Code        string   `yaml:"code"`
	When        string   `yaml:"when"`
	Severity    Severity `yaml:"severity"`
	Message     string   `yaml:"message"`
	Remediation string   `yaml:"remediation"`
	Enabled     *bool    `yaml:"enabled"`
}

// Loader reads rule bundles from disk and optionally watches them for
// changes.
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a bundle loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "bundle-loader").Logger()}
}

// Load reads and validates the bundle in dir. The directory must hold
// a bundle.yaml manifest; rego sources are read from the files the
// manifest names, relative to dir.
func (l *Loader) Load(dir string) (*Bundle, error) {
	raw, err := os.ReadFile(filepath.Join(dir, bundleManifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle manifest: %w", err)
	}

	var m manifest
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse bundle manifest: %w", err)
	}

	if m.Name == "" {
		return nil, fmt.Errorf("bundle manifest is missing a name")
	}
	if m.Version == "" {
		return nil, fmt.Errorf("bundle manifest is missing a version")
	}

	bundle := &Bundle{
		Name:     m.Name,
		Version:  m.Version,
		Helpers:  m.Helpers,
		LoadedAt: time.Now(),
	}

	seen := map[string]bool{}
	for _, rr := range m.RegoRules {
		if rr.Name == "" || rr.File == "" {
			return nil, fmt.Errorf("rego rule entries need both a name and a file")
		}
		if seen[rr.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", rr.Name)
		}
		seen[rr.Name] = true

		source, err := os.ReadFile(filepath.Join(dir, rr.File))
		if err != nil {
			return nil, fmt.Errorf("failed to read rego source for rule %q: %w", rr.Name, err)
		}
		if regoPackageName(string(source)) == "" {
			return nil, fmt.Errorf("rego rule %q has no package declaration", rr.Name)
		}

		bundle.RegoRules = append(bundle.RegoRules, RegoRule{
			Name:     rr.Name,
			Source:   string(source),
			Severity: rr.Severity,
			Enabled:  rr.Enabled == nil || *rr.Enabled,
		})
	}

	helperSeen := map[string]bool{}
	for _, h := range m.Helpers {
		if h.Name == "" || h.Expr == "" {
			return nil, fmt.Errorf("helper entries need both a name and an expression")
		}
		if helperSeen[h.Name] {
			return nil, fmt.Errorf("duplicate helper name %q", h.Name)
		}
		helperSeen[h.Name] = true
	}
	for _, er := range m.ExprRules {
		if er.Name == "" || er.When == "" {
			return nil, fmt.Errorf("expr rule entries need both a name and a condition")
		}
		if seen[er.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", er.Name)
		}
		seen[er.Name] = true

		bundle.ExprRules = append(bundle.ExprRules, ExprRule{
			Name:        er.Name,
			Code:        er.Code,
			When:        er.When,
			Severity:    er.Severity,
			Message:     er.Message,
			Remediation: er.Remediation,
			Enabled:     er.Enabled == nil || *er.Enabled,
		})
	}

	// Cycles are caught at load time so a bad bundle never reaches the
	// engine.
	if _, err := orderHelpers(bundle.Helpers); err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("bundle", bundle.Ref()).
		Int("rego_rules", len(bundle.RegoRules)).
		Int("expr_rules", len(bundle.ExprRules)).
		Int("helpers", len(bundle.Helpers)).
		Msg("Bundle loaded")

	return bundle, nil
}

// Watch reloads the bundle directory on file changes and activates it
// on the engine. Reload failures keep the previous bundle active.
// onReload, if non-nil, runs after each successful activation.
func (l *Loader) Watch(ctx context.Context, dir string, engine *Engine, onReload func(*Bundle)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch bundle directory: %w", err)
	}
	l.watcher = watcher

	go l.processEvents(ctx, dir, engine, onReload)

	l.logger.Info().Str("dir", dir).Msg("Watching bundle directory")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, dir string, engine *Engine, onReload func(*Bundle)) {
	var reloadTimer *time.Timer
	const reloadDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Bundle file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				l.reload(ctx, dir, engine, onReload)
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, dir string, engine *Engine, onReload func(*Bundle)) {
	bundle, err := l.Load(dir)
	if err != nil {
		l.logger.Error().Err(err).Msg("Bundle reload failed, keeping previous bundle")
		return
	}
	if err := engine.SetBundle(ctx, bundle); err != nil {
		l.logger.Error().Err(err).Str("bundle", bundle.Ref()).Msg("Bundle compile failed, keeping previous bundle")
		return
	}
	if onReload != nil {
		onReload(bundle)
	}
}
