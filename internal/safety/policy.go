package safety

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher could not be created.
var ErrWatcherFailed = errors.New("failed to initialize policy watcher")

const maxPolicyFileSize = 64 * 1024

// LoadPolicy reads a YAML limits file. Keys absent from the file take their
// default values.
func LoadPolicy(path string) (Limits, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Limits{}, fmt.Errorf("stat policy file: %w", err)
	}
	if info.Size() > maxPolicyFileSize {
		return Limits{}, fmt.Errorf("policy file too large: %d bytes (max %d)", info.Size(), maxPolicyFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, fmt.Errorf("read policy file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return Limits{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	var l Limits
	if err := k.Unmarshal("", &l); err != nil {
		return Limits{}, fmt.Errorf("unmarshal policy: %w", err)
	}
	l.ApplyDefaults()
	if err := l.Validate(); err != nil {
		return Limits{}, err
	}
	return l, nil
}

// PolicyWatcher reloads a limits file into a Validator whenever it changes.
// A file that fails to parse or validate is logged and the previous limits
// stay in force.
type PolicyWatcher struct {
	path      string
	validator *Validator
	watcher   *fsnotify.Watcher
	logger    *zap.Logger

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewPolicyWatcher creates a watcher for path. The file is loaded once
// immediately.
func NewPolicyWatcher(path string, v *Validator, logger *zap.Logger) (*PolicyWatcher, error) {
	if v == nil {
		return nil, errors.New("validator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limits, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	if err := v.SetLimits(limits); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	// Watch the directory so atomic renames by editors are seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	return &PolicyWatcher{
		path:      path,
		validator: v,
		watcher:   w,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start processes filesystem events until ctx is cancelled or Stop is called.
// Calls after the first are no-ops.
func (p *PolicyWatcher) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.started.Store(true)
		go p.run(ctx)
	})
}

// Stop releases the watcher and, if Start was called, waits for the loop to
// exit.
func (p *PolicyWatcher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		_ = p.watcher.Close()
	})
	if p.started.Load() {
		<-p.done
	}
}

func (p *PolicyWatcher) run(ctx context.Context) {
	defer close(p.done)
	target := filepath.Clean(p.path)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.reload()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (p *PolicyWatcher) reload() {
	limits, err := LoadPolicy(p.path)
	if err != nil {
		p.logger.Warn("ignoring invalid safety policy", zap.String("path", p.path), zap.Error(err))
		return
	}
	if err := p.validator.SetLimits(limits); err != nil {
		p.logger.Warn("ignoring invalid safety policy", zap.String("path", p.path), zap.Error(err))
		return
	}
	p.logger.Info("safety policy reloaded",
		zap.String("path", p.path),
		zap.Float64("min_confidence", limits.MinConfidence),
		zap.Int("max_concurrent_actions", limits.MaxConcurrentActions),
	)
}
