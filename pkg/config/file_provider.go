package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-gateway/pkg/domain"
)

const defaultReloadDebounce = 100 * time.Millisecond

// APIFileProviderConfig holds dependencies for creating an APIFileProvider.
type APIFileProviderConfig struct {
	Path string
	// Debounce collapses bursts of file events into one reload.
	Debounce time.Duration
	// OnError is called when a changed file cannot be loaded.
	OnError func(error)
	Logger  *slog.Logger
}

// APIFileProvider serves the API definitions of a local file and publishes a new
// set whenever the file changes. A file that fails to load is ignored and the
// previous definitions stay current.
type APIFileProvider struct {
	path     string
	debounce time.Duration
	onError  func(error)
	logger   *slog.Logger

	mu          sync.RWMutex
	apis        []*domain.APIDefinition
	subscribers []chan []*domain.APIDefinition

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewAPIFileProvider loads the file and starts watching it.
func NewAPIFileProvider(cfg APIFileProviderConfig) (*APIFileProvider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	apis, err := LoadAPIs(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files on save, so the directory is watched.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &APIFileProvider{
		path:     absPath,
		debounce: debounce,
		onError:  cfg.OnError,
		logger:   logger,
		apis:     apis,
		watcher:  watcher,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go p.watchLoop(ctx)

	return p, nil
}

// Path returns the watched file.
func (p *APIFileProvider) Path() string {
	return p.path
}

// Current returns the last successfully loaded definitions.
func (p *APIFileProvider) Current() []*domain.APIDefinition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.apis
}

// Subscribe returns a channel that receives the current definitions and then
// every reloaded set. A slow subscriber only sees the latest set.
func (p *APIFileProvider) Subscribe() <-chan []*domain.APIDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan []*domain.APIDefinition, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.apis
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (p *APIFileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	return err
}

func (p *APIFileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				p.reload()
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("api file watcher error", "path", p.path, "error", err)
		}
	}
}

func (p *APIFileProvider) reload() {
	apis, err := LoadAPIs(p.path)
	if err != nil {
		p.logger.Error("failed to reload api definitions", "path", p.path, "error", err)
		if p.onError != nil {
			p.onError(err)
		}
		return
	}

	p.mu.Lock()
	p.apis = apis
	for _, ch := range p.subscribers {
		// Keep only the newest set for slow consumers.
		select {
		case <-ch:
		default:
		}
		ch <- apis
	}
	p.mu.Unlock()

	p.logger.Info("api definitions reloaded", "path", p.path, "apis", len(apis))
}
