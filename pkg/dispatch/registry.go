package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadSettleDelay = 200 * time.Millisecond

// EndpointConfig declares one endpoint in the registry file.
type EndpointConfig struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	URL     string   `json:"url,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

type registryFile struct {
	Endpoints []EndpointConfig `json:"endpoints"`
}

// LoadRegistryFile reads and validates the endpoint declarations.
func LoadRegistryFile(path string) ([]EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}

	for i, cfg := range file.Endpoints {
		if cfg.Name == "" {
			return nil, fmt.Errorf("endpoint %d: name is required", i)
		}
		switch cfg.Type {
		case "builtin":
		case "http":
			if cfg.URL == "" {
				return nil, fmt.Errorf("endpoint %s: url is required for http endpoints", cfg.Name)
			}
		case "stdio":
			if cfg.Command == "" {
				return nil, fmt.Errorf("endpoint %s: command is required for stdio endpoints", cfg.Name)
			}
		default:
			return nil, fmt.Errorf("endpoint %s: unknown type %q", cfg.Name, cfg.Type)
		}
	}
	return file.Endpoints, nil
}

// BuildEndpoints constructs endpoints from their declarations. builtinRoot
// anchors the builtin file tools.
func BuildEndpoints(cfgs []EndpointConfig, builtinRoot string) []Endpoint {
	endpoints := make([]Endpoint, 0, len(cfgs))
	for _, cfg := range cfgs {
		switch cfg.Type {
		case "builtin":
			endpoints = append(endpoints, NewBuiltinEndpoint(builtinRoot))
		case "http":
			endpoints = append(endpoints, NewHTTPEndpoint(cfg.Name, cfg.URL))
		case "stdio":
			endpoints = append(endpoints, NewStdioEndpoint(cfg.Name, cfg.Command, cfg.Args))
		}
	}
	return endpoints
}

// RegistryWatcher re-registers endpoints when the registry file changes on
// disk. A bad edit keeps the last good registry serving.
type RegistryWatcher struct {
	path        string
	builtinRoot string
	dispatcher  *Dispatcher
	watcher     *fsnotify.Watcher
	done        chan struct{}
	stopOnce    sync.Once

	debounceMu sync.Mutex
	debounce   *time.Timer
}

// NewRegistryWatcher builds a watcher for the registry file feeding d.
func NewRegistryWatcher(d *Dispatcher, path, builtinRoot string) (*RegistryWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &RegistryWatcher{
		path:        filepath.Clean(path),
		builtinRoot: builtinRoot,
		dispatcher:  d,
		watcher:     watcher,
		done:        make(chan struct{}),
	}, nil
}

// Start watches the registry file's directory. Editors replace files by
// rename, so the directory, not the file, is the stable watch target.
func (w *RegistryWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch registry dir: %w", err)
	}
	go w.eventLoop()
	log.Info().Str("path", w.path).Msg("Tool registry watcher started")
	return nil
}

// Stop stops the watcher.
func (w *RegistryWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	log.Info().Msg("Tool registry watcher stopped")
	return nil
}

func (w *RegistryWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Registry watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *RegistryWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	w.scheduleReload()
}

// scheduleReload debounces bursts of write events so a save in progress is
// read once, after it settles.
func (w *RegistryWatcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(reloadSettleDelay, func() {
		select {
		case <-w.done:
			return
		default:
			w.Reload()
		}
	})
}

// Reload re-reads the registry file and swaps the endpoint set. Load or
// registration failures leave the current set serving.
func (w *RegistryWatcher) Reload() {
	cfgs, err := LoadRegistryFile(w.path)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Registry reload skipped: file unreadable")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.dispatcher.Reload(ctx, BuildEndpoints(cfgs, w.builtinRoot)); err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Registry reload failed; keeping previous endpoints")
	}
}
