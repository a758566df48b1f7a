// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// Loader resolves the agent configuration and watches the backing file for
// changes. Resolution order, lowest to highest precedence: built-in defaults,
// YAML file, SENTINEL_* environment variables.
type Loader struct {
	path   string
	logger logr.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	changes chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLoader creates a loader for the config file at path. An empty path means
// no file: defaults plus environment only, and Watch is a no-op.
func NewLoader(path string, logger logr.Logger) *Loader {
	return &Loader{
		path:    path,
		logger:  logger.WithName("config.loader"),
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Load resolves a fresh Config. It is called at startup and again on every
// reload; each call re-reads the file and environment.
func (l *Loader) Load() (Config, error) {
	cfg := Config{}

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", l.path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", l.path, err)
		}
	}

	applyEnvironment(&cfg, l.logger)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvironment overrides file values with SENTINEL_* environment
// variables. Unparseable values are logged and ignored.
func applyEnvironment(cfg *Config, logger logr.Logger) {
	if v := os.Getenv("SENTINEL_COLLECTOR_ENDPOINT"); v != "" {
		cfg.Collector.Endpoint = v
	}
	if v := os.Getenv("SENTINEL_COLLECTOR_TOKEN"); v != "" {
		cfg.Collector.Token = v
	}
	if v := os.Getenv("SENTINEL_SOURCE"); v != "" {
		cfg.Source.Type = v
	}
	if v := os.Getenv("SENTINEL_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Interval = time.Duration(secs) * time.Second
		} else if d, err := time.ParseDuration(v); err == nil {
			cfg.Interval = d
		} else {
			logger.Info("ignoring unparseable SENTINEL_INTERVAL", "value", v)
		}
	}
}

// Watch starts watching the config file's directory and returns a channel
// that receives a notification whenever the file is written or recreated.
// The channel carries at most one pending notification; coalescing is fine
// because the agent re-reads the whole file on reload.
func (l *Loader) Watch() (<-chan struct{}, error) {
	if l.path == "" {
		return l.changes, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return l.changes, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config management
	// tools replace the file, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		if cerr := watcher.Close(); cerr != nil {
			l.logger.Error(cerr, "failed to close fs watcher")
		}
		return nil, fmt.Errorf("failed to add watch: %w", err)
	}
	l.watcher = watcher

	l.wg.Add(1)
	go l.processEvents()

	return l.changes, nil
}

// Close stops the file watcher.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.wg.Wait()
	l.watcher = nil
	return err
}

func (l *Loader) processEvents() {
	defer l.wg.Done()

	target := filepath.Clean(l.path)
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				l.logger.V(1).Info("config file changed", "op", event.Op.String())
				select {
				case l.changes <- struct{}{}:
				default:
					// A reload is already pending.
				}
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error(err, "filesystem watcher error")
		}
	}
}
