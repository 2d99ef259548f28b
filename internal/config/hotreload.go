package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/logger"
	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultReloadDebounce lets editors and atomic renames finish before the file is read
const DefaultReloadDebounce = 250 * time.Millisecond

// HotReloadManager manages hot reloading of configuration
type HotReloadManager struct {
	config     *Config
	mu         sync.RWMutex
	reloadFunc func(*Config) error

	reloadMu sync.Mutex
	digest   uint64 // xxhash of the last file content read; 0 until the first change
}

// NewHotReloadManager creates a new hot reload manager
func NewHotReloadManager(initialConfig *Config, reloadFunc func(*Config) error) *HotReloadManager {
	return &HotReloadManager{
		config:     initialConfig,
		reloadFunc: reloadFunc,
	}
}

// GetConfig returns the current configuration (thread-safe)
func (h *HotReloadManager) GetConfig() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdateConfig updates the configuration (thread-safe)
func (h *HotReloadManager) UpdateConfig(newConfig *Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Validate new configuration
	if err := validateConfig(newConfig); err != nil {
		return err
	}

	// Call reload function if provided
	if h.reloadFunc != nil {
		if err := h.reloadFunc(newConfig); err != nil {
			return err
		}
	}

	// Update configuration
	h.config = newConfig
	return nil
}

// WatchConfigFile applies configPath whenever it changes, once events have been quiet
// for debounce. The parent directory is watched so files replaced by rename are seen.
// Invalid files are logged and the running configuration is kept.
func (h *HotReloadManager) WatchConfigFile(ctx context.Context, configPath string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	target, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(target)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	logger.Info("watching configuration file", zap.String("path", target))

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			logger.Debug("config file changed", zap.String("path", target), zap.Stringer("op", ev.Op))

			// Debounce: reset the timer if we get another event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				if ctx.Err() == nil {
					h.reload(target)
				}
			})

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			metrics.ConfigRefreshErrors.WithLabelValues("file").Inc()
			logger.Warn("config watcher error", zap.String("path", target), zap.Error(err))

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reload reads configPath and applies it unless its content is unchanged
func (h *HotReloadManager) reload(configPath string) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	data, err := os.ReadFile(configPath)
	if err != nil {
		metrics.ConfigRefreshErrors.WithLabelValues("file").Inc()
		logger.Warn("config file read failed", zap.String("path", configPath), zap.Error(err))
		return
	}
	digest := xxhash.Sum64(data)
	if digest == h.digest {
		return
	}
	h.digest = digest

	newConfig, err := Parse(data)
	if err != nil {
		metrics.ConfigRefreshErrors.WithLabelValues("file").Inc()
		logger.Warn("config reload rejected, keeping current configuration",
			zap.String("path", configPath),
			zap.Error(err),
		)
		return
	}

	if err := h.UpdateConfig(newConfig); err != nil {
		metrics.ConfigRefreshErrors.WithLabelValues("apply").Inc()
		logger.Warn("config apply failed", zap.String("path", configPath), zap.Error(err))
		return
	}
	logger.Info("configuration reloaded", zap.String("path", configPath))
}
