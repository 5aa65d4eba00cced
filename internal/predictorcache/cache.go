// Package predictorcache implements the Predictor Cache (C2): a
// process-wide registry of loaded ML predictors keyed by model identity,
// with idle-timeout eviction. Each worker child process owns its own
// instance — the cache is never shared across process boundaries.
package predictorcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Predictor is an opaque loaded model handle. The engine never inspects
// its contents; the concrete ML loading/inference logic lives outside
// this repository's scope.
type Predictor interface {
	// Release frees any native resources held by the predictor.
	Release()
}

// Loader discovers and loads predictor heads from a models directory. The
// concrete implementation (actual ML framework bindings) is injected by
// the caller; the cache only orchestrates lifetime.
type Loader interface {
	Discover(modelsDir string) ([]HeadInfo, error)
	Load(head HeadInfo) (Predictor, error)
}

// HeadInfo identifies one loadable model head.
type HeadInfo struct {
	Name     string
	Backbone string
	HeadType string
}

// Key returns the composite cache key for a head, matching the original's
// "{name}::{backbone}::{head_type}" convention.
func (h HeadInfo) Key() string {
	return strings.Join([]string{h.Name, h.Backbone, h.HeadType}, "::")
}

// Cache is the process-wide predictor registry.
type Cache struct {
	mu            sync.Mutex
	loader        Loader
	initialized   bool
	lastAccessMs  int64
	entries       map[string]Predictor
	autoEvict     bool
	idleTimeout   time.Duration
}

// New creates an empty, uninitialized cache.
func New(loader Loader, autoEvict bool, idleTimeout time.Duration) *Cache {
	return &Cache{
		loader:      loader,
		entries:     make(map[string]Predictor),
		autoEvict:   autoEvict,
		idleTimeout: idleTimeout,
	}
}

// Warmup discovers every head under modelsDir and loads it, populating the
// cache. It is idempotent: if already initialized, it returns the current
// size without reloading anything.
func (c *Cache) Warmup(modelsDir string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return len(c.entries), nil
	}

	if _, err := os.Stat(modelsDir); err != nil {
		return 0, fmt.Errorf("models dir %s: %w", modelsDir, err)
	}

	heads, err := c.loader.Discover(modelsDir)
	if err != nil {
		return 0, fmt.Errorf("discovering heads under %s: %w", modelsDir, err)
	}

	var loadErrs []string
	for _, h := range heads {
		predictor, err := c.loader.Load(h)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Sprintf("%s: %v", h.Key(), err))
			continue
		}
		c.entries[h.Key()] = predictor
	}

	c.initialized = true
	c.touchLocked()

	if len(loadErrs) > 0 && len(c.entries) == 0 {
		return 0, fmt.Errorf("warmup: all %d heads failed to load: %s", len(heads), strings.Join(loadErrs, "; "))
	}
	return len(c.entries), nil
}

// Touch refreshes the last-access timestamp, signaling the cache is in use.
func (c *Cache) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchLocked()
}

func (c *Cache) touchLocked() {
	c.lastAccessMs = time.Now().UnixMilli()
}

// Get returns a loaded predictor by composite key.
func (c *Cache) Get(key string) (Predictor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchLocked()
	p, ok := c.entries[key]
	return p, ok
}

// IdleFor reports how long the cache has sat untouched.
func (c *Cache) IdleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAccessMs == 0 {
		return 0
	}
	return time.Since(time.UnixMilli(c.lastAccessMs))
}

// CheckAndEvictIfIdle evicts the cache if auto-eviction is enabled, a
// positive timeout is configured, and the idle duration exceeds it.
// Returns whether eviction occurred.
func (c *Cache) CheckAndEvictIfIdle() bool {
	c.mu.Lock()
	if !c.autoEvict || c.idleTimeout <= 0 || !c.initialized || len(c.entries) == 0 {
		c.mu.Unlock()
		return false
	}
	idle := time.Since(time.UnixMilli(c.lastAccessMs))
	shouldEvict := idle > c.idleTimeout
	c.mu.Unlock()

	if !shouldEvict {
		return false
	}
	c.Clear()
	return true
}

// Clear unconditionally releases every cached predictor and resets state.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	for _, p := range c.entries {
		p.Release()
	}
	c.entries = make(map[string]Predictor)
	c.initialized = false
	c.lastAccessMs = 0
	return n
}

// Size returns the number of currently loaded predictors.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// DiscoverByExtension is a filesystem-only Loader.Discover helper: it walks
// modelsDir one level deep and treats each subdirectory as one head named
// after itself, with backbone/head-type parsed from "<backbone>_<headtype>"
// directory naming. Concrete ML loaders may replace this with a manifest-driven scheme.
func DiscoverByExtension(modelsDir string) ([]HeadInfo, error) {
	entries, err := os.ReadDir(modelsDir)
	if err != nil {
		return nil, err
	}
	var heads []HeadInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		parts := strings.SplitN(name, "_", 2)
		backbone, headType := name, "default"
		if len(parts) == 2 {
			backbone, headType = parts[0], parts[1]
		}
		heads = append(heads, HeadInfo{
			Name:     name,
			Backbone: backbone,
			HeadType: headType,
		})
	}
	return heads, nil
}

// JoinModelPath is a small helper kept alongside the discovery function for
// callers that need the on-disk path of a discovered head.
func JoinModelPath(modelsDir string, h HeadInfo) string {
	return filepath.Join(modelsDir, h.Name)
}
