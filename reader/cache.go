package reader

import (
	"fmt"
	"os"
	"path/filepath"

	"klineflow/logger"

	"gopkg.in/yaml.v3"
)

// Cache maps `{symbol}_{data_type}` keys to the first year with archives.
// It is a hint: values may be stale and are re-validated by the pipeline.
// Cache is not safe for concurrent use; only the orchestrating goroutine
// touches it.
type Cache struct {
	path  string
	years map[string]int
	dirty bool
}

// LoadCache reads the cache file at path and merges it over defaults. A
// missing or unreadable file yields the defaults only.
func LoadCache(path string, defaults map[string]int) *Cache {
	c := &Cache{path: path, years: make(map[string]int, len(defaults))}
	for k, v := range defaults {
		c.years[k] = v
	}
	if path == "" {
		return c
	}

	log := logger.GetLogger().WithComponent("cache").WithFields(logger.Fields{"path": path})
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("failed to read start year cache, using defaults")
		}
		return c
	}

	var stored map[string]int
	if err := yaml.Unmarshal(data, &stored); err != nil {
		log.WithError(err).Warn("failed to parse start year cache, using defaults")
		return c
	}
	for k, v := range stored {
		c.years[k] = v
	}
	log.WithFields(logger.Fields{"entries": len(stored)}).Debug("start year cache loaded")
	return c
}

// Get returns the cached year for key. Zero values count as absent.
func (c *Cache) Get(key string) (int, bool) {
	y, ok := c.years[key]
	return y, ok && y != 0
}

func (c *Cache) Set(key string, year int) {
	if c.years[key] == year {
		return
	}
	c.years[key] = year
	c.dirty = true
}

// Invalidate drops key so the next estimation probes again.
func (c *Cache) Invalidate(key string) {
	if _, ok := c.years[key]; !ok {
		return
	}
	delete(c.years, key)
	c.dirty = true
}

// Entries returns a copy of the cached mapping.
func (c *Cache) Entries() map[string]int {
	out := make(map[string]int, len(c.years))
	for k, v := range c.years {
		out[k] = v
	}
	return out
}

// Save writes the cache when it changed since loading.
func (c *Cache) Save() error {
	if !c.dirty || c.path == "" {
		return nil
	}
	data, err := yaml.Marshal(c.years)
	if err != nil {
		return fmt.Errorf("failed to encode start year cache: %w", err)
	}
	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write start year cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace start year cache: %w", err)
	}
	c.dirty = false
	return nil
}
