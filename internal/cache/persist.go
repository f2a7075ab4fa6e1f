package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// cacheDocument 单个工作目录的缓存文件结构
// cacheDocument is the single JSON document persisted per working directory.
type cacheDocument struct {
	Version int      `json:"version"`
	Entries []*Entry `json:"entries"`
	Stats   Stats    `json:"stats"`
}

const cacheDocumentVersion = 1

// Persister saves and restores the cache against one file path.
type Persister struct {
	fs   *afero.Afero
	path string
}

func NewPersister(fs *afero.Afero, path string) *Persister {
	return &Persister{fs: fs, path: path}
}

// Save writes all live entries plus aggregate stats. Entries already expired
// at save time are dropped.
func (p *Persister) Save(c *Cache) error {
	c.mu.Lock()
	now := c.now()
	doc := cacheDocument{Version: cacheDocumentVersion, Stats: c.stats}
	for _, entry := range c.entries {
		if now.After(entry.Expires) {
			continue
		}
		doc.Entries = append(doc.Entries, entry)
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	if err := p.fs.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := p.fs.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	return nil
}

// Load restores persisted entries into the cache, skipping entries that have
// expired since the save. A missing file is not an error.
func (p *Persister) Load(c *Cache) error {
	data, err := p.fs.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cache file: %w", err)
	}

	var doc cacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse cache file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	restored := 0
	for _, entry := range doc.Entries {
		if entry == nil || entry.Key == "" || now.After(entry.Expires) {
			continue
		}
		c.entries[entry.Key] = entry
		restored++
	}
	c.stats = doc.Stats
	c.logger.Debug("cache restored", "entries", restored, "path", p.path)
	return nil
}
