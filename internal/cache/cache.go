// Package cache is the fast first-paint tier: one JSON snapshot file per
// logical collection, replaced wholesale after every successful sync pull.
// It never originates data and is purely advisory; a miss (or a corrupt
// snapshot) falls back to the durable store, never to an error.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Snapshot keys, one per logical list.
const (
	KeyConversations = "conversations"
	KeyUsers         = "users"
	KeyGroups        = "groups"
)

// Cache stores JSON snapshots under a directory, one file per key.
type Cache struct {
	dir string
	log *zap.Logger
}

// New creates a cache rooted at dir.
func New(dir string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{dir: dir, log: logger}
}

// Replace atomically overwrites the snapshot for key. Partial patches do not
// exist at this tier: the file is written whole and swapped in with a rename,
// so a concurrent reader sees either the old or the new snapshot.
func (c *Cache) Replace(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return err
	}
	path := c.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads the snapshot for key into v. Returns false when no usable
// snapshot exists; a missing or corrupt file is a miss, never an error.
func (c *Cache) Load(key string, v any) bool {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.log.Warn("discarding corrupt cache snapshot",
			zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Remove deletes the snapshot for key. Removing a missing snapshot is fine.
func (c *Cache) Remove(key string) {
	_ = os.Remove(c.path(key))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}
