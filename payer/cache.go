package payer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// ChannelCache remembers the payer's last used channel id on disk so a
// restarted payer resumes its open channel instead of opening a new one.
// A cache entry is a hint, never a source of truth: the sequencer is always
// re-queried for the channel's actual state, and entries are dropped the
// moment a payment against them is rejected.
type ChannelCache struct {
	mu   sync.Mutex
	path string
}

type cacheFile struct {
	// Channels maps owner address to last used channel id.
	Channels map[string]string `json:"channels"`
}

// NewChannelCache creates a cache backed by the given file path.
func NewChannelCache(path string) *ChannelCache {
	return &ChannelCache{path: path}
}

// Get returns the cached channel id for an owner, or "".
func (c *ChannelCache) Get(owner string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load().Channels[owner]
}

// Put records the owner's channel id.
func (c *ChannelCache) Put(owner, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	file := c.load()
	file.Channels[owner] = channelID
	return c.save(file)
}

// Invalidate drops the owner's cached channel id.
func (c *ChannelCache) Invalidate(owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	file := c.load()
	if _, ok := file.Channels[owner]; !ok {
		return nil
	}
	delete(file.Channels, owner)
	return c.save(file)
}

func (c *ChannelCache) load() cacheFile {
	file := cacheFile{Channels: make(map[string]string)}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return file
	}
	if err := json.Unmarshal(data, &file); err != nil || file.Channels == nil {
		file.Channels = make(map[string]string)
	}
	return file
}

func (c *ChannelCache) save(file cacheFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
