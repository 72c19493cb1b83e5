package github

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// ReadmeCache is an on-disk cache of raw README bodies keyed by repository
// and the pushed_at epoch observed when the body was fetched. A newer push
// invalidates the entry.
type ReadmeCache struct {
	dir string
}

// NewReadmeCache creates a cache rooted at dir, which must exist.
func NewReadmeCache(dir string) *ReadmeCache {
	return &ReadmeCache{dir: dir}
}

type readmeCacheEntry struct {
	PushedAtEpoch int64  `json:"pushed_at_epoch"`
	Body          string `json:"body"`
}

// Get returns the cached body when the entry exists and matches the given
// pushed_at. A cache miss returns ok=false, never an error.
func (c *ReadmeCache) Get(nameWithOwner string, pushedAt int64) (string, bool) {
	data, err := os.ReadFile(c.path(nameWithOwner))
	if err != nil {
		return "", false
	}

	var entry readmeCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", false
	}
	if entry.PushedAtEpoch != pushedAt {
		return "", false
	}
	return entry.Body, true
}

// Put stores a body for the given repository and push epoch. Write failures
// are swallowed; the cache is advisory.
func (c *ReadmeCache) Put(nameWithOwner string, pushedAt int64, body string) {
	data, err := json.Marshal(readmeCacheEntry{PushedAtEpoch: pushedAt, Body: body})
	if err != nil {
		return
	}
	_ = os.WriteFile(c.path(nameWithOwner), data, 0600)
}

// path flattens owner/name into a single safe filename.
func (c *ReadmeCache) path(nameWithOwner string) string {
	safe := strings.ReplaceAll(nameWithOwner, "/", "__")
	return filepath.Join(c.dir, safe+".json")
}
