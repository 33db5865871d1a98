// Package session manages the on-disk RETS session/capability cache
// described in spec.md §4.1 and §6.5. The file, rets-capabilities.json,
// is written directly under the configured data directory, not under a
// cache/ subdirectory of it.
//
// Session is passed explicitly through every component that needs one
// (DESIGN NOTES §9: "reject a process-global session"); this package only
// owns the disk cache, not process-wide state.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileName = "rets-capabilities.json"

// Session is the authenticated RETS session: the concatenated cookie
// header value and the capability-name -> URL map returned by login.
type Session struct {
	Cookie       string            `json:"sessionId"`
	Expires      time.Time         `json:"sessionExpires"`
	Capabilities map[string]string `json:"capabilities"`
}

func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.Expires)
}

func (s Session) Capability(name string) (string, bool) {
	url, ok := s.Capabilities[name]
	return url, ok
}

// Cache reads/writes the session file under a data directory, guarded by a
// mutex so the concurrent C5/C6/C10/C11 goroutines in one process can't
// race on the read-check-write sequence in Load/Store. The teacher's
// internal/dirlock (a cross-process file lock) has no role here: this
// service runs as a single long-lived process, never multiple processes
// sharing a data directory, so there's no cross-process race to guard.
type Cache struct {
	path string
	mu   sync.Mutex
}

func NewCache(dataDir string) *Cache {
	return &Cache{path: filepath.Join(dataDir, fileName)}
}

// Load returns the cached session if present and unexpired as of now.
func (c *Cache) Load(now time.Time) (Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// #nosec G304 -- path is derived from the configured data directory.
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, false, fmt.Errorf("decode session cache %s: %w", c.path, err)
	}
	if s.Expired(now) {
		return Session{}, false, nil
	}
	return s, true, nil
}

// Store persists a session, replacing any cached one. Writes go to a
// temp file then rename, matching the teacher's atomic-write-then-rename
// idiom used throughout internal/rcloneconfig.
func (c *Cache) Store(s Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// Clear removes the cache file, used by logout.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := os.Remove(c.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
