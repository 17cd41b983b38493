// Package buildcache caches built artifact directories keyed by
// (revision, compiler, normalized flags).
package buildcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Key identifies one cached artifact.
type Key struct {
	SHA      string
	Compiler string
	Flags    string
}

// NewKey builds a key with normalized flags, so flag ordering and
// spacing do not fragment the cache.
func NewKey(sha, compiler, flags string) Key {
	return Key{SHA: sha, Compiler: compiler, Flags: NormalizeFlags(flags)}
}

// NormalizeFlags sorts and re-joins a flag string.
func NormalizeFlags(flags string) string {
	fields := strings.Fields(flags)
	sort.Strings(fields)
	return strings.Join(fields, " ")
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%s-%s", k.SHA, k.Compiler, k.Flags)
}

// dirName is the on-disk directory for the key. Flags are hashed to keep
// path characters sane.
func (k Key) dirName() string {
	name := k.SHA + "-" + k.Compiler
	if k.Flags != "" {
		sum := sha256.Sum256([]byte(k.Flags))
		name += "-" + hex.EncodeToString(sum[:8])
	}
	return name
}

// Artifact is an immutable built artifact directory.
type Artifact struct {
	Key    Key
	Dir    string
	Cached bool
}

// BuildFunc produces an artifact into dst. It must leave dst non-empty
// on success.
type BuildFunc func(dst string) error

// Cache is the content-addressed artifact store. With caching disabled
// the same code path is used but hits are never served, so every request
// builds; the caller is expected to point the root at run-scoped scratch
// space in that case.
type Cache struct {
	root    string
	enabled bool
	group   singleflight.Group
}

// New opens (creating if needed) a cache rooted at root.
func New(root string, enabled bool) (*Cache, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("unable to create build cache at %s: %w", root, err)
	}
	return &Cache{root: root, enabled: enabled}, nil
}

// Root returns the cache's base directory.
func (c *Cache) Root() string { return c.root }

// GetOrBuild returns the cached artifact for key or invokes build to
// produce it. Only successful builds are inserted. Concurrent requests
// for the same key share a single build; different keys proceed
// independently.
func (c *Cache) GetOrBuild(key Key, build BuildFunc) (*Artifact, error) {
	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		dir := filepath.Join(c.root, key.dirName())

		if c.enabled && c.intact(dir) {
			klog.Infof("build cache hit for %s", key)
			return &Artifact{Key: key, Dir: dir, Cached: true}, nil
		}

		// Stale or partial leftovers are a miss, never an error.
		if err := os.RemoveAll(dir); err != nil {
			return nil, err
		}

		tmp, err := os.MkdirTemp(c.root, ".building-")
		if err != nil {
			return nil, err
		}
		if err := build(tmp); err != nil {
			os.RemoveAll(tmp)
			return nil, err
		}
		if !c.intact(tmp) {
			os.RemoveAll(tmp)
			return nil, fmt.Errorf("build for %s produced an empty artifact", key)
		}
		if err := os.Rename(tmp, dir); err != nil {
			os.RemoveAll(tmp)
			return nil, err
		}
		return &Artifact{Key: key, Dir: dir}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

// intact is the cheap integrity check: the artifact directory exists and
// is non-empty.
func (c *Cache) intact(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// Clear evicts every cached artifact. Eviction is only ever explicit.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, e.Name())); err != nil {
			return err
		}
	}
	klog.Infof("cleared build cache at %s", c.root)
	return nil
}
