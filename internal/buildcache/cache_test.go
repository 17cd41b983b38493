package buildcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(dst, content string) error {
	return os.WriteFile(filepath.Join(dst, "bitcoind"), []byte(content), 0755)
}

func TestGetOrBuildMissThenHit(t *testing.T) {
	c, err := New(t.TempDir(), true)
	require.NoError(t, err)
	key := NewKey("abc123", "gcc", "")

	builds := 0
	build := func(dst string) error {
		builds++
		return writeArtifact(dst, "binary")
	}

	art, err := c.GetOrBuild(key, build)
	require.NoError(t, err)
	assert.False(t, art.Cached)
	assert.Equal(t, 1, builds)
	assert.FileExists(t, filepath.Join(art.Dir, "bitcoind"))

	art, err = c.GetOrBuild(key, build)
	require.NoError(t, err)
	assert.True(t, art.Cached)
	assert.Equal(t, 1, builds)
}

func TestFailedBuildNeverCached(t *testing.T) {
	c, err := New(t.TempDir(), true)
	require.NoError(t, err)
	key := NewKey("abc123", "gcc", "")

	_, err = c.GetOrBuild(key, func(dst string) error {
		// Simulate a partial build before failing.
		_ = writeArtifact(dst, "partial")
		return fmt.Errorf("compiler exploded")
	})
	require.Error(t, err)

	// The next request must build again, and a success must stick.
	builds := 0
	art, err := c.GetOrBuild(key, func(dst string) error {
		builds++
		return writeArtifact(dst, "good")
	})
	require.NoError(t, err)
	assert.False(t, art.Cached)
	assert.Equal(t, 1, builds)
}

func TestEmptyArtifactIsAFailure(t *testing.T) {
	c, err := New(t.TempDir(), true)
	require.NoError(t, err)
	_, err = c.GetOrBuild(NewKey("abc", "gcc", ""), func(dst string) error {
		return nil // produced nothing
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty artifact")
}

func TestHitClearRebuild(t *testing.T) {
	c, err := New(t.TempDir(), true)
	require.NoError(t, err)
	key := NewKey("abc123", "clang", "-O2")

	var builds atomic.Int32
	build := func(dst string) error {
		builds.Add(1)
		return writeArtifact(dst, "binary")
	}

	_, err = c.GetOrBuild(key, build)
	require.NoError(t, err)
	_, err = c.GetOrBuild(key, build)
	require.NoError(t, err)
	assert.Equal(t, int32(1), builds.Load())

	require.NoError(t, c.Clear())

	// Exactly one rebuild after an explicit clear.
	art, err := c.GetOrBuild(key, build)
	require.NoError(t, err)
	assert.False(t, art.Cached)
	assert.Equal(t, int32(2), builds.Load())
}

func TestCorruptedEntryTreatedAsMiss(t *testing.T) {
	c, err := New(t.TempDir(), true)
	require.NoError(t, err)
	key := NewKey("abc123", "gcc", "")

	art, err := c.GetOrBuild(key, func(dst string) error {
		return writeArtifact(dst, "binary")
	})
	require.NoError(t, err)

	// Empty the artifact dir behind the cache's back.
	require.NoError(t, os.RemoveAll(filepath.Join(art.Dir, "bitcoind")))

	rebuilt := false
	art, err = c.GetOrBuild(key, func(dst string) error {
		rebuilt = true
		return writeArtifact(dst, "binary")
	})
	require.NoError(t, err)
	assert.True(t, rebuilt)
	assert.False(t, art.Cached)
}

func TestConcurrentSameKeySingleBuild(t *testing.T) {
	c, err := New(t.TempDir(), true)
	require.NoError(t, err)
	key := NewKey("abc123", "gcc", "")

	var builds atomic.Int32
	build := func(dst string) error {
		builds.Add(1)
		time.Sleep(50 * time.Millisecond)
		return writeArtifact(dst, "binary")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrBuild(key, build)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), builds.Load())
}

func TestConcurrentDistinctKeysProceedIndependently(t *testing.T) {
	c, err := New(t.TempDir(), true)
	require.NoError(t, err)

	var builds atomic.Int32
	var wg sync.WaitGroup
	for _, compiler := range []string{"gcc", "clang"} {
		wg.Add(1)
		go func(compiler string) {
			defer wg.Done()
			_, err := c.GetOrBuild(NewKey("abc", compiler, ""), func(dst string) error {
				builds.Add(1)
				return writeArtifact(dst, compiler)
			})
			assert.NoError(t, err)
		}(compiler)
	}
	wg.Wait()
	assert.Equal(t, int32(2), builds.Load())
}

func TestDisabledCacheAlwaysBuilds(t *testing.T) {
	c, err := New(t.TempDir(), false)
	require.NoError(t, err)
	key := NewKey("abc123", "gcc", "")

	builds := 0
	build := func(dst string) error {
		builds++
		return writeArtifact(dst, "binary")
	}
	_, err = c.GetOrBuild(key, build)
	require.NoError(t, err)
	_, err = c.GetOrBuild(key, build)
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
}

func TestNormalizeFlags(t *testing.T) {
	assert.Equal(t, NormalizeFlags("-O2  -g"), NormalizeFlags("-g -O2"))
	assert.Equal(t, "", NormalizeFlags("   "))
	assert.NotEqual(t,
		NewKey("a", "gcc", "-O2").dirName(),
		NewKey("a", "gcc", "-O3").dirName())
	assert.Equal(t,
		NewKey("a", "gcc", "-g -O2").dirName(),
		NewKey("a", "gcc", "-O2 -g").dirName())
}
