package gitutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"

	"github.com/chainbench/chainbench/internal/config"
)

type upstream struct {
	dir  string
	repo *git.Repository
	shas map[string]string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return &upstream{dir: dir, repo: repo, shas: map[string]string{}}
}

func (u *upstream) commit(t *testing.T, name, file, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(u.dir, file), []byte(content), 0644))
	wt, err := u.repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(file)
	require.NoError(t, err)
	sha, err := wt.Commit(name, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "tester",
			Email: "tester@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)
	u.shas[name] = sha.String()
	return sha.String()
}

func (u *upstream) branch(t *testing.T, name string) {
	t.Helper()
	wt, err := u.repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	}))
}

func (u *upstream) checkout(t *testing.T, name string) {
	t.Helper()
	wt, err := u.repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
	}))
}

func newTestResolver(t *testing.T, u *upstream) *Resolver {
	r := NewResolver(u.dir, filepath.Join(t.TempDir(), "cache.git"), true)
	r.Retries = 0
	r.Backoff = time.Millisecond
	return r
}

func TestResolveBranchAndSHA(t *testing.T) {
	u := newUpstream(t)
	first := u.commit(t, "first", "a.txt", "a")
	second := u.commit(t, "second", "b.txt", "b")

	r := newTestResolver(t, u)
	ctx := context.Background()

	co, err := r.Resolve(ctx, config.RevisionSpec{Gitref: "master"})
	require.NoError(t, err)
	assert.Equal(t, second, co.SHA)
	assert.Equal(t, "master", co.Name)
	assert.Equal(t, "second", co.CommitMsg)

	co, err = r.Resolve(ctx, config.RevisionSpec{Gitref: first})
	require.NoError(t, err)
	assert.Equal(t, first, co.SHA)
}

func TestResolveUnknownRef(t *testing.T) {
	u := newUpstream(t)
	u.commit(t, "first", "a.txt", "a")

	r := newTestResolver(t, u)
	_, err := r.Resolve(context.Background(), config.RevisionSpec{Gitref: "no-such-branch"})
	require.Error(t, err)
	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, "no-such-branch", resErr.Ref)
}

func TestResolveMergeBase(t *testing.T) {
	u := newUpstream(t)
	base := u.commit(t, "base", "a.txt", "a")
	u.branch(t, "feature")
	u.commit(t, "feature work", "f.txt", "f")
	u.checkout(t, "master")
	u.commit(t, "master work", "m.txt", "m")

	r := newTestResolver(t, u)
	co, err := r.Resolve(context.Background(),
		config.RevisionSpec{Gitref: "$mergebase(feature)"})
	require.NoError(t, err)
	assert.Equal(t, base, co.SHA)
}

func TestParseMergeBase(t *testing.T) {
	testCases := []struct {
		ref  string
		base string
		ok   bool
	}{
		{"$mergebase", DefaultMergeBaseRef, true},
		{"$mergebase(develop)", "develop", true},
		{"$mergebase()", "", false},
		{"master", "", false},
		{"v25.0", "", false},
	}
	for _, tCase := range testCases {
		base, ok := parseMergeBase(tCase.ref)
		assert.Equal(t, tCase.ok, ok, tCase.ref)
		if ok {
			assert.Equal(t, tCase.base, base, tCase.ref)
		}
	}
}

func TestCheckoutToMaterializesWorkingCopy(t *testing.T) {
	u := newUpstream(t)
	u.commit(t, "first", "a.txt", "a")
	sha := u.commit(t, "second", "b.txt", "b")

	r := newTestResolver(t, u)
	ctx := context.Background()
	co, err := r.Resolve(ctx, config.RevisionSpec{Gitref: "master"})
	require.NoError(t, err)

	workdir := filepath.Join(t.TempDir(), "cell")
	require.NoError(t, r.CheckoutTo(ctx, co, workdir))

	assert.FileExists(t, filepath.Join(workdir, "a.txt"))
	assert.FileExists(t, filepath.Join(workdir, "b.txt"))

	repo, err := git.PlainOpen(workdir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, sha, head.Hash().String())
}

func TestCacheRecloneOnRemoteMismatch(t *testing.T) {
	u1 := newUpstream(t)
	u1.commit(t, "first", "a.txt", "a")
	u2 := newUpstream(t)
	wanted := u2.commit(t, "other", "z.txt", "z")

	cacheDir := filepath.Join(t.TempDir(), "cache.git")
	r1 := NewResolver(u1.dir, cacheDir, true)
	r1.Retries = 0
	_, err := r1.Resolve(context.Background(), config.RevisionSpec{Gitref: "master"})
	require.NoError(t, err)

	// Same cache path, different upstream: the stale cache must be
	// replaced, not reused.
	r2 := NewResolver(u2.dir, cacheDir, true)
	r2.Retries = 0
	co, err := r2.Resolve(context.Background(), config.RevisionSpec{Gitref: "master"})
	require.NoError(t, err)
	assert.Equal(t, wanted, co.SHA)
}

func TestRemoteShortname(t *testing.T) {
	assert.Equal(t, "someuser", remoteShortname("someuser"))
	assert.Equal(t, "bitcoin", remoteShortname("https://github.com/someuser/bitcoin.git"))
	assert.Equal(t, "repo", remoteShortname("/srv/git/repo"))
}
