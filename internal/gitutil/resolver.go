// Package gitutil resolves symbolic revision specs against a shared,
// cacheable checkout of the project under benchmark.
package gitutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	git "gopkg.in/src-d/go-git.v4"
	gitconfig "gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"k8s.io/klog/v2"

	"github.com/chainbench/chainbench/internal/config"
)

// ResolutionError reports a revision spec that could not be resolved to
// a commit, either because the ref does not exist or because the remote
// stayed unreachable through the retry budget.
type ResolutionError struct {
	Ref string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("unable to resolve revision %q: %v", e.Ref, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Checkout is a resolved, immutable revision identity.
type Checkout struct {
	Spec      config.RevisionSpec
	Name      string
	Ref       string
	SHA       string
	CommitMsg string
}

func (c *Checkout) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.SHA[:min(12, len(c.SHA))])
}

// DefaultMergeBaseRef is the base used by a bare $mergebase spec.
const DefaultMergeBaseRef = "origin/master"

// Resolver manages the shared source cache and resolves revision specs
// against it. It is safe for concurrent use; cache mutations are
// serialized.
type Resolver struct {
	// URL is the upstream remote of the project under benchmark.
	URL string
	// CacheDir holds the shared clone, reused across runs when
	// caching is enabled and its origin still matches URL.
	CacheDir string
	// Retries bounds network fetch attempts. Local lookups are never
	// retried.
	Retries int
	// Backoff is the base delay between fetch attempts.
	Backoff time.Duration

	cacheGit bool
	mu       sync.Mutex
	repo     *git.Repository
}

// NewResolver builds a resolver over the given upstream and cache path.
func NewResolver(url, cacheDir string, cacheGit bool) *Resolver {
	return &Resolver{
		URL:      url,
		CacheDir: cacheDir,
		Retries:  3,
		Backoff:  5 * time.Second,
		cacheGit: cacheGit,
	}
}

// Resolve turns a revision spec into an immutable checkout identity. The
// shared cache is fetched first so refs are current.
func (r *Resolver) Resolve(ctx context.Context, spec config.RevisionSpec) (*Checkout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.ensureCache(ctx)
	if err != nil {
		return nil, &ResolutionError{Ref: spec.Gitref, Err: err}
	}

	if spec.Gitremote != "" {
		if err := r.ensureRemote(repo, spec.Gitremote); err != nil {
			return nil, &ResolutionError{Ref: spec.Gitref, Err: err}
		}
		if err := r.fetch(ctx, repo, remoteShortname(spec.Gitremote)); err != nil {
			return nil, &ResolutionError{Ref: spec.Gitref, Err: err}
		}
	}

	ref := spec.Gitref
	if base, ok := parseMergeBase(ref); ok {
		sha, err := r.mergeBase(repo, base)
		if err != nil {
			return nil, &ResolutionError{Ref: spec.Gitref, Err: err}
		}
		ref = sha
	} else if spec.Gitremote != "" {
		// Prefer the configured remote for ambiguous branch names.
		if _, err := resolveRevision(repo, remoteShortname(spec.Gitremote)+"/"+ref); err == nil {
			ref = remoteShortname(spec.Gitremote) + "/" + ref
		}
	}

	hash, err := resolveRevision(repo, ref)
	if err != nil {
		return nil, &ResolutionError{Ref: spec.Gitref, Err: err}
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, &ResolutionError{Ref: spec.Gitref, Err: err}
	}

	co := &Checkout{
		Spec:      spec,
		Name:      spec.Name(),
		Ref:       spec.Gitref,
		SHA:       hash.String(),
		CommitMsg: strings.TrimSpace(commit.Message),
	}
	klog.Infof("resolved %s to %s", spec.Name(), co.SHA)
	return co, nil
}

// CheckoutTo materializes the resolved revision into its own working
// copy at dir so concurrent builds cannot interfere. When the revision
// asks for it, it is rebased onto the default base first.
func (r *Resolver) CheckoutTo(ctx context.Context, co *Checkout, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := git.PlainClone(dir, false, &git.CloneOptions{URL: r.CacheDir})
	if err != nil {
		return fmt.Errorf("unable to clone working copy into %s: %w", dir, err)
	}
	// A default clone only carries the cache's local branches; mirror
	// every ref so commits resolved via remote-tracking refs exist here.
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"+refs/*:refs/*"},
		Force:      true,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("unable to mirror refs into working copy: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	hash := plumbing.NewHash(co.SHA)
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return fmt.Errorf("unable to check out %s: %w", co.SHA, err)
	}
	if co.Spec.Rebase {
		if err := rebaseOntoBase(ctx, dir, co); err != nil {
			return err
		}
	}
	return nil
}

// ensureCache opens the shared clone, re-cloning when the cached remote
// no longer matches the configured upstream. Without git caching the
// clone lands under the cache path all the same but is removed first so
// every run starts fresh.
func (r *Resolver) ensureCache(ctx context.Context) (*git.Repository, error) {
	if r.repo != nil {
		return r.repo, r.fetch(ctx, r.repo, "origin")
	}

	if !r.cacheGit {
		if err := os.RemoveAll(r.CacheDir); err != nil {
			return nil, err
		}
	}

	repo, err := git.PlainOpen(r.CacheDir)
	if err == nil {
		remote, rerr := repo.Remote("origin")
		if rerr != nil || len(remote.Config().URLs) == 0 || remote.Config().URLs[0] != r.URL {
			klog.Infof("source cache at %s has a stale remote; re-cloning", r.CacheDir)
			if err := os.RemoveAll(r.CacheDir); err != nil {
				return nil, err
			}
			repo = nil
		}
	}

	if repo == nil || err != nil {
		klog.Infof("cloning %s into %s", r.URL, r.CacheDir)
		repo, err = git.PlainClone(r.CacheDir, false, &git.CloneOptions{URL: r.URL, Tags: git.AllTags})
		if err != nil {
			return nil, fmt.Errorf("unable to clone %s: %w", r.URL, err)
		}
	}

	r.repo = repo
	return repo, r.fetch(ctx, repo, "origin")
}

func (r *Resolver) ensureRemote(repo *git.Repository, remote string) error {
	name := remoteShortname(remote)
	url := remote
	if !strings.Contains(remote, "://") && !strings.HasPrefix(remote, "/") {
		url = fmt.Sprintf("https://github.com/%s/bitcoin.git", remote)
	}
	_, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: name,
		URLs: []string{url},
	})
	if err != nil && err != git.ErrRemoteExists {
		return err
	}
	return nil
}

// remoteShortname derives a remote name from a spec's gitremote, which
// may be a bare owner name or a full URL.
func remoteShortname(remote string) string {
	if strings.Contains(remote, "://") || strings.HasPrefix(remote, "/") {
		trimmed := strings.TrimSuffix(remote, ".git")
		parts := strings.Split(trimmed, "/")
		for i := len(parts) - 1; i >= 0; i-- {
			if parts[i] != "" {
				return parts[i]
			}
		}
	}
	return remote
}

// fetch updates refs from the named remote, retrying transient network
// failures with linear backoff.
func (r *Resolver) fetch(ctx context.Context, repo *git.Repository, remote string) error {
	var err error
	for attempt := 0; attempt <= r.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * r.Backoff):
			}
			klog.Warningf("retrying fetch from %s (attempt %d/%d)", remote, attempt, r.Retries)
		}
		err = repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: remote,
			Tags:       git.AllTags,
			Force:      true,
		})
		if err == nil || err == git.NoErrAlreadyUpToDate {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("fetch from %s failed after %d attempts: %w", remote, r.Retries+1, err)
}

// resolveRevision resolves a user-supplied ref, falling back through
// remote-tracking forms so "feature" and "origin/feature" both work on a
// cache whose branches live under refs/remotes.
func resolveRevision(repo *git.Repository, ref string) (*plumbing.Hash, error) {
	candidates := []string{
		ref,
		"origin/" + ref,
		"refs/remotes/" + ref,
		"refs/remotes/origin/" + ref,
	}
	var err error
	for _, cand := range candidates {
		var hash *plumbing.Hash
		hash, err = repo.ResolveRevision(plumbing.Revision(cand))
		if err == nil {
			return hash, nil
		}
	}
	return nil, err
}

// parseMergeBase recognizes "$mergebase" and "$mergebase(<ref>)" specs.
func parseMergeBase(ref string) (string, bool) {
	if ref == "$mergebase" {
		return DefaultMergeBaseRef, true
	}
	if strings.HasPrefix(ref, "$mergebase(") && strings.HasSuffix(ref, ")") {
		base := strings.TrimSuffix(strings.TrimPrefix(ref, "$mergebase("), ")")
		if base != "" {
			return base, true
		}
	}
	return "", false
}

// mergeBase resolves the merge-base of the cache's current branch and
// the named base ref.
func (r *Resolver) mergeBase(repo *git.Repository, base string) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", err
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", err
	}
	baseHash, err := resolveRevision(repo, base)
	if err != nil {
		return "", fmt.Errorf("merge-base base ref: %w", err)
	}
	baseCommit, err := repo.CommitObject(*baseHash)
	if err != nil {
		return "", err
	}
	bases, err := headCommit.MergeBase(baseCommit)
	if err != nil {
		return "", err
	}
	if len(bases) == 0 {
		return "", fmt.Errorf("no merge base between %s and %s", head.Name(), base)
	}
	return bases[0].Hash.String(), nil
}

// rebaseOntoBase rebases the checked-out revision onto the default base
// in the working copy. go-git has no rebase, so this shells out.
func rebaseOntoBase(ctx context.Context, dir string, co *Checkout) error {
	env := append(os.Environ(),
		"GIT_AUTHOR_NAME=chainbench",
		"GIT_AUTHOR_EMAIL=bench@chainbench.dev",
		"GIT_COMMITTER_NAME=chainbench",
		"GIT_COMMITTER_EMAIL=bench@chainbench.dev",
	)
	cmd := exec.CommandContext(ctx, "git", "rebase", DefaultMergeBaseRef)
	cmd.Dir = dir
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		abort := exec.CommandContext(ctx, "git", "rebase", "--abort")
		abort.Dir = dir
		_ = abort.Run()
		return fmt.Errorf("rebase of %s onto %s failed: %w\n%s",
			co.Name, DefaultMergeBaseRef, err, out)
	}
	klog.Infof("rebased %s onto %s", co.Name, DefaultMergeBaseRef)
	return nil
}
