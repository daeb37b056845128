package sourcecache

import (
	"context"
	"sync"

	"github.com/go-git/go-billy/v5"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/hashdist/hashdist/internal/uri"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/pkg/errors"
)

// gitPool deduplicates git fetches against a single source-cache root
// (spec.md §4.2, §9 Open Question (ii)): each distinct canonicalized remote
// gets one bare repository under <root>/git-pool, so re-fetching the same
// commit from a different remote spelling, or fetching a new ref of a repo
// already fetched, reuses the objects already on disk instead of re-cloning.
type gitPool struct {
	root billy.Filesystem

	mu    sync.Mutex
	repos map[string]*git.Repository // canonicalized remote URL -> opened bare repo
}

func newGitPool(root billy.Filesystem) (*gitPool, error) {
	if err := root.MkdirAll("git-pool", 0o755); err != nil {
		return nil, errors.Wrapf(herrors.ErrStoreIOError, "creating git object pool: %v", err)
	}
	return &gitPool{root: root, repos: map[string]*git.Repository{}}, nil
}

func (p *gitPool) repoFor(ctx context.Context, remote string) (*git.Repository, error) {
	canonical, err := uri.CanonicalizeRepoURI(remote)
	if err != nil {
		canonical = remote
	}
	if r, ok := p.repos[canonical]; ok {
		return r, nil
	}
	digest, err := hashBytes([]byte(canonical))
	if err != nil {
		return nil, err
	}
	dir := "git-pool/" + digest
	fs, err := p.root.Chroot(dir)
	if err != nil {
		return nil, errors.Wrap(err, "chrooting into git repo slot")
	}
	storer := filesystem.NewStorage(fs, nil)

	r, err := git.Open(storer, nil)
	switch err {
	case nil:
		if err := fetchAll(ctx, r); err != nil {
			return nil, err
		}
	case git.ErrRepositoryNotExists:
		r, err = git.CloneContext(ctx, storer, nil, &git.CloneOptions{URL: remote, NoCheckout: true, Tags: git.AllTags})
		if err != nil {
			return nil, errors.Wrapf(herrors.ErrFetchError, "cloning %s: %v", remote, err)
		}
	default:
		return nil, errors.Wrapf(herrors.ErrFetchError, "opening pooled repo for %s: %v", remote, err)
	}
	p.repos[canonical] = r
	return r, nil
}

func fetchAll(ctx context.Context, r *git.Repository) error {
	err := r.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*", "+refs/tags/*:refs/tags/*"},
		Tags:       git.AllTags,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.Wrapf(herrors.ErrFetchError, "fetching: %v", err)
	}
	return nil
}

func resolveRef(r *git.Repository, ref string) (plumbing.Hash, error) {
	candidates := []string{
		ref,
		"refs/remotes/origin/" + ref,
		"refs/tags/" + ref,
		"refs/heads/" + ref,
	}
	for _, c := range candidates {
		h, err := r.ResolveRevision(plumbing.Revision(c))
		if err == nil {
			return *h, nil
		}
	}
	return plumbing.Hash{}, errors.Errorf("could not resolve ref %q", ref)
}

// FetchGit resolves ref against repo within the shared git object pool and
// returns the resulting git:<commit-sha> SourceKey (spec.md §4.2). The
// repository's objects persist in the source-cache root so later fetches of
// the same or a differently-spelled remote reuse the data already on disk.
// Unpack does not accept git: keys.
func (c *Cache) FetchGit(ctx context.Context, repo, ref string) (SourceKey, error) {
	pool, err := c.gitPoolOnce()
	if err != nil {
		return "", err
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()

	r, err := pool.repoFor(ctx, repo)
	if err != nil {
		return "", err
	}
	commit, err := resolveRef(r, ref)
	if err != nil {
		return "", errors.Wrapf(herrors.ErrFetchError, "resolving ref %s for %s: %v", ref, repo, err)
	}
	return newKey(SchemeGit, commit.String()), nil
}

func (c *Cache) gitPoolOnce() (*gitPool, error) {
	c.gitOnce.Do(func() {
		c.gitPoolVal, c.gitPoolErr = newGitPool(c.root)
	})
	return c.gitPoolVal, c.gitPoolErr
}
