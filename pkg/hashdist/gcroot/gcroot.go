// Package gcroot implements the GC root directory and mark-sweep collector
// (spec.md §4.7, C7): a directory of symlinks names the artifacts a caller
// wants kept; Collect walks runtime-dependencies edges from those roots and
// removes everything else from the store and source cache.
package gcroot

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/hashdist/hashdist/internal/syncx"
	"github.com/hashdist/hashdist/pkg/hashdist/buildspec"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/hashdist/hashdist/pkg/hashdist/sourcecache"
	"github.com/hashdist/hashdist/pkg/hashdist/store"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Forever marks a retention class as never collected by age.
const Forever time.Duration = -1

// Register creates (or replaces) a named root symlink pointing at target, an
// artifact path within the store (spec.md §4.7: "External symlinks the user
// wants tracked are registered via explicit cp/mv/rm operations that update
// this index atomically").
func Register(roots billy.Filesystem, name, target string) error {
	_ = roots.Remove(name)
	if err := roots.Symlink(target, name); err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "registering gc root %s: %v", name, err)
	}
	return nil
}

// Unregister removes a named root.
func Unregister(roots billy.Filesystem, name string) error {
	if err := roots.Remove(name); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(herrors.ErrStoreIOError, "unregistering gc root %s: %v", name, err)
	}
	return nil
}

// List returns the registered root names, sorted.
func List(roots billy.Filesystem) ([]string, error) {
	infos, err := roots.ReadDir(".")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(herrors.ErrStoreIOError, "listing gc roots: %v", err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Options configures a Collect run.
type Options struct {
	// DryRun reports what would be removed without removing it.
	DryRun bool
	// RetentionPolicy maps a source cache RetentionClass to the maximum age
	// an unreachable entry may reach before collection; Forever exempts a
	// class entirely (spec.md §4.7 "retention policies (forever, <duration>)
	// are applied per tag"). Classes absent from the map default to Forever,
	// so source entries are never silently swept away by an incomplete config.
	RetentionPolicy map[sourcecache.RetentionClass]time.Duration
}

// Report summarizes a Collect run.
type Report struct {
	ReachableArtifacts int
	RemovedArtifacts   []buildspec.ArtifactID
	ReachableSources   int
	RemovedSources     []sourcecache.SourceKey
}

// artifactResolver is the subset of *store.Store Collect needs; satisfied by
// *store.Store in production and a fake in tests.
type artifactResolver interface {
	ResolveID(name, version, hash string) (store.ArtifactDir, bool, error)
	RuntimeDependencies(dir store.ArtifactDir) ([]buildspec.ArtifactID, error)
	SourceKeys(dir store.ArtifactDir) ([]string, error)
	ListArtifacts() ([]store.ArtifactDir, error)
	Remove(dir store.ArtifactDir) error
}

type sourceLister interface {
	ListEntries() ([]sourcecache.Entry, error)
	Remove(key sourcecache.SourceKey) error
}

// Collect walks every root symlink's target, accumulating the reachable
// ArtifactID and SourceKey sets, then sweeps the store and source cache of
// everything not reached (spec.md §4.7).
func Collect(ctx context.Context, roots billy.Filesystem, s *store.Store, sources *sourcecache.Cache, opts Options) (Report, error) {
	return collect(ctx, roots, s, sources, opts)
}

func collect(ctx context.Context, roots billy.Filesystem, s artifactResolver, sources sourceLister, opts Options) (Report, error) {
	rootNames, err := List(roots)
	if err != nil {
		return Report{}, err
	}
	var reachableArtifacts syncx.Map[string, buildspec.ArtifactID]
	var reachableSources syncx.Map[string, bool]

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range rootNames {
		name := name
		g.Go(func() error {
			target, err := roots.Readlink(name)
			if err != nil {
				return errors.Wrapf(herrors.ErrStoreIOError, "reading gc root %s: %v", name, err)
			}
			return walkArtifactPath(gctx, s, target, &reachableArtifacts, &reachableSources)
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{}
	reachableArtifacts.Range(func(_ string, _ buildspec.ArtifactID) bool {
		report.ReachableArtifacts++
		return true
	})
	reachableSources.Range(func(_ string, _ bool) bool {
		report.ReachableSources++
		return true
	})

	all, err := s.ListArtifacts()
	if err != nil {
		return Report{}, err
	}
	for _, dir := range all {
		if _, ok := reachableArtifacts.Load(dir.ID.String()); ok {
			continue
		}
		report.RemovedArtifacts = append(report.RemovedArtifacts, dir.ID)
		if opts.DryRun {
			continue
		}
		if err := s.Remove(dir); err != nil {
			return report, err
		}
	}

	entries, err := sources.ListEntries()
	if err != nil {
		return Report{}, err
	}
	for _, entry := range entries {
		if _, ok := reachableSources.Load(string(entry.Key)); ok {
			continue
		}
		if !pastRetention(entry, opts.RetentionPolicy) {
			continue
		}
		report.RemovedSources = append(report.RemovedSources, entry.Key)
		if opts.DryRun {
			continue
		}
		if err := sources.Remove(entry.Key); err != nil {
			return report, err
		}
	}
	sort.Slice(report.RemovedArtifacts, func(i, j int) bool {
		return report.RemovedArtifacts[i].String() < report.RemovedArtifacts[j].String()
	})
	sort.Slice(report.RemovedSources, func(i, j int) bool {
		return report.RemovedSources[i] < report.RemovedSources[j]
	})
	return report, nil
}

// pastRetention reports whether entry is old enough to collect under
// policy. A class absent from policy defaults to Forever (never collected).
func pastRetention(entry sourcecache.Entry, policy map[sourcecache.RetentionClass]time.Duration) bool {
	limit, ok := policy[entry.Retain]
	if !ok || limit == Forever {
		return false
	}
	return entry.Age >= limit
}

// walkArtifactPath resolves storePath to an artifact, records it and its
// declared source keys as reachable, and recurses into its
// runtime-dependencies. Already-visited artifacts short-circuit via
// reachable's LoadOrStore, so a diamond dependency is only walked once.
func walkArtifactPath(ctx context.Context, s artifactResolver, storePath string, reachable *syncx.Map[string, buildspec.ArtifactID], reachableSources *syncx.Map[string, bool]) error {
	id, err := parseArtifactPath(storePath)
	if err != nil {
		return err
	}
	return walkArtifact(ctx, s, id, reachable, reachableSources)
}

func walkArtifact(ctx context.Context, s artifactResolver, id buildspec.ArtifactID, reachable *syncx.Map[string, buildspec.ArtifactID], reachableSources *syncx.Map[string, bool]) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, loaded := reachable.LoadOrStore(id.String(), id); loaded {
		return nil
	}
	dir, ok, err := s.ResolveID(id.Name, id.Version, id.Hash)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(herrors.ErrIntegrityError, "gc root target %s is not present in the store", id)
	}
	keys, err := s.SourceKeys(dir)
	if err != nil {
		return err
	}
	for _, k := range keys {
		reachableSources.Store(k, true)
	}
	deps, err := s.RuntimeDependencies(dir)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, dep := range deps {
		dep := dep
		g.Go(func() error {
			return walkArtifact(gctx, s, dep, reachable, reachableSources)
		})
	}
	return g.Wait()
}

// parseArtifactPath recovers the ArtifactID a root symlink's target encodes.
// Targets are required to be the stable full-hash symlink form
// opt/<name>/<version>/<fullHash> (store.Store.FullHashPath), not the
// short-hash directory, so a later prefix-lengthening collision never
// invalidates a registered root.
func parseArtifactPath(p string) (buildspec.ArtifactID, error) {
	parts := splitPath(p)
	if len(parts) < 4 || parts[len(parts)-4] != "opt" {
		return buildspec.ArtifactID{}, errors.Wrapf(herrors.ErrInvalidSpec, "gc root target %q is not an opt/ artifact path", p)
	}
	n := len(parts)
	name, version, hash := parts[n-3], parts[n-2], parts[n-1]
	if version == "n" {
		version = ""
	}
	return buildspec.ArtifactID{Name: name, Version: version, Hash: hash}, nil
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	if start < len(p) {
		parts = append(parts, p[start:])
	}
	return parts
}
