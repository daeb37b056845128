// Package store implements the build store (spec.md §4.5, C5): Resolve,
// Build, staging, atomic commit, and short-hash-prefix lengthening over a
// billy.Filesystem artifact tree.
package store

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashdist/hashdist/internal/syncx"
	"github.com/hashdist/hashdist/pkg/hashdist/buildspec"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/hashdist/hashdist/pkg/hashdist/jobrunner"
	"github.com/hashdist/hashdist/pkg/hashdist/sourcecache"
	"github.com/pkg/errors"
)

const shortHashLen = 4

// Store is a build store rooted at root: opt/ holds committed artifacts,
// bld/ holds in-progress staging directories (spec.md §6 "Artifact layout").
type Store struct {
	root    billy.Filesystem
	sources *sourcecache.Cache
	runner  *jobrunner.Runner

	counters syncx.Map[string, *int64] // staging-dir basename -> next counter value

	configPath string // propagated into builds as HDIST_CONFIG, for commands that re-invoke this binary
}

// New creates a Store rooted at root, using sources to unpack declared
// sources and runner to execute each job's commands.
func New(root billy.Filesystem, sources *sourcecache.Cache, runner *jobrunner.Runner) *Store {
	return &Store{root: root, sources: sources, runner: runner}
}

// SetConfigPath records the config file path this Store was constructed
// from, so a job's commands that re-invoke the hashdist binary (e.g. a
// profile build's "profile assemble" step) see the same HDIST_CONFIG their
// parent process did, despite the otherwise-hermetic scrubbed environment.
func (s *Store) SetConfigPath(p string) { s.configPath = p }

// ArtifactDir is the resolved location of a committed artifact.
type ArtifactDir struct {
	ID   buildspec.ArtifactID
	Path string // path within the store's root filesystem
}

func finalDir(name, version, shortHash string) string {
	v := version
	if v == "" {
		v = "n"
	}
	return path.Join("opt", name, v, shortHash)
}

func fullSymlink(name, version, fullHash string) string {
	v := version
	if v == "" {
		v = "n"
	}
	return path.Join("opt", name, v, fullHash)
}

// FullHashPath returns the full-hash symlink path for id, the stable target
// a GC root should point at: unlike the short-hash directory, it never moves
// once committed and survives prefix lengthening on later collisions
// (spec.md §4.7).
func (s *Store) FullHashPath(id buildspec.ArtifactID) string {
	return fullSymlink(id.Name, id.Version, id.Hash)
}

// Resolve looks up the artifact spec canonicalizes to, returning ok=false
// if it is not yet built (spec.md §4.5).
func (s *Store) Resolve(spec *buildspec.Spec) (dir ArtifactDir, ok bool, err error) {
	id, _, err := buildspec.Canonicalize(spec)
	if err != nil {
		return ArtifactDir{}, false, err
	}
	return s.resolveByID(id)
}

// ResolveID resolves an ArtifactID whose hash is the full hash directly
// against the store, without a Spec in hand; ResolveAny also accepts the
// short-hash form.
func (s *Store) ResolveID(name, version, hash string) (dir ArtifactDir, ok bool, err error) {
	return s.resolveByID(buildspec.ArtifactID{Name: name, Version: version, Hash: hash})
}

// ResolveAny resolves an ArtifactID string's hash component whether it is
// the full hash or the short-hash directory name (spec.md §6): a name that
// is a directory under opt/ has its full hash read from its artifact.json;
// anything else is treated as the full hash.
func (s *Store) ResolveAny(name, version, hashOrPrefix string) (ArtifactDir, bool, error) {
	v := version
	if v == "" {
		v = "n"
	}
	entryDir := path.Join("opt", name, v, hashOrPrefix)
	if info, err := s.root.Stat(entryDir); err == nil && info.IsDir() {
		meta, err := s.readBuildJSON(entryDir)
		if err != nil {
			return ArtifactDir{}, false, err
		}
		return s.resolveByID(buildspec.ArtifactID{Name: name, Version: version, Hash: meta.Hash})
	}
	return s.resolveByID(buildspec.ArtifactID{Name: name, Version: version, Hash: hashOrPrefix})
}

func (s *Store) resolveByID(id buildspec.ArtifactID) (ArtifactDir, bool, error) {
	shortHash, err := s.findShortHash(id.Name, id.Version, id.Hash)
	if err != nil {
		return ArtifactDir{}, false, err
	}
	if shortHash == "" {
		return ArtifactDir{}, false, nil
	}
	final := finalDir(id.Name, id.Version, shortHash)
	link := fullSymlink(id.Name, id.Version, id.Hash)
	target, err := s.root.Readlink(link)
	if err != nil {
		// Short-hash directory is present but the full-hash symlink is
		// missing: malformed artifact (spec.md §7 IntegrityError).
		return ArtifactDir{}, false, errors.Wrapf(herrors.ErrIntegrityError, "missing full-hash symlink for %s", id)
	}
	if path.Base(target) != shortHash {
		return ArtifactDir{}, false, errors.Wrapf(herrors.ErrIntegrityError, "full-hash symlink for %s points to %s, want %s", id, target, shortHash)
	}
	return ArtifactDir{ID: buildspec.ArtifactID{Name: id.Name, Version: id.Version, Hash: id.Hash}, Path: final}, true, nil
}

// findShortHash returns the short-hash directory name already associated
// with fullHash under name/version, or "" if none exists yet. It does not
// allocate a new prefix; that only happens in commit.
func (s *Store) findShortHash(name, version, fullHash string) (string, error) {
	v := version
	if v == "" {
		v = "n"
	}
	dir := path.Join("opt", name, v)
	infos, err := s.root.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(herrors.ErrStoreIOError, "listing %s: %v", dir, err)
	}
	for n := shortHashLen; n <= len(fullHash); n++ {
		prefix := fullHash[:n]
		found := false
		for _, info := range infos {
			if info.Name() == prefix {
				found = true
				break
			}
		}
		if !found {
			continue
		}
		meta, err := s.readBuildJSON(path.Join(dir, prefix))
		if err != nil {
			return "", err
		}
		if meta.Hash == fullHash {
			return prefix, nil
		}
		// Prefix collision with an unrelated artifact: keep lengthening.
	}
	return "", nil
}

type artifactMeta struct {
	Hash string `json:"hash"`
}

func (s *Store) readBuildJSON(dir string) (artifactMeta, error) {
	f, err := s.root.Open(path.Join(dir, "artifact.json"))
	if err != nil {
		return artifactMeta{}, errors.Wrapf(herrors.ErrIntegrityError, "reading artifact.json in %s: %v", dir, err)
	}
	defer f.Close()
	var m artifactMeta
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return artifactMeta{}, errors.Wrapf(herrors.ErrIntegrityError, "decoding artifact.json in %s: %v", dir, err)
	}
	return m, nil
}

// allocateShortHash picks the shortest non-colliding prefix of fullHash
// under name/version, lengthening on collision with an unrelated artifact
// (spec.md §4.5 "Short-hash collisions").
func (s *Store) allocateShortHash(name, version, fullHash string) (string, error) {
	existing, err := s.findShortHash(name, version, fullHash)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}
	v := version
	if v == "" {
		v = "n"
	}
	dir := path.Join("opt", name, v)
	infos, err := s.root.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return "", errors.Wrapf(herrors.ErrStoreIOError, "listing %s: %v", dir, err)
	}
	taken := map[string]bool{}
	for _, info := range infos {
		taken[info.Name()] = true
	}
	for n := shortHashLen; n <= len(fullHash); n++ {
		prefix := fullHash[:n]
		if !taken[prefix] {
			return prefix, nil
		}
	}
	return fullHash, nil
}

// Build canonicalizes spec, resolving immediately on a cache hit, and
// otherwise stages, runs, and atomically commits a new artifact directory
// (spec.md §4.5).
func (s *Store) Build(ctx context.Context, spec *buildspec.Spec, imports []jobrunner.ResolvedImport) (ArtifactDir, error) {
	id, _, err := buildspec.Canonicalize(spec)
	if err != nil {
		return ArtifactDir{}, err
	}
	if dir, ok, err := s.resolveByID(id); err != nil {
		return ArtifactDir{}, err
	} else if ok {
		return dir, nil
	}
	staging, err := s.createStagingDir(id.Name, id.Version, id.Hash[:min(shortHashLen, len(id.Hash))])
	if err != nil {
		return ArtifactDir{}, err
	}
	artifactDir := path.Join(staging, "artifact")
	if err := s.root.MkdirAll(artifactDir, 0o755); err != nil {
		return ArtifactDir{}, errors.Wrapf(herrors.ErrStoreIOError, "creating artifact dir: %v", err)
	}
	if err := s.writeSeedFiles(spec, id, staging, artifactDir); err != nil {
		return ArtifactDir{}, err
	}
	if err := s.unpackSources(spec, artifactDir); err != nil {
		return ArtifactDir{}, err
	}
	extra := map[string]any{}
	for k, v := range spec.Env {
		extra[k] = v
	}
	if self, err := os.Executable(); err == nil {
		// "hit" is the self-reference bootstrap token (spec.md §4.3): the
		// one substitution a command may use without declaring an import,
		// bound to this hashdist binary so a spec can re-invoke it (e.g.
		// the profile build's "profile assemble" step).
		extra["hit"] = self
	}
	if s.configPath != "" {
		extra["HDIST_CONFIG"] = s.configPath
	}
	env, err := jobrunner.NewBuildEnvironment(spec.Build, imports, s.root.Join(s.root.Root(), artifactDir), extra)
	if err != nil {
		return ArtifactDir{}, err
	}
	logFile, err := s.root.Create(path.Join(staging, "build.log"))
	if err != nil {
		return ArtifactDir{}, errors.Wrapf(herrors.ErrStoreIOError, "creating build.log: %v", err)
	}
	runner := &jobrunner.Runner{Exec: s.runner.Exec, Dir: s.root.Join(s.root.Root(), artifactDir)}
	_, runErr := runner.Run(ctx, spec.Build, env, logFile, id.String())
	logFile.Close()
	if runErr != nil {
		// Staging dir is left in place for inspection (spec.md §4.4, §5
		// "Cancellation"); only the error surfaces.
		return ArtifactDir{}, runErr
	}
	return s.commit(spec, id, staging, artifactDir)
}

func (s *Store) createStagingDir(name, version, shortHash string) (string, error) {
	v := version
	if v == "" {
		v = "n"
	}
	base := path.Join("bld", name, v)
	if err := s.root.MkdirAll(base, 0o755); err != nil {
		return "", errors.Wrapf(herrors.ErrStoreIOError, "creating %s: %v", base, err)
	}
	key := path.Join(base, shortHash)
	counterPtr, _ := s.counters.LoadOrStore(key, new(int64))
	// The in-process counter (atomic.AddInt64) avoids collisions between
	// goroutines sharing this Store; the O_EXCL claim file guards the
	// cross-process half, since billy.Filesystem exposes no plain,
	// non-recursive Mkdir that would fail on an existing directory
	// (spec.md §4.5 "Counter increments to avoid two concurrent builders
	// colliding").
	for {
		n := atomic.AddInt64(counterPtr, 1)
		dir := fmt.Sprintf("%s-%s", key, strconv.FormatInt(n, 10))
		if err := s.root.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrapf(herrors.ErrStoreIOError, "creating staging dir %s: %v", dir, err)
		}
		claim, err := s.root.OpenFile(path.Join(dir, ".claim"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue // another builder claimed this counter value first
			}
			return "", errors.Wrapf(herrors.ErrStoreIOError, "claiming staging dir %s: %v", dir, err)
		}
		claim.Close()
		return dir, nil
	}
}

func (s *Store) writeSeedFiles(spec *buildspec.Spec, id buildspec.ArtifactID, staging, artifactDir string) error {
	buildJSON, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling build.json")
	}
	if err := writeFile(s.root, path.Join(staging, "build.json"), buildJSON); err != nil {
		return err
	}
	seed := map[string]any{
		"hash":                 id.Hash,
		"profile_install":      spec.ProfileInstall,
		"import_modify_env":    spec.ImportModifyEnv,
		"runtime-dependencies": importRefs(spec.Build.Import),
	}
	// profile_install.parameters.links / profile-env-vars are also promoted
	// to top-level artifact.json keys, since pkg/hashdist/profile reads them
	// directly rather than reaching back into the opaque passthrough
	// sub-document (spec.md §3 "install... parameters to run at profile-
	// assembly time").
	if params, ok := nestedMap(spec.ProfileInstall, "parameters"); ok {
		if links, ok := params["links"]; ok {
			seed["links"] = links
		}
		if envVars, ok := params["profile-env-vars"]; ok {
			seed["profile-env-vars"] = envVars
		}
	}
	artifactJSON, err := json.MarshalIndent(seed, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling artifact.json")
	}
	return writeFile(s.root, path.Join(artifactDir, "artifact.json"), artifactJSON)
}

func nestedMap(m map[string]any, key string) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	nested, ok := v.(map[string]any)
	return nested, ok
}

func importRefs(imports []buildspec.Import) []string {
	out := make([]string, len(imports))
	for i, imp := range imports {
		out[i] = imp.ID
	}
	return out
}

func writeFile(fs billy.Filesystem, p string, data []byte) error {
	f, err := fs.Create(p)
	if err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "creating %s: %v", p, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "writing %s: %v", p, err)
	}
	return nil
}

func (s *Store) unpackSources(spec *buildspec.Spec, artifactDir string) error {
	for _, src := range spec.Sources {
		target := path.Join(artifactDir, src.Target)
		if err := s.sources.Unpack(sourcecache.SourceKey(src.Key), s.root, target, src.Strip); err != nil {
			return errors.Wrapf(err, "unpacking source %s", src.Key)
		}
	}
	return nil
}

// commit renames staging into its final opt/ path, allocating a short-hash
// prefix and creating the full-hash symlink (spec.md §4.5). If a concurrent
// builder already committed the same artifact, commit discards the caller's
// staging dir and returns the existing one, since content is deterministic.
func (s *Store) commit(spec *buildspec.Spec, id buildspec.ArtifactID, staging, artifactDir string) (ArtifactDir, error) {
	if dir, ok, err := s.resolveByID(id); err != nil {
		return ArtifactDir{}, err
	} else if ok {
		_ = util.RemoveAll(s.root, staging)
		return dir, nil
	}
	shortHash, err := s.allocateShortHash(id.Name, id.Version, id.Hash)
	if err != nil {
		return ArtifactDir{}, err
	}
	final := finalDir(id.Name, id.Version, shortHash)
	if err := s.root.MkdirAll(path.Dir(final), 0o755); err != nil {
		return ArtifactDir{}, errors.Wrapf(herrors.ErrStoreIOError, "creating %s: %v", path.Dir(final), err)
	}
	if err := compressBuildLog(s.root, staging); err != nil {
		return ArtifactDir{}, err
	}
	if err := s.root.Rename(artifactDir, final); err != nil {
		if os.IsExist(err) {
			// Another builder won the race; use their artifact.
			_ = util.RemoveAll(s.root, staging)
			return ArtifactDir{ID: id, Path: final}, nil
		}
		return ArtifactDir{}, errors.Wrapf(herrors.ErrStoreIOError, "committing artifact: %v", err)
	}
	if err := writeFile(s.root, path.Join(final, "build.json"), mustRead(s.root, path.Join(staging, "build.json"))); err != nil {
		return ArtifactDir{}, err
	}
	logGz := path.Join(staging, "build.log.gz")
	if _, err := s.root.Stat(logGz); err == nil {
		data := mustRead(s.root, logGz)
		if err := writeFile(s.root, path.Join(final, "build.log.gz"), data); err != nil {
			return ArtifactDir{}, err
		}
	}
	link := fullSymlink(id.Name, id.Version, id.Hash)
	if err := s.root.Symlink(shortHash, link); err != nil {
		return ArtifactDir{}, errors.Wrapf(herrors.ErrStoreIOError, "creating full-hash symlink: %v", err)
	}
	_ = util.RemoveAll(s.root, staging)
	return ArtifactDir{ID: id, Path: final}, nil
}

// ListArtifacts enumerates every committed artifact in the store (the
// short-hash directories under opt/, skipping the full-hash alias symlinks),
// for gcroot's sweep phase.
func (s *Store) ListArtifacts() ([]ArtifactDir, error) {
	names, err := s.root.ReadDir("opt")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(herrors.ErrStoreIOError, "listing opt/: %v", err)
	}
	var out []ArtifactDir
	for _, nameInfo := range names {
		versionDir := path.Join("opt", nameInfo.Name())
		versions, err := s.root.ReadDir(versionDir)
		if err != nil {
			return nil, errors.Wrapf(herrors.ErrStoreIOError, "listing %s: %v", versionDir, err)
		}
		for _, versionInfo := range versions {
			entryDir := path.Join(versionDir, versionInfo.Name())
			entries, err := s.root.ReadDir(entryDir)
			if err != nil {
				return nil, errors.Wrapf(herrors.ErrStoreIOError, "listing %s: %v", entryDir, err)
			}
			for _, entry := range entries {
				if entry.Mode()&os.ModeSymlink != 0 {
					continue // full-hash alias, not a distinct artifact
				}
				p := path.Join(entryDir, entry.Name())
				meta, err := s.readBuildJSON(p)
				if err != nil {
					continue
				}
				version := versionInfo.Name()
				if version == "n" {
					version = ""
				}
				out = append(out, ArtifactDir{
					ID:   buildspec.ArtifactID{Name: nameInfo.Name(), Version: version, Hash: meta.Hash},
					Path: p,
				})
			}
		}
	}
	return out, nil
}

// Remove deletes a committed artifact directory and its full-hash symlink.
func (s *Store) Remove(dir ArtifactDir) error {
	link := fullSymlink(dir.ID.Name, dir.ID.Version, dir.ID.Hash)
	_ = s.root.Remove(link)
	if err := util.RemoveAll(s.root, dir.Path); err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "removing artifact %s: %v", dir.ID, err)
	}
	return nil
}

// RuntimeDependencies reads the runtime-dependencies edges recorded in dir's
// artifact.json, used by gcroot to walk the reachability graph.
func (s *Store) RuntimeDependencies(dir ArtifactDir) ([]buildspec.ArtifactID, error) {
	f, err := s.root.Open(path.Join(dir.Path, "artifact.json"))
	if err != nil {
		return nil, errors.Wrapf(herrors.ErrIntegrityError, "reading artifact.json in %s: %v", dir.Path, err)
	}
	defer f.Close()
	var doc struct {
		RuntimeDependencies []string `json:"runtime-dependencies"`
	}
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, errors.Wrapf(herrors.ErrIntegrityError, "decoding artifact.json in %s: %v", dir.Path, err)
	}
	out := make([]buildspec.ArtifactID, 0, len(doc.RuntimeDependencies))
	for _, s := range doc.RuntimeDependencies {
		id, err := buildspec.ParseID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// SourceKeys reads the source keys dir's build.json declares, used by
// gcroot to keep a reachable artifact's sources alive.
func (s *Store) SourceKeys(dir ArtifactDir) ([]string, error) {
	f, err := s.root.Open(path.Join(dir.Path, "build.json"))
	if err != nil {
		return nil, errors.Wrapf(herrors.ErrIntegrityError, "reading build.json in %s: %v", dir.Path, err)
	}
	defer f.Close()
	var doc struct {
		Sources []struct {
			Key string `json:"key"`
		} `json:"sources"`
	}
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, errors.Wrapf(herrors.ErrIntegrityError, "decoding build.json in %s: %v", dir.Path, err)
	}
	out := make([]string, len(doc.Sources))
	for i, src := range doc.Sources {
		out[i] = src.Key
	}
	return out, nil
}

// DeclaresImportModifyEnv reports whether dir's own artifact.json carries a
// non-empty import_modify_env sub-document, per spec.md §4.4: only imports
// that declare themselves here contribute their bin/ directory to an
// importer's PATH.
func (s *Store) DeclaresImportModifyEnv(dir ArtifactDir) (bool, error) {
	f, err := s.root.Open(path.Join(dir.Path, "artifact.json"))
	if err != nil {
		return false, errors.Wrapf(herrors.ErrIntegrityError, "reading artifact.json in %s: %v", dir.Path, err)
	}
	defer f.Close()
	var doc struct {
		ImportModifyEnv map[string]any `json:"import_modify_env"`
	}
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return false, errors.Wrapf(herrors.ErrIntegrityError, "decoding artifact.json in %s: %v", dir.Path, err)
	}
	return len(doc.ImportModifyEnv) > 0, nil
}

func mustRead(fs billy.Filesystem, p string) []byte {
	f, err := fs.Open(p)
	if err != nil {
		return nil
	}
	defer f.Close()
	b, _ := io.ReadAll(f)
	return b
}

func compressBuildLog(fs billy.Filesystem, staging string) error {
	src, err := fs.Open(path.Join(staging, "build.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "opening build.log")
	}
	defer src.Close()
	dst, err := fs.Create(path.Join(staging, "build.log.gz"))
	if err != nil {
		return errors.Wrap(err, "creating build.log.gz")
	}
	defer dst.Close()
	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		return errors.Wrap(err, "compressing build.log")
	}
	return gw.Close()
}
