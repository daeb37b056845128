// Package sourcecache implements the content-addressed source cache
// (spec.md §4.2, C2): Fetch, FetchGit, Put, and Unpack over a scheme-
// segregated billy.Filesystem root.
package sourcecache

import (
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashdist/hashdist/internal/canon"
	"github.com/hashdist/hashdist/internal/cache"
	"github.com/hashdist/hashdist/pkg/archive"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/pkg/errors"
)

// Scheme identifies the kind of content a SourceKey addresses.
type Scheme string

const (
	SchemeTarGz Scheme = "tar.gz"
	SchemeTarBz Scheme = "tar.bz2"
	SchemeZip   Scheme = "zip"
	SchemeGit   Scheme = "git"
	SchemeDir   Scheme = "dir"
	SchemeFile  Scheme = "file"
)

// RetentionClass tags a SourceEntry for GC policy decisions (spec.md §3, §4.7).
type RetentionClass string

const (
	RetentionTransient RetentionClass = "transient"
	RetentionTarGz     RetentionClass = "targz"
	RetentionGit       RetentionClass = "git"
	RetentionFile      RetentionClass = "file"
	RetentionDir       RetentionClass = "dir"
)

// Cache is a content-addressed source cache rooted at root. root is typically
// a local osfs.New(path), or a memfs.New() in tests.
type Cache struct {
	root billy.Filesystem

	urlIndex *cache.CoalescingMemoryCache // url string -> string (SourceKey)

	gitOnce    sync.Once
	gitPoolVal *gitPool
	gitPoolErr error
}

// New creates a Cache rooted at root.
func New(root billy.Filesystem) *Cache {
	return &Cache{root: root, urlIndex: &cache.CoalescingMemoryCache{}}
}

// SourceKey is the string form `<scheme>:<digest>` spec.md §3 describes.
type SourceKey string

func newKey(scheme Scheme, digest string) SourceKey {
	return SourceKey(string(scheme) + ":" + digest)
}

// entryPath returns the scheme-segregated storage path for key.
func entryPath(key SourceKey) (string, error) {
	scheme, digest, err := splitKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(string(scheme), digest), nil
}

func splitKey(key SourceKey) (Scheme, string, error) {
	s := string(key)
	i := indexByte(s, ':')
	if i < 0 {
		return "", "", errors.Wrapf(herrors.ErrInvalidSpec, "malformed source key %q", key)
	}
	return Scheme(s[:i]), s[i+1:], nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// hashBytes computes the default canonical digest of raw bytes.
func hashBytes(b []byte) (string, error) {
	return canon.Hash(canon.RawBytes(b), canon.DefaultDigestBytes)
}

// Fetch downloads url, unpacking/storing it under its content hash, and
// returns the resulting SourceKey. The URL index lives in memory for the
// life of the Cache: a later Fetch of the same URL returns the key recorded
// the first time without contacting the server, so a change of content
// under the same URL is not detected.
func (c *Cache) Fetch(url string, scheme Scheme) (SourceKey, error) {
	v, err := c.urlIndex.GetOrSet(url, func() (any, error) {
		key, err := c.fetchAndStore(url, scheme)
		if err != nil {
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		return "", err
	}
	return v.(SourceKey), nil
}

func (c *Cache) fetchAndStore(url string, scheme Scheme) (SourceKey, error) {
	resp, err := http.Get(url)
	if err != nil {
		return "", errors.Wrapf(herrors.ErrFetchError, "GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(herrors.ErrFetchError, "GET %s: status %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(herrors.ErrFetchError, "reading body of %s: %v", url, err)
	}
	digest, err := hashBytes(body)
	if err != nil {
		return "", errors.Wrap(err, "hashing fetched content")
	}
	key := newKey(scheme, digest)
	if err := c.storeRaw(key, body); err != nil {
		return "", err
	}
	return key, nil
}

// storeRaw writes raw archive/file bytes verbatim under key's entry path,
// without unpacking (Unpack does that lazily on request).
func (c *Cache) storeRaw(key SourceKey, body []byte) error {
	p, err := entryPath(key)
	if err != nil {
		return err
	}
	if _, err := c.root.Stat(p); err == nil {
		return nil // already present; source cache never evicts by key (spec.md §3).
	}
	if err := c.root.MkdirAll(path.Dir(p), 0o755); err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "creating source cache dir: %v", err)
	}
	f, err := c.root.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return errors.Wrapf(herrors.ErrStoreIOError, "creating source entry: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(body); err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "writing source entry: %v", err)
	}
	return nil
}

// Put stores a local file or directory as a source entry and returns its
// SourceKey. Directory hashing is the canonical hash of its sorted file tree
// (name + content, spec.md §3).
func (c *Cache) Put(localPath string, scheme Scheme) (SourceKey, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", errors.Wrapf(herrors.ErrSourceNotFound, "stat %s: %v", localPath, err)
	}
	if info.IsDir() {
		return c.putDir(localPath)
	}
	body, err := os.ReadFile(localPath)
	if err != nil {
		return "", errors.Wrapf(herrors.ErrSourceNotFound, "reading %s: %v", localPath, err)
	}
	digest, err := hashBytes(body)
	if err != nil {
		return "", err
	}
	key := newKey(scheme, digest)
	if err := c.storeRaw(key, body); err != nil {
		return "", err
	}
	return key, nil
}

type fileTreeEntry struct {
	relPath string
	body    []byte
}

func (c *Cache) putDir(localPath string) (SourceKey, error) {
	var entries []fileTreeEntry
	err := walkDir(localPath, "", &entries)
	if err != nil {
		return "", errors.Wrap(err, "walking directory")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })
	doc := make([]any, len(entries))
	for i, e := range entries {
		doc[i] = map[string]any{
			"path": canon.Path(e.relPath),
			"body": canon.RawBytes(e.body),
		}
	}
	digest, err := canon.Hash(doc, canon.DefaultDigestBytes)
	if err != nil {
		return "", errors.Wrap(err, "hashing directory tree")
	}
	key := newKey(SchemeDir, digest)
	p, err := entryPath(key)
	if err != nil {
		return "", err
	}
	if _, err := c.root.Stat(p); err == nil {
		return key, nil
	}
	for _, e := range entries {
		dst := path.Join(p, e.relPath)
		if dir := path.Dir(dst); dir != "." {
			if err := c.root.MkdirAll(dir, 0o755); err != nil {
				return "", errors.Wrap(err, "creating directory entry")
			}
		}
		f, err := c.root.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return "", errors.Wrap(err, "writing directory entry")
		}
		if _, err := f.Write(e.body); err != nil {
			f.Close()
			return "", errors.Wrap(err, "writing directory entry")
		}
		f.Close()
	}
	return key, nil
}

func walkDir(root, rel string, out *[]fileTreeEntry) error {
	full := path.Join(root, rel)
	infos, err := os.ReadDir(full)
	if err != nil {
		return err
	}
	for _, info := range infos {
		childRel := path.Join(rel, info.Name())
		if info.IsDir() {
			if err := walkDir(root, childRel, out); err != nil {
				return err
			}
			continue
		}
		body, err := os.ReadFile(path.Join(root, childRel))
		if err != nil {
			return err
		}
		*out = append(*out, fileTreeEntry{relPath: childRel, body: body})
	}
	return nil
}

// Entry describes one stored source cache entry, for gcroot's sweep phase.
type Entry struct {
	Key    SourceKey
	Age    time.Duration
	Retain RetentionClass
}

// retentionForScheme maps a SourceKey's scheme to the RetentionClass gcroot's
// policy table keys off of (spec.md §4.7 "Source entries are tagged").
func retentionForScheme(scheme Scheme) RetentionClass {
	switch scheme {
	case SchemeTarGz, SchemeTarBz, SchemeZip:
		return RetentionTarGz
	case SchemeGit:
		return RetentionGit
	case SchemeFile:
		return RetentionFile
	case SchemeDir:
		return RetentionDir
	default:
		return RetentionTransient
	}
}

// ListEntries enumerates every stored source cache entry.
func (c *Cache) ListEntries() ([]Entry, error) {
	schemeDirs, err := c.root.ReadDir(".")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(herrors.ErrStoreIOError, "listing source cache root: %v", err)
	}
	var out []Entry
	for _, schemeDir := range schemeDirs {
		if schemeDir.Name() == "git-pool" || !schemeDir.IsDir() {
			continue
		}
		scheme := Scheme(schemeDir.Name())
		digests, err := c.root.ReadDir(schemeDir.Name())
		if err != nil {
			return nil, errors.Wrapf(herrors.ErrStoreIOError, "listing %s: %v", schemeDir.Name(), err)
		}
		for _, digestInfo := range digests {
			out = append(out, Entry{
				Key:    newKey(scheme, digestInfo.Name()),
				Age:    time.Since(digestInfo.ModTime()),
				Retain: retentionForScheme(scheme),
			})
		}
	}
	return out, nil
}

// Remove deletes a stored source cache entry.
func (c *Cache) Remove(key SourceKey) error {
	p, err := entryPath(key)
	if err != nil {
		return err
	}
	if err := util.RemoveAll(c.root, p); err != nil {
		return errors.Wrapf(herrors.ErrStoreIOError, "removing source entry %s: %v", key, err)
	}
	return nil
}

// Unpack extracts the source identified by key into target under targetDir,
// stripping strip leading path components from a tarball/zip. For
// dir/file-scheme keys it copies the stored tree/file directly, without
// re-hashing it; git: keys are rejected as an unsupported scheme. For
// tarball/zip keys Unpack verifies the stored content still hashes to key; a
// mismatch is herrors.ErrCorruptSource and the entry is left in place for inspection
// ("quarantined" per spec.md §4.2 — callers should not retry Unpack without
// investigating).
func (c *Cache) Unpack(key SourceKey, target billy.Filesystem, targetDir string, strip int) error {
	scheme, _, err := splitKey(key)
	if err != nil {
		return err
	}
	p, err := entryPath(key)
	if err != nil {
		return err
	}
	switch scheme {
	case SchemeTarGz, SchemeTarBz, SchemeZip:
		return c.unpackArchive(key, scheme, p, target, targetDir, strip)
	case SchemeDir:
		return c.unpackDir(p, target, targetDir)
	case SchemeFile:
		return c.unpackFile(p, target, targetDir)
	default:
		return errors.Wrapf(herrors.ErrInvalidSpec, "unsupported source scheme %q", scheme)
	}
}

func (c *Cache) unpackArchive(key SourceKey, scheme Scheme, entryP string, target billy.Filesystem, targetDir string, strip int) error {
	f, err := c.root.Open(entryP)
	if err != nil {
		return errors.Wrapf(herrors.ErrSourceNotFound, "opening source entry %s: %v", key, err)
	}
	defer f.Close()
	body, err := io.ReadAll(f)
	if err != nil {
		return errors.Wrap(err, "reading source entry")
	}
	digest, err := hashBytes(body)
	if err != nil {
		return err
	}
	_, wantDigest, _ := splitKey(key)
	if digest != wantDigest {
		return errors.Wrapf(herrors.ErrCorruptSource, "source %s: stored content hashes to %s", key, digest)
	}
	var format archive.Format
	switch scheme {
	case SchemeTarGz:
		format = archive.TarGzFormat
	case SchemeTarBz:
		format = archive.TarBz2Format
	case SchemeZip:
		format = archive.ZipFormat
	}
	return archive.Extract(targetSubFS{target, targetDir}, byteReader(body), format, archive.ExtractOptions{Strip: strip})
}

func (c *Cache) unpackDir(entryP string, target billy.Filesystem, targetDir string) error {
	return copyTree(c.root, entryP, target, targetDir)
}

func (c *Cache) unpackFile(entryP string, target billy.Filesystem, targetDir string) error {
	src, err := c.root.Open(entryP)
	if err != nil {
		return errors.Wrap(err, "opening stored file")
	}
	defer src.Close()
	if dir := path.Dir(targetDir); dir != "." {
		if err := target.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	dst, err := target.OpenFile(targetDir, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

func copyTree(src billy.Filesystem, srcDir string, dst billy.Filesystem, dstDir string) error {
	infos, err := src.ReadDir(srcDir)
	if err != nil {
		return err
	}
	if err := dst.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	for _, info := range infos {
		sp := path.Join(srcDir, info.Name())
		dp := path.Join(dstDir, info.Name())
		if info.IsDir() {
			if err := copyTree(src, sp, dst, dp); err != nil {
				return err
			}
			continue
		}
		sf, err := src.Open(sp)
		if err != nil {
			return err
		}
		df, err := dst.OpenFile(dp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			sf.Close()
			return err
		}
		_, err = io.Copy(df, sf)
		sf.Close()
		df.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// targetSubFS roots fs at a subdirectory, implementing just enough of
// billy.Filesystem for archive.Extract to write into targetDir.
type targetSubFS struct {
	billy.Filesystem
	sub string
}

func (t targetSubFS) join(p string) string { return path.Join(t.sub, p) }

func (t targetSubFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	return t.Filesystem.OpenFile(t.join(name), flag, perm)
}

func (t targetSubFS) MkdirAll(name string, perm os.FileMode) error {
	return t.Filesystem.MkdirAll(t.join(name), perm)
}

func (t targetSubFS) Symlink(target, link string) error {
	return t.Filesystem.Symlink(target, t.join(link))
}

func byteReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b   []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
