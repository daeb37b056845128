// Package gcsfs adapts a GCS bucket/prefix to the billy.Filesystem shape
// (spec.md §9 "(added) Remote-capable store roots"), modeled on the
// teacher's Reader/Writer-based GCSStore (pkg/rebuild/rebuild/storage.go)
// but widened to the fuller interface store/sourcecache/profile/gcroot all
// share. GCS has no real directories or symlinks, so MkdirAll is a no-op and
// a symlink is represented as a small marker object; see the package-level
// simplifications noted in DESIGN.md.
package gcsfs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

const symlinkMarker = "x-hashdist-symlink"

// FS implements billy.Filesystem against objects named prefix+"/"+path
// inside bucket. A zero-value prefix roots the filesystem at the bucket.
type FS struct {
	ctx    context.Context
	client *storage.Client
	bucket string
	prefix string
}

// New builds an FS rooted at gs://bucket/prefix, using client for all
// object operations and ctx for their deadlines/cancellation.
func New(ctx context.Context, client *storage.Client, bucket, prefix string) *FS {
	return &FS{ctx: ctx, client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// ParseURI splits a gs://bucket/prefix root into its parts.
func ParseURI(uri string) (bucket, prefix string, ok bool) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", false
	}
	b, p, _ := strings.Cut(rest, "/")
	return b, p, true
}

func (f *FS) object(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if f.prefix == "" {
		return p
	}
	if p == "" || p == "." {
		return f.prefix
	}
	return f.prefix + "/" + p
}

func (f *FS) obj(p string) *storage.ObjectHandle {
	return f.client.Bucket(f.bucket).Object(f.object(p))
}

// Root reports the gs:// URI this filesystem is rooted at.
func (f *FS) Root() string {
	if f.prefix == "" {
		return "gs://" + f.bucket
	}
	return "gs://" + f.bucket + "/" + f.prefix
}

// Join joins path elements with "/", GCS's only separator.
func (f *FS) Join(elem ...string) string { return path.Join(elem...) }

// Chroot returns a new FS rooted at p relative to f.
func (f *FS) Chroot(p string) (billy.Filesystem, error) {
	return &FS{ctx: f.ctx, client: f.client, bucket: f.bucket, prefix: f.object(p)}, nil
}

// Create opens filename for writing, truncating any existing object.
func (f *FS) Create(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

// Open opens filename for reading.
func (f *FS) Open(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_RDONLY, 0)
}

// OpenFile opens filename according to flag; GCS objects are immutable
// once written, so a write-mode file buffers in memory and uploads on Close.
func (f *FS) OpenFile(filename string, flag int, _ os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return &writeFile{fs: f, name: filename}, nil
	}
	r, err := f.obj(filename).NewReader(f.ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, errors.Wrapf(err, "opening gs://%s/%s", f.bucket, f.object(filename))
	}
	return &readFile{name: filename, r: r}, nil
}

// Stat returns the metadata of filename.
func (f *FS) Stat(filename string) (os.FileInfo, error) {
	attrs, err := f.obj(filename).Attrs(f.ctx)
	if err == nil {
		return objFileInfo{attrs}, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errors.Wrapf(err, "statting gs://%s/%s", f.bucket, f.object(filename))
	}
	// Not a plain object: report it as a directory if any object has it as
	// a prefix, matching the rest of the codebase's expectation that
	// intermediate path components stat as directories without being
	// explicitly created (GCS has no mkdir).
	it := f.client.Bucket(f.bucket).Objects(f.ctx, &storage.Query{Prefix: f.object(filename) + "/", Delimiter: "/"})
	if _, err := it.Next(); err == nil {
		return dirFileInfo{name: path.Base(filename)}, nil
	}
	return nil, os.ErrNotExist
}

// Lstat is Stat; GCS has no distinct link-vs-target object kind, only the
// symlinkMarker metadata flag Readlink/Symlink below use.
func (f *FS) Lstat(filename string) (os.FileInfo, error) { return f.Stat(filename) }

// ReadDir lists the immediate children of path as reported by GCS's
// delimiter-based listing (the closest GCS analog to a directory listing).
func (f *FS) ReadDir(p string) ([]os.FileInfo, error) {
	prefix := f.object(p)
	if prefix != "" {
		prefix += "/"
	}
	it := f.client.Bucket(f.bucket).Objects(f.ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var out []os.FileInfo
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "listing gs://%s/%s", f.bucket, prefix)
		}
		if attrs.Prefix != "" {
			out = append(out, dirFileInfo{name: path.Base(strings.TrimSuffix(attrs.Prefix, "/"))})
			continue
		}
		out = append(out, objFileInfo{attrs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// MkdirAll is a no-op: GCS objects exist regardless of their containing
// "directories", which are purely a naming convention.
func (f *FS) MkdirAll(string, os.FileMode) error { return nil }

// Rename copies oldpath to newpath and deletes the original; GCS has no
// atomic rename primitive, so concurrent readers may briefly see neither or
// both objects. The local osfs-backed store root remains the path every
// atomicity invariant in spec.md §4.5/§5 is phrased against; a gs:// root
// configured as the store is used directly, with no local root layered over it.
func (f *FS) Rename(oldpath, newpath string) error {
	src := f.obj(oldpath)
	dst := f.obj(newpath)
	if _, err := dst.CopierFrom(src).Run(f.ctx); err != nil {
		return errors.Wrapf(err, "renaming gs://%s/%s to %s", f.bucket, f.object(oldpath), f.object(newpath))
	}
	return src.Delete(f.ctx)
}

// Remove deletes filename.
func (f *FS) Remove(filename string) error {
	if err := f.obj(filename).Delete(f.ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(err, "removing gs://%s/%s", f.bucket, f.object(filename))
	}
	return nil
}

// Symlink records link as a zero-byte object tagged with target in the
// symlinkMarker metadata key, GCS's nearest equivalent to a real symlink.
func (f *FS) Symlink(target, link string) error {
	w := f.obj(link).NewWriter(f.ctx)
	w.Metadata = map[string]string{symlinkMarker: target}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "symlinking gs://%s/%s -> %s", f.bucket, f.object(link), target)
	}
	return nil
}

// Readlink returns the target a prior Symlink call recorded for link.
func (f *FS) Readlink(link string) (string, error) {
	attrs, err := f.obj(link).Attrs(f.ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", os.ErrNotExist
		}
		return "", errors.Wrapf(err, "reading gs://%s/%s", f.bucket, f.object(link))
	}
	target, ok := attrs.Metadata[symlinkMarker]
	if !ok {
		return "", errors.Errorf("gs://%s/%s is not a symlink", f.bucket, f.object(link))
	}
	return target, nil
}

// TempFile buffers its contents in memory and uploads to a name under dir
// on Close, since GCS has no server-side temp-file primitive.
func (f *FS) TempFile(dir, prefix string) (billy.File, error) {
	name := path.Join(dir, prefix+strings.ReplaceAll(time.Now().UTC().Format("20060102T150405.000000000"), ".", ""))
	return &writeFile{fs: f, name: name}, nil
}

type readFile struct {
	name string
	r    *storage.Reader
}

func (r *readFile) Name() string                 { return r.name }
func (r *readFile) Read(p []byte) (int, error)   { return r.r.Read(p) }
func (r *readFile) Close() error                 { return r.r.Close() }
func (r *readFile) Write([]byte) (int, error)    { return 0, errors.New("gcsfs: file opened read-only") }
func (r *readFile) Lock() error                  { return nil }
func (r *readFile) Unlock() error                { return nil }
func (r *readFile) Truncate(int64) error         { return errors.New("gcsfs: truncate unsupported") }
func (r *readFile) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == io.SeekStart {
		return 0, nil
	}
	return 0, errors.New("gcsfs: arbitrary seek unsupported on a streamed read")
}

// writeFile buffers writes and uploads the whole object on Close, since GCS
// writes are append-only-until-finalized rather than random access.
type writeFile struct {
	fs   *FS
	name string
	buf  bytes.Buffer
}

func (w *writeFile) Name() string               { return w.name }
func (w *writeFile) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *writeFile) Read([]byte) (int, error)    { return 0, errors.New("gcsfs: file opened write-only") }
func (w *writeFile) Lock() error                 { return nil }
func (w *writeFile) Unlock() error               { return nil }
func (w *writeFile) Truncate(size int64) error   { w.buf.Truncate(int(size)); return nil }
func (w *writeFile) Seek(int64, int) (int64, error) {
	return 0, errors.New("gcsfs: seek unsupported on a buffered write")
}
func (w *writeFile) Close() error {
	wc := w.fs.obj(w.name).NewWriter(w.fs.ctx)
	if _, err := wc.Write(w.buf.Bytes()); err != nil {
		wc.Close()
		return errors.Wrapf(err, "uploading gs://%s/%s", w.fs.bucket, w.fs.object(w.name))
	}
	return wc.Close()
}

type objFileInfo struct{ attrs *storage.ObjectAttrs }

func (o objFileInfo) Name() string       { return path.Base(o.attrs.Name) }
func (o objFileInfo) Size() int64        { return o.attrs.Size }
func (o objFileInfo) Mode() os.FileMode  { return 0o644 }
func (o objFileInfo) ModTime() time.Time { return o.attrs.Updated }
func (o objFileInfo) IsDir() bool        { return false }
func (o objFileInfo) Sys() any           { return nil }

type dirFileInfo struct{ name string }

func (d dirFileInfo) Name() string       { return d.name }
func (d dirFileInfo) Size() int64        { return 0 }
func (d dirFileInfo) Mode() os.FileMode  { return os.ModeDir | 0o755 }
func (d dirFileInfo) ModTime() time.Time { return time.Time{} }
func (d dirFileInfo) IsDir() bool        { return true }
func (d dirFileInfo) Sys() any           { return nil }
