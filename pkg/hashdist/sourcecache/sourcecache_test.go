package sourcecache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/pkg/errors"
)

func tarGzBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestFetchIsIdempotent(t *testing.T) {
	body := tarGzBytes(t, map[string]string{"hello.txt": "hi"})
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(body)
	}))
	defer srv.Close()

	c := New(memfs.New())
	k1, err := c.Fetch(srv.URL, SchemeTarGz)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	k2, err := c.Fetch(srv.URL, SchemeTarGz)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected same key on refetch, got %s and %s", k1, k2)
	}
	if hits != 1 {
		t.Fatalf("expected exactly one HTTP request, got %d", hits)
	}
}

func TestFetchAndUnpackTarGz(t *testing.T) {
	body := tarGzBytes(t, map[string]string{"a/b.txt": "content"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	c := New(memfs.New())
	key, err := c.Fetch(srv.URL, SchemeTarGz)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	target := memfs.New()
	if err := c.Unpack(key, target, "out", 0); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	got, err := util.ReadFile(target, "out/a/b.txt")
	if err != nil {
		t.Fatalf("reading unpacked file: %v", err)
	}
	if string(got) != "content" {
		t.Fatalf("got %q, want %q", got, "content")
	}
}

func TestUnpackDetectsCorruption(t *testing.T) {
	body := tarGzBytes(t, map[string]string{"a.txt": "content"})
	root := memfs.New()
	c := New(root)
	digest, err := hashBytes(body)
	if err != nil {
		t.Fatal(err)
	}
	key := newKey(SchemeTarGz, digest)
	if err := c.storeRaw(key, body); err != nil {
		t.Fatal(err)
	}
	// Corrupt the stored entry in place.
	p, err := entryPath(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := util.WriteFile(root, p, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	err = c.Unpack(key, memfs.New(), "out", 0)
	if !errors.Is(err, herrors.ErrCorruptSource) {
		t.Fatalf("expected ErrCorruptSource, got %v", err)
	}
}

func TestPutFileThenUnpack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("hello there"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New(memfs.New())
	key, err := c.Put(path, SchemeFile)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	target := memfs.New()
	if err := c.Unpack(key, target, "out/notes.txt", 0); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	got, err := util.ReadFile(target, "out/notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello there" {
		t.Fatalf("got %q", got)
	}
}

func TestPutDirHashIgnoresEnumerationOrder(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	files := map[string]string{"b.txt": "2", "a.txt": "1", "sub/c.txt": "3"}
	for _, dir := range []string{dirA, dirB} {
		for rel, body := range files {
			full := filepath.Join(dir, rel)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	c := New(memfs.New())
	k1, err := c.Put(dirA, SchemeDir)
	if err != nil {
		t.Fatalf("Put dirA: %v", err)
	}
	k2, err := c.Put(dirB, SchemeDir)
	if err != nil {
		t.Fatalf("Put dirB: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected identical directory hash regardless of layout order, got %s and %s", k1, k2)
	}
}

func TestPutDirThenUnpackRoundTrips(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "f.txt"), []byte("v"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New(memfs.New())
	key, err := c.Put(dir, SchemeDir)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	target := memfs.New()
	if err := c.Unpack(key, target, "out", 0); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	got, err := util.ReadFile(target, "out/sub/f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q", got)
	}
}

func TestNewKeyAndSplitKeyRoundTrip(t *testing.T) {
	key := newKey(SchemeZip, "abc123")
	scheme, digest, err := splitKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if scheme != SchemeZip || digest != "abc123" {
		t.Fatalf("got scheme=%s digest=%s", scheme, digest)
	}
}

func TestSplitKeyRejectsMalformed(t *testing.T) {
	if _, _, err := splitKey("no-colon-here"); !errors.Is(err, herrors.ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
}
