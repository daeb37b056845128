package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashdist/hashdist/pkg/hashdist/buildspec"
	"github.com/hashdist/hashdist/pkg/hashdist/jobrunner"
	"github.com/hashdist/hashdist/pkg/hashdist/sourcecache"
)

type countingExecutor struct {
	calls int
}

func (c *countingExecutor) Execute(ctx context.Context, opts jobrunner.CommandOptions, name string, args ...string) error {
	c.calls++
	return nil
}

func testSpec(name string) *buildspec.Spec {
	return &buildspec.Spec{
		Name:    name,
		Version: "1.0",
		Build: buildspec.Job{
			Commands: []buildspec.Command{
				{Cmd: []string{"${hit}/bin/true"}},
			},
		},
	}
}

func newTestStore() (*Store, *countingExecutor) {
	root := memfs.New()
	sources := sourcecache.New(memfs.New())
	exec := &countingExecutor{}
	runner := &jobrunner.Runner{Exec: exec}
	return New(root, sources, runner), exec
}

func TestBuildThenResolveHit(t *testing.T) {
	s, exec := newTestStore()
	spec := testSpec("zlib")
	dir, err := s.Build(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if dir.Path == "" {
		t.Fatal("expected non-empty artifact path")
	}
	if exec.calls != 1 {
		t.Fatalf("expected 1 command execution, got %d", exec.calls)
	}
	resolved, ok, err := s.Resolve(spec)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !ok {
		t.Fatal("expected Resolve to find the built artifact")
	}
	if resolved.Path != dir.Path {
		t.Fatalf("resolved path %s != built path %s", resolved.Path, dir.Path)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	s, exec := newTestStore()
	spec := testSpec("zlib")
	if _, err := s.Build(context.Background(), spec, nil); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	if _, err := s.Build(context.Background(), spec, nil); err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("expected commands to run exactly once across both Build calls, got %d", exec.calls)
	}
}

func TestBuildWritesArtifactFiles(t *testing.T) {
	s, _ := newTestStore()
	spec := testSpec("zlib")
	dir, err := s.Build(context.Background(), spec, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, f := range []string{"build.json", "artifact.json", "build.log.gz"} {
		if _, err := s.root.Stat(dir.Path + "/" + f); err != nil {
			t.Fatalf("expected %s to exist in artifact dir: %v", f, err)
		}
	}
}

func TestDistinctSpecsGetDistinctArtifacts(t *testing.T) {
	s, _ := newTestStore()
	d1, err := s.Build(context.Background(), testSpec("zlib"), nil)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.Build(context.Background(), testSpec("bzip2"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if d1.Path == d2.Path {
		t.Fatalf("expected distinct artifact paths, got %s for both", d1.Path)
	}
}

func TestResolveMissingReturnsNotOK(t *testing.T) {
	s, _ := newTestStore()
	_, ok, err := s.Resolve(testSpec("never-built"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected Resolve to report no hit for an unbuilt spec")
	}
}

func TestShortHashCollisionLengthens(t *testing.T) {
	s, _ := newTestStore()
	d1, err := s.Build(context.Background(), testSpec("zlib"), nil)
	if err != nil {
		t.Fatal(err)
	}
	shortLen := len(d1.Path[len(d1.Path)-shortHashLen:])
	if shortLen != shortHashLen {
		t.Fatalf("expected short hash of length %d in path %s", shortHashLen, d1.Path)
	}
	// Fabricate a colliding unrelated artifact directory sharing the same
	// short-hash prefix under a different name/version pair would require a
	// real hash collision to test directly; instead verify allocateShortHash
	// lengthens when the prefix is already taken by something with a
	// different full hash.
	name, version := "collider", "1.0"
	prefix := d1.Path[len(d1.Path)-shortHashLen:]
	fakeDir := fmt.Sprintf("opt/%s/%s/%s", name, version, prefix)
	if err := s.root.MkdirAll(fakeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := util.WriteFile(s.root, fakeDir+"/artifact.json", []byte(`{"hash":"zzzzzzzzzzzzzzzz"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	allocated, err := s.allocateShortHash(name, version, prefix+"extra")
	if err != nil {
		t.Fatal(err)
	}
	if allocated == prefix {
		t.Fatalf("expected a lengthened prefix distinct from the colliding one %s", prefix)
	}
}
