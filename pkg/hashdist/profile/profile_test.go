package profile

import (
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/hashdist/hashdist/pkg/hashdist/linkdsl"
	"github.com/pkg/errors"
)

type fakeResolver struct {
	meta map[string]ArtifactMeta
	fs   map[string]billy.Filesystem
}

func (r *fakeResolver) Path(id string) (string, error) { return "/store/" + id, nil }
func (r *fakeResolver) Meta(id string) (ArtifactMeta, error) {
	m, ok := r.meta[id]
	if !ok {
		return ArtifactMeta{}, errors.New("no such artifact: " + id)
	}
	return m, nil
}
func (r *fakeResolver) FS(id string) (billy.Filesystem, error) {
	fs, ok := r.fs[id]
	if !ok {
		return memfs.New(), nil
	}
	return fs, nil
}

func newFixture() *fakeResolver {
	zlibFS := memfs.New()
	util.WriteFile(zlibFS, "lib/libz.so.1.2.7", []byte("zlib binary"), 0o644)
	return &fakeResolver{
		meta: map[string]ArtifactMeta{
			"zlib/1.2.7/hashz": {
				RuntimeDependencies: nil,
				Links: []linkdsl.Rule{
					{Action: linkdsl.ActionSymlink, Select: "*", Prefix: "lib", Target: "$PROFILE/lib"},
				},
				ProfileEnvVars: map[string]string{"ZLIB_VERSION": "1.2.7"},
			},
			"hdf5/1.10/hashh": {
				RuntimeDependencies: []string{"zlib/1.2.7/hashz"},
			},
		},
		fs: map[string]billy.Filesystem{"zlib/1.2.7/hashz": zlibFS},
	}
}

func TestAssembleIncludesTransitiveDeps(t *testing.T) {
	resolver := newFixture()
	profileFS := memfs.New()
	if err := Assemble(resolver, []string{"hdf5/1.10/hashh"}, profileFS); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if _, err := profileFS.Readlink("lib/libz.so.1.2.7"); err != nil {
		t.Fatalf("expected zlib linked in transitively via hdf5's dep, got error: %v", err)
	}
	if _, err := profileFS.Stat("profile.json"); err != nil {
		t.Fatalf("expected profile.json to be written: %v", err)
	}
}

func TestAssembleDetectsEnvVarConflict(t *testing.T) {
	resolver := newFixture()
	resolver.meta["zlib-alt/1.2.7/hashz2"] = ArtifactMeta{
		ProfileEnvVars: map[string]string{"ZLIB_VERSION": "99.0"},
	}
	profileFS := memfs.New()
	err := Assemble(resolver, []string{"zlib/1.2.7/hashz", "zlib-alt/1.2.7/hashz2"}, profileFS)
	if !errors.Is(err, herrors.ErrProfileConflict) {
		t.Fatalf("expected ErrProfileConflict, got %v", err)
	}
}

func TestSynthesizeSpecReferencesEachRoot(t *testing.T) {
	spec := SynthesizeSpec([]string{"hdf5/1.10/hashh", "zlib/1.2.7/hashz"})
	if len(spec.Build.Import) != 2 {
		t.Fatalf("expected 2 imports, got %d", len(spec.Build.Import))
	}
	if spec.Build.Import[0].ID != "hdf5/1.10/hashh" {
		t.Fatalf("expected deterministic sorted import order, got %v", spec.Build.Import)
	}
	if err := spec.Validate(); err != nil {
		t.Fatalf("expected synthesized spec to validate, got %v", err)
	}
}
