package jobrunner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/hashdist/hashdist/pkg/hashdist/buildspec"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/pkg/errors"
)

type fakeExecutor struct {
	calls   [][]string
	failOn  int
	stdouts []string
}

func (f *fakeExecutor) Execute(ctx context.Context, opts CommandOptions, name string, args ...string) error {
	argv := append([]string{name}, args...)
	idx := len(f.calls)
	f.calls = append(f.calls, argv)
	if opts.Stdout != nil {
		fmt.Fprintf(opts.Stdout, "ran %s\n", strings.Join(argv, " "))
	}
	if idx == f.failOn {
		return errors.New("boom")
	}
	return nil
}

func testJob() buildspec.Job {
	return buildspec.Job{
		Import: []buildspec.Import{{Ref: "gcc", ID: "gcc/9.0/abc"}},
		Commands: []buildspec.Command{
			{Cmd: []string{"${gcc}/bin/cc", "-o", "out", "main.c"}},
			{Cmd: []string{"./out"}},
		},
	}
}

func testImports() []ResolvedImport {
	return []ResolvedImport{{Ref: "gcc", ID: buildspec.ArtifactID{Name: "gcc", Version: "9.0", Hash: "abc"}, Path: "/bs/gcc/9.0/abc"}}
}

func TestBuildEnvironmentSubstitution(t *testing.T) {
	env, err := NewBuildEnvironment(testJob(), testImports(), "/bs/out/1/hash", nil)
	if err != nil {
		t.Fatalf("NewBuildEnvironment: %v", err)
	}
	if env.Vars["gcc"] != "/bs/gcc/9.0/abc" {
		t.Fatalf("expected gcc var set, got %v", env.Vars["gcc"])
	}
	if env.Vars["gcc_id"] != "gcc/9.0/abc" {
		t.Fatalf("expected gcc_id, got %v", env.Vars["gcc_id"])
	}
	expanded := env.ExpandAll(testJob().Commands[0].Cmd)
	want := "/bs/gcc/9.0/abc/bin/cc"
	if expanded[0] != want {
		t.Fatalf("expected %q, got %q", want, expanded[0])
	}
}

func TestBuildEnvironmentUnresolvedImport(t *testing.T) {
	job := buildspec.Job{Import: []buildspec.Import{{Ref: "missing", ID: "x/1/y"}}}
	_, err := NewBuildEnvironment(job, nil, "/bs/out", nil)
	if !errors.Is(err, herrors.ErrUnresolvedImport) {
		t.Fatalf("expected ErrUnresolvedImport, got %v", err)
	}
}

func TestRunnerRunsCommandsInOrder(t *testing.T) {
	env, err := NewBuildEnvironment(testJob(), testImports(), "/bs/out", nil)
	if err != nil {
		t.Fatal(err)
	}
	exec := &fakeExecutor{failOn: -1}
	r := &Runner{Exec: exec, Dir: "/build"}
	fs := memfs.New()
	f, err := fs.Create("build.log")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	result, err := r.Run(context.Background(), testJob(), env, f, "prog/1/hash")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.AttemptID == "" {
		t.Fatal("expected non-empty attempt ID")
	}
	if len(exec.calls) != 2 {
		t.Fatalf("expected 2 commands run, got %d", len(exec.calls))
	}
	if exec.calls[0][0] != "/bs/gcc/9.0/abc/bin/cc" {
		t.Fatalf("unexpected first command: %v", exec.calls[0])
	}
}

func TestRunnerFailureReturnsBuildFailed(t *testing.T) {
	env, err := NewBuildEnvironment(testJob(), testImports(), "/bs/out", nil)
	if err != nil {
		t.Fatal(err)
	}
	exec := &fakeExecutor{failOn: 0}
	r := &Runner{Exec: exec, Dir: "/build"}
	fs := memfs.New()
	f, err := fs.Create("build.log")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	_, err = r.Run(context.Background(), testJob(), env, f, "prog/1/hash")
	if err == nil {
		t.Fatal("expected error")
	}
	var bf *herrors.BuildFailed
	if !errors.As(err, &bf) {
		t.Fatalf("expected *herrors.BuildFailed, got %T: %v", err, err)
	}
	if bf.ArtifactID != "prog/1/hash" {
		t.Fatalf("unexpected artifact id: %s", bf.ArtifactID)
	}
	if bf.LogExcerpt == "" {
		t.Fatal("expected non-empty log excerpt")
	}
}

func mkArtifactDirs(t *testing.T, subdirs ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range subdirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestBuildEnvironmentPATHExcludesHostDirs(t *testing.T) {
	gccPath := mkArtifactDirs(t, "bin")
	imports := []ResolvedImport{{Ref: "gcc", ID: buildspec.ArtifactID{Name: "gcc", Version: "9.0", Hash: "abc"}, Path: gccPath, ModifiesEnv: true}}
	env, err := NewBuildEnvironment(testJob(), imports, "/bs/out", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Vars["PATH"] != filepath.Join(gccPath, "bin") {
		t.Fatalf("expected PATH to contain only the import's bin dir, got %q", env.Vars["PATH"])
	}
	if strings.Contains(env.Vars["PATH"], "/usr/bin") || strings.Contains(env.Vars["PATH"], "/bin:") {
		t.Fatalf("expected no host directories in PATH, got %q", env.Vars["PATH"])
	}
}

func TestBuildEnvironmentPATHOmitsImportsNotDeclaringModifyEnv(t *testing.T) {
	gccPath := mkArtifactDirs(t, "bin")
	imports := []ResolvedImport{{Ref: "gcc", ID: buildspec.ArtifactID{Name: "gcc", Version: "9.0", Hash: "abc"}, Path: gccPath, ModifiesEnv: false}}
	env, err := NewBuildEnvironment(testJob(), imports, "/bs/out", nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Vars["PATH"] != "" {
		t.Fatalf("expected empty PATH for an import that doesn't declare import_modify_env, got %q", env.Vars["PATH"])
	}
}

func TestBuildEnvironmentLDFLAGSIncludesRpath(t *testing.T) {
	zlibPath := mkArtifactDirs(t, "lib")
	job := buildspec.Job{Import: []buildspec.Import{{Ref: "zlib", ID: "zlib/1.2.7/abc"}}}
	imports := []ResolvedImport{{Ref: "zlib", ID: buildspec.ArtifactID{Name: "zlib", Version: "1.2.7", Hash: "abc"}, Path: zlibPath}}
	env, err := NewBuildEnvironment(job, imports, "/bs/out", nil)
	if err != nil {
		t.Fatal(err)
	}
	lib := filepath.Join(zlibPath, "lib")
	want := "-L" + lib + " -Wl,-R," + lib
	if env.Vars["HDIST_LDFLAGS"] != want {
		t.Fatalf("HDIST_LDFLAGS = %q, want %q", env.Vars["HDIST_LDFLAGS"], want)
	}
}

func TestMergedEnvDeterministicOrder(t *testing.T) {
	base := map[string]string{"B": "1", "A": "2"}
	got := mergedEnv(base, map[string]string{"C": "3"})
	want := []string{"A=2", "B=1", "C=3"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", got, want)
	}
}

