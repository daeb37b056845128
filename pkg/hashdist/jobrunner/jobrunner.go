// Package jobrunner assembles the build environment for a BuildSpec job
// (spec.md §4.4, C4) and executes its command sequence, capturing build.log.
package jobrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/hashdist/hashdist/internal/bufiox"
	"github.com/hashdist/hashdist/pkg/hashdist/buildspec"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/pkg/errors"
)

// logExcerptBytes bounds how much of the tail of build.log is retained in
// memory for a BuildFailed error, independent of how much is written to disk.
const logExcerptBytes = 64 * 1024

// ResolvedImport is an Import (spec.md §3) bound to the on-disk location of
// the artifact it names, as resolved by the store before a job runs.
type ResolvedImport struct {
	Ref  string
	ID   buildspec.ArtifactID
	Path string // absolute path of the artifact directory in the build store

	// ModifiesEnv reports whether this import's own build declared an
	// import_modify_env sub-document (spec.md §4.4). Only such imports
	// contribute their bin/ directory to PATH.
	ModifiesEnv bool
}

// BuildEnvironment holds the variables and PATH available to a job's
// commands, plus the substitution table used to expand ${ref}-style tokens
// in argv entries (spec.md §4.4).
type BuildEnvironment struct {
	Vars map[string]string
	refs map[string]ResolvedImport
}

// NewBuildEnvironment assembles the environment for job given its resolved
// imports, the directory commands should place build output under
// (artifactDir), and extra job-level variables (spec's `env`, already
// stripped of _nohash keys' significance for hashing but still passed
// through verbatim here).
func NewBuildEnvironment(job buildspec.Job, imports []ResolvedImport, artifactDir string, extra map[string]any) (*BuildEnvironment, error) {
	refs := make(map[string]ResolvedImport, len(imports))
	for _, ri := range imports {
		refs[ri.Ref] = ri
	}
	vars := map[string]string{
		// ARTIFACT and BUILD coincide in this core: a job builds directly
		// inside the staging directory that is later renamed into place as
		// the artifact itself (spec.md §4.4 "ARTIFACT, BUILD... always set").
		"ARTIFACT": artifactDir,
		"BUILD":    artifactDir,
	}
	var pathDirs []string
	var cflags []string
	var ldflags []string
	var virtuals []string

	// Deterministic order: iterate job.Import, not the map, so PATH/CFLAGS
	// ordering is stable across runs regardless of map iteration.
	for _, imp := range job.Import {
		ri, ok := refs[imp.Ref]
		if !ok {
			return nil, errors.Wrapf(herrors.ErrUnresolvedImport, "import %q has no resolved artifact", imp.Ref)
		}
		vars[imp.Ref] = ri.Path
		vars[imp.Ref+"_id"] = ri.ID.String()
		vars[imp.Ref+"_relpath"] = relPath(artifactDir, ri.Path)
		if ri.ModifiesEnv {
			if bin := path.Join(ri.Path, "bin"); dirLikelyExists(bin) {
				pathDirs = append(pathDirs, bin)
			}
		}
		if inc := path.Join(ri.Path, "include"); dirLikelyExists(inc) {
			cflags = append(cflags, "-I"+inc)
		}
		if lib := path.Join(ri.Path, "lib"); dirLikelyExists(lib) {
			ldflags = append(ldflags, "-L"+lib, "-Wl,-R,"+lib)
		}
		virtuals = append(virtuals, fmt.Sprintf("%s=%s", imp.Ref, ri.ID.String()))
	}
	// No host PATH inherited (spec.md §4.4): PATH is built entirely from
	// imports that declare themselves in import_modify_env.
	vars["PATH"] = strings.Join(pathDirs, ":")
	if len(cflags) > 0 {
		vars["HDIST_CFLAGS"] = strings.Join(cflags, " ")
	}
	if len(ldflags) > 0 {
		vars["HDIST_LDFLAGS"] = strings.Join(ldflags, " ")
	}
	if len(virtuals) > 0 {
		sort.Strings(virtuals)
		vars["HDIST_VIRTUALS"] = strings.Join(virtuals, ";")
	}
	for k, v := range extra {
		vars[k] = fmt.Sprintf("%v", v)
	}
	return &BuildEnvironment{Vars: vars, refs: refs}, nil
}

// dirLikelyExists is a best-effort local-path check; store roots are almost
// always local disk for a running build, and a false negative here only
// means an optional PATH/CFLAGS entry is skipped, never a build failure.
func dirLikelyExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

func relPath(base, target string) string {
	if strings.HasPrefix(target, base) {
		rel := strings.TrimPrefix(strings.TrimPrefix(target, base), "/")
		if rel == "" {
			return "."
		}
		return rel
	}
	return target
}

// Expand substitutes every ${ref}, ${ref}_id, and ${ref}_relpath token
// (and the ${hit} self-reference bootstrap) appearing in s against env.
func (env *BuildEnvironment) Expand(s string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := env.Vars[name]; ok {
			return v
		}
		return ""
	})
}

// ExpandAll substitutes ${name} tokens in every argument in args; unlike
// Expand, it leaves a bare $name untouched.
func (env *BuildEnvironment) ExpandAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = expandDollarBraces(a, env.Vars)
	}
	return out
}

// expandDollarBraces expands only ${name} tokens (an unknown name expands to
// ""); a bare $name, which os.Expand would also substitute, is copied
// through unchanged.
func expandDollarBraces(s string, vars map[string]string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end >= 0 {
				name := s[i+2 : i+2+end]
				b.WriteString(vars[name])
				i += 2 + end + 1
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// CommandOptions configures one command execution within a job run.
type CommandOptions struct {
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
}

// CommandExecutor abstracts process execution for testability, mirroring
// the split between a real os/exec-backed implementation and a fake used in
// tests.
type CommandExecutor interface {
	Execute(ctx context.Context, opts CommandOptions, name string, args ...string) error
}

// Runner executes a Job's command sequence in order, piping each command's
// stdout/stderr into a build.log file plus an in-memory tail excerpt, and
// tagging the attempt with a uuid for log correlation (never hashed;
// spec.md §4.4, §9).
type Runner struct {
	Exec CommandExecutor
	Dir  string // build working directory
}

// Result is the outcome of running a Job's commands.
type Result struct {
	AttemptID string
	LogPath   string
}

// Run executes job's commands in env with r.Dir as working directory, writing combined
// output to logFile (already open for writing) and returns the attempt's
// result. On a non-zero exit, Run returns a *herrors.BuildFailed wrapping
// the underlying error, with a log excerpt attached.
func (r *Runner) Run(ctx context.Context, job buildspec.Job, env *BuildEnvironment, logFile billy.File, artifactID string) (Result, error) {
	attemptID := uuid.NewString()
	excerpt := bufiox.NewLineBuffer(logExcerptBytes)
	out := io.MultiWriter(logFile, excerpt)

	fmt.Fprintf(out, "=== build attempt %s ===\n", attemptID)
	for i, cmd := range job.Commands {
		if len(cmd.Cmd) == 0 {
			continue
		}
		cmdEnv := mergedEnv(env.Vars, cmd.Env)
		argv := env.ExpandAll(cmd.Cmd)
		fmt.Fprintf(out, "--- command %d: %s\n", i, strings.Join(argv, " "))
		var stdin io.Reader
		if len(cmd.Inputs) > 0 {
			stdin = strings.NewReader(string(cmd.Inputs))
		}
		err := r.Exec.Execute(ctx, CommandOptions{
			Dir:    r.Dir,
			Env:    cmdEnv,
			Stdin:  stdin,
			Stdout: out,
		}, argv[0], argv[1:]...)
		if err != nil {
			excerptBytes := make([]byte, excerpt.Len())
			excerpt.Read(excerptBytes)
			return Result{AttemptID: attemptID}, &herrors.BuildFailed{
				ArtifactID: artifactID,
				Stage:      fmt.Sprintf("command %d", i),
				LogExcerpt: string(excerptBytes),
				Err:        errors.Wrapf(err, "running %s", argv[0]),
			}
		}
	}
	return Result{AttemptID: attemptID}, nil
}

func mergedEnv(base map[string]string, override map[string]string) []string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + merged[k]
	}
	return out
}

// RealCommandExecutor runs commands via os/exec, scrubbing the ambient
// process environment: jobs run with exactly the variables jobrunner
// assembled, never the caller's shell environment (spec.md §4.4's
// hermeticity requirement).
type RealCommandExecutor struct{}

var _ CommandExecutor = RealCommandExecutor{}

// Execute implements CommandExecutor using os/exec, passing only opts.Env
// (never os.Environ()) so builds stay hermetic.
func (RealCommandExecutor) Execute(ctx context.Context, opts CommandOptions, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
		cmd.Stderr = opts.Stdout
	}
	return cmd.Run()
}
