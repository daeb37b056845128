package profile

import (
	"sort"
	"strconv"

	"github.com/hashdist/hashdist/pkg/hashdist/buildspec"
)

// SynthesizeSpec builds the BuildSpec for a profile over roots: a single
// command invoking the in-tree profile-assembly subcommand, so profiles are
// cached and GC-visible exactly like any other artifact (spec.md §4.6
// "Profiles themselves are built as artifacts").
func SynthesizeSpec(roots []string) *buildspec.Spec {
	sorted := append([]string{}, roots...)
	sort.Strings(sorted)
	imports := make([]buildspec.Import, len(sorted))
	args := []string{"${hit}", "profile", "assemble", "${ARTIFACT}"}
	for i, id := range sorted {
		ref := "root" + strconv.Itoa(i)
		imports[i] = buildspec.Import{Ref: ref, ID: id}
		args = append(args, "${"+ref+"_id}")
	}
	return &buildspec.Spec{
		Name: "profile",
		Build: buildspec.Job{
			Import:   imports,
			Commands: []buildspec.Command{{Cmd: args}},
		},
		Parameters: map[string]any{"roots": sorted},
	}
}
