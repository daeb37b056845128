package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/hashdist/hashdist/pkg/hashdist/buildspec"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/hashdist/hashdist/pkg/hashdist/jobrunner"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var virtualFlags []string

var buildCmd = &cobra.Command{
	Use:   "build <build.json>",
	Short: "resolve or build the artifact a BuildSpec canonicalizes to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return errors.Wrapf(herrors.ErrInvalidSpec, "reading %s: %v", args[0], err)
		}
		spec, err := buildspec.Parse(data)
		if err != nil {
			return err
		}
		virtuals, err := parseVirtualFlags(virtualFlags)
		if err != nil {
			return err
		}
		e, err := loadEnv()
		if err != nil {
			return err
		}
		imports, err := resolveImports(e, spec.Build.Import, virtuals)
		if err != nil {
			return err
		}
		dir, err := e.store.Build(cmd.Context(), spec, imports)
		if err != nil {
			return err
		}
		fmt.Println(color.GreenString(e.absPath(dir.Path)))
		return nil
	},
}

func init() {
	buildCmd.Flags().StringArrayVar(&virtualFlags, "virtual", nil, "alias=artifactID binding for a virtual:<alias> import, repeatable")
}

func parseVirtualFlags(flags []string) (map[string]string, error) {
	out := map[string]string{}
	for _, f := range flags {
		alias, id, ok := strings.Cut(f, "=")
		if !ok || alias == "" || id == "" {
			return nil, errors.Wrapf(herrors.ErrInvalidSpec, "malformed --virtual binding %q, want alias=artifactID", f)
		}
		out[alias] = id
	}
	return out, nil
}

// resolveImports binds each of imports to its on-disk location, resolving
// virtual:<alias> references through virtuals first (spec.md §3 "id is an
// ArtifactID or a virtual ID... resolved by a caller-provided table").
func resolveImports(e *env, imports []buildspec.Import, virtuals map[string]string) ([]jobrunner.ResolvedImport, error) {
	out := make([]jobrunner.ResolvedImport, 0, len(imports))
	for _, imp := range imports {
		idStr := imp.ID
		if alias, ok := strings.CutPrefix(idStr, "virtual:"); ok {
			bound, ok := virtuals[alias]
			if !ok {
				return nil, errors.Wrapf(herrors.ErrUnresolvedImport, "import %q: no --virtual binding for alias %q", imp.Ref, alias)
			}
			idStr = bound
		}
		id, err := buildspec.ParseID(idStr)
		if err != nil {
			return nil, err
		}
		dir, ok, err := e.store.ResolveAny(id.Name, id.Version, id.Hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Wrapf(herrors.ErrUnresolvedImport, "import %q (%s) not found in store; build it first", imp.Ref, idStr)
		}
		modifiesEnv, err := e.store.DeclaresImportModifyEnv(dir)
		if err != nil {
			return nil, err
		}
		out = append(out, jobrunner.ResolvedImport{Ref: imp.Ref, ID: dir.ID, Path: e.absPath(dir.Path), ModifiesEnv: modifiesEnv})
	}
	return out, nil
}
