package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/hashdist/hashdist/internal/hdconfig"
	"github.com/hashdist/hashdist/pkg/hashdist/buildspec"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/hashdist/hashdist/pkg/hashdist/jobrunner"
	"github.com/hashdist/hashdist/pkg/hashdist/profile"
	"github.com/hashdist/hashdist/pkg/hashdist/sourcecache"
	"github.com/hashdist/hashdist/pkg/hashdist/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "build and assemble profiles over a set of root artifacts",
}

var profileBuildCmd = &cobra.Command{
	Use:   "build <name/version/hash>...",
	Short: "build (or reuse the cached build of) a profile over the given roots",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := loadEnv()
		if err != nil {
			return err
		}
		for _, a := range args {
			id, err := buildspec.ParseID(a)
			if err != nil {
				return err
			}
			if _, ok, err := e.store.ResolveAny(id.Name, id.Version, id.Hash); err != nil {
				return err
			} else if !ok {
				return errors.Wrapf(herrors.ErrUnresolvedImport, "root %q not found in store; build it first", a)
			}
		}
		spec := profile.SynthesizeSpec(args)
		imports, err := resolveImports(e, spec.Build.Import, nil)
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

// profileAssembleCmd is the internal target SynthesizeSpec's command line
// invokes: `${hit} profile assemble ${ARTIFACT} ${root0_id} ${root1_id}...`.
// It runs inside the build sandbox, so it rebuilds its own env from
// HDIST_CONFIG rather than any flag the outer hashdist invocation set.
var profileAssembleCmd = &cobra.Command{
	Use:    "assemble <artifactDir> <root-id>...",
	Short:  "internal: populate artifactDir with the profile over the given roots",
	Args:   cobra.MinimumNArgs(2),
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		artifactDir, roots := args[0], args[1:]
		p := configPath
		if p == "" {
			p = os.Getenv("HDIST_CONFIG")
		}
		if p == "" {
			p = hdconfig.DefaultPath()
		}
		cfg, err := hdconfig.Load(p)
		if err != nil {
			return err
		}
		ctx, err := hdconfig.NewStoreContext(cfg)
		if err != nil {
			return err
		}
		sources := sourcecache.New(ctx.SourceCache)
		runner := &jobrunner.Runner{Exec: jobrunner.RealCommandExecutor{}}
		s := store.New(ctx.BuildStore, sources, runner)
		resolver := profile.NewStoreResolver(s, ctx.BuildStore)
		profileFS := osfs.New(artifactDir)
		return profile.Assemble(resolver, roots, profileFS)
	},
}

func init() {
	profileCmd.AddCommand(profileBuildCmd, profileAssembleCmd)
}
