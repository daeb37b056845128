// Command hashdist is the thin CLI driver over the core packages: resolve,
// build, profile assembly, and GC (spec.md §6, the "umbrella CLI
// collaborator").
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/hashdist/hashdist/pkg/hashdist/herrors"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hashdist [subcommand]",
	Short: "content-addressed build cache and profile composer",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default $HDIST_CONFIG or ~/.hashdist/config.yaml)")
	rootCmd.AddCommand(initCmd, resolveCmd, buildCmd, profileCmd, gcCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(exitCode(err))
	}
}

// exitCode maps the herrors taxonomy onto the exit codes spec.md §6 defines
// for the umbrella CLI: 0 success, 1 build failure, 2 usage error, 3 store
// I/O error, 4 integrity failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errorIs(err, herrors.ErrInvalidSpec):
		return 2
	case errorIsBuildFailed(err):
		return 1
	case errorIs(err, herrors.ErrIntegrityError):
		return 4
	case errorIs(err, herrors.ErrStoreIOError), errorIs(err, herrors.ErrFetchError),
		errorIs(err, herrors.ErrSourceNotFound), errorIs(err, herrors.ErrCorruptSource):
		return 3
	default:
		return 1
	}
}
