package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/hashdist/hashdist/pkg/hashdist/buildspec"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <name/version/hash>",
	Short: "resolve an ArtifactID to its store path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := buildspec.ParseID(args[0])
		if err != nil {
			return err
		}
		e, err := loadEnv()
		if err != nil {
			return err
		}
		dir, ok, err := e.store.ResolveAny(id.Name, id.Version, id.Hash)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println(color.YellowString("not built: %s", args[0]))
			return nil
		}
		fmt.Println(e.absPath(dir.Path))
		return nil
	},
}
