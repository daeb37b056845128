package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/hashdist/hashdist/internal/hdconfig"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "create the directory skeleton a config.yaml describes",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := configPath
		if p == "" {
			p = hdconfig.DefaultPath()
		}
		cfg, err := hdconfig.Load(p)
		if err != nil {
			return err
		}
		if err := hdconfig.InitHome(cfg); err != nil {
			return err
		}
		fmt.Println(color.GreenString("initialized store layout from %s", p))
		return nil
	},
}
