package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/taskcore/internal/config"
)

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	cmd.AddCommand(newConfigInitCmd(v))
	return cmd
}

func newConfigInitCmd(v *viper.Viper) *cobra.Command {
	var global, force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to a config file",
		Long: `Resolve the configuration (defaults, existing files, TASKCORE_*
variables and flags) and write it to the project config file, or to the
global one with --global. An existing file is kept unless --force is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			globalPath, projectPath, err := configPaths(v)
			if err != nil {
				return err
			}
			path := projectPath
			if global {
				path = globalPath
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to replace it)", path)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", styleLabel.Render("wrote"), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&global, "global", false, "write the global config instead of the project one")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing file")
	return cmd
}
