package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kraiz/nusbot/internal/config"
	"github.com/kraiz/nusbot/internal/utils"
)

var errConfigExists = errors.New("config file already exists")

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.AddCommand(newConfigPathCmd(v), newConfigInitCmd(v))
	return cmd
}

func newConfigPathCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the resolved config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), configPath(cmd, v))
			return err
		},
	}
}

func newConfigInitCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd, v)
			force, _ := cmd.Flags().GetBool("force")
			if utils.FileExists(path) && !force {
				return fmt.Errorf("%w: %s (use --force to overwrite)", errConfigExists, path)
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return err
		},
	}
	cmd.Flags().BoolP("force", "f", false, "overwrite an existing file")
	return cmd
}

// configPath is the file that was read, else the one given by flag, else
// the default location.
func configPath(cmd *cobra.Command, v *viper.Viper) string {
	if used := v.ConfigFileUsed(); used != "" {
		return used
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if resolved, err := utils.ResolvePath(path); err == nil {
			return resolved
		}
		return path
	}
	return config.DefaultConfigPath
}
