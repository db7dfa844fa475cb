package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/odprt-iep/hybridrag/configs"
	"github.com/odprt-iep/hybridrag/internal/config"
	"github.com/odprt-iep/hybridrag/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Inspect and create configuration files.

Precedence, lowest to highest:
  1. Built-in defaults
  2. User config (~/.config/hybridrag/config.yaml)
  3. Project config (.hybridrag.yaml in --config-dir)
  4. Environment variables (HYBRIDRAG_*)`,
		Example: `  hybridrag config init
  hybridrag config show --json
  hybridrag config path`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force, project bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file from the template",
		Long: `Write the commented configuration template to the user config path, or
to .hybridrag.yaml in --config-dir with --project. An existing file is
left alone unless --force is given, in which case it is backed up first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.GetUserConfigPath()
			if project {
				path = filepath.Join(configDir, config.ProjectConfigName)
			}
			return runConfigInit(cmd, path, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file after backing it up")
	cmd.Flags().BoolVar(&project, "project", false, "Create the project file instead of the user file")
	return cmd
}

func runConfigInit(cmd *cobra.Command, path string, force bool) error {
	out := output.New(cmd.OutOrStdout())

	if _, err := os.Stat(path); err == nil {
		if !force {
			out.Warning("Configuration already exists")
			out.KV("Location", path)
			out.Dim("Use --force to replace it; the current file is backed up first.")
			return nil
		}
		backup, err := config.BackupFile(path)
		if err != nil {
			return fmt.Errorf("backup config: %w", err)
		}
		out.KV("Backup", backup)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	out.Success("Created configuration")
	out.KV("Location", path)
	out.Dim("Edit the file, then run 'hybridrag config show' to check the result.")
	return nil
}

func newConfigShowCmd() *cobra.Command {
	var (
		jsonOutput bool
		source     string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Show the configuration after merging every layer, or only the built-in
defaults with --source defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg *config.Config
			switch source {
			case "merged":
				var err error
				if cfg, err = loadConfig(); err != nil {
					return err
				}
			case "defaults":
				cfg = config.NewConfig()
			default:
				return fmt.Errorf("unknown source %q: use merged or defaults", source)
			}

			if jsonOutput {
				return writeJSON(cmd, cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print as JSON")
	cmd.Flags().StringVar(&source, "source", "merged", "Config source: merged or defaults")
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the user and project config paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.NewPlain(cmd.OutOrStdout())
			out.KV("User", config.GetUserConfigPath())
			out.KV("Project", filepath.Join(configDir, config.ProjectConfigName))
			return nil
		},
	}
}
