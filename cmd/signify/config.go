package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/normanking/signify/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long:  `Loads and displays the effective configuration from file and environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		path := cfgFile
		if path == "" {
			dir, err := config.GetConfigDir()
			if err != nil {
				return err
			}
			path = filepath.Join(dir, "config.yaml")
		}

		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}

		if err := config.Save(config.DefaultConfig(), path); err != nil {
			return fmt.Errorf("failed to write configuration: %w", err)
		}
		fmt.Printf("✓ Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite existing configuration file")
}
