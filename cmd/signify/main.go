// Package main provides the CLI entry point for Signify.
package main

import (
	"fmt"
	"os"

	"github.com/normanking/signify/internal/config"
	"github.com/normanking/signify/internal/logging"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "signify",
	Short: "Signify - live speech to sign language avatar",
	Long: `Signify listens to an audio stream, transcribes it, maps the words to
sign glosses and drives a signing avatar in an on-screen overlay.

Configuration:
  Signify looks for configuration in:
  1. --config flag (explicit path)
  2. $HOME/.signify/config.yaml
  3. ./config.yaml (current directory)

Environment Variables:
  SIGNIFY_STT_PROVIDER        - whisper-api, hf_whisper or deepgram
  SIGNIFY_STT_API_KEY         - OpenAI API key
  SIGNIFY_STT_DEEPGRAM_API_KEY - Deepgram API key
  SIGNIFY_LEXICON_DIR         - sign clip directory
  SIGNIFY_OVERLAY_ADDR        - overlay listen address`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.signify/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(lexiconCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	lexiconCmd.AddCommand(lexiconImportCmd)
	lexiconCmd.AddCommand(lexiconListCmd)
	lexiconCmd.AddCommand(lexiconShowCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the application logger. Console output goes to stderr
// so frames written to stdout stay machine readable.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.DefaultConfig()
	if cfg.Log.Dir != "" {
		logCfg.LogDir = cfg.Log.Dir
	}
	logCfg.Level = logging.LogLevel(cfg.Log.Level)
	logCfg.Console = cfg.Log.Console
	if verbose {
		logCfg.Level = logging.LevelDebug
		logCfg.Console = true
	}
	return logging.New(logCfg)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Signify\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Build Time: %s\n", buildTime)
		fmt.Printf("  Git Commit: %s\n", gitCommit)
	},
}
