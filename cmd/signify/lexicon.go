package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/normanking/signify/internal/lexicon"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var lexiconCmd = &cobra.Command{
	Use:   "lexicon",
	Short: "Manage the sign clip lexicon",
}

var lexiconImportCmd = &cobra.Command{
	Use:   "import [clip.json]",
	Short: "Import a sign clip into the lexicon directory",
	Long: `Validates a landmark clip, optionally strips unused face landmarks and
rounds coordinates, then writes it into the lexicon directory and indexes it.
The sign name defaults to the file name.`,
	Args: cobra.ExactArgs(1),
	RunE: runLexiconImport,
}

var lexiconListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed signs",
	RunE:  runLexiconList,
}

var lexiconShowCmd = &cobra.Command{
	Use:   "show [gloss]",
	Short: "Show one indexed sign",
	Args:  cobra.ExactArgs(1),
	RunE:  runLexiconShow,
}

func init() {
	lexiconImportCmd.Flags().String("name", "", "sign name (default is the file name)")
	lexiconImportCmd.Flags().Bool("raw", false, "keep the clip exactly as given")
	lexiconListCmd.Flags().Bool("names", false, "print sign glosses only, one per line")
}

func runLexiconImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	appLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer appLog.Close()

	path := args[0]
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	raw, _ := cmd.Flags().GetBool("raw")

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := cmd.Context()
	store, err := openLexicon(ctx, cfg, appLog.Zerolog())
	if err != nil {
		return err
	}
	defer store.Close()

	entry, err := store.Import(ctx, name, f, !raw)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}

	fmt.Printf("✓ Imported %s\n", entry.Gloss)
	fmt.Printf("  File:   %s\n", filepath.Join(store.Dir(), entry.File))
	fmt.Printf("  Frames: %d @ %d fps\n", entry.FrameCount, entry.FPS)
	return nil
}

func runLexiconList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	appLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer appLog.Close()

	ctx := cmd.Context()
	store, err := openLexicon(ctx, cfg, appLog.Zerolog())
	if err != nil {
		return err
	}
	defer store.Close()

	if names, _ := cmd.Flags().GetBool("names"); names {
		for _, g := range store.Glosses() {
			fmt.Println(g)
		}
		return nil
	}

	entries, err := store.Entries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No signs found in %s\n", store.Dir())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GLOSS\tKIND\tFRAMES\tFPS\tALIASES")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", e.Gloss, e.Kind, e.FrameCount, e.FPS, strings.Join(e.Aliases, ", "))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d signs\n", len(entries))
	return nil
}

func runLexiconShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	appLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer appLog.Close()

	ctx := cmd.Context()
	store, err := openLexicon(ctx, cfg, appLog.Zerolog())
	if err != nil {
		return err
	}
	defer store.Close()

	entry, err := store.Get(ctx, strings.ToUpper(args[0]))
	if err != nil {
		return err
	}
	clip, err := store.Clip(entry.Gloss)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(struct {
		lexicon.Entry `yaml:",inline"`
		Duration      string `yaml:"duration"`
	}{*entry, clip.Duration().Round(time.Millisecond).String()})
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
