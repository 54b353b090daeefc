package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/opsbrain/internal/classify"
)

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete closed events from the store",
	Long: `Delete closed events whose last update is older than --older-than.
Open, deferred and resolved events are never touched.`,
	RunE: runPurge,
}

var catalogExport string

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the known-fix signatures the classifier matches",
	Long: `Print the signature catalog: built-in signatures plus any loaded from
classifier.catalog_file. Use --export to write them as a YAML catalog
that can be edited and pointed to from the config.`,
	RunE: runCatalog,
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "Only purge events closed longer ago than this")
	catalogCmd.Flags().StringVar(&catalogExport, "export", "", "Write the catalog to this YAML file")
}

func runPurge(cmd *cobra.Command, args []string) error {
	if purgeOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.PurgeClosedEvents(purgeOlderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d closed events\n", n)
	return nil
}

func runCatalog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	classifier := classify.New()
	if cfg.Classifier.CatalogFile != "" {
		if err := classifier.LoadCatalog(cfg.Classifier.CatalogFile); err != nil {
			return fmt.Errorf("load signature catalog: %w", err)
		}
	}
	sigs := classifier.Signatures()

	if catalogExport != "" {
		if err := classify.WriteCatalog(catalogExport, sigs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d signatures to %s\n", len(sigs), catalogExport)
		return nil
	}
	printSignatures(cmd.OutOrStdout(), sigs)
	return nil
}

func printSignatures(w io.Writer, sigs []classify.Signature) {
	if len(sigs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No signatures"))
		return
	}
	for _, s := range sigs {
		fmt.Fprintf(w, "%s %s\n", idStyle.Render(s.Name), dimStyle.Render("["+string(s.Domain)+"]"))
		if len(s.All) > 0 {
			fmt.Fprintf(w, "  all:  %s\n", strings.Join(s.All, ", "))
		}
		if len(s.Any) > 0 {
			fmt.Fprintf(w, "  any:  %s\n", strings.Join(s.Any, ", "))
		}
		if len(s.None) > 0 {
			fmt.Fprintf(w, "  none: %s\n", strings.Join(s.None, ", "))
		}
		if len(s.Plan) > 0 {
			fmt.Fprintf(w, "  plan: %s\n", strings.Join(s.Plan, " -> "))
		}
	}
}
