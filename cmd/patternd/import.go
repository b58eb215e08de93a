package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fairwaylabs/patternd/internal/config"
	"github.com/fairwaylabs/patternd/internal/logging"
	"github.com/fairwaylabs/patternd/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import patterns from a CSV, Q&A, or free-form rules file",
	Long: `Import seeds the pattern store from bulk conversation data. The input
shape is auto-detected: CSV rows, Q:/A: pairs, or free-form rules (the
latter requires a configured extraction model).

Re-importing the same file is safe: near-duplicate rows merge into
existing patterns instead of creating duplicates.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading %s: %w", args[0], err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening pattern store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	imp, err := buildImporter(cfg, st, nil, logger)
	if err != nil {
		return err
	}

	result, err := imp.Import(ctx, string(content))
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}
