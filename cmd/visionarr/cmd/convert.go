package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BeltaKoda/visionarr/internal/config"
	"github.com/BeltaKoda/visionarr/internal/converter"
)

var (
	convertNoBackup    bool
	convertForceBackup bool
)

var convertCmd = &cobra.Command{
	Use:   "convert <path>",
	Short: "Convert a single Profile 7 MKV to Profile 8.1",
	Long: `Convert a single file through the Converter (C6) outside the daemon's
scan-and-convert loop, for files the scheduler would hold back for manual
review (complex FEL) or for one-off reprocessing.`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().BoolVar(&convertNoBackup, "no-backup", false, "discard the original file instead of retaining it as a backup")
	convertCmd.Flags().BoolVar(&convertForceBackup, "force-backup", false, "always retain a backup, even for a forced complex-FEL conversion")
}

func runConvert(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	path := args[0]

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	conv, err := buildConverter(cfg, logger)
	if err != nil {
		return fmt.Errorf("building converter: %w", err)
	}

	opts := converter.Options{
		BackupEnabled: !convertNoBackup,
		ForceBackup:   convertForceBackup,
	}

	logger.Info("converting", slog.String("path", path), slog.Bool("backup_enabled", opts.BackupEnabled))
	result, err := conv.ConvertToP8(context.Background(), path, opts)
	if err != nil {
		return fmt.Errorf("converting %s: %w", path, err)
	}

	logger.Info("conversion complete",
		slog.String("path", path),
		slog.String("backup_path", result.BackupPath),
		slog.Bool("used_safe_path", result.UsedSafe),
	)
	return nil
}
