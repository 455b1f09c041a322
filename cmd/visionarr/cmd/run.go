package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BeltaKoda/visionarr/internal/catalog"
	"github.com/BeltaKoda/visionarr/internal/classifier"
	"github.com/BeltaKoda/visionarr/internal/config"
	"github.com/BeltaKoda/visionarr/internal/converter"
	"github.com/BeltaKoda/visionarr/internal/database"
	"github.com/BeltaKoda/visionarr/internal/notifier"
	"github.com/BeltaKoda/visionarr/internal/probe"
	"github.com/BeltaKoda/visionarr/internal/scheduler"
	"github.com/BeltaKoda/visionarr/internal/statusapi"
	"github.com/BeltaKoda/visionarr/internal/toolrunner"
	"github.com/BeltaKoda/visionarr/internal/util"
	"github.com/BeltaKoda/visionarr/internal/version"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the visionarr daemon",
	Long: `Run the visionarr daemon.

The daemon scans configured movie and TV library roots for Dolby Vision
Profile 7 MKV files, converts eligible files to Profile 8.1 in place, and
optionally serves a status/control HTTP surface.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runConfigPath, "config-file", "", "path to config file (overrides --config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	configPath := runConfigPath
	if configPath == "" {
		configPath = cfgFile
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating catalog schema: %w", err)
	}

	cat := catalog.New(db.DB)

	cls, err := buildClassifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("building classifier: %w", err)
	}
	conv, err := buildConverter(cfg, logger)
	if err != nil {
		return fmt.Errorf("building converter: %w", err)
	}

	var notify notifier.Notifier = notifier.NullNotifier{}
	if cfg.Notifier.Enabled && cfg.Notifier.WebhookURL != "" {
		notify = notifier.New(cfg.Notifier.WebhookURL, logger)
	}

	sched := scheduler.New(scheduler.Deps{
		Catalog:    cat,
		Classifier: cls,
		Converter:  conv,
		Notifier:   notify,
		MoviesRoot: cfg.Paths.MoviesRoot,
		TVRoot:     cfg.Paths.TVRoot,
		ScratchDir: cfg.Paths.ScratchDir,
	}).WithLogger(logger)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		sched.Stop()
		cancel()
	}()

	if err := sched.Start(runCtx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	logger.Info("visionarr started", slog.String("version", version.Short()))

	if cfg.StatusAPI.Enabled {
		srv := statusapi.New(statusapi.Config{
			Host:         cfg.StatusAPI.Host,
			Port:         cfg.StatusAPI.Port,
			ReadTimeout:  cfg.StatusAPI.ReadTimeout,
			WriteTimeout: cfg.StatusAPI.WriteTimeout,
		}, cat, logger)
		return srv.ListenAndServe(runCtx)
	}

	<-runCtx.Done()
	return nil
}

// buildClassifier wires the Classifier (C5) from its probe dependencies,
// locating tool binaries via util.FindBinary when a config path is empty.
func buildClassifier(cfg *config.Config, logger *slog.Logger) (*classifier.Classifier, error) {
	mediainfoPath, err := resolveBinary(cfg.Tools.MediainfoPath, "mediainfo", "VISIONARR_MEDIAINFO_PATH")
	if err != nil {
		return nil, err
	}
	ffmpegPath, err := resolveBinary(cfg.Tools.FfmpegPath, "ffmpeg", "VISIONARR_FFMPEG_PATH")
	if err != nil {
		return nil, err
	}
	doviToolPath, err := resolveBinary(cfg.Tools.DoviToolPath, "dovi_tool", "VISIONARR_DOVI_TOOL_PATH")
	if err != nil {
		return nil, err
	}

	probeTimeout, err := cfg.Tools.ProbeTimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("tools.probe_timeout: %w", err)
	}

	runner := toolrunner.New(cfg.Paths.ScratchDir)
	runner.Logger = logger
	mediaProbe := probe.NewMediaProbe(runner, mediainfoPath, probeTimeout)
	rpuProbe := probe.NewRpuProbe(runner, ffmpegPath, doviToolPath, probeTimeout)
	return classifier.New(mediaProbe, rpuProbe), nil
}

// buildConverter wires the Converter (C6) from its tool paths and timeouts.
func buildConverter(cfg *config.Config, logger *slog.Logger) (*converter.Converter, error) {
	mkvmergePath, err := resolveBinary(cfg.Tools.MkvmergePath, "mkvmerge", "VISIONARR_MKVMERGE_PATH")
	if err != nil {
		return nil, err
	}
	mkvextractPath, err := resolveBinary(cfg.Tools.MkvextractPath, "mkvextract", "VISIONARR_MKVEXTRACT_PATH")
	if err != nil {
		return nil, err
	}
	ffmpegPath, err := resolveBinary(cfg.Tools.FfmpegPath, "ffmpeg", "VISIONARR_FFMPEG_PATH")
	if err != nil {
		return nil, err
	}
	ffprobePath, err := resolveBinary(cfg.Tools.FfprobePath, "ffprobe", "VISIONARR_FFPROBE_PATH")
	if err != nil {
		return nil, err
	}
	doviToolPath, err := resolveBinary(cfg.Tools.DoviToolPath, "dovi_tool", "VISIONARR_DOVI_TOOL_PATH")
	if err != nil {
		return nil, err
	}

	probeTimeout, err := cfg.Tools.ProbeTimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("tools.probe_timeout: %w", err)
	}
	extractTimeout, err := cfg.Tools.ExtractTimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("tools.extract_timeout: %w", err)
	}
	convertTimeout, err := cfg.Tools.ConvertTimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("tools.convert_timeout: %w", err)
	}
	verifyTimeout, err := cfg.Tools.VerifyTimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("tools.verify_timeout: %w", err)
	}

	runner := toolrunner.New(cfg.Paths.ScratchDir)
	runner.Logger = logger
	containerProbe := probe.NewContainerProbe(runner, mkvmergePath, probeTimeout)
	return converter.New(runner, containerProbe, mkvmergePath, mkvextractPath, ffmpegPath, ffprobePath, doviToolPath,
		extractTimeout, convertTimeout, verifyTimeout), nil
}

// resolveBinary returns configuredPath unmodified if set, else falls back to
// util.FindBinary's environment/local/PATH search.
func resolveBinary(configuredPath, name, envVar string) (string, error) {
	if configuredPath != "" {
		return configuredPath, nil
	}
	path, err := util.FindBinary(name, envVar)
	if err != nil {
		return "", fmt.Errorf("locating %s: %w", name, err)
	}
	return path, nil
}
