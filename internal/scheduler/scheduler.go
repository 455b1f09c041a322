// Package scheduler implements the Scheduler (C8): the daemon's single
// event loop (§4.4) that alternates catalog scans and one-at-a-time
// conversions, driven entirely by Catalog settings so an operator's changes
// take effect on the very next iteration.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BeltaKoda/visionarr/internal/catalog"
	"github.com/BeltaKoda/visionarr/internal/classifier"
	"github.com/BeltaKoda/visionarr/internal/converter"
	"github.com/BeltaKoda/visionarr/internal/models"
	"github.com/BeltaKoda/visionarr/internal/notifier"
	"github.com/BeltaKoda/visionarr/internal/startup"
)

// idleGateInterval is how often the startup idle gate re-reads
// auto_process_mode while waiting for it to leave "off" (§4.4 step 1).
const idleGateInterval = 30 * time.Second

// idleLoopSleep is the maximum sleep between steady-state iterations when
// there was nothing to scan or convert (§4.4 step 2).
const idleLoopSleep = 60 * time.Second

// Scheduler owns the daemon's main loop. Its only public operations are
// Start and Stop, mirroring the spec's run()/request_stop() contract.
type Scheduler struct {
	mu sync.RWMutex

	catalog    catalog.Catalog
	classifier *classifier.Classifier
	converter  *converter.Converter
	notifier   notifier.Notifier
	logger     *slog.Logger

	moviesRoot string
	tvRoot     string
	scratchDir string

	cronParser cron.Parser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the Scheduler's collaborators, constructed elsewhere and
// wired by cmd/visionarr's run command.
type Deps struct {
	Catalog    catalog.Catalog
	Classifier *classifier.Classifier
	Converter  *converter.Converter
	Notifier   notifier.Notifier
	MoviesRoot string
	TVRoot     string
	ScratchDir string
}

// New constructs a Scheduler. A nil Notifier is replaced with
// notifier.NullNotifier so the loop never needs a nil check.
func New(deps Deps) *Scheduler {
	if deps.Notifier == nil {
		deps.Notifier = notifier.NullNotifier{}
	}
	return &Scheduler{
		catalog:    deps.Catalog,
		classifier: deps.Classifier,
		converter:  deps.Converter,
		notifier:   deps.Notifier,
		logger:     slog.Default(),
		moviesRoot: deps.MoviesRoot,
		tvRoot:     deps.TVRoot,
		scratchDir: deps.ScratchDir,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// Start runs the startup sequence and launches the steady-state loop in a
// background goroutine, returning once the loop is running. Start must not
// be called twice without an intervening Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop requests the steady-state loop to exit and waits for it to do so.
// The cancellation also reaches a conversion already in progress: the
// external tool it is running is killed through its context, so that
// conversion does not run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()
}

// run implements the full startup sequence and steady-state loop of §4.4.
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	if err := s.awaitEnabled(ctx); err != nil {
		s.logger.Info("scheduler exiting during idle gate", "reason", err)
		return
	}

	if err := startup.RecoverStaleConversion(ctx, s.logger, s.catalog); err != nil {
		s.logger.Error("failed to recover stale conversion marker", "error", err)
	}
	if removed, err := startup.CleanupSystemTempDirs(s.logger, s.scratchDir); err != nil {
		s.logger.Error("failed to clean orphaned scratch directories", "error", err)
	} else if removed > 0 {
		s.logger.Info("cleaned orphaned scratch directories", "count", removed)
	}

	if err := s.notifier.Notify(ctx, notifier.Event{
		Type:    notifier.EventStartup,
		Title:   "visionarr started",
		Message: "Dolby Vision profile converter is now running.",
	}); err != nil {
		s.logger.Warn("startup notification failed", "error", err)
	}

	s.logger.Info("scheduler loop started")
	for {
		if ctx.Err() != nil {
			break
		}

		if err := s.iterateScans(ctx); err != nil {
			s.logger.Error("scan iteration failed", "error", err)
		}

		converted, err := s.convertOne(ctx)
		if err != nil {
			s.logger.Error("conversion step failed", "error", err)
		}

		if converted {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(idleLoopSleep):
		}
	}

	if err := s.notifier.Notify(context.Background(), notifier.Event{
		Type:    notifier.EventShutdown,
		Title:   "visionarr stopped",
		Message: "Dolby Vision profile converter has stopped.",
	}); err != nil {
		s.logger.Warn("shutdown notification failed", "error", err)
	}
	s.logger.Info("scheduler loop stopped")
}

// awaitEnabled blocks until initial_setup_complete is set, polling
// auto_process_mode every idleGateInterval until it is no longer "off"
// (§4.4 step 1). Returns ctx.Err() if ctx is canceled first.
func (s *Scheduler) awaitEnabled(ctx context.Context) error {
	complete, err := s.catalog.InitialSetupComplete(ctx)
	if err != nil {
		return fmt.Errorf("checking initial setup state: %w", err)
	}
	if complete {
		return nil
	}

	s.logger.Info("waiting for auto_process_mode to be enabled before starting")
	ticker := time.NewTicker(idleGateInterval)
	defer ticker.Stop()

	for {
		mode, err := s.catalog.GetSetting(ctx, models.SettingAutoProcessMode)
		if err != nil {
			return fmt.Errorf("reading auto_process_mode: %w", err)
		}
		if models.AutoProcessMode(mode) != models.AutoProcessOff {
			if err := s.catalog.SetSetting(ctx, models.SettingInitialSetupComplete, "true"); err != nil {
				return fmt.Errorf("recording initial setup completion: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// iterateScans runs a full scan if due, else a delta scan if due (§4.4
// step 1). Neither runs when auto_process_mode is off.
func (s *Scheduler) iterateScans(ctx context.Context) error {
	settings, err := s.catalog.GetAllSettings(ctx)
	if err != nil {
		return fmt.Errorf("reading settings: %w", err)
	}

	roots := scanRoots(models.AutoProcessMode(settings[models.SettingAutoProcessMode]), s.moviesRoot, s.tvRoot)
	if len(roots) == 0 {
		return nil
	}

	now := time.Now()

	fullDue, err := s.fullScanDue(settings, now)
	if err != nil {
		s.logger.Warn("could not evaluate full scan schedule", "error", err)
	} else if fullDue {
		s.logger.Info("full scan due", "roots", roots)
		if err := s.scan(ctx, roots, false); err != nil {
			return err
		}
		if err := s.catalog.SetSetting(ctx, models.SettingLastFullScanAt, now.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("recording last full scan time: %w", err)
		}
		return nil
	}

	deltaDue, err := deltaScanDue(settings, now)
	if err != nil {
		s.logger.Warn("could not evaluate delta scan schedule", "error", err)
		return nil
	}
	if !deltaDue {
		return nil
	}

	s.logger.Info("delta scan due", "roots", roots)
	if err := s.scan(ctx, roots, true); err != nil {
		return err
	}
	return s.catalog.SetSetting(ctx, models.SettingLastDeltaScanAt, now.Format(time.RFC3339))
}

// fullScanDue reimplements §4.4 step 1's "weekday matches full_scan_day,
// local clock ≥ full_scan_time, and last full-scan date stamp ≠ today" as
// a degenerate weekly cron expression fed through robfig/cron's parser,
// per §10.11: the schedule's next fire time after the last run is compared
// against now rather than hand-rolling the weekday/time arithmetic.
func (s *Scheduler) fullScanDue(settings map[string]string, now time.Time) (bool, error) {
	expr, err := fullScanCronExpr(settings[models.SettingFullScanDay], settings[models.SettingFullScanTime])
	if err != nil {
		return false, err
	}
	schedule, err := s.cronParser.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("parsing full scan schedule %q: %w", expr, err)
	}

	lastRun := parseTimestamp(settings[models.SettingLastFullScanAt])
	next := schedule.Next(lastRun)
	return !next.After(now), nil
}

// deltaScanDue reports whether now-lastDelta >= delta_scan_interval_minutes.
func deltaScanDue(settings map[string]string, now time.Time) (bool, error) {
	intervalMinutes, err := strconv.Atoi(settings[models.SettingDeltaScanInterval])
	if err != nil || intervalMinutes <= 0 {
		return false, fmt.Errorf("invalid %s setting %q", models.SettingDeltaScanInterval, settings[models.SettingDeltaScanInterval])
	}
	lastRun := parseTimestamp(settings[models.SettingLastDeltaScanAt])
	return now.Sub(lastRun) >= time.Duration(intervalMinutes)*time.Minute, nil
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

var weekdayByName = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// fullScanCronExpr builds a robfig/cron 5-field expression (minute hour dom
// month dow) for a weekly full scan at dayName/hh:mm.
func fullScanCronExpr(dayName, clockTime string) (string, error) {
	dow, ok := weekdayByName[strings.ToLower(strings.TrimSpace(dayName))]
	if !ok {
		return "", fmt.Errorf("unrecognized full_scan_day %q", dayName)
	}
	hour, minute, err := parseClockTime(clockTime)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * %d", minute, hour, int(dow)), nil
}

func parseClockTime(value string) (hour, minute int, err error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid full_scan_time %q, expected HH:MM", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid full_scan_time hour %q", parts[0])
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid full_scan_time minute %q", parts[1])
	}
	return hour, minute, nil
}

// scanRoots derives the library roots to scan from auto_process_mode
// (§4.4 "Scan roots").
func scanRoots(mode models.AutoProcessMode, moviesRoot, tvRoot string) []string {
	switch mode {
	case models.AutoProcessAll:
		return []string{moviesRoot, tvRoot}
	case models.AutoProcessMovies:
		return []string{moviesRoot}
	case models.AutoProcessShows:
		return []string{tvRoot}
	default:
		return nil
	}
}

// scan walks roots for *.mkv files. When skipScanned is true (delta scan),
// paths already present in the catalog's scanned set are skipped and any
// Profile-7 verdict is unconditionally added to discovered, since a
// never-scanned path cannot already be discovered or processed. When false
// (full scan), every path is re-classified and discovered rows are added
// only if the path is neither already discovered nor already processed
// (§4.4 "Full scan").
func (s *Scheduler) scan(ctx context.Context, roots []string, skipScanned bool) error {
	var skip map[string]struct{}
	if skipScanned {
		var err error
		skip, err = s.catalog.AllScannedPaths(ctx)
		if err != nil {
			return fmt.Errorf("loading scanned paths: %w", err)
		}
	}

	for _, root := range roots {
		if root == "" {
			continue
		}
		if _, err := os.Stat(root); err != nil {
			s.logger.Debug("skipping unmounted scan root", "root", root)
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				s.logger.Warn("walk error", "path", path, "error", err)
				return nil
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".mkv") {
				return nil
			}
			if skipScanned {
				if _, already := skip[path]; already {
					return nil
				}
			}
			return s.classifyAndRecord(ctx, path, skipScanned)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scanning %s: %w", root, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// classifyAndRecord runs the Classifier against path and records the
// resulting scanned/discovered rows.
func (s *Scheduler) classifyAndRecord(ctx context.Context, path string, freshlyScanned bool) error {
	verdict, err := s.classifier.Classify(ctx, path)
	if err != nil {
		kind, _ := models.KindOf(err)
		s.logger.Warn("classification failed", "path", path, "error", err, "kind", kind)
		return nil
	}

	if err := s.catalog.AddScanned(ctx, path, verdict.HasDoVi, verdict.Profile, verdict.FileSize, verdict.ELType); err != nil {
		return fmt.Errorf("recording scanned entry for %s: %w", path, err)
	}

	if !verdict.NeedsConversion() {
		return nil
	}

	if !freshlyScanned {
		alreadyDiscovered, err := s.catalog.IsDiscovered(ctx, path)
		if err != nil {
			return fmt.Errorf("checking discovered state for %s: %w", path, err)
		}
		alreadyProcessed, err := s.catalog.IsProcessed(ctx, path)
		if err != nil {
			return fmt.Errorf("checking processed state for %s: %w", path, err)
		}
		if alreadyDiscovered || alreadyProcessed {
			return nil
		}
	}

	if err := s.catalog.AddDiscovered(ctx, path, filepath.Base(path), verdict.ELType); err != nil {
		return fmt.Errorf("recording discovered entry for %s: %w", path, err)
	}
	return nil
}

// convertOne implements §4.4's conversion step: re-reads the interlock
// settings, picks the oldest eligible candidate, and runs it through the
// Converter. Returns converted=true only when a conversion attempt (success
// or failure) actually ran, so the caller can loop immediately rather than
// sleep.
func (s *Scheduler) convertOne(ctx context.Context) (bool, error) {
	mode, err := s.catalog.GetSetting(ctx, models.SettingAutoProcessMode)
	if err != nil {
		return false, fmt.Errorf("reading auto_process_mode: %w", err)
	}
	if models.AutoProcessMode(mode) == models.AutoProcessOff {
		return false, nil
	}

	autoFELStr, err := s.catalog.GetSetting(ctx, models.SettingAutoProcessFEL)
	if err != nil {
		return false, fmt.Errorf("reading auto_process_fel: %w", err)
	}
	autoFEL, _ := strconv.ParseBool(autoFELStr)

	var candidates []models.DiscoveredEntry
	if autoFEL {
		candidates, err = s.catalog.GetDiscovered(ctx)
	} else {
		candidates, err = s.catalog.GetMELEntries(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("loading discovered candidates: %w", err)
	}
	if len(candidates) == 0 {
		return false, nil
	}
	candidate := candidates[0]

	if _, err := os.Stat(candidate.Path); err != nil {
		if err := s.catalog.RemoveDiscovered(ctx, candidate.Path); err != nil {
			return false, fmt.Errorf("removing discovered entry for missing file %s: %w", candidate.Path, err)
		}
		return false, nil
	}

	backupEnabledStr, err := s.catalog.GetSetting(ctx, models.SettingBackupEnabled)
	if err != nil {
		return false, fmt.Errorf("reading backup_enabled: %w", err)
	}
	backupEnabled, _ := strconv.ParseBool(backupEnabledStr)

	if err := s.catalog.SetCurrentConversion(ctx, candidate.Path, candidate.Title); err != nil {
		return false, fmt.Errorf("setting in-flight marker: %w", err)
	}
	defer func() {
		if err := s.catalog.ClearCurrentConversion(ctx); err != nil {
			s.logger.Error("failed to clear in-flight marker", "error", err)
		}
	}()

	s.logger.Info("converting", "path", candidate.Path, "el_type", candidate.ELTypeLabel)
	_, convErr := s.converter.ConvertToP8(ctx, candidate.Path, converter.Options{BackupEnabled: backupEnabled})
	if convErr != nil {
		if err := s.catalog.MarkFailed(ctx, candidate.Path, convErr.Error()); err != nil {
			s.logger.Error("failed to record failed conversion", "error", err)
		}
		if err := s.notifier.Notify(ctx, notifier.Event{
			Type: notifier.EventConversionFailed, Title: "Conversion failed",
			Message: fmt.Sprintf("failed to convert %s", candidate.Title), Path: candidate.Path, Err: convErr,
		}); err != nil {
			s.logger.Warn("conversion-failed notification failed", "error", err)
		}
		return true, nil
	}

	info, statErr := os.Stat(candidate.Path)
	var size uint64
	if statErr == nil {
		size = uint64(info.Size())
	}
	elType := models.ELType(candidate.ELTypeLabel)
	if err := s.catalog.MarkProcessed(ctx, candidate.Path, models.ProfileP7, models.ProfileP8, size, elType); err != nil {
		return true, fmt.Errorf("recording processed entry for %s: %w", candidate.Path, err)
	}
	if err := s.catalog.RemoveDiscovered(ctx, candidate.Path); err != nil {
		return true, fmt.Errorf("removing discovered entry for %s: %w", candidate.Path, err)
	}
	if err := s.notifier.Notify(ctx, notifier.Event{
		Type: notifier.EventConversionSucceeded, Title: "Conversion complete",
		Message: fmt.Sprintf("Successfully converted %s to Profile 8.", candidate.Title), Path: candidate.Path,
	}); err != nil {
		s.logger.Warn("conversion-success notification failed", "error", err)
	}
	return true, nil
}
