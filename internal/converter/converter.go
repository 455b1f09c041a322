// Package converter implements the Converter (C6): the state machine of
// §4.2 that turns a Profile-7 MKV into Profile 8.1 in place, via a turbo
// (piped) path with a safe (on-disk) fallback, a remux, a frame-count
// verification, and an atomic rename-based swap.
package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/BeltaKoda/visionarr/internal/models"
	"github.com/BeltaKoda/visionarr/internal/probe"
	"github.com/BeltaKoda/visionarr/internal/toolrunner"
)

// backupSuffix names the backup sibling the swap step creates, recognizable
// and distinct from any user-authored ".bak" file (§6).
const backupSuffix = ".mkv.bak"

// freeSpaceMultiplier is the minimum scratch free-space ratio required
// before a conversion starts (§4.2 precondition, §5).
const freeSpaceMultiplier = 1.5

// Result is the outcome of a successful ConvertToP8 call.
type Result struct {
	BackupPath string // empty if no backup was retained
	UsedSafe   bool   // true if the turbo path failed over to the safe path
}

// Options configures a single ConvertToP8 call.
type Options struct {
	BackupEnabled bool
	ForceBackup   bool
}

// Converter drives the Profile 7 -> 8.1 conversion state machine (§4.2).
type Converter struct {
	runner         *toolrunner.Runner
	containerProbe *probe.ContainerProbe

	mkvmergePath   string
	mkvextractPath string
	ffmpegPath     string
	ffprobePath    string
	doviToolPath   string

	extractTimeout time.Duration
	convertTimeout time.Duration
	verifyTimeout  time.Duration
}

// New constructs a Converter from its tool paths and per-call timeouts.
func New(
	runner *toolrunner.Runner,
	containerProbe *probe.ContainerProbe,
	mkvmergePath, mkvextractPath, ffmpegPath, ffprobePath, doviToolPath string,
	extractTimeout, convertTimeout, verifyTimeout time.Duration,
) *Converter {
	return &Converter{
		runner:         runner,
		containerProbe: containerProbe,
		mkvmergePath:   mkvmergePath,
		mkvextractPath: mkvextractPath,
		ffmpegPath:     ffmpegPath,
		ffprobePath:    ffprobePath,
		doviToolPath:   doviToolPath,
		extractTimeout: extractTimeout,
		convertTimeout: convertTimeout,
		verifyTimeout:  verifyTimeout,
	}
}

// ConvertToP8 runs the full state machine of §4.2 against path. On success,
// path is a Profile 8.1 MKV; the original is preserved as a backup sibling
// or removed, per opts and the forced-complex-FEL override.
func (c *Converter) ConvertToP8(ctx context.Context, path string, opts Options) (Result, error) {
	if err := c.validate(ctx, path); err != nil {
		return Result{}, err
	}

	trackInfo, err := c.containerProbe.Probe(ctx, path)
	if err != nil {
		return Result{}, err
	}

	scratchDir, err := c.runner.NewScratchDir()
	if err != nil {
		return Result{}, models.NewPipelineError(models.ErrCriticalIO, path, err)
	}
	defer os.RemoveAll(scratchDir)

	newHEVCPath := filepath.Join(scratchDir, "new_video.hevc")
	usedSafe, convertErr := c.turboConvert(ctx, path, trackInfo.TrackID, newHEVCPath)
	if convertErr != nil {
		var pe *models.PipelineError
		if errors.As(convertErr, &pe) && pe.Kind == models.ErrStreamError {
			usedSafe = true
			convertErr = c.safeConvert(ctx, path, trackInfo.TrackID, scratchDir, newHEVCPath)
		}
		if convertErr != nil {
			return Result{}, convertErr
		}
	}

	partialPath := path + ".partial"
	if err := c.mux(ctx, path, newHEVCPath, trackInfo, partialPath); err != nil {
		os.Remove(partialPath)
		return Result{}, err
	}

	if err := c.verify(ctx, path, partialPath); err != nil {
		os.Remove(partialPath)
		return Result{}, err
	}

	backupPath, err := c.swap(path, partialPath, opts)
	if err != nil {
		os.Remove(partialPath)
		return Result{}, err
	}

	return Result{BackupPath: backupPath, UsedSafe: usedSafe}, nil
}

// validate enforces ConvertToP8's preconditions: the file exists, is an
// MKV, and the scratch filesystem has at least 1.5x the source file size
// free (§4.2, §5).
func (c *Converter) validate(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return models.NewPipelineError(models.ErrInputError, path, err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".mkv") {
		return models.NewPipelineError(models.ErrInputError, path, fmt.Errorf("not an mkv container"))
	}

	usage, err := disk.UsageWithContext(ctx, c.runner.ScratchRoot)
	if err != nil {
		return models.NewPipelineError(models.ErrCriticalIO, path, fmt.Errorf("checking scratch free space: %w", err))
	}
	required := uint64(float64(info.Size()) * freeSpaceMultiplier)
	if usage.Free < required {
		return models.NewPipelineError(models.ErrInsufficientDiskSpace, path,
			fmt.Errorf("need %d bytes free in scratch, have %d", required, usage.Free))
	}

	backupPath := path + backupSuffix
	if _, err := os.Stat(backupPath); err == nil {
		return models.NewPipelineError(models.ErrBackupExists, path, fmt.Errorf("backup already exists at %s", backupPath))
	}

	return nil
}

// turboConvert pipes the source's video track, demuxed to Annex-B, straight
// into the DoVi conversion tool's mode-2 (P7->8.1) conversion, with no
// intermediate file (§4.2 Turbo path). Returns usedSafe=false always; the
// caller decides whether to fail over based on the returned error's Kind.
func (c *Converter) turboConvert(ctx context.Context, path string, trackID uint32, outPath string) (usedSafe bool, err error) {
	demuxArgs := []string{
		"-y",
		"-i", path,
		"-map", fmt.Sprintf("0:%d", trackID),
		"-c:v", "copy",
		"-bsf:v", "hevc_mp4toannexb",
		"-f", "hevc",
		"pipe:1",
	}
	convertArgs := []string{"-m", "2", "convert", "--discard", "pipe:0", "-o", outPath}

	result, err := c.runner.Pipe(ctx, c.convertTimeout, c.ffmpegPath, demuxArgs, c.doviToolPath, convertArgs)
	if err != nil {
		return false, models.NewPipelineError(models.ErrStreamError, path, err)
	}

	if kind := classifyStderr(result.StderrA, result.StderrB); kind == models.ErrCriticalIO {
		return false, models.NewPipelineError(models.ErrCriticalIO, path,
			fmt.Errorf("demux/convert: %s / %s", result.StderrA, result.StderrB))
	}

	if result.ExitCodeA != 0 {
		// A non-zero demuxer exit code signals irregular timestamps (e.g.
		// seamless-branching discs) the pipe cannot survive (§4.2).
		return false, models.NewPipelineError(models.ErrStreamError, path,
			fmt.Errorf("demuxer exited %d: %s", result.ExitCodeA, result.StderrA))
	}
	if result.ExitCodeB != 0 {
		return false, models.NewPipelineError(models.ErrStreamError, path,
			fmt.Errorf("dovi convert exited %d: %s", result.ExitCodeB, result.StderrB))
	}

	return false, nil
}

// safeConvert demuxes the video track to a scratch file on disk first, then
// runs the DoVi conversion tool against it - slower, but survives the
// irregular-timestamp case the turbo path cannot (§4.2 Safe path).
func (c *Converter) safeConvert(ctx context.Context, path string, trackID uint32, scratchDir, outPath string) error {
	demuxedPath := filepath.Join(scratchDir, "source.hevc")
	demuxArgs := []string{
		"-y",
		"-i", path,
		"-map", fmt.Sprintf("0:%d", trackID),
		"-c:v", "copy",
		"-bsf:v", "hevc_mp4toannexb",
		"-f", "hevc",
		demuxedPath,
	}
	demuxResult, err := c.runner.Run(ctx, c.extractTimeout, c.ffmpegPath, demuxArgs, nil)
	if err != nil {
		return models.NewPipelineError(models.ErrCriticalIO, path, err)
	}
	if demuxResult.ExitCode != 0 {
		kind := classifyStderr(demuxResult.Stderr, nil)
		return models.NewPipelineError(kind, path, fmt.Errorf("safe-path demux exited %d: %s", demuxResult.ExitCode, demuxResult.Stderr))
	}

	convertArgs := []string{"-m", "2", "convert", "--discard", demuxedPath, "-o", outPath}
	convertResult, err := c.runner.Run(ctx, c.convertTimeout, c.doviToolPath, convertArgs, nil)
	if err != nil {
		return models.NewPipelineError(models.ErrCriticalIO, path, err)
	}
	if convertResult.ExitCode != 0 {
		kind := classifyStderr(convertResult.Stderr, nil)
		return models.NewPipelineError(kind, path, fmt.Errorf("safe-path convert exited %d: %s", convertResult.ExitCode, convertResult.Stderr))
	}
	return nil
}

// mux invokes the Matroska muxer to build the partial output: the new HEVC
// as the single video track carrying the source's fps/language/name/delay,
// plus every non-video track copied from the source (§4.2 Mux).
func (c *Converter) mux(ctx context.Context, path, newHEVCPath string, trackInfo models.VideoTrackInfo, partialPath string) error {
	args := []string{"-o", partialPath}
	if trackInfo.FPS != "" {
		args = append(args, "--default-duration", "0:"+trackInfo.FPS+"fps")
	}
	args = append(args, "--language", "0:"+trackInfo.NormalizedLanguage())
	if trackInfo.TrackName != "" {
		args = append(args, "--track-name", "0:"+trackInfo.TrackName)
	}
	if trackInfo.DelayNS != 0 {
		args = append(args, "--sync", "0:"+strconv.FormatInt(trackInfo.DelayNS, 10))
	}
	args = append(args, newHEVCPath, "--no-video", path)

	result, err := c.runner.Run(ctx, c.extractTimeout, c.mkvmergePath, args, nil)
	if err != nil {
		return models.NewPipelineError(models.ErrCriticalIO, path, err)
	}
	if result.ExitCode != 0 {
		return models.NewPipelineError(models.ErrCriticalIO, path, fmt.Errorf("mux exited %d: %s", result.ExitCode, result.Stderr))
	}
	return nil
}

// verify compares the container-advertised frame count of source and
// partial; on mismatch, falls back to an authoritative packet count of the
// source stream (§4.2 Verify).
func (c *Converter) verify(ctx context.Context, path, partialPath string) error {
	sourceInfo, err := c.containerProbe.Probe(ctx, path)
	if err != nil {
		return err
	}
	partialInfo, err := c.containerProbe.Probe(ctx, partialPath)
	if err != nil {
		return models.NewPipelineError(models.ErrVerificationFailed, path, err)
	}

	if sourceInfo.FrameCountContainer == partialInfo.FrameCountContainer {
		return nil
	}

	authoritative, err := c.authoritativeFrameCount(ctx, path)
	if err != nil {
		return models.NewPipelineError(models.ErrVerificationFailed, path, err)
	}
	if authoritative == partialInfo.FrameCountContainer {
		// The source container's own metadata was wrong - common on some
		// discs (§4.2 Verify).
		return nil
	}

	return models.NewPipelineError(models.ErrVerificationFailed, path,
		fmt.Errorf("frame count mismatch: source container=%d authoritative=%d new=%d",
			sourceInfo.FrameCountContainer, authoritative, partialInfo.FrameCountContainer))
}

// authoritativeFrameCount counts video packets at the stream level via the
// configured packet counter, slower but exact (§4.2 Verify).
func (c *Converter) authoritativeFrameCount(ctx context.Context, path string) (uint64, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=nb_read_packets",
		"-of", "csv=p=0",
		path,
	}
	result, err := c.runner.Run(ctx, c.verifyTimeout, c.ffprobePath, args, nil)
	if err != nil {
		return 0, err
	}
	if result.ExitCode != 0 {
		return 0, fmt.Errorf("packet counter exited %d: %s", result.ExitCode, result.Stderr)
	}
	count, err := strconv.ParseUint(strings.TrimSpace(string(result.Stdout)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing packet count: %w", err)
	}
	return count, nil
}

// swap performs the atomic rename sequence: original -> backup, partial ->
// original, then unlinks the backup unless it must be retained (§4.2 Atomic
// swap). Returns the backup path if retained, empty otherwise.
func (c *Converter) swap(path, partialPath string, opts Options) (string, error) {
	backupPath := path + backupSuffix

	if err := os.Rename(path, backupPath); err != nil {
		return "", models.NewPipelineError(models.ErrCriticalIO, path, fmt.Errorf("renaming original to backup: %w", err))
	}
	if err := os.Rename(partialPath, path); err != nil {
		// Best-effort restore: put the original back where it was.
		_ = os.Rename(backupPath, path)
		return "", models.NewPipelineError(models.ErrCriticalIO, path, fmt.Errorf("renaming partial into place: %w", err))
	}

	if !opts.BackupEnabled && !opts.ForceBackup {
		_ = os.Remove(backupPath)
		return "", nil
	}
	return backupPath, nil
}

// classifyStderr inspects captured stderr text for the non-retryable
// disk/permission signatures of §4.2, defaulting to stream-error otherwise.
func classifyStderr(streams ...[]byte) models.ErrorKind {
	for _, s := range streams {
		text := string(s)
		if strings.Contains(text, "No space left") ||
			strings.Contains(text, "Permission denied") ||
			strings.Contains(text, "Read-only file system") {
			return models.ErrCriticalIO
		}
	}
	return models.ErrStreamError
}
