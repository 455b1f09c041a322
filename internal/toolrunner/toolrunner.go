// Package toolrunner implements the ToolRunner (C1): the single place the
// rest of visionarr invokes external command-line tools (mkvmerge,
// mkvextract, a media prober, an Annex-B extractor, a frame counter, and
// dovi_tool) and gets back raw exit codes and captured output (§4.5, §6).
//
// ToolRunner does not classify errors; the Converter and Classifier do
// that by inspecting the (code, stderr) this package returns.
package toolrunner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/BeltaKoda/visionarr/internal/models"
)

// DefaultSampleInterval is how often a running child process's resource
// usage is sampled and logged (§10.8).
const DefaultSampleInterval = 30 * time.Second

// ScratchDirPrefix is the prefix every per-conversion/per-probe scratch
// directory is created with, so orphans left behind by a crashed process
// can be found and removed on startup (§4.4 step 3, §5, §10.10). Matches
// the prefix internal/startup sweeps for.
const ScratchDirPrefix = "visionarr-convert-"

// Result is the outcome of a single external command invocation.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// PipeResult is the outcome of a two-process pipeline where the first
// command's stdout feeds the second command's stdin (§4.5), e.g. demuxing
// an MKV's HEVC track straight into the DoVi conversion tool without an
// intermediate file (the turbo path of §4.2).
type PipeResult struct {
	ExitCodeA int
	StderrA   []byte
	ExitCodeB int
	StderrB   []byte
}

// Runner executes external tools with enforced timeouts and full stderr
// capture, so the Converter's error classifier (§4.5, §7) can inspect the
// exact failure text.
type Runner struct {
	// ScratchRoot is the base directory under which per-call scratch
	// directories are created. Typically the configured scratch root
	// (config.PathsConfig.ScratchDir).
	ScratchRoot string

	// SampleInterval is how often a running child's RSS/CPU% is logged.
	// Zero disables sampling entirely.
	SampleInterval time.Duration

	// Logger receives the periodic resource-usage log lines. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

// New creates a Runner rooted at scratchRoot, sampling child process
// resource usage at DefaultSampleInterval (§10.8).
func New(scratchRoot string) *Runner {
	return &Runner{ScratchRoot: scratchRoot, SampleInterval: DefaultSampleInterval}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// sample logs pid's RSS and CPU% every SampleInterval until ctx is done.
// Purely for operator visibility (§10.8): it never feeds back into any
// pipeline decision, so a gopsutil failure (process already gone, platform
// unsupported) just ends the loop silently.
func (r *Runner) sample(ctx context.Context, tool string, pid int) {
	if r.SampleInterval <= 0 {
		return
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}

	ticker := time.NewTicker(r.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			memInfo, err := proc.MemoryInfoWithContext(ctx)
			if err != nil {
				return
			}
			cpuPercent, err := proc.CPUPercentWithContext(ctx)
			if err != nil {
				return
			}
			r.logger().Info("child process resource usage",
				"tool", tool,
				"pid", pid,
				"rss_mb", float64(memInfo.RSS)/(1024*1024),
				"cpu_percent", cpuPercent,
			)
		}
	}
}

// Run executes a single command with the given arguments, feeding stdin (if
// non-nil) and enforcing timeout. The returned Result reflects the actual
// process exit code, never a wrapper's (§4.5).
func (r *Runner) Run(ctx context.Context, timeout time.Duration, name string, args []string, stdin io.Reader) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("running %s: %w", name, err)
	}

	sampleCtx, stopSampling := context.WithCancel(runCtx)
	go r.sample(sampleCtx, name, cmd.Process.Pid)

	err := cmd.Wait()
	stopSampling()

	result := Result{
		ExitCode: exitCode(err),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}

	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return result, fmt.Errorf("running %s: %w", name, err)
		}
	}
	return result, nil
}

// Pipe runs two commands with the first's stdout connected to the second's
// stdin, as an OS pipe (no intermediate file) — the shape the turbo
// conversion path needs: a demuxer's Annex-B HEVC output feeding straight
// into the DoVi conversion tool (§4.2, §4.5).
func (r *Runner) Pipe(ctx context.Context, timeout time.Duration, nameA string, argsA []string, nameB string, argsB []string) (PipeResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdA := exec.CommandContext(runCtx, nameA, argsA...)
	cmdB := exec.CommandContext(runCtx, nameB, argsB...)

	pipeReader, pipeWriter := io.Pipe()
	cmdA.Stdout = pipeWriter
	cmdB.Stdin = pipeReader

	var stderrA, stderrB bytes.Buffer
	cmdA.Stderr = &stderrA
	cmdB.Stderr = &stderrB

	if err := cmdB.Start(); err != nil {
		return PipeResult{}, fmt.Errorf("starting %s: %w", nameB, err)
	}
	if err := cmdA.Start(); err != nil {
		_ = pipeWriter.Close()
		_ = cmdB.Wait()
		return PipeResult{}, fmt.Errorf("starting %s: %w", nameA, err)
	}

	sampleCtx, stopSampling := context.WithCancel(runCtx)
	go r.sample(sampleCtx, nameA, cmdA.Process.Pid)
	go r.sample(sampleCtx, nameB, cmdB.Process.Pid)

	errA := cmdA.Wait()
	_ = pipeWriter.Close()
	errB := cmdB.Wait()
	stopSampling()

	return PipeResult{
		ExitCodeA: exitCode(errA),
		StderrA:   stderrA.Bytes(),
		ExitCodeB: exitCode(errB),
		StderrB:   stderrB.Bytes(),
	}, nil
}

// NewScratchDir creates a fresh, uniquely named scratch directory under
// ScratchRoot for one probe or conversion attempt. The name carries the
// current process id and a ULID so concurrent probes never collide and
// orphans can be attributed to a crashed run (§5, §10.10).
func (r *Runner) NewScratchDir() (string, error) {
	name := fmt.Sprintf("%s%d_%s", ScratchDirPrefix, os.Getpid(), models.NewULID().String())
	dir := filepath.Join(r.ScratchRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	return dir, nil
}

// exitCode extracts the real process exit code from the error Run/Wait
// returns, 0 on success. Non-ExitError failures (binary not found, context
// deadline before start, etc.) are reported as -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
