package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BeltaKoda/visionarr/internal/dovi"
	"github.com/BeltaKoda/visionarr/internal/models"
	"github.com/BeltaKoda/visionarr/internal/toolrunner"
)

// RpuProbe extracts a short HEVC bitstream window at a timestamp, converts
// it through the DoVi metadata tool's RPU-extraction and export modes, and
// hands the resulting JSON dump back for the Classifier's Stage C.1/C.2
// marker parsing (§4.1, §6).
type RpuProbe struct {
	runner       *toolrunner.Runner
	ffmpegPath   string
	doviToolPath string
	timeout      time.Duration
}

// NewRpuProbe constructs an RpuProbe invoking ffmpegPath and doviToolPath
// through runner, using runner's scratch root for intermediate files.
func NewRpuProbe(runner *toolrunner.Runner, ffmpegPath, doviToolPath string, timeout time.Duration) *RpuProbe {
	return &RpuProbe{runner: runner, ffmpegPath: ffmpegPath, doviToolPath: doviToolPath, timeout: timeout}
}

// WindowResult is the outcome of probing a single timestamp window: the
// EL-type marker (if any) and the raw RPU export JSON so the caller can
// additionally search for a max_pq value (Stage C.2 step 4).
type WindowResult struct {
	ELType models.ELType
	ELOK   bool
	JSON   []byte
}

// ProbeWindow extracts startSec..startSec+durationSec of HEVC from path,
// extracts its RPU, exports it to JSON, and parses the el_type marker. Any
// sub-tool failure is reported as an error rather than classified here -
// per §4.1's failure semantics, the caller (Classifier) decides how to
// treat a failed window (e.g. defaulting to FEL_Complex).
func (p *RpuProbe) ProbeWindow(ctx context.Context, path string, startSec, durationSec float64) (WindowResult, error) {
	scratchDir, err := p.runner.NewScratchDir()
	if err != nil {
		return WindowResult{}, fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	hevcPath := filepath.Join(scratchDir, "window.hevc")
	if err := p.extractAnnexB(ctx, path, startSec, durationSec, hevcPath); err != nil {
		return WindowResult{}, err
	}

	rpuPath := filepath.Join(scratchDir, "rpu.bin")
	if err := p.extractRPU(ctx, hevcPath, rpuPath); err != nil {
		return WindowResult{}, err
	}

	jsonPath := filepath.Join(scratchDir, "rpu.json")
	data, err := p.exportRPUJSON(ctx, rpuPath, jsonPath)
	if err != nil {
		return WindowResult{}, err
	}

	elType, ok := dovi.ELTypeFromRPUJSON(data)
	return WindowResult{ELType: elType, ELOK: ok, JSON: data}, nil
}

// MaxPQFromWindow searches a window's exported RPU JSON for the maximum
// max_pq value (Stage C.2 step 4) and returns the raw PQ code value. The
// conversion to nits lives in internal/classifier, which owns PqMath wiring;
// this helper only exposes the raw max_pq lookup so the classifier can
// apply its own threshold logic.
func MaxPQFromWindow(w WindowResult) (uint16, bool) {
	return dovi.MaxPQFromRPUJSON(w.JSON)
}

func (p *RpuProbe) extractAnnexB(ctx context.Context, path string, startSec, durationSec float64, outPath string) error {
	args := []string{
		"-y",
		"-ss", strconv.FormatFloat(startSec, 'f', 3, 64),
		"-i", path,
		"-t", strconv.FormatFloat(durationSec, 'f', 3, 64),
		"-map", "0:v:0",
		"-c:v", "copy",
		"-bsf:v", "hevc_mp4toannexb",
		"-f", "hevc",
		outPath,
	}
	result, err := p.runner.Run(ctx, p.timeout, p.ffmpegPath, args, nil)
	if err != nil {
		return models.NewPipelineError(models.ErrProbeError, path, err)
	}
	if result.ExitCode != 0 {
		return models.NewPipelineError(models.ErrProbeError, path,
			fmt.Errorf("annex-b extraction exited %d: %s", result.ExitCode, string(result.Stderr)))
	}
	return nil
}

func (p *RpuProbe) extractRPU(ctx context.Context, hevcPath, rpuPath string) error {
	args := []string{"extract-rpu", hevcPath, "-o", rpuPath}
	result, err := p.runner.Run(ctx, p.timeout, p.doviToolPath, args, nil)
	if err != nil {
		return models.NewPipelineError(models.ErrProbeError, hevcPath, err)
	}
	if result.ExitCode != 0 {
		return models.NewPipelineError(models.ErrProbeError, hevcPath,
			fmt.Errorf("extract-rpu exited %d: %s", result.ExitCode, string(result.Stderr)))
	}
	return nil
}

func (p *RpuProbe) exportRPUJSON(ctx context.Context, rpuPath, jsonPath string) ([]byte, error) {
	args := []string{"export", "-i", rpuPath, "-d", "all=" + jsonPath}
	result, err := p.runner.Run(ctx, p.timeout, p.doviToolPath, args, nil)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrProbeError, rpuPath, err)
	}
	if result.ExitCode != 0 {
		return nil, models.NewPipelineError(models.ErrProbeError, rpuPath,
			fmt.Errorf("rpu export exited %d: %s", result.ExitCode, string(result.Stderr)))
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrProbeError, rpuPath,
			fmt.Errorf("reading rpu export: %w", err))
	}
	return data, nil
}

// summaryWindowSec is how much HEVC ProbeSummary extracts before handing it
// to the DoVi metadata tool's info/summary mode (§4.1 Stage B, §6: dovi_tool
// reads Annex-B/RPU bitstreams, not MKV containers).
const summaryWindowSec = 10

// ProbeSummary extracts a short HEVC window from the start of path and runs
// the DoVi metadata tool's info/summary mode against it, parsing a profile
// marker, used by Stage B when Stage A was inconclusive but DoVi was hinted
// (§4.1 Stage B).
func (p *RpuProbe) ProbeSummary(ctx context.Context, path string) (string, error) {
	scratchDir, err := p.runner.NewScratchDir()
	if err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	hevcPath := filepath.Join(scratchDir, "summary.hevc")
	if err := p.extractAnnexB(ctx, path, 0, summaryWindowSec, hevcPath); err != nil {
		return "", err
	}

	result, err := p.runner.Run(ctx, p.timeout, p.doviToolPath, []string{"info", "-i", hevcPath, "--summary"}, nil)
	if err != nil {
		return "", models.NewPipelineError(models.ErrProbeError, path, err)
	}
	if result.ExitCode != 0 {
		return "", models.NewPipelineError(models.ErrProbeError, path,
			fmt.Errorf("dovi info --summary exited %d: %s", result.ExitCode, string(result.Stderr)))
	}
	return string(result.Stdout), nil
}
