// Package classifier implements the Classifier (C5): the three-stage
// analysis pipeline of §4.1 that combines MediaProbe (C3) and RpuProbe (C4)
// output into a single FileVerdict.
package classifier

import (
	"context"
	"os"
	"strings"

	"github.com/BeltaKoda/visionarr/internal/dovi"
	"github.com/BeltaKoda/visionarr/internal/models"
	"github.com/BeltaKoda/visionarr/internal/pqmath"
	"github.com/BeltaKoda/visionarr/internal/probe"
)

// defaultBasePeakNits is the fallback base-layer peak used when MaxCLL is
// absent or implausibly low (§4.1 Stage C.2 step 1).
const defaultBasePeakNits = 1000

// thresholdMarginNits is added to the base peak to form the over-threshold
// test in Stage C.2 step 2.
const thresholdMarginNits = 50

// minPlausibleMaxCLL is the floor below which MaxCLL is considered absent
// or unreliable (§4.1 Stage C.2 step 1: "absent or < 100 nits").
const minPlausibleMaxCLL = 100

// Classifier combines ContainerProbe-adjacent MediaProbe and RpuProbe calls
// into a FileVerdict, per the Stage A/B/C algorithm of §4.1.
type Classifier struct {
	mediaProbe *probe.MediaProbe
	rpuProbe   *probe.RpuProbe
}

// New constructs a Classifier from its two probe dependencies.
func New(mediaProbe *probe.MediaProbe, rpuProbe *probe.RpuProbe) *Classifier {
	return &Classifier{mediaProbe: mediaProbe, rpuProbe: rpuProbe}
}

// Classify runs the full Stage A/B/C pipeline against path. Idempotent:
// reads the file and a scratch directory, never modifies the source (§4.1).
func (c *Classifier) Classify(ctx context.Context, path string) (models.FileVerdict, error) {
	verdict := models.FileVerdict{Path: path, IsMKV: strings.EqualFold(fileExt(path), ".mkv")}

	info, err := os.Stat(path)
	if err != nil {
		return models.FileVerdict{}, models.NewPipelineError(models.ErrInputError, path, err)
	}
	verdict.FileSize = uint64(info.Size())
	if !verdict.IsMKV {
		return models.FileVerdict{}, models.NewPipelineError(models.ErrInputError, path, errNotMKV)
	}

	summary, err := c.mediaProbe.Probe(ctx, path)
	if err != nil {
		return models.FileVerdict{}, err
	}
	verdict.VideoCodec = summary.VideoCodec

	// Stage A.
	switch {
	case summary.HasDoVi && summary.Profile == models.ProfileP5:
		verdict.HasDoVi = true
		verdict.Profile = models.ProfileP5
		return verdict, nil
	case summary.HasDoVi && summary.Profile == models.ProfileP8:
		verdict.HasDoVi = true
		verdict.Profile = models.ProfileP8
		return verdict, nil
	case summary.HasDoVi:
		// dvhe.07/"Profile 7" tag (P7 tentative) or a generic "Dolby Vision"
		// mention with no specific profile tag: either way Stage B confirms
		// before Stage C runs (§4.1 Stage A -> Stage B).
		confirmed, ok := c.stageB(ctx, path)
		if !ok {
			verdict.HasDoVi = true
			verdict.Profile = models.ProfileUnknown
			verdict.Inconclusive = true
			verdict.Reason = "dolby vision mentioned but no profile marker found"
			return verdict, nil
		}
		verdict.HasDoVi = true
		verdict.Profile = confirmed
		if confirmed != models.ProfileP7 {
			return verdict, nil
		}
	default:
		verdict.HasDoVi = false
		verdict.HDRFamily = summary.HDRFamily
		return verdict, nil
	}

	// Stage C: only reached for a file Stage B confirmed as Profile 7.
	elType, reason, err := c.stageC(ctx, path, summary)
	if err != nil {
		return models.FileVerdict{}, err
	}
	verdict.ELType = elType
	verdict.Reason = reason
	// Every FEL verdict except the no-marker default comes from Stage C.2.
	if _, usedDefault := basePeakNits(summary.MaxCLLNits); usedDefault &&
		elType != models.ELTypeMEL && reason != reasonELUnknown {
		verdict.DefaultBasePeakUsed = true
	}
	return verdict, nil
}

// stageB extracts a short HEVC window and runs the DoVi tool's info/summary
// mode, parsing for a profile marker (§4.1 Stage B).
func (c *Classifier) stageB(ctx context.Context, path string) (models.DoViProfile, bool) {
	summaryText, err := c.rpuProbe.ProbeSummary(ctx, path)
	if err != nil {
		return "", false
	}
	switch {
	case dovi.MatchesProfile5(summaryText):
		return models.ProfileP5, true
	case dovi.MatchesProfile7(summaryText):
		return models.ProfileP7, true
	case dovi.MatchesProfile8(summaryText):
		return models.ProfileP8, true
	default:
		return "", false
	}
}

const (
	reasonDefaultBasePeak    = "default_base_peak_used"
	reasonMELConfirmed       = "mel_confirmed"
	reasonFELOverThreshold   = "fel_over_threshold"
	reasonExtractionFailed   = "extraction_failed"
	reasonInsufficientData   = "insufficient_data"
	reasonFELSimpleConfirmed = "fel_simple_confirmed"
	reasonELUnknown          = "el_type_unknown_after_both_windows"
)

// c1Marker is what Stage C.1's window scan found: MEL, FEL (proceed to
// C.2), or no marker at all after both windows.
type c1Marker int

const (
	c1Unknown c1Marker = iota
	c1MEL
	c1FEL
)

// stageC implements §4.1 Stage C: C.1 determines the EL type from a short
// window near the start; C.2, reached only on FEL, probes ten timestamps
// across the runtime for active brightness expansion.
func (c *Classifier) stageC(ctx context.Context, path string, summary probe.MediaSummary) (models.ELType, string, error) {
	marker := c.stageC1(ctx, path)
	switch marker {
	case c1MEL:
		return models.ELTypeMEL, reasonMELConfirmed, nil
	case c1FEL:
		return c.stageC2(ctx, path, summary)
	default:
		// No marker found after both windows: safer default (§4.1 Stage C.1).
		return models.ELTypeFELComplex, reasonELUnknown, nil
	}
}

// stageC1 extracts the first 5 seconds, then 30 if inconclusive, and scans
// for the el_type marker (§4.1 Stage C.1). internal/dovi.ELTypeFromRPUJSON
// reports FEL as ELTypeUnknown-with-ok=true (Stage C.2 decides Simple vs
// Complex), distinct from no-marker-at-all (ok=false).
func (c *Classifier) stageC1(ctx context.Context, path string) c1Marker {
	for _, windowSec := range []float64{5, 30} {
		window, err := c.rpuProbe.ProbeWindow(ctx, path, 0, windowSec)
		if err != nil || !window.ELOK {
			continue
		}
		if window.ELType == models.ELTypeMEL {
			return c1MEL
		}
		return c1FEL
	}
	return c1Unknown
}

// stageC2 samples ten timestamps across the file's duration (or just {0} for
// very short files) looking for RPU brightness data over the base-peak
// threshold, per §4.1 Stage C.2.
func (c *Classifier) stageC2(ctx context.Context, path string, summary probe.MediaSummary) (models.ELType, string, error) {
	basePeak, usedDefault := basePeakNits(summary.MaxCLLNits)
	threshold := basePeak + thresholdMarginNits

	timestampsMS := probeTimestamps(summary.DurationMS)
	succeeded := 0

	for _, tsMS := range timestampsMS {
		startSec := float64(tsMS) / 1000.0
		window, err := c.rpuProbe.ProbeWindow(ctx, path, startSec, 1.0)
		if err != nil {
			continue
		}
		if window.ELOK && window.ELType == models.ELTypeMEL {
			// Re-classified as MEL at a later sample: the whole file is safe.
			return models.ELTypeMEL, reasonMELConfirmed, nil
		}

		maxPQ, ok := probe.MaxPQFromWindow(window)
		if !ok {
			continue
		}
		succeeded++

		nits := pqmath.PQToNits(maxPQ)
		if nits > threshold {
			return models.ELTypeFELComplex, reasonFELOverThreshold, nil
		}
	}

	if succeeded == 0 {
		return models.ELTypeFELComplex, reasonExtractionFailed, nil
	}
	if succeeded < max(1, len(timestampsMS)/2) {
		return models.ELTypeFELComplex, reasonInsufficientData, nil
	}

	reason := reasonFELSimpleConfirmed
	if usedDefault {
		reason = reasonDefaultBasePeak
	}
	return models.ELTypeFELSimple, reason, nil
}

// basePeakNits returns the base-layer peak to use per §4.1 Stage C.2 step 1,
// and whether the default (rather than MaxCLL) was used.
func basePeakNits(maxCLL uint32) (nits uint32, usedDefault bool) {
	if maxCLL < minPlausibleMaxCLL {
		return defaultBasePeakNits, true
	}
	return maxCLL, false
}

// probeTimestamps returns the millisecond offsets Stage C.2 samples: {0} for
// files under 10 seconds, otherwise the 5%, 15%, ..., 95% marks.
func probeTimestamps(durationMS int64) []int64 {
	if durationMS < 10_000 {
		return []int64{0}
	}
	timestamps := make([]int64, 0, 10)
	for i := 0; i < 10; i++ {
		pct := float64(5+10*i) / 100.0
		timestamps = append(timestamps, int64(pct*float64(durationMS)))
	}
	return timestamps
}

func fileExt(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}

var errNotMKV = notMKVError{}

type notMKVError struct{}

func (notMKVError) Error() string { return "file is not an MKV container" }
