// Package probe implements ContainerProbe (C2), MediaProbe (C3), and
// RpuProbe (C4): the three external-tool-backed readers the Classifier (C5)
// composes into a FileVerdict (§4.1). Each prober shells out through a
// toolrunner.Runner and parses the tool's JSON output; none of them mutate
// the source file.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BeltaKoda/visionarr/internal/models"
	"github.com/BeltaKoda/visionarr/internal/toolrunner"
)

// mkvmergeTrackListing is the subset of `mkvmerge -J` output this probe
// cares about: the track array with per-track properties.
type mkvmergeTrackListing struct {
	Tracks []mkvmergeTrack `json:"tracks"`
}

type mkvmergeTrack struct {
	ID         uint32                  `json:"id"`
	Type       string                  `json:"type"`
	Properties mkvmergeTrackProperties `json:"properties"`
}

type mkvmergeTrackProperties struct {
	Language         string `json:"language"`
	TrackName        string `json:"track_name"`
	DefaultDuration  uint64 `json:"default_duration"` // nanoseconds per frame
	MinimumTimestamp int64  `json:"minimum_timestamp"`
	NumberOfFrames   uint64 `json:"number_of_frames"`
}

// ContainerProbe reads Matroska container metadata via mkvmerge's -J JSON
// track listing (§4.1 Stage A precursor, §6).
type ContainerProbe struct {
	runner       *toolrunner.Runner
	mkvmergePath string
	timeout      time.Duration
}

// NewContainerProbe constructs a ContainerProbe that invokes mkvmergePath
// through runner, enforcing timeout per call.
func NewContainerProbe(runner *toolrunner.Runner, mkvmergePath string, timeout time.Duration) *ContainerProbe {
	return &ContainerProbe{runner: runner, mkvmergePath: mkvmergePath, timeout: timeout}
}

// Probe enumerates the tracks of path and returns the first video track's
// VideoTrackInfo, required as input to the Converter's remux step so the
// output reproduces source metadata exactly (§3).
func (p *ContainerProbe) Probe(ctx context.Context, path string) (models.VideoTrackInfo, error) {
	result, err := p.runner.Run(ctx, p.timeout, p.mkvmergePath, []string{"-J", path}, nil)
	if err != nil {
		return models.VideoTrackInfo{}, models.NewPipelineError(models.ErrProbeError, path, err)
	}
	if result.ExitCode != 0 {
		return models.VideoTrackInfo{}, models.NewPipelineError(models.ErrProbeError, path,
			fmt.Errorf("mkvmerge -J exited %d: %s", result.ExitCode, string(result.Stderr)))
	}

	var listing mkvmergeTrackListing
	if err := json.Unmarshal(result.Stdout, &listing); err != nil {
		return models.VideoTrackInfo{}, models.NewPipelineError(models.ErrProbeError, path,
			fmt.Errorf("parsing mkvmerge -J output: %w", err))
	}

	for _, track := range listing.Tracks {
		if track.Type != "video" {
			continue
		}
		return models.VideoTrackInfo{
			TrackID:             track.ID,
			DelayNS:             track.Properties.MinimumTimestamp,
			Language:            track.Properties.Language,
			TrackName:           track.Properties.TrackName,
			FPS:                 fpsFromDefaultDuration(track.Properties.DefaultDuration),
			FrameCountContainer: track.Properties.NumberOfFrames,
		}, nil
	}

	return models.VideoTrackInfo{}, models.NewPipelineError(models.ErrInputError, path,
		fmt.Errorf("no video track found in container listing"))
}

// fpsFromDefaultDuration converts mkvmerge's per-frame duration in
// nanoseconds into the literal frame-rate string the mux step passes back
// to mkvmerge as --default-duration (e.g. "23.976").
func fpsFromDefaultDuration(durationNS uint64) string {
	if durationNS == 0 {
		return ""
	}
	fps := 1e9 / float64(durationNS)
	return fmt.Sprintf("%.3f", fps)
}
