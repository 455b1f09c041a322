package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BeltaKoda/visionarr/internal/dovi"
	"github.com/BeltaKoda/visionarr/internal/models"
	"github.com/BeltaKoda/visionarr/internal/toolrunner"
)

// mediaInfoResult is the subset of the media probe's JSON output the
// Classifier's Stage A needs (§6): HDR format fields, MaxCLL, duration,
// frame count and rate, and the video codec id.
type mediaInfoResult struct {
	Media struct {
		Track []mediaInfoTrack `json:"track"`
	} `json:"media"`
}

type mediaInfoTrack struct {
	Type                        string `json:"@type"`
	CodecID                     string `json:"CodecID"`
	HDRFormat                   string `json:"HDR_Format"`
	HDRFormatProfile            string `json:"HDR_Format_Profile"`
	HDRFormatAdditionalFeatures string `json:"HDR_Format_AdditionalFeatures"`
	HDRFormatCommercialName     string `json:"HDR_Format_Commercial_Name"`
	MaxCLL                      string `json:"MaxCLL"`
	Duration                    string `json:"Duration"` // seconds, may be fractional
	FrameCount                  string `json:"FrameCount"`
	FrameRate                   string `json:"FrameRate"`
}

// MediaSummary is the Stage A classification input produced from a single
// media-probe call: the raw HDR tag fields plus numeric duration/frame data
// the rest of the Classifier stages need.
type MediaSummary struct {
	HasDoVi    bool
	Profile    models.DoViProfile
	HDRFamily  models.HDRFamily
	MaxCLLNits uint32
	DurationMS int64
	FrameCount uint64
	FrameRate  string
	VideoCodec string
}

// MediaProbe reads high-level media metadata via a mediainfo-compatible
// JSON emitter, the cheap first classification stage (§4.1 Stage A, §6).
type MediaProbe struct {
	runner        *toolrunner.Runner
	mediainfoPath string
	timeout       time.Duration
}

// NewMediaProbe constructs a MediaProbe invoking mediainfoPath through
// runner.
func NewMediaProbe(runner *toolrunner.Runner, mediainfoPath string, timeout time.Duration) *MediaProbe {
	return &MediaProbe{runner: runner, mediainfoPath: mediainfoPath, timeout: timeout}
}

// Probe runs the media probe against path and maps its HDR tag fields per
// §4.1 Stage A's rules.
func (p *MediaProbe) Probe(ctx context.Context, path string) (MediaSummary, error) {
	result, err := p.runner.Run(ctx, p.timeout, p.mediainfoPath, []string{"--Output=JSON", path}, nil)
	if err != nil {
		return MediaSummary{}, models.NewPipelineError(models.ErrProbeError, path, err)
	}
	if result.ExitCode != 0 {
		return MediaSummary{}, models.NewPipelineError(models.ErrProbeError, path,
			fmt.Errorf("media probe exited %d: %s", result.ExitCode, string(result.Stderr)))
	}

	var parsed mediaInfoResult
	if err := json.Unmarshal(result.Stdout, &parsed); err != nil {
		return MediaSummary{}, models.NewPipelineError(models.ErrProbeError, path,
			fmt.Errorf("parsing media probe output: %w", err))
	}

	var video *mediaInfoTrack
	for i := range parsed.Media.Track {
		if parsed.Media.Track[i].Type == "Video" {
			video = &parsed.Media.Track[i]
			break
		}
	}
	if video == nil {
		return MediaSummary{}, models.NewPipelineError(models.ErrInputError, path,
			fmt.Errorf("no video track in media probe output"))
	}

	summary := MediaSummary{
		FrameRate:  video.FrameRate,
		VideoCodec: video.CodecID,
	}
	summary.DurationMS = durationSecondsToMS(video.Duration)
	summary.FrameCount = parseUint64(video.FrameCount)
	summary.MaxCLLNits = uint32(parseUint64(video.MaxCLL))

	classifyHDRTags(&summary, video)
	return summary, nil
}

// classifyHDRTags implements §4.1 Stage A's tag-mapping rules against the
// combined HDR format fields.
func classifyHDRTags(summary *MediaSummary, video *mediaInfoTrack) {
	combined := video.HDRFormat + " " + video.HDRFormatProfile + " " + video.HDRFormatAdditionalFeatures + " " + video.HDRFormatCommercialName

	switch {
	case dovi.MatchesProfile5(combined):
		summary.HasDoVi = true
		summary.Profile = models.ProfileP5
		return
	case dovi.MatchesProfile8(combined):
		summary.HasDoVi = true
		summary.Profile = models.ProfileP8
		return
	case dovi.MatchesProfile7(combined):
		summary.HasDoVi = true
		summary.Profile = models.ProfileP7
		return
	case dovi.MentionsDolbyVision(combined):
		summary.HasDoVi = true
		summary.Profile = models.ProfileUnknown
		return
	}

	summary.HasDoVi = false
	switch {
	case dovi.MentionsHDR10Plus(combined):
		summary.HDRFamily = models.HDRFamilyHDR10Plus
	case dovi.MentionsHLG(combined):
		summary.HDRFamily = models.HDRFamilyHLG
	case dovi.MentionsHDR10(combined):
		summary.HDRFamily = models.HDRFamilyHDR10
	default:
		summary.HDRFamily = models.HDRFamilyNone
	}
}

func durationSecondsToMS(s string) int64 {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0
	}
	return int64(f * 1000)
}

func parseUint64(s string) uint64 {
	var n uint64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0
	}
	return n
}
