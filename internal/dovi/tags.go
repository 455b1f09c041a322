// Package dovi recognizes the Dolby Vision / HDR tag vocabulary that
// MediaProbe (C3) and RpuProbe (C4) output pass through, and the Classifier
// (C5) matches against at each stage (§4.1). Kept separate from
// internal/models, which owns the data types these functions classify
// strings and JSON blobs into.
package dovi

import "strings"

// ProfileTag identifies which literal substrings MediaProbe's HDR format
// fields are matched against at Stage A (§4.1 Stage A).
type ProfileTag string

const (
	TagDVHE05   = "dvhe.05"
	TagDVHE07   = "dvhe.07"
	TagDVHE08   = "dvhe.08"
	TagProfile5 = "profile 5"
	TagProfile7 = "profile 7"
	TagProfile8 = "profile 8"

	// TagDolbyVisionMention is the generic substring used when no specific
	// profile tag matched but the field still mentions Dolby Vision.
	TagDolbyVisionMention = "dolby vision"

	// TagHDR10Plus is the substring (often the transfer characteristics
	// codepoint "2094") identifying HDR10+ dynamic metadata.
	TagHDR10Plus = "2094"

	// TagHDR10Codepoint and TagHDR10Name both identify static HDR10.
	TagHDR10Codepoint = "2086"
	TagHDR10Name      = "hdr10"

	TagHLG = "hlg"
)

// MatchesProfile5 reports whether an HDR format/profile string identifies
// Dolby Vision Profile 5.
func MatchesProfile5(s string) bool {
	return containsFold(s, TagDVHE05) || containsFold(s, TagProfile5)
}

// MatchesProfile8 reports whether an HDR format/profile string identifies
// Dolby Vision Profile 8.
func MatchesProfile8(s string) bool {
	return containsFold(s, TagDVHE08) || containsFold(s, TagProfile8)
}

// MatchesProfile7 reports whether an HDR format/profile string identifies
// Dolby Vision Profile 7.
func MatchesProfile7(s string) bool {
	return containsFold(s, TagDVHE07) || containsFold(s, TagProfile7)
}

// MentionsDolbyVision reports a generic Dolby Vision presence signal, used
// when no specific profile tag matched (§4.1 Stage A, final bullet).
func MentionsDolbyVision(s string) bool {
	return containsFold(s, TagDolbyVisionMention)
}

// MentionsHDR10Plus reports whether s carries the HDR10+ dynamic-metadata
// codepoint.
func MentionsHDR10Plus(s string) bool {
	return containsFold(s, TagHDR10Plus)
}

// MentionsHDR10 reports whether s identifies static HDR10.
func MentionsHDR10(s string) bool {
	return containsFold(s, TagHDR10Codepoint) || containsFold(s, TagHDR10Name)
}

// MentionsHLG reports whether s identifies Hybrid Log-Gamma.
func MentionsHLG(s string) bool {
	return containsFold(s, TagHLG)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}
