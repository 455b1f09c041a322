package models

import "time"

// SnapshotFormatVersion is the current version of the catalog snapshot
// format, so future readers can detect incompatible exports.
const SnapshotFormatVersion = "1.0.0"

// SnapshotMetadata is embedded in every CatalogSnapshot export.
type SnapshotMetadata struct {
	Version          string    `json:"version"`
	VisionarrVersion string    `json:"visionarr_version"`
	ExportedAt       time.Time `json:"exported_at"`
	ItemCount        int       `json:"item_count"`
}
