package models

// ScanRecord is the Catalog's (C7) record of the most recent Classifier
// verdict for a path. At most one row per path; always upserted (§3).
type ScanRecord struct {
	Path         string `gorm:"primarykey;size:4096" json:"path"`
	HasDoVi      bool   `json:"has_dovi"`
	ProfileLabel string `gorm:"size:32;index" json:"profile_label,omitempty"`
	FileSize     uint64 `json:"file_size"`
	ELTypeLabel  string `gorm:"size:32" json:"el_type_label,omitempty"`
	ScannedAt    Time   `json:"scanned_at"`
}

func (ScanRecord) TableName() string { return "scanned_files" }

// DiscoveredEntry is a path whose most recent verdict was Profile 7 and
// which is not yet present in ProcessedEntry (§3 invariant).
type DiscoveredEntry struct {
	Path         string `gorm:"primarykey;size:4096" json:"path"`
	Title        string `gorm:"size:512" json:"title,omitempty"`
	ELTypeLabel  string `gorm:"size:32;index" json:"el_type_label,omitempty"`
	DiscoveredAt Time   `json:"discovered_at"`
}

func (DiscoveredEntry) TableName() string { return "discovered_files" }

// ProcessedEntry records a successful conversion. Written by the Scheduler
// through Catalog.MarkProcessed once Converter.ConvertToP8 has succeeded;
// deleted only by explicit operator action.
type ProcessedEntry struct {
	Path                 string `gorm:"primarykey;size:4096" json:"path"`
	OriginalProfile      string `gorm:"size:32" json:"original_profile"`
	NewProfile           string `gorm:"size:32" json:"new_profile"`
	FileSizeAtConversion uint64 `json:"file_size_at_conversion"`
	ELTypeLabel          string `gorm:"size:32" json:"el_type_label,omitempty"`
	ProcessedAt          Time   `json:"processed_at"`
}

func (ProcessedEntry) TableName() string { return "processed_files" }

// FailedEntry records a conversion or classification failure. Upserting
// increments RetryCount (§3, §4.3).
type FailedEntry struct {
	Path         string `gorm:"primarykey;size:4096" json:"path"`
	ErrorMessage string `gorm:"size:4096" json:"error_message"`
	FailedAt     Time   `json:"failed_at"`
	RetryCount   int    `json:"retry_count"`
}

func (FailedEntry) TableName() string { return "failed_files" }

// InFlightMarker is a singleton row (at most one) tracking the file
// currently being converted, for crash-recovery diagnostics and live status
// display (§3).
type InFlightMarker struct {
	ID        uint   `gorm:"primarykey;autoIncrement:false" json:"-"`
	Path      string `gorm:"size:4096" json:"path"`
	Title     string `gorm:"size:512" json:"title,omitempty"`
	StartedAt Time   `json:"started_at"`
}

func (InFlightMarker) TableName() string { return "current_conversion" }

// InFlightMarkerID is the fixed primary key of the InFlightMarker singleton
// row, matching the CHECK(id=1) convention of the original source's schema.
const InFlightMarkerID = 1

// Setting is a (key, string-value) row in the Catalog's settings table.
// Recognized keys and their effects are documented in §3.
type Setting struct {
	Key   string `gorm:"primarykey;size:128" json:"key"`
	Value string `gorm:"size:1024" json:"value"`
}

func (Setting) TableName() string { return "settings" }

// Recognized setting keys (§3).
const (
	SettingAutoProcessMode      = "auto_process_mode"
	SettingAutoProcessFEL       = "auto_process_fel"
	SettingBackupEnabled        = "backup_enabled"
	SettingDeltaScanInterval    = "delta_scan_interval_minutes"
	SettingFullScanDay          = "full_scan_day"
	SettingFullScanTime         = "full_scan_time"
	SettingInitialSetupComplete = "initial_setup_complete"

	// SettingLastFullScanAt and SettingLastDeltaScanAt record RFC3339
	// timestamps of the most recent scan of each kind, so the Scheduler's
	// due-checks survive a restart (§4.4 step 1).
	SettingLastFullScanAt  = "last_full_scan_at"
	SettingLastDeltaScanAt = "last_delta_scan_at"
)

// AutoProcessMode enumerates the values recognized for SettingAutoProcessMode.
type AutoProcessMode string

const (
	AutoProcessOff    AutoProcessMode = "off"
	AutoProcessAll    AutoProcessMode = "all"
	AutoProcessMovies AutoProcessMode = "movies"
	AutoProcessShows  AutoProcessMode = "shows"
)

// DefaultSettings mirrors the original source's SETTINGS_DEFAULTS table,
// seeded into a freshly created catalog.
func DefaultSettings() map[string]string {
	return map[string]string{
		SettingAutoProcessMode:   string(AutoProcessOff),
		SettingAutoProcessFEL:    "false",
		SettingBackupEnabled:     "true",
		SettingDeltaScanInterval: "30",
		SettingFullScanDay:       "sunday",
		SettingFullScanTime:      "03:00",
	}
}

// AllTables lists every model GORM should auto-migrate for the catalog.
func AllTables() []any {
	return []any{
		&ScanRecord{},
		&DiscoveredEntry{},
		&ProcessedEntry{},
		&FailedEntry{},
		&InFlightMarker{},
		&Setting{},
	}
}

// CatalogSnapshot is the structure written by Catalog.ExportSnapshot, a
// full point-in-time dump of every table for offline inspection (§4.3).
type CatalogSnapshot struct {
	Metadata   SnapshotMetadata  `json:"metadata"`
	Scanned    []ScanRecord      `json:"scanned"`
	Discovered []DiscoveredEntry `json:"discovered"`
	Processed  []ProcessedEntry  `json:"processed"`
	Failed     []FailedEntry     `json:"failed"`
	InFlight   *InFlightMarker   `json:"in_flight,omitempty"`
	Settings   map[string]string `json:"settings"`
}
