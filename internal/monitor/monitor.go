// Package monitor defines the Monitor abstraction over *arr-style media
// managers (Radarr/Sonarr), supplemented from
// original_source/src/monitor/base.py (§10.6). Concrete clients are out of
// scope for the core; NullMonitor lets the Scheduler depend on the
// abstraction unconditionally.
package monitor

import (
	"context"
	"time"
)

// MediaType distinguishes the *arr entities a RecentImport can describe.
type MediaType string

const (
	MediaTypeMovie   MediaType = "movie"
	MediaTypeEpisode MediaType = "episode"
)

// RecentImport is a recently imported media file reported by a Monitor,
// renamed from the Python base class's ImportedMedia per the glossary.
type RecentImport struct {
	FilePath     string
	FileSizeByte uint64
	MediaType    MediaType
	MediaID      int
	Title        string
	ImportedAt   time.Time
	Quality      string
	SourceTitle  string
}

// Monitor is implemented by each *arr-style client the daemon can query
// after a conversion, to trigger a library rescan so the manager picks up
// the new file size and hash.
type Monitor interface {
	// Name identifies the monitor (e.g. "Radarr", "Sonarr").
	Name() string
	// TestConnection verifies the instance is reachable and the API key is
	// valid.
	TestConnection(ctx context.Context) error
	// RecentImports returns media imported within the last since duration.
	RecentImports(ctx context.Context, since time.Duration) ([]RecentImport, error)
	// TriggerRescan asks the instance to rescan mediaID's files on disk.
	TriggerRescan(ctx context.Context, mediaID int) error
	// LibraryPaths returns every root folder path configured on the
	// instance, used for full-library scans.
	LibraryPaths(ctx context.Context) ([]string, error)
}

// NullMonitor is a no-op Monitor used when no *arr instances are configured.
type NullMonitor struct{}

// Name implements Monitor.
func (NullMonitor) Name() string { return "none" }

// TestConnection implements Monitor; always succeeds.
func (NullMonitor) TestConnection(context.Context) error { return nil }

// RecentImports implements Monitor; always returns an empty slice.
func (NullMonitor) RecentImports(context.Context, time.Duration) ([]RecentImport, error) {
	return nil, nil
}

// TriggerRescan implements Monitor; always succeeds without doing anything.
func (NullMonitor) TriggerRescan(context.Context, int) error { return nil }

// LibraryPaths implements Monitor; always returns an empty slice.
func (NullMonitor) LibraryPaths(context.Context) ([]string, error) { return nil, nil }

var _ Monitor = NullMonitor{}
