// Package catalog implements the Catalog (C7): the single persistent,
// GORM-backed store of everything the Scheduler and Converter need to
// remember between runs (§3, §4.3).
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BeltaKoda/visionarr/internal/models"
	"github.com/BeltaKoda/visionarr/internal/version"
)

// Catalog defines every operation the Scheduler and Converter perform
// against persistent state (§4.3). File paths are treated as opaque,
// canonicalized keys throughout.
type Catalog interface {
	IsProcessed(ctx context.Context, path string) (bool, error)
	MarkProcessed(ctx context.Context, path string, originalProfile, newProfile models.DoViProfile, size uint64, elType models.ELType) error

	IsScanned(ctx context.Context, path string) (bool, error)
	AddScanned(ctx context.Context, path string, hasDoVi bool, profileLabel models.DoViProfile, size uint64, elTypeLabel models.ELType) error
	AllScannedPaths(ctx context.Context) (map[string]struct{}, error)
	ClearScanned(ctx context.Context) (int64, error)

	IsDiscovered(ctx context.Context, path string) (bool, error)
	AddDiscovered(ctx context.Context, path, title string, elTypeLabel models.ELType) error
	GetDiscovered(ctx context.Context) ([]models.DiscoveredEntry, error)
	GetMELEntries(ctx context.Context) ([]models.DiscoveredEntry, error)
	GetFELEntries(ctx context.Context) ([]models.DiscoveredEntry, error)
	RemoveDiscovered(ctx context.Context, path string) error

	MarkFailed(ctx context.Context, path, message string) error
	GetFailed(ctx context.Context, limit int) ([]models.FailedEntry, error)
	ClearFailed(ctx context.Context, path string) error

	SetCurrentConversion(ctx context.Context, path, title string) error
	ClearCurrentConversion(ctx context.Context) error
	GetCurrentConversion(ctx context.Context) (*models.InFlightMarker, error)

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetAllSettings(ctx context.Context) (map[string]string, error)
	InitialSetupComplete(ctx context.Context) (bool, error)

	ClearDatabase(ctx context.Context) (int64, error)
	ExportSnapshot(ctx context.Context) ([]byte, error)
}

// gormCatalog implements Catalog using GORM.
type gormCatalog struct {
	db     *gorm.DB
	driver string
}

// New creates a new Catalog backed by db.
func New(db *gorm.DB) *gormCatalog {
	driver := ""
	if db.Dialector != nil {
		driver = db.Dialector.Name()
	}
	return &gormCatalog{db: db, driver: driver}
}

// Ensure gormCatalog implements Catalog at compile time.
var _ Catalog = (*gormCatalog)(nil)

// IsProcessed reports whether path has a ProcessedEntry row.
func (c *gormCatalog) IsProcessed(ctx context.Context, path string) (bool, error) {
	var count int64
	if err := c.db.WithContext(ctx).Model(&models.ProcessedEntry{}).Where("path = ?", path).Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking processed status: %w", err)
	}
	return count > 0, nil
}

// MarkProcessed upserts a ProcessedEntry and clears any failed entry for the
// same path (§4.3).
func (c *gormCatalog) MarkProcessed(ctx context.Context, path string, originalProfile, newProfile models.DoViProfile, size uint64, elType models.ELType) error {
	entry := models.ProcessedEntry{
		Path:                 path,
		OriginalProfile:      originalProfile.String(),
		NewProfile:           newProfile.String(),
		FileSizeAtConversion: size,
		ELTypeLabel:          elType.String(),
		ProcessedAt:          models.Now(),
	}

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "path"}},
			DoUpdates: clause.AssignmentColumns([]string{"original_profile", "new_profile", "file_size_at_conversion", "el_type_label", "processed_at"}),
		}).Create(&entry).Error; err != nil {
			return fmt.Errorf("marking processed: %w", err)
		}

		if err := tx.Where("path = ?", path).Delete(&models.FailedEntry{}).Error; err != nil {
			return fmt.Errorf("clearing failed entry on success: %w", err)
		}
		return nil
	})
}

// IsScanned reports whether path has a ScanRecord row.
func (c *gormCatalog) IsScanned(ctx context.Context, path string) (bool, error) {
	var count int64
	if err := c.db.WithContext(ctx).Model(&models.ScanRecord{}).Where("path = ?", path).Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking scanned status: %w", err)
	}
	return count > 0, nil
}

// AddScanned upserts a ScanRecord for path with the Classifier's verdict.
func (c *gormCatalog) AddScanned(ctx context.Context, path string, hasDoVi bool, profileLabel models.DoViProfile, size uint64, elTypeLabel models.ELType) error {
	record := models.ScanRecord{
		Path:         path,
		HasDoVi:      hasDoVi,
		ProfileLabel: profileLabel.String(),
		FileSize:     size,
		ELTypeLabel:  elTypeLabel.String(),
		ScannedAt:    models.Now(),
	}

	if err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"has_do_vi", "profile_label", "file_size", "el_type_label", "scanned_at"}),
	}).Create(&record).Error; err != nil {
		return fmt.Errorf("adding scanned record: %w", err)
	}
	return nil
}

// AllScannedPaths batch-loads every scanned path, for the delta-scan skip
// set (§4.4).
func (c *gormCatalog) AllScannedPaths(ctx context.Context) (map[string]struct{}, error) {
	var paths []string
	if err := c.db.WithContext(ctx).Model(&models.ScanRecord{}).Pluck("path", &paths).Error; err != nil {
		return nil, fmt.Errorf("loading scanned paths: %w", err)
	}

	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return set, nil
}

// ClearScanned deletes every ScanRecord row, returning the count removed.
func (c *gormCatalog) ClearScanned(ctx context.Context) (int64, error) {
	result := c.db.WithContext(ctx).Where("1 = 1").Delete(&models.ScanRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("clearing scanned records: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// IsDiscovered reports whether path has a DiscoveredEntry row.
func (c *gormCatalog) IsDiscovered(ctx context.Context, path string) (bool, error) {
	var count int64
	if err := c.db.WithContext(ctx).Model(&models.DiscoveredEntry{}).Where("path = ?", path).Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking discovered status: %w", err)
	}
	return count > 0, nil
}

// AddDiscovered inserts a DiscoveredEntry for path. A no-op if one already
// exists (§4.3).
func (c *gormCatalog) AddDiscovered(ctx context.Context, path, title string, elTypeLabel models.ELType) error {
	entry := models.DiscoveredEntry{
		Path:         path,
		Title:        title,
		ELTypeLabel:  elTypeLabel.String(),
		DiscoveredAt: models.Now(),
	}

	if err := c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
		return fmt.Errorf("adding discovered entry: %w", err)
	}
	return nil
}

// GetDiscovered returns every DiscoveredEntry whose path is not already in
// ProcessedEntry, ordered oldest-first (FIFO per §5), enforcing the
// "not yet processed" invariant of §3 via a NOT IN subquery join.
func (c *gormCatalog) GetDiscovered(ctx context.Context) ([]models.DiscoveredEntry, error) {
	var entries []models.DiscoveredEntry
	sub := c.db.Model(&models.ProcessedEntry{}).Select("path")
	if err := c.db.WithContext(ctx).
		Where("path NOT IN (?)", sub).
		Order("discovered_at ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("getting discovered entries: %w", err)
	}
	return entries, nil
}

// GetMELEntries returns discovered MEL entries not yet processed.
func (c *gormCatalog) GetMELEntries(ctx context.Context) ([]models.DiscoveredEntry, error) {
	return c.getDiscoveredByELType(ctx, models.ELTypeMEL)
}

// GetFELEntries returns discovered FEL-simple entries not yet processed.
func (c *gormCatalog) GetFELEntries(ctx context.Context) ([]models.DiscoveredEntry, error) {
	return c.getDiscoveredByELType(ctx, models.ELTypeFELSimple)
}

func (c *gormCatalog) getDiscoveredByELType(ctx context.Context, elType models.ELType) ([]models.DiscoveredEntry, error) {
	var entries []models.DiscoveredEntry
	sub := c.db.Model(&models.ProcessedEntry{}).Select("path")
	if err := c.db.WithContext(ctx).
		Where("path NOT IN (?)", sub).
		Where("el_type_label = ?", elType.String()).
		Order("discovered_at ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("getting discovered entries by el type: %w", err)
	}
	return entries, nil
}

// RemoveDiscovered deletes the DiscoveredEntry for path.
func (c *gormCatalog) RemoveDiscovered(ctx context.Context, path string) error {
	if err := c.db.WithContext(ctx).Where("path = ?", path).Delete(&models.DiscoveredEntry{}).Error; err != nil {
		return fmt.Errorf("removing discovered entry: %w", err)
	}
	return nil
}

// MarkFailed upserts a FailedEntry for path, incrementing RetryCount if one
// already exists (§4.3).
func (c *gormCatalog) MarkFailed(ctx context.Context, path, message string) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.FailedEntry
		err := tx.Where("path = ?", path).First(&existing).Error
		switch {
		case err == nil:
			existing.ErrorMessage = message
			existing.FailedAt = models.Now()
			existing.RetryCount++
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("incrementing failed entry: %w", err)
			}
			return nil
		case err == gorm.ErrRecordNotFound:
			entry := models.FailedEntry{
				Path:         path,
				ErrorMessage: message,
				FailedAt:     models.Now(),
				RetryCount:   0,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return fmt.Errorf("creating failed entry: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("looking up failed entry: %w", err)
		}
	})
}

// GetFailed returns up to limit FailedEntry rows, most recent first.
func (c *gormCatalog) GetFailed(ctx context.Context, limit int) ([]models.FailedEntry, error) {
	var entries []models.FailedEntry
	query := c.db.WithContext(ctx).Order("failed_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("getting failed entries: %w", err)
	}
	return entries, nil
}

// ClearFailed removes the FailedEntry for path, or every FailedEntry when
// path is empty.
func (c *gormCatalog) ClearFailed(ctx context.Context, path string) error {
	query := c.db.WithContext(ctx)
	if path != "" {
		query = query.Where("path = ?", path)
	} else {
		query = query.Where("1 = 1")
	}
	if err := query.Delete(&models.FailedEntry{}).Error; err != nil {
		return fmt.Errorf("clearing failed entries: %w", err)
	}
	return nil
}

// SetCurrentConversion upserts the singleton InFlightMarker row marking path
// as the file currently being converted.
func (c *gormCatalog) SetCurrentConversion(ctx context.Context, path, title string) error {
	marker := models.InFlightMarker{
		ID:        models.InFlightMarkerID,
		Path:      path,
		Title:     title,
		StartedAt: models.Now(),
	}

	if err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"path", "title", "started_at"}),
	}).Create(&marker).Error; err != nil {
		return fmt.Errorf("setting current conversion marker: %w", err)
	}
	return nil
}

// ClearCurrentConversion deletes the singleton InFlightMarker row, if any.
// Called on normal completion, explicit shutdown, and at startup as
// crash-recovery (§4.4 step 2).
func (c *gormCatalog) ClearCurrentConversion(ctx context.Context) error {
	if err := c.db.WithContext(ctx).Where("id = ?", models.InFlightMarkerID).Delete(&models.InFlightMarker{}).Error; err != nil {
		return fmt.Errorf("clearing current conversion marker: %w", err)
	}
	return nil
}

// GetCurrentConversion returns the in-flight marker, or nil if none is set.
func (c *gormCatalog) GetCurrentConversion(ctx context.Context) (*models.InFlightMarker, error) {
	var marker models.InFlightMarker
	err := c.db.WithContext(ctx).Where("id = ?", models.InFlightMarkerID).First(&marker).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting current conversion marker: %w", err)
	}
	return &marker, nil
}

// GetSetting returns the string value for key, or an empty string if unset.
func (c *gormCatalog) GetSetting(ctx context.Context, key string) (string, error) {
	var setting models.Setting
	err := c.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", fmt.Errorf("getting setting %q: %w", key, err)
	}
	return setting.Value, nil
}

// SetSetting upserts the (key, value) pair.
func (c *gormCatalog) SetSetting(ctx context.Context, key, value string) error {
	setting := models.Setting{Key: key, Value: value}
	if err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&setting).Error; err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// GetAllSettings returns every recognized setting as a key/value map.
func (c *gormCatalog) GetAllSettings(ctx context.Context) (map[string]string, error) {
	var settings []models.Setting
	if err := c.db.WithContext(ctx).Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("getting all settings: %w", err)
	}

	result := make(map[string]string, len(settings))
	for _, s := range settings {
		result[s.Key] = s.Value
	}
	return result, nil
}

// InitialSetupComplete reports whether the initial_setup_complete setting is
// present and true (§3, §4.4 step 1).
func (c *gormCatalog) InitialSetupComplete(ctx context.Context) (bool, error) {
	value, err := c.GetSetting(ctx, models.SettingInitialSetupComplete)
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// ClearDatabase deletes every row from the scanned, discovered, processed and
// failed tables (factory reset, §4.3), returning the total rows removed. The
// settings table is left as it is.
func (c *gormCatalog) ClearDatabase(ctx context.Context) (int64, error) {
	var total int64
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []any{
			&models.ScanRecord{},
			&models.DiscoveredEntry{},
			&models.ProcessedEntry{},
			&models.FailedEntry{},
			&models.InFlightMarker{},
		} {
			result := tx.Where("1 = 1").Delete(table)
			if result.Error != nil {
				return fmt.Errorf("clearing table: %w", result.Error)
			}
			total += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ExportSnapshot dumps every table as a JSON-encoded models.CatalogSnapshot,
// for offline inspection (§4.3).
func (c *gormCatalog) ExportSnapshot(ctx context.Context) ([]byte, error) {
	var snapshot models.CatalogSnapshot

	if err := c.db.WithContext(ctx).Order("path ASC").Find(&snapshot.Scanned).Error; err != nil {
		return nil, fmt.Errorf("exporting scanned: %w", err)
	}
	if err := c.db.WithContext(ctx).Order("discovered_at ASC").Find(&snapshot.Discovered).Error; err != nil {
		return nil, fmt.Errorf("exporting discovered: %w", err)
	}
	if err := c.db.WithContext(ctx).Order("processed_at ASC").Find(&snapshot.Processed).Error; err != nil {
		return nil, fmt.Errorf("exporting processed: %w", err)
	}
	if err := c.db.WithContext(ctx).Order("failed_at ASC").Find(&snapshot.Failed).Error; err != nil {
		return nil, fmt.Errorf("exporting failed: %w", err)
	}

	inFlight, err := c.GetCurrentConversion(ctx)
	if err != nil {
		return nil, fmt.Errorf("exporting in-flight marker: %w", err)
	}
	snapshot.InFlight = inFlight

	settings, err := c.GetAllSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("exporting settings: %w", err)
	}
	snapshot.Settings = settings

	itemCount := len(snapshot.Scanned) + len(snapshot.Discovered) + len(snapshot.Processed) + len(snapshot.Failed)
	if snapshot.InFlight != nil {
		itemCount++
	}

	snapshot.Metadata = models.SnapshotMetadata{
		Version:          models.SnapshotFormatVersion,
		VisionarrVersion: version.Version,
		ExportedAt:       time.Now(),
		ItemCount:        itemCount,
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling catalog snapshot: %w", err)
	}
	return data, nil
}
