package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BeltaKoda/visionarr/internal/catalog"
	"github.com/BeltaKoda/visionarr/internal/classifier"
	"github.com/BeltaKoda/visionarr/internal/converter"
	"github.com/BeltaKoda/visionarr/internal/models"
	"github.com/BeltaKoda/visionarr/internal/notifier"
	"github.com/BeltaKoda/visionarr/internal/probe"
	"github.com/BeltaKoda/visionarr/internal/toolrunner"
)

func newTestCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.AllTables()...))

	cat := catalog.New(db)
	for k, v := range models.DefaultSettings() {
		require.NoError(t, cat.SetSetting(context.Background(), k, v))
	}
	return cat
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

// newAlwaysSucceedingConverter wires a Converter whose fake external tools
// always succeed, for exercising convertOne's catalog bookkeeping without
// re-proving the conversion state machine (covered in internal/converter).
func newAlwaysSucceedingConverter(t *testing.T, frameCount string) *converter.Converter {
	t.Helper()
	dir := t.TempDir()

	mkvmergePath := filepath.Join(dir, "mkvmerge")
	writeScript(t, mkvmergePath, `
case "$1" in
  -J) cat <<VISIONARR_EOF
{"tracks":[{"id":0,"type":"video","properties":{"language":"eng","track_name":"Main","default_duration":41708333,"minimum_timestamp":0,"number_of_frames":`+frameCount+`}}]}
VISIONARR_EOF
      ;;
  -o) shift; out="$1"; : > "$out" ;;
esac
exit 0
`)

	ffmpegPath := filepath.Join(dir, "ffmpeg")
	writeScript(t, ffmpegPath, `for out in "$@"; do :; done; if [ "$out" != "pipe:1" ]; then : > "$out"; fi; exit 0`)

	doviToolPath := filepath.Join(dir, "dovi_tool")
	writeScript(t, doviToolPath, `
out=""; prev=""
for arg in "$@"; do
  if [ "$prev" = "-o" ]; then out="$arg"; fi
  prev="$arg"
done
if [ -n "$out" ] && [ "$out" != "pipe:0" ]; then : > "$out"; fi
exit 0
`)

	ffprobePath := filepath.Join(dir, "ffprobe")
	writeScript(t, ffprobePath, "echo "+frameCount+"\nexit 0")

	runner := toolrunner.New(dir)
	containerProbe := probe.NewContainerProbe(runner, mkvmergePath, 5*time.Second)
	return converter.New(runner, containerProbe, mkvmergePath, "", ffmpegPath, ffprobePath, doviToolPath,
		5*time.Second, 5*time.Second, 5*time.Second)
}

// newAlwaysFailingConverter wires a Converter whose dovi_tool always exits
// nonzero, forcing every conversion attempt to fail.
func newAlwaysFailingConverter(t *testing.T) *converter.Converter {
	t.Helper()
	dir := t.TempDir()

	mkvmergePath := filepath.Join(dir, "mkvmerge")
	writeScript(t, mkvmergePath, `
case "$1" in
  -J) echo '{"tracks":[{"id":0,"type":"video","properties":{"language":"eng","number_of_frames":100}}]}' ;;
  -o) shift; out="$1"; : > "$out" ;;
esac
exit 0
`)
	ffmpegPath := filepath.Join(dir, "ffmpeg")
	writeScript(t, ffmpegPath, `exit 1`)
	doviToolPath := filepath.Join(dir, "dovi_tool")
	writeScript(t, doviToolPath, `exit 1`)
	ffprobePath := filepath.Join(dir, "ffprobe")
	writeScript(t, ffprobePath, `echo 100; exit 0`)

	runner := toolrunner.New(dir)
	containerProbe := probe.NewContainerProbe(runner, mkvmergePath, 5*time.Second)
	return converter.New(runner, containerProbe, mkvmergePath, "", ffmpegPath, ffprobePath, doviToolPath,
		5*time.Second, 5*time.Second, 5*time.Second)
}

func writeSourceFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movie.mkv")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	return path
}

func TestScanRoots(t *testing.T) {
	assert.Equal(t, []string{"/movies", "/tv"}, scanRoots(models.AutoProcessAll, "/movies", "/tv"))
	assert.Equal(t, []string{"/movies"}, scanRoots(models.AutoProcessMovies, "/movies", "/tv"))
	assert.Equal(t, []string{"/tv"}, scanRoots(models.AutoProcessShows, "/movies", "/tv"))
	assert.Nil(t, scanRoots(models.AutoProcessOff, "/movies", "/tv"))
}

func TestParseClockTime(t *testing.T) {
	hour, minute, err := parseClockTime("03:05")
	require.NoError(t, err)
	assert.Equal(t, 3, hour)
	assert.Equal(t, 5, minute)

	_, _, err = parseClockTime("notatime")
	assert.Error(t, err)
}

func TestFullScanCronExpr_UnknownDay(t *testing.T) {
	_, err := fullScanCronExpr("someday", "03:00")
	assert.Error(t, err)
}

func TestFullScanCronExpr_Valid(t *testing.T) {
	expr, err := fullScanCronExpr("Sunday", "03:05")
	require.NoError(t, err)
	assert.Equal(t, "5 3 * * 0", expr)
}

func TestDeltaScanDue(t *testing.T) {
	now := time.Now()
	settings := map[string]string{models.SettingDeltaScanInterval: "30"}
	due, err := deltaScanDue(settings, now)
	require.NoError(t, err)
	assert.True(t, due, "never having run should be due")

	settings[models.SettingLastDeltaScanAt] = now.Add(-5 * time.Minute).Format(time.RFC3339)
	due, err = deltaScanDue(settings, now)
	require.NoError(t, err)
	assert.False(t, due)

	settings[models.SettingLastDeltaScanAt] = now.Add(-31 * time.Minute).Format(time.RFC3339)
	due, err = deltaScanDue(settings, now)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestAwaitEnabled_AlreadyComplete(t *testing.T) {
	cat := newTestCatalog(t)
	require.NoError(t, cat.SetSetting(context.Background(), models.SettingInitialSetupComplete, "true"))

	s := New(Deps{Catalog: cat})
	err := s.awaitEnabled(context.Background())
	require.NoError(t, err)
}

func TestAwaitEnabled_ModeAlreadyEnabledSkipsGate(t *testing.T) {
	cat := newTestCatalog(t)
	require.NoError(t, cat.SetSetting(context.Background(), models.SettingAutoProcessMode, string(models.AutoProcessMovies)))

	s := New(Deps{Catalog: cat})
	err := s.awaitEnabled(context.Background())
	require.NoError(t, err)

	complete, err := cat.InitialSetupComplete(context.Background())
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestAwaitEnabled_CanceledWhileGated(t *testing.T) {
	cat := newTestCatalog(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(Deps{Catalog: cat})
	err := s.awaitEnabled(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConvertOne_AutoProcessOffReturnsFalse(t *testing.T) {
	cat := newTestCatalog(t)
	s := New(Deps{Catalog: cat, Converter: newAlwaysSucceedingConverter(t, "100")})

	converted, err := s.convertOne(context.Background())
	require.NoError(t, err)
	assert.False(t, converted)
}

func TestConvertOne_NoCandidatesReturnsFalse(t *testing.T) {
	cat := newTestCatalog(t)
	require.NoError(t, cat.SetSetting(context.Background(), models.SettingAutoProcessMode, string(models.AutoProcessAll)))
	s := New(Deps{Catalog: cat, Converter: newAlwaysSucceedingConverter(t, "100")})

	converted, err := s.convertOne(context.Background())
	require.NoError(t, err)
	assert.False(t, converted)
}

func TestConvertOne_MissingFileRemovesDiscovered(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.SetSetting(ctx, models.SettingAutoProcessMode, string(models.AutoProcessAll)))
	require.NoError(t, cat.AddDiscovered(ctx, "/movies/gone.mkv", "gone", models.ELTypeMEL))

	s := New(Deps{Catalog: cat, Converter: newAlwaysSucceedingConverter(t, "100")})
	converted, err := s.convertOne(ctx)
	require.NoError(t, err)
	assert.False(t, converted)

	discovered, err := cat.GetDiscovered(ctx)
	require.NoError(t, err)
	assert.Empty(t, discovered)
}

func TestConvertOne_SuccessMarksProcessedAndClearsDiscovered(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.SetSetting(ctx, models.SettingAutoProcessMode, string(models.AutoProcessAll)))

	path := writeSourceFile(t)
	require.NoError(t, cat.AddDiscovered(ctx, path, "My Movie", models.ELTypeMEL))

	s := New(Deps{Catalog: cat, Converter: newAlwaysSucceedingConverter(t, "24000")})
	converted, err := s.convertOne(ctx)
	require.NoError(t, err)
	assert.True(t, converted)

	discovered, err := cat.GetDiscovered(ctx)
	require.NoError(t, err)
	assert.Empty(t, discovered)

	processed, err := cat.IsProcessed(ctx, path)
	require.NoError(t, err)
	assert.True(t, processed)

	marker, err := cat.GetCurrentConversion(ctx)
	require.NoError(t, err)
	assert.Nil(t, marker, "in-flight marker must be cleared after completion")
}

func TestConvertOne_FailureMarksFailed(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.SetSetting(ctx, models.SettingAutoProcessMode, string(models.AutoProcessAll)))

	path := writeSourceFile(t)
	require.NoError(t, cat.AddDiscovered(ctx, path, "Bad Movie", models.ELTypeMEL))

	s := New(Deps{Catalog: cat, Converter: newAlwaysFailingConverter(t)})
	converted, err := s.convertOne(ctx)
	require.NoError(t, err)
	assert.True(t, converted)

	failed, err := cat.GetFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, path, failed[0].Path)

	discovered, err := cat.GetDiscovered(ctx)
	require.NoError(t, err)
	assert.Len(t, discovered, 1, "a failed conversion stays in discovered for a future attempt")
}

func TestConvertOne_MELOnlyWhenAutoFELDisabled(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.SetSetting(ctx, models.SettingAutoProcessMode, string(models.AutoProcessAll)))
	require.NoError(t, cat.SetSetting(ctx, models.SettingAutoProcessFEL, "false"))

	require.NoError(t, cat.AddDiscovered(ctx, "/movies/complex.mkv", "complex", models.ELTypeFELComplex))

	s := New(Deps{Catalog: cat, Converter: newAlwaysSucceedingConverter(t, "100")})
	converted, err := s.convertOne(ctx)
	require.NoError(t, err)
	assert.False(t, converted, "FEL-only entries must not be picked when auto_process_fel is false")
}

// newTestClassifier builds a Classifier whose mediainfo/ffmpeg/dovi_tool are
// fake scripts, mirroring internal/classifier's own test helper.
func newTestClassifier(t *testing.T, mediaJSON, doviBody string) *classifier.Classifier {
	t.Helper()
	dir := t.TempDir()

	mediainfoPath := filepath.Join(dir, "mediainfo")
	writeScript(t, mediainfoPath, "cat <<'VISIONARR_EOF'\n"+mediaJSON+"\nVISIONARR_EOF")

	ffmpegPath := filepath.Join(dir, "ffmpeg")
	writeScript(t, ffmpegPath, `for out in "$@"; do :; done; : > "$out"; exit 0`)

	doviToolPath := filepath.Join(dir, "dovi_tool")
	writeScript(t, doviToolPath, doviBody)

	runner := toolrunner.New(dir)
	mediaProbe := probe.NewMediaProbe(runner, mediainfoPath, 5*time.Second)
	rpuProbe := probe.NewRpuProbe(runner, ffmpegPath, doviToolPath, 5*time.Second)
	return classifier.New(mediaProbe, rpuProbe)
}

func mediaInfoJSON(hdrFormat, hdrProfile string) string {
	return fmt.Sprintf(`{"media":{"track":[{"@type":"General"},{"@type":"Video","CodecID":"V_MPEGH/ISO/HEVC","HDR_Format":"%s","HDR_Format_Profile":"%s","MaxCLL":"1000","Duration":"7200","FrameCount":"100000","FrameRate":"23.976"}]}}`, hdrFormat, hdrProfile)
}

func TestScan_DeltaScanAddsDiscoveredForP7(t *testing.T) {
	root := t.TempDir()
	moviePath := filepath.Join(root, "movie.mkv")
	require.NoError(t, os.WriteFile(moviePath, make([]byte, 1024), 0o644))

	// Stage B's info/summary call confirms Profile 7; every other dovi_tool
	// call fails, so Stage C falls back to its no-marker default.
	cls := newTestClassifier(t, mediaInfoJSON("Dolby Vision", "dvhe.07.06"), `case "$1" in info) echo 'Profile 7'; exit 0 ;; esac; exit 1`)

	cat := newTestCatalog(t)
	s := New(Deps{Catalog: cat, Classifier: cls})

	require.NoError(t, s.scan(context.Background(), []string{root}, true))

	discovered, err := cat.GetDiscovered(context.Background())
	require.NoError(t, err)
	require.Len(t, discovered, 1)
	assert.Equal(t, moviePath, discovered[0].Path)
}

func TestScan_SkipsNonMKVFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "movie.mp4"), []byte("x"), 0o644))

	cls := newTestClassifier(t, mediaInfoJSON("", ""), "exit 1")
	cat := newTestCatalog(t)
	s := New(Deps{Catalog: cat, Classifier: cls})

	require.NoError(t, s.scan(context.Background(), []string{root}, true))

	discovered, err := cat.GetDiscovered(context.Background())
	require.NoError(t, err)
	assert.Empty(t, discovered)
}

func TestScan_FullScanSkipsAlreadyProcessed(t *testing.T) {
	root := t.TempDir()
	moviePath := filepath.Join(root, "movie.mkv")
	require.NoError(t, os.WriteFile(moviePath, make([]byte, 1024), 0o644))

	cls := newTestClassifier(t, mediaInfoJSON("Dolby Vision", "dvhe.07.06"), "exit 1")
	cat := newTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.MarkProcessed(ctx, moviePath, models.ProfileP7, models.ProfileP8, 1024, models.ELTypeMEL))

	s := New(Deps{Catalog: cat, Classifier: cls})
	require.NoError(t, s.scan(ctx, []string{root}, false))

	discovered, err := cat.GetDiscovered(ctx)
	require.NoError(t, err)
	assert.Empty(t, discovered, "an already-processed path must not be re-discovered on full scan")
}

func TestNullNotifierIsDefault(t *testing.T) {
	cat := newTestCatalog(t)
	s := New(Deps{Catalog: cat})
	_, ok := s.notifier.(notifier.NullNotifier)
	assert.True(t, ok)
}
