// Package scanner implements the Library Scanner (C7): folder discovery,
// per-folder metadata extraction, move detection, missing-file detection,
// and catalog synchronization for one Library.
package scanner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"melodee/audiotag/internal/broker"
	"melodee/audiotag/internal/logging"
	"melodee/audiotag/internal/models"
	"melodee/audiotag/internal/store"
	"melodee/audiotag/internal/tagging"
)

// folderScanConcurrency bounds how many folders are read and tag-extracted
// in parallel. The DB writes that follow stay on the calling goroutine, in
// plan order, so this only parallelizes the filesystem/extractor work.
const folderScanConcurrency = 4

func osStat(path string) (os.FileInfo, error) { return os.Stat(path) }

// clauseOnConflictFolderUpdate upserts a LibraryFolder cache row keyed on
// (library_id, rel_path), refreshing mtime/count on an already-known folder.
var clauseOnConflictFolderUpdate = clause.OnConflict{
	Columns:   []clause.Column{{Name: "library_id"}, {Name: "rel_path"}},
	DoUpdates: clause.AssignmentColumns([]string{"mtime_ms", "file_count"}),
}

// clauseOnConflictFileUpdate upserts a LibraryFile row keyed on
// (library_id, normalized_path), matching spec §4.1's "idempotent on
// (library_id, normalized_path)" contract for batch upserts.
var clauseOnConflictFileUpdate = clause.OnConflict{
	Columns: []clause.Column{{Name: "library_id"}, {Name: "normalized_path"}},
	DoUpdates: clause.AssignmentColumns([]string{
		"abs_path", "file_size", "modified_time_ms", "duration_ms",
		"needs_tagging", "scan_id",
	}),
}

var (
	ErrScanInProgress = errors.New("scanner: scan already running for this library")
	ErrInvalidTarget  = errors.New("scanner: target path is not a readable directory")
)

// Scanner orchestrates one library's synchronization with the filesystem.
type Scanner struct {
	st          *store.Store
	extensions  []string
	extractor   tagging.Extractor
	tagCfg      tagging.Config
	taggerVer   string
	chromaprint ChromaprintFunc
	b           *broker.Broker
	log         *logging.Logger
}

// New creates a Scanner. chromaprint may be nil, in which case every
// fingerprint attempt fails with a warning and move detection never
// finds a match.
func New(st *store.Store, extensions []string, extractor tagging.Extractor, tagCfg tagging.Config, taggerVersion string, chromaprint ChromaprintFunc, b *broker.Broker) *Scanner {
	if chromaprint == nil {
		chromaprint = func(string) (string, int, error) { return "", 0, fmt.Errorf("chromaprint unavailable") }
	}
	return &Scanner{
		st:          st,
		extensions:  extensions,
		extractor:   extractor,
		tagCfg:      tagCfg,
		taggerVer:   taggerVersion,
		chromaprint: chromaprint,
		b:           b,
		log:         logging.Global(),
	}
}

// Result is the aggregate outcome of one scan run, per spec §4.7 phase 12.
type Result struct {
	ScanID         string
	FilesAdded     int
	FilesUpdated   int
	FilesRemoved   int
	FilesMoved     int
	FilesFailed    int
	FoldersScanned int
	FoldersSkipped int
	DurationMs     int64
	Warnings       []string
}

// Scan runs a full or incremental scan of libraryID against targets
// (the paths to walk; the library root is used when targets is empty).
// Full scans ignore the folder cache and delete unmatched missing files;
// incremental scans trust the cache and never delete (spec §9 OQ1).
func (s *Scanner) Scan(libraryID int32, targets []string, full bool) (Result, error) {
	start := time.Now()

	var lib models.Library
	if err := s.st.DB().First(&lib, "id = ?", libraryID).Error; err != nil {
		return Result{}, fmt.Errorf("resolving library %d: %w", libraryID, err)
	}
	if lib.ScanStatus == "scanning" {
		return Result{}, fmt.Errorf("%w: library %d", ErrScanInProgress, libraryID)
	}

	scanID := fmt.Sprintf("%d_%d", libraryID, models.NowMs())
	s.markScanning(libraryID, scanID)

	result, err := s.runPhases(&lib, scanID, targets, full)
	result.ScanID = scanID
	result.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		s.markError(libraryID, err)
		s.recordScan(libraryID, scanID, full, start, result, err)
		return result, err
	}

	s.markComplete(libraryID)
	s.recordScan(libraryID, scanID, full, start, result, nil)
	return result, nil
}

func (s *Scanner) runPhases(lib *models.Library, scanID string, targets []string, full bool) (Result, error) {
	result := Result{}
	root := lib.RootPath
	if len(targets) == 0 {
		targets = []string{root}
	}

	// Phase 2: validate targets.
	var validTargets []string
	for _, t := range targets {
		if ok, reason := validateTarget(t); ok {
			validTargets = append(validTargets, t)
		} else {
			result.Warnings = append(result.Warnings, fmt.Sprintf("skipping invalid target %s: %s", t, reason))
		}
	}
	if len(validTargets) == 0 {
		return result, fmt.Errorf("%w: no valid scan targets for library %d", ErrInvalidTarget, lib.ID)
	}

	// Phase 3: discover folders across every valid target.
	var allFolders []FolderMeta
	for _, t := range validTargets {
		folders, err := DiscoverFolders(t, s.extensions)
		if err != nil {
			return result, fmt.Errorf("discovering folders under %s: %w", t, err)
		}
		allFolders = append(allFolders, folders...)
	}

	// Phase 4: plan.
	var plan FolderPlan
	if full {
		plan = PlanFull(allFolders)
	} else {
		cached, err := s.loadFolderCache(lib.ID)
		if err != nil {
			return result, err
		}
		plan = PlanIncremental(allFolders, cached)
	}
	result.FoldersScanned = len(plan.FoldersToScan)
	result.FoldersSkipped = len(plan.FoldersSkipped)
	s.publishProgress(lib.ID, scanID, 0, plan.TotalFilesToScan)

	// Phase 5: snapshot existing files.
	existing, hasTaggedFiles, err := s.snapshotExisting(lib.ID)
	if err != nil {
		return result, err
	}

	// Phase 6: per-folder scan. Reading each folder and extracting its tags
	// is independent per folder, so that part fans out; the DB writes that
	// follow stay serialized in plan order.
	folderResults := make([]FolderScanResult, len(plan.FoldersToScan))
	{
		g := new(errgroup.Group)
		g.SetLimit(folderScanConcurrency)
		for i, folder := range plan.FoldersToScan {
			i, folder := i, folder
			g.Go(func() error {
				scanResult, err := ScanFolderFiles(folder, root, s.extensions, existing, s.taggerVer, s.extractor, s.tagCfg)
				if err != nil {
					return fmt.Errorf("scanning folder %s: %w", folder.AbsPath, err)
				}
				folderResults[i] = scanResult
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
	}

	discoveredPaths := make(map[string]bool)
	// pendingNew holds freshly discovered files that don't yet have a
	// catalog row, keyed by normalized path. These are NOT upserted as new
	// rows until move detection (phase 8) has had a chance to claim them:
	// a file matched as a move repoints its old row instead of getting a
	// second, colliding row at the same (library_id, normalized_path).
	pendingNew := make(map[string]FileEntry)
	scannedFolders := make(map[string]bool)
	progress := 0

	for i, folder := range plan.FoldersToScan {
		scannedFolders[folder.RelPath] = true
		scanResult := folderResults[i]

		result.Warnings = append(result.Warnings, scanResult.Warnings...)
		result.FilesFailed += len(scanResult.Warnings)

		for p := range scanResult.DiscoveredPaths {
			discoveredPaths[p] = true
		}

		var updateEntries []FileEntry
		for _, e := range scanResult.Entries {
			if _, existed := existing[e.NormalizedPath]; existed {
				updateEntries = append(updateEntries, e)
			} else {
				pendingNew[e.NormalizedPath] = e
			}
		}

		if err := s.upsertBatch(lib.ID, scanID, updateEntries); err != nil {
			return result, fmt.Errorf("upserting batch for folder %s: %w", folder.AbsPath, err)
		}
		result.FilesUpdated += len(updateEntries)

		if err := s.saveFolderCache(lib.ID, folder); err != nil {
			return result, err
		}

		progress += len(scanResult.DiscoveredPaths)
		s.publishProgress(lib.ID, scanID, progress, plan.TotalFilesToScan)
	}

	// Phase 7: detect missing (folder-aware).
	allFoldersByRel := make(map[string]bool, len(plan.AllFolders))
	for _, f := range plan.AllFolders {
		allFoldersByRel[f.RelPath] = true
	}
	var existingPaths []string
	for p := range existing {
		existingPaths = append(existingPaths, p)
	}
	missing := DetectMissing(existingPaths, discoveredPaths, scannedFolders,
		func(rel string) bool { return allFoldersByRel[rel] },
		folderOfNormalizedPath,
	)

	// Phase 8: move detection (gated on tagged files existing). Only
	// pendingNew entries not claimed by a move get inserted as new rows
	// below; a claimed entry's content instead repoints its old row.
	var moves []FileMove
	if len(missing) > 0 && hasTaggedFiles && len(pendingNew) > 0 {
		var removed []RemovedFile
		for _, p := range missing {
			ex := existing[p]
			removed = append(removed, RemovedFile{FileID: ex.ID, Path: p, Chromaprint: "", DurationMs: 0})
		}
		removedWithCP, err := s.attachChromaprints(removed)
		if err != nil {
			return result, err
		}

		newFiles := make([]NewFile, 0, len(pendingNew))
		for path, e := range pendingNew {
			newFiles = append(newFiles, NewFile{
				AbsPath: e.AbsPath, Path: path,
				DurationMs: e.Raw.DurationMs, FileSize: e.FileSize, ModifiedTime: e.ModifiedTime,
			})
		}

		moveResult := DetectMoves(removedWithCP, newFiles, s.chromaprint)
		result.Warnings = append(result.Warnings, moveResult.Warnings...)
		moves = moveResult.Moves
		result.FilesMoved = len(moves)

		if err := s.applyMoves(moves, pendingNew); err != nil {
			return result, err
		}
	}

	movedOldPaths := make(map[string]bool, len(moves))
	movedNewPaths := make(map[string]bool, len(moves))
	for _, m := range moves {
		movedOldPaths[m.OldPath] = true
		movedNewPaths[m.NewPath] = true
	}
	var unmatched []string
	for _, p := range missing {
		if !movedOldPaths[p] {
			unmatched = append(unmatched, p)
		}
	}

	// Entries left in pendingNew once moves have claimed theirs are
	// genuinely new files: insert them now, for the first time.
	newEntries := make([]FileEntry, 0, len(pendingNew))
	for path, e := range pendingNew {
		if movedNewPaths[path] {
			continue
		}
		newEntries = append(newEntries, e)
	}
	if err := s.upsertBatch(lib.ID, scanID, newEntries); err != nil {
		return result, fmt.Errorf("upserting new files: %w", err)
	}
	result.FilesAdded = len(newEntries)

	// Phase 9: delete unmatched missing, full scans only.
	if full && len(unmatched) > 0 {
		n, err := s.deleteMissing(lib.ID, unmatched)
		if err != nil {
			return result, err
		}
		result.FilesRemoved = int(n)
	}

	// Phase 10: clean stale folder cache rows, full scans only.
	if full {
		seenRel := make([]string, 0, len(plan.AllFolders))
		for _, f := range plan.AllFolders {
			seenRel = append(seenRel, f.RelPath)
		}
		if err := s.cleanStaleFolders(lib.ID, seenRel); err != nil {
			return result, err
		}
	}

	// Phase 11: orphan tag cleanup.
	if _, err := CleanupOrphanedTags(s.st.DB()); err != nil {
		result.Warnings = append(result.Warnings, err.Error())
	}

	return result, nil
}

func validateTarget(path string) (bool, string) {
	info, err := osStat(path)
	if err != nil {
		return false, err.Error()
	}
	if !info.IsDir() {
		return false, "not a directory"
	}
	return true, ""
}

// folderOfNormalizedPath returns the POSIX parent directory of a
// normalized (always-forward-slash) relative path.
func folderOfNormalizedPath(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return ""
	}
	return p[:idx]
}

func (s *Scanner) markScanning(libraryID int32, scanID string) {
	s.st.DB().Model(&models.Library{}).Where("id = ?", libraryID).Updates(map[string]interface{}{
		"scan_status": "scanning", "scan_id": scanID, "scan_error": "",
	})
}

func (s *Scanner) markComplete(libraryID int32) {
	s.st.DB().Model(&models.Library{}).Where("id = ?", libraryID).Updates(map[string]interface{}{
		"scan_status": "complete",
	})
}

func (s *Scanner) markError(libraryID int32, err error) {
	s.st.DB().Model(&models.Library{}).Where("id = ?", libraryID).Updates(map[string]interface{}{
		"scan_status": "error", "scan_error": err.Error(),
	})
}

func (s *Scanner) recordScan(libraryID int32, scanID string, full bool, start time.Time, result Result, scanErr error) {
	scanType := "incremental"
	if full {
		scanType = "full"
	}
	rec := models.LibraryScan{
		LibraryID:    libraryID,
		ScanID:       scanID,
		ScanType:     scanType,
		StartedAt:    start.UnixMilli(),
		FinishedAt:   models.NowMs(),
		FilesAdded:   result.FilesAdded,
		FilesUpdated: result.FilesUpdated,
		FilesRemoved: result.FilesRemoved,
		FilesMoved:   result.FilesMoved,
	}
	if scanErr != nil {
		rec.Error = scanErr.Error()
	}
	s.st.DB().Create(&rec)
}

func (s *Scanner) publishProgress(libraryID int32, scanID string, progress, total int) {
	s.st.DB().Model(&models.Library{}).Where("id = ?", libraryID).Updates(map[string]interface{}{
		"files_scanned": progress, "files_total": total,
	})
	s.log.LogScanProgress(libraryID, scanID, progress, total)
	if s.b != nil {
		s.b.UpdateHealth("ok", "")
	}
}

func (s *Scanner) loadFolderCache(libraryID int32) (map[string]CachedFolder, error) {
	var rows []models.LibraryFolder
	if err := s.st.DB().Where("library_id = ?", libraryID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading folder cache: %w", err)
	}
	cache := make(map[string]CachedFolder, len(rows))
	for _, r := range rows {
		cache[r.RelPath] = CachedFolder{MTimeMs: r.MTimeMs, FileCount: r.FileCount}
	}
	return cache, nil
}

func (s *Scanner) saveFolderCache(libraryID int32, folder FolderMeta) error {
	row := models.LibraryFolder{LibraryID: libraryID, RelPath: folder.RelPath, MTimeMs: folder.MTimeMs, FileCount: folder.FileCount}
	return s.st.DB().Clauses(clauseOnConflictFolderUpdate).Create(&row).Error
}

func (s *Scanner) cleanStaleFolders(libraryID int32, seenRel []string) error {
	q := s.st.DB().Where("library_id = ?", libraryID)
	if len(seenRel) > 0 {
		q = q.Where("rel_path NOT IN ?", seenRel)
	}
	return q.Delete(&models.LibraryFolder{}).Error
}

func (s *Scanner) snapshotExisting(libraryID int32) (map[string]ExistingFile, bool, error) {
	var rows []models.LibraryFile
	if err := s.st.DB().Where("library_id = ?", libraryID).Find(&rows).Error; err != nil {
		return nil, false, fmt.Errorf("snapshotting existing files: %w", err)
	}
	existing := make(map[string]ExistingFile, len(rows))
	hasTagged := false
	for _, r := range rows {
		existing[r.NormalizedPath] = ExistingFile{ID: r.ID, ModifiedTime: r.ModifiedTime, Tagged: r.Tagged, TaggerVersion: r.TaggerVersion}
		if r.Tagged && r.Chromaprint != "" {
			hasTagged = true
		}
	}
	return existing, hasTagged, nil
}

func (s *Scanner) upsertBatch(libraryID int32, scanID string, entries []FileEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.st.DB().Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			row := models.LibraryFile{
				LibraryID:      libraryID,
				NormalizedPath: e.NormalizedPath,
				AbsPath:        e.AbsPath,
				FileSize:       e.FileSize,
				ModifiedTime:   e.ModifiedTime,
				DurationMs:     e.Raw.DurationMs,
				NeedsTagging:   e.NeedsTagging,
				ScanID:         scanID,
			}
			if err := tx.Clauses(clauseOnConflictFileUpdate).Create(&row).Error; err != nil {
				return fmt.Errorf("upserting file %s: %w", e.NormalizedPath, err)
			}

			var fileID int64
			if row.ID != 0 {
				fileID = row.ID
			} else {
				if err := tx.Model(&models.LibraryFile{}).
					Where("library_id = ? AND normalized_path = ?", libraryID, e.NormalizedPath).
					Pluck("id", &fileID).Error; err != nil {
					return fmt.Errorf("resolving id for %s: %w", e.NormalizedPath, err)
				}
			}

			if err := seedEntities(tx, fileID, e.Tags); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Scanner) attachChromaprints(removed []RemovedFile) ([]RemovedFile, error) {
	ids := make([]int64, 0, len(removed))
	for _, r := range removed {
		ids = append(ids, r.FileID)
	}
	var rows []models.LibraryFile
	if err := s.st.DB().Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading chromaprints for removed files: %w", err)
	}
	byID := make(map[int64]models.LibraryFile, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]RemovedFile, len(removed))
	for i, r := range removed {
		out[i] = r
		if row, ok := byID[r.FileID]; ok {
			out[i].Chromaprint = row.Chromaprint
			out[i].DurationMs = row.DurationMs
		}
	}
	return out, nil
}

// applyMoves repoints each matched old row to its new location in place
// and re-seeds its tag edges from the newly extracted entry, keyed by
// normalized path in newFiles. No second row is ever created for the new
// path: the caller excludes moved paths from the subsequent new-file insert.
func (s *Scanner) applyMoves(moves []FileMove, newFiles map[string]FileEntry) error {
	if len(moves) == 0 {
		return nil
	}
	return s.st.DB().Transaction(func(tx *gorm.DB) error {
		for _, m := range moves {
			if err := tx.Model(&models.LibraryFile{}).Where("id = ?", m.FileID).Updates(map[string]interface{}{
				"normalized_path":  m.NewPath,
				"abs_path":         m.NewAbsPath,
				"file_size":        m.NewSize,
				"modified_time_ms": m.NewMTime,
				"duration_ms":      m.NewDuration,
			}).Error; err != nil {
				return fmt.Errorf("applying move %s -> %s: %w", m.OldPath, m.NewPath, err)
			}

			if entry, ok := newFiles[m.NewPath]; ok {
				if err := seedEntities(tx, m.FileID, entry.Tags); err != nil {
					return fmt.Errorf("re-seeding entities for moved file %s: %w", m.NewPath, err)
				}
			}
		}
		return nil
	})
}

func (s *Scanner) deleteMissing(libraryID int32, paths []string) (int64, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	return s.st.CountAndDelete(&models.LibraryFile{}, "library_id = ? AND normalized_path IN ?", libraryID, paths)
}

// joinPOSIX is a small helper retained for callers that need to rebuild an
// absolute path from a library root and a normalized relative path.
func joinPOSIX(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}
