package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"melodee/audiotag/internal/tagging"
)

// ExistingFile is the subset of a LibraryFile row the per-folder scan needs
// to decide skip-vs-reextract and needs-tagging.
type ExistingFile struct {
	ID            int64
	ModifiedTime  int64
	Tagged        bool
	TaggerVersion string
}

// FileEntry is one file's freshly computed record, ready to batch-upsert.
type FileEntry struct {
	AbsPath        string
	NormalizedPath string
	FileSize       int64
	ModifiedTime   int64
	Raw            tagging.RawMetadata
	Tags           tagging.NormalizedTags
	NeedsTagging   bool
}

// FolderScanResult is the outcome of scanning one folder's files.
type FolderScanResult struct {
	Entries        []FileEntry
	DiscoveredPaths map[string]bool // normalized paths seen on disk in this folder
	FilesSkipped   int
	FilesNew       int
	FilesUpdated   int
	Warnings       []string
}

// normalizedPath computes the POSIX path relative to libraryRoot, per
// spec §3.1(b): never starts with "/", never contains the root's own name,
// and errors if the path resolves outside the root.
func normalizedPath(libraryRoot, absPath string) (string, error) {
	rel, err := filepath.Rel(libraryRoot, absPath)
	if err != nil {
		return "", fmt.Errorf("computing relative path for %s: %w", absPath, err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s escapes library root %s", absPath, libraryRoot)
	}
	return filepath.ToSlash(rel), nil
}

// ScanFolderFiles lists the audio files directly inside folder (non-recursive),
// skips re-extraction for files whose on-disk mtime matches the cached
// record, and calls the extractor for everything else.
func ScanFolderFiles(
	folder FolderMeta,
	libraryRoot string,
	extensions []string,
	existing map[string]ExistingFile, // keyed by normalized path
	taggerVersion string,
	extractor tagging.Extractor,
	tagCfg tagging.Config,
) (FolderScanResult, error) {
	result := FolderScanResult{DiscoveredPaths: make(map[string]bool)}

	entries, err := os.ReadDir(folder.AbsPath)
	if err != nil {
		return result, fmt.Errorf("reading folder %s: %w", folder.AbsPath, err)
	}

	for _, e := range entries {
		if e.IsDir() || !hasExt(e.Name(), extensions) {
			continue
		}

		absPath := filepath.Join(folder.AbsPath, e.Name())
		normPath, err := normalizedPath(libraryRoot, absPath)
		if err != nil {
			result.Warnings = append(result.Warnings, err.Error())
			continue
		}
		result.DiscoveredPaths[normPath] = true

		info, err := os.Stat(absPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("stat %s: %v", absPath, err))
			continue
		}
		modMs := info.ModTime().UnixMilli()

		existingFile, hasExisting := existing[normPath]
		if hasExisting && existingFile.ModifiedTime == modMs {
			result.FilesSkipped++
			continue
		}

		raw, err := extractor.ExtractMetadata(absPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("extracting %s: %v", absPath, err))
			continue
		}

		needsTagging := !hasExisting || !existingFile.Tagged || existingFile.TaggerVersion != taggerVersion

		result.Entries = append(result.Entries, FileEntry{
			AbsPath:        absPath,
			NormalizedPath: normPath,
			FileSize:       info.Size(),
			ModifiedTime:   modMs,
			Raw:            raw,
			Tags:           tagging.Normalize(raw, tagCfg),
			NeedsTagging:   needsTagging,
		})

		if hasExisting {
			result.FilesUpdated++
		} else {
			result.FilesNew++
		}
	}

	return result, nil
}
