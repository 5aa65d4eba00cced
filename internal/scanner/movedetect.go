package scanner

import (
	"math"
	"sort"
)

// ChromaprintFunc computes the opaque acoustic fingerprint for a file,
// per spec §1's explicit non-goal: the engine never implements the
// signal-processing itself.
type ChromaprintFunc func(absPath string) (chromaprint string, durationMs int, err error)

// RemovedFile is a catalog row that §4.7 phase 7 determined is missing on
// disk, carrying whatever chromaprint was stored for it (empty if none).
type RemovedFile struct {
	FileID      int64
	Path        string
	Chromaprint string
	DurationMs  int
}

// NewFile is a freshly discovered on-disk entry not yet matched against
// the existing catalog (i.e. one of FolderScanResult's FileEntry values
// projected down to what move matching needs).
type NewFile struct {
	AbsPath      string
	Path         string // normalized path
	DurationMs   int
	FileSize     int64
	ModifiedTime int64
}

// FileMove is one confirmed move: a removed catalog row and a newly
// discovered file proven to be the same audio content.
type FileMove struct {
	OldPath      string
	NewPath      string
	NewAbsPath   string
	FileID       int64
	NewSize      int64
	NewMTime     int64
	NewDuration  int
}

// MoveDetectionResult mirrors the original's statistics, including
// collisions: same chromaprint, incompatible duration, logged but not
// treated as a move.
type MoveDetectionResult struct {
	Moves               []FileMove
	ChromaprintsComputed int
	CollisionsDetected  int
	Warnings            []string
}

const moveDurationToleranceMs = 1000

// DetectMoves matches newly discovered files against removed catalog rows
// by chromaprint. It computes nothing unless at least one removed row has
// a stored chromaprint (computing chromaprints for every new file is
// expensive and pointless if nothing could possibly match). The gate on
// the library having tagged, fingerprinted files is applied by the caller
// (Scanner.runPhases).
func DetectMoves(removed []RemovedFile, discovered []NewFile, compute ChromaprintFunc) MoveDetectionResult {
	var result MoveDetectionResult

	if len(removed) == 0 || len(discovered) == 0 {
		return result
	}

	hasChromaprints := false
	for _, r := range removed {
		if r.Chromaprint != "" {
			hasChromaprints = true
			break
		}
	}
	if !hasChromaprints {
		return result
	}

	// Sort by file id for deterministic matching when duplicate
	// fingerprints exist among the removed candidates.
	sortedRemoved := append([]RemovedFile(nil), removed...)
	sort.Slice(sortedRemoved, func(i, j int) bool { return sortedRemoved[i].FileID < sortedRemoved[j].FileID })

	matched := make(map[int]bool)

	for _, nf := range discovered {
		cp, durMs, err := compute(nf.AbsPath)
		if err != nil {
			result.Warnings = append(result.Warnings, "computing chromaprint for "+nf.AbsPath+": "+err.Error())
			continue
		}
		result.ChromaprintsComputed++
		if cp == "" {
			continue
		}
		useDuration := durMs
		if useDuration == 0 {
			useDuration = nf.DurationMs
		}

		for idx, rf := range sortedRemoved {
			if matched[idx] || rf.Chromaprint == "" || rf.Chromaprint != cp {
				continue
			}

			durationMatches := rf.DurationMs == 0 || useDuration == 0 ||
				math.Abs(float64(rf.DurationMs-useDuration)) <= moveDurationToleranceMs

			if durationMatches {
				result.Moves = append(result.Moves, FileMove{
					OldPath:     rf.Path,
					NewPath:     nf.Path,
					NewAbsPath:  nf.AbsPath,
					FileID:      rf.FileID,
					NewSize:     nf.FileSize,
					NewMTime:    nf.ModifiedTime,
					NewDuration: useDuration,
				})
				matched[idx] = true
				break
			}

			result.CollisionsDetected++
		}
	}

	return result
}
