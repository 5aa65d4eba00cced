package scanner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectMoves_SkippedWhenNoChromaprintsStored(t *testing.T) {
	removed := []RemovedFile{{FileID: 1, Path: "old.mp3"}}
	discovered := []NewFile{{AbsPath: "/music/new.mp3", Path: "new.mp3"}}

	compute := func(string) (string, int, error) { t.Fatal("chromaprint should never be computed"); return "", 0, nil }
	result := DetectMoves(removed, discovered, compute)
	assert.Empty(t, result.Moves)
	assert.Zero(t, result.ChromaprintsComputed)
}

func TestDetectMoves_MatchesOnChromaprint(t *testing.T) {
	removed := []RemovedFile{{FileID: 1, Path: "old.mp3", Chromaprint: "AQAB", DurationMs: 180000}}
	discovered := []NewFile{{AbsPath: "/music/new.mp3", Path: "new.mp3", DurationMs: 180200, FileSize: 1024}}

	compute := func(path string) (string, int, error) { return "AQAB", 180200, nil }
	result := DetectMoves(removed, discovered, compute)

	require.Len(t, result.Moves, 1)
	assert.Equal(t, "old.mp3", result.Moves[0].OldPath)
	assert.Equal(t, "new.mp3", result.Moves[0].NewPath)
	assert.Equal(t, "/music/new.mp3", result.Moves[0].NewAbsPath, "the absolute path must be carried through for the abs_path column")
	assert.Equal(t, int64(1), result.Moves[0].FileID)
	assert.Zero(t, result.CollisionsDetected)
}

func TestDetectMoves_DurationMismatchIsACollisionNotAMatch(t *testing.T) {
	removed := []RemovedFile{{FileID: 1, Path: "old.mp3", Chromaprint: "AQAB", DurationMs: 180000}}
	discovered := []NewFile{{AbsPath: "/music/new.mp3", Path: "new.mp3", DurationMs: 60000}}

	compute := func(path string) (string, int, error) { return "AQAB", 60000, nil }
	result := DetectMoves(removed, discovered, compute)

	assert.Empty(t, result.Moves)
	assert.Equal(t, 1, result.CollisionsDetected)
}

func TestDetectMoves_DuplicateFingerprintsResolveDeterministically(t *testing.T) {
	removed := []RemovedFile{
		{FileID: 2, Path: "second.mp3", Chromaprint: "AQAB", DurationMs: 100000},
		{FileID: 1, Path: "first.mp3", Chromaprint: "AQAB", DurationMs: 100000},
	}
	discovered := []NewFile{{AbsPath: "/music/new.mp3", Path: "new.mp3", DurationMs: 100000}}

	compute := func(path string) (string, int, error) { return "AQAB", 100000, nil }
	result := DetectMoves(removed, discovered, compute)

	require.Len(t, result.Moves, 1)
	assert.Equal(t, "first.mp3", result.Moves[0].OldPath, "lowest file id wins ties deterministically")
}

func TestDetectMoves_ChromaprintErrorIsWarningNotFatal(t *testing.T) {
	removed := []RemovedFile{{FileID: 1, Path: "old.mp3", Chromaprint: "AQAB", DurationMs: 100000}}
	discovered := []NewFile{{AbsPath: "/music/new.mp3", Path: "new.mp3", DurationMs: 100000}}

	compute := func(path string) (string, int, error) { return "", 0, errors.New("decode failed") }
	result := DetectMoves(removed, discovered, compute)

	assert.Empty(t, result.Moves)
	require.Len(t, result.Warnings, 1)
}

func TestDetectMoves_EmptyInputsReturnEmptyResult(t *testing.T) {
	result := DetectMoves(nil, nil, func(string) (string, int, error) { return "", 0, nil })
	assert.Empty(t, result.Moves)
}
