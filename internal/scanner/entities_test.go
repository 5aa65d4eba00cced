package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"melodee/audiotag/internal/models"
	"melodee/audiotag/internal/store"
	"melodee/audiotag/internal/tagging"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func createLibraryFile(t *testing.T, st *store.Store, libID int32, path string) int64 {
	t.Helper()
	f := models.LibraryFile{LibraryID: libID, NormalizedPath: path, AbsPath: "/music/" + path}
	require.NoError(t, st.DB().Create(&f).Error)
	return f.ID
}

func TestSeedEntities_RebuildsDerivedCache(t *testing.T) {
	st := newTestStore(t)
	fileID := createLibraryFile(t, st, 1, "a.mp3")

	tags := tagging.NormalizedTags{
		"artist":  {"Artist One"},
		"artists": {"Artist One", "Featured Artist"},
		"album":   {"Great Album"},
		"genre":   {"Rock", "Alt"},
		"year":    {"2021"},
	}

	err := st.DB().Transaction(func(tx *gorm.DB) error {
		return seedEntities(tx, fileID, tags)
	})
	require.NoError(t, err)

	var row models.LibraryFile
	require.NoError(t, st.DB().First(&row, "id = ?", fileID).Error)
	assert.Equal(t, "Artist One", row.Artist)
	assert.Equal(t, "Great Album", row.Album)
	assert.Equal(t, 2021, row.Year)
	assert.Contains(t, row.Artists, "Featured Artist")
	assert.Contains(t, row.Genres, "Rock")
}

func TestSeedEntities_ReplacesEdgesOnReseed(t *testing.T) {
	st := newTestStore(t)
	fileID := createLibraryFile(t, st, 1, "a.mp3")

	first := tagging.NormalizedTags{"artist": {"Old Artist"}}
	require.NoError(t, st.DB().Transaction(func(tx *gorm.DB) error { return seedEntities(tx, fileID, first) }))

	second := tagging.NormalizedTags{"artist": {"New Artist"}}
	require.NoError(t, st.DB().Transaction(func(tx *gorm.DB) error { return seedEntities(tx, fileID, second) }))

	var row models.LibraryFile
	require.NoError(t, st.DB().First(&row, "id = ?", fileID).Error)
	assert.Equal(t, "New Artist", row.Artist)

	var edgeCount int64
	require.NoError(t, st.DB().Table("file_tags").
		Joins("JOIN library_tags ON library_tags.id = file_tags.tag_id").
		Where("file_tags.file_id = ? AND library_tags.tag_key = ?", fileID, "artist").
		Count(&edgeCount).Error)
	assert.EqualValues(t, 1, edgeCount, "reseeding must replace, not accumulate, edges for the same key")
}

func TestSeedEntities_DeduplicatesTagDefinitions(t *testing.T) {
	st := newTestStore(t)
	fileA := createLibraryFile(t, st, 1, "a.mp3")
	fileB := createLibraryFile(t, st, 1, "b.mp3")

	tags := tagging.NormalizedTags{"genre": {"Rock"}}
	require.NoError(t, st.DB().Transaction(func(tx *gorm.DB) error { return seedEntities(tx, fileA, tags) }))
	require.NoError(t, st.DB().Transaction(func(tx *gorm.DB) error { return seedEntities(tx, fileB, tags) }))

	var count int64
	require.NoError(t, st.DB().Model(&models.TagDefinition{}).Where("tag_key = ?", "genre").Count(&count).Error)
	assert.EqualValues(t, 1, count, "the same (key, value) pair must not create duplicate tag definitions")
}

func TestCleanupOrphanedTags_DeletesUnreferencedDefinitions(t *testing.T) {
	st := newTestStore(t)
	fileID := createLibraryFile(t, st, 1, "a.mp3")

	require.NoError(t, st.DB().Transaction(func(tx *gorm.DB) error {
		return seedEntities(tx, fileID, tagging.NormalizedTags{"genre": {"Rock"}})
	}))
	require.NoError(t, st.DB().Transaction(func(tx *gorm.DB) error {
		return seedEntities(tx, fileID, tagging.NormalizedTags{}) // clears the genre edge
	}))

	n, err := CleanupOrphanedTags(st.DB())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var count int64
	require.NoError(t, st.DB().Model(&models.TagDefinition{}).Count(&count).Error)
	assert.Zero(t, count)
}
