package scanner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"melodee/audiotag/internal/models"
	"melodee/audiotag/internal/tagging"
)

// onConflictDoNothing makes repeated inserts of an already-existing
// deduplicated row (tag definition or file/tag edge) a no-op instead of
// a unique-constraint error.
var onConflictDoNothing = clause.OnConflict{DoNothing: true}

// seedEntities derives the tag edges for one file from its normalized tags
// and rebuilds the file's derived metadata-cache columns from those edges.
// Tags are the authoritative source; LibraryFile.Artist/Album/... are a
// read cache rebuilt here, never written independently.
func seedEntities(tx *gorm.DB, fileID int64, tags tagging.NormalizedTags) error {
	if err := setFileTags(tx, fileID, "artist", firstOrEmpty(preferSingular(tags, "artist", "artists"))); err != nil {
		return err
	}
	if err := setFileTags(tx, fileID, "artists", preferMulti(tags, "artists", "artist")); err != nil {
		return err
	}
	if err := setFileTags(tx, fileID, "album", firstOrEmpty(tags["album"])); err != nil {
		return err
	}
	if err := setFileTags(tx, fileID, "label", tags["label"]); err != nil {
		return err
	}
	if err := setFileTags(tx, fileID, "genre", tags["genre"]); err != nil {
		return err
	}
	if err := setFileTags(tx, fileID, "year", firstOrEmpty(tags["year"])); err != nil {
		return err
	}

	// Namespace and any other non-relational canonical tags (title, date,
	// tracknumber, ...) are stored as edges too, but never feed the
	// derived-cache columns rebuilt below.
	for key, values := range tags {
		switch key {
		case "artist", "artists", "album", "label", "genre", "year":
			continue
		}
		if err := setFileTags(tx, fileID, key, values); err != nil {
			return err
		}
	}

	return rebuildMetadataCache(tx, fileID)
}

// preferSingular returns the preferred singular value: key if present,
// else the first value of fallbackKey.
func preferSingular(tags tagging.NormalizedTags, key, fallbackKey string) []string {
	if v, ok := tags[key]; ok && len(v) > 0 {
		return v[:1]
	}
	if v, ok := tags[fallbackKey]; ok && len(v) > 0 {
		return v[:1]
	}
	return nil
}

// preferMulti returns key's values if present, else wraps fallbackKey's
// singular value into a one-element slice.
func preferMulti(tags tagging.NormalizedTags, key, fallbackKey string) []string {
	if v, ok := tags[key]; ok && len(v) > 0 {
		return v
	}
	if v, ok := tags[fallbackKey]; ok && len(v) > 0 {
		return v[:1]
	}
	return nil
}

func firstOrEmpty(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return values[:1]
}

// setFileTags replaces every edge of key on fileID with one edge per
// value, creating deduplicated TagDefinition rows as needed. Passing an
// empty values slice clears all of the file's edges for that key.
func setFileTags(tx *gorm.DB, fileID int64, key string, values []string) error {
	var existingTagIDs []int64
	if err := tx.Table("file_tags").
		Joins("JOIN library_tags ON library_tags.id = file_tags.tag_id").
		Where("file_tags.file_id = ? AND library_tags.tag_key = ?", fileID, key).
		Pluck("file_tags.tag_id", &existingTagIDs).Error; err != nil {
		return fmt.Errorf("loading existing %q edges for file %d: %w", key, fileID, err)
	}
	if len(existingTagIDs) > 0 {
		if err := tx.Where("file_id = ? AND tag_id IN ?", fileID, existingTagIDs).Delete(&models.FileTag{}).Error; err != nil {
			return fmt.Errorf("clearing existing %q edges for file %d: %w", key, fileID, err)
		}
	}

	for _, v := range values {
		if v == "" {
			continue
		}
		tagID, err := upsertTagDefinition(tx, key, v)
		if err != nil {
			return err
		}
		edge := models.FileTag{FileID: fileID, TagID: tagID}
		if err := tx.Clauses(onConflictDoNothing).Create(&edge).Error; err != nil {
			return fmt.Errorf("linking file %d to tag %q=%q: %w", fileID, key, v, err)
		}
	}
	return nil
}

// upsertTagDefinition finds or creates the deduplicated (key, value) row.
// value is stored as a single-element JSON array per spec §3.1: scalars
// are wrapped on write, unwrapped on read.
func upsertTagDefinition(tx *gorm.DB, key, value string) (int64, error) {
	encoded, err := json.Marshal([]string{value})
	if err != nil {
		return 0, fmt.Errorf("encoding tag value %q=%q: %w", key, value, err)
	}

	var def models.TagDefinition
	err = tx.Where("tag_key = ? AND tag_value = ?", key, string(encoded)).First(&def).Error
	if err == nil {
		return def.ID, nil
	}
	if err != gorm.ErrRecordNotFound {
		return 0, fmt.Errorf("looking up tag %q=%q: %w", key, value, err)
	}

	def = models.TagDefinition{Key: key, Value: string(encoded), IsNomarr: isNamespacedKey(key)}
	if err := tx.Clauses(onConflictDoNothing).Create(&def).Error; err != nil {
		return 0, fmt.Errorf("creating tag %q=%q: %w", key, value, err)
	}
	if def.ID == 0 {
		// Another writer in the same batch raced us to create it; re-fetch.
		if err := tx.Where("tag_key = ? AND tag_value = ?", key, string(encoded)).First(&def).Error; err != nil {
			return 0, fmt.Errorf("re-fetching raced tag %q=%q: %w", key, value, err)
		}
	}
	return def.ID, nil
}

func isNamespacedKey(key string) bool {
	for _, r := range key {
		if r == ':' {
			return true
		}
	}
	return false
}

// rebuildMetadataCache reads every tag edge for fileID and writes the
// derived display columns on LibraryFile. Safe to call at any time; the
// cache never contradicts the edges because it is always derived from them.
func rebuildMetadataCache(tx *gorm.DB, fileID int64) error {
	type edgeRow struct {
		Key   string
		Value string
	}
	var rows []edgeRow
	if err := tx.Table("file_tags").
		Select("library_tags.tag_key as key, library_tags.tag_value as value").
		Joins("JOIN library_tags ON library_tags.id = file_tags.tag_id").
		Where("file_tags.file_id = ?", fileID).
		Scan(&rows).Error; err != nil {
		return fmt.Errorf("loading tag edges for file %d: %w", fileID, err)
	}

	grouped := make(map[string][]string)
	for _, r := range rows {
		var values []string
		if err := json.Unmarshal([]byte(r.Value), &values); err != nil {
			continue
		}
		grouped[r.Key] = append(grouped[r.Key], values...)
	}

	updates := map[string]interface{}{
		"artist":  firstString(grouped["artist"]),
		"album":   firstString(grouped["album"]),
		"artists": toJSONSorted(grouped["artists"]),
		"labels":  toJSONSorted(grouped["label"]),
		"genres":  toJSONSorted(grouped["genre"]),
		"year":    firstYear(grouped["year"]),
	}

	if err := tx.Model(&models.LibraryFile{}).Where("id = ?", fileID).Updates(updates).Error; err != nil {
		return fmt.Errorf("rebuilding metadata cache for file %d: %w", fileID, err)
	}
	return nil
}

func firstString(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func firstYear(values []string) int {
	if len(values) == 0 {
		return 0
	}
	y, err := strconv.Atoi(values[0])
	if err != nil {
		return 0
	}
	return y
}

func toJSONSorted(values []string) string {
	if len(values) == 0 {
		return ""
	}
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	b, err := json.Marshal(sorted)
	if err != nil {
		return ""
	}
	return string(b)
}

// CleanupOrphanedTags deletes every TagDefinition row with zero incoming
// file_tags edges, per spec §9's periodic sweep.
func CleanupOrphanedTags(tx *gorm.DB) (int64, error) {
	res := tx.Exec(`DELETE FROM library_tags WHERE id NOT IN (SELECT DISTINCT tag_id FROM file_tags)`)
	if res.Error != nil {
		return 0, fmt.Errorf("cleaning orphaned tags: %w", res.Error)
	}
	return res.RowsAffected, nil
}
