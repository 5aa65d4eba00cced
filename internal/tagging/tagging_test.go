package tagging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_CanonicalFields(t *testing.T) {
	raw := RawMetadata{
		Title:       "Song",
		Artist:      "Main Artist",
		AlbumArtist: "Album Artist",
		Album:       "Album",
		Genre:       "Rock",
		Year:        2021,
		TrackNumber: 3,
		DiscNumber:  1,
	}

	out := Normalize(raw, Config{Namespace: "nom"})

	assert.Equal(t, []string{"Song"}, out["title"])
	assert.Equal(t, []string{"Main Artist"}, out["artist"])
	assert.Equal(t, []string{"Album"}, out["album"])
	assert.Equal(t, []string{"Rock"}, out["genre"])
	assert.Equal(t, []string{"2021"}, out["year"])
	assert.Equal(t, []string{"3"}, out["tracknumber"])
	assert.Equal(t, []string{"1"}, out["discnumber"])
	assert.ElementsMatch(t, []string{"Main Artist", "Album Artist"}, out["artists"])
}

func TestNormalize_OmitsAbsentFields(t *testing.T) {
	out := Normalize(RawMetadata{Title: "Only Title"}, Config{Namespace: "nom"})

	_, hasAlbum := out["album"]
	assert.False(t, hasAlbum, "fields absent from the source must be omitted, not zero-valued")
	_, hasYear := out["year"]
	assert.False(t, hasYear)
}

func TestNormalize_NamespacesNonCanonicalExtraTags(t *testing.T) {
	raw := RawMetadata{
		Title: "Song",
		Extra: map[string][]string{"MOOD": {"Energetic"}},
	}

	out := Normalize(raw, Config{Namespace: "nom"})
	assert.Equal(t, []string{"Energetic"}, out["nom:MOOD"])
}

func TestNormalize_CanonicalExtraTagIsNotNamespaced(t *testing.T) {
	raw := RawMetadata{
		Title: "Song",
		Extra: map[string][]string{"composer": {"J.S. Bach"}},
	}

	out := Normalize(raw, Config{Namespace: "nom"})
	assert.Equal(t, []string{"J.S. Bach"}, out["composer"])
	_, namespaced := out["nom:composer"]
	assert.False(t, namespaced)
}

func TestNormalize_DropsBlockedFreeformTags(t *testing.T) {
	raw := RawMetadata{
		Title: "Song",
		Extra: map[string][]string{"com.apple.iTunes:ACOUSTID_FINGERPRINT": {"xyz"}},
	}
	cfg := Config{Namespace: "nom", MP4FreeformBlocklist: []string{"com.apple.iTunes:ACOUSTID_FINGERPRINT"}}

	out := Normalize(raw, cfg)
	_, present := out["nom:com.apple.iTunes:ACOUSTID_FINGERPRINT"]
	assert.False(t, present, "blocklisted freeform tags must never reach the normalized set")
}

func TestNormalize_ArtistsFallsBackToArtistAlone(t *testing.T) {
	out := Normalize(RawMetadata{Artist: "Solo Artist"}, Config{Namespace: "nom"})
	assert.Equal(t, []string{"Solo Artist"}, out["artists"])
}
