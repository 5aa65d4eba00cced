// Package tagging defines the external metadata-extraction and tag-writing
// contracts (explicitly opaque per spec §1) plus the canonical tag
// namespace normalization that turns raw file tags into the engine's
// {title, artist, artists, album, ...} shape.
package tagging

import (
	"os"
	"strconv"
	"strings"

	"github.com/dhowden/tag"
)

// CanonicalFields lists the tag keys the engine recognizes on top of the
// configured namespace bucket. Normalize keeps an Extra key under its own
// name when it is canonical, drops it when it is on the freeform
// blocklist, and otherwise stores it under "<namespace>:<key>"; it does
// not discard other non-canonical Extra keys.
var CanonicalFields = []string{
	"title", "artist", "artists", "album", "album_artist",
	"tracknumber", "discnumber", "date", "year", "genre",
	"composer", "lyricist", "label", "publisher", "bpm",
}

// RawMetadata is what the external extractor hands back before normalization.
type RawMetadata struct {
	Title       string
	Artist      string
	AlbumArtist string
	Album       string
	Genre       string
	Year        int
	TrackNumber int
	DiscNumber  int
	DurationMs  int
	Extra       map[string][]string // namespace-bucket and other raw tags
}

// Extractor is the opaque ExtractMetadata contract.
type Extractor interface {
	ExtractMetadata(path string) (RawMetadata, error)
}

// Writer is the opaque WriteTags contract.
type Writer interface {
	WriteTags(path string, tags map[string][]string) error
}

// Config carries namespace/version settings and the freeform blocklist,
// per spec §9's instruction to treat MP4_FREEFORM_BLOCKLIST as config.
type Config struct {
	Namespace            string
	VersionTagKey         string
	TaggerVersion         string
	MP4FreeformBlocklist  []string
}

// DhowdenExtractor is the default Extractor backed by github.com/dhowden/tag,
// which reads ID3(v1/v2), MP4, and Vorbis/FLAC comments uniformly.
type DhowdenExtractor struct{}

func (DhowdenExtractor) ExtractMetadata(path string) (RawMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return RawMetadata{}, err
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return RawMetadata{}, err
	}

	track, _ := m.Track()
	disc, _ := m.Disc()

	return RawMetadata{
		Title:       m.Title(),
		Artist:      m.Artist(),
		AlbumArtist: m.AlbumArtist(),
		Album:       m.Album(),
		Genre:       m.Genre(),
		Year:        m.Year(),
		TrackNumber: track,
		DiscNumber:  disc,
	}, nil
}

// NormalizedTags is the canonical per-file tag set: multi-valued fields as
// string slices (even when length 1), per spec §9's "wrap scalars, unwrap
// on read" rule enforced at the store boundary (internal/scanner.seedEntities).
type NormalizedTags map[string][]string

// Normalize maps raw extracted metadata into the canonical tag set. Fields
// absent from the source are simply omitted, never zero-valued placeholders.
func Normalize(raw RawMetadata, cfg Config) NormalizedTags {
	out := make(NormalizedTags)

	put := func(key, value string) {
		if value != "" {
			out[key] = []string{value}
		}
	}
	putMulti := func(key string, values []string) {
		var filtered []string
		for _, v := range values {
			if v != "" {
				filtered = append(filtered, v)
			}
		}
		if len(filtered) > 0 {
			out[key] = filtered
		}
	}

	put("title", raw.Title)
	put("artist", raw.Artist)
	if raw.AlbumArtist != "" {
		putMulti("artists", []string{raw.Artist, raw.AlbumArtist})
	} else {
		putMulti("artists", []string{raw.Artist})
	}
	put("album", raw.Album)
	put("album_artist", raw.AlbumArtist)
	if raw.TrackNumber > 0 {
		put("tracknumber", strconv.Itoa(raw.TrackNumber))
	}
	if raw.DiscNumber > 0 {
		put("discnumber", strconv.Itoa(raw.DiscNumber))
	}
	if raw.Year > 0 {
		put("year", strconv.Itoa(raw.Year))
		put("date", strconv.Itoa(raw.Year))
	}
	put("genre", raw.Genre)

	for k, vs := range raw.Extra {
		if isBlocked(k, cfg.MP4FreeformBlocklist) {
			continue
		}
		if isCanonical(k) {
			putMulti(k, vs)
			continue
		}
		nsKey := cfg.Namespace + ":" + k
		putMulti(nsKey, vs)
	}

	return out
}

func isCanonical(key string) bool {
	for _, f := range CanonicalFields {
		if f == key {
			return true
		}
	}
	return false
}

func isBlocked(key string, blocklist []string) bool {
	for _, b := range blocklist {
		if strings.EqualFold(b, key) {
			return true
		}
	}
	return false
}
