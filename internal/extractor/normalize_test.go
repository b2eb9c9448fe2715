package extractor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenEntriesRecursesNestedPlaylists(t *testing.T) {
	var listing map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"entries": [
			{"id": "aaa", "title": "first", "duration": 60, "timestamp": 1505088000},
			{"entries": [
				{"id": "bbb", "display_id": "BBB", "title": "nested"}
			]},
			{"id": "ccc", "title": "last", "ie_key": "Youtube"}
		]
	}`), &listing))

	items := flattenEntries(listing)
	require.Len(t, items, 3)
	assert.Equal(t, "aaa", items[0].Key)
	assert.Equal(t, int64(1505088000), items[0].Timestamp)
	// display_id wins over id when present.
	assert.Equal(t, "BBB", items[1].Key)
	assert.Equal(t, "Youtube", items[2].ExtractorKey)
}

func TestNormalizeFormat(t *testing.T) {
	f := normalizeFormat(map[string]interface{}{
		"format_id":   "303",
		"format_note": "1080p60 HDR",
		"height":      1080,
		"width":       1920,
		"vcodec":      "vp9.2",
		"acodec":      "none",
		"fps":         60,
		"tbr":         4200.5,
		"language":    "en",
	})

	assert.Equal(t, "303", f.FormatID())
	assert.Equal(t, 1080, f.Height())
	assert.True(t, f.Is60FPS())
	assert.True(t, f.IsHDR())
	// vbr falls back to tbr when absent.
	assert.Equal(t, 4200.5, f.VBR())
	assert.Equal(t, "VP9", f.VideoCodec())
	assert.Equal(t, "", f.AudioCodec())
	assert.Equal(t, "en", f.LanguageCode())
}

func TestNormalizeDetailsKeepsKnownFieldsOnly(t *testing.T) {
	value, formats := normalizeDetails(map[string]interface{}{
		"id":                 "abc",
		"title":              "A Title",
		"upload_date":        "20170911",
		"automatic_captions": map[string]interface{}{"en": []interface{}{}},
		"formats": []interface{}{
			map[string]interface{}{"format_id": "248", "height": 1080, "vcodec": "vp9", "acodec": "none"},
			map[string]interface{}{"format_id": "251", "vcodec": "none", "acodec": "opus", "abr": 160.0},
		},
	})

	assert.Equal(t, "A Title", value.Title())
	_, kept := value["automatic_captions"]
	assert.False(t, kept)

	require.Len(t, formats, 2)
	assert.Equal(t, "248", formats[0].FormatID())
	assert.Equal(t, "OPUS", formats[1].AudioCodec())

	at, ok := value.UploadDate()
	require.True(t, ok)
	assert.Equal(t, "2017-09-11", at.Format("2006-01-02"))
}

func TestParseProgressLine(t *testing.T) {
	pct, eta, ok := parseProgressLine("[download]  42.3% of 120.5MiB at 4.2MiB/s ETA 00:12")
	require.True(t, ok)
	assert.Equal(t, 42.3, pct)
	assert.Equal(t, "00:12", eta)

	_, _, ok = parseProgressLine("[download] Destination: /tmp/foo.mkv")
	assert.False(t, ok)
}

func TestWatchAndThumbnailURLs(t *testing.T) {
	assert.Equal(t, "https://www.youtube.com/watch?v=abc", WatchURL("abc"))
	urls := ThumbnailURLs("abc")
	require.Len(t, urls, 3)
	assert.Contains(t, urls[0], "maxresdefault")
	assert.Contains(t, urls[2], "hqdefault")
}
