package extractor

import (
	"strings"

	"github.com/spf13/cast"

	"github.com/fetcharr/fetcharr/internal/models"
)

// flattenEntries walks a listing result, recursing into nested playlist
// entries, and returns the leaf items in listing order.
func flattenEntries(node map[string]interface{}) []RawItem {
	var items []RawItem
	entries, ok := node["entries"].([]interface{})
	if !ok {
		return items
	}
	for _, raw := range entries {
		entry, ok := raw.(map[string]interface{})
		if !ok || entry == nil {
			continue
		}
		if _, nested := entry["entries"]; nested {
			items = append(items, flattenEntries(entry)...)
			continue
		}
		key := cast.ToString(entry["id"])
		if displayID := cast.ToString(entry["display_id"]); displayID != "" {
			key = displayID
		}
		items = append(items, RawItem{
			Key:          key,
			Title:        cast.ToString(entry["title"]),
			Duration:     cast.ToInt(entry["duration"]),
			Timestamp:    cast.ToInt64(entry["timestamp"]),
			ExtractorKey: cast.ToString(entry["ie_key"]),
		})
	}
	return items
}

// metadataFields is the fixed set of known fields kept on ingest. The
// extractor emits far more; downstream code only reads these.
var metadataFields = []string{
	"id", "display_id", "title", "fulltitle", "description", "duration",
	"upload_date", "timestamp", "release_timestamp", "epoch", "availability",
	"extractor_key", "uploader", "uploader_id", "channel", "channel_id",
	"thumbnail", "thumbnails", "categories", "age_limit", "like_count",
	"dislike_count", "playlist_title", "playlist_index", "live_status",
	"release_date", "language",
}

// normalizeDetails splits a raw details blob into the metadata value (known
// fields only) and one normalized FormatValue per entry of its formats
// list.
func normalizeDetails(raw map[string]interface{}) (models.MetadataValue, []models.FormatValue) {
	value := models.MetadataValue{}
	for _, field := range metadataFields {
		if v, ok := raw[field]; ok && v != nil {
			value[field] = v
		}
	}

	rawFormats, _ := raw["formats"].([]interface{})
	formats := make([]models.FormatValue, 0, len(rawFormats))
	for _, rf := range rawFormats {
		fm, ok := rf.(map[string]interface{})
		if !ok {
			continue
		}
		formats = append(formats, normalizeFormat(fm))
	}
	return value, formats
}

// normalizeFormat maps one raw format entry onto the normalized field set
// the matcher reads.
func normalizeFormat(raw map[string]interface{}) models.FormatValue {
	note := cast.ToString(raw["format_note"])
	fps := cast.ToInt(raw["fps"])
	vcodec := cast.ToString(raw["vcodec"])

	vbr := cast.ToFloat64(raw["vbr"])
	if vbr == 0 {
		vbr = cast.ToFloat64(raw["tbr"])
	}

	return models.FormatValue{
		"id":            cast.ToString(raw["format_id"]),
		"format_id":     cast.ToString(raw["format_id"]),
		"format_note":   note,
		"height":        cast.ToInt(raw["height"]),
		"width":         cast.ToInt(raw["width"]),
		"vcodec":        vcodec,
		"acodec":        cast.ToString(raw["acodec"]),
		"fps":           fps,
		"vbr":           vbr,
		"abr":           cast.ToFloat64(raw["abr"]),
		"is_60fps":      fps > 50,
		"is_hdr":        isHDR(note, vcodec),
		"language_code": cast.ToString(raw["language"]),
	}
}

// isHDR detects HDR variants from the format note or the vp9.2 profile.
func isHDR(note, vcodec string) bool {
	return strings.Contains(strings.ToUpper(note), "HDR") ||
		strings.HasPrefix(strings.ToLower(vcodec), "vp9.2")
}
