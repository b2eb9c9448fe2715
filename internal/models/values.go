package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// MetadataValue is the normalized extractor blob stored as JSONB. Known
// fields are exposed through typed getters so downstream code never
// re-parses the raw map.
type MetadataValue map[string]interface{}

func (v MetadataValue) Value() (driver.Value, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func (v *MetadataValue) Scan(src interface{}) error {
	return scanJSONMap(src, (*map[string]interface{})(v))
}

func (v MetadataValue) Title() string       { return cast.ToString(v["title"]) }
func (v MetadataValue) FullTitle() string   { return cast.ToString(v["fulltitle"]) }
func (v MetadataValue) Description() string { return cast.ToString(v["description"]) }
func (v MetadataValue) Duration() int       { return cast.ToInt(v["duration"]) }
func (v MetadataValue) Uploader() string    { return cast.ToString(v["uploader"]) }
func (v MetadataValue) AgeLimit() int       { return cast.ToInt(v["age_limit"]) }
func (v MetadataValue) LikeCount() int      { return cast.ToInt(v["like_count"]) }
func (v MetadataValue) DislikeCount() int   { return cast.ToInt(v["dislike_count"]) }
func (v MetadataValue) Availability() string { return cast.ToString(v["availability"]) }
func (v MetadataValue) ExtractorKey() string { return cast.ToString(v["extractor_key"]) }
func (v MetadataValue) PlaylistTitle() string { return cast.ToString(v["playlist_title"]) }
func (v MetadataValue) Thumbnail() string   { return cast.ToString(v["thumbnail"]) }

func (v MetadataValue) Categories() []string {
	return cast.ToStringSlice(v["categories"])
}

// UploadDate parses the extractor's YYYYMMDD upload_date field.
func (v MetadataValue) UploadDate() (time.Time, bool) {
	raw := cast.ToString(v["upload_date"])
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102", raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Timestamp returns the item's publish instant, preferring timestamp over
// release_timestamp, falling back to upload_date.
func (v MetadataValue) Timestamp() (time.Time, bool) {
	for _, field := range []string{"timestamp", "release_timestamp"} {
		if raw, ok := v[field]; ok && raw != nil {
			if secs := cast.ToInt64(raw); secs > 0 {
				return time.Unix(secs, 0).UTC(), true
			}
		}
	}
	return v.UploadDate()
}

// FailedFormats tracks format ids that were selected but unavailable at
// download time, so the matcher can avoid them on retry.
func (v MetadataValue) FailedFormats() []string {
	return cast.ToStringSlice(v["failed_formats"])
}

func (v MetadataValue) RecordFailedFormat(id string) {
	for _, f := range v.FailedFormats() {
		if f == id {
			return
		}
	}
	v["failed_formats"] = append(v.FailedFormats(), id)
}

// Shrink drops bulky fields that nothing downstream reads. Applied on
// ingest when the shrink-metadata setting is on.
func (v MetadataValue) Shrink() {
	for _, field := range []string{
		"automatic_captions", "requested_formats", "requested_downloads",
		"heatmap", "subtitles", "http_headers",
	} {
		delete(v, field)
	}
}

// ──────────────────── Format value ────────────────────

// FormatValue is the normalized per-format map stored as JSONB.
type FormatValue map[string]interface{}

func (v FormatValue) Value() (driver.Value, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func (v *FormatValue) Scan(src interface{}) error {
	return scanJSONMap(src, (*map[string]interface{})(v))
}

func (v FormatValue) FormatID() string   { return cast.ToString(v["format_id"]) }
func (v FormatValue) FormatNote() string { return cast.ToString(v["format_note"]) }
func (v FormatValue) Height() int        { return cast.ToInt(v["height"]) }
func (v FormatValue) Width() int         { return cast.ToInt(v["width"]) }
func (v FormatValue) FPS() int           { return cast.ToInt(v["fps"]) }
func (v FormatValue) VBR() float64       { return cast.ToFloat64(v["vbr"]) }
func (v FormatValue) ABR() float64       { return cast.ToFloat64(v["abr"]) }
func (v FormatValue) Is60FPS() bool      { return cast.ToBool(v["is_60fps"]) }
func (v FormatValue) IsHDR() bool        { return cast.ToBool(v["is_hdr"]) }
func (v FormatValue) LanguageCode() string { return cast.ToString(v["language_code"]) }

// VideoCodec returns the normalized video codec name, empty for audio-only
// formats.
func (v FormatValue) VideoCodec() string { return normalizeCodec(cast.ToString(v["vcodec"])) }

// AudioCodec returns the normalized audio codec name, empty for video-only
// formats.
func (v FormatValue) AudioCodec() string { return normalizeCodec(cast.ToString(v["acodec"])) }

// normalizeCodec upper-cases a codec name and strips the trailing profile
// suffix: "vp9.2" → "VP9", "avc1.640028" → "AVC1", "none" → "".
func normalizeCodec(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" || name == "NONE" {
		return ""
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}

func scanJSONMap(src interface{}, dst *map[string]interface{}) error {
	switch data := src.(type) {
	case nil:
		*dst = nil
		return nil
	case []byte:
		return json.Unmarshal(data, dst)
	case string:
		return json.Unmarshal([]byte(data), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
