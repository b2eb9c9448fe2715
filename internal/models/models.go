package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ──────────────────── Enums ────────────────────

type SourceKind string

const (
	SourceKindChannel   SourceKind = "channel"    // named channel
	SourceKindChannelID SourceKind = "channel_id" // channel by opaque id
	SourceKindPlaylist  SourceKind = "playlist"
)

// Resolution is the per-source target quality. "audio" means audio-only.
type Resolution string

const (
	ResolutionAudio Resolution = "audio"
	Resolution360P  Resolution = "360p"
	Resolution480P  Resolution = "480p"
	Resolution720P  Resolution = "720p"
	Resolution1080P Resolution = "1080p"
	Resolution1440P Resolution = "1440p"
	Resolution2160P Resolution = "2160p"
	Resolution4320P Resolution = "4320p"
)

var resolutionHeights = map[Resolution]int{
	Resolution360P:  360,
	Resolution480P:  480,
	Resolution720P:  720,
	Resolution1080P: 1080,
	Resolution1440P: 1440,
	Resolution2160P: 2160,
	Resolution4320P: 4320,
}

// Height returns the pixel height for a resolution, 0 for audio-only.
func (r Resolution) Height() int {
	return resolutionHeights[r]
}

func (r Resolution) IsAudio() bool {
	return r == ResolutionAudio
}

type VideoCodec string

const (
	CodecAV1  VideoCodec = "AV1"
	CodecVP9  VideoCodec = "VP9"
	CodecAVC1 VideoCodec = "AVC1"
)

type AudioCodec string

const (
	CodecOpus AudioCodec = "OPUS"
	CodecMP4A AudioCodec = "MP4A"
)

// Fallback governs whether the matcher may substitute a non-exact format.
type Fallback string

const (
	FallbackFail          Fallback = "fail"
	FallbackNextBest      Fallback = "next_best"
	FallbackNextBestHD    Fallback = "next_best_hd"    // substitute only at or above the HD cutoff
	FallbackNextBestCodec Fallback = "next_best_codec" // substitute only within the policy codec
)

// CanSwitchCodecs reports whether the matcher may consider formats in a
// codec other than the policy codec.
func (f Fallback) CanSwitchCodecs() bool {
	return f != FallbackNextBestCodec
}

type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskRevoked   TaskStatus = "revoked"
)

// ──────────────────── Source ────────────────────

// Source is a tracked remote channel or playlist.
type Source struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Kind        SourceKind `json:"kind" db:"kind"`
	Key         string     `json:"key" db:"key"`
	Name        string     `json:"name" db:"name"`
	Directory   string     `json:"directory" db:"directory"`
	MediaFormat string     `json:"media_format" db:"media_format"`

	// Quality policy
	Resolution  Resolution `json:"resolution" db:"resolution"`
	VideoCodec  VideoCodec `json:"video_codec" db:"video_codec"`
	AudioCodec  AudioCodec `json:"audio_codec" db:"audio_codec"`
	Prefer60FPS bool       `json:"prefer_60fps" db:"prefer_60fps"`
	PreferHDR   bool       `json:"prefer_hdr" db:"prefer_hdr"`
	Fallback    Fallback   `json:"fallback" db:"fallback"`

	IndexSchedule  time.Duration `json:"index_schedule" db:"index_schedule"` // zero means never
	TargetSchedule time.Time     `json:"target_schedule" db:"target_schedule"`
	DownloadMedia  bool          `json:"download_media" db:"download_media"`
	IndexVideos    bool          `json:"index_videos" db:"index_videos"`
	IndexStreams   bool          `json:"index_streams" db:"index_streams"`
	DownloadCap    time.Duration `json:"download_cap" db:"download_cap"` // zero means no cap

	DeleteOld  bool `json:"delete_old" db:"delete_old"`
	DaysToKeep int  `json:"days_to_keep" db:"days_to_keep"`

	FilterText        string `json:"filter_text" db:"filter_text"`
	FilterTextInvert  bool   `json:"filter_text_invert" db:"filter_text_invert"`
	FilterSeconds     int    `json:"filter_seconds" db:"filter_seconds"`
	FilterSecondsMin  bool   `json:"filter_seconds_min" db:"filter_seconds_min"`
	FilterSecondsUsed bool   `json:"filter_seconds_used" db:"filter_seconds_used"`

	DeleteRemovedMedia bool `json:"delete_removed_media" db:"delete_removed_media"` // delete files when media rows go away
	DeleteGoneFromSite bool `json:"delete_gone_from_site" db:"delete_gone_from_site"` // delete media no longer listed remotely

	CopyThumbnails         bool           `json:"copy_thumbnails" db:"copy_thumbnails"`
	WriteNFO               bool           `json:"write_nfo" db:"write_nfo"`
	WriteJSON              bool           `json:"write_json" db:"write_json"`
	EmbedMetadata          bool           `json:"embed_metadata" db:"embed_metadata"`
	EmbedThumbnail         bool           `json:"embed_thumbnail" db:"embed_thumbnail"`
	WriteSubtitles         bool           `json:"write_subtitles" db:"write_subtitles"`
	AutoSubtitles          bool           `json:"auto_subtitles" db:"auto_subtitles"`
	SubLangs               string         `json:"sub_langs" db:"sub_langs"`
	EnableSponsorblock     bool           `json:"enable_sponsorblock" db:"enable_sponsorblock"`
	SponsorblockCategories pq.StringArray `json:"sponsorblock_categories" db:"sponsorblock_categories"`

	HasFailed   bool       `json:"has_failed" db:"has_failed"`
	LastCrawlAt *time.Time `json:"last_crawl_at,omitempty" db:"last_crawl_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// DeletedSourcePrefix marks a source that has been renamed out of the way
// while its media is torn down asynchronously. Deletion renames the source
// first so a replacement with the same key can be created immediately.
const DeletedSourcePrefix = "deleted-"

// IsAudioOnly reports whether the source only wants audio.
func (s *Source) IsAudioOnly() bool {
	return s.Resolution.IsAudio()
}

// IsDeleting reports whether the source is in the two-phase teardown state.
func (s *Source) IsDeleting() bool {
	return len(s.Directory) > len(DeletedSourcePrefix) && s.Directory[:len(DeletedSourcePrefix)] == DeletedSourcePrefix
}

// IsActive reports whether the source should be picked up by the indexing
// scheduler at all.
func (s *Source) IsActive() bool {
	return s.IndexSchedule > 0 && !s.IsDeleting()
}

// NextTargetSchedule advances the indexing anchor by one cadence from now,
// snapped to the top of the hour so repeated runs stay aligned.
func (s *Source) NextTargetSchedule(now time.Time) time.Time {
	next := now.Add(s.IndexSchedule)
	return time.Date(next.Year(), next.Month(), next.Day(), next.Hour(), 0, 0, 0, next.Location())
}

// IndexDue reports whether the source is due for indexing.
func (s *Source) IndexDue(now time.Time) bool {
	if !s.IsActive() {
		return false
	}
	if now.Before(s.TargetSchedule) {
		return false
	}
	return s.LastCrawlAt == nil || now.Sub(*s.LastCrawlAt) >= s.IndexSchedule
}

// Extension is the container extension implied by the policy.
func (s *Source) Extension() string {
	if s.IsAudioOnly() {
		if s.AudioCodec == CodecMP4A {
			return "m4a"
		}
		return "ogg"
	}
	return "mkv"
}

// TypeDirectory is the top-level split between audio and video sources.
func (s *Source) TypeDirectory(audioDir, videoDir string) string {
	if s.IsAudioOnly() {
		return audioDir
	}
	return videoDir
}

// ExampleFormatDict is the sample variable set used to validate a media
// format template before accepting it.
func ExampleFormatDict() map[string]string {
	return map[string]string{
		"yyyymmdd":       "20170911",
		"yyyy_mm_dd":     "2017-09-11",
		"yyyy":           "2017",
		"mm":             "09",
		"dd":             "11",
		"source":         "example-source",
		"source_full":    "Example Source",
		"uploader":       "Example Uploader",
		"title":          "example-media-and-when-to-use-it",
		"title_full":     "Example Media And When To Use It",
		"key":            "SoMeUnIqUiD",
		"format":         "1080p-vp9-opus",
		"playlist_title": "Some Playlist Title",
		"video_order":    "01",
		"ext":            "mkv",
		"resolution":     "1080p",
		"height":         "1080",
		"width":          "1920",
		"vcodec":         "vp9",
		"acodec":         "opus",
		"fps":            "24",
		"hdr":            "hdr",
	}
}

// ──────────────────── Media ────────────────────

// Media is one tracked item within a source.
type Media struct {
	ID       uuid.UUID `json:"id" db:"id"`
	SourceID uuid.UUID `json:"source_id" db:"source_id"`
	Key      string    `json:"key" db:"key"` // remote key, unique per source

	PublishedAt *time.Time `json:"published_at,omitempty" db:"published_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`

	Title    string `json:"title" db:"title"`
	Duration int    `json:"duration" db:"duration"` // seconds

	ThumbPath   *string `json:"thumb_path,omitempty" db:"thumb_path"`
	ThumbWidth  int     `json:"thumb_width" db:"thumb_width"`
	ThumbHeight int     `json:"thumb_height" db:"thumb_height"`

	CanDownload bool `json:"can_download" db:"can_download"`
	Skip        bool `json:"skip" db:"skip"`
	ManualSkip  bool `json:"manual_skip" db:"manual_skip"`

	Downloaded           bool       `json:"downloaded" db:"downloaded"`
	DownloadDate         *time.Time `json:"download_date,omitempty" db:"download_date"`
	DownloadedFormat     *string    `json:"downloaded_format,omitempty" db:"downloaded_format"`
	DownloadedHeight     *int       `json:"downloaded_height,omitempty" db:"downloaded_height"`
	DownloadedWidth      *int       `json:"downloaded_width,omitempty" db:"downloaded_width"`
	DownloadedVideoCodec *string    `json:"downloaded_video_codec,omitempty" db:"downloaded_video_codec"`
	DownloadedAudioCodec *string    `json:"downloaded_audio_codec,omitempty" db:"downloaded_audio_codec"`
	DownloadedContainer  *string    `json:"downloaded_container,omitempty" db:"downloaded_container"`
	DownloadedFPS        *int       `json:"downloaded_fps,omitempty" db:"downloaded_fps"`
	DownloadedHDR        bool       `json:"downloaded_hdr" db:"downloaded_hdr"`
	DownloadedFilesize   *int64     `json:"downloaded_filesize,omitempty" db:"downloaded_filesize"`

	MediaFile *string `json:"media_file,omitempty" db:"media_file"` // relative to the download root
}

// FilteredOut reports whether the media fails the source's title or
// duration filters.
func (m *Media) FilteredOut(s *Source, titleMatches func(pattern, title string) bool) bool {
	if s.FilterText != "" && titleMatches != nil {
		match := titleMatches(s.FilterText, m.Title)
		if s.FilterTextInvert {
			if match {
				return true
			}
		} else if !match {
			return true
		}
	}
	if s.FilterSecondsUsed && s.FilterSeconds > 0 && m.Duration > 0 {
		if s.FilterSecondsMin && m.Duration < s.FilterSeconds {
			return true
		}
		if !s.FilterSecondsMin && m.Duration > s.FilterSeconds {
			return true
		}
	}
	return false
}

// OlderThanCap reports whether the media predates the source's download cap.
func (m *Media) OlderThanCap(s *Source, now time.Time) bool {
	if s.DownloadCap <= 0 || m.PublishedAt == nil {
		return false
	}
	return m.PublishedAt.Before(now.Add(-s.DownloadCap))
}

// OlderThanKeep reports whether the media predates the source's retention
// window. Only meaningful when the source prunes old downloads.
func (m *Media) OlderThanKeep(s *Source, now time.Time) bool {
	if !s.DeleteOld || s.DaysToKeep <= 0 || m.PublishedAt == nil {
		return false
	}
	return m.PublishedAt.Before(now.AddDate(0, 0, -s.DaysToKeep))
}

// ComputeSkip evaluates the cached skip conjunction: manual skip, missing
// metadata, filter rejection, older than the download cap, or older than
// the retention window.
func (m *Media) ComputeSkip(s *Source, hasMetadata bool, now time.Time, titleMatches func(pattern, title string) bool) bool {
	switch {
	case m.ManualSkip:
		return true
	case !hasMetadata:
		return true
	case m.FilteredOut(s, titleMatches):
		return true
	case m.OlderThanCap(s, now):
		return true
	case m.OlderThanKeep(s, now):
		return true
	}
	return false
}

// PremiereTitle renders the placeholder title recorded on a media whose
// broadcast has not started yet.
func PremiereTitle(eta time.Duration) string {
	hours := int(eta.Round(time.Hour).Hours())
	if hours < 1 {
		hours = 1
	}
	return fmt.Sprintf("Premieres in %d hours", hours)
}

// ──────────────────── Metadata ────────────────────

// Metadata is the normalized extractor output for one media item. During
// indexing a shallow row may exist attached to the source only; MediaID is
// set and SourceID cleared once the media row is linked.
type Metadata struct {
	ID       uuid.UUID  `json:"id" db:"id"`
	MediaID  *uuid.UUID `json:"media_id,omitempty" db:"media_id"`
	SourceID *uuid.UUID `json:"source_id,omitempty" db:"source_id"`
	Site     string     `json:"site" db:"site"`
	Key      string     `json:"key" db:"key"`

	RetrievedAt time.Time  `json:"retrieved_at" db:"retrieved_at"`
	UploadedAt  *time.Time `json:"uploaded_at,omitempty" db:"uploaded_at"`
	PublishedAt *time.Time `json:"published_at,omitempty" db:"published_at"`

	Value MetadataValue `json:"value" db:"value"`
}

// Format is one downloadable variant attached to a metadata row. Numbers
// form a contiguous 1..k sequence per metadata row.
type Format struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	MetadataID uuid.UUID   `json:"metadata_id" db:"metadata_id"`
	Site       string      `json:"site" db:"site"`
	Key        string      `json:"key" db:"key"`
	Number     int         `json:"number" db:"number"`
	Value      FormatValue `json:"value" db:"value"`
}

// ──────────────────── Task history ────────────────────

// TaskRecord is one row of task history, written at task completion and
// consumed by the external UI.
type TaskRecord struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	TaskType     string     `json:"task_type" db:"task_type"`
	Queue        string     `json:"queue" db:"queue"`
	Status       TaskStatus `json:"status" db:"status"`
	Verbose      string     `json:"verbose" db:"verbose"`
	Attempts     int        `json:"attempts" db:"attempts"`
	ErrorMessage *string    `json:"error_message,omitempty" db:"error_message"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
