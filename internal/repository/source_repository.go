package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/naming"
)

type SourceRepository struct {
	db *sql.DB
}

func NewSourceRepository(db *sql.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

// sourceColumns is the standard SELECT list for sources
const sourceColumns = `id, kind, key, name, directory, media_format,
	resolution, video_codec, audio_codec, prefer_60fps, prefer_hdr, fallback,
	index_schedule, target_schedule, download_media, index_videos, index_streams, download_cap,
	delete_old, days_to_keep,
	filter_text, filter_text_invert, filter_seconds, filter_seconds_min, filter_seconds_used,
	delete_removed_media, delete_gone_from_site,
	copy_thumbnails, write_nfo, write_json, embed_metadata, embed_thumbnail,
	write_subtitles, auto_subtitles, sub_langs, enable_sponsorblock, sponsorblock_categories,
	has_failed, last_crawl_at, created_at`

func scanSource(row interface{ Scan(dest ...interface{}) error }) (*models.Source, error) {
	s := &models.Source{}
	var indexSchedule, downloadCap int64
	err := row.Scan(
		&s.ID, &s.Kind, &s.Key, &s.Name, &s.Directory, &s.MediaFormat,
		&s.Resolution, &s.VideoCodec, &s.AudioCodec, &s.Prefer60FPS, &s.PreferHDR, &s.Fallback,
		&indexSchedule, &s.TargetSchedule, &s.DownloadMedia, &s.IndexVideos, &s.IndexStreams, &downloadCap,
		&s.DeleteOld, &s.DaysToKeep,
		&s.FilterText, &s.FilterTextInvert, &s.FilterSeconds, &s.FilterSecondsMin, &s.FilterSecondsUsed,
		&s.DeleteRemovedMedia, &s.DeleteGoneFromSite,
		&s.CopyThumbnails, &s.WriteNFO, &s.WriteJSON, &s.EmbedMetadata, &s.EmbedThumbnail,
		&s.WriteSubtitles, &s.AutoSubtitles, &s.SubLangs, &s.EnableSponsorblock, &s.SponsorblockCategories,
		&s.HasFailed, &s.LastCrawlAt, &s.CreatedAt,
	)
	s.IndexSchedule = time.Duration(indexSchedule)
	s.DownloadCap = time.Duration(downloadCap)
	return s, err
}

func (r *SourceRepository) Create(s *models.Source) error {
	// An empty template falls back to the configured default at render
	// time.
	if s.MediaFormat != "" {
		if err := naming.Validate(s.MediaFormat); err != nil {
			return fmt.Errorf("media format template: %w", err)
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	query := `
		INSERT INTO sources (
			id, kind, key, name, directory, media_format,
			resolution, video_codec, audio_codec, prefer_60fps, prefer_hdr, fallback,
			index_schedule, target_schedule, download_media, index_videos, index_streams, download_cap,
			delete_old, days_to_keep,
			filter_text, filter_text_invert, filter_seconds, filter_seconds_min, filter_seconds_used,
			delete_removed_media, delete_gone_from_site,
			copy_thumbnails, write_nfo, write_json, embed_metadata, embed_thumbnail,
			write_subtitles, auto_subtitles, sub_langs, enable_sponsorblock, sponsorblock_categories,
			has_failed
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18,
			$19, $20,
			$21, $22, $23, $24, $25,
			$26, $27,
			$28, $29, $30, $31, $32,
			$33, $34, $35, $36, $37,
			$38
		)
		RETURNING created_at`

	return r.db.QueryRow(query,
		s.ID, s.Kind, s.Key, s.Name, s.Directory, s.MediaFormat,
		s.Resolution, s.VideoCodec, s.AudioCodec, s.Prefer60FPS, s.PreferHDR, s.Fallback,
		int64(s.IndexSchedule), s.TargetSchedule, s.DownloadMedia, s.IndexVideos, s.IndexStreams, int64(s.DownloadCap),
		s.DeleteOld, s.DaysToKeep,
		s.FilterText, s.FilterTextInvert, s.FilterSeconds, s.FilterSecondsMin, s.FilterSecondsUsed,
		s.DeleteRemovedMedia, s.DeleteGoneFromSite,
		s.CopyThumbnails, s.WriteNFO, s.WriteJSON, s.EmbedMetadata, s.EmbedThumbnail,
		s.WriteSubtitles, s.AutoSubtitles, s.SubLangs, s.EnableSponsorblock, s.SponsorblockCategories,
		s.HasFailed,
	).Scan(&s.CreatedAt)
}

func (r *SourceRepository) GetByID(id uuid.UUID) (*models.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`
	s, err := scanSource(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *SourceRepository) List() ([]*models.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources ORDER BY name`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (r *SourceRepository) Update(s *models.Source) error {
	if s.MediaFormat != "" {
		if err := naming.Validate(s.MediaFormat); err != nil {
			return fmt.Errorf("media format template: %w", err)
		}
	}
	query := `
		UPDATE sources SET
			kind = $2, key = $3, name = $4, directory = $5, media_format = $6,
			resolution = $7, video_codec = $8, audio_codec = $9, prefer_60fps = $10, prefer_hdr = $11, fallback = $12,
			index_schedule = $13, target_schedule = $14, download_media = $15, index_videos = $16, index_streams = $17, download_cap = $18,
			delete_old = $19, days_to_keep = $20,
			filter_text = $21, filter_text_invert = $22, filter_seconds = $23, filter_seconds_min = $24, filter_seconds_used = $25,
			delete_removed_media = $26, delete_gone_from_site = $27,
			copy_thumbnails = $28, write_nfo = $29, write_json = $30, embed_metadata = $31, embed_thumbnail = $32,
			write_subtitles = $33, auto_subtitles = $34, sub_langs = $35, enable_sponsorblock = $36, sponsorblock_categories = $37,
			has_failed = $38, last_crawl_at = $39
		WHERE id = $1`
	_, err := r.db.Exec(query,
		s.ID, s.Kind, s.Key, s.Name, s.Directory, s.MediaFormat,
		s.Resolution, s.VideoCodec, s.AudioCodec, s.Prefer60FPS, s.PreferHDR, s.Fallback,
		int64(s.IndexSchedule), s.TargetSchedule, s.DownloadMedia, s.IndexVideos, s.IndexStreams, int64(s.DownloadCap),
		s.DeleteOld, s.DaysToKeep,
		s.FilterText, s.FilterTextInvert, s.FilterSeconds, s.FilterSecondsMin, s.FilterSecondsUsed,
		s.DeleteRemovedMedia, s.DeleteGoneFromSite,
		s.CopyThumbnails, s.WriteNFO, s.WriteJSON, s.EmbedMetadata, s.EmbedThumbnail,
		s.WriteSubtitles, s.AutoSubtitles, s.SubLangs, s.EnableSponsorblock, s.SponsorblockCategories,
		s.HasFailed, s.LastCrawlAt,
	)
	return err
}

func (r *SourceRepository) SetHasFailed(id uuid.UUID, failed bool) error {
	_, err := r.db.Exec(`UPDATE sources SET has_failed = $2 WHERE id = $1`, id, failed)
	return err
}

func (r *SourceRepository) SetLastCrawl(id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(`UPDATE sources SET last_crawl_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *SourceRepository) SetTargetSchedule(id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(`UPDATE sources SET target_schedule = $2 WHERE id = $1`, id, at)
	return err
}

// ListDueForIndexing returns active sources whose indexing anchor has
// passed and whose last crawl is at least one cadence old.
func (r *SourceRepository) ListDueForIndexing(now time.Time) ([]*models.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources
		WHERE index_schedule > 0
		  AND directory NOT LIKE $2
		  AND target_schedule <= $1
		  AND (last_crawl_at IS NULL OR last_crawl_at <= $1 - make_interval(secs => index_schedule / 1000000000.0))
		ORDER BY target_schedule`
	rows, err := r.db.Query(query, now, models.DeletedSourcePrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// MarkDeleting renames the source and its directory out of the way so its
// unique key/name/directory are free for a replacement while the media rows
// are torn down by the deletion task. Two-phase: the rename happens here in
// one transaction, the row and file removal happen asynchronously.
func (r *SourceRepository) MarkDeleting(id uuid.UUID) (*models.Source, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	suffix := uuid.New().String()[:8]
	query := `UPDATE sources SET
			key = key || '-deleted-' || $2,
			name = name || ' [deleting ' || $2 || ']',
			directory = $3 || directory || '-' || $2,
			index_schedule = 0,
			download_media = FALSE
		WHERE id = $1`
	if _, err := tx.Exec(query, id, suffix, models.DeletedSourcePrefix); err != nil {
		return nil, fmt.Errorf("rename source for deletion: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r.GetByID(id)
}

func (r *SourceRepository) Delete(id uuid.UUID) error {
	_, err := r.db.Exec(`DELETE FROM sources WHERE id = $1`, id)
	return err
}
