package repository

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fetcharr/fetcharr/internal/models"
)

// MediaBatchSize is how many media rows the indexer writes per transaction.
const MediaBatchSize = 10

type MediaRepository struct {
	db           *sql.DB
	downloadRoot string
}

func NewMediaRepository(db *sql.DB, downloadRoot string) *MediaRepository {
	return &MediaRepository{db: db, downloadRoot: downloadRoot}
}

// mediaColumns is the standard SELECT list for media
const mediaColumns = `id, source_id, key, published_at, created_at, title, duration,
	thumb_path, thumb_width, thumb_height,
	can_download, skip, manual_skip,
	downloaded, download_date, downloaded_format, downloaded_height, downloaded_width,
	downloaded_video_codec, downloaded_audio_codec, downloaded_container,
	downloaded_fps, downloaded_hdr, downloaded_filesize, media_file`

func scanMedia(row interface{ Scan(dest ...interface{}) error }) (*models.Media, error) {
	m := &models.Media{}
	err := row.Scan(
		&m.ID, &m.SourceID, &m.Key, &m.PublishedAt, &m.CreatedAt, &m.Title, &m.Duration,
		&m.ThumbPath, &m.ThumbWidth, &m.ThumbHeight,
		&m.CanDownload, &m.Skip, &m.ManualSkip,
		&m.Downloaded, &m.DownloadDate, &m.DownloadedFormat, &m.DownloadedHeight, &m.DownloadedWidth,
		&m.DownloadedVideoCodec, &m.DownloadedAudioCodec, &m.DownloadedContainer,
		&m.DownloadedFPS, &m.DownloadedHDR, &m.DownloadedFilesize, &m.MediaFile,
	)
	return m, err
}

func (r *MediaRepository) GetByID(id uuid.UUID) (*models.Media, error) {
	query := `SELECT ` + mediaColumns + ` FROM media WHERE id = $1`
	m, err := scanMedia(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

// GetOrCreate upserts a media row keyed by (source_id, key). The defaults
// are only applied on insert; an existing row is returned untouched so
// re-indexing never disturbs created_at.
func (r *MediaRepository) GetOrCreate(sourceID uuid.UUID, key string, defaults *models.Media) (*models.Media, bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	m, err := scanMedia(tx.QueryRow(`SELECT `+mediaColumns+` FROM media WHERE source_id = $1 AND key = $2`, sourceID, key))
	if err == nil {
		return m, false, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}

	m = &models.Media{ID: uuid.New(), SourceID: sourceID, Key: key}
	if defaults != nil {
		m.Title = defaults.Title
		m.Duration = defaults.Duration
		m.PublishedAt = defaults.PublishedAt
	}
	err = tx.QueryRow(`INSERT INTO media (id, source_id, key, title, duration, published_at, skip)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (source_id, key) DO UPDATE SET key = EXCLUDED.key
		RETURNING created_at`,
		m.ID, m.SourceID, m.Key, m.Title, m.Duration, m.PublishedAt,
	).Scan(&m.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("create media: %w", err)
	}
	m.Skip = true
	return m, true, tx.Commit()
}

// Save persists the mutable fields of a media row. Before writing it
// re-verifies the downloaded-file invariant: when the recorded file is
// missing or its size no longer matches, downloaded is cleared and the
// media is manually skipped so it is not silently re-fetched.
func (r *MediaRepository) Save(m *models.Media) error {
	r.checkDownloadedFile(m)
	query := `
		UPDATE media SET
			published_at = $2, title = $3, duration = $4,
			thumb_path = $5, thumb_width = $6, thumb_height = $7,
			can_download = $8, skip = $9, manual_skip = $10,
			downloaded = $11, download_date = $12, downloaded_format = $13,
			downloaded_height = $14, downloaded_width = $15,
			downloaded_video_codec = $16, downloaded_audio_codec = $17,
			downloaded_container = $18, downloaded_fps = $19, downloaded_hdr = $20,
			downloaded_filesize = $21, media_file = $22
		WHERE id = $1`
	_, err := r.db.Exec(query,
		m.ID, m.PublishedAt, m.Title, m.Duration,
		m.ThumbPath, m.ThumbWidth, m.ThumbHeight,
		m.CanDownload, m.Skip, m.ManualSkip,
		m.Downloaded, m.DownloadDate, m.DownloadedFormat,
		m.DownloadedHeight, m.DownloadedWidth,
		m.DownloadedVideoCodec, m.DownloadedAudioCodec,
		m.DownloadedContainer, m.DownloadedFPS, m.DownloadedHDR,
		m.DownloadedFilesize, m.MediaFile,
	)
	return err
}

// checkDownloadedFile enforces the on-disk invariant for downloaded media.
func (r *MediaRepository) checkDownloadedFile(m *models.Media) {
	if !m.Downloaded || m.MediaFile == nil {
		return
	}
	full := filepath.Join(r.downloadRoot, *m.MediaFile)
	info, err := os.Stat(full)
	ok := err == nil
	if ok && m.DownloadedFilesize != nil && info.Size() != *m.DownloadedFilesize {
		ok = false
	}
	if !ok {
		log.Printf("media: downloaded file missing or changed for %s (%s), resetting", m.Key, full)
		m.Downloaded = false
		m.DownloadDate = nil
		m.DownloadedFilesize = nil
		m.MediaFile = nil
		m.ManualSkip = true
		m.Skip = true
	}
}

// BulkSave writes a batch of media rows in a single transaction. The
// indexer flushes every MediaBatchSize rows.
func (r *MediaRepository) BulkSave(batch []*models.Media) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE media SET published_at = $2, title = $3, duration = $4, skip = $5, can_download = $6 WHERE id = $1`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range batch {
		if _, err := stmt.Exec(m.ID, m.PublishedAt, m.Title, m.Duration, m.Skip, m.CanDownload); err != nil {
			return fmt.Errorf("bulk save media %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (r *MediaRepository) ListBySource(sourceID uuid.UUID) ([]*models.Media, error) {
	query := `SELECT ` + mediaColumns + ` FROM media WHERE source_id = $1
		ORDER BY published_at NULLS LAST, created_at, key`
	return r.queryMedia(query, sourceID)
}

// ListSiblingsWithMetadata returns the source's media that have a linked
// metadata row, in (published_at, created_at, key) order. This is the
// ordering that the video_order template variable is computed from.
func (r *MediaRepository) ListSiblingsWithMetadata(sourceID uuid.UUID) ([]*models.Media, error) {
	query := `SELECT ` + mediaColumns + ` FROM media
		WHERE source_id = $1
		  AND EXISTS (SELECT 1 FROM metadata WHERE metadata.media_id = media.id)
		ORDER BY published_at NULLS LAST, created_at, key`
	return r.queryMedia(query, sourceID)
}

// ListDownloadedBefore returns downloaded media older than the cutoff, for
// retention.
func (r *MediaRepository) ListDownloadedBefore(sourceID uuid.UUID, cutoff time.Time) ([]*models.Media, error) {
	query := `SELECT ` + mediaColumns + ` FROM media
		WHERE source_id = $1 AND downloaded = TRUE AND download_date < $2`
	return r.queryMedia(query, sourceID, cutoff)
}

// ListGoneFromSource returns media whose remote key was not observed in the
// latest index run.
func (r *MediaRepository) ListGoneFromSource(sourceID uuid.UUID, observedKeys []string) ([]*models.Media, error) {
	if len(observedKeys) == 0 {
		return r.ListBySource(sourceID)
	}
	keys := make(map[string]struct{}, len(observedKeys))
	for _, k := range observedKeys {
		keys[k] = struct{}{}
	}
	all, err := r.ListBySource(sourceID)
	if err != nil {
		return nil, err
	}
	var gone []*models.Media
	for _, m := range all {
		if _, ok := keys[m.Key]; !ok {
			gone = append(gone, m)
		}
	}
	return gone, nil
}

// ListUpcomingPremieres returns media manually skipped with a premiere
// placeholder title, for the hourly promoter.
func (r *MediaRepository) ListUpcomingPremieres() ([]*models.Media, error) {
	query := `SELECT ` + mediaColumns + ` FROM media
		WHERE manual_skip = TRUE AND downloaded = FALSE AND title LIKE 'Premieres in %'`
	return r.queryMedia(query)
}

func (r *MediaRepository) Delete(id uuid.UUID) error {
	_, err := r.db.Exec(`DELETE FROM media WHERE id = $1`, id)
	return err
}

func (r *MediaRepository) queryMedia(query string, args ...interface{}) ([]*models.Media, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
