package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fetcharr/fetcharr/internal/models"
)

// MetadataBatchSize is how many shallow metadata rows the indexer writes
// per transaction.
const MetadataBatchSize = 50

type MetadataRepository struct {
	db *sql.DB
}

func NewMetadataRepository(db *sql.DB) *MetadataRepository {
	return &MetadataRepository{db: db}
}

const metadataColumns = `id, media_id, source_id, site, key, retrieved_at, uploaded_at, published_at, value`

// adoptShallowQuery links the indexer's stub row for the same remote item
// to its media. Scoped to the media's source: another source tracking the
// same (site, key) keeps its own stub, or the unique (media_id, site, key)
// index would reject the second adoption.
const adoptShallowQuery = `UPDATE metadata SET media_id = $1, source_id = NULL, value = $2, retrieved_at = $3, uploaded_at = $4, published_at = $5
	WHERE media_id IS NULL AND site = $6 AND key = $7
	  AND source_id = (SELECT source_id FROM media WHERE id = $1)`

func scanMetadata(row interface{ Scan(dest ...interface{}) error }) (*models.Metadata, error) {
	md := &models.Metadata{}
	err := row.Scan(&md.ID, &md.MediaID, &md.SourceID, &md.Site, &md.Key,
		&md.RetrievedAt, &md.UploadedAt, &md.PublishedAt, &md.Value)
	return md, err
}

func (r *MetadataRepository) GetByMedia(mediaID uuid.UUID) (*models.Metadata, error) {
	query := `SELECT ` + metadataColumns + ` FROM metadata WHERE media_id = $1`
	md, err := scanMetadata(r.db.QueryRow(query, mediaID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return md, err
}

func (r *MetadataRepository) HasMetadata(mediaID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM metadata WHERE media_id = $1)`, mediaID).Scan(&exists)
	return exists, err
}

// Ingest writes a full extractor result for a media in one transaction:
// the metadata row is upserted, its format children are rewritten so their
// numbers form a contiguous 1..k sequence in the order given, and any
// trailing rows beyond k are removed. A shallow source-attached row for the
// same (site, key) is adopted rather than duplicated.
func (r *MetadataRepository) Ingest(mediaID uuid.UUID, site, key string, value models.MetadataValue, formats []models.FormatValue) (*models.Metadata, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	uploadedAt, publishedAt := timestampsFromValue(value)

	md, err := scanMetadata(tx.QueryRow(`SELECT `+metadataColumns+` FROM metadata WHERE media_id = $1 AND site = $2 AND key = $3`, mediaID, site, key))
	switch err {
	case nil:
		md.Value = value
		md.RetrievedAt = time.Now().UTC()
		md.UploadedAt = uploadedAt
		md.PublishedAt = publishedAt
		_, err = tx.Exec(`UPDATE metadata SET value = $2, retrieved_at = $3, uploaded_at = $4, published_at = $5, source_id = NULL WHERE id = $1`,
			md.ID, md.Value, md.RetrievedAt, md.UploadedAt, md.PublishedAt)
		if err != nil {
			return nil, fmt.Errorf("update metadata: %w", err)
		}
	case sql.ErrNoRows:
		// Adopt the shallow row created during indexing, if any. Linking to
		// the media clears the detached source_id state.
		md = &models.Metadata{
			ID: uuid.New(), MediaID: &mediaID, Site: site, Key: key,
			RetrievedAt: time.Now().UTC(), UploadedAt: uploadedAt, PublishedAt: publishedAt,
			Value: value,
		}
		res, adoptErr := tx.Exec(adoptShallowQuery,
			mediaID, md.Value, md.RetrievedAt, md.UploadedAt, md.PublishedAt, site, key)
		if adoptErr != nil {
			return nil, fmt.Errorf("adopt metadata: %w", adoptErr)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			md2, err := scanMetadata(tx.QueryRow(`SELECT `+metadataColumns+` FROM metadata WHERE media_id = $1 AND site = $2 AND key = $3`, mediaID, site, key))
			if err != nil {
				return nil, err
			}
			md = md2
		} else {
			_, err = tx.Exec(`INSERT INTO metadata (id, media_id, site, key, retrieved_at, uploaded_at, published_at, value)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				md.ID, md.MediaID, md.Site, md.Key, md.RetrievedAt, md.UploadedAt, md.PublishedAt, md.Value)
			if err != nil {
				return nil, fmt.Errorf("insert metadata: %w", err)
			}
		}
	default:
		return nil, err
	}

	// Rewrite formats with contiguous numbering.
	for i, fv := range formats {
		number := i + 1
		res, err := tx.Exec(`UPDATE formats SET value = $4 WHERE metadata_id = $1 AND site = $2 AND key = $3 AND number = $5`,
			md.ID, site, key, fv, number)
		if err != nil {
			return nil, fmt.Errorf("update format %d: %w", number, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_, err = tx.Exec(`INSERT INTO formats (id, metadata_id, site, key, number, value) VALUES ($1, $2, $3, $4, $5, $6)`,
				uuid.New(), md.ID, site, key, number, fv)
			if err != nil {
				return nil, fmt.Errorf("insert format %d: %w", number, err)
			}
		}
	}
	if _, err := tx.Exec(`DELETE FROM formats WHERE metadata_id = $1 AND number > $2`, md.ID, len(formats)); err != nil {
		return nil, fmt.Errorf("trim formats: %w", err)
	}

	return md, tx.Commit()
}

// SaveValue rewrites just the metadata blob, used when recording failed
// format ids.
func (r *MetadataRepository) SaveValue(id uuid.UUID, value models.MetadataValue) error {
	_, err := r.db.Exec(`UPDATE metadata SET value = $2 WHERE id = $1`, id, value)
	return err
}

// UpsertShallow writes the indexer's source-attached metadata stub for a
// remote item before the media row is linked. Formats are not touched.
func (r *MetadataRepository) UpsertShallow(tx *sql.Tx, sourceID uuid.UUID, site, key string, value models.MetadataValue) error {
	uploadedAt, publishedAt := timestampsFromValue(value)
	res, err := tx.Exec(`UPDATE metadata SET value = $4, retrieved_at = $5, uploaded_at = $6, published_at = $7
		WHERE source_id = $1 AND site = $2 AND key = $3`,
		sourceID, site, key, value, time.Now().UTC(), uploadedAt, publishedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Skip the stub when a media-linked row already exists for this item.
	var exists bool
	if err := tx.QueryRow(`SELECT EXISTS (
		SELECT 1 FROM metadata JOIN media ON media.id = metadata.media_id
		WHERE media.source_id = $1 AND metadata.site = $2 AND metadata.key = $3)`,
		sourceID, site, key).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = tx.Exec(`INSERT INTO metadata (id, source_id, site, key, uploaded_at, published_at, value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), sourceID, site, key, uploadedAt, publishedAt, value)
	return err
}

// BulkUpsertShallow flushes a batch of indexer stubs in one transaction.
func (r *MetadataRepository) BulkUpsertShallow(sourceID uuid.UUID, site string, batch map[string]models.MetadataValue) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for key, value := range batch {
		if err := r.UpsertShallow(tx, sourceID, site, key, value); err != nil {
			return fmt.Errorf("upsert shallow metadata %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// ListFormats returns the format rows for a metadata row in number order.
func (r *MetadataRepository) ListFormats(metadataID uuid.UUID) ([]*models.Format, error) {
	rows, err := r.db.Query(`SELECT id, metadata_id, site, key, number, value FROM formats
		WHERE metadata_id = $1 ORDER BY site, key, number`, metadataID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var formats []*models.Format
	for rows.Next() {
		f := &models.Format{}
		if err := rows.Scan(&f.ID, &f.MetadataID, &f.Site, &f.Key, &f.Number, &f.Value); err != nil {
			return nil, err
		}
		formats = append(formats, f)
	}
	return formats, rows.Err()
}

func (r *MetadataRepository) DeleteByMedia(mediaID uuid.UUID) error {
	_, err := r.db.Exec(`DELETE FROM metadata WHERE media_id = $1`, mediaID)
	return err
}

func timestampsFromValue(value models.MetadataValue) (uploadedAt, publishedAt *time.Time) {
	if t, ok := value.UploadDate(); ok {
		uploadedAt = &t
	}
	if t, ok := value.Timestamp(); ok {
		publishedAt = &t
	}
	return uploadedAt, publishedAt
}
