package repository

import (
	"database/sql"

	"github.com/google/uuid"
)

// MediaServerRecord is one configured media server to notify after
// downloads. The adapter for its server_type lives in internal/mediaserver.
type MediaServerRecord struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ServerType  string    `json:"server_type" db:"server_type"`
	URL         string    `json:"url" db:"url"`
	Token       string    `json:"token" db:"token"`
	Libraries   string    `json:"libraries" db:"libraries"` // comma-separated library ids
	VerifyHTTPS bool      `json:"verify_https" db:"verify_https"`
}

type MediaServerRepository struct {
	db *sql.DB
}

func NewMediaServerRepository(db *sql.DB) *MediaServerRepository {
	return &MediaServerRepository{db: db}
}

func (r *MediaServerRepository) List() ([]*MediaServerRecord, error) {
	rows, err := r.db.Query(`SELECT id, server_type, url, token, libraries, verify_https FROM media_servers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*MediaServerRecord
	for rows.Next() {
		s := &MediaServerRecord{}
		if err := rows.Scan(&s.ID, &s.ServerType, &s.URL, &s.Token, &s.Libraries, &s.VerifyHTTPS); err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func (r *MediaServerRepository) GetByID(id uuid.UUID) (*MediaServerRecord, error) {
	s := &MediaServerRecord{}
	err := r.db.QueryRow(`SELECT id, server_type, url, token, libraries, verify_https FROM media_servers WHERE id = $1`, id).
		Scan(&s.ID, &s.ServerType, &s.URL, &s.Token, &s.Libraries, &s.VerifyHTTPS)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}
