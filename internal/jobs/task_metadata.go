package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/extractor"
	"github.com/fetcharr/fetcharr/internal/matcher"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/repository"
)

// titleMatches is the text filter predicate: case-insensitive substring.
func titleMatches(pattern, title string) bool {
	return strings.Contains(strings.ToLower(title), strings.ToLower(pattern))
}

type MetadataHandler struct {
	repos    Repos
	ex       *extractor.Extractor
	queue    *Queue
	cfg      *config.Config
	notifier EventNotifier
	refresh  bool
}

func NewMetadataHandler(repos Repos, ex *extractor.Extractor, q *Queue, cfg *config.Config, notifier EventNotifier, refresh bool) *MetadataHandler {
	return &MetadataHandler{repos: repos, ex: ex, queue: q, cfg: cfg, notifier: notifier, refresh: refresh}
}

func (h *MetadataHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p MediaPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	mediaID, err := uuid.Parse(p.MediaID)
	if err != nil {
		return fmt.Errorf("bad media id %q: %w", p.MediaID, asynq.SkipRetry)
	}

	m, err := h.repos.Media.GetByID(mediaID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("media %s is gone: %w", p.MediaID, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("get media: %w", err)
	}
	source, err := h.repos.Sources.GetByID(m.SourceID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("source for media %s is gone: %w", m.Key, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("get source: %w", err)
	}

	// Hold the metadata rewrite lock so readers reschedule instead of
	// seeing a half-written format set.
	lock, err := h.repos.Locks.TryAcquire(repository.ScopeIndexMedia, mediaID)
	if errors.Is(err, repository.ErrLocked) {
		return fmt.Errorf("metadata for %s is being rewritten: %w", m.Key, repository.ErrLocked)
	}
	if err != nil {
		return fmt.Errorf("acquire metadata lock: %w", err)
	}
	defer lock.Release()

	if err := h.queue.WaitRateLimit(ctx); err != nil {
		return err
	}

	value, formats, err := h.ex.FetchDetails(ctx, extractor.WatchURL(m.Key))
	if err != nil {
		return h.routeFetchError(m, err)
	}

	if h.cfg.ShrinkMetadata {
		value.Shrink()
	}
	h.carryFailedFormats(mediaID, value)

	if _, err := h.repos.Metadata.Ingest(mediaID, extractor.Site, m.Key, value, formats); err != nil {
		return fmt.Errorf("ingest metadata: %w", err)
	}

	// Refresh the denormalized columns from the fresh blob.
	if title := value.Title(); title != "" {
		m.Title = title
	}
	if d := value.Duration(); d > 0 {
		m.Duration = d
	}
	if at, ok := value.Timestamp(); ok {
		m.PublishedAt = &at
	}
	m.CanDownload = len(formats) > 0
	m.Skip = m.ComputeSkip(source, true, time.Now(), titleMatches)
	if err := h.repos.Media.Save(m); err != nil {
		return fmt.Errorf("save media: %w", err)
	}

	if h.notifier != nil {
		h.notifier.Broadcast("metadata:complete", map[string]interface{}{
			"media_id": p.MediaID, "key": m.Key, "formats": len(formats),
		})
	}

	if source.DownloadMedia && !m.Skip {
		switch {
		case !m.Downloaded:
			h.enqueueDownload(p.MediaID, m.Key, false)
		case h.refresh && h.upgradeAvailable(source, m, value, formats):
			// A taller matched format appeared since the original
			// download; force the replacement past the already-downloaded
			// guard.
			log.Printf("Job: taller format available for %s, replacing download", m.Key)
			h.enqueueDownload(p.MediaID, m.Key, true)
		}
	}
	return nil
}

func (h *MetadataHandler) enqueueDownload(mediaID, key string, override bool) {
	opts := []asynq.Option{asynq.Queue(QueueLimit), asynq.MaxRetry(8), asynq.Timeout(4 * time.Hour)}
	if _, err := h.queue.EnqueueUnique(TaskDownloadMedia, DownloadPayload{MediaID: mediaID, Override: override},
		"download:"+mediaID, opts...); err != nil {
		log.Printf("Job: enqueue download for %s: %v", key, err)
	}
}

// upgradeAvailable reports whether the fresh format set matches a taller
// video than the one on disk.
func (h *MetadataHandler) upgradeAvailable(source *models.Source, m *models.Media, value models.MetadataValue, formats []models.FormatValue) bool {
	if m.DownloadedHeight == nil {
		return false
	}
	policy := matcher.PolicyFor(source, h.cfg.HDCutoffHeight, h.cfg.MinFallbackHeight, h.cfg.EnglishLangs)
	policy.Exclude = value.FailedFormats()
	chosen, ok := matcher.Choose(policy, formats)
	if !ok || chosen.Video == nil {
		return false
	}
	return chosen.Video.Height() > *m.DownloadedHeight
}

// routeFetchError maps extractor failures onto media state and retry
// semantics.
func (h *MetadataHandler) routeFetchError(m *models.Media, err error) error {
	var premiere *extractor.PremiereError
	switch {
	case errors.As(err, &premiere):
		m.Title = models.PremiereTitle(premiere.ETA)
		m.ManualSkip = true
		m.Skip = true
		if saveErr := h.repos.Media.Save(m); saveErr != nil {
			return fmt.Errorf("record premiere state: %w", saveErr)
		}
		log.Printf("Job: media %s premieres later, parked until broadcast", m.Key)
		return fmt.Errorf("media %s has not premiered yet: %w", m.Key, asynq.SkipRetry)

	case errors.Is(err, extractor.ErrRateLimited):
		h.queue.NoteRateLimited()
		return err

	case errors.Is(err, extractor.ErrPermanent), errors.Is(err, extractor.ErrNoMedia):
		m.Skip = true
		if saveErr := h.repos.Media.Save(m); saveErr != nil {
			return fmt.Errorf("record permanent failure: %w", saveErr)
		}
		return fmt.Errorf("metadata for %s unavailable: %v: %w", m.Key, err, asynq.SkipRetry)

	default:
		return fmt.Errorf("fetch details for %s: %w", m.Key, err)
	}
}

// carryFailedFormats keeps the record of format ids that failed at download
// time across metadata rewrites so the matcher still avoids them.
func (h *MetadataHandler) carryFailedFormats(mediaID uuid.UUID, value models.MetadataValue) {
	existing, err := h.repos.Metadata.GetByMedia(mediaID)
	if err != nil || existing == nil {
		return
	}
	for _, id := range existing.Value.FailedFormats() {
		value.RecordFailedFormat(id)
	}
}

// ──────────────────── Thumbnail fetch ────────────────────

// Thumbnails below this width are the site's placeholder for a missing
// variant.
const minThumbWidth = 150

type ThumbnailHandler struct {
	repos  Repos
	cfg    *config.Config
	client *http.Client
}

func NewThumbnailHandler(repos Repos, cfg *config.Config) *ThumbnailHandler {
	return &ThumbnailHandler{
		repos:  repos,
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *ThumbnailHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p ThumbnailPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	mediaID, err := uuid.Parse(p.MediaID)
	if err != nil {
		return fmt.Errorf("bad media id %q: %w", p.MediaID, asynq.SkipRetry)
	}

	m, err := h.repos.Media.GetByID(mediaID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get media: %w", err)
	}
	// First successful variant wins; the candidates arrive in preference
	// order.
	if m.ThumbPath != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build thumbnail request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("thumbnail variant %s does not exist: %w", p.URL, asynq.SkipRetry)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch thumbnail: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read thumbnail: %w", err)
	}
	dims, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode thumbnail %s: %v: %w", p.URL, err, asynq.SkipRetry)
	}
	if dims.Width < minThumbWidth {
		return fmt.Errorf("thumbnail %s is a placeholder (%dx%d): %w", p.URL, dims.Width, dims.Height, asynq.SkipRetry)
	}

	dir := filepath.Join(h.cfg.CacheDir, "thumbs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create thumbs dir: %w", err)
	}
	path := filepath.Join(dir, m.Key+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write thumbnail: %w", err)
	}

	m.ThumbPath = &path
	m.ThumbWidth = dims.Width
	m.ThumbHeight = dims.Height
	if err := h.repos.Media.Save(m); err != nil {
		return fmt.Errorf("save media: %w", err)
	}
	log.Printf("Job: stored %dx%d thumbnail for %s", dims.Width, dims.Height, m.Key)
	return nil
}
