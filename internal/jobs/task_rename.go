package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/naming"
	"github.com/fetcharr/fetcharr/internal/repository"
)

// SaveAllHandler recomputes derived media flags for a whole source and
// relocates downloaded files whose templated path has drifted.
type SaveAllHandler struct {
	repos    Repos
	engine   *naming.Engine
	queue    *Queue
	cfg      *config.Config
	notifier EventNotifier
}

func NewSaveAllHandler(repos Repos, engine *naming.Engine, q *Queue, cfg *config.Config, notifier EventNotifier) *SaveAllHandler {
	return &SaveAllHandler{repos: repos, engine: engine, queue: q, cfg: cfg, notifier: notifier}
}

func (h *SaveAllHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p SourcePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	sourceID, err := uuid.Parse(p.SourceID)
	if err != nil {
		return fmt.Errorf("bad source id %q: %w", p.SourceID, asynq.SkipRetry)
	}

	source, err := h.repos.Sources.GetByID(sourceID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("source %s is gone: %w", p.SourceID, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("get source: %w", err)
	}
	if source.IsDeleting() {
		return nil
	}

	lock, err := h.repos.Locks.TryAcquireName(repository.ScopeGlobal, "save_all_media_for_source:"+p.SourceID)
	if errors.Is(err, repository.ErrLocked) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Release()

	all, err := h.repos.Media.ListBySource(sourceID)
	if err != nil {
		return fmt.Errorf("list media: %w", err)
	}
	siblings, err := h.repos.Media.ListSiblingsWithMetadata(sourceID)
	if err != nil {
		return fmt.Errorf("list siblings: %w", err)
	}
	withMeta := make(map[uuid.UUID]bool, len(siblings))
	for _, m := range siblings {
		withMeta[m.ID] = true
	}

	renameOK := h.cfg.RenameEnabled(source.Directory)
	now := time.Now()
	renamed := 0
	for n, m := range all {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.Skip = m.ComputeSkip(source, withMeta[m.ID], now, titleMatches)

		if renameOK && m.Downloaded && m.MediaFile != nil {
			moved, err := h.relocate(source, m, siblings)
			if err != nil {
				log.Printf("Job: relocate %s: %v", m.Key, err)
			} else if moved {
				renamed++
			}
		}

		if err := h.repos.Media.Save(m); err != nil {
			log.Printf("Job: save media %s: %v", m.Key, err)
		}
		if n%25 == 24 || n == len(all)-1 {
			h.queue.SetVerbose(ctx, fmt.Sprintf("%d/%d", n+1, len(all)))
		}
	}

	if renamed > 0 {
		log.Printf("Job: relocated %d media files for source %q", renamed, source.Name)
	}
	if h.notifier != nil {
		h.notifier.Broadcast("source:saved", map[string]interface{}{
			"source_id": p.SourceID, "media": len(all), "renamed": renamed,
		})
	}
	return nil
}

// relocate moves one downloaded file to its current templated path. Holds
// the media advisory lock for the move; a held lock skips the media until
// the next pass.
func (h *SaveAllHandler) relocate(source *models.Source, m *models.Media, siblings []*models.Media) (bool, error) {
	meta, err := h.repos.Metadata.GetByMedia(m.ID)
	if err != nil {
		return false, fmt.Errorf("get metadata: %w", err)
	}

	var formatValue models.FormatValue
	if m.DownloadedHeight != nil || m.DownloadedVideoCodec != nil || m.DownloadedAudioCodec != nil {
		formatValue = downloadedFormatValue(m)
	}
	order := naming.VideoOrder(source, siblings, m)
	vars := naming.MediaVars(source, m, meta.Value, formatValue, order)

	abs, rel, err := h.engine.MediaPath(source, vars)
	if err != nil {
		return false, err
	}
	// Keep the container the file actually has.
	if m.DownloadedContainer != nil {
		ext := "." + *m.DownloadedContainer
		if filepath.Ext(abs) != ext {
			abs = strings.TrimSuffix(abs, filepath.Ext(abs)) + ext
			rel = strings.TrimSuffix(rel, filepath.Ext(rel)) + ext
		}
	}

	oldAbs := filepath.Join(h.engine.Root, *m.MediaFile)
	if oldAbs == abs {
		return false, nil
	}

	lock, err := h.repos.Locks.TryAcquire(repository.ScopeMedia, m.ID)
	if errors.Is(err, repository.ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer lock.Release()

	sourceDir, err := h.engine.SourceDir(source)
	if err != nil {
		return false, err
	}
	usesKey := strings.Contains(h.engine.Template(source), "{key}")
	moved, err := naming.Relocate(sourceDir, oldAbs, abs, m.Key, usesKey)
	if err != nil {
		return false, err
	}

	m.MediaFile = &rel
	m.Skip = false

	// A moved thumbnail invalidates the NFO's embedded reference.
	if source.WriteNFO {
		for _, dst := range moved {
			if filepath.Ext(dst) == ".jpg" {
				if err := naming.RewriteNFOThumb(naming.NFOPath(abs), filepath.Base(dst)); err != nil {
					log.Printf("Job: rewrite nfo thumb for %s: %v", m.Key, err)
				}
				break
			}
		}
	}
	return true, nil
}

// downloadedFormatValue reconstructs a format map from the downloaded_*
// columns so templates render against what is actually on disk.
func downloadedFormatValue(m *models.Media) models.FormatValue {
	v := models.FormatValue{}
	if m.DownloadedHeight != nil {
		v["height"] = *m.DownloadedHeight
	}
	if m.DownloadedWidth != nil {
		v["width"] = *m.DownloadedWidth
	}
	if m.DownloadedFPS != nil {
		v["fps"] = *m.DownloadedFPS
	}
	if m.DownloadedVideoCodec != nil {
		v["vcodec"] = *m.DownloadedVideoCodec
	}
	if m.DownloadedAudioCodec != nil {
		v["acodec"] = *m.DownloadedAudioCodec
	}
	v["is_hdr"] = m.DownloadedHDR
	return v
}
