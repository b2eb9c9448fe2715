package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/extractor"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/repository"
	"github.com/fetcharr/fetcharr/internal/retention"
)

type IndexHandler struct {
	repos     Repos
	ex        *extractor.Extractor
	queue     *Queue
	cfg       *config.Config
	retention *retention.Service
	notifier  EventNotifier
}

func NewIndexHandler(repos Repos, ex *extractor.Extractor, q *Queue, cfg *config.Config,
	ret *retention.Service, notifier EventNotifier) *IndexHandler {
	return &IndexHandler{repos: repos, ex: ex, queue: q, cfg: cfg, retention: ret, notifier: notifier}
}

func (h *IndexHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
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
	if !source.IsActive() {
		log.Printf("Job: source %q no longer indexes, skipping", source.Name)
		return nil
	}

	// Another indexer already owns this source.
	lock, err := h.repos.Locks.TryAcquire(repository.ScopeSource, sourceID)
	if errors.Is(err, repository.ErrLocked) {
		log.Printf("Job: source %q is locked by another indexer", source.Name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire source lock: %w", err)
	}
	defer lock.Release()

	now := time.Now()
	if err := h.repos.Sources.SetTargetSchedule(sourceID, source.NextTargetSchedule(now)); err != nil {
		return fmt.Errorf("advance target schedule: %w", err)
	}
	if err := h.repos.Sources.SetHasFailed(sourceID, false); err != nil {
		return fmt.Errorf("clear failure flag: %w", err)
	}

	since := ""
	if source.DownloadCap > 0 {
		since = now.Add(-source.DownloadCap).Format("20060102")
	}

	log.Printf("Job: indexing source %q", source.Name)
	if h.notifier != nil {
		h.notifier.Broadcast("index:start", map[string]string{"source_id": p.SourceID, "name": source.Name})
	}

	items, err := h.ex.ListItems(ctx, source, since)
	if errors.Is(err, extractor.ErrNoMedia) {
		h.repos.Sources.SetHasFailed(sourceID, true)
		return fmt.Errorf("source %q returned no media: %w", source.Name, asynq.SkipRetry)
	}
	if err != nil {
		if errors.Is(err, extractor.ErrRateLimited) {
			h.queue.NoteRateLimited()
		}
		return fmt.Errorf("list items: %w", err)
	}
	if err := h.repos.Sources.SetLastCrawl(sourceID, now); err != nil {
		log.Printf("Job: record last crawl for %q: %v", source.Name, err)
	}

	observed := make([]string, 0, len(items))
	mediaBatch := make([]*models.Media, 0, repository.MediaBatchSize)
	metaBatch := make(map[string]models.MetadataValue, repository.MetadataBatchSize)
	var lastBroadcast time.Time

	flush := func() error {
		if len(mediaBatch) > 0 {
			if err := h.repos.Media.BulkSave(mediaBatch); err != nil {
				return fmt.Errorf("flush media batch: %w", err)
			}
			mediaBatch = mediaBatch[:0]
		}
		if len(metaBatch) > 0 {
			if err := h.repos.Metadata.BulkUpsertShallow(sourceID, extractor.Site, metaBatch); err != nil {
				return fmt.Errorf("flush metadata batch: %w", err)
			}
			metaBatch = make(map[string]models.MetadataValue, repository.MetadataBatchSize)
		}
		return nil
	}

	for n, item := range items {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		defaults := &models.Media{Title: item.Title, Duration: item.Duration}
		if item.Timestamp > 0 {
			at := time.Unix(item.Timestamp, 0).UTC()
			defaults.PublishedAt = &at
		}
		m, created, err := h.repos.Media.GetOrCreate(sourceID, item.Key, defaults)
		if err != nil {
			return fmt.Errorf("upsert media %s: %w", item.Key, err)
		}
		observed = append(observed, item.Key)

		m.Title = item.Title
		if item.Duration > 0 {
			m.Duration = item.Duration
		}
		if defaults.PublishedAt != nil {
			m.PublishedAt = defaults.PublishedAt
		}
		mediaBatch = append(mediaBatch, m)

		metaBatch[item.Key] = models.MetadataValue{
			"title":         item.Title,
			"duration":      item.Duration,
			"timestamp":     item.Timestamp,
			"extractor_key": item.ExtractorKey,
		}

		if len(mediaBatch) >= repository.MediaBatchSize || len(metaBatch) >= repository.MetadataBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}

		h.enqueueFollowups(source, m, created)

		if now := time.Now(); now.Sub(lastBroadcast) >= 500*time.Millisecond || n == len(items)-1 {
			lastBroadcast = now
			verbose := fmt.Sprintf("%d/%d", n+1, len(items))
			h.queue.SetVerbose(ctx, verbose)
			if h.notifier != nil {
				h.notifier.Broadcast("index:progress", map[string]interface{}{
					"source_id": p.SourceID, "current": n + 1, "total": len(items),
				})
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if removed, err := h.retention.ReconcileRemoved(source, observed); err != nil {
		log.Printf("Job: reconcile removed media for %q: %v", source.Name, err)
	} else if removed > 0 {
		log.Printf("Job: removed %d media gone from %q", removed, source.Name)
	}

	if _, err := h.queue.EnqueueUnique(TaskSaveAllMedia, SourcePayload{SourceID: p.SourceID},
		"save-all:"+p.SourceID, asynq.Queue(QueueDB), asynq.Timeout(time.Hour)); err != nil {
		log.Printf("Job: enqueue save-all for %q: %v", source.Name, err)
	}

	log.Printf("Job: indexed %d items for source %q", len(items), source.Name)
	if h.notifier != nil {
		h.notifier.Broadcast("index:complete", map[string]interface{}{
			"source_id": p.SourceID, "total": len(items),
		})
	}
	return nil
}

// enqueueFollowups schedules metadata and thumbnail fetches for one item.
// Sources that do not download get their metadata later; the queue drops
// duplicate enqueues by task id.
func (h *IndexHandler) enqueueFollowups(source *models.Source, m *models.Media, created bool) {
	opts := []asynq.Option{asynq.Queue(QueueLimit), asynq.MaxRetry(5), asynq.Timeout(10 * time.Minute)}
	if !source.DownloadMedia {
		opts = append(opts, asynq.ProcessIn(5*time.Minute))
	}
	if _, err := h.queue.EnqueueUnique(TaskDownloadMetadata, MediaPayload{MediaID: m.ID.String()},
		"metadata:"+m.ID.String(), opts...); err != nil {
		log.Printf("Job: enqueue metadata for %s: %v", m.Key, err)
	}

	if !created {
		return
	}
	for i, url := range extractor.ThumbnailURLs(m.Key) {
		if _, err := h.queue.EnqueueUnique(TaskDownloadThumbnail,
			ThumbnailPayload{MediaID: m.ID.String(), URL: url},
			fmt.Sprintf("thumbnail:%s:%d", m.ID, i),
			asynq.Queue(QueueNet), asynq.MaxRetry(2), asynq.ProcessIn(time.Duration(i)*30*time.Second)); err != nil {
			log.Printf("Job: enqueue thumbnail for %s: %v", m.Key, err)
		}
	}
}
