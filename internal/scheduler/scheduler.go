// Package scheduler runs the periodic jobs: hourly source indexing,
// hourly premiere promotion, and daily housekeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/jobs"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/repository"
	"github.com/fetcharr/fetcharr/internal/retention"
)

type Scheduler struct {
	cron      *cron.Cron
	queue     *jobs.Queue
	repos     jobs.Repos
	tasks     *repository.TaskRepository
	retention *retention.Service
	cfg       *config.Config
}

func New(queue *jobs.Queue, repos jobs.Repos, tasks *repository.TaskRepository,
	ret *retention.Service, cfg *config.Config) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		queue:     queue,
		repos:     repos,
		tasks:     tasks,
		retention: ret,
		cfg:       cfg,
	}
}

// Start registers the periodic entries and begins firing them. Indexing
// runs just before the top of the hour so hour-snapped target schedules
// are already due when it fires.
func (s *Scheduler) Start() error {
	entries := []struct {
		spec string
		name string
		fn   func()
	}{
		{"59 * * * *", "schedule indexing", s.scheduleIndexing},
		{"40 * * * *", "promote premieres", s.promotePremieres},
		{"10 4 * * *", "daily housekeeping", s.housekeeping},
	}
	for _, e := range entries {
		if _, err := s.cron.AddFunc(e.spec, e.fn); err != nil {
			return fmt.Errorf("register %s: %w", e.name, err)
		}
	}
	s.cron.Start()
	log.Println("[scheduler] started")
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("[scheduler] stopped")
}

// scheduleIndexing enqueues an index task for every source whose cadence
// is due. Stale per-media locks from a crashed worker are cleared first so
// the new pass is not shut out of its own media.
func (s *Scheduler) scheduleIndexing() {
	now := time.Now()
	due, err := s.repos.Sources.ListDueForIndexing(now)
	if err != nil {
		log.Printf("[scheduler] list due sources: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	s.repos.Locks.ReleaseAll()

	for _, source := range due {
		if _, err := s.queue.EnqueueUnique(jobs.TaskIndexSource,
			jobs.SourcePayload{SourceID: source.ID.String()},
			"index:"+source.ID.String(),
			asynq.Queue(jobs.QueueNet),
			asynq.ProcessIn(30*time.Second),
			asynq.Deadline(now.Add(50*time.Minute)),
			asynq.Timeout(45*time.Minute),
			asynq.MaxRetry(2),
		); err != nil {
			log.Printf("[scheduler] enqueue index for %q: %v", source.Name, err)
			continue
		}
		log.Printf("[scheduler] scheduled indexing for %q", source.Name)
	}
}

// promotePremieres re-examines media parked with a premiere title. Items
// whose broadcast time has passed are un-skipped and sent back through the
// metadata pipeline; the rest get their countdown title refreshed.
func (s *Scheduler) promotePremieres() {
	parked, err := s.repos.Media.ListUpcomingPremieres()
	if err != nil {
		log.Printf("[scheduler] list premieres: %v", err)
		return
	}

	now := time.Now()
	for _, m := range parked {
		meta, err := s.repos.Metadata.GetByMedia(m.ID)
		if errors.Is(err, repository.ErrNotFound) {
			meta = nil
		} else if err != nil {
			log.Printf("[scheduler] premiere metadata for %s: %v", m.Key, err)
			continue
		}

		premiereAt, known := premiereTime(meta, m)
		if known && premiereAt.After(now) {
			if title := models.PremiereTitle(premiereAt.Sub(now)); title != m.Title {
				m.Title = title
				if err := s.repos.Media.Save(m); err != nil {
					log.Printf("[scheduler] refresh premiere title for %s: %v", m.Key, err)
				}
			}
			continue
		}

		// Past the broadcast time, or no time on record at all. Un-park
		// and re-run metadata: it either lands the full blob or re-parks
		// the item with a fresh countdown.
		m.ManualSkip = false
		m.Skip = false
		if meta != nil {
			if title := meta.Value.Title(); title != "" {
				m.Title = title
			}
		}
		if err := s.repos.Media.Save(m); err != nil {
			log.Printf("[scheduler] promote premiere %s: %v", m.Key, err)
			continue
		}
		if _, err := s.queue.EnqueueUnique(jobs.TaskDownloadMetadata,
			jobs.MediaPayload{MediaID: m.ID.String()},
			"metadata:"+m.ID.String(),
			asynq.Queue(jobs.QueueLimit), asynq.MaxRetry(5), asynq.Timeout(10*time.Minute),
		); err != nil {
			log.Printf("[scheduler] enqueue metadata for promoted %s: %v", m.Key, err)
			continue
		}
		log.Printf("[scheduler] premiere %s went live, re-queued", m.Key)
	}
}

// premiereTime is the best-known broadcast time for a parked media: the
// linked metadata blob when one landed, else the listing timestamp the
// indexer recorded. Items parked straight from a failed metadata fetch
// have no linked blob yet.
func premiereTime(meta *models.Metadata, m *models.Media) (time.Time, bool) {
	if meta != nil {
		if at, ok := meta.Value.Timestamp(); ok {
			return at, true
		}
	}
	if m.PublishedAt != nil {
		return *m.PublishedAt, true
	}
	return time.Time{}, false
}

// housekeeping prunes old task history and downloads past their source's
// keep window.
func (s *Scheduler) housekeeping() {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.TaskHistoryDays)
	if n, err := s.tasks.DeleteOlderThan(cutoff); err != nil {
		log.Printf("[scheduler] prune task history: %v", err)
	} else if n > 0 {
		log.Printf("[scheduler] pruned %d task history rows", n)
	}

	if err := s.retention.CleanupOldMedia(context.Background()); err != nil {
		log.Printf("[scheduler] cleanup old media: %v", err)
	}
}
