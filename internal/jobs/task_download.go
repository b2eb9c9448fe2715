package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
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
	"github.com/fetcharr/fetcharr/internal/naming"
	"github.com/fetcharr/fetcharr/internal/repository"
)

type DownloadHandler struct {
	repos    Repos
	ex       *extractor.Extractor
	engine   *naming.Engine
	queue    *Queue
	cfg      *config.Config
	notifier EventNotifier

	// slots caps the in-flight extractor downloads across all workers.
	slots chan struct{}
}

func NewDownloadHandler(repos Repos, ex *extractor.Extractor, engine *naming.Engine,
	q *Queue, cfg *config.Config, notifier EventNotifier) *DownloadHandler {
	inflight := cfg.MaxDownloads
	if inflight < 1 {
		inflight = 1
	}
	return &DownloadHandler{
		repos: repos, ex: ex, engine: engine, queue: q, cfg: cfg, notifier: notifier,
		slots: make(chan struct{}, inflight),
	}
}

// acquireSlot blocks until an in-flight download slot frees up or the task
// is cancelled.
func acquireSlot(ctx context.Context, slots chan struct{}) error {
	select {
	case slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *DownloadHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p DownloadPayload
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

	meta, err := h.repos.Metadata.GetByMedia(mediaID)
	if errors.Is(err, repository.ErrNotFound) {
		meta = nil
	} else if err != nil {
		return fmt.Errorf("get metadata: %w", err)
	}

	if err := h.checkPreconditions(source, m, meta, p.Override); err != nil {
		return err
	}

	// A metadata rewrite in flight means the format set is changing under
	// us; come back later.
	if probe, err := h.repos.Locks.TryAcquire(repository.ScopeIndexMedia, mediaID); err == nil {
		probe.Release()
	} else if errors.Is(err, repository.ErrLocked) {
		return fmt.Errorf("metadata for %s is being rewritten: %w", m.Key, repository.ErrLocked)
	} else {
		return fmt.Errorf("probe metadata lock: %w", err)
	}

	lock, err := h.repos.Locks.TryAcquire(repository.ScopeMedia, mediaID)
	if errors.Is(err, repository.ErrLocked) {
		return fmt.Errorf("media %s is locked: %w", m.Key, repository.ErrLocked)
	}
	if err != nil {
		return fmt.Errorf("acquire media lock: %w", err)
	}
	defer lock.Release()

	if err := h.queue.WaitRateLimit(ctx); err != nil {
		return err
	}

	formats, err := h.loadFormats(meta)
	if err != nil {
		return err
	}

	policy := matcher.PolicyFor(source, h.cfg.HDCutoffHeight, h.cfg.MinFallbackHeight, h.cfg.EnglishLangs)
	policy.Exclude = meta.Value.FailedFormats()
	chosen, ok := matcher.Choose(policy, formats)
	if !ok {
		h.enqueueRefresh(p.MediaID, m.Key)
		return fmt.Errorf("no acceptable format for %s: %w", m.Key, extractor.ErrNoFormat)
	}

	abs, rel, err := h.targetPath(source, m, meta, chosen)
	if err != nil {
		return err
	}

	if err := acquireSlot(ctx, h.slots); err != nil {
		return err
	}
	log.Printf("Job: downloading %s as %s", m.Key, chosen.Selector)
	selector, container, err := h.ex.Download(ctx, h.downloadOptions(ctx, source, m, chosen, abs))
	<-h.slots
	if err != nil {
		return h.routeDownloadError(m, meta, p.MediaID, err)
	}

	// The muxer may pick a different container than the hint.
	finalAbs, finalRel := abs, rel
	if got := filepath.Ext(abs); got != "."+container {
		finalAbs = strings.TrimSuffix(abs, got) + "." + container
		finalRel = strings.TrimSuffix(rel, got) + "." + container
	}

	if err := h.recordDownload(m, chosen, selector, container, finalAbs, finalRel); err != nil {
		return err
	}
	h.writeSidecars(source, m, meta, finalAbs)

	if h.notifier != nil {
		h.notifier.Broadcast("download:complete", map[string]interface{}{
			"media_id": p.MediaID, "key": m.Key, "file": finalRel, "format": selector,
		})
	}

	h.enqueueFollowups(source, p.MediaID, chosen)
	return nil
}

// checkPreconditions rejects work that must never download, each with its
// own non-retryable reason.
func (h *DownloadHandler) checkPreconditions(source *models.Source, m *models.Media, meta *models.Metadata, override bool) error {
	switch {
	case !source.DownloadMedia && !override:
		return fmt.Errorf("source %q has downloads disabled: %w", source.Name, asynq.SkipRetry)
	case m.ManualSkip:
		return fmt.Errorf("media %s is manually skipped: %w", m.Key, asynq.SkipRetry)
	case meta == nil:
		return fmt.Errorf("media %s has no metadata yet: %w", m.Key, asynq.SkipRetry)
	case m.Downloaded && !override:
		return fmt.Errorf("media %s is already downloaded: %w", m.Key, asynq.SkipRetry)
	case m.OlderThanCap(source, time.Now()):
		return fmt.Errorf("media %s is older than the download cap: %w", m.Key, asynq.SkipRetry)
	}
	return nil
}

func (h *DownloadHandler) loadFormats(meta *models.Metadata) ([]models.FormatValue, error) {
	rows, err := h.repos.Metadata.ListFormats(meta.ID)
	if err != nil {
		return nil, fmt.Errorf("list formats: %w", err)
	}
	formats := make([]models.FormatValue, 0, len(rows))
	for _, f := range rows {
		formats = append(formats, f.Value)
	}
	return formats, nil
}

func (h *DownloadHandler) targetPath(source *models.Source, m *models.Media, meta *models.Metadata, chosen matcher.Chosen) (string, string, error) {
	siblings, err := h.repos.Media.ListSiblingsWithMetadata(source.ID)
	if err != nil {
		return "", "", fmt.Errorf("list siblings: %w", err)
	}
	order := naming.VideoOrder(source, siblings, m)

	fv := chosen.Video
	if fv == nil {
		fv = chosen.Audio
	}
	var formatValue models.FormatValue
	if fv != nil {
		formatValue = *fv
	}
	vars := naming.MediaVars(source, m, meta.Value, formatValue, order)
	abs, rel, err := h.engine.MediaPath(source, vars)
	if err != nil {
		return "", "", fmt.Errorf("resolve media path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", "", fmt.Errorf("create media dir: %w", err)
	}
	return abs, rel, nil
}

func (h *DownloadHandler) downloadOptions(ctx context.Context, source *models.Source, m *models.Media, chosen matcher.Chosen, abs string) extractor.DownloadOptions {
	var sponsor []string
	if source.EnableSponsorblock {
		sponsor = []string(source.SponsorblockCategories)
		if len(sponsor) == 0 {
			sponsor = h.cfg.SponsorCategories
		}
	}

	var lastVerbose time.Time
	return extractor.DownloadOptions{
		URL:            extractor.WatchURL(m.Key),
		FormatSelector: chosen.Selector,
		Container:      source.Extension(),
		OutputPath:     abs,
		EmbedMetadata:  source.EmbedMetadata,
		EmbedThumbnail: source.EmbedThumbnail,
		WriteSubtitles: source.WriteSubtitles,
		AutoSubtitles:  source.AutoSubtitles,
		SubLangs:       source.SubLangs,
		SponsorCategories: sponsor,
		Progress: func(percent float64, eta string) {
			if h.notifier != nil {
				h.notifier.Broadcast("download:progress", map[string]interface{}{
					"media_id": m.ID.String(), "key": m.Key, "percent": percent, "eta": eta,
				})
			}
			if now := time.Now(); now.Sub(lastVerbose) >= time.Second {
				lastVerbose = now
				h.queue.SetVerbose(ctx, fmt.Sprintf("%.0f%%", percent))
			}
		},
		Events: func(event, stage string) {
			if h.notifier != nil {
				h.notifier.Broadcast("download:"+event, map[string]string{
					"media_id": m.ID.String(), "key": m.Key, "stage": stage,
				})
			}
		},
	}
}

// routeDownloadError maps extractor failures onto media state and retry
// semantics.
func (h *DownloadHandler) routeDownloadError(m *models.Media, meta *models.Metadata, mediaID string, err error) error {
	var unavailable *extractor.FormatUnavailableError
	var premiere *extractor.PremiereError
	switch {
	case errors.As(err, &unavailable):
		meta.Value.RecordFailedFormat(unavailable.FormatID)
		if saveErr := h.repos.Metadata.SaveValue(meta.ID, meta.Value); saveErr != nil {
			log.Printf("Job: record failed format for %s: %v", m.Key, saveErr)
		}
		return fmt.Errorf("format %s unavailable for %s: %w", unavailable.FormatID, m.Key, err)

	case errors.Is(err, extractor.ErrNoFormat), errors.Is(err, extractor.ErrDownloadIncomplete):
		h.enqueueRefresh(mediaID, m.Key)
		return fmt.Errorf("download %s needs fresh formats: %w", m.Key, err)

	case errors.Is(err, extractor.ErrRateLimited):
		h.queue.NoteRateLimited()
		return err

	case errors.As(err, &premiere):
		m.Title = models.PremiereTitle(premiere.ETA)
		m.ManualSkip = true
		m.Skip = true
		if saveErr := h.repos.Media.Save(m); saveErr != nil {
			return fmt.Errorf("record premiere state: %w", saveErr)
		}
		return fmt.Errorf("media %s has not premiered yet: %w", m.Key, asynq.SkipRetry)

	case errors.Is(err, extractor.ErrPermanent):
		m.Skip = true
		if saveErr := h.repos.Media.Save(m); saveErr != nil {
			return fmt.Errorf("record permanent failure: %w", saveErr)
		}
		return fmt.Errorf("download %s failed permanently: %v: %w", m.Key, err, asynq.SkipRetry)

	default:
		return fmt.Errorf("download %s: %w", m.Key, err)
	}
}

// recordDownload fills the downloaded_* columns from the chosen formats and
// the produced file.
func (h *DownloadHandler) recordDownload(m *models.Media, chosen matcher.Chosen,
	selector, container, abs, rel string) error {

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat downloaded file: %w", err)
	}

	now := time.Now()
	size := info.Size()
	m.Downloaded = true
	m.DownloadDate = &now
	m.DownloadedFormat = &selector
	m.DownloadedContainer = &container
	m.DownloadedFilesize = &size
	m.MediaFile = &rel
	m.DownloadedHDR = false

	if v := chosen.Video; v != nil {
		if height := v.Height(); height > 0 {
			m.DownloadedHeight = &height
		}
		if width := v.Width(); width > 0 {
			m.DownloadedWidth = &width
		}
		if fps := v.FPS(); fps > 0 {
			m.DownloadedFPS = &fps
		}
		if codec := v.VideoCodec(); codec != "" {
			m.DownloadedVideoCodec = &codec
		}
		m.DownloadedHDR = v.IsHDR()
	}
	if a := chosen.Audio; a != nil {
		if codec := a.AudioCodec(); codec != "" {
			m.DownloadedAudioCodec = &codec
		}
	}

	if err := h.repos.Media.Save(m); err != nil {
		return fmt.Errorf("save media: %w", err)
	}
	log.Printf("Job: downloaded %s (%s, %d bytes)", m.Key, container, size)
	return nil
}

func (h *DownloadHandler) writeSidecars(source *models.Source, m *models.Media, meta *models.Metadata, abs string) {
	thumbName := ""
	if source.CopyThumbnails && m.ThumbPath != nil {
		if _, err := naming.CopyThumbnail(*m.ThumbPath, abs); err != nil {
			log.Printf("Job: copy thumbnail for %s: %v", m.Key, err)
		} else {
			thumbName = naming.ThumbName(abs)
		}
	}
	if source.WriteNFO {
		siblings, err := h.repos.Media.ListSiblingsWithMetadata(source.ID)
		episode := 0
		if err == nil {
			episode = naming.NFOEpisodeOrder(naming.VideoOrder(source, siblings, m))
		}
		if err := naming.WriteNFO(naming.NFOPath(abs), source, m, meta.Value, episode, thumbName); err != nil {
			log.Printf("Job: write nfo for %s: %v", m.Key, err)
		}
	}
	if source.WriteJSON {
		formats, err := h.loadFormats(meta)
		if err == nil {
			if _, err := naming.WriteInfoJSON(abs, meta.Value, formats); err != nil {
				log.Printf("Job: write info json for %s: %v", m.Key, err)
			}
		}
	}
}

func (h *DownloadHandler) enqueueRefresh(mediaID, key string) {
	if _, err := h.queue.EnqueueUnique(TaskRefreshFormats, MediaPayload{MediaID: mediaID},
		"refresh:"+mediaID, asynq.Queue(QueueLimit), asynq.MaxRetry(3), asynq.Timeout(10*time.Minute)); err != nil {
		log.Printf("Job: enqueue format refresh for %s: %v", key, err)
	}
}

// enqueueFollowups schedules the rename pass, the resolution upgrade probe,
// and media-server notifications after a successful download.
func (h *DownloadHandler) enqueueFollowups(source *models.Source, mediaID string, chosen matcher.Chosen) {
	if h.cfg.RenameEnabled(source.Directory) {
		if _, err := h.queue.EnqueueUnique(TaskSaveAllMedia, SourcePayload{SourceID: source.ID.String()},
			"save-all:"+source.ID.String(), asynq.Queue(QueueDB), asynq.ProcessIn(time.Minute)); err != nil {
			log.Printf("Job: enqueue rename pass for %q: %v", source.Name, err)
		}
	}

	// Non-exact picks get a delayed refresh so a later transcode at the
	// target height can replace them.
	if h.cfg.UpgradeResolution && !chosen.Exact {
		if _, err := h.queue.EnqueueUnique(TaskRefreshFormats, MediaPayload{MediaID: mediaID},
			"upgrade:"+mediaID, asynq.Queue(QueueLimit), asynq.ProcessIn(12*time.Hour), asynq.MaxRetry(1)); err != nil {
			log.Printf("Job: enqueue upgrade probe: %v", err)
		}
	}

	servers, err := h.repos.Servers.List()
	if err != nil {
		log.Printf("Job: list media servers: %v", err)
		return
	}
	for _, srv := range servers {
		if _, err := h.queue.EnqueueUnique(TaskNotifyServer, NotifyPayload{ServerID: srv.ID.String()},
			"notify:"+srv.ID.String(), asynq.Queue(QueueNet), asynq.ProcessIn(time.Minute)); err != nil {
			log.Printf("Job: enqueue server notify: %v", err)
		}
	}
}
