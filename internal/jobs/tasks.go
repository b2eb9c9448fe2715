package jobs

import (
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/extractor"
	"github.com/fetcharr/fetcharr/internal/mediaserver"
	"github.com/fetcharr/fetcharr/internal/naming"
	"github.com/fetcharr/fetcharr/internal/repository"
	"github.com/fetcharr/fetcharr/internal/retention"
)

const (
	TaskIndexSource       = "source:index"
	TaskDeleteSource      = "source:teardown"
	TaskDownloadMetadata  = "media:metadata"
	TaskRefreshFormats    = "media:refresh-formats"
	TaskDownloadThumbnail = "media:thumbnail"
	TaskDownloadMedia     = "media:download"
	TaskSaveAllMedia      = "media:save-all"
	TaskNotifyServer      = "server:notify"
)

// ──────── Payloads ────────

type SourcePayload struct {
	SourceID string `json:"source_id"`
}

type MediaPayload struct {
	MediaID string `json:"media_id"`
}

type DownloadPayload struct {
	MediaID  string `json:"media_id"`
	Override bool   `json:"override,omitempty"`
}

type ThumbnailPayload struct {
	MediaID string `json:"media_id"`
	URL     string `json:"url"`
}

type NotifyPayload struct {
	ServerID string `json:"server_id"`
}

type EventNotifier interface {
	Broadcast(event string, data interface{})
}

// Repos bundles the store handles every handler shares.
type Repos struct {
	Sources  *repository.SourceRepository
	Media    *repository.MediaRepository
	Metadata *repository.MetadataRepository
	Servers  *repository.MediaServerRepository
	Locks    *repository.LockRepository
}

// ──────── Register all handlers ────────

func RegisterHandlers(q *Queue, repos Repos, ex *extractor.Extractor, engine *naming.Engine,
	servers *mediaserver.Registry, ret *retention.Service, cfg *config.Config, notifier EventNotifier) {

	q.RegisterHandler(TaskIndexSource, NewIndexHandler(repos, ex, q, cfg, ret, notifier))
	q.RegisterHandler(TaskDeleteSource, NewDeleteSourceHandler(repos, engine, q, notifier))
	q.RegisterHandler(TaskDownloadMetadata, NewMetadataHandler(repos, ex, q, cfg, notifier, false))
	q.RegisterHandler(TaskRefreshFormats, NewMetadataHandler(repos, ex, q, cfg, notifier, true))
	q.RegisterHandler(TaskDownloadThumbnail, NewThumbnailHandler(repos, cfg))
	q.RegisterHandler(TaskDownloadMedia, NewDownloadHandler(repos, ex, engine, q, cfg, notifier))
	q.RegisterHandler(TaskSaveAllMedia, NewSaveAllHandler(repos, engine, q, cfg, notifier))
	q.RegisterHandler(TaskNotifyServer, NewNotifyHandler(repos, servers))
}
