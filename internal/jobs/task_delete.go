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

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/naming"
	"github.com/fetcharr/fetcharr/internal/repository"
)

// ToBeRemovedSentinel authorizes recursive removal of a directory. Only
// directories carrying it are ever deleted wholesale.
const ToBeRemovedSentinel = ".to_be_removed"

// DeleteSourceHandler tears down a source that was already renamed out of
// the way: media rows go first, then the directory, then the source row.
type DeleteSourceHandler struct {
	repos    Repos
	engine   *naming.Engine
	queue    *Queue
	notifier EventNotifier
}

func NewDeleteSourceHandler(repos Repos, engine *naming.Engine, q *Queue, notifier EventNotifier) *DeleteSourceHandler {
	return &DeleteSourceHandler{repos: repos, engine: engine, queue: q, notifier: notifier}
}

func (h *DeleteSourceHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
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
		return nil
	}
	if err != nil {
		return fmt.Errorf("get source: %w", err)
	}
	if !source.IsDeleting() {
		return fmt.Errorf("source %q was not marked for deletion: %w", source.Name, asynq.SkipRetry)
	}

	lock, err := h.repos.Locks.TryAcquire(repository.ScopeSource, sourceID)
	if errors.Is(err, repository.ErrLocked) {
		return fmt.Errorf("source %q is locked: %w", source.Name, repository.ErrLocked)
	}
	if err != nil {
		return fmt.Errorf("acquire source lock: %w", err)
	}
	defer lock.Release()

	media, err := h.repos.Media.ListBySource(sourceID)
	if err != nil {
		return fmt.Errorf("list media: %w", err)
	}
	for n, m := range media {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := h.repos.Metadata.DeleteByMedia(m.ID); err != nil {
			log.Printf("Job: delete metadata for %s: %v", m.Key, err)
		}
		if err := h.repos.Media.Delete(m.ID); err != nil {
			return fmt.Errorf("delete media %s: %w", m.Key, err)
		}
		if n%50 == 49 || n == len(media)-1 {
			h.queue.SetVerbose(ctx, fmt.Sprintf("%d/%d", n+1, len(media)))
		}
	}

	// The directory still carries its pre-deletion name on disk; the
	// sentinel marks it safe for recursive removal. The row's directory was
	// renamed to "<prefix><original>-<suffix>" when deletion started.
	originalDir := *source
	trimmed := strings.TrimPrefix(source.Directory, models.DeletedSourcePrefix)
	if i := strings.LastIndexByte(trimmed, '-'); i > 0 {
		trimmed = trimmed[:i]
	}
	originalDir.Directory = trimmed
	dir, err := h.engine.SourceDir(&originalDir)
	if err == nil {
		if _, statErr := os.Stat(dir); statErr == nil {
			sentinel := filepath.Join(dir, ToBeRemovedSentinel)
			if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
				return fmt.Errorf("write removal sentinel: %w", err)
			}
			if err := RemoveMarkedDir(dir); err != nil {
				return fmt.Errorf("remove source dir: %w", err)
			}
			log.Printf("Job: removed directory %s", dir)
		}
	}

	if err := h.repos.Sources.Delete(sourceID); err != nil {
		return fmt.Errorf("delete source row: %w", err)
	}
	log.Printf("Job: source %q torn down (%d media rows)", source.Name, len(media))
	if h.notifier != nil {
		h.notifier.Broadcast("source:deleted", map[string]string{"source_id": p.SourceID})
	}
	return nil
}

// RemoveMarkedDir recursively deletes dir only when the removal sentinel is
// present inside it.
func RemoveMarkedDir(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ToBeRemovedSentinel)); err != nil {
		return fmt.Errorf("directory %s is not marked for removal: %w", dir, err)
	}
	return os.RemoveAll(dir)
}
