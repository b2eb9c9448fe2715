// Package retention deletes media that aged out of its source's keep
// window or disappeared from the remote listing, cascading file and
// sidecar removal.
package retention

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/naming"
	"github.com/fetcharr/fetcharr/internal/repository"
)

type Service struct {
	sources  *repository.SourceRepository
	media    *repository.MediaRepository
	metadata *repository.MetadataRepository
	engine   *naming.Engine
}

func NewService(sources *repository.SourceRepository, media *repository.MediaRepository,
	metadata *repository.MetadataRepository, engine *naming.Engine) *Service {
	return &Service{sources: sources, media: media, metadata: metadata, engine: engine}
}

// CleanupOldMedia prunes downloads past their source's keep window.
func (s *Service) CleanupOldMedia(ctx context.Context) error {
	sources, err := s.sources.List()
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}

	deleted := 0
	for _, source := range sources {
		if !source.DeleteOld || source.DaysToKeep <= 0 || source.IsDeleting() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cutoff := time.Now().AddDate(0, 0, -source.DaysToKeep)
		old, err := s.media.ListDownloadedBefore(source.ID, cutoff)
		if err != nil {
			log.Printf("retention: list old media for %q: %v", source.Name, err)
			continue
		}
		for _, m := range old {
			if err := s.DeleteMedia(source, m); err != nil {
				log.Printf("retention: delete %s: %v", m.Key, err)
				continue
			}
			deleted++
		}
	}
	if deleted > 0 {
		log.Printf("retention: removed %d media past their keep window", deleted)
	}
	return nil
}

// ReconcileRemoved drops media no longer present in the source's remote
// listing. Files follow the rows when the source says so.
func (s *Service) ReconcileRemoved(source *models.Source, observedKeys []string) (int, error) {
	if !source.DeleteGoneFromSite {
		return 0, nil
	}
	gone, err := s.media.ListGoneFromSource(source.ID, observedKeys)
	if err != nil {
		return 0, fmt.Errorf("list removed media: %w", err)
	}
	removed := 0
	for _, m := range gone {
		if err := s.DeleteMedia(source, m); err != nil {
			log.Printf("retention: delete removed %s: %v", m.Key, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// DeleteMedia removes a media row and, when the source keeps files in sync,
// its on-disk file with all by-prefix sidecars and empty parents.
func (s *Service) DeleteMedia(source *models.Source, m *models.Media) error {
	if source.DeleteRemovedMedia && m.MediaFile != nil {
		sourceDir, err := s.engine.SourceDir(source)
		if err != nil {
			return err
		}
		naming.DeleteWithSidecars(sourceDir, filepath.Join(s.engine.Root, *m.MediaFile))
	}
	if err := s.metadata.DeleteByMedia(m.ID); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	if err := s.media.Delete(m.ID); err != nil {
		return fmt.Errorf("delete media row: %w", err)
	}
	return nil
}
