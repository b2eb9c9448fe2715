package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/fetcharr/fetcharr/internal/mediaserver"
	"github.com/fetcharr/fetcharr/internal/repository"
)

// NotifyHandler asks one configured media server to rescan its libraries.
type NotifyHandler struct {
	repos   Repos
	servers *mediaserver.Registry
}

func NewNotifyHandler(repos Repos, servers *mediaserver.Registry) *NotifyHandler {
	return &NotifyHandler{repos: repos, servers: servers}
}

func (h *NotifyHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p NotifyPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	serverID, err := uuid.Parse(p.ServerID)
	if err != nil {
		return fmt.Errorf("bad server id %q: %w", p.ServerID, asynq.SkipRetry)
	}

	rec, err := h.repos.Servers.GetByID(serverID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get media server: %w", err)
	}

	adapter, err := h.servers.Adapter(rec)
	if err != nil {
		return fmt.Errorf("media server %s: %v: %w", rec.URL, err, asynq.SkipRetry)
	}
	if err := adapter.Update(ctx); err != nil {
		return fmt.Errorf("notify %s server %s: %w", rec.ServerType, rec.URL, err)
	}
	log.Printf("Job: notified %s server at %s", rec.ServerType, rec.URL)
	return nil
}
