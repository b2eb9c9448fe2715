package jobs

import (
	"context"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/models"
)

func TestCheckPreconditionsRejectsRedownload(t *testing.T) {
	h := &DownloadHandler{}
	source := &models.Source{Name: "ch", DownloadMedia: true}
	m := &models.Media{Key: "abc", Downloaded: true}

	err := h.checkPreconditions(source, m, &models.Metadata{}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestCheckPreconditionsOverrideReplacesDownload(t *testing.T) {
	h := &DownloadHandler{}
	source := &models.Source{Name: "ch", DownloadMedia: true}
	m := &models.Media{Key: "abc", Downloaded: true}

	assert.NoError(t, h.checkPreconditions(source, m, &models.Metadata{}, true))
}

func TestCheckPreconditionsOverrideKeepsManualSkip(t *testing.T) {
	h := &DownloadHandler{}
	source := &models.Source{Name: "ch", DownloadMedia: true}
	m := &models.Media{Key: "abc", ManualSkip: true}

	err := h.checkPreconditions(source, m, &models.Metadata{}, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAcquireSlotCapsInFlightDownloads(t *testing.T) {
	slots := make(chan struct{}, 1)
	require.NoError(t, acquireSlot(context.Background(), slots))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, acquireSlot(ctx, slots))

	<-slots
	require.NoError(t, acquireSlot(context.Background(), slots))
}
