package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/models"
)

func TestPremiereTimePrefersLinkedMetadata(t *testing.T) {
	published := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m := &models.Media{PublishedAt: &published}
	meta := &models.Metadata{Value: models.MetadataValue{"timestamp": 1700000000}}

	at, ok := premiereTime(meta, m)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), at.Unix())
}

// Media parked straight from a failed metadata fetch have no linked blob;
// the listing timestamp recorded at index time still promotes them.
func TestPremiereTimeFallsBackToListingTimestamp(t *testing.T) {
	published := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m := &models.Media{PublishedAt: &published}

	at, ok := premiereTime(nil, m)
	require.True(t, ok)
	assert.Equal(t, published, at)
}

func TestPremiereTimeUnknownWithoutAnyTimestamp(t *testing.T) {
	_, ok := premiereTime(nil, &models.Media{})
	assert.False(t, ok)

	_, ok = premiereTime(&models.Metadata{Value: models.MetadataValue{}}, &models.Media{})
	assert.False(t, ok)
}
