package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Two sources can track the same remote item. Adoption must only claim
// the stub belonging to the media's own source, or the second Ingest
// would trip the unique (media_id, site, key) index.
func TestAdoptShallowScopedToMediaSource(t *testing.T) {
	assert.Contains(t, adoptShallowQuery, "media_id IS NULL")
	assert.Contains(t, adoptShallowQuery, "source_id = (SELECT source_id FROM media WHERE id = $1)")
}
