package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/models"
)

func upgradeTestHandler() *MetadataHandler {
	return &MetadataHandler{
		cfg:     &config.Config{HDCutoffHeight: 500, MinFallbackHeight: 240},
		refresh: true,
	}
}

func TestUpgradeAvailableWhenTallerFormatAppears(t *testing.T) {
	h := upgradeTestHandler()
	source := &models.Source{
		Resolution: models.Resolution1080P,
		VideoCodec: models.CodecVP9,
		AudioCodec: models.CodecOpus,
		Fallback:   models.FallbackNextBest,
	}
	formats := []models.FormatValue{
		{"format_id": "248", "height": 1080, "vcodec": "vp9"},
		{"format_id": "251", "acodec": "opus", "abr": 160.0},
	}

	downloaded := 720
	m := &models.Media{Key: "abc", Downloaded: true, DownloadedHeight: &downloaded}
	assert.True(t, h.upgradeAvailable(source, m, models.MetadataValue{}, formats))

	full := 1080
	m.DownloadedHeight = &full
	assert.False(t, h.upgradeAvailable(source, m, models.MetadataValue{}, formats), "same height is not an upgrade")

	m.DownloadedHeight = nil
	assert.False(t, h.upgradeAvailable(source, m, models.MetadataValue{}, formats), "audio downloads never upgrade")
}

func TestUpgradeAvailableHonorsFailedFormats(t *testing.T) {
	h := upgradeTestHandler()
	source := &models.Source{
		Resolution: models.Resolution1080P,
		VideoCodec: models.CodecVP9,
		AudioCodec: models.CodecOpus,
		Fallback:   models.FallbackFail,
	}
	formats := []models.FormatValue{
		{"format_id": "248", "height": 1080, "vcodec": "vp9"},
		{"format_id": "251", "acodec": "opus", "abr": 160.0},
	}
	value := models.MetadataValue{}
	value.RecordFailedFormat("248")

	downloaded := 720
	m := &models.Media{Key: "abc", Downloaded: true, DownloadedHeight: &downloaded}
	assert.False(t, h.upgradeAvailable(source, m, value, formats))
}
