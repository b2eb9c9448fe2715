package extractor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRateLimited(t *testing.T) {
	err := classify(errors.New("ERROR: HTTP Error 429: Too Many Requests"), "")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestClassifyPremiere(t *testing.T) {
	err := classify(errors.New("ERROR: This video premieres in 3 hours"), "")
	var premiere *PremiereError
	require.ErrorAs(t, err, &premiere)
	assert.Equal(t, 3*time.Hour, premiere.ETA)
}

func TestClassifyLiveEventDefaultsToOneHour(t *testing.T) {
	err := classify(errors.New("ERROR: This live event will begin shortly"), "")
	var premiere *PremiereError
	require.ErrorAs(t, err, &premiere)
	assert.Equal(t, time.Hour, premiere.ETA)
}

func TestClassifyFormatUnavailable(t *testing.T) {
	err := classify(errors.New("ERROR: Requested format is not available"), "248+251")
	var unavailable *FormatUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "248+251", unavailable.FormatID)
}

func TestClassifyNoFormats(t *testing.T) {
	err := classify(errors.New("ERROR: No video formats found!"), "")
	assert.ErrorIs(t, err, ErrNoFormat)
}

func TestClassifyPermanent(t *testing.T) {
	for _, msg := range []string{
		"ERROR: Video unavailable",
		"ERROR: This video is private",
		"ERROR: This video has been removed by the uploader",
	} {
		err := classify(errors.New(msg), "")
		assert.ErrorIs(t, err, ErrPermanent, msg)
	}
}

func TestClassifyDefaultsToTransient(t *testing.T) {
	err := classify(errors.New("ERROR: something new and exciting"), "")
	assert.ErrorIs(t, err, ErrTransient)
}

func TestParsePremiereETA(t *testing.T) {
	cases := map[string]time.Duration{
		"premieres in 45 minutes":     45 * time.Minute,
		"premieres in 2 days":         48 * time.Hour,
		"premieres in 12 hours.":      12 * time.Hour,
		"premiere will begin shortly": time.Hour,
	}
	for msg, want := range cases {
		assert.Equal(t, want, parsePremiereETA(msg), msg)
	}
}

func TestIsMembersOnly(t *testing.T) {
	assert.True(t, isMembersOnly(errors.New("Join this channel to get access to members-only content")))
	assert.False(t, isMembersOnly(errors.New("Video unavailable")))
}
