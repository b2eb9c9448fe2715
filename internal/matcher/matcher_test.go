package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/models"
)

func videoFormat(id string, height int, vcodec string, vbr float64) models.FormatValue {
	return models.FormatValue{
		"id": id, "format_id": id,
		"height": height, "width": height * 16 / 9,
		"vcodec": vcodec, "acodec": "",
		"vbr": vbr, "fps": 24,
	}
}

func audioFormat(id, acodec string, abr float64) models.FormatValue {
	return models.FormatValue{
		"id": id, "format_id": id,
		"vcodec": "", "acodec": acodec,
		"abr": abr,
	}
}

func policy1080VP9(fallback models.Fallback) Policy {
	return Policy{
		Height:     1080,
		VideoCodec: "VP9",
		AudioCodec: "OPUS",
		Fallback:   fallback,
		HDCutoff:   500,
		MinHeight:  240,
	}
}

func TestChooseExactVideoPlusAudio(t *testing.T) {
	// S1: 1080p VP9/OPUS with no fallback picks 248+251.
	formats := []models.FormatValue{
		videoFormat("160", 144, "avc1.4d400c", 100),
		videoFormat("247", 720, "vp9", 1500),
		videoFormat("248", 1080, "vp9", 2500),
		videoFormat("271", 1440, "vp9", 5000),
		audioFormat("140", "mp4a.40.2", 128),
		audioFormat("251", "opus", 160),
	}

	chosen, ok := Choose(policy1080VP9(models.FallbackFail), formats)
	require.True(t, ok)
	assert.Equal(t, "248+251", chosen.Selector)
	assert.True(t, chosen.Exact)
	assert.False(t, chosen.Combined)
}

func TestChooseNextBestHDAcceptsAboveCutoff(t *testing.T) {
	// S2: only 720p available; next_best_hd accepts it (720 >= 500).
	formats := []models.FormatValue{
		videoFormat("247", 720, "vp9", 1500),
		audioFormat("251", "opus", 160),
	}

	chosen, ok := Choose(policy1080VP9(models.FallbackNextBestHD), formats)
	require.True(t, ok)
	assert.Equal(t, "247+251", chosen.Selector)
	assert.False(t, chosen.Exact)
}

func TestChooseNextBestHDRejectsBelowCutoff(t *testing.T) {
	formats := []models.FormatValue{
		videoFormat("160", 360, "vp9", 300),
		audioFormat("251", "opus", 160),
	}

	_, ok := Choose(policy1080VP9(models.FallbackNextBestHD), formats)
	assert.False(t, ok)
}

func TestChooseAudioOnly(t *testing.T) {
	// S3: audio-only MP4A policy picks 140 even when opus has more bitrate.
	formats := []models.FormatValue{
		audioFormat("140", "mp4a.40.2", 128),
		audioFormat("251", "opus", 160),
		videoFormat("248", 1080, "vp9", 2500),
	}

	p := Policy{AudioOnly: true, AudioCodec: "MP4A", Fallback: models.FallbackFail}
	chosen, ok := Choose(p, formats)
	require.True(t, ok)
	assert.Equal(t, "140", chosen.Selector)
	assert.True(t, chosen.Exact)
}

func TestChooseCombined(t *testing.T) {
	// S4: a combined 360p AVC1/MP4A format matches as-is.
	formats := []models.FormatValue{
		models.FormatValue{
			"id": "18", "format_id": "18", "format_note": "360p",
			"height": 360, "vcodec": "avc1.42001E", "acodec": "mp4a.40.2",
		},
		audioFormat("140", "mp4a.40.2", 128),
	}

	p := Policy{
		Height: 360, VideoCodec: "AVC1", AudioCodec: "MP4A",
		Fallback: models.FallbackFail, HDCutoff: 500, MinHeight: 240,
	}
	chosen, ok := Choose(p, formats)
	require.True(t, ok)
	assert.Equal(t, "18", chosen.Selector)
	assert.True(t, chosen.Exact)
	assert.True(t, chosen.Combined)
}

func TestBestVideoAudioOnlyPolicyMisses(t *testing.T) {
	formats := []models.FormatValue{
		videoFormat("248", 1080, "vp9", 2500),
	}
	p := Policy{AudioOnly: true, AudioCodec: "OPUS"}
	_, _, ok := BestVideo(p, formats)
	assert.False(t, ok)
}

func TestFailNeverSubstitutes(t *testing.T) {
	// Only a 720p stream for a 1080p policy: fail means miss.
	formats := []models.FormatValue{
		videoFormat("247", 720, "vp9", 1500),
		audioFormat("251", "opus", 160),
	}
	_, ok := Choose(policy1080VP9(models.FallbackFail), formats)
	assert.False(t, ok)
}

func TestFailAudioNeverSubstitutes(t *testing.T) {
	formats := []models.FormatValue{
		audioFormat("140", "mp4a.40.2", 128),
	}
	p := Policy{AudioOnly: true, AudioCodec: "OPUS", Fallback: models.FallbackFail}
	_, ok := Choose(p, formats)
	assert.False(t, ok)
}

func TestAudioFallbackPicksHighestBitrate(t *testing.T) {
	formats := []models.FormatValue{
		audioFormat("139", "mp4a.40.5", 48),
		audioFormat("140", "mp4a.40.2", 128),
	}
	p := Policy{AudioOnly: true, AudioCodec: "OPUS", Fallback: models.FallbackNextBest}
	chosen, ok := Choose(p, formats)
	require.True(t, ok)
	assert.Equal(t, "140", chosen.Selector)
	assert.False(t, chosen.Exact)
}

func TestUpscaledVariantNeverSelected(t *testing.T) {
	formats := []models.FormatValue{
		videoFormat("248-sr", 1080, "vp9", 9000),
		videoFormat("247", 720, "vp9", 1500),
		audioFormat("251", "opus", 160),
	}
	chosen, ok := Choose(policy1080VP9(models.FallbackNextBest), formats)
	require.True(t, ok)
	assert.Equal(t, "247+251", chosen.Selector)
}

func TestExcludedFormatSkipped(t *testing.T) {
	formats := []models.FormatValue{
		videoFormat("248", 1080, "vp9", 2500),
		videoFormat("303", 1080, "vp9", 3000),
		audioFormat("251", "opus", 160),
	}
	p := policy1080VP9(models.FallbackNextBest)
	p.Exclude = []string{"303"}
	chosen, ok := Choose(p, formats)
	require.True(t, ok)
	assert.Equal(t, "248+251", chosen.Selector)
}

func TestCombinedTieBreakPrefersDefaultNote(t *testing.T) {
	mk := func(id, note, lang string) models.FormatValue {
		return models.FormatValue{
			"id": id, "format_id": id, "format_note": note,
			"height": 360, "vcodec": "avc1", "acodec": "mp4a",
			"language_code": lang,
		}
	}
	p := Policy{
		Height: 360, VideoCodec: "AVC1", AudioCodec: "MP4A",
		Fallback: models.FallbackNextBest, EnglishLangs: []string{"en"},
	}

	chosen, ok := Choose(p, []models.FormatValue{
		mk("18-fr", "360p", "fr"),
		mk("18-en", "360p", "en"),
		mk("18-de", "360p (default)", "de"),
	})
	require.True(t, ok)
	assert.Equal(t, "18-de", chosen.Selector)

	chosen, ok = Choose(p, []models.FormatValue{
		mk("18-fr", "360p", "fr"),
		mk("18-en", "360p", "en"),
	})
	require.True(t, ok)
	assert.Equal(t, "18-en", chosen.Selector)
}

func TestChooseDeterministic(t *testing.T) {
	formats := []models.FormatValue{
		videoFormat("247", 720, "vp9", 1500),
		videoFormat("248", 1080, "vp9", 2500),
		audioFormat("251", "opus", 160),
		audioFormat("140", "mp4a.40.2", 128),
	}
	p := policy1080VP9(models.FallbackNextBest)
	first, ok := Choose(p, formats)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := Choose(p, formats)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestNextBestCodecKeepsCodec(t *testing.T) {
	formats := []models.FormatValue{
		videoFormat("137", 1080, "avc1.640028", 4000),
		videoFormat("247", 720, "vp9", 1500),
		audioFormat("251", "opus", 160),
	}
	chosen, ok := Choose(policy1080VP9(models.FallbackNextBestCodec), formats)
	require.True(t, ok)
	assert.Equal(t, "247+251", chosen.Selector)
	assert.False(t, chosen.Exact)
}
