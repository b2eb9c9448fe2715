package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func containsMatch(pattern, title string) bool {
	return strings.Contains(strings.ToLower(title), strings.ToLower(pattern))
}

func TestComputeSkipConjunction(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	published := now.AddDate(0, 0, -10)
	source := &Source{Resolution: Resolution1080P}
	m := &Media{Title: "A fine video", Duration: 600, PublishedAt: &published}

	assert.False(t, m.ComputeSkip(source, true, now, containsMatch))

	assert.True(t, m.ComputeSkip(source, false, now, containsMatch), "missing metadata skips")

	m.ManualSkip = true
	assert.True(t, m.ComputeSkip(source, true, now, containsMatch), "manual skip wins")
	m.ManualSkip = false

	source.FilterText = "podcast"
	assert.True(t, m.ComputeSkip(source, true, now, containsMatch), "filter miss skips")
	source.FilterTextInvert = true
	assert.False(t, m.ComputeSkip(source, true, now, containsMatch), "inverted filter keeps non-matches")
	source.FilterText = ""
	source.FilterTextInvert = false

	source.DownloadCap = 7 * 24 * time.Hour
	assert.True(t, m.ComputeSkip(source, true, now, containsMatch), "older than cap skips")
	source.DownloadCap = 0

	source.DeleteOld = true
	source.DaysToKeep = 5
	assert.True(t, m.ComputeSkip(source, true, now, containsMatch), "older than keep window skips")
}

func TestFilteredOutDuration(t *testing.T) {
	source := &Source{FilterSecondsUsed: true, FilterSeconds: 300, FilterSecondsMin: true}
	short := &Media{Duration: 60}
	long := &Media{Duration: 900}

	assert.True(t, short.FilteredOut(source, nil))
	assert.False(t, long.FilteredOut(source, nil))

	source.FilterSecondsMin = false
	assert.False(t, short.FilteredOut(source, nil))
	assert.True(t, long.FilteredOut(source, nil))
}

func TestPremiereTitle(t *testing.T) {
	assert.Equal(t, "Premieres in 3 hours", PremiereTitle(3*time.Hour))
	assert.Equal(t, "Premieres in 1 hours", PremiereTitle(10*time.Minute), "never below one hour")
}

func TestResolutionHeight(t *testing.T) {
	assert.Equal(t, 1080, Resolution1080P.Height())
	assert.Equal(t, 0, ResolutionAudio.Height())
	assert.True(t, ResolutionAudio.IsAudio())
}

func TestSourceExtension(t *testing.T) {
	s := &Source{Resolution: Resolution1080P}
	assert.Equal(t, "mkv", s.Extension())

	s.Resolution = ResolutionAudio
	s.AudioCodec = CodecMP4A
	assert.Equal(t, "m4a", s.Extension())
	s.AudioCodec = CodecOpus
	assert.Equal(t, "ogg", s.Extension())
}

func TestNextTargetScheduleSnapsToHour(t *testing.T) {
	s := &Source{IndexSchedule: 6 * time.Hour}
	now := time.Date(2026, 8, 24, 9, 42, 17, 0, time.UTC)
	next := s.NextTargetSchedule(now)
	assert.Equal(t, time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC), next)
}

func TestIsDeleting(t *testing.T) {
	s := &Source{Directory: "deleted-mychannel-ab12cd34", IndexSchedule: time.Hour}
	assert.True(t, s.IsDeleting())
	assert.False(t, s.IsActive())

	s.Directory = "mychannel"
	assert.False(t, s.IsDeleting())
	assert.True(t, s.IsActive())
}

func TestFallbackCanSwitchCodecs(t *testing.T) {
	assert.True(t, FallbackNextBest.CanSwitchCodecs())
	assert.False(t, FallbackNextBestCodec.CanSwitchCodecs())
}

func TestFormatValueCodecNormalization(t *testing.T) {
	f := FormatValue{"vcodec": "avc1.640028", "acodec": "mp4a.40.2"}
	assert.Equal(t, "AVC1", f.VideoCodec())
	assert.Equal(t, "MP4A", f.AudioCodec())

	f = FormatValue{"vcodec": "none", "acodec": "opus"}
	assert.Equal(t, "", f.VideoCodec())
	assert.Equal(t, "OPUS", f.AudioCodec())
}

func TestMetadataValueTimestampPreference(t *testing.T) {
	v := MetadataValue{"timestamp": 1505088000, "release_timestamp": 1600000000, "upload_date": "20170911"}
	at, ok := v.Timestamp()
	require.True(t, ok)
	assert.Equal(t, int64(1505088000), at.Unix())

	v = MetadataValue{"upload_date": "20170911"}
	at, ok = v.Timestamp()
	require.True(t, ok)
	assert.Equal(t, "2017-09-11", at.Format("2006-01-02"))
}

func TestRecordFailedFormatDedupes(t *testing.T) {
	v := MetadataValue{}
	v.RecordFailedFormat("248")
	v.RecordFailedFormat("248")
	v.RecordFailedFormat("251")
	assert.Equal(t, []string{"248", "251"}, v.FailedFormats())
}

func TestExampleFormatDictRendersEveryVariable(t *testing.T) {
	dict := ExampleFormatDict()
	for key, value := range dict {
		assert.NotEmpty(t, value, key)
	}
	assert.Len(t, dict, 22)
}
