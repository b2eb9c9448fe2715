package naming

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderDatePathTemplate(t *testing.T) {
	vars := map[string]string{
		"yyyy":       "2017",
		"yyyy_mm_dd": "2017-09-11",
		"key":        "abc",
		"ext":        "mkv",
	}
	out, err := Render("{yyyy}/{yyyy_mm_dd}/{key}.{ext}", vars)
	require.NoError(t, err)
	assert.Equal(t, "2017/2017-09-11/abc.mkv", out)
}

func TestRenderUnknownPlaceholder(t *testing.T) {
	_, err := Render("{nope}.{ext}", map[string]string{"ext": "mkv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{nope}")
}

func TestRenderUnterminatedPlaceholder(t *testing.T) {
	_, err := Render("{title.{ext}", nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("{yyyy_mm_dd}_{source}_{title}_{key}_{format}.{ext}"))
	assert.Error(t, Validate("{bogus}.{ext}"))
	assert.ErrorIs(t, Validate("{hdr}"), ErrEmptyRender)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "no-way-home-4k", Slugify("No Way Home! (4K)"))
	assert.Equal(t, "caf", Slugify("café"))
	assert.Equal(t, "", Slugify("---"))

	long := Slugify(strings.Repeat("word ", 40))
	assert.LessOrEqual(t, len(long), 80)
}

func TestCleanFull(t *testing.T) {
	assert.Equal(t, "What's up 50", CleanFull("What's\x00 up: 50\x7f"))
	assert.Equal(t, "ab", CleanFull("a/b"))
	assert.Equal(t, "a b", CleanFull("  a b  "))
}

func TestSafeJoinRejectsEscape(t *testing.T) {
	root := t.TempDir()

	_, err := SafeJoin(root, "../outside")
	assert.Error(t, err)

	ok, err := SafeJoin(root, "sub", "file.mkv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "file.mkv"), ok)
}

func TestFormatLabel(t *testing.T) {
	assert.Equal(t, "1080p-vp9-opus", FormatLabel("1080p", "VP9", "OPUS"))
	assert.Equal(t, "audio-opus", FormatLabel("audio", "", "OPUS"))
}
