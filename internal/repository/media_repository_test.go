package repository

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/models"
)

func writeDownload(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func TestCheckDownloadedFileKeepsIntactDownload(t *testing.T) {
	root := t.TempDir()
	r := NewMediaRepository(nil, root)

	rel := filepath.Join("video", "ch", "a.mkv")
	writeDownload(t, root, rel, []byte("data"))
	size := int64(4)
	m := &models.Media{Key: "a", Downloaded: true, MediaFile: &rel, DownloadedFilesize: &size}

	r.checkDownloadedFile(m)
	assert.True(t, m.Downloaded)
	assert.NotNil(t, m.MediaFile)
	assert.False(t, m.ManualSkip)
}

func TestCheckDownloadedFileResetsWhenFileMissing(t *testing.T) {
	r := NewMediaRepository(nil, t.TempDir())

	rel := filepath.Join("video", "ch", "gone.mkv")
	size := int64(4)
	m := &models.Media{Key: "gone", Downloaded: true, MediaFile: &rel, DownloadedFilesize: &size}

	r.checkDownloadedFile(m)
	assert.False(t, m.Downloaded)
	assert.Nil(t, m.MediaFile)
	assert.Nil(t, m.DownloadedFilesize)
	assert.True(t, m.ManualSkip)
	assert.True(t, m.Skip)
}

func TestCheckDownloadedFileResetsOnSizeMismatch(t *testing.T) {
	root := t.TempDir()
	r := NewMediaRepository(nil, root)

	rel := filepath.Join("video", "ch", "b.mkv")
	writeDownload(t, root, rel, []byte("data"))
	size := int64(9999)
	m := &models.Media{Key: "b", Downloaded: true, MediaFile: &rel, DownloadedFilesize: &size}

	r.checkDownloadedFile(m)
	assert.False(t, m.Downloaded)
	assert.Nil(t, m.MediaFile)
	assert.True(t, m.ManualSkip)
}
