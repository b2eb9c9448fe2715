package naming

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/models"
)

func TestTemplateFallsBackToDefault(t *testing.T) {
	e := NewEngine("/downloads", "audio", "video", "{key}.{ext}")

	s := &models.Source{MediaFormat: ""}
	assert.Equal(t, "{key}.{ext}", e.Template(s))

	s.MediaFormat = "{title}.{ext}"
	assert.Equal(t, "{title}.{ext}", e.Template(s))
}

func TestMediaPathUsesDefaultTemplate(t *testing.T) {
	root := t.TempDir()
	e := NewEngine(root, "audio", "video", "{key}.{ext}")

	s := &models.Source{
		Name:       "Channel",
		Directory:  "channel",
		Resolution: models.Resolution1080P,
	}
	m := &models.Media{Key: "abc", Title: "A Title"}
	vars := MediaVars(s, m, nil, nil, "01")

	abs, rel, err := e.MediaPath(s, vars)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "video", "channel", "abc.mkv"), abs)
	assert.Equal(t, filepath.Join("video", "channel", "abc.mkv"), rel)
}
