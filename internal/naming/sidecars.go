package naming

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fetcharr/fetcharr/internal/models"
)

// CopyThumbnail places a copy of the cached thumbnail next to the media
// file under the media stem. Returns the sidecar path.
func CopyThumbnail(cachedPath, mediaPath string) (string, error) {
	dst := filepath.Join(filepath.Dir(mediaPath), ThumbName(mediaPath))

	in, err := os.Open(cachedPath)
	if err != nil {
		return "", fmt.Errorf("open thumbnail: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create thumbnail sidecar: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("copy thumbnail: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// WriteInfoJSON dumps the media's metadata with its formats inlined under
// the "formats" key, as a <stem>.info.json sidecar.
func WriteInfoJSON(mediaPath string, value models.MetadataValue, formats []models.FormatValue) (string, error) {
	blob := make(map[string]interface{}, len(value)+1)
	for k, v := range value {
		blob[k] = v
	}
	blob["formats"] = formats

	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal info json: %w", err)
	}
	dst := filepath.Join(filepath.Dir(mediaPath), stem(mediaPath)+".info.json")
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("write info json: %w", err)
	}
	return dst, nil
}
