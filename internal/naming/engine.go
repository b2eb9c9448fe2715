package naming

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/fetcharr/fetcharr/internal/models"
)

// Engine resolves templated media paths inside the download root.
type Engine struct {
	Root          string
	AudioDir      string
	VideoDir      string
	DefaultFormat string
}

func NewEngine(root, audioDir, videoDir, defaultFormat string) *Engine {
	return &Engine{Root: root, AudioDir: audioDir, VideoDir: videoDir, DefaultFormat: defaultFormat}
}

// Template is the source's media template, or the instance default when
// the source leaves it empty.
func (e *Engine) Template(s *models.Source) string {
	if s.MediaFormat != "" {
		return s.MediaFormat
	}
	return e.DefaultFormat
}

// SourceDir is the absolute directory a source's media lives in.
func (e *Engine) SourceDir(s *models.Source) (string, error) {
	return SafeJoin(e.Root, s.TypeDirectory(e.AudioDir, e.VideoDir), s.Directory)
}

// MediaPath renders the source's template against vars and anchors it
// inside the source directory. Returns the absolute path and the path
// relative to the download root.
func (e *Engine) MediaPath(s *models.Source, vars map[string]string) (string, string, error) {
	rendered, err := Render(e.Template(s), vars)
	if err != nil {
		return "", "", fmt.Errorf("render media template: %w", err)
	}
	sourceDir, err := e.SourceDir(s)
	if err != nil {
		return "", "", err
	}
	abs, err := SafeJoin(sourceDir, rendered)
	if err != nil {
		return "", "", err
	}
	rel, err := filepath.Rel(e.Root, abs)
	if err != nil {
		return "", "", err
	}
	return abs, rel, nil
}

// MediaVars assembles the template variable map for one media item. The
// format fields come from the chosen (or previously downloaded) format;
// order is the two-digit ordinal from VideoOrder.
func MediaVars(s *models.Source, m *models.Media, value models.MetadataValue, f models.FormatValue, order string) map[string]string {
	vars := map[string]string{
		"source":         Slugify(s.Name),
		"source_full":    CleanFull(s.Name),
		"key":            m.Key,
		"ext":            s.Extension(),
		"resolution":     string(s.Resolution),
		"video_order":    order,
		"format":         FormatLabel(string(s.Resolution), f.VideoCodec(), f.AudioCodec()),
		"playlist_title": "",
		"uploader":       "",
		"title":          Slugify(m.Title),
		"title_full":     CleanFull(m.Title),
		"hdr":            "",
	}
	if value != nil {
		if t := value.Title(); t != "" {
			vars["title"] = Slugify(t)
			vars["title_full"] = CleanFull(t)
		}
		vars["uploader"] = CleanFull(value.Uploader())
		vars["playlist_title"] = CleanFull(value.PlaylistTitle())
	}
	if m.PublishedAt != nil {
		t := *m.PublishedAt
		vars["yyyymmdd"] = t.Format("20060102")
		vars["yyyy_mm_dd"] = t.Format("2006-01-02")
		vars["yyyy"] = t.Format("2006")
		vars["mm"] = t.Format("01")
		vars["dd"] = t.Format("02")
	}
	if f != nil {
		if h := f.Height(); h > 0 {
			vars["height"] = strconv.Itoa(h)
		}
		if w := f.Width(); w > 0 {
			vars["width"] = strconv.Itoa(w)
		}
		vars["vcodec"] = Slugify(f.VideoCodec())
		vars["acodec"] = Slugify(f.AudioCodec())
		if fps := f.FPS(); fps > 0 {
			vars["fps"] = strconv.Itoa(fps)
		}
		if f.IsHDR() {
			vars["hdr"] = "hdr"
		}
	}
	return vars
}

// VideoOrder computes the 1-based two-digit ordinal of target among its
// siblings, which must already be sorted by (published_at, created_at,
// key). Playlists order across the whole set; channels order within the
// calendar year of the item.
func VideoOrder(s *models.Source, siblings []*models.Media, target *models.Media) string {
	year := 0
	if s.Kind != models.SourceKindPlaylist && target.PublishedAt != nil {
		year = target.PublishedAt.Year()
	}
	order := 0
	for _, m := range siblings {
		if year != 0 {
			if m.PublishedAt == nil || m.PublishedAt.Year() != year {
				continue
			}
		}
		order++
		if m.ID == target.ID {
			return fmt.Sprintf("%02d", order)
		}
	}
	return fmt.Sprintf("%02d", len(siblings)+1)
}
