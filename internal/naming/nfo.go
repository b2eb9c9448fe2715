package naming

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fetcharr/fetcharr/internal/models"
)

// ──────────────────── Kodi-Compatible Episode NFO ────────────────────

// xmlEpisode is the <episodedetails> root of the NFO written next to each
// downloaded media file. Season is the upload year; episode is the
// year-local ordinal. The ordinal can shift when older items appear later;
// that matches what media centers already tolerate.
type xmlEpisode struct {
	XMLName   xml.Name `xml:"episodedetails"`
	Title     string   `xml:"title"`
	ShowTitle string   `xml:"showtitle"`
	Season    int      `xml:"season"`
	Episode   int      `xml:"episode"`
	Rating    *float64 `xml:"rating,omitempty"`
	Votes     *int     `xml:"votes,omitempty"`
	Plot      string   `xml:"plot"`
	Thumb     string   `xml:"thumb,omitempty"`
	MPAA      string   `xml:"mpaa,omitempty"`
	Runtime   int      `xml:"runtime"`
	ID        string   `xml:"id"`
	UniqueID  xmlUniqueID `xml:"uniqueid"`
	Studio    string   `xml:"studio,omitempty"`
	Aired     string   `xml:"aired,omitempty"`
	DateAdded string   `xml:"dateadded"`
	Genres    []string `xml:"genre,omitempty"`
}

type xmlUniqueID struct {
	Type    string `xml:"type,attr"`
	Default bool   `xml:"default,attr"`
	Value   string `xml:",chardata"`
}

// WriteNFO writes the episodedetails sidecar for a downloaded media file.
// thumbName is the basename of the thumbnail sidecar, empty when no
// thumbnail is written.
func WriteNFO(path string, s *models.Source, m *models.Media, value models.MetadataValue, episode int, thumbName string) error {
	ep := &xmlEpisode{
		Title:     value.Title(),
		ShowTitle: s.Name,
		Episode:   episode,
		Plot:      value.Description(),
		Thumb:     thumbName,
		Runtime:   m.Duration / 60,
		ID:        m.Key,
		UniqueID:  xmlUniqueID{Type: value.ExtractorKey(), Default: true, Value: m.Key},
		Studio:    value.Uploader(),
		DateAdded: time.Now().Format("2006-01-02 15:04:05"),
		Genres:    value.Categories(),
	}
	if ep.Title == "" {
		ep.Title = m.Title
	}
	if m.PublishedAt != nil {
		ep.Season = m.PublishedAt.Year()
		ep.Aired = m.PublishedAt.Format("2006-01-02")
	}
	if likes := value.LikeCount(); likes > 0 {
		total := likes + value.DislikeCount()
		rating := float64(likes) / float64(total) * 10
		ep.Rating = &rating
		ep.Votes = &total
	}
	if value.AgeLimit() >= 18 {
		ep.MPAA = "NC-17"
	}

	data, err := xml.MarshalIndent(ep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal nfo: %w", err)
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write nfo: %w", err)
	}
	return os.Rename(tmp, path)
}

// RewriteNFOThumb updates the <thumb> element of an existing NFO after a
// rename moved its thumbnail sidecar.
func RewriteNFOThumb(path, thumbName string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ep xmlEpisode
	if err := xml.Unmarshal(data, &ep); err != nil {
		return fmt.Errorf("parse nfo: %w", err)
	}
	ep.Thumb = thumbName

	out, err := xml.MarshalIndent(&ep, "", "  ")
	if err != nil {
		return err
	}
	out = append([]byte(xml.Header), out...)
	out = append(out, '\n')
	return os.WriteFile(path, out, 0o644)
}

// NFOEpisodeOrder parses the numeric video order for the episode field.
func NFOEpisodeOrder(order string) int {
	n, err := strconv.Atoi(order)
	if err != nil {
		return 0
	}
	return n
}

// ThumbName is the thumbnail sidecar basename for a media path.
func ThumbName(mediaPath string) string {
	return stem(mediaPath) + ".jpg"
}

// NFOPath is the NFO sidecar path for a media path.
func NFOPath(mediaPath string) string {
	return filepath.Join(filepath.Dir(mediaPath), stem(mediaPath)+".nfo")
}
