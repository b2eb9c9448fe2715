// Package naming renders media filename templates, builds safe on-disk
// paths under the download root, and moves media files with their
// sidecars.
package naming

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/fetcharr/fetcharr/internal/models"
)

// ErrEmptyRender marks a template that renders to nothing against the
// example dict; such templates are rejected before they reach a source.
var ErrEmptyRender = errors.New("template renders to an empty name")

// knownVars is the full placeholder set a media format template may use.
var knownVars = map[string]bool{
	"yyyymmdd": true, "yyyy_mm_dd": true, "yyyy": true, "mm": true, "dd": true,
	"source": true, "source_full": true, "uploader": true,
	"title": true, "title_full": true, "key": true, "format": true,
	"playlist_title": true, "video_order": true, "ext": true,
	"resolution": true, "height": true, "width": true,
	"vcodec": true, "acodec": true, "fps": true, "hdr": true,
}

// Render substitutes {var} placeholders. Unknown placeholders are errors;
// unterminated braces are errors.
func Render(template string, vars map[string]string) (string, error) {
	var out strings.Builder
	for i := 0; i < len(template); {
		c := template[i]
		if c != '{' {
			out.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(template[i:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder at offset %d", i)
		}
		name := template[i+1 : i+end]
		if !knownVars[name] {
			return "", fmt.Errorf("unknown placeholder {%s}", name)
		}
		out.WriteString(vars[name])
		i += end + 1
	}
	return out.String(), nil
}

// Validate renders the template against the example dict and rejects
// templates that error or produce an empty name.
func Validate(template string) error {
	rendered, err := Render(template, models.ExampleFormatDict())
	if err != nil {
		return err
	}
	if strings.TrimSpace(rendered) == "" {
		return ErrEmptyRender
	}
	return nil
}

const slugMaxLen = 80

// Slugify lowercases, replaces every non-alphanumeric run with a single
// hyphen, and caps the length.
func Slugify(s string) string {
	var out strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) && r < 128 || unicode.IsDigit(r) {
			out.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			out.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.Trim(out.String(), "-")
	if len(slug) > slugMaxLen {
		slug = strings.Trim(slug[:slugMaxLen], "-")
	}
	return slug
}

// CleanFull strips filesystem-forbidden characters and control bytes but
// otherwise leaves the text readable, for the *_full template variants.
func CleanFull(s string) string {
	var out strings.Builder
	for _, r := range s {
		switch {
		case r < 0x20 || r == 0x7f:
		case strings.ContainsRune(`/\:*?"<>|`, r):
		default:
			out.WriteRune(r)
		}
	}
	return strings.TrimSpace(out.String())
}

// SafeJoin joins path fragments under root and fails when the result
// escapes it after cleaning.
func SafeJoin(root string, fragments ...string) (string, error) {
	joined := filepath.Join(append([]string{root}, fragments...)...)
	rel, err := filepath.Rel(root, joined)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the download root", joined)
	}
	return joined, nil
}

// FormatLabel is the compact "<resolution>-<vcodec>-<acodec>" label used
// for the {format} variable and for download bookkeeping.
func FormatLabel(resolution, vcodec, acodec string) string {
	var parts []string
	for _, p := range []string{resolution, vcodec, acodec} {
		if p != "" {
			parts = append(parts, strings.ToLower(p))
		}
	}
	return strings.Join(parts, "-")
}
