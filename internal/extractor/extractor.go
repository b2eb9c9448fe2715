package extractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/fetcharr/fetcharr/internal/models"
)

// Site is the extractor site tag recorded on metadata rows.
const Site = "youtube"

// ProgressFunc receives download progress. The extractor throttles calls
// to at most one per five percent of advance.
type ProgressFunc func(percent float64, eta string)

// EventFunc receives post-processing stage events: "pp_start",
// "pp_processing", "pp_finish".
type EventFunc func(event, stage string)

// Extractor shells out to yt-dlp and normalizes its JSON output. It is the
// only component that sees the tool's flags or error strings.
type Extractor struct {
	path     string
	cacheDir string
	limiter  *rate.Limiter
}

func New(path, cacheDir string) *Extractor {
	// One metadata call per two seconds keeps a single worker under the
	// site's informal limits; bursts cover listing+details pairs.
	return &Extractor{
		path:     path,
		cacheDir: cacheDir,
		limiter:  rate.NewLimiter(rate.Limit(0.5), 2),
	}
}

// ──────────────────── Listing ────────────────────

// RawItem is one entry of a source listing.
type RawItem struct {
	Key          string
	Title        string
	Duration     int
	Timestamp    int64 // unix seconds, 0 when unknown
	ExtractorKey string
}

// ListItems enumerates the remote items for a source, flattening nested
// playlists and yielding each remote key at most once. The since cutoff
// (zero means none) is passed to the tool as a date floor.
func (e *Extractor) ListItems(ctx context.Context, source *models.Source, since string) ([]RawItem, error) {
	var urls []string
	switch source.Kind {
	case models.SourceKindPlaylist:
		urls = []string{"https://www.youtube.com/playlist?list=" + source.Key}
	default:
		base := channelURL(source)
		if source.IndexVideos {
			urls = append(urls, base+"/videos")
		}
		if source.IndexStreams {
			urls = append(urls, base+"/streams")
		}
	}

	seen := make(map[string]bool)
	var items []RawItem
	for _, url := range urls {
		entries, err := e.listURL(ctx, url, since)
		if err != nil {
			return nil, err
		}
		for _, it := range entries {
			if it.Key == "" || seen[it.Key] {
				continue
			}
			seen[it.Key] = true
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		return nil, ErrNoMedia
	}
	return items, nil
}

// WatchURL is the canonical per-item URL for details and download calls.
func WatchURL(key string) string {
	return "https://www.youtube.com/watch?v=" + key
}

// ThumbnailURLs lists the static thumbnail candidates for a media key in
// preference order.
func ThumbnailURLs(key string) []string {
	return []string{
		"https://i.ytimg.com/vi/" + key + "/maxresdefault.jpg",
		"https://i.ytimg.com/vi/" + key + "/sddefault.jpg",
		"https://i.ytimg.com/vi/" + key + "/hqdefault.jpg",
	}
}

func channelURL(source *models.Source) string {
	if source.Kind == models.SourceKindChannelID {
		return "https://www.youtube.com/channel/" + source.Key
	}
	return "https://www.youtube.com/@" + source.Key
}

func (e *Extractor) listURL(ctx context.Context, url, since string) ([]RawItem, error) {
	args := []string{
		"--dump-single-json",
		"--flat-playlist",
		"--ignore-errors",
		"--skip-download",
	}
	if since != "" {
		args = append(args, "--dateafter", since)
	}
	args = e.withCommonArgs(args)
	args = append(args, url)

	out, err := e.run(ctx, args)
	if err != nil {
		return nil, classify(err, "")
	}

	var listing map[string]interface{}
	if err := json.Unmarshal(out, &listing); err != nil {
		return nil, fmt.Errorf("%w: parse listing: %v", ErrTransient, err)
	}
	return flattenEntries(listing), nil
}

// ──────────────────── Details ────────────────────

// FetchDetails returns the full normalized metadata for one media URL,
// including its formats. Members-only errors trigger a single relaxed
// retry and whatever that run yields is returned.
func (e *Extractor) FetchDetails(ctx context.Context, url string) (models.MetadataValue, []models.FormatValue, error) {
	out, err := e.fetchDetailsRaw(ctx, url, false)
	if err != nil && isMembersOnly(err) {
		log.Printf("extractor: members-only signal for %s, retrying relaxed", url)
		out, err = e.fetchDetailsRaw(ctx, url, true)
	}
	if err != nil {
		return nil, nil, classify(err, "")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: parse details: %v", ErrTransient, err)
	}
	value, formats := normalizeDetails(raw)
	return value, formats, nil
}

func (e *Extractor) fetchDetailsRaw(ctx context.Context, url string, relaxed bool) ([]byte, error) {
	args := []string{"--dump-single-json", "--skip-download"}
	if relaxed {
		args = append(args, "--ignore-no-formats-error")
	}
	args = e.withCommonArgs(args)
	args = append(args, url)
	return e.run(ctx, args)
}

// ──────────────────── Download ────────────────────

// DownloadOptions carries everything one download invocation needs.
type DownloadOptions struct {
	URL            string
	FormatSelector string // "<id>" or "<vid>+<aid>"
	Container      string // extension hint: mkv, m4a, ogg
	OutputPath     string // final absolute path
	EmbedMetadata  bool
	EmbedThumbnail bool
	WriteSubtitles bool
	AutoSubtitles  bool
	SubLangs       string
	SponsorCategories []string
	Progress       ProgressFunc
	Events         EventFunc
}

// Download blocks until the media is fully fetched and muxed. The tool
// writes into a per-download temp directory and the finished file is moved
// to OutputPath in one rename.
func (e *Extractor) Download(ctx context.Context, opts DownloadOptions) (string, string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", "", err
	}

	tempDir, err := os.MkdirTemp(filepath.Dir(opts.OutputPath), ".fetcharr-dl-*")
	if err != nil {
		return "", "", fmt.Errorf("create download temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	stem := strings.TrimSuffix(filepath.Base(opts.OutputPath), filepath.Ext(opts.OutputPath))
	template := filepath.Join(tempDir, stem+".%(ext)s")

	args := []string{
		"--format", opts.FormatSelector,
		"--merge-output-format", opts.Container,
		"--output", template,
		"--newline",
		"--no-mtime",
		"--no-playlist",
	}
	if opts.EmbedMetadata {
		args = append(args, "--embed-metadata")
	}
	if opts.EmbedThumbnail {
		args = append(args, "--embed-thumbnail")
	}
	if opts.WriteSubtitles {
		args = append(args, "--write-subs")
		if opts.AutoSubtitles {
			args = append(args, "--write-auto-subs")
		}
		if opts.SubLangs != "" {
			args = append(args, "--sub-langs", opts.SubLangs)
		}
	}
	if len(opts.SponsorCategories) > 0 {
		args = append(args, "--sponsorblock-remove", strings.Join(opts.SponsorCategories, ","))
	}
	args = e.withCommonArgs(args)
	args = append(args, opts.URL)

	if err := e.runStreaming(ctx, args, opts.Progress, opts.Events); err != nil {
		return "", "", classify(err, opts.FormatSelector)
	}

	produced, err := findProduced(tempDir, stem)
	if err != nil {
		return "", "", ErrDownloadIncomplete
	}

	container := strings.TrimPrefix(filepath.Ext(produced), ".")
	final := opts.OutputPath
	if container != opts.Container {
		final = strings.TrimSuffix(opts.OutputPath, filepath.Ext(opts.OutputPath)) + "." + container
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}
	if err := os.Rename(produced, final); err != nil {
		return "", "", fmt.Errorf("move download into place: %w", err)
	}
	return opts.FormatSelector, container, nil
}

// findProduced locates the finished file in the temp dir by stem.
func findProduced(dir, stem string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasPrefix(name, stem) && !strings.HasSuffix(name, ".part") {
			return filepath.Join(dir, name), nil
		}
	}
	return "", os.ErrNotExist
}

// ──────────────────── Process plumbing ────────────────────

func (e *Extractor) withCommonArgs(args []string) []string {
	args = append(args, "--no-colors", "--no-warnings")
	if e.cacheDir != "" {
		args = append(args, "--cache-dir", e.cacheDir)
	}
	return args
}

func (e *Extractor) run(ctx context.Context, args []string) ([]byte, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, e.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// runStreaming runs the tool while parsing progress lines. Progress
// callbacks fire at most once per five percent; post-processor stages are
// forwarded as events.
func (e *Extractor) runStreaming(ctx context.Context, args []string, progress ProgressFunc, events EventFunc) error {
	cmd := exec.CommandContext(ctx, e.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	lastReported := -5.0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "[download]"):
			pct, eta, ok := parseProgressLine(line)
			if ok && progress != nil && pct-lastReported >= 5 {
				lastReported = pct
				progress(pct, eta)
			}
		case strings.HasPrefix(line, "[Merger]"), strings.HasPrefix(line, "[ExtractAudio]"):
			if events != nil {
				events("pp_start", line[1:strings.IndexByte(line, ']')])
			}
		case strings.HasPrefix(line, "[EmbedThumbnail]"), strings.HasPrefix(line, "[Metadata]"), strings.HasPrefix(line, "[SponsorBlock]"):
			if events != nil {
				events("pp_processing", line[1:strings.IndexByte(line, ']')])
			}
		case strings.HasPrefix(line, "Deleting original file"):
			if events != nil {
				events("pp_finish", "")
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %s", err, strings.TrimSpace(stderr.String()))
	}
	if progress != nil && lastReported < 100 {
		progress(100, "")
	}
	return nil
}

// parseProgressLine extracts percent and ETA from yt-dlp's
// "[download]  42.3% of ... ETA 00:12" lines.
func parseProgressLine(line string) (float64, string, bool) {
	fields := strings.Fields(line)
	var pct float64
	var eta string
	found := false
	for i, f := range fields {
		if strings.HasSuffix(f, "%") {
			if v, err := strconv.ParseFloat(strings.TrimSuffix(f, "%"), 64); err == nil {
				pct = v
				found = true
			}
		}
		if f == "ETA" && i+1 < len(fields) {
			eta = fields[i+1]
		}
	}
	return pct, eta, found
}
