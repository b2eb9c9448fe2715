package extractor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error taxonomy surfaced to tasks. The rest of the service routes on
// these sentinels with errors.Is/As and never inspects yt-dlp output
// strings itself.
var (
	ErrNoMedia            = errors.New("source listing returned no media")
	ErrNoFormat           = errors.New("metadata carries no usable formats")
	ErrRateLimited        = errors.New("upstream rate limited")
	ErrDownloadIncomplete = errors.New("download reported success but output file is missing")
	ErrTransient          = errors.New("transient extractor failure")
	ErrPermanent          = errors.New("permanent extractor failure")
)

// FormatUnavailableError wraps the selected format id when the site refuses
// to serve it, so the downloader can record it and pick differently next
// time.
type FormatUnavailableError struct {
	FormatID string
	Cause    error
}

func (e *FormatUnavailableError) Error() string {
	return fmt.Sprintf("format %q unavailable: %v", e.FormatID, e.Cause)
}

func (e *FormatUnavailableError) Unwrap() error { return e.Cause }

// PremiereError marks a scheduled future broadcast. ETA is the estimated
// time until it goes live.
type PremiereError struct {
	ETA time.Duration
}

func (e *PremiereError) Error() string {
	return fmt.Sprintf("media premieres in %s", e.ETA.Round(time.Minute))
}

// classify maps raw yt-dlp failures onto the taxonomy using message
// heuristics owned by this package.
func classify(err error, formatID string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "http error 429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate-limited"),
		strings.Contains(msg, "rate limited"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)

	case strings.Contains(msg, "premieres in"),
		strings.Contains(msg, "this live event will begin"),
		strings.Contains(msg, "premiere will begin"):
		return &PremiereError{ETA: parsePremiereETA(msg)}

	case strings.Contains(msg, "requested format is not available"),
		strings.Contains(msg, "requested format not available"):
		return &FormatUnavailableError{FormatID: formatID, Cause: err}

	case strings.Contains(msg, "no video formats found"),
		strings.Contains(msg, "no formats found"):
		return fmt.Errorf("%w: %v", ErrNoFormat, err)

	case strings.Contains(msg, "video unavailable"),
		strings.Contains(msg, "this video is private"),
		strings.Contains(msg, "account associated with this video has been terminated"),
		strings.Contains(msg, "removed by the uploader"),
		strings.Contains(msg, "copyright"):
		return fmt.Errorf("%w: %v", ErrPermanent, err)

	case strings.Contains(msg, "timed out"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "temporary failure"),
		strings.Contains(msg, "unable to download webpage"):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// isMembersOnly detects the signals that justify one relaxed retry of a
// details fetch.
func isMembersOnly(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "members-only") ||
		strings.Contains(msg, "members only") ||
		strings.Contains(msg, "subscriber") ||
		strings.Contains(msg, "join this channel")
}

// parsePremiereETA pulls "premieres in N hours/minutes/days" out of the
// upstream message. Unknown phrasing defaults to one hour so the promoter
// re-checks soon.
func parsePremiereETA(msg string) time.Duration {
	fields := strings.Fields(msg)
	for i := 0; i < len(fields)-1; i++ {
		if fields[i] != "in" {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(fields[i+1], "%d", &n); err != nil || n <= 0 {
			continue
		}
		if i+2 < len(fields) {
			unit := strings.TrimRight(fields[i+2], ".,")
			switch {
			case strings.HasPrefix(unit, "minute"):
				return time.Duration(n) * time.Minute
			case strings.HasPrefix(unit, "hour"):
				return time.Duration(n) * time.Hour
			case strings.HasPrefix(unit, "day"):
				return time.Duration(n) * 24 * time.Hour
			}
		}
	}
	return time.Hour
}
