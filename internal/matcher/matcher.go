// Package matcher picks the best downloadable format(s) for a media item
// against its source's quality policy. It is pure: no I/O, deterministic
// for identical inputs.
package matcher

import (
	"sort"
	"strings"

	"github.com/fetcharr/fetcharr/internal/models"
)

// Policy is the flattened per-source matching policy plus the global
// tunables the matcher needs.
type Policy struct {
	AudioOnly   bool
	Height      int
	VideoCodec  string
	AudioCodec  string
	Prefer60FPS bool
	PreferHDR   bool
	Fallback    models.Fallback

	HDCutoff     int      // minimum height accepted by next_best_hd
	MinHeight    int      // floor for fallback refill candidates
	EnglishLangs []string // ordered preference for language tie-breaks

	Exclude []string // format ids that failed at download time
}

// PolicyFor flattens a source's quality policy.
func PolicyFor(s *models.Source, hdCutoff, minHeight int, englishLangs []string) Policy {
	return Policy{
		AudioOnly:    s.IsAudioOnly(),
		Height:       s.Resolution.Height(),
		VideoCodec:   string(s.VideoCodec),
		AudioCodec:   string(s.AudioCodec),
		Prefer60FPS:  s.Prefer60FPS,
		PreferHDR:    s.PreferHDR,
		Fallback:     s.Fallback,
		HDCutoff:     hdCutoff,
		MinHeight:    minHeight,
		EnglishLangs: englishLangs,
	}
}

// Match is one chosen format.
type Match struct {
	Exact    bool
	FormatID string
}

// Chosen is the final selection for a media item.
type Chosen struct {
	// Selector is what the downloader hands to the extractor:
	// "<id>", or "<video_id>+<audio_id>".
	Selector string
	Exact    bool
	Combined bool
	Video    *models.FormatValue
	Audio    *models.FormatValue
}

// Choose resolves the full selection: a combined format when one matches
// the policy exactly, otherwise separate video and audio streams. Returns
// ok=false when nothing acceptable exists under the policy's fallback.
func Choose(p Policy, formats []models.FormatValue) (Chosen, bool) {
	formats = usable(p, formats)

	if !p.AudioOnly {
		if m, f, ok := BestCombined(p, formats); ok {
			return Chosen{Selector: m.FormatID, Exact: true, Combined: true, Video: f, Audio: f}, true
		}
	}

	audio, af, audioOK := BestAudio(p, formats)
	if !audioOK {
		return Chosen{}, false
	}
	if p.AudioOnly {
		return Chosen{Selector: audio.FormatID, Exact: audio.Exact, Audio: af}, true
	}

	video, vf, videoOK := BestVideo(p, formats)
	if !videoOK {
		return Chosen{}, false
	}
	return Chosen{
		Selector: video.FormatID + "+" + audio.FormatID,
		Exact:    video.Exact && audio.Exact,
		Video:    vf,
		Audio:    af,
	}, true
}

// usable filters out excluded (previously failed) format ids.
func usable(p Policy, formats []models.FormatValue) []models.FormatValue {
	if len(p.Exclude) == 0 {
		return formats
	}
	excluded := make(map[string]bool, len(p.Exclude))
	for _, id := range p.Exclude {
		excluded[id] = true
	}
	out := make([]models.FormatValue, 0, len(formats))
	for _, f := range formats {
		if !excluded[f.FormatID()] {
			out = append(out, f)
		}
	}
	return out
}

// ──────────────────── Combined ────────────────────

// BestCombined looks for a single format carrying both streams that hits
// the policy exactly. Combined matches are never fallbacks.
func BestCombined(p Policy, formats []models.FormatValue) (Match, *models.FormatValue, bool) {
	var hits []models.FormatValue
	for _, f := range formats {
		if f.VideoCodec() == "" || f.AudioCodec() == "" {
			continue
		}
		if f.Height() != p.Height {
			continue
		}
		if f.VideoCodec() != p.VideoCodec || f.AudioCodec() != p.AudioCodec {
			continue
		}
		if p.Prefer60FPS && !f.Is60FPS() {
			continue
		}
		if p.PreferHDR && !f.IsHDR() {
			continue
		}
		hits = append(hits, f)
	}
	if len(hits) == 0 {
		return Match{}, nil, false
	}
	best := pickPreferred(p, hits)
	return Match{Exact: true, FormatID: best.FormatID()}, &best, true
}

// ──────────────────── Audio ────────────────────

// BestAudio picks the audio-only stream: an exact codec match when one
// exists, otherwise the highest-bitrate stream if the policy allows
// substitution.
func BestAudio(p Policy, formats []models.FormatValue) (Match, *models.FormatValue, bool) {
	var audio []models.FormatValue
	for _, f := range formats {
		if f.VideoCodec() == "" && f.AudioCodec() != "" {
			audio = append(audio, f)
		}
	}
	if len(audio) == 0 {
		return Match{}, nil, false
	}

	var exact []models.FormatValue
	for _, f := range audio {
		if f.AudioCodec() == p.AudioCodec {
			exact = append(exact, f)
		}
	}
	if len(exact) > 0 {
		sortByBitrate(exact)
		best := pickPreferredTop(p, exact)
		return Match{Exact: true, FormatID: best.FormatID()}, &best, true
	}

	if p.Fallback == models.FallbackFail {
		return Match{}, nil, false
	}
	sortByBitrate(audio)
	best := pickPreferredTop(p, audio)
	return Match{Exact: false, FormatID: best.FormatID()}, &best, true
}

func sortByBitrate(formats []models.FormatValue) {
	sort.SliceStable(formats, func(i, j int) bool {
		return formats[i].ABR() > formats[j].ABR()
	})
}

// ──────────────────── Video ────────────────────

// BestVideo walks the preference ladder over the video-only candidates.
// An audio-only policy always misses.
func BestVideo(p Policy, formats []models.FormatValue) (Match, *models.FormatValue, bool) {
	if p.AudioOnly {
		return Match{}, nil, false
	}

	var pool []models.FormatValue
	for _, f := range formats {
		if f.AudioCodec() != "" || f.VideoCodec() == "" || f.Height() <= 0 {
			continue
		}
		// AI-upscaled variants carry an "-sr" suffix and are never wanted.
		if strings.Contains(f.FormatID(), "-sr") {
			continue
		}
		pool = append(pool, f)
	}
	if len(pool) == 0 {
		return Match{}, nil, false
	}

	canFallback := p.Fallback != models.FallbackFail
	canSwitch := p.Fallback.CanSwitchCodecs()

	var candidates []models.FormatValue
	for _, f := range pool {
		if f.Height() != p.Height {
			continue
		}
		if !canSwitch && f.VideoCodec() != p.VideoCodec {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 && canFallback {
		for _, f := range pool {
			if f.Height() >= p.MinHeight && f.Height() <= p.Height {
				candidates = append(candidates, f)
			}
		}
	}
	if len(candidates) == 0 {
		return Match{}, nil, false
	}

	sortCandidates(p, candidates)

	chosen, exact := climbLadder(p, candidates, canSwitch)
	if chosen == nil {
		return Match{}, nil, false
	}
	if !exact && !fallbackAccepts(p, *chosen) {
		return Match{}, nil, false
	}
	return Match{Exact: exact, FormatID: chosen.FormatID()}, chosen, true
}

// climbLadder applies the strict preference ladder, returning the first
// hit and whether it was fully exact.
func climbLadder(p Policy, candidates []models.FormatValue, canSwitch bool) (*models.FormatValue, bool) {
	match := func(pred func(f models.FormatValue) bool) *models.FormatValue {
		for i := range candidates {
			if pred(candidates[i]) {
				return &candidates[i]
			}
		}
		return nil
	}

	bitsEqual := func(f models.FormatValue) bool {
		return f.Is60FPS() == p.Prefer60FPS && f.IsHDR() == p.PreferHDR
	}

	// 1. exact resolution + codec + hdr bit + fps bit
	if f := match(func(f models.FormatValue) bool {
		return f.Height() == p.Height && f.VideoCodec() == p.VideoCodec && bitsEqual(f)
	}); f != nil {
		return f, true
	}
	// 2. drop codec, keep resolution and bits
	if canSwitch {
		if f := match(func(f models.FormatValue) bool {
			return f.Height() == p.Height && bitsEqual(f)
		}); f != nil {
			return f, false
		}
	}
	// 3. drop resolution, keep codec and bits
	if f := match(func(f models.FormatValue) bool {
		return f.VideoCodec() == p.VideoCodec && bitsEqual(f)
	}); f != nil {
		return f, false
	}
	// 4. weaken one of the hdr/fps bits, honoring the prefer flags
	if p.Prefer60FPS {
		if f := match(func(f models.FormatValue) bool {
			return f.Height() == p.Height && f.VideoCodec() == p.VideoCodec && f.Is60FPS()
		}); f != nil {
			return f, false
		}
	}
	if p.PreferHDR {
		if f := match(func(f models.FormatValue) bool {
			return f.Height() == p.Height && f.VideoCodec() == p.VideoCodec && f.IsHDR()
		}); f != nil {
			return f, false
		}
	}
	// 5. resolution + codec
	if f := match(func(f models.FormatValue) bool {
		return f.Height() == p.Height && f.VideoCodec() == p.VideoCodec
	}); f != nil {
		return f, false
	}
	// 6. codec only
	if f := match(func(f models.FormatValue) bool {
		return f.VideoCodec() == p.VideoCodec
	}); f != nil {
		return f, false
	}
	// 7. resolution only
	if canSwitch {
		if f := match(func(f models.FormatValue) bool {
			return f.Height() == p.Height
		}); f != nil {
			return f, false
		}
	}
	// 8. highest-resolution fallback candidate
	if p.Fallback != models.FallbackFail && len(candidates) > 0 {
		return &candidates[0], false
	}
	return nil, false
}

// fallbackAccepts applies the policy's substitution rule to a non-exact
// video match.
func fallbackAccepts(p Policy, f models.FormatValue) bool {
	switch p.Fallback {
	case models.FallbackNextBest:
		return true
	case models.FallbackNextBestHD:
		return f.Height() >= p.HDCutoff
	case models.FallbackNextBestCodec:
		return f.VideoCodec() == p.VideoCodec
	default:
		return false
	}
}

// sortCandidates orders by height descending, codec preference (policy
// codec first), then vbr descending.
func sortCandidates(p Policy, candidates []models.FormatValue) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Height() != b.Height() {
			return a.Height() > b.Height()
		}
		ra, rb := codecRank(p, a.VideoCodec()), codecRank(p, b.VideoCodec())
		if ra != rb {
			return ra < rb
		}
		return a.VBR() > b.VBR()
	})
}

var codecOrder = []string{"AV1", "VP9", "AVC1"}

func codecRank(p Policy, codec string) int {
	if codec == p.VideoCodec {
		return 0
	}
	for i, c := range codecOrder {
		if c == codec {
			return i + 1
		}
	}
	return len(codecOrder) + 1
}

// ──────────────────── Tie-breaks ────────────────────

// pickPreferred resolves ties: a format whose note marks it "(default)"
// wins, then the first English-language format in configured code order,
// then the first candidate.
func pickPreferred(p Policy, formats []models.FormatValue) models.FormatValue {
	for _, f := range formats {
		if strings.Contains(f.FormatNote(), "(default)") {
			return f
		}
	}
	for _, lang := range p.EnglishLangs {
		for _, f := range formats {
			if f.LanguageCode() == lang {
				return f
			}
		}
	}
	return formats[0]
}

// pickPreferredTop applies the tie-break among formats sharing the top
// bitrate after sorting.
func pickPreferredTop(p Policy, sorted []models.FormatValue) models.FormatValue {
	n := 1
	for n < len(sorted) && sorted[n].ABR() == sorted[0].ABR() {
		n++
	}
	return pickPreferred(p, sorted[:n])
}
