// Package quality classifies remote files as music, extracts their declared
// audio quality, and scores quality tiers.
package quality

import (
	"path"
	"strings"

	"resonance/internal/domain"
	"resonance/internal/remotepath"
)

// Tier scores. Unknown is zero so that disabling quality preferences removes
// quality as a ranking dimension.
const (
	ScoreLossless = 300.0
	ScoreHigh     = 200.0
	ScoreStandard = 100.0
	ScoreLow      = 50.0
	ScoreUnknown  = 0.0
)

const (
	highBitrate     = 256
	standardBitrate = 192
)

var musicExtensions = map[string]bool{
	"mp3": true, "flac": true, "m4a": true, "aac": true, "ogg": true, "opus": true,
	"wav": true, "aiff": true, "aif": true, "alac": true, "ape": true, "wv": true, "wma": true,
}

var losslessFormats = map[string]bool{
	"flac": true, "wav": true, "aiff": true, "aif": true, "alac": true, "ape": true, "wv": true,
}

// SizeBounds limits accepted file sizes. A zero bound is disabled.
type SizeBounds struct {
	Min int64
	Max int64
}

func BoundsFrom(s domain.ScoringSettings) SizeBounds {
	return SizeBounds{Min: s.MinFileSizeBytes, Max: s.MaxFileSizeBytes}
}

func (b SizeBounds) contains(size int64) bool {
	if b.Min > 0 && size < b.Min {
		return false
	}
	if b.Max > 0 && size > b.Max {
		return false
	}
	return true
}

// Extension returns the lower-case extension of a remote file path.
func Extension(filename string) string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(remotepath.Base(filename))), ".")
}

// IsMusicFile reports whether filename carries a known audio extension.
func IsMusicFile(filename string) bool {
	return musicExtensions[Extension(filename)]
}

// FilterMusicFiles keeps music files whose size lies within bounds.
func FilterMusicFiles(files []domain.SearchFile, bounds SizeBounds) []domain.SearchFile {
	out := make([]domain.SearchFile, 0, len(files))
	for _, f := range files {
		if IsMusicFile(f.Filename) && bounds.contains(f.Size) {
			out = append(out, f)
		}
	}
	return out
}

// IsLossless reports whether format is a lossless codec.
func IsLossless(format string) bool {
	return losslessFormats[format]
}

// Extract derives the quality descriptor of a file from its extension and
// declared metadata.
func Extract(f domain.SearchFile) domain.QualityInfo {
	format := Extension(f.Filename)
	if format == "m4a" && f.BitDepth > 0 {
		format = "alac"
	}
	info := domain.QualityInfo{
		Format:     format,
		BitRate:    f.BitRate,
		BitDepth:   f.BitDepth,
		SampleRate: f.SampleRate,
	}
	info.Tier = tierOf(info)
	return info
}

func tierOf(info domain.QualityInfo) domain.QualityTier {
	switch {
	case IsLossless(info.Format):
		return domain.QualityTierLossless
	case info.BitRate >= highBitrate:
		return domain.QualityTierHigh
	case info.BitRate >= standardBitrate:
		return domain.QualityTierStandard
	case info.BitRate > 0:
		return domain.QualityTierLow
	default:
		return domain.QualityTierUnknown
	}
}

// ShouldReject reports whether the file fails the configured reject rules.
func ShouldReject(info domain.QualityInfo, prefs domain.QualityPreferences) bool {
	if !prefs.Enabled {
		return false
	}
	lossless := IsLossless(info.Format)
	if prefs.RejectLossless && lossless {
		return true
	}
	if prefs.RejectLowQuality && !lossless && info.BitRate > 0 && info.BitRate < prefs.MinBitrate {
		return true
	}
	return false
}

// RejectFiles drops files failing ShouldReject.
func RejectFiles(files []domain.SearchFile, prefs domain.QualityPreferences) []domain.SearchFile {
	if !prefs.Enabled || (!prefs.RejectLossless && !prefs.RejectLowQuality) {
		return files
	}
	out := make([]domain.SearchFile, 0, len(files))
	for _, f := range files {
		if !ShouldReject(Extract(f), prefs) {
			out = append(out, f)
		}
	}
	return out
}

// Score maps a quality descriptor to its tier score under prefs.
func Score(info domain.QualityInfo, prefs domain.QualityPreferences) float64 {
	if !prefs.Enabled {
		return ScoreUnknown
	}
	var score float64
	switch info.Tier {
	case domain.QualityTierLossless:
		score = ScoreLossless
		if !prefs.PreferLossless {
			score = ScoreHigh
		}
	case domain.QualityTierHigh:
		score = ScoreHigh
	case domain.QualityTierStandard:
		score = ScoreStandard
	case domain.QualityTierLow:
		score = ScoreLow
	default:
		score = ScoreUnknown
	}
	if len(prefs.PreferredFormats) > 0 && !preferred(info.Format, prefs.PreferredFormats) {
		score /= 2
	}
	return score
}

// MaxScore is the best per-file score reachable under prefs.
func MaxScore(prefs domain.QualityPreferences) float64 {
	switch {
	case !prefs.Enabled:
		return ScoreUnknown
	case prefs.PreferLossless && !prefs.RejectLossless:
		return ScoreLossless
	default:
		return ScoreHigh
	}
}

// AverageScore averages the tier score across files.
func AverageScore(files []domain.SearchFile, prefs domain.QualityPreferences) float64 {
	if len(files) == 0 || !prefs.Enabled {
		return ScoreUnknown
	}
	var total float64
	for _, f := range files {
		total += Score(Extract(f), prefs)
	}
	return total / float64(len(files))
}

// Dominant returns the quality descriptor (format and tier) shared by the most
// files. Ties go to the first encountered.
func Dominant(files []domain.SearchFile) domain.QualityInfo {
	type bucket struct {
		info  domain.QualityInfo
		count int
	}
	var order []string
	buckets := make(map[string]*bucket)
	for _, f := range files {
		info := Extract(f)
		key := info.Format + "/" + string(info.Tier)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{info: info}
			buckets[key] = b
			order = append(order, key)
		}
		b.count++
	}

	var best *bucket
	for _, key := range order {
		if b := buckets[key]; best == nil || b.count > best.count {
			best = b
		}
	}
	if best == nil {
		return domain.QualityInfo{Tier: domain.QualityTierUnknown}
	}
	return best.info
}

func preferred(format string, formats []string) bool {
	for _, f := range formats {
		if strings.EqualFold(strings.TrimPrefix(f, "."), format) {
			return true
		}
	}
	return false
}
