// Package scoring ranks peer search responses for a wanted album or track and
// selects the directory bundle to download from the winner. Everything here
// is a pure function of its inputs.
package scoring

import (
	"math"
	"sort"

	"resonance/internal/domain"
	"resonance/internal/quality"
)

const (
	SlotBonus            = 100.0
	MaxUploadSpeedBonus  = 100.0
	uploadSpeedCap       = 1_000_000
	uploadSpeedDivisor   = 10_000
	DefaultFileCountCap  = 200.0
	DefaultCompleteness  = 500.0
	fileCountPerFileUnit = 10.0
)

// Exactness tiers compare the music file count with the expected track count.
const (
	ExactnessIncomplete   = 0
	ExactnessOvercomplete = 1
	ExactnessExact        = 2
)

// Params are the explicit inputs of one scoring run.
type Params struct {
	Settings domain.ScoringSettings
	// ExpectedTrackCount is zero when unknown.
	ExpectedTrackCount int
}

// Components breaks a score down by dimension.
type Components struct {
	Slot         float64 `json:"slot"`
	Quality      float64 `json:"quality"`
	FileCount    float64 `json:"fileCount"`
	UploadSpeed  float64 `json:"uploadSpeed"`
	Completeness float64 `json:"completeness"`
}

func (c Components) Total() float64 {
	return c.Slot + c.Quality + c.FileCount + c.UploadSpeed + c.Completeness
}

// ScoredResponse is a response with its filtered music files and score.
type ScoredResponse struct {
	Response       domain.SearchResponse `json:"response"`
	MusicFiles     []domain.SearchFile   `json:"musicFiles"`
	MusicFileCount int                   `json:"musicFileCount"`
	TotalSize      int64                 `json:"totalSize"`
	Directories    []DirectoryGroup      `json:"directories"`
	Quality        domain.QualityInfo    `json:"quality"`
	Components     Components            `json:"components"`
	Score          float64               `json:"score"`
	ScorePercent   int                   `json:"scorePercent"`
	Exactness      int                   `json:"exactness"`
}

// MaxScore is the theoretical maximum score under p. It normalises
// ScorePercent only and never affects ranking.
func MaxScore(p Params) float64 {
	c := completeness(p.Settings)
	max := SlotBonus + quality.MaxScore(p.Settings.Quality) + c.FileCountCap + MaxUploadSpeedBonus
	if p.ExpectedTrackCount > 0 && c.Enabled {
		max += c.Weight
	}
	return max
}

// MusicFiles applies the size bounds and, when enabled, quality rejection.
func MusicFiles(files []domain.SearchFile, s domain.ScoringSettings) []domain.SearchFile {
	filtered := quality.FilterMusicFiles(files, quality.BoundsFrom(s))
	return quality.RejectFiles(filtered, s.Quality)
}

// ScoreResponses scores every response not from a skipped peer and returns
// them ranked best first. Responses with no usable music files are dropped.
func ScoreResponses(responses []domain.SearchResponse, skippedUsernames []string, p Params) []ScoredResponse {
	skipped := make(map[string]struct{}, len(skippedUsernames))
	for _, u := range skippedUsernames {
		skipped[u] = struct{}{}
	}

	max := MaxScore(p)
	scored := make([]ScoredResponse, 0, len(responses))
	for _, resp := range responses {
		if _, skip := skipped[resp.Username]; skip {
			continue
		}
		sr, ok := ScoreResponse(resp, p)
		if !ok {
			continue
		}
		if max > 0 {
			sr.ScorePercent = int(math.Round(sr.Score / max * 100))
		}
		scored = append(scored, sr)
	}

	if p.Settings.Completeness.RequireComplete && p.ExpectedTrackCount > 0 {
		complete := scored[:0]
		for _, sr := range scored {
			if sr.MusicFileCount >= p.ExpectedTrackCount {
				complete = append(complete, sr)
			}
		}
		scored = complete
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Exactness != b.Exactness {
			return a.Exactness > b.Exactness
		}
		return a.Response.Username < b.Response.Username
	})
	return scored
}

// ScoreResponse scores a single response. ok is false when no music files
// survive filtering.
func ScoreResponse(resp domain.SearchResponse, p Params) (ScoredResponse, bool) {
	files := MusicFiles(resp.Files, p.Settings)
	if len(files) == 0 {
		return ScoredResponse{}, false
	}

	count := len(files)
	var size int64
	for _, f := range files {
		size += f.Size
	}

	c := Components{
		Quality:      quality.AverageScore(files, p.Settings.Quality),
		FileCount:    FileCountScore(count, p.ExpectedTrackCount, completeness(p.Settings)),
		UploadSpeed:  UploadSpeedBonus(resp.UploadSpeed),
		Completeness: CompletenessScore(count, p.ExpectedTrackCount, completeness(p.Settings)),
	}
	if resp.HasFreeUploadSlot {
		c.Slot = SlotBonus
	}

	return ScoredResponse{
		Response:       resp,
		MusicFiles:     files,
		MusicFileCount: count,
		TotalSize:      size,
		Directories:    GroupByDirectory(files),
		Quality:        quality.Dominant(files),
		Components:     c,
		Score:          c.Total(),
		Exactness:      Exactness(count, p.ExpectedTrackCount),
	}, true
}

// FileCountScore rewards file counts approaching the expected track count and
// decays past it. Without an expected count it grows ten points per file.
func FileCountScore(count, expected int, c domain.CompletenessSettings) float64 {
	limit := c.FileCountCap
	if expected <= 0 {
		return math.Min(float64(count)*fileCountPerFileUnit, limit)
	}
	if count <= expected {
		return limit * float64(count) / float64(expected)
	}
	return decay(limit, count, expected, c.ExcessDecayRate)
}

// UploadSpeedBonus gives one point per 10kB/s, capped at 100.
func UploadSpeedBonus(speed int64) float64 {
	if speed <= 0 {
		return 0
	}
	if speed > uploadSpeedCap {
		speed = uploadSpeedCap
	}
	return float64(speed) / uploadSpeedDivisor
}

// CompletenessScore scores count against expected using the completeness
// weight. Counts below the minimum ratio score zero.
func CompletenessScore(count, expected int, c domain.CompletenessSettings) float64 {
	if !c.Enabled || expected <= 0 {
		return 0
	}
	ratio := float64(count) / float64(expected)
	switch {
	case ratio > 1 && c.PenalizeExcess:
		return decay(c.Weight, count, expected, c.ExcessDecayRate)
	case ratio >= 1:
		return c.Weight
	case ratio >= c.MinCompletenessRatio:
		return c.Weight * ratio
	default:
		return 0
	}
}

// Exactness classifies count against expected.
func Exactness(count, expected int) int {
	switch {
	case expected <= 0 || count < expected:
		return ExactnessIncomplete
	case count == expected:
		return ExactnessExact
	default:
		return ExactnessOvercomplete
	}
}

func decay(full float64, count, expected int, rate float64) float64 {
	excess := float64(count-expected) / float64(expected)
	return full / (1 + rate*excess)
}

func completeness(s domain.ScoringSettings) domain.CompletenessSettings {
	c := s.Completeness
	if c.FileCountCap <= 0 {
		c.FileCountCap = DefaultFileCountCap
	}
	if c.Weight <= 0 {
		c.Weight = DefaultCompleteness
	}
	return c
}
