package domain

import "time"

type SelectionMode string

const (
	SelectionModeAuto   SelectionMode = "auto"
	SelectionModeManual SelectionMode = "manual"
)

// QuerySettings drives query construction.
type QuerySettings struct {
	AlbumTemplate     string
	TrackTemplate     string
	FallbackTemplates []string
	ExcludeTerms      []string
}

// QualityPreferences controls quality scoring and rejection.
type QualityPreferences struct {
	Enabled          bool
	PreferredFormats []string
	MinBitrate       int
	PreferLossless   bool
	RejectLowQuality bool
	RejectLossless   bool
}

// CompletenessSettings controls scoring against an expected track count.
type CompletenessSettings struct {
	Enabled              bool
	Weight               float64
	MinCompletenessRatio float64
	FileCountCap         float64
	ExcessDecayRate      float64
	PenalizeExcess       bool
	RequireComplete      bool
}

// RetrySettings bounds the search retry loop.
type RetrySettings struct {
	Enabled         bool
	MaxAttempts     int
	SimplifyOnRetry bool
	Delay           time.Duration
}

// ScoringSettings is everything the response scorer and file selector read.
type ScoringSettings struct {
	MinFileSizeBytes    int64
	MaxFileSizeBytes    int64
	Quality             QualityPreferences
	Completeness        CompletenessSettings
	PreferAlbumFolder   bool
	PreferCompleteAlbum bool
	MinAlbumTracks      int
}

// SearchSettings controls a single backend search attempt.
type SearchSettings struct {
	Timeout          time.Duration
	PollInterval     time.Duration
	MaxWait          time.Duration
	MinResponseFiles int
}

// SelectionSettings controls auto versus manual selection.
type SelectionSettings struct {
	Mode                 SelectionMode
	Timeout              time.Duration
	MaxSnapshotResponses int
	MaxSnapshotBytes     int
}

// PipelineSettings is the fully resolved configuration for one job run.
type PipelineSettings struct {
	Query     QuerySettings
	Scoring   ScoringSettings
	Retry     RetrySettings
	Search    SearchSettings
	Selection SelectionSettings
	BatchSize int
}
