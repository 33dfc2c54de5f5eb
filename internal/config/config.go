package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"resonance/internal/domain"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Log struct {
		Level string
	}
	Slskd struct {
		URL    string
		APIKey string `mapstructure:"api_key"`
	}
	MusicBrainz struct {
		Enabled   bool
		BaseURL   string  `mapstructure:"base_url"`
		UserAgent string  `mapstructure:"user_agent"`
		Rate      float64 `mapstructure:"rate"`
	}
	Wishlist struct {
		Path string
		// Sync loads the wishlist into tasks before every job run.
		Sync bool
	}
	Downloader struct {
		Interval     time.Duration
		InitialDelay time.Duration `mapstructure:"initial_delay"`
		BatchSize    int           `mapstructure:"batch_size"`
	}
	Search struct {
		AlbumTemplate     string        `mapstructure:"album_template"`
		TrackTemplate     string        `mapstructure:"track_template"`
		FallbackTemplates []string      `mapstructure:"fallback_templates"`
		ExcludeTerms      []string      `mapstructure:"exclude_terms"`
		Timeout           time.Duration `mapstructure:"timeout"`
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		MaxWait           time.Duration `mapstructure:"max_wait"`
		MinResponseFiles  int           `mapstructure:"min_response_files"`
		MinFileSizeMB     float64       `mapstructure:"min_file_size_mb"`
		MaxFileSizeMB     float64       `mapstructure:"max_file_size_mb"`
		PreferAlbumFolder bool          `mapstructure:"prefer_album_folder"`
		PreferComplete    bool          `mapstructure:"prefer_complete_album"`
		MinAlbumTracks    int           `mapstructure:"min_album_tracks"`
	}
	Quality struct {
		Enabled          bool
		PreferredFormats []string `mapstructure:"preferred_formats"`
		MinBitrate       int      `mapstructure:"min_bitrate"`
		PreferLossless   bool     `mapstructure:"prefer_lossless"`
		RejectLowQuality bool     `mapstructure:"reject_low_quality"`
		RejectLossless   bool     `mapstructure:"reject_lossless"`
	}
	Completeness struct {
		Enabled              bool
		Weight               float64
		MinCompletenessRatio float64 `mapstructure:"min_completeness_ratio"`
		FileCountCap         float64 `mapstructure:"file_count_cap"`
		ExcessDecayRate      float64 `mapstructure:"excess_decay_rate"`
		PenalizeExcess       bool    `mapstructure:"penalize_excess"`
		RequireComplete      bool    `mapstructure:"require_complete"`
	}
	Retry struct {
		Enabled         bool
		MaxAttempts     int  `mapstructure:"max_attempts"`
		SimplifyOnRetry bool `mapstructure:"simplify_on_retry"`
		Delay           time.Duration
	}
	Selection struct {
		Mode                 string
		TimeoutHours         float64 `mapstructure:"timeout_hours"`
		MaxSnapshotResponses int     `mapstructure:"max_snapshot_responses"`
		MaxSnapshotBytes     int     `mapstructure:"max_snapshot_bytes"`
	}
}

var defaults = map[string]any{
	"server.addr":   "0.0.0.0:8080",
	"database.path": "data/resonance.db",
	"log.level":     "info",

	"slskd.url":     "http://localhost:5030",
	"slskd.api_key": "",

	"musicbrainz.enabled":    true,
	"musicbrainz.base_url":   "https://musicbrainz.org/ws/2",
	"musicbrainz.user_agent": "resonance/1.0",
	"musicbrainz.rate":       1.0,

	"wishlist.path": "data/wishlist.txt",
	"wishlist.sync": true,

	"downloader.interval":      "10m",
	"downloader.initial_delay": "30s",
	"downloader.batch_size":    10,

	"search.album_template":        "{artist} {album}",
	"search.track_template":        "{artist} {title}",
	"search.fallback_templates":    []string{"{artist} {album} {year}", "{album}"},
	"search.exclude_terms":         []string{},
	"search.timeout":               "15s",
	"search.poll_interval":         "2s",
	"search.max_wait":              "45s",
	"search.min_response_files":    1,
	"search.min_file_size_mb":      1.0,
	"search.max_file_size_mb":      0.0,
	"search.prefer_album_folder":   true,
	"search.prefer_complete_album": true,
	"search.min_album_tracks":      3,

	"quality.enabled":            true,
	"quality.preferred_formats":  []string{"flac", "mp3"},
	"quality.min_bitrate":        192,
	"quality.prefer_lossless":    true,
	"quality.reject_low_quality": false,
	"quality.reject_lossless":    false,

	"completeness.enabled":                true,
	"completeness.weight":                 500.0,
	"completeness.min_completeness_ratio": 0.0,
	"completeness.file_count_cap":         200.0,
	"completeness.excess_decay_rate":      0.5,
	"completeness.penalize_excess":        true,
	"completeness.require_complete":       false,

	"retry.enabled":           true,
	"retry.max_attempts":      3,
	"retry.simplify_on_retry": true,
	"retry.delay":             "5s",

	"selection.mode":                   "auto",
	"selection.timeout_hours":          24.0,
	"selection.max_snapshot_responses": 20,
	"selection.max_snapshot_bytes":     512 * 1024,
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("RESONANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch domain.SelectionMode(c.Selection.Mode) {
	case domain.SelectionModeAuto, domain.SelectionModeManual:
	default:
		return fmt.Errorf("invalid selection.mode %q", c.Selection.Mode)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Search.MaxFileSizeMB > 0 && c.Search.MaxFileSizeMB < c.Search.MinFileSizeMB {
		return fmt.Errorf("search.max_file_size_mb is below search.min_file_size_mb")
	}
	return nil
}

// Pipeline resolves the settings consumed by one job run.
func (c Config) Pipeline() domain.PipelineSettings {
	const mb = 1024 * 1024
	return domain.PipelineSettings{
		Query: domain.QuerySettings{
			AlbumTemplate:     c.Search.AlbumTemplate,
			TrackTemplate:     c.Search.TrackTemplate,
			FallbackTemplates: nonEmpty(c.Search.FallbackTemplates),
			ExcludeTerms:      nonEmpty(c.Search.ExcludeTerms),
		},
		Scoring: domain.ScoringSettings{
			MinFileSizeBytes: int64(c.Search.MinFileSizeMB * mb),
			MaxFileSizeBytes: int64(c.Search.MaxFileSizeMB * mb),
			Quality: domain.QualityPreferences{
				Enabled:          c.Quality.Enabled,
				PreferredFormats: nonEmpty(c.Quality.PreferredFormats),
				MinBitrate:       c.Quality.MinBitrate,
				PreferLossless:   c.Quality.PreferLossless,
				RejectLowQuality: c.Quality.RejectLowQuality,
				RejectLossless:   c.Quality.RejectLossless,
			},
			Completeness: domain.CompletenessSettings{
				Enabled:              c.Completeness.Enabled,
				Weight:               c.Completeness.Weight,
				MinCompletenessRatio: c.Completeness.MinCompletenessRatio,
				FileCountCap:         c.Completeness.FileCountCap,
				ExcessDecayRate:      c.Completeness.ExcessDecayRate,
				PenalizeExcess:       c.Completeness.PenalizeExcess,
				RequireComplete:      c.Completeness.RequireComplete,
			},
			PreferAlbumFolder:   c.Search.PreferAlbumFolder,
			PreferCompleteAlbum: c.Search.PreferComplete,
			MinAlbumTracks:      c.Search.MinAlbumTracks,
		},
		Retry: domain.RetrySettings{
			Enabled:         c.Retry.Enabled,
			MaxAttempts:     c.Retry.MaxAttempts,
			SimplifyOnRetry: c.Retry.SimplifyOnRetry,
			Delay:           c.Retry.Delay,
		},
		Search: domain.SearchSettings{
			Timeout:          c.Search.Timeout,
			PollInterval:     c.Search.PollInterval,
			MaxWait:          c.Search.MaxWait,
			MinResponseFiles: c.Search.MinResponseFiles,
		},
		Selection: domain.SelectionSettings{
			Mode:                 domain.SelectionMode(c.Selection.Mode),
			Timeout:              time.Duration(c.Selection.TimeoutHours * float64(time.Hour)),
			MaxSnapshotResponses: c.Selection.MaxSnapshotResponses,
			MaxSnapshotBytes:     c.Selection.MaxSnapshotBytes,
		},
		BatchSize: c.Downloader.BatchSize,
	}
}

// nonEmpty trims entries and drops blanks, as env lists often carry them.
func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
