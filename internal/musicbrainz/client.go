// Package musicbrainz resolves the expected track count of an album from the
// MusicBrainz web service.
package musicbrainz

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"resonance/internal/backend"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultBaseURL   = "https://musicbrainz.org/ws/2"
	DefaultUserAgent = "resonance/1.0 ( https://github.com/resonance )"
	// minSearchScore is the lowest search score accepted as a match.
	minSearchScore = 80
)

type Config struct {
	BaseURL   string
	UserAgent string
	// RequestsPerSecond defaults to 1, the anonymous MusicBrainz limit.
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *logrus.Logger
}

// Client looks up releases and counts their tracks.
type Client struct {
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

type release struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Score  int    `json:"score"`
	// TrackCount is only set on search results.
	TrackCount int `json:"track-count"`
	Media      []struct {
		TrackCount int `json:"track-count"`
	} `json:"media"`
}

func (r release) tracks() int {
	if len(r.Media) == 0 {
		return r.TrackCount
	}
	n := 0
	for _, m := range r.Media {
		n += m.TrackCount
	}
	return n
}

type releaseList struct {
	Releases []release `json:"releases"`
}

// ResolveExpectedTrackCount returns the track count of the album. With an
// MBID the releases of that release group are browsed and an official
// release preferred; otherwise the best search match by artist and album is
// used. A nil count means the album could not be resolved.
func (c *Client) ResolveExpectedTrackCount(ctx context.Context, q backend.TrackCountQuery) (*int, error) {
	var (
		n   int
		err error
	)
	switch {
	case q.MBID != "":
		n, err = c.releaseGroupTracks(ctx, q.MBID)
	case q.Artist != "" && q.Album != "":
		n, err = c.searchTracks(ctx, q.Artist, q.Album)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		c.cfg.Logger.Debugf("musicbrainz: no track count for %+v", q)
		return nil, nil
	}
	return &n, nil
}

func (c *Client) releaseGroupTracks(ctx context.Context, mbid string) (int, error) {
	v := url.Values{}
	v.Set("release-group", mbid)
	v.Set("inc", "media")
	v.Set("fmt", "json")

	var list releaseList
	found, err := c.get(ctx, "/release?"+v.Encode(), &list)
	if err != nil || !found {
		return 0, err
	}
	var first int
	for _, r := range list.Releases {
		n := r.tracks()
		if n <= 0 {
			continue
		}
		if strings.EqualFold(r.Status, "Official") {
			return n, nil
		}
		if first == 0 {
			first = n
		}
	}
	return first, nil
}

func (c *Client) searchTracks(ctx context.Context, artist, album string) (int, error) {
	v := url.Values{}
	v.Set("query", fmt.Sprintf(`release:"%s" AND artist:"%s"`, luceneEscape(album), luceneEscape(artist)))
	v.Set("limit", "5")
	v.Set("fmt", "json")

	var list releaseList
	found, err := c.get(ctx, "/release?"+v.Encode(), &list)
	if err != nil || !found {
		return 0, err
	}
	for _, r := range list.Releases {
		if r.Score < minSearchScore {
			continue
		}
		if n := r.tracks(); n > 0 {
			return n, nil
		}
	}
	return 0, nil
}

// get fetches path into dst. found is false on 404.
func (c *Client) get(ctx context.Context, path string, dst any) (found bool, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("musicbrainz: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("musicbrainz: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusServiceUnavailable:
		return false, fmt.Errorf("musicbrainz: rate limited")
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("musicbrainz: HTTP %d for %s", resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("musicbrainz: read response: %w", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return false, fmt.Errorf("musicbrainz: decode response: %w", err)
	}
	return true, nil
}

var luceneSpecial = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func luceneEscape(s string) string {
	return luceneSpecial.Replace(s)
}

var _ backend.TrackCountResolver = (*Client)(nil)
