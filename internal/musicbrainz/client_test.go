package musicbrainz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance/internal/backend"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, UserAgent: "resonance-test/0.1", RequestsPerSecond: 1000})
}

func TestReleaseGroupPrefersOfficialRelease(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/release", r.URL.Path)
		assert.Equal(t, "rg-1", r.URL.Query().Get("release-group"))
		assert.Equal(t, "media", r.URL.Query().Get("inc"))
		assert.Equal(t, "resonance-test/0.1", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"releases":[
			{"id":"bootleg","status":"Bootleg","media":[{"track-count":14}]},
			{"id":"official","status":"Official","media":[{"track-count":7},{"track-count":5}]}]}`))
	})
	n, err := c.ResolveExpectedTrackCount(context.Background(), backend.TrackCountQuery{MBID: "rg-1"})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, 12, *n)
}

func TestReleaseGroupFallsBackToFirstRelease(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"releases":[
			{"id":"empty","status":"Official","media":[]},
			{"id":"promo","status":"Promotion","media":[{"track-count":9}]}]}`))
	})
	n, err := c.ResolveExpectedTrackCount(context.Background(), backend.TrackCountQuery{MBID: "rg-1"})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, 9, *n)
}

func TestSearchUsesFirstConfidentMatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `release:"Tago Mago" AND artist:"Can"`, r.URL.Query().Get("query"))
		_, _ = w.Write([]byte(`{"releases":[
			{"id":"a","score":100,"track-count":0},
			{"id":"b","score":95,"track-count":7},
			{"id":"c","score":90,"track-count":10}]}`))
	})
	n, err := c.ResolveExpectedTrackCount(context.Background(), backend.TrackCountQuery{Artist: "Can", Album: "Tago Mago"})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, 7, *n)
}

func TestSearchIgnoresLowScores(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"releases":[{"id":"a","score":60,"track-count":11}]}`))
	})
	n, err := c.ResolveExpectedTrackCount(context.Background(), backend.TrackCountQuery{Artist: "Can", Album: "Soon Over Babaluma"})
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestNotFoundIsUnknown(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	n, err := c.ResolveExpectedTrackCount(context.Background(), backend.TrackCountQuery{MBID: "missing"})
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestServerErrorIsReported(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := c.ResolveExpectedTrackCount(context.Background(), backend.TrackCountQuery{MBID: "rg"})
	assert.Error(t, err)
}

func TestNothingToResolve(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:0"})
	n, err := c.ResolveExpectedTrackCount(context.Background(), backend.TrackCountQuery{Artist: "Can"})
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestLuceneEscape(t *testing.T) {
	assert.Equal(t, `say \"hi\"`, luceneEscape(`say "hi"`))
}
