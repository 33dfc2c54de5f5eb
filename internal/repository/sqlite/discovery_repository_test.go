package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance/internal/domain"
)

func newDiscovery(mbid, artist, album string, added time.Time) *domain.Discovery {
	return &domain.Discovery{
		MBID:    mbid,
		Artist:  artist,
		Album:   album,
		Type:    domain.TaskTypeAlbum,
		Source:  domain.DiscoverySourceListenBrainz,
		AddedAt: added,
	}
}

func TestDiscoveryAddPendingRoundTrip(t *testing.T) {
	repo := NewDiscoveryRepository(openTestDB(t))
	ctx := context.Background()

	score := 0.82
	d := newDiscovery("mb-1", "Pat Metheny", "Still Life", time.Time{})
	d.Year = 1987
	d.Score = &score
	d.SimilarTo = []string{"Lyle Mays", "Jaco Pastorius"}
	d.CoverURL = "https://coverartarchive.org/release-group/mb-1/front-250"

	added, err := repo.AddPending(ctx, d)
	require.NoError(t, err)
	assert.True(t, added)
	assert.False(t, d.AddedAt.IsZero())

	items, total, err := repo.ListPending(ctx, domain.DiscoveryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	got := items[0]
	assert.Equal(t, "Still Life", got.Album)
	assert.Equal(t, domain.DiscoveryStatusPending, got.Status)
	assert.Equal(t, 1987, got.Year)
	require.NotNil(t, got.Score)
	assert.InDelta(t, 0.82, *got.Score, 1e-9)
	assert.Equal(t, []string{"Lyle Mays", "Jaco Pastorius"}, got.SimilarTo)
	assert.Nil(t, got.DecidedAt)
}

func TestDiscoveryRejectedMBIDIsNotRediscovered(t *testing.T) {
	repo := NewDiscoveryRepository(openTestDB(t))
	ctx := context.Background()

	_, err := repo.AddPending(ctx, newDiscovery("mb-1", "A", "X", time.Time{}))
	require.NoError(t, err)

	moved, err := repo.Decide(ctx, []string{"mb-1"}, domain.DiscoveryStatusRejected)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, domain.DiscoveryStatusRejected, moved[0].Status)
	assert.NotNil(t, moved[0].DecidedAt)

	added, err := repo.AddPending(ctx, newDiscovery("mb-1", "A", "X", time.Time{}))
	require.NoError(t, err)
	assert.False(t, added)

	items, total, err := repo.ListPending(ctx, domain.DiscoveryFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)
}

func TestDiscoveryDecideOnlyMovesPending(t *testing.T) {
	repo := NewDiscoveryRepository(openTestDB(t))
	ctx := context.Background()

	for _, mbid := range []string{"mb-1", "mb-2"} {
		_, err := repo.AddPending(ctx, newDiscovery(mbid, "A", mbid, time.Time{}))
		require.NoError(t, err)
	}

	moved, err := repo.Decide(ctx, []string{"mb-1"}, domain.DiscoveryStatusApproved)
	require.NoError(t, err)
	require.Len(t, moved, 1)

	// mb-1 was already decided and mb-404 never existed
	moved, err = repo.Decide(ctx, []string{"mb-1", "mb-2", "mb-404"}, domain.DiscoveryStatusRejected)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "mb-2", moved[0].MBID)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[domain.DiscoveryStatusPending])
	assert.Equal(t, 1, counts[domain.DiscoveryStatusApproved])
	assert.Equal(t, 1, counts[domain.DiscoveryStatusRejected])

	_, err = repo.Decide(ctx, []string{"mb-1"}, domain.DiscoveryStatusPending)
	assert.Error(t, err)
}

func TestDiscoveryListPendingFiltersSortsAndPages(t *testing.T) {
	repo := NewDiscoveryRepository(openTestDB(t))
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := []struct {
		mbid, artist, source string
		year                 int
	}{
		{"mb-1", "Charlie", domain.DiscoverySourceListenBrainz, 1990},
		{"mb-2", "alice", domain.DiscoverySourceCatalog, 1975},
		{"mb-3", "Bob", domain.DiscoverySourceListenBrainz, 2001},
	}
	for i, s := range seed {
		d := newDiscovery(s.mbid, s.artist, "LP", base.Add(time.Duration(i)*time.Hour))
		d.Source = s.source
		d.Year = s.year
		_, err := repo.AddPending(ctx, d)
		require.NoError(t, err)
	}

	items, total, err := repo.ListPending(ctx, domain.DiscoveryFilter{Sort: "artist"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"alice", "Bob", "Charlie"}, discoveryArtists(items))

	items, total, err = repo.ListPending(ctx, domain.DiscoveryFilter{Sort: "year", Desc: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"Bob", "Charlie"}, discoveryArtists(items))

	items, total, err = repo.ListPending(ctx, domain.DiscoveryFilter{Source: domain.DiscoverySourceListenBrainz, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"Bob"}, discoveryArtists(items))

	_, _, err = repo.ListPending(ctx, domain.DiscoveryFilter{Sort: "mbid; DROP TABLE discoveries"})
	assert.Error(t, err)
}

func discoveryArtists(items []domain.Discovery) []string {
	out := make([]string, len(items))
	for i, d := range items {
		out[i] = d.Artist
	}
	return out
}
