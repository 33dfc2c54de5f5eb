// Package backend declares the external capabilities the pipeline depends on.
package backend

import (
	"context"
	"time"

	"resonance/internal/domain"
)

// SearchBackend is the peer-to-peer search and transfer service.
type SearchBackend interface {
	// Search starts a search and returns its id. An empty id with a nil error
	// means the backend accepted the request but produced no search.
	Search(ctx context.Context, query string, timeout time.Duration, minFiles int) (string, error)
	SearchState(ctx context.Context, searchID string) (domain.SearchState, error)
	SearchResponses(ctx context.Context, searchID string) ([]domain.SearchResponse, error)
	DeleteSearch(ctx context.Context, searchID string) error
	Enqueue(ctx context.Context, username string, files []domain.SearchFile) (*domain.EnqueueResult, error)
	Downloads(ctx context.Context) ([]domain.PeerTransfers, error)
}

// TrackCountQuery identifies the release whose track count is wanted.
type TrackCountQuery struct {
	MBID   string
	Artist string
	Album  string
}

// TrackCountResolver resolves the expected number of tracks of an album.
// A nil count with a nil error means unknown.
type TrackCountResolver interface {
	ResolveExpectedTrackCount(ctx context.Context, q TrackCountQuery) (*int, error)
}
