package domain

import "time"

// DiscoveryStatus is the review state of a discovered release.
type DiscoveryStatus string

const (
	DiscoveryStatusPending  DiscoveryStatus = "pending"
	DiscoveryStatusApproved DiscoveryStatus = "approved"
	DiscoveryStatusRejected DiscoveryStatus = "rejected"
)

const (
	DiscoverySourceListenBrainz = "listenbrainz"
	DiscoverySourceCatalog      = "catalog"
)

// Discovery is a recommended album or track waiting for a human decision.
// Approved discoveries feed the wishlist. Rejected ones are kept by MBID so
// the same release is never proposed again.
type Discovery struct {
	MBID        string
	Artist      string
	Album       string
	Title       string
	Type        TaskType
	Year        int
	Score       *float64
	Source      string
	SimilarTo   []string
	SourceTrack string
	CoverURL    string
	Status      DiscoveryStatus
	AddedAt     time.Time
	DecidedAt   *time.Time
}

// WishlistTitle is the album for album discoveries and the track title
// otherwise.
func (d Discovery) WishlistTitle() string {
	if d.Type == TaskTypeTrack {
		return d.Title
	}
	return d.Album
}

// DiscoveryFilter narrows and orders a pending listing.
type DiscoveryFilter struct {
	Source string
	// Sort is one of added_at, score, artist or year.
	Sort   string
	Desc   bool
	Limit  int
	Offset int
}
