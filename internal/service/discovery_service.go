package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"resonance/internal/domain"
	"resonance/internal/repository"
	"resonance/internal/wishlist"
)

const approveAllPage = 200

// ApproveResult reports what an approval moved and what it queued.
type ApproveResult struct {
	Approved []domain.Discovery `json:"approved"`
	Sync     SyncResult         `json:"sync"`
}

// DiscoveryStats counts the review queue per status.
type DiscoveryStats struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

// DiscoveryService manages the review queue between recommendation sources
// and the wishlist.
type DiscoveryService interface {
	// AddDiscovery queues d for review. added is false when the MBID was
	// seen before, whatever was decided about it.
	AddDiscovery(ctx context.Context, d domain.Discovery) (added bool, err error)
	ListPending(ctx context.Context, filter domain.DiscoveryFilter) ([]domain.Discovery, int, error)
	// Approve moves the given discoveries, or every pending one when all is
	// set, to the wishlist and creates their tasks.
	Approve(ctx context.Context, mbids []string, all bool) (ApproveResult, error)
	Reject(ctx context.Context, mbids []string) ([]domain.Discovery, error)
	Stats(ctx context.Context) (DiscoveryStats, error)
}

type discoveryService struct {
	cfg   Config
	repo  repository.DiscoveryRepository
	tasks TaskService
	list  *wishlist.File
}

// NewDiscoveryService returns a DiscoveryService. list may be nil, in which
// case approvals only create tasks.
func NewDiscoveryService(cfg Config, repo repository.DiscoveryRepository, tasks TaskService, list *wishlist.File) DiscoveryService {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &discoveryService{cfg: cfg, repo: repo, tasks: tasks, list: list}
}

func (s *discoveryService) AddDiscovery(ctx context.Context, d domain.Discovery) (bool, error) {
	d.MBID = strings.TrimSpace(d.MBID)
	d.Artist = strings.TrimSpace(d.Artist)
	d.Album = strings.TrimSpace(d.Album)
	d.Title = strings.TrimSpace(d.Title)
	if d.Type == "" {
		d.Type = domain.TaskTypeAlbum
	}
	switch {
	case d.MBID == "" || d.Artist == "":
		return false, fmt.Errorf("%w: mbid and artist are required", ErrInvalidInput)
	case d.Type != domain.TaskTypeAlbum && d.Type != domain.TaskTypeTrack:
		return false, fmt.Errorf("%w: unknown discovery type %q", ErrInvalidInput, d.Type)
	case d.WishlistTitle() == "":
		return false, fmt.Errorf("%w: %s discoveries need a title", ErrInvalidInput, d.Type)
	}
	switch d.Source {
	case "", domain.DiscoverySourceListenBrainz, domain.DiscoverySourceCatalog:
	default:
		return false, fmt.Errorf("%w: unknown source %q", ErrInvalidInput, d.Source)
	}

	added, err := s.repo.AddPending(ctx, &d)
	if err != nil {
		return false, err
	}
	if added {
		s.cfg.Logger.WithField("mbid", d.MBID).Debugf("discovery queued: %s - %s", d.Artist, d.WishlistTitle())
	}
	return added, nil
}

func (s *discoveryService) ListPending(ctx context.Context, filter domain.DiscoveryFilter) ([]domain.Discovery, int, error) {
	switch filter.Sort {
	case "", "added_at", "score", "artist", "year":
	default:
		return nil, 0, fmt.Errorf("%w: unknown sort %q", ErrInvalidInput, filter.Sort)
	}
	return s.repo.ListPending(ctx, filter)
}

func (s *discoveryService) Approve(ctx context.Context, mbids []string, all bool) (ApproveResult, error) {
	var result ApproveResult
	if all {
		pending, err := s.allPendingMBIDs(ctx)
		if err != nil {
			return result, err
		}
		mbids = pending
	}
	if len(mbids) == 0 {
		if all {
			result.Approved = []domain.Discovery{}
			return result, nil
		}
		return result, fmt.Errorf("%w: no mbids given", ErrInvalidInput)
	}

	approved, err := s.repo.Decide(ctx, mbids, domain.DiscoveryStatusApproved)
	if err != nil {
		return result, err
	}
	result.Approved = approved
	if len(approved) == 0 {
		return result, nil
	}

	entries := make([]wishlist.Entry, 0, len(approved))
	for _, d := range approved {
		entries = append(entries, wishlist.Entry{
			Artist: d.Artist,
			Title:  d.WishlistTitle(),
			Album:  d.Type != domain.TaskTypeTrack,
		})
	}
	if s.list != nil {
		if err := s.list.Append(entries...); err != nil {
			return result, fmt.Errorf("append approved discoveries: %w", err)
		}
	}

	synced, err := s.tasks.SyncWishlist(ctx, entries)
	result.Sync = synced
	if err != nil {
		return result, err
	}
	s.cfg.Logger.Infof("approved %d discoveries, %d new tasks", len(approved), synced.Created)
	return result, nil
}

func (s *discoveryService) Reject(ctx context.Context, mbids []string) ([]domain.Discovery, error) {
	if len(mbids) == 0 {
		return nil, fmt.Errorf("%w: no mbids given", ErrInvalidInput)
	}
	rejected, err := s.repo.Decide(ctx, mbids, domain.DiscoveryStatusRejected)
	if err != nil {
		return nil, err
	}
	if len(rejected) > 0 {
		s.cfg.Logger.Infof("rejected %d discoveries", len(rejected))
	}
	return rejected, nil
}

func (s *discoveryService) Stats(ctx context.Context) (DiscoveryStats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return DiscoveryStats{}, err
	}
	return DiscoveryStats{
		Pending:  counts[domain.DiscoveryStatusPending],
		Approved: counts[domain.DiscoveryStatusApproved],
		Rejected: counts[domain.DiscoveryStatusRejected],
	}, nil
}

func (s *discoveryService) allPendingMBIDs(ctx context.Context) ([]string, error) {
	var mbids []string
	for offset := 0; ; offset += approveAllPage {
		page, total, err := s.repo.ListPending(ctx, domain.DiscoveryFilter{Limit: approveAllPage, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, d := range page {
			mbids = append(mbids, d.MBID)
		}
		if len(page) < approveAllPage || offset+len(page) >= total {
			return mbids, nil
		}
	}
}
