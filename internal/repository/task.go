package repository

import (
	"context"

	"resonance/internal/domain"
)

// TaskRepository exposes persistence operations for download tasks.
type TaskRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, task *domain.Task) error
	// FindOrCreateByWishlistKey atomically returns the task for the task's
	// wishlist key, inserting task when none exists.
	FindOrCreateByWishlistKey(ctx context.Context, task *domain.Task) (*domain.Task, bool, error)
	Update(ctx context.Context, task *domain.Task) error
	// UpdateIf persists task only when the stored status equals expected.
	// It returns domain.ErrStatusConflict otherwise.
	UpdateIf(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	// ListByStatuses returns up to limit tasks (all when limit <= 0) in
	// ascending queue time.
	ListByStatuses(ctx context.Context, limit int, statuses ...domain.TaskStatus) ([]domain.Task, error)
}

// TaskFileRepository stores the files enqueued for a task.
type TaskFileRepository interface {
	Init(ctx context.Context) error
	ReplaceForTask(ctx context.Context, taskID string, files []domain.TaskFile) error
	ListByTask(ctx context.Context, taskID string) ([]domain.TaskFile, error)
}

// DiscoveryRepository stores the discovery review queue.
type DiscoveryRepository interface {
	Init(ctx context.Context) error
	// AddPending inserts d as pending. It reports false without error when
	// the MBID is already known in any status, including rejected.
	AddPending(ctx context.Context, d *domain.Discovery) (bool, error)
	// ListPending returns one page of pending discoveries and the total
	// number matching the filter.
	ListPending(ctx context.Context, filter domain.DiscoveryFilter) ([]domain.Discovery, int, error)
	// Decide moves the pending discoveries among mbids to status and returns
	// the ones it moved.
	Decide(ctx context.Context, mbids []string, status domain.DiscoveryStatus) ([]domain.Discovery, error)
	CountByStatus(ctx context.Context) (map[domain.DiscoveryStatus]int, error)
}
