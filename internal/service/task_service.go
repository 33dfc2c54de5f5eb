package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"resonance/internal/domain"
	"resonance/internal/events"
	"resonance/internal/orchestrator"
	"resonance/internal/repository"
	"resonance/internal/scoring"
	"resonance/internal/wishlist"
)

var (
	ErrNoSnapshot   = orchestrator.ErrNoSnapshot
	ErrPeerNotFound = orchestrator.ErrPeerNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// NewTask describes a wanted album or track.
type NewTask struct {
	Artist string
	Title  string
	Type   domain.TaskType
	Year   int
	MBID   string
}

// SyncResult counts the outcome of a wishlist sync.
type SyncResult struct {
	Entries int `json:"entries"`
	Created int `json:"created"`
}

// TaskService coordinates task level operations backed by repositories.
type TaskService interface {
	// CreateTask returns the task for the wishlist key, creating it when
	// absent. created reports whether a new task was inserted.
	CreateTask(ctx context.Context, in NewTask) (task *domain.Task, created bool, err error)
	SyncWishlist(ctx context.Context, entries []wishlist.Entry) (SyncResult, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string) (*domain.Task, error)
	SkipPeer(ctx context.Context, id, username string) (*domain.Task, error)
	SelectCandidate(ctx context.Context, id, username, directory string) (*domain.Task, error)
	ListCandidates(ctx context.Context, id string) ([]scoring.ScoredResponse, error)
}

type Config struct {
	Logger *logrus.Logger
}

type taskService struct {
	cfg      Config
	tasks    repository.TaskRepository
	files    repository.TaskFileRepository
	orch     *orchestrator.Orchestrator
	notifier events.Notifier
	keys     keyedMutex
}

func NewTaskService(cfg Config, tasks repository.TaskRepository, files repository.TaskFileRepository, orch *orchestrator.Orchestrator, notifier events.Notifier) TaskService {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &taskService{
		cfg:      cfg,
		tasks:    tasks,
		files:    files,
		orch:     orch,
		notifier: notifier,
	}
}

func (s *taskService) CreateTask(ctx context.Context, in NewTask) (*domain.Task, bool, error) {
	in.Artist = strings.TrimSpace(in.Artist)
	in.Title = strings.TrimSpace(in.Title)
	if in.Artist == "" || in.Title == "" {
		return nil, false, fmt.Errorf("%w: artist and title are required", ErrInvalidInput)
	}
	if in.Type == "" {
		in.Type = domain.TaskTypeAlbum
	}
	if in.Type != domain.TaskTypeAlbum && in.Type != domain.TaskTypeTrack {
		return nil, false, fmt.Errorf("%w: unknown task type %q", ErrInvalidInput, in.Type)
	}

	key := domain.WishlistKey(in.Artist, in.Title)
	unlock := s.keys.Lock(key)
	defer unlock()

	task, created, err := s.tasks.FindOrCreateByWishlistKey(ctx, &domain.Task{
		WishlistKey: key,
		Artist:      in.Artist,
		Title:       in.Title,
		Type:        in.Type,
		Year:        in.Year,
		MBID:        in.MBID,
		Status:      domain.TaskStatusPending,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.notifier.Notify(ctx, events.NewEvent(events.EventTaskCreated, task))
		s.cfg.Logger.WithField("task_id", task.ID).Infof("task created for %s", key)
	}
	return task, created, nil
}

func (s *taskService) SyncWishlist(ctx context.Context, entries []wishlist.Entry) (SyncResult, error) {
	result := SyncResult{Entries: len(entries)}
	for _, e := range entries {
		_, created, err := s.CreateTask(ctx, NewTask{Artist: e.Artist, Title: e.Title, Type: e.Type()})
		if err != nil {
			return result, fmt.Errorf("sync %q: %w", e.Key(), err)
		}
		if created {
			result.Created++
		}
	}
	return result, nil
}

func (s *taskService) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Files = files
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	if len(statuses) > 0 {
		return s.tasks.ListByStatuses(ctx, 0, statuses...)
	}
	return s.tasks.List(ctx)
}

func (s *taskService) DeleteTask(ctx context.Context, id string) error {
	return s.tasks.Delete(ctx, id)
}

func (s *taskService) RetryTask(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := task.Status
	if err := task.ResetForRetry(); err != nil {
		return nil, err
	}
	task.RetryCount = 0
	if err := s.tasks.UpdateIf(ctx, task, prev); err != nil {
		return nil, err
	}
	if err := s.files.ReplaceForTask(ctx, task.ID, nil); err != nil {
		s.cfg.Logger.WithField("task_id", task.ID).Warnf("clear task files: %v", err)
	}
	s.notifier.Notify(ctx, events.NewEvent(events.EventTaskUpdated, task))
	return task, nil
}

// SkipPeer excludes username from future scoring of the task and sends it
// back to pending for a fresh search.
func (s *taskService) SkipPeer(ctx context.Context, id, username string) (*domain.Task, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := task.Status
	switch prev {
	case domain.TaskStatusPending:
	case domain.TaskStatusFailed:
		if err := task.ResetForRetry(); err != nil {
			return nil, err
		}
	default:
		if err := task.Transition(domain.TaskStatusPending); err != nil {
			return nil, err
		}
		task.ClearSearchState()
	}
	if !task.IsSkipped(username) {
		task.SkippedUsernames = append(task.SkippedUsernames, username)
	}
	if err := s.tasks.UpdateIf(ctx, task, prev); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, events.NewEvent(events.EventTaskUpdated, task))
	s.cfg.Logger.WithField("task_id", task.ID).Infof("skipping peer %s", username)
	return task, nil
}

func (s *taskService) SelectCandidate(ctx context.Context, id, username, directory string) (*domain.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.orch.ResolveSelection(ctx, task, strings.TrimSpace(username), directory); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *taskService) ListCandidates(ctx context.Context, id string) ([]scoring.ScoredResponse, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.orch.Candidates(task)
}

// keyedMutex serialises work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
