package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance/internal/domain"
	"resonance/internal/events"
	"resonance/internal/orchestrator"
	"resonance/internal/repository"
	"resonance/internal/repository/sqlite"
	"resonance/internal/snapshot"
	"resonance/internal/wishlist"
)

type enqueueBackend struct {
	mu       sync.Mutex
	enqueued map[string][]domain.SearchFile
}

func (b *enqueueBackend) Search(context.Context, string, time.Duration, int) (string, error) {
	return "", nil
}

func (b *enqueueBackend) SearchState(context.Context, string) (domain.SearchState, error) {
	return domain.SearchStateUnknown, nil
}

func (b *enqueueBackend) SearchResponses(context.Context, string) ([]domain.SearchResponse, error) {
	return nil, nil
}

func (b *enqueueBackend) DeleteSearch(context.Context, string) error { return nil }

func (b *enqueueBackend) Enqueue(_ context.Context, username string, files []domain.SearchFile) (*domain.EnqueueResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued[username] = files
	res := &domain.EnqueueResult{}
	for _, f := range files {
		res.Enqueued = append(res.Enqueued, domain.TransferState{ID: f.Filename, Filename: f.Filename, Size: f.Size})
	}
	return res, nil
}

func (b *enqueueBackend) Downloads(context.Context) ([]domain.PeerTransfers, error) {
	return nil, nil
}

type collected struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collected) Notify(_ context.Context, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collected) count(t events.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc         TaskService
	tasks       repository.TaskRepository
	files       repository.TaskFileRepository
	discoveries repository.DiscoveryRepository
	backend     *enqueueBackend
	events      *collected
	logger      *logrus.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	tasks := sqlite.NewTaskRepository(db)
	files := sqlite.NewTaskFileRepository(db)
	require.NoError(t, tasks.Init(ctx))
	require.NoError(t, files.Init(ctx))
	discoveries := sqlite.NewDiscoveryRepository(db)
	require.NoError(t, discoveries.Init(ctx))

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	f := &fixture{
		tasks:       tasks,
		files:       files,
		discoveries: discoveries,
		backend:     &enqueueBackend{enqueued: map[string][]domain.SearchFile{}},
		events:      &collected{},
		logger:      logger,
	}
	settings := domain.PipelineSettings{
		Scoring:   domain.ScoringSettings{MinAlbumTracks: 3, PreferAlbumFolder: true},
		Selection: domain.SelectionSettings{Mode: domain.SelectionModeManual},
	}
	orch := orchestrator.New(orchestrator.Config{Settings: settings, Logger: logger}, f.backend, nil, tasks, files, f.events)
	f.svc = NewTaskService(Config{Logger: logger}, tasks, files, orch, f.events)
	return f
}

func (f *fixture) pendingSelection(t *testing.T, responses ...domain.SearchResponse) *domain.Task {
	t.Helper()
	data, _, err := snapshot.Encode(responses, 0, 0)
	require.NoError(t, err)
	task, _, err := f.svc.CreateTask(context.Background(), NewTask{Artist: "A", Title: "B"})
	require.NoError(t, err)
	task.Status = domain.TaskStatusPendingSelection
	task.SearchResults = data
	require.NoError(t, f.tasks.Update(context.Background(), task))
	return task
}

func response(username string, dirs ...string) domain.SearchResponse {
	resp := domain.SearchResponse{Username: username, HasFreeUploadSlot: true}
	for _, dir := range dirs {
		for i := 1; i <= 3; i++ {
			resp.Files = append(resp.Files, domain.SearchFile{
				Filename: dir + `\0` + string(rune('0'+i)) + ".flac",
				Size:     int64(1000 * i),
			})
		}
	}
	return resp
}

func TestCreateTaskIsIdempotentPerWishlistKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.svc.CreateTask(ctx, NewTask{Artist: " Can ", Title: "Tago Mago"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.TaskTypeAlbum, first.Type)
	assert.Equal(t, "Can - Tago Mago", first.WishlistKey)

	second, created, err := f.svc.CreateTask(ctx, NewTask{Artist: "Can", Title: "Tago Mago"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.events.count(events.EventTaskCreated))

	_, _, err = f.svc.CreateTask(ctx, NewTask{Artist: "", Title: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = f.svc.CreateTask(ctx, NewTask{Artist: "a", Title: "x", Type: "ep"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSyncWishlistConcurrentlyCreatesOneTaskPerKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entries := []wishlist.Entry{
		{Artist: "Can", Title: "Tago Mago", Album: true},
		{Artist: "Can", Title: "Vitamin C"},
		{Artist: "Can", Title: "Tago Mago", Album: true},
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.SyncWishlist(ctx, entries)
			if assert.NoError(t, err) {
				mu.Lock()
				created += res.Created
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, created)
	tasks, err := f.svc.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tracks := 0
	for _, task := range tasks {
		if task.Type == domain.TaskTypeTrack {
			tracks++
		}
	}
	assert.Equal(t, 1, tracks)
}

func TestRetryTaskResetsFailedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task, _, err := f.svc.CreateTask(ctx, NewTask{Artist: "A", Title: "B"})
	require.NoError(t, err)

	_, err = f.svc.RetryTask(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	task.Status = domain.TaskStatusFailed
	task.ErrorMessage = "no usable results"
	task.SearchID = "s1"
	task.RetryCount = 2
	require.NoError(t, f.tasks.Update(ctx, task))

	retried, err := f.svc.RetryTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, retried.Status)

	stored, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, stored.Status)
	assert.Empty(t, stored.ErrorMessage)
	assert.Empty(t, stored.SearchID)
	assert.Zero(t, stored.RetryCount)

	_, err = f.svc.RetryTask(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestSkipPeerResetsSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.pendingSelection(t, response("peer", `Music\A - B`))

	skipped, err := f.svc.SkipPeer(ctx, task.ID, "peer")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, skipped.Status)

	stored, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"peer"}, stored.SkippedUsernames)
	assert.Empty(t, stored.SearchResults)

	again, err := f.svc.SkipPeer(ctx, task.ID, "peer")
	require.NoError(t, err)
	assert.Equal(t, []string{"peer"}, again.SkippedUsernames)

	_, err = f.svc.SkipPeer(ctx, task.ID, " ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSelectCandidateEnqueuesChosenDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.pendingSelection(t,
		response("top", `Music\A - B`),
		response("picky", `Music\A\B (CD1)`, `Music\A\B (CD2)`),
	)

	candidates, err := f.svc.ListCandidates(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	selected, err := f.svc.SelectCandidate(ctx, task.ID, "picky", "Music/A/B (CD2)")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, selected.Status)
	assert.Equal(t, "Music/A/B (CD2)", selected.Directory)

	f.backend.mu.Lock()
	files := f.backend.enqueued["picky"]
	f.backend.mu.Unlock()
	require.Len(t, files, 3)
	for _, file := range files {
		assert.Contains(t, file.Filename, "CD2")
	}

	stored, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Files, 3)

	_, err = f.svc.SelectCandidate(ctx, task.ID, "top", "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSelectCandidateUnknownPeer(t *testing.T) {
	f := newFixture(t)
	task := f.pendingSelection(t, response("top", `Music\A - B`))
	_, err := f.svc.SelectCandidate(context.Background(), task.ID, "ghost", "")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestListCandidatesWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	task, _, err := f.svc.CreateTask(context.Background(), NewTask{Artist: "A", Title: "B"})
	require.NoError(t, err)
	_, err = f.svc.ListCandidates(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock("a")
	unlock()
	assert.Empty(t, k.locks)
}
