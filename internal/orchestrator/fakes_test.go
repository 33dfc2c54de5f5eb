package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"resonance/internal/backend"
	"resonance/internal/domain"
	"resonance/internal/events"
	"resonance/internal/repository"
	"resonance/internal/repository/sqlite"
)

// fakeBackend answers searches from a per-query table. Searches complete
// immediately unless their query is listed in running.
type fakeBackend struct {
	mu sync.Mutex

	responses map[string][]domain.SearchResponse
	running   map[string]bool
	cancelled map[string]bool
	gone      map[string]bool

	searches []string
	queryOf  map[string]string
	deleted  []string
	enqueued [][]domain.SearchFile

	searchErr  error
	enqueueErr error
	// rejectFiles lists filenames the backend refuses to enqueue.
	rejectFiles map[string]bool
	onSearch    func(query string)
	onEnqueue   func()
}

var _ backend.SearchBackend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		responses:   map[string][]domain.SearchResponse{},
		running:     map[string]bool{},
		cancelled:   map[string]bool{},
		gone:        map[string]bool{},
		queryOf:     map[string]string{},
		rejectFiles: map[string]bool{},
	}
}

func (f *fakeBackend) Search(_ context.Context, query string, _ time.Duration, _ int) (string, error) {
	f.mu.Lock()
	hook := f.onSearch
	f.searches = append(f.searches, query)
	if f.searchErr != nil {
		f.mu.Unlock()
		return "", f.searchErr
	}
	id := fmt.Sprintf("search-%d", len(f.searches))
	f.queryOf[id] = query
	f.mu.Unlock()
	if hook != nil {
		hook(query)
	}
	return id, nil
}

func (f *fakeBackend) SearchState(_ context.Context, id string) (domain.SearchState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queryOf[id]
	switch {
	case !ok || f.gone[id]:
		return domain.SearchStateUnknown, nil
	case f.cancelled[q]:
		return domain.SearchStateCancelled, nil
	case f.running[q]:
		return domain.SearchStateInProgress, nil
	default:
		return domain.SearchStateCompleted, nil
	}
}

func (f *fakeBackend) SearchResponses(_ context.Context, id string) ([]domain.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responses[f.queryOf[id]], nil
}

func (f *fakeBackend) DeleteSearch(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackend) Enqueue(_ context.Context, _ string, files []domain.SearchFile) (*domain.EnqueueResult, error) {
	if f.onEnqueue != nil {
		f.onEnqueue()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, files)
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	res := &domain.EnqueueResult{}
	for i, file := range files {
		if f.rejectFiles[file.Filename] {
			res.Failed = append(res.Failed, file.Filename)
			continue
		}
		res.Enqueued = append(res.Enqueued, domain.TransferState{
			ID:       fmt.Sprintf("tr-%d", i),
			Filename: file.Filename,
			Size:     file.Size,
			State:    "Queued, Remotely",
		})
	}
	return res, nil
}

func (f *fakeBackend) Downloads(context.Context) ([]domain.PeerTransfers, error) {
	return nil, nil
}

func (f *fakeBackend) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

type fakeResolver struct {
	count *int
	calls int
}

func (r *fakeResolver) ResolveExpectedTrackCount(context.Context, backend.TrackCountQuery) (*int, error) {
	r.calls++
	return r.count, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	backend  *fakeBackend
	tasks    repository.TaskRepository
	files    repository.TaskFileRepository
	events   *recorder
	resolver *fakeResolver
}

func testSettings() domain.PipelineSettings {
	return domain.PipelineSettings{
		Scoring: domain.ScoringSettings{
			Quality: domain.QualityPreferences{Enabled: true, PreferLossless: true},
			Completeness: domain.CompletenessSettings{
				Enabled:              true,
				Weight:               500,
				MinCompletenessRatio: 0.5,
				FileCountCap:         200,
				ExcessDecayRate:      2,
			},
			PreferAlbumFolder:   true,
			PreferCompleteAlbum: true,
			MinAlbumTracks:      3,
		},
		Retry: domain.RetrySettings{Enabled: true, MaxAttempts: 3, SimplifyOnRetry: true},
		Search: domain.SearchSettings{
			Timeout:          time.Second,
			PollInterval:     time.Millisecond,
			MaxWait:          20 * time.Millisecond,
			MinResponseFiles: 1,
		},
		Selection: domain.SelectionSettings{Mode: domain.SelectionModeAuto, MaxSnapshotResponses: 10},
		BatchSize: 10,
	}
}

func newHarness(t *testing.T, settings domain.PipelineSettings) *harness {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	tasks := sqlite.NewTaskRepository(db)
	files := sqlite.NewTaskFileRepository(db)
	require.NoError(t, tasks.Init(ctx))
	require.NoError(t, files.Init(ctx))

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	h := &harness{
		backend:  newFakeBackend(),
		tasks:    tasks,
		files:    files,
		events:   &recorder{},
		resolver: &fakeResolver{},
	}
	h.orch = New(Config{Settings: settings, Logger: logger}, h.backend, h.resolver, tasks, files, h.events)
	return h
}

func (h *harness) createTask(t *testing.T, artist, title string, typ domain.TaskType) *domain.Task {
	t.Helper()
	task := &domain.Task{
		WishlistKey: domain.WishlistKey(artist, title),
		Artist:      artist,
		Title:       title,
		Type:        typ,
		Status:      domain.TaskStatusPending,
	}
	require.NoError(t, h.tasks.Create(context.Background(), task))
	return task
}

func (h *harness) reload(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := h.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func album(username, dir, ext string, n int, slot bool) domain.SearchResponse {
	files := make([]domain.SearchFile, n)
	for i := range files {
		files[i] = domain.SearchFile{
			Filename: fmt.Sprintf(`%s\%02d - Track.%s`, dir, i+1, ext),
			Size:     30_000_000,
			BitRate:  320,
		}
	}
	return domain.SearchResponse{
		Username:          username,
		Files:             files,
		HasFreeUploadSlot: slot,
		UploadSpeed:       500_000,
	}
}
