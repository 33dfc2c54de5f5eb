package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance/internal/domain"
	"resonance/internal/events"
)

func TestProcessQueuesBestCandidate(t *testing.T) {
	h := newHarness(t, testSettings())
	ctx := context.Background()
	task := h.createTask(t, "Larry Carlton", "Sleepwalk", domain.TaskTypeAlbum)

	h.backend.responses["Larry Carlton Sleepwalk"] = []domain.SearchResponse{
		album("mp3peer", `Music\Larry Carlton - Sleepwalk`, "mp3", 8, true),
		album("flacpeer", `Music\Larry Carlton - Sleepwalk (1982)`, "flac", 8, true),
	}

	outcome, err := h.orch.Process(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)

	stored := h.reload(t, task.ID)
	assert.Equal(t, domain.TaskStatusQueued, stored.Status)
	assert.Equal(t, "flacpeer", stored.Username)
	assert.Equal(t, `Music/Larry Carlton - Sleepwalk (1982)`, stored.Directory)
	assert.Equal(t, 8, stored.FileCount)
	assert.Len(t, stored.FileIDs, 8)
	assert.Equal(t, domain.QualityTierLossless, stored.Quality.Tier)
	assert.Empty(t, stored.SearchID)
	assert.Equal(t, "Larry Carlton Sleepwalk", stored.SearchQuery)

	files, err := h.files.ListByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, files, 8)
	assert.Equal(t, "flac", files[0].Quality.Format)
	assert.Equal(t, 320, files[0].Quality.BitRate)
	assert.Equal(t, []string{"search-1"}, h.backend.deleted)
	assert.Contains(t, h.events.types(), events.EventTaskUpdated)
}

func TestProcessRetriesWithFallbackQuery(t *testing.T) {
	settings := testSettings()
	settings.Query.FallbackTemplates = []string{"{album}"}
	h := newHarness(t, settings)
	task := h.createTask(t, "Larry Carlton", "Sleepwalk", domain.TaskTypeAlbum)

	h.backend.responses["Sleepwalk"] = []domain.SearchResponse{
		album("peer", `Music\Sleepwalk`, "flac", 8, true),
	}

	outcome, err := h.orch.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
	assert.Equal(t, []string{"Larry Carlton Sleepwalk", "Sleepwalk"}, h.backend.searches)

	stored := h.reload(t, task.ID)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "Sleepwalk", stored.SearchQuery)
}

func TestProcessFailsAfterFallbackExhaustion(t *testing.T) {
	settings := testSettings()
	settings.Query.FallbackTemplates = []string{"{album}"}
	settings.Retry.MaxAttempts = 10
	h := newHarness(t, settings)
	task := h.createTask(t, "Mötley Crüe", "Dr. Feelgood", domain.TaskTypeAlbum)

	outcome, err := h.orch.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, []string{"Mötley Crüe Dr. Feelgood", "Dr. Feelgood", "motley crue dr feelgood"}, h.backend.searches)

	stored := h.reload(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "3 attempt(s)")
	assert.Contains(t, stored.ErrorMessage, "no responses")
	assert.Empty(t, stored.SearchID)
}

func TestProcessWithoutRetriesFailsAfterOneAttempt(t *testing.T) {
	settings := testSettings()
	settings.Retry.Enabled = false
	h := newHarness(t, settings)
	task := h.createTask(t, "A", "B", domain.TaskTypeAlbum)

	outcome, err := h.orch.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 1, h.backend.searchCount())
}

func TestProcessDefersAndReusesSearchID(t *testing.T) {
	h := newHarness(t, testSettings())
	ctx := context.Background()
	task := h.createTask(t, "Can", "Tago Mago", domain.TaskTypeAlbum)

	h.backend.running["Can Tago Mago"] = true
	outcome, err := h.orch.Process(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	stored := h.reload(t, task.ID)
	assert.Equal(t, domain.TaskStatusDeferred, stored.Status)
	assert.Equal(t, "search-1", stored.SearchID)
	assert.Empty(t, stored.ErrorMessage)
	assert.Empty(t, h.backend.deleted)

	h.backend.mu.Lock()
	h.backend.running["Can Tago Mago"] = false
	h.backend.responses["Can Tago Mago"] = []domain.SearchResponse{album("peer", `Can\Tago Mago`, "flac", 7, true)}
	h.backend.mu.Unlock()

	outcome, err = h.orch.Process(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
	assert.Equal(t, 1, h.backend.searchCount(), "the deferred search must be reused")
}

func TestProcessResumesDeferredFallbackInPlace(t *testing.T) {
	settings := testSettings()
	settings.Query.FallbackTemplates = []string{"{album}"}
	settings.Retry.SimplifyOnRetry = false
	h := newHarness(t, settings)
	ctx := context.Background()
	task := h.createTask(t, "A", "B", domain.TaskTypeAlbum)

	h.backend.running["B"] = true
	outcome, err := h.orch.Process(ctx, task)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, outcome)
	assert.Equal(t, "B", h.reload(t, task.ID).SearchQuery)

	h.backend.mu.Lock()
	h.backend.running["B"] = false
	h.backend.mu.Unlock()

	outcome, err = h.orch.Process(ctx, h.reload(t, task.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, []string{"A B", "B"}, h.backend.searches)

	stored := h.reload(t, task.ID)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Contains(t, stored.ErrorMessage, `2 attempt(s): no responses for "B"`)
}

func TestProcessNormalizesPrimaryQuery(t *testing.T) {
	settings := testSettings()
	settings.Query.ExcludeTerms = []string{"remastered"}
	settings.Retry.Enabled = false
	h := newHarness(t, settings)
	task := h.createTask(t, "Can", "Tago Mago Remastered", domain.TaskTypeAlbum)

	_, err := h.orch.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, []string{"Can Tago Mago"}, h.backend.searches)
}

func TestProcessSearchesAgainWhenDeferredSearchIsGone(t *testing.T) {
	h := newHarness(t, testSettings())
	ctx := context.Background()
	task := h.createTask(t, "Can", "Ege Bamyasi", domain.TaskTypeAlbum)

	h.backend.running["Can Ege Bamyasi"] = true
	_, err := h.orch.Process(ctx, task)
	require.NoError(t, err)

	h.backend.mu.Lock()
	h.backend.gone["search-1"] = true
	h.backend.running["Can Ege Bamyasi"] = false
	h.backend.responses["Can Ege Bamyasi"] = []domain.SearchResponse{album("peer", `Can\Ege Bamyasi`, "flac", 7, true)}
	h.backend.mu.Unlock()

	outcome, err := h.orch.Process(ctx, h.reload(t, task.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
	assert.Equal(t, 2, h.backend.searchCount())
}

func TestProcessCancelledSearchIsFailedAttempt(t *testing.T) {
	settings := testSettings()
	settings.Retry.Enabled = false
	h := newHarness(t, settings)
	task := h.createTask(t, "A", "B", domain.TaskTypeAlbum)
	h.backend.cancelled["A B"] = true

	outcome, err := h.orch.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Contains(t, h.reload(t, task.ID).ErrorMessage, "Cancelled")
}

func TestProcessCancellationIsNotRecordedAsFailure(t *testing.T) {
	settings := testSettings()
	settings.Retry.Delay = time.Minute
	h := newHarness(t, settings)
	task := h.createTask(t, "A", "B", domain.TaskTypeAlbum)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.backend.onSearch = func(string) {
		time.AfterFunc(50*time.Millisecond, cancel)
	}

	_, err := h.orch.Process(ctx, task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, h.backend.searchCount())

	stored := h.reload(t, task.ID)
	assert.NotEqual(t, domain.TaskStatusFailed, stored.Status)
	assert.Empty(t, stored.ErrorMessage)
}

func TestProcessCancellationDuringPollKeepsSearchID(t *testing.T) {
	settings := testSettings()
	settings.Search.MaxWait = time.Minute
	h := newHarness(t, settings)
	task := h.createTask(t, "A", "B", domain.TaskTypeAlbum)
	h.backend.running["A B"] = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.backend.onSearch = func(string) {
		time.AfterFunc(50*time.Millisecond, cancel)
	}

	_, err := h.orch.Process(ctx, task)
	require.ErrorIs(t, err, ErrCancelled)

	stored := h.reload(t, task.ID)
	assert.Equal(t, domain.TaskStatusSearching, stored.Status)
	assert.Equal(t, "search-1", stored.SearchID)
}

func TestEnqueueRejectionIsTerminal(t *testing.T) {
	h := newHarness(t, testSettings())
	task := h.createTask(t, "A", "B", domain.TaskTypeAlbum)
	h.backend.responses["A B"] = []domain.SearchResponse{album("peer", `A\B`, "flac", 5, true)}
	h.backend.enqueueErr = errors.New("peer offline")

	outcome, err := h.orch.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 1, h.backend.searchCount(), "enqueue failures are not retried")

	stored := h.reload(t, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "peer offline")
}

func TestPartialEnqueueStillQueues(t *testing.T) {
	h := newHarness(t, testSettings())
	task := h.createTask(t, "A", "B", domain.TaskTypeAlbum)
	resp := album("peer", `A\B`, "flac", 4, true)
	h.backend.responses["A B"] = []domain.SearchResponse{resp}
	h.backend.rejectFiles[resp.Files[0].Filename] = true

	outcome, err := h.orch.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
	assert.Equal(t, 3, h.reload(t, task.ID).FileCount)
}

func TestEnqueueRejectingEveryFileFails(t *testing.T) {
	h := newHarness(t, testSettings())
	task := h.createTask(t, "A", "B", domain.TaskTypeAlbum)
	resp := album("peer", `A\B`, "flac", 2, true)
	h.backend.responses["A B"] = []domain.SearchResponse{resp}
	for _, f := range resp.Files {
		h.backend.rejectFiles[f.Filename] = true
	}

	outcome, err := h.orch.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Contains(t, h.reload(t, task.ID).ErrorMessage, "rejected all 2 files")
}

func TestProcessSkipsSkippedPeers(t *testing.T) {
	h := newHarness(t, testSettings())
	ctx := context.Background()
	task := h.createTask(t, "A", "B", domain.TaskTypeAlbum)
	task.SkippedUsernames = []string{"best"}
	require.NoError(t, h.tasks.Update(ctx, task))

	h.backend.responses["A B"] = []domain.SearchResponse{
		album("best", `A\B`, "flac", 10, true),
		album("other", `A\B`, "mp3", 10, false),
	}

	_, err := h.orch.Process(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "other", h.reload(t, task.ID).Username)
}

func TestProcessResolvesTrackCountOnce(t *testing.T) {
	h := newHarness(t, testSettings())
	ctx := context.Background()
	count := 9
	h.resolver.count = &count
	task := h.createTask(t, "A", "B", domain.TaskTypeAlbum)
	h.backend.running["A B"] = true

	_, err := h.orch.Process(ctx, task)
	require.NoError(t, err)
	stored := h.reload(t, task.ID)
	require.NotNil(t, stored.ExpectedTrackCount)
	assert.Equal(t, 9, *stored.ExpectedTrackCount)

	_, err = h.orch.Process(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, 1, h.resolver.calls)
}

func TestProcessTrackTaskSelectsSingleFile(t *testing.T) {
	h := newHarness(t, testSettings())
	task := h.createTask(t, "Larry Carlton", "Room 335", domain.TaskTypeTrack)
	h.backend.responses["Larry Carlton Room 335"] = []domain.SearchResponse{{
		Username:          "peer",
		HasFreeUploadSlot: true,
		Files: []domain.SearchFile{
			{Filename: `Music\Larry Carlton\01 - Point It Up.flac`, Size: 30_000_000},
			{Filename: `Music\Larry Carlton\02 - Room 335.flac`, Size: 30_000_000},
		},
	}}

	outcome, err := h.orch.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, outcome)
	require.Len(t, h.backend.enqueued, 1)
	require.Len(t, h.backend.enqueued[0], 1)
	assert.Contains(t, h.backend.enqueued[0][0].Filename, "Room 335")
}

func TestProcessRejectsNonProcessableTask(t *testing.T) {
	h := newHarness(t, testSettings())
	task := &domain.Task{ID: "x", Status: domain.TaskStatusQueued}
	_, err := h.orch.Process(context.Background(), task)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
