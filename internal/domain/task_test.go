package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskStatusPending, TaskStatusSearching, true},
		{TaskStatusSearching, TaskStatusSearching, true},
		{TaskStatusSearching, TaskStatusDeferred, true},
		{TaskStatusDeferred, TaskStatusSearching, true},
		{TaskStatusSearching, TaskStatusPendingSelection, true},
		{TaskStatusPendingSelection, TaskStatusQueued, true},
		{TaskStatusQueued, TaskStatusDownloading, true},
		{TaskStatusDownloading, TaskStatusCompleted, true},
		{TaskStatusFailed, TaskStatusPending, true},
		{TaskStatusPending, TaskStatusQueued, false},
		{TaskStatusDeferred, TaskStatusQueued, false},
		{TaskStatusCompleted, TaskStatusPending, false},
		{TaskStatusDownloading, TaskStatusQueued, false},
		{TaskStatus("bogus"), TaskStatusPending, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionRejectsInvalidMove(t *testing.T) {
	task := &Task{Status: TaskStatusCompleted}
	err := task.Transition(TaskStatusSearching)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, TaskStatusCompleted, task.Status)
}

func TestSetExpectedTrackCountKeepsResolvedValue(t *testing.T) {
	task := &Task{}
	n := 10
	task.SetExpectedTrackCount(&n)
	require.NotNil(t, task.ExpectedTrackCount)

	task.SetExpectedTrackCount(nil)
	zero := 0
	task.SetExpectedTrackCount(&zero)
	assert.Equal(t, 10, *task.ExpectedTrackCount)

	n = 11
	assert.Equal(t, 10, *task.ExpectedTrackCount, "stored count must not alias the argument")
}

func TestResetForRetry(t *testing.T) {
	now := time.Now()
	count := 8
	task := &Task{
		Status:             TaskStatusFailed,
		ExpectedTrackCount: &count,
		SearchID:           "s1",
		SearchQuery:        "a b",
		SearchResults:      []byte("[]"),
		SelectionExpiresAt: &now,
		SkippedUsernames:   []string{"bob"},
		Username:           "alice",
		Directory:          "Music/A",
		FileIDs:            []string{"1"},
		FileCount:          1,
		Quality:            QualityInfo{Format: "flac"},
		RetryCount:         2,
		ErrorMessage:       "boom",
		StartedAt:          &now,
	}
	require.NoError(t, task.ResetForRetry())

	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Empty(t, task.SearchID)
	assert.Nil(t, task.SearchResults)
	assert.Nil(t, task.SelectionExpiresAt)
	assert.Empty(t, task.Username)
	assert.Nil(t, task.FileIDs)
	assert.Empty(t, task.ErrorMessage)
	assert.Nil(t, task.StartedAt)
	assert.Equal(t, []string{"bob"}, task.SkippedUsernames)
	assert.Equal(t, 8, *task.ExpectedTrackCount)

	queued := &Task{Status: TaskStatusQueued}
	assert.ErrorIs(t, queued.ResetForRetry(), ErrInvalidTransition)
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, TaskStatusDeferred.Valid())
	assert.False(t, TaskStatus("nope").Valid())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.False(t, TaskStatusQueued.Terminal())
	assert.True(t, (&Task{SkippedUsernames: []string{"x"}}).IsSkipped("x"))
	assert.Equal(t, "Can - Tago Mago", WishlistKey("Can", "Tago Mago"))
}
