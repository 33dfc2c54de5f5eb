package domain

import (
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending          TaskStatus = "pending"
	TaskStatusSearching        TaskStatus = "searching"
	TaskStatusDeferred         TaskStatus = "deferred"
	TaskStatusPendingSelection TaskStatus = "pending_selection"
	TaskStatusQueued           TaskStatus = "queued"
	TaskStatusDownloading      TaskStatus = "downloading"
	TaskStatusCompleted        TaskStatus = "completed"
	TaskStatusFailed           TaskStatus = "failed"
)

type TaskType string

const (
	TaskTypeAlbum TaskType = "album"
	TaskTypeTrack TaskType = "track"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStatusConflict is returned when a conditional update finds the task in
	// a different status than the caller expected.
	ErrStatusConflict = errors.New("task status changed concurrently")
)

// transitions lists the allowed next states for every status.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:          {TaskStatusSearching, TaskStatusFailed},
	TaskStatusSearching:        {TaskStatusSearching, TaskStatusDeferred, TaskStatusPendingSelection, TaskStatusQueued, TaskStatusFailed},
	TaskStatusDeferred:         {TaskStatusSearching},
	TaskStatusPendingSelection: {TaskStatusQueued, TaskStatusFailed, TaskStatusPending},
	TaskStatusQueued:           {TaskStatusDownloading, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusDownloading:      {TaskStatusCompleted, TaskStatusFailed},
	TaskStatusCompleted:        {},
	TaskStatusFailed:           {TaskStatusPending},
}

// ProcessableStatuses are advanced by the search orchestrator on a job run.
var ProcessableStatuses = []TaskStatus{TaskStatusPending, TaskStatusSearching, TaskStatusDeferred}

// TransferStatuses are advanced by transfer-state reconciliation.
var TransferStatuses = []TaskStatus{TaskStatusQueued, TaskStatusDownloading}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no automated path moves the task further.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task tracks one wishlist item through search, selection and download.
type Task struct {
	ID                 string
	WishlistKey        string
	Artist             string
	Title              string
	Type               TaskType
	Year               int
	MBID               string
	ExpectedTrackCount *int

	Status TaskStatus

	SearchID           string
	SearchQuery        string
	SearchResults      []byte
	SelectionExpiresAt *time.Time
	SkippedUsernames   []string

	Username   string
	Directory  string
	FileIDs    []string
	FileCount  int
	Quality    QualityInfo
	RetryCount int

	ErrorMessage string

	QueuedAt    time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	OrganizedAt *time.Time
	UpdatedAt   time.Time

	Files []TaskFile
}

// Transition moves the task to the next status or returns ErrInvalidTransition.
func (t *Task) Transition(to TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	return nil
}

// SetExpectedTrackCount records a resolved track count. A nil count never
// clears a previously resolved one.
func (t *Task) SetExpectedTrackCount(count *int) {
	if count == nil || *count <= 0 {
		return
	}
	v := *count
	t.ExpectedTrackCount = &v
}

// ClearSearchState drops the search and selection working state.
func (t *Task) ClearSearchState() {
	t.SearchID = ""
	t.SearchQuery = ""
	t.SearchResults = nil
	t.SelectionExpiresAt = nil
}

// ResetForRetry returns a failed task to pending with a clean working state.
func (t *Task) ResetForRetry() error {
	if err := t.Transition(TaskStatusPending); err != nil {
		return err
	}
	t.ClearSearchState()
	t.Username = ""
	t.Directory = ""
	t.FileIDs = nil
	t.FileCount = 0
	t.Quality = QualityInfo{}
	t.ErrorMessage = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	return nil
}

// IsSkipped reports whether username was excluded by a manual skip.
func (t *Task) IsSkipped(username string) bool {
	for _, u := range t.SkippedUsernames {
		if u == username {
			return true
		}
	}
	return false
}

// WishlistKey derives the "artist - title" identity of a wishlist entry.
func WishlistKey(artist, title string) string {
	return fmt.Sprintf("%s - %s", artist, title)
}

// TaskFile is one remote file enqueued for a task.
type TaskFile struct {
	ID         int64
	TaskID     string
	Filename   string
	Size       int64
	TransferID string
	Quality    QualityInfo
}
