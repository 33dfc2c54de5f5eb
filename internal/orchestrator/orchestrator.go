// Package orchestrator drives a single task through search, scoring,
// selection and enqueue, retrying with fallback queries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"resonance/internal/backend"
	"resonance/internal/domain"
	"resonance/internal/events"
	"resonance/internal/metrics"
	"resonance/internal/quality"
	"resonance/internal/query"
	"resonance/internal/repository"
	"resonance/internal/scoring"
	"resonance/internal/snapshot"
)

// ErrCancelled is returned when the job run is cancelled. It wraps the
// context error and is never recorded as a task failure.
var ErrCancelled = errors.New("job run cancelled")

// Outcome is the result of processing one task.
type Outcome string

const (
	OutcomeQueued           Outcome = "queued"
	OutcomeDeferred         Outcome = "deferred"
	OutcomePendingSelection Outcome = "pending_selection"
	OutcomeFailed           Outcome = "failed"
)

const defaultPollInterval = time.Second

type Config struct {
	Settings domain.PipelineSettings
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Orchestrator struct {
	cfg      Config
	backend  backend.SearchBackend
	resolver backend.TrackCountResolver
	tasks    repository.TaskRepository
	files    repository.TaskFileRepository
	notifier events.Notifier
	builder  *query.Builder
}

// New builds an orchestrator. resolver and notifier may be nil.
func New(cfg Config, b backend.SearchBackend, resolver backend.TrackCountResolver, tasks repository.TaskRepository, files repository.TaskFileRepository, notifier events.Notifier) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Settings.Search.PollInterval <= 0 {
		cfg.Settings.Search.PollInterval = defaultPollInterval
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Orchestrator{
		cfg:      cfg,
		backend:  b,
		resolver: resolver,
		tasks:    tasks,
		files:    files,
		notifier: notifier,
		builder:  query.NewBuilder(cfg.Settings.Query),
	}
}

// Settings returns the resolved pipeline settings in use.
func (o *Orchestrator) Settings() domain.PipelineSettings {
	return o.cfg.Settings
}

type attemptResult struct {
	// outcome is empty for a failed, retryable attempt.
	outcome Outcome
	reason  string
}

// Process advances a pending, searching or deferred task. A deferred or
// searching task with a live search id resumes that search instead of
// issuing a new one.
func (o *Orchestrator) Process(ctx context.Context, task *domain.Task) (Outcome, error) {
	if !processable(task.Status) {
		return "", fmt.Errorf("%w: %s task cannot be processed", domain.ErrInvalidTransition, task.Status)
	}
	logger := o.cfg.Logger.WithField("task_id", task.ID)
	if err := checkCancelled(ctx); err != nil {
		return "", err
	}

	o.resolveTrackCount(ctx, task, logger)

	resumeID := ""
	if task.Status != domain.TaskStatusPending && task.SearchID != "" {
		resumeID = task.SearchID
	}

	plan := o.builder.Plan(query.ContextFromTask(task), o.cfg.Settings.Retry)
	var resumed *query.Attempt
	if resumeID != "" && task.SearchQuery != "" {
		a := plan.Resume(task.SearchQuery)
		resumed = &a
	}
	attempts := 0
	lastReason := "no search query could be built"
	for {
		if err := checkCancelled(ctx); err != nil {
			return "", err
		}
		var attempt query.Attempt
		if resumed != nil {
			attempt, resumed = *resumed, nil
		} else {
			next, ok := plan.Next()
			if !ok {
				break
			}
			if next.Index > 0 {
				if err := sleep(ctx, o.cfg.Settings.Retry.Delay); err != nil {
					return "", err
				}
				task.RetryCount++
			}
			attempt = next
		}
		if attempt.Query == "" {
			continue
		}
		attempts = attempt.Index + 1

		logger.Infof("search attempt %d: %q", attempt.Index+1, attempt.Query)
		res, err := o.runAttempt(ctx, task, attempt, resumeID, logger)
		resumeID = ""
		if err != nil {
			return "", err
		}
		if res.outcome != "" {
			if res.outcome != OutcomeFailed {
				o.cfg.Metrics.TaskOutcome(string(res.outcome))
			}
			return res.outcome, nil
		}
		lastReason = res.reason
		logger.Warnf("search attempt %d failed: %s", attempt.Index+1, res.reason)
	}

	msg := fmt.Sprintf("no usable results after %d attempt(s): %s", attempts, lastReason)
	if err := o.Fail(ctx, task, msg); err != nil {
		return "", err
	}
	return OutcomeFailed, nil
}

func (o *Orchestrator) runAttempt(ctx context.Context, task *domain.Task, attempt query.Attempt, resumeID string, logger *logrus.Entry) (attemptResult, error) {
	s := o.cfg.Settings.Search

	searchID := ""
	if resumeID != "" {
		state, err := o.backend.SearchState(ctx, resumeID)
		switch {
		case err != nil:
			if cerr := checkCancelled(ctx); cerr != nil {
				return attemptResult{}, cerr
			}
			logger.Warnf("check previous search %s: %v", resumeID, err)
		case state != domain.SearchStateUnknown:
			searchID = resumeID
			logger.Infof("resuming search %s", searchID)
		default:
			logger.Infof("previous search %s is gone, searching again", resumeID)
		}
	}

	if searchID == "" {
		id, err := o.backend.Search(ctx, attempt.Query, s.Timeout, s.MinResponseFiles)
		if err != nil {
			if cerr := checkCancelled(ctx); cerr != nil {
				return attemptResult{}, cerr
			}
			o.cfg.Metrics.SearchAttempt("error")
			return attemptResult{reason: fmt.Sprintf("search %q: %v", attempt.Query, err)}, nil
		}
		if id == "" {
			o.cfg.Metrics.SearchAttempt("error")
			return attemptResult{reason: fmt.Sprintf("backend started no search for %q", attempt.Query)}, nil
		}
		searchID = id
	}

	prev := task.Status
	if err := task.Transition(domain.TaskStatusSearching); err != nil {
		return attemptResult{}, err
	}
	task.SearchID = searchID
	task.SearchQuery = attempt.Query
	if err := o.save(ctx, task, prev); err != nil {
		return attemptResult{}, err
	}
	if prev != domain.TaskStatusSearching {
		o.notify(ctx, events.EventTaskUpdated, task)
	}

	started := o.cfg.Now()
	state, err := o.waitForSearch(ctx, searchID, logger)
	o.cfg.Metrics.SearchWait(o.cfg.Now().Sub(started))
	if err != nil {
		return attemptResult{}, err
	}

	switch state {
	case domain.SearchStateInProgress:
		return o.deferTask(ctx, task, logger)
	case domain.SearchStateCompleted:
	default:
		o.cfg.Metrics.SearchAttempt("cancelled")
		o.dropSearch(ctx, task, logger)
		return attemptResult{reason: fmt.Sprintf("search %q ended in state %s", attempt.Query, state)}, nil
	}

	responses, err := o.backend.SearchResponses(ctx, searchID)
	if err != nil {
		if cerr := checkCancelled(ctx); cerr != nil {
			return attemptResult{}, cerr
		}
		o.cfg.Metrics.SearchAttempt("error")
		o.dropSearch(ctx, task, logger)
		return attemptResult{reason: fmt.Sprintf("fetch responses for %q: %v", attempt.Query, err)}, nil
	}
	if len(responses) == 0 {
		o.cfg.Metrics.SearchAttempt("empty")
		o.dropSearch(ctx, task, logger)
		return attemptResult{reason: fmt.Sprintf("no responses for %q", attempt.Query)}, nil
	}

	ranked := scoring.ScoreResponses(responses, task.SkippedUsernames, o.params(task))
	if len(ranked) == 0 {
		o.cfg.Metrics.SearchAttempt("unusable")
		o.dropSearch(ctx, task, logger)
		return attemptResult{reason: fmt.Sprintf("%d responses for %q, none usable", len(responses), attempt.Query)}, nil
	}
	logger.Infof("%d responses, %d usable, best %s (score %.1f, %d%%)",
		len(responses), len(ranked), ranked[0].Response.Username, ranked[0].Score, ranked[0].ScorePercent)

	if o.cfg.Settings.Selection.Mode == domain.SelectionModeManual {
		o.cfg.Metrics.SearchAttempt("found")
		return o.awaitSelection(ctx, task, ranked, logger)
	}

	sel := scoring.SelectDownloadFiles(ranked[0].Response, scoring.OptionsFor(task, o.cfg.Settings.Scoring))
	if sel == nil {
		o.cfg.Metrics.SearchAttempt("unusable")
		o.dropSearch(ctx, task, logger)
		return attemptResult{reason: fmt.Sprintf("no usable files from %s", ranked[0].Response.Username)}, nil
	}
	o.cfg.Metrics.SearchAttempt("found")

	outcome, err := o.EnqueueSelection(ctx, task, sel)
	if err != nil {
		return attemptResult{}, err
	}
	return attemptResult{outcome: outcome}, nil
}

// waitForSearch polls until the search leaves the in-progress state or the
// maximum wait elapses. It returns SearchStateInProgress on timeout.
func (o *Orchestrator) waitForSearch(ctx context.Context, searchID string, logger *logrus.Entry) (domain.SearchState, error) {
	s := o.cfg.Settings.Search
	deadline := o.cfg.Now().Add(s.MaxWait)
	for {
		state, err := o.backend.SearchState(ctx, searchID)
		if err != nil {
			if cerr := checkCancelled(ctx); cerr != nil {
				return "", cerr
			}
			logger.Warnf("poll search %s: %v", searchID, err)
			state = domain.SearchStateInProgress
		}
		if state != domain.SearchStateInProgress {
			return state, nil
		}
		if !o.cfg.Now().Before(deadline) {
			return domain.SearchStateInProgress, nil
		}
		if err := sleep(ctx, s.PollInterval); err != nil {
			return "", err
		}
	}
}

func (o *Orchestrator) deferTask(ctx context.Context, task *domain.Task, logger *logrus.Entry) (attemptResult, error) {
	prev := task.Status
	if err := task.Transition(domain.TaskStatusDeferred); err != nil {
		return attemptResult{}, err
	}
	if err := o.save(ctx, task, prev); err != nil {
		return attemptResult{}, err
	}
	o.cfg.Metrics.SearchAttempt("deferred")
	o.notify(ctx, events.EventTaskUpdated, task)
	logger.Infof("search %s still running, deferred to next run", task.SearchID)
	return attemptResult{outcome: OutcomeDeferred}, nil
}

func (o *Orchestrator) awaitSelection(ctx context.Context, task *domain.Task, ranked []scoring.ScoredResponse, logger *logrus.Entry) (attemptResult, error) {
	sel := o.cfg.Settings.Selection
	responses := make([]domain.SearchResponse, len(ranked))
	for i := range ranked {
		responses[i] = ranked[i].Response
	}
	data, kept, err := snapshot.Encode(responses, sel.MaxSnapshotResponses, sel.MaxSnapshotBytes)
	if err != nil {
		return attemptResult{}, err
	}

	prev := task.Status
	if err := task.Transition(domain.TaskStatusPendingSelection); err != nil {
		return attemptResult{}, err
	}
	o.dropSearch(ctx, task, logger)
	task.SearchResults = data
	task.SelectionExpiresAt = nil
	if sel.Timeout > 0 {
		expires := o.cfg.Now().Add(sel.Timeout).UTC()
		task.SelectionExpiresAt = &expires
	}
	if err := o.save(ctx, task, prev); err != nil {
		return attemptResult{}, err
	}

	ev := events.NewEvent(events.EventTaskSelectionRequired, task)
	ev.Message = fmt.Sprintf("%d candidates awaiting selection", kept)
	o.notifier.Notify(ctx, ev)
	logger.Infof("stored %d of %d candidates for manual selection", kept, len(ranked))
	return attemptResult{outcome: OutcomePendingSelection}, nil
}

// EnqueueSelection claims the task for sel and asks the backend to download
// it. The claim moves the task to queued with a status-conditioned update
// before anything reaches the backend, so when two paths race on the same
// task only the winner enqueues; the loser gets domain.ErrStatusConflict. A
// backend error or a rejection of every file then fails the task, which is
// terminal for the cycle.
func (o *Orchestrator) EnqueueSelection(ctx context.Context, task *domain.Task, sel *scoring.Selection) (Outcome, error) {
	if !domain.CanTransition(task.Status, domain.TaskStatusQueued) {
		return "", fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, task.Status, domain.TaskStatusQueued)
	}
	logger := o.cfg.Logger.WithField("task_id", task.ID)

	claimed := *task
	if err := claimed.Transition(domain.TaskStatusQueued); err != nil {
		return "", err
	}
	claimed.Username = sel.Username
	claimed.Directory = sel.Directory
	claimed.Quality = sel.Quality
	claimed.ErrorMessage = ""
	if err := o.save(ctx, &claimed, task.Status); err != nil {
		return "", err
	}

	res, err := o.backend.Enqueue(ctx, sel.Username, sel.Files)
	if err != nil {
		if cerr := checkCancelled(ctx); cerr != nil {
			o.releaseClaim(ctx, task, logger)
			return "", cerr
		}
		*task = claimed
		if err := o.Fail(ctx, task, fmt.Sprintf("enqueue %d files from %s: %v", len(sel.Files), sel.Username, err)); err != nil {
			return "", err
		}
		return OutcomeFailed, nil
	}
	*task = claimed
	if res == nil || len(res.Enqueued) == 0 {
		if err := o.Fail(ctx, task, fmt.Sprintf("%s rejected all %d files", sel.Username, len(sel.Files))); err != nil {
			return "", err
		}
		return OutcomeFailed, nil
	}
	if len(res.Failed) > 0 {
		logger.Warnf("%d of %d files were not enqueued", len(res.Failed), len(sel.Files))
	}
	o.dropSearch(ctx, task, logger)

	offered := make(map[string]domain.SearchFile, len(sel.Files))
	for _, f := range sel.Files {
		offered[f.Filename] = f
	}
	ids := make([]string, 0, len(res.Enqueued))
	files := make([]domain.TaskFile, 0, len(res.Enqueued))
	for _, t := range res.Enqueued {
		id := t.ID
		if id == "" {
			id = t.Filename
		}
		ids = append(ids, id)
		src, ok := offered[t.Filename]
		if !ok {
			src = domain.SearchFile{Filename: t.Filename, Size: t.Size}
		}
		files = append(files, domain.TaskFile{
			TaskID:     task.ID,
			Filename:   t.Filename,
			Size:       t.Size,
			TransferID: t.ID,
			Quality:    quality.Extract(src),
		})
	}

	task.FileIDs = ids
	task.FileCount = len(ids)
	task.SearchResults = nil
	task.SelectionExpiresAt = nil
	if err := o.save(ctx, task, domain.TaskStatusQueued); err != nil {
		return "", err
	}
	if err := o.files.ReplaceForTask(ctx, task.ID, files); err != nil {
		logger.Warnf("record enqueued files: %v", err)
	}
	task.Files = files

	o.notify(ctx, events.EventTaskUpdated, task)
	logger.Infof("queued %d files from %s:%s", len(ids), sel.Username, sel.Directory)
	return OutcomeQueued, nil
}

// releaseClaim puts a claimed task back the way it was when the run is
// cancelled mid-enqueue, so the next run can pick it up again.
func (o *Orchestrator) releaseClaim(ctx context.Context, task *domain.Task, logger *logrus.Entry) {
	if err := o.tasks.UpdateIf(context.WithoutCancel(ctx), task, domain.TaskStatusQueued); err != nil {
		logger.Warnf("release claim after cancellation: %v", err)
	}
}

// Fail marks the task failed with msg. A deferred task passes through
// searching on the way.
func (o *Orchestrator) Fail(ctx context.Context, task *domain.Task, msg string) error {
	prev := task.Status
	if task.Status == domain.TaskStatusDeferred {
		if err := task.Transition(domain.TaskStatusSearching); err != nil {
			return err
		}
	}
	if err := task.Transition(domain.TaskStatusFailed); err != nil {
		task.Status = prev
		return err
	}
	logger := o.cfg.Logger.WithField("task_id", task.ID)
	o.dropSearch(ctx, task, logger)
	task.ErrorMessage = msg
	task.SearchResults = nil
	task.SelectionExpiresAt = nil
	if err := o.save(ctx, task, prev); err != nil {
		return err
	}
	o.cfg.Metrics.TaskOutcome(string(OutcomeFailed))
	o.notify(ctx, events.EventTaskUpdated, task)
	logger.Warn(msg)
	return nil
}

func (o *Orchestrator) resolveTrackCount(ctx context.Context, task *domain.Task, logger *logrus.Entry) {
	if o.resolver == nil || task.Type != domain.TaskTypeAlbum || task.ExpectedTrackCount != nil || task.Status != domain.TaskStatusPending {
		return
	}
	count, err := o.resolver.ResolveExpectedTrackCount(ctx, backend.TrackCountQuery{
		MBID:   task.MBID,
		Artist: task.Artist,
		Album:  task.Title,
	})
	if err != nil {
		logger.Warnf("resolve expected track count: %v", err)
		return
	}
	task.SetExpectedTrackCount(count)
	if task.ExpectedTrackCount != nil {
		logger.Infof("expecting %d tracks", *task.ExpectedTrackCount)
	}
}

func (o *Orchestrator) params(task *domain.Task) scoring.Params {
	p := scoring.Params{Settings: o.cfg.Settings.Scoring}
	if task.ExpectedTrackCount != nil {
		p.ExpectedTrackCount = *task.ExpectedTrackCount
	}
	return p
}

// dropSearch deletes the task's backend search. Failures are only logged.
func (o *Orchestrator) dropSearch(ctx context.Context, task *domain.Task, logger *logrus.Entry) {
	if task.SearchID == "" {
		return
	}
	if err := o.backend.DeleteSearch(ctx, task.SearchID); err != nil {
		logger.Warnf("delete search %s: %v", task.SearchID, err)
	}
	task.SearchID = ""
}

func (o *Orchestrator) save(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error {
	if err := o.tasks.UpdateIf(ctx, task, expected); err != nil {
		if cerr := checkCancelled(ctx); cerr != nil {
			return cerr
		}
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, t events.EventType, task *domain.Task) {
	o.notifier.Notify(ctx, events.NewEvent(t, task))
}

func processable(s domain.TaskStatus) bool {
	for _, p := range domain.ProcessableStatuses {
		if p == s {
			return true
		}
	}
	return false
}

func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return checkCancelled(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return checkCancelled(ctx)
	case <-timer.C:
		return nil
	}
}
