package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"resonance/internal/domain"
	"resonance/internal/scoring"
	"resonance/internal/snapshot"
)

var (
	ErrNoSnapshot   = errors.New("task has no stored search results")
	ErrPeerNotFound = errors.New("peer not found in stored search results")
)

// Candidates re-scores the stored snapshot of a pending_selection task and
// returns it ranked best first, the same order auto mode would use.
func (o *Orchestrator) Candidates(task *domain.Task) ([]scoring.ScoredResponse, error) {
	if len(task.SearchResults) == 0 {
		return nil, ErrNoSnapshot
	}
	responses, err := snapshot.Decode(task.SearchResults)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSnapshot, err)
	}
	return scoring.ScoreResponses(responses, task.SkippedUsernames, o.params(task)), nil
}

// ResolveSelection enqueues a candidate from a pending_selection task's
// snapshot. An empty username picks the top ranked candidate and an empty
// directory lets the selector choose the best bundle.
func (o *Orchestrator) ResolveSelection(ctx context.Context, task *domain.Task, username, directory string) (Outcome, error) {
	if task.Status != domain.TaskStatusPendingSelection {
		return "", fmt.Errorf("%w: %s task has no pending selection", domain.ErrInvalidTransition, task.Status)
	}
	ranked, err := o.Candidates(task)
	if err != nil {
		return "", err
	}

	var chosen *scoring.ScoredResponse
	for i := range ranked {
		if username == "" || ranked[i].Response.Username == username {
			chosen = &ranked[i]
			break
		}
	}
	if chosen == nil {
		if username == "" {
			return "", ErrNoSnapshot
		}
		return "", fmt.Errorf("%w: %s", ErrPeerNotFound, username)
	}

	opts := scoring.OptionsFor(task, o.cfg.Settings.Scoring)
	opts.Directory = directory
	sel := scoring.SelectDownloadFiles(chosen.Response, opts)
	if sel == nil {
		return "", fmt.Errorf("%w: %s has no usable files in %q", ErrPeerNotFound, chosen.Response.Username, directory)
	}
	return o.EnqueueSelection(ctx, task, sel)
}

// ExpireSelection resolves a pending_selection task whose selection window
// has passed: the top candidate is enqueued, or the task fails when the
// snapshot no longer yields a usable selection.
func (o *Orchestrator) ExpireSelection(ctx context.Context, task *domain.Task) (Outcome, error) {
	outcome, err := o.ResolveSelection(ctx, task, "", "")
	switch {
	case err == nil:
		return outcome, nil
	case errors.Is(err, ErrNoSnapshot), errors.Is(err, ErrPeerNotFound):
		if ferr := o.Fail(ctx, task, "selection expired without a usable candidate"); ferr != nil {
			return "", ferr
		}
		return OutcomeFailed, nil
	default:
		return "", err
	}
}
