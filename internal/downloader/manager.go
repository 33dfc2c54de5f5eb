package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"resonance/internal/backend"
	"resonance/internal/domain"
	"resonance/internal/events"
	"resonance/internal/metrics"
	"resonance/internal/orchestrator"
	"resonance/internal/repository"
)

// ErrRunInProgress is returned by RunOnce while another run is active.
var ErrRunInProgress = errors.New("job run already in progress")

// Manager runs the download pipeline: selection expiry, transfer
// reconciliation and task processing, on demand or on an interval.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	RunOnce(ctx context.Context) (RunSummary, error)
	// Trigger starts a run in the background. It returns ErrRunInProgress
	// when a run is already active.
	Trigger() error
	// Cancel aborts the active run. It reports whether a run was active.
	Cancel() bool
}

type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	BatchSize    int
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
	// Prepare runs at the start of every run, e.g. to sync the wishlist.
	// Its errors are logged and do not stop the run.
	Prepare func(ctx context.Context) error
}

// RunSummary counts what one job run did.
type RunSummary struct {
	Expired          int `json:"expired"`
	Reconciled       int `json:"reconciled"`
	Processed        int `json:"processed"`
	Queued           int `json:"queued"`
	Deferred         int `json:"deferred"`
	PendingSelection int `json:"pending_selection"`
	Failed           int `json:"failed"`
	Errors           int `json:"errors"`
}

type manager struct {
	cfg      Config
	orch     *orchestrator.Orchestrator
	backend  backend.SearchBackend
	tasks    repository.TaskRepository
	notifier events.Notifier

	runMu     sync.Mutex
	mu        sync.Mutex
	runCancel context.CancelFunc

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(cfg Config, orch *orchestrator.Orchestrator, b backend.SearchBackend, tasks repository.TaskRepository, notifier events.Notifier) Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &manager{
		cfg:      cfg,
		orch:     orch,
		backend:  b,
		tasks:    tasks,
		notifier: notifier,
	}
}

func (m *manager) Start(ctx context.Context) error {
	if m.cancel != nil {
		return fmt.Errorf("manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop()
	m.cfg.Logger.Infof("job loop started, first run in %s, then every %s", m.cfg.InitialDelay, m.cfg.Interval)
	return nil
}

func (m *manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.cfg.Logger.Info("job loop stopped")
}

func (m *manager) loop() {
	defer m.wg.Done()
	timer := time.NewTimer(m.cfg.InitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
		}
		m.logRun(m.RunOnce(m.ctx))
		timer.Reset(m.cfg.Interval)
	}
}

func (m *manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCancel == nil {
		return false
	}
	m.runCancel()
	return true
}

// RunOnce expires overdue selections, reconciles transfers and processes up
// to BatchSize tasks in queue order. A failing task never stops the run;
// only cancellation does.
func (m *manager) RunOnce(ctx context.Context) (RunSummary, error) {
	if !m.runMu.TryLock() {
		return RunSummary{}, ErrRunInProgress
	}
	defer m.runMu.Unlock()
	return m.runLocked(ctx)
}

func (m *manager) Trigger() error {
	if !m.runMu.TryLock() {
		return ErrRunInProgress
	}
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.runMu.Unlock()
		m.logRun(m.runLocked(ctx))
	}()
	return nil
}

func (m *manager) logRun(summary RunSummary, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrCancelled):
		m.cfg.Logger.Info("job run cancelled")
	case errors.Is(err, ErrRunInProgress):
		m.cfg.Logger.Debug("skipping scheduled run, previous run still active")
	case err != nil:
		m.cfg.Logger.Errorf("job run: %v", err)
	default:
		m.cfg.Logger.Infof("job run finished: %+v", summary)
	}
}

func (m *manager) runLocked(ctx context.Context) (RunSummary, error) {
	var summary RunSummary
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.runCancel = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.runCancel = nil
		m.mu.Unlock()
		cancel()
	}()

	err := m.run(runCtx, &summary)
	switch {
	case errors.Is(err, orchestrator.ErrCancelled):
		m.cfg.Metrics.JobRun("cancelled")
	case err != nil:
		m.cfg.Metrics.JobRun("error")
	default:
		m.cfg.Metrics.JobRun("ok")
	}
	return summary, err
}

func (m *manager) run(ctx context.Context, summary *RunSummary) error {
	if m.cfg.Prepare != nil {
		if err := m.cfg.Prepare(ctx); err != nil {
			if cerr := cancelled(ctx); cerr != nil {
				return cerr
			}
			m.cfg.Logger.Warnf("prepare run: %v", err)
		}
	}
	if err := m.expireSelections(ctx, summary); err != nil {
		return err
	}
	if err := cancelled(ctx); err != nil {
		return err
	}
	if err := m.reconcile(ctx, summary); err != nil {
		return err
	}
	if err := cancelled(ctx); err != nil {
		return err
	}

	tasks, err := m.tasks.ListByStatuses(ctx, m.cfg.BatchSize, domain.ProcessableStatuses...)
	if err != nil {
		if cerr := cancelled(ctx); cerr != nil {
			return cerr
		}
		return fmt.Errorf("list processable tasks: %w", err)
	}
	if len(tasks) > 0 {
		m.cfg.Logger.Infof("processing %d tasks", len(tasks))
	}

	for i := range tasks {
		task := &tasks[i]
		outcome, err := m.orch.Process(ctx, task)
		if err != nil {
			if errors.Is(err, orchestrator.ErrCancelled) {
				return err
			}
			summary.Errors++
			m.cfg.Logger.WithField("task_id", task.ID).Errorf("process task: %v", err)
			continue
		}
		summary.Processed++
		summary.count(outcome)
	}
	return nil
}

func (s *RunSummary) count(outcome orchestrator.Outcome) {
	switch outcome {
	case orchestrator.OutcomeQueued:
		s.Queued++
	case orchestrator.OutcomeDeferred:
		s.Deferred++
	case orchestrator.OutcomePendingSelection:
		s.PendingSelection++
	case orchestrator.OutcomeFailed:
		s.Failed++
	}
}

func (m *manager) expireSelections(ctx context.Context, summary *RunSummary) error {
	tasks, err := m.tasks.ListByStatuses(ctx, 0, domain.TaskStatusPendingSelection)
	if err != nil {
		if cerr := cancelled(ctx); cerr != nil {
			return cerr
		}
		m.cfg.Logger.Warnf("list pending selections: %v", err)
		return nil
	}

	now := m.cfg.Now()
	for i := range tasks {
		task := &tasks[i]
		if task.SelectionExpiresAt == nil || now.Before(*task.SelectionExpiresAt) {
			continue
		}
		logger := m.cfg.Logger.WithField("task_id", task.ID)
		outcome, err := m.orch.ExpireSelection(ctx, task)
		if err != nil {
			if errors.Is(err, orchestrator.ErrCancelled) {
				return err
			}
			summary.Errors++
			logger.Errorf("expire selection: %v", err)
			continue
		}
		summary.Expired++
		summary.count(outcome)
		logger.Infof("selection expired, resolved as %s", outcome)
	}
	return nil
}

func (m *manager) reconcile(ctx context.Context, summary *RunSummary) error {
	tasks, err := m.tasks.ListByStatuses(ctx, 0, domain.TransferStatuses...)
	if err != nil {
		if cerr := cancelled(ctx); cerr != nil {
			return cerr
		}
		m.cfg.Logger.Warnf("list transferring tasks: %v", err)
		return nil
	}
	if len(tasks) == 0 {
		return nil
	}

	peers, err := m.backend.Downloads(ctx)
	if err != nil {
		if cerr := cancelled(ctx); cerr != nil {
			return cerr
		}
		m.cfg.Logger.Warnf("fetch transfer state: %v", err)
		return nil
	}

	for i := range tasks {
		if err := cancelled(ctx); err != nil {
			return err
		}
		if m.reconcileTask(ctx, &tasks[i], peers) {
			summary.Reconciled++
		}
	}
	return nil
}

// reconcileTask applies the transfer state of the task's directory. It
// reports whether the task status changed.
func (m *manager) reconcileTask(ctx context.Context, task *domain.Task, peers []domain.PeerTransfers) bool {
	logger := m.cfg.Logger.WithField("task_id", task.ID)
	dir := findDirectory(peers, task.Username, task.Directory)
	if dir == nil {
		logger.Debugf("no transfers found for %s:%s", task.Username, task.Directory)
		return false
	}

	s := SummarizeTransfers(dir.Files)
	if s.Status == "" {
		return false
	}
	if s.Status == task.Status {
		if task.Status == domain.TaskStatusDownloading {
			ev := events.NewEvent(events.EventTaskProgress, task)
			ev.Progress = s.Progress
			m.notifier.Notify(ctx, ev)
		}
		return false
	}
	if !domain.CanTransition(task.Status, s.Status) {
		logger.Debugf("ignoring transfer state %s for %s task", s.Status, task.Status)
		return false
	}

	prev := task.Status
	now := m.cfg.Now().UTC()
	if err := task.Transition(s.Status); err != nil {
		logger.Warnf("apply transfer state: %v", err)
		return false
	}
	if task.StartedAt == nil && s.Status != domain.TaskStatusFailed {
		task.StartedAt = &now
	}
	switch s.Status {
	case domain.TaskStatusCompleted:
		task.CompletedAt = &now
		task.ErrorMessage = ""
	case domain.TaskStatusFailed:
		task.CompletedAt = &now
		task.ErrorMessage = s.Message()
	}

	if err := m.tasks.UpdateIf(ctx, task, prev); err != nil {
		logger.Warnf("persist transfer state: %v", err)
		return false
	}
	m.cfg.Metrics.Reconciled(string(task.Status))
	if task.Status.Terminal() {
		m.cfg.Metrics.TaskOutcome(string(task.Status))
	}

	ev := events.NewEvent(events.EventTaskUpdated, task)
	ev.Progress = s.Progress
	m.notifier.Notify(ctx, ev)
	logger.Infof("transfer %s -> %s (%d%%)", prev, task.Status, s.Progress)
	return true
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", orchestrator.ErrCancelled, err)
	}
	return nil
}

var _ Manager = (*manager)(nil)
