package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"resonance/internal/domain"
	"resonance/internal/repository"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	wishlist_key TEXT NOT NULL UNIQUE,
	artist TEXT NOT NULL,
	title TEXT NOT NULL,
	type TEXT NOT NULL,
	year INTEGER NOT NULL DEFAULT 0,
	mbid TEXT NOT NULL DEFAULT '',
	expected_track_count INTEGER NULL,
	status TEXT NOT NULL,
	search_id TEXT NOT NULL DEFAULT '',
	search_query TEXT NOT NULL DEFAULT '',
	search_results BLOB NULL,
	selection_expires_at DATETIME NULL,
	skipped_usernames TEXT NOT NULL DEFAULT '[]',
	username TEXT NOT NULL DEFAULT '',
	directory TEXT NOT NULL DEFAULT '',
	file_ids TEXT NOT NULL DEFAULT '[]',
	file_count INTEGER NOT NULL DEFAULT 0,
	quality_format TEXT NOT NULL DEFAULT '',
	quality_bitrate INTEGER NOT NULL DEFAULT 0,
	quality_bit_depth INTEGER NOT NULL DEFAULT 0,
	quality_sample_rate INTEGER NOT NULL DEFAULT 0,
	quality_tier TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	queued_at DATETIME NOT NULL,
	started_at DATETIME NULL,
	completed_at DATETIME NULL,
	organized_at DATETIME NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_queued_at ON tasks(status, queued_at);
`

	taskColumns = `id, wishlist_key, artist, title, type, year, mbid, expected_track_count, status, search_id, search_query, search_results, selection_expires_at, skipped_usernames, username, directory, file_ids, file_count, quality_format, quality_bitrate, quality_bit_depth, quality_sample_rate, quality_tier, retry_count, error_message, queued_at, started_at, completed_at, organized_at, updated_at`
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return r.ensureTaskColumns(ctx)
}

// ensureTaskColumns adds columns introduced after a database was created.
func (r *TaskRepository) ensureTaskColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(tasks)`)
	if err != nil {
		return fmt.Errorf("describe tasks table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	addColumn := func(name, statement string) error {
		if _, exists := columns[name]; exists {
			return nil
		}
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s: %w", name, err)
		}
		return nil
	}

	if err := addColumn("organized_at", `ALTER TABLE tasks ADD COLUMN organized_at DATETIME NULL`); err != nil {
		return err
	}
	if err := addColumn("quality_sample_rate", `ALTER TABLE tasks ADD COLUMN quality_sample_rate INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	return nil
}

func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	_, err := r.insert(ctx, task, false)
	return err
}

func (r *TaskRepository) FindOrCreateByWishlistKey(ctx context.Context, task *domain.Task) (*domain.Task, bool, error) {
	created, err := r.insert(ctx, task, true)
	if err != nil {
		return nil, false, err
	}
	if created {
		return task, true, nil
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE wishlist_key=?`, task.WishlistKey)
	existing, err := scanTask(row)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *TaskRepository) insert(ctx context.Context, task *domain.Task, ignoreConflict bool) (bool, error) {
	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.QueuedAt.IsZero() {
		task.QueuedAt = now
	}
	task.UpdatedAt = now

	args, err := taskArgs(task)
	if err != nil {
		return false, err
	}

	stmt := `INSERT INTO tasks (` + taskColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if ignoreConflict {
		stmt += ` ON CONFLICT(wishlist_key) DO NOTHING`
	}

	res, err := r.db.ExecContext(ctx, stmt, append([]any{task.ID}, args...)...)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("task insert rows affected: %w", err)
	}
	return aff == 1, nil
}

const updateTaskSQL = `
UPDATE tasks
SET wishlist_key=?, artist=?, title=?, type=?, year=?, mbid=?, expected_track_count=COALESCE(?, expected_track_count), status=?, search_id=?, search_query=?, search_results=?, selection_expires_at=?, skipped_usernames=?, username=?, directory=?, file_ids=?, file_count=?, quality_format=?, quality_bitrate=?, quality_bit_depth=?, quality_sample_rate=?, quality_tier=?, retry_count=?, error_message=?, queued_at=?, started_at=?, completed_at=?, organized_at=?, updated_at=?
WHERE id=?`

func (r *TaskRepository) Update(ctx context.Context, task *domain.Task) error {
	task.UpdatedAt = time.Now().UTC()
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, updateTaskSQL, append(args, task.ID)...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task update rows affected: %w", err)
	}
	if aff == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *TaskRepository) UpdateIf(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error {
	task.UpdatedAt = time.Now().UTC()
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, updateTaskSQL+` AND status=?`, append(args, task.ID, string(expected))...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task update rows affected: %w", err)
	}
	if aff == 1 {
		return nil
	}

	if _, err := r.Get(ctx, task.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: expected %s", domain.ErrStatusConflict, expected)
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_files WHERE task_id=?`, id); err != nil {
		return fmt.Errorf("delete task files: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task delete rows affected: %w", err)
	}
	if aff == 0 {
		return domain.ErrTaskNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task delete: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (r *TaskRepository) List(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY queued_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *TaskRepository) ListByStatuses(ctx context.Context, limit int, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return []domain.Task{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE status IN (%s) ORDER BY queued_at ASC, id ASC`, taskColumns, strings.Join(placeholders, ","))
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// taskArgs returns every column value after id, in taskColumns order.
func taskArgs(task *domain.Task) ([]any, error) {
	skipped, err := json.Marshal(nonNil(task.SkippedUsernames))
	if err != nil {
		return nil, fmt.Errorf("encode skipped usernames: %w", err)
	}
	fileIDs, err := json.Marshal(nonNil(task.FileIDs))
	if err != nil {
		return nil, fmt.Errorf("encode file ids: %w", err)
	}
	var expected any
	if task.ExpectedTrackCount != nil {
		expected = *task.ExpectedTrackCount
	}
	return []any{
		task.WishlistKey,
		task.Artist,
		task.Title,
		string(task.Type),
		task.Year,
		task.MBID,
		expected,
		string(task.Status),
		task.SearchID,
		task.SearchQuery,
		task.SearchResults,
		nullTime(task.SelectionExpiresAt),
		string(skipped),
		task.Username,
		task.Directory,
		string(fileIDs),
		task.FileCount,
		task.Quality.Format,
		task.Quality.BitRate,
		task.Quality.BitDepth,
		task.Quality.SampleRate,
		string(task.Quality.Tier),
		task.RetryCount,
		task.ErrorMessage,
		task.QueuedAt.UTC(),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		nullTime(task.OrganizedAt),
		task.UpdatedAt,
	}, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	tasks := []domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var (
		task        domain.Task
		taskType    string
		status      string
		tier        string
		expected    sql.NullInt64
		expiresAt   sql.NullTime
		skipped     string
		fileIDs     string
		queuedAt    time.Time
		updatedAt   time.Time
		startedAt   sql.NullTime
		completedAt sql.NullTime
		organizedAt sql.NullTime
	)

	if err := scanner.Scan(
		&task.ID,
		&task.WishlistKey,
		&task.Artist,
		&task.Title,
		&taskType,
		&task.Year,
		&task.MBID,
		&expected,
		&status,
		&task.SearchID,
		&task.SearchQuery,
		&task.SearchResults,
		&expiresAt,
		&skipped,
		&task.Username,
		&task.Directory,
		&fileIDs,
		&task.FileCount,
		&task.Quality.Format,
		&task.Quality.BitRate,
		&task.Quality.BitDepth,
		&task.Quality.SampleRate,
		&tier,
		&task.RetryCount,
		&task.ErrorMessage,
		&queuedAt,
		&startedAt,
		&completedAt,
		&organizedAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Type = domain.TaskType(taskType)
	task.Status = domain.TaskStatus(status)
	task.Quality.Tier = domain.QualityTier(tier)
	if expected.Valid {
		v := int(expected.Int64)
		task.ExpectedTrackCount = &v
	}
	if err := json.Unmarshal([]byte(skipped), &task.SkippedUsernames); err != nil {
		return nil, fmt.Errorf("decode skipped usernames: %w", err)
	}
	if err := json.Unmarshal([]byte(fileIDs), &task.FileIDs); err != nil {
		return nil, fmt.Errorf("decode file ids: %w", err)
	}
	if len(task.SkippedUsernames) == 0 {
		task.SkippedUsernames = nil
	}
	if len(task.FileIDs) == 0 {
		task.FileIDs = nil
	}
	task.QueuedAt = queuedAt.UTC()
	task.UpdatedAt = updatedAt.UTC()
	task.SelectionExpiresAt = timePtr(expiresAt)
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(completedAt)
	task.OrganizedAt = timePtr(organizedAt)
	if len(task.SearchResults) == 0 {
		task.SearchResults = nil
	}

	return &task, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
