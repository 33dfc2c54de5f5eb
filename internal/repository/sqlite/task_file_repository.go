package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"resonance/internal/domain"
	"resonance/internal/repository"
)

const createTaskFilesTable = `
CREATE TABLE IF NOT EXISTS task_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	size INTEGER NOT NULL,
	transfer_id TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT '',
	bit_rate INTEGER NOT NULL DEFAULT 0,
	bit_depth INTEGER NOT NULL DEFAULT 0,
	sample_rate INTEGER NOT NULL DEFAULT 0,
	tier TEXT NOT NULL DEFAULT '',
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_files_task_id ON task_files(task_id);
`

// TaskFileRepository stores the files enqueued for each task together with
// their per-file quality.
type TaskFileRepository struct {
	db *sql.DB
}

func NewTaskFileRepository(db *sql.DB) repository.TaskFileRepository {
	return &TaskFileRepository{db: db}
}

func (r *TaskFileRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTaskFilesTable); err != nil {
		return fmt.Errorf("create task_files table: %w", err)
	}
	return nil
}

// ReplaceForTask swaps the task's recorded files for files in one transaction.
func (r *TaskFileRepository) ReplaceForTask(ctx context.Context, taskID string, files []domain.TaskFile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_files WHERE task_id=?`, taskID); err != nil {
		return fmt.Errorf("delete files for %s: %w", taskID, err)
	}

	if len(files) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO task_files (task_id, filename, size, transfer_id, format, bit_rate, bit_depth, sample_rate, tier)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range files {
			q := f.Quality
			if _, err := stmt.ExecContext(ctx, taskID, f.Filename, f.Size, f.TransferID,
				q.Format, q.BitRate, q.BitDepth, q.SampleRate, string(q.Tier)); err != nil {
				return fmt.Errorf("insert file %s: %w", f.Filename, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *TaskFileRepository) ListByTask(ctx context.Context, taskID string) ([]domain.TaskFile, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, task_id, filename, size, transfer_id, format, bit_rate, bit_depth, sample_rate, tier
FROM task_files
WHERE task_id=?
ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task files: %w", err)
	}
	defer rows.Close()

	var files []domain.TaskFile
	for rows.Next() {
		var (
			f    domain.TaskFile
			tier string
		)
		if err := rows.Scan(&f.ID, &f.TaskID, &f.Filename, &f.Size, &f.TransferID,
			&f.Quality.Format, &f.Quality.BitRate, &f.Quality.BitDepth, &f.Quality.SampleRate, &tier); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.Quality.Tier = domain.QualityTier(tier)
		files = append(files, f)
	}
	return files, rows.Err()
}
