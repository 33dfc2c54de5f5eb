package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"resonance/internal/domain"
	"resonance/internal/repository"
)

const (
	createDiscoveriesTable = `
CREATE TABLE IF NOT EXISTS discoveries (
	mbid TEXT PRIMARY KEY,
	artist TEXT NOT NULL,
	album TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	year INTEGER NOT NULL DEFAULT 0,
	score REAL NULL,
	source TEXT NOT NULL DEFAULT '',
	similar_to TEXT NOT NULL DEFAULT '[]',
	source_track TEXT NOT NULL DEFAULT '',
	cover_url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	added_at DATETIME NOT NULL,
	decided_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_discoveries_status_added_at ON discoveries(status, added_at);
`

	discoveryColumns = `mbid, artist, album, title, type, year, score, source, similar_to, source_track, cover_url, status, added_at, decided_at`

	defaultDiscoveryPage = 50
)

var discoverySortColumns = map[string]string{
	"":         "added_at",
	"added_at": "added_at",
	"score":    "COALESCE(score, 0)",
	"artist":   "artist COLLATE NOCASE",
	"year":     "year",
}

type DiscoveryRepository struct {
	db *sql.DB
}

func NewDiscoveryRepository(db *sql.DB) repository.DiscoveryRepository {
	return &DiscoveryRepository{db: db}
}

func (r *DiscoveryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createDiscoveriesTable); err != nil {
		return fmt.Errorf("create discoveries table: %w", err)
	}
	return nil
}

func (r *DiscoveryRepository) AddPending(ctx context.Context, d *domain.Discovery) (bool, error) {
	if d.AddedAt.IsZero() {
		d.AddedAt = time.Now().UTC()
	}
	d.Status = domain.DiscoveryStatusPending
	d.DecidedAt = nil

	similar, err := json.Marshal(nonNil(d.SimilarTo))
	if err != nil {
		return false, fmt.Errorf("encode similar artists: %w", err)
	}
	var score any
	if d.Score != nil {
		score = *d.Score
	}

	res, err := r.db.ExecContext(ctx, `INSERT INTO discoveries (`+discoveryColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
ON CONFLICT(mbid) DO NOTHING`,
		d.MBID, d.Artist, d.Album, d.Title, string(d.Type), d.Year, score, d.Source,
		string(similar), d.SourceTrack, d.CoverURL, string(d.Status), d.AddedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert discovery: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("discovery insert rows affected: %w", err)
	}
	return aff == 1, nil
}

func (r *DiscoveryRepository) ListPending(ctx context.Context, filter domain.DiscoveryFilter) ([]domain.Discovery, int, error) {
	column, ok := discoverySortColumns[filter.Sort]
	if !ok {
		return nil, 0, fmt.Errorf("unknown sort %q", filter.Sort)
	}

	where := `status=?`
	args := []any{string(domain.DiscoveryStatusPending)}
	if filter.Source != "" && filter.Source != "all" {
		where += ` AND source=?`
		args = append(args, filter.Source)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM discoveries WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count discoveries: %w", err)
	}

	order := "ASC"
	if filter.Desc {
		order = "DESC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDiscoveryPage
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`SELECT %s FROM discoveries WHERE %s ORDER BY %s %s, mbid ASC LIMIT ? OFFSET ?`, discoveryColumns, where, column, order)
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query discoveries: %w", err)
	}
	defer rows.Close()

	items, err := scanDiscoveries(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *DiscoveryRepository) Decide(ctx context.Context, mbids []string, status domain.DiscoveryStatus) ([]domain.Discovery, error) {
	if status == domain.DiscoveryStatusPending {
		return nil, fmt.Errorf("decide discoveries: %q is not a decision", status)
	}
	if len(mbids) == 0 {
		return []domain.Discovery{}, nil
	}

	placeholders := make([]string, len(mbids))
	args := make([]any, 0, len(mbids)+1)
	args = append(args, string(domain.DiscoveryStatusPending))
	for i, mbid := range mbids {
		placeholders[i] = "?"
		args = append(args, mbid)
	}
	where := fmt.Sprintf(`status=? AND mbid IN (%s)`, strings.Join(placeholders, ","))

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+discoveryColumns+` FROM discoveries WHERE `+where+` ORDER BY added_at ASC, mbid ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending discoveries: %w", err)
	}
	moved, err := scanDiscoveries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(moved) == 0 {
		return moved, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE discoveries SET status=?, decided_at=? WHERE `+where,
		append([]any{string(status), now}, args...)...); err != nil {
		return nil, fmt.Errorf("update discoveries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit discovery decision: %w", err)
	}

	for i := range moved {
		moved[i].Status = status
		decided := now
		moved[i].DecidedAt = &decided
	}
	return moved, nil
}

func (r *DiscoveryRepository) CountByStatus(ctx context.Context) (map[domain.DiscoveryStatus]int, error) {
	counts := map[domain.DiscoveryStatus]int{
		domain.DiscoveryStatusPending:  0,
		domain.DiscoveryStatusApproved: 0,
		domain.DiscoveryStatusRejected: 0,
	}
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM discoveries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count discoveries by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan discovery count: %w", err)
		}
		counts[domain.DiscoveryStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanDiscoveries(rows *sql.Rows) ([]domain.Discovery, error) {
	items := []domain.Discovery{}
	for rows.Next() {
		var (
			d         domain.Discovery
			kind      string
			status    string
			score     sql.NullFloat64
			similar   string
			decidedAt sql.NullTime
		)
		if err := rows.Scan(&d.MBID, &d.Artist, &d.Album, &d.Title, &kind, &d.Year, &score, &d.Source,
			&similar, &d.SourceTrack, &d.CoverURL, &status, &d.AddedAt, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan discovery: %w", err)
		}
		d.Type = domain.TaskType(kind)
		d.Status = domain.DiscoveryStatus(status)
		if score.Valid {
			v := score.Float64
			d.Score = &v
		}
		if err := json.Unmarshal([]byte(similar), &d.SimilarTo); err != nil {
			return nil, fmt.Errorf("decode similar artists: %w", err)
		}
		d.DecidedAt = timePtr(decidedAt)
		items = append(items, d)
	}
	return items, rows.Err()
}
