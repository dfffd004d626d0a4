package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/digwatch/internal/notice"
)

const noticeColumns = `id, start_date, end_date, name, COALESCE(type, ''), COALESCE(unit, ''), ` +
	`COALESCE(road, ''), COALESCE(url, ''), geometry`

// NoticeStore persists construction notices in the construction_notices table.
type NoticeStore struct {
	db beginner
}

// NewNoticeStore wraps a pool (or pgxmock pool in tests).
func NewNoticeStore(db beginner) (*NoticeStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	return &NoticeStore{db: db}, nil
}

// FindByURLs returns stored notices keyed by url in one query. The lowest id
// wins when a url appears more than once.
func (s *NoticeStore) FindByURLs(ctx context.Context, urls []string) (map[string]notice.Notice, error) {
	return s.findBy(ctx, "url", urls, func(n notice.Notice) string { return n.URL })
}

// FindByNames returns stored notices keyed by name in one query.
func (s *NoticeStore) FindByNames(ctx context.Context, names []string) (map[string]notice.Notice, error) {
	return s.findBy(ctx, "name", names, func(n notice.Notice) string { return n.Name })
}

// column is one of the fixed literals above, never caller input.
func (s *NoticeStore) findBy(
	ctx context.Context,
	column string,
	keys []string,
	keyOf func(notice.Notice) string,
) (map[string]notice.Notice, error) {
	out := make(map[string]notice.Notice)
	keys = nonEmpty(keys)
	if len(keys) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM construction_notices WHERE %s = ANY($1) ORDER BY id`, noticeColumns, column)
	notices, err := s.list(ctx, query, keys)
	if err != nil {
		return nil, fmt.Errorf("find notices by %s: %w", column, err)
	}
	for _, n := range notices {
		k := keyOf(n)
		if _, seen := out[k]; !seen {
			out[k] = n
		}
	}
	return out, nil
}

// ListMissingGeometry returns notices whose geometry is NULL, JSON null or {}.
func (s *NoticeStore) ListMissingGeometry(ctx context.Context) ([]notice.Notice, error) {
	query := `SELECT ` + noticeColumns + ` FROM construction_notices
WHERE geometry IS NULL OR geometry = 'null'::jsonb OR geometry = '{}'::jsonb
ORDER BY id`
	notices, err := s.list(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list notices missing geometry: %w", err)
	}
	return notices, nil
}

// ListActive returns notices whose inclusive date range covers day.
func (s *NoticeStore) ListActive(ctx context.Context, day time.Time) ([]notice.Notice, error) {
	y, m, d := day.Date()
	civil := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	query := `SELECT ` + noticeColumns + ` FROM construction_notices
WHERE start_date <= $1 AND (end_date >= $1 OR end_date IS NULL)
ORDER BY id`
	notices, err := s.list(ctx, query, civil)
	if err != nil {
		return nil, fmt.Errorf("list active notices: %w", err)
	}
	return notices, nil
}

// Begin opens a write transaction.
func (s *NoticeStore) Begin(ctx context.Context) (notice.Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &noticeTx{tx: tx}, nil
}

func (s *NoticeStore) list(ctx context.Context, query string, args ...any) ([]notice.Notice, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notice.Notice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanNotice(row pgx.Row) (notice.Notice, error) {
	var (
		n   notice.Notice
		raw []byte
	)
	if err := row.Scan(
		&n.ID, &n.StartDate, &n.EndDate, &n.Name, &n.Type, &n.Unit, &n.Road, &n.URL, &raw,
	); err != nil {
		return notice.Notice{}, fmt.Errorf("scan notice: %w", err)
	}
	g, err := notice.UnmarshalGeometry(raw)
	if err != nil {
		return notice.Notice{}, fmt.Errorf("notice %d: %w", n.ID, err)
	}
	n.Geometry = g
	return n, nil
}

func nonEmpty(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

type noticeTx struct {
	tx pgx.Tx
}

// DeleteAll removes every notice inside the transaction.
func (t *noticeTx) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM construction_notices`)
	if err != nil {
		return 0, fmt.Errorf("delete notices: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *noticeTx) Insert(ctx context.Context, n notice.Notice) error {
	raw, err := notice.MarshalGeometry(n.Geometry)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO construction_notices (start_date, end_date, name, type, unit, road, url, geometry)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.StartDate, n.EndDate, n.Name, n.Type, n.Unit, n.Road, nullable(n.URL), raw,
	)
	if err != nil {
		return fmt.Errorf("insert notice: %w", err)
	}
	return nil
}

func (t *noticeTx) UpdateGeometry(ctx context.Context, id int64, g *notice.Geometry) error {
	raw, err := notice.MarshalGeometry(g)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE construction_notices SET geometry = $1 WHERE id = $2`, raw, id)
	if err != nil {
		return fmt.Errorf("update geometry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update geometry for notice %d: %w", id, notice.ErrNotFound)
	}
	return nil
}

func (t *noticeTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *noticeTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// nullable stores empty strings as NULL so url stays absent rather than "".
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
