package review

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/meridianpay/riskengine/internal/pagination"
)

// PostgresStore persists review items in PostgreSQL. A partial unique index
// on (transaction_id) WHERE status IN ('pending','in_review') enforces the
// one-open-item rule under concurrency.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed review store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, item *Item) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO review_items (
			id, transaction_id, assigned_to, status, verdict,
			notes, escalation, added_at, reviewed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.TransactionID, nullString(item.AssignedTo), string(item.Status), nullString(string(item.Verdict)),
		nullString(item.Notes), item.Escalation, item.AddedAt, nullTime(item.ReviewedAt),
	)
	return err
}

const itemColumns = `id, transaction_id, assigned_to, status, verdict,
		     notes, escalation, added_at, reviewed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Item, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM review_items WHERE id = $1`, id)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return item, err
}

func (p *PostgresStore) GetOpenByTransaction(ctx context.Context, transactionID string) (*Item, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM review_items
		WHERE transaction_id = $1 AND status IN ('pending', 'in_review')`,
		transactionID)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return item, err
}

func (p *PostgresStore) Update(ctx context.Context, item *Item, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE review_items SET
			assigned_to = $1, status = $2, verdict = $3,
			notes = $4, reviewed_at = $5
		WHERE id = $6 AND status = $7`,
		nullString(item.AssignedTo), string(item.Status), nullString(string(item.Verdict)),
		nullString(item.Notes), nullTime(item.ReviewedAt),
		item.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a lost status race.
		if _, getErr := p.Get(ctx, item.ID); getErr != nil {
			return getErr
		}
		return ErrStale
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM review_items`
	args := []any{}
	where := ""

	if status != "" {
		args = append(args, string(status))
		where = ` WHERE status = $1`
	}
	if after != nil {
		if where == "" {
			where = ` WHERE (added_at, id) > ($1, $2)`
			args = append(args, after.CreatedAt, after.ID)
		} else {
			where += ` AND (added_at, id) > ($2, $3)`
			args = append(args, after.CreatedAt, after.ID)
		}
	}
	args = append(args, limit)
	query += where + ` ORDER BY added_at ASC, id ASC LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'in_review'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COALESCE(EXTRACT(EPOCH FROM (now() - MIN(added_at) FILTER (WHERE status = 'pending'))), 0)
		FROM review_items`,
	).Scan(&stats.Pending, &stats.InReview, &stats.Completed, &stats.OldestPendingAge)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item       Item
		assignedTo sql.NullString
		verdict    sql.NullString
		notes      sql.NullString
		reviewedAt sql.NullTime
	)
	err := row.Scan(
		&item.ID, &item.TransactionID, &assignedTo, &item.Status, &verdict,
		&notes, &item.Escalation, &item.AddedAt, &reviewedAt,
	)
	if err != nil {
		return nil, err
	}
	item.AssignedTo = assignedTo.String
	item.Verdict = Verdict(verdict.String)
	item.Notes = notes.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		item.ReviewedAt = &t
	}
	return &item, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
