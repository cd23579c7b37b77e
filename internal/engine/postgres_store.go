package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists evaluations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed evaluation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) SaveEvaluation(ctx context.Context, tx *Transaction, result *EvaluationResult) error {
	factorsJSON, err := json.Marshal(result.RiskFactors)
	if err != nil {
		return fmt.Errorf("marshal risk factors: %w", err)
	}
	addressJSON, _ := json.Marshal(tx.DeclaredAddress)
	if tx.DeclaredAddress == nil {
		addressJSON = []byte("null")
	}
	sessionJSON, _ := json.Marshal(tx.Session)
	if tx.Session == nil {
		sessionJSON = []byte("null")
	}

	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	// Append-only: a duplicate transaction ID leaves the stored rows intact.
	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, actor_id, order_id, amount, currency, ip_address,
			user_agent, device_type, email_domain, card_prefix,
			declared_address, session_context, historical_avg, created_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,2), $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13::NUMERIC(20,2), $14
		) ON CONFLICT (id) DO NOTHING`,
		tx.ID, tx.ActorID, nullString(tx.OrderID), tx.Amount.String(), tx.Currency, tx.IPAddress,
		nullString(tx.UserAgent), nullString(tx.DeviceType), nullString(tx.EmailDomain), nullString(tx.CardPrefix),
		addressJSON, sessionJSON, tx.HistoricalAvg.String(), tx.CreatedAt,
	)
	if err != nil {
		return err
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO evaluation_results (
			transaction_id, risk_score, risk_level, decision, degraded,
			risk_factors, evaluation_time_ms, review_queue_id, evaluated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9
		) ON CONFLICT (transaction_id) DO NOTHING`,
		result.TransactionID, result.RiskScore, string(result.RiskLevel), string(result.Decision), result.Degraded,
		factorsJSON, result.EvaluationTimeMs, nullString(result.ReviewQueueID), result.EvaluatedAt,
	)
	if err != nil {
		return err
	}

	return dbTx.Commit()
}

const resultColumns = `transaction_id, risk_score, risk_level, decision, degraded,
		       risk_factors, evaluation_time_ms, review_queue_id, evaluated_at`

func (p *PostgresStore) GetResult(ctx context.Context, transactionID string) (*EvaluationResult, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM evaluation_results WHERE transaction_id = $1`,
		transactionID)

	res, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return res, err
}

func (p *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*EvaluationResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+resultColumns+`
		FROM evaluation_results r
		JOIN transactions t ON t.id = r.transaction_id
		WHERE t.actor_id = $1
		ORDER BY r.evaluated_at DESC
		LIMIT $2`,
		actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*EvaluationResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*EvaluationResult, error) {
	var (
		res         EvaluationResult
		level       string
		decision    string
		factorsJSON []byte
		reviewID    sql.NullString
	)
	err := row.Scan(
		&res.TransactionID, &res.RiskScore, &level, &decision, &res.Degraded,
		&factorsJSON, &res.EvaluationTimeMs, &reviewID, &res.EvaluatedAt,
	)
	if err != nil {
		return nil, err
	}
	res.RiskLevel = RiskLevel(level)
	res.Decision = Decision(decision)
	res.ReviewQueueID = reviewID.String
	if len(factorsJSON) > 0 {
		if err := json.Unmarshal(factorsJSON, &res.RiskFactors); err != nil {
			return nil, fmt.Errorf("unmarshal risk factors: %w", err)
		}
	}
	return &res, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
