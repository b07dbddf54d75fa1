package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists dispute cases in Postgres. Votes, tally and
// verdict are stored as JSONB; they are read and written whole with the
// case, never queried field-wise.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Case) error {
	ai, votes, tally, verdict, err := marshalParts(d)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, contract_id, milestone_id, raised_by, raised_by_role,
			reason, evidence, status, ai_recommendation, panel, votes, voting_deadline,
			tally, arbitrator, verdict, settlement_ref, opened_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		d.ID, d.ContractID, d.MilestoneID, d.RaisedBy, d.RaisedByRole,
		d.Reason, pq.Array(d.Evidence), string(d.Status), ai, pq.Array(d.Panel), votes,
		d.VotingDeadline, tally, d.Arbitrator, verdict, d.SettlementRef, d.OpenedAt, d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Case, error) {
	row := p.db.QueryRowContext(ctx, selectCase+` WHERE id = $1`, id)
	d, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Case) error {
	ai, votes, tally, verdict, err := marshalParts(d)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET evidence = $2, status = $3, ai_recommendation = $4,
			panel = $5, votes = $6, voting_deadline = $7, tally = $8,
			arbitrator = $9, verdict = $10, settlement_ref = $11, resolved_at = $12
		WHERE id = $1`,
		d.ID, pq.Array(d.Evidence), string(d.Status), ai,
		pq.Array(d.Panel), votes, d.VotingDeadline, tally,
		d.Arbitrator, verdict, d.SettlementRef, d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]*Case, error) {
	rows, err := p.db.QueryContext(ctx, selectCase+` WHERE status = $1 ORDER BY opened_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		d, serr := scanCase(rows)
		if serr != nil {
			return nil, serr
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const selectCase = `
	SELECT id, contract_id, milestone_id, raised_by, raised_by_role, reason,
		evidence, status, ai_recommendation, panel, votes, voting_deadline,
		tally, arbitrator, verdict, settlement_ref, opened_at, resolved_at
	FROM disputes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*Case, error) {
	var d Case
	var status string
	var ai, votes, tally, verdict []byte
	err := row.Scan(&d.ID, &d.ContractID, &d.MilestoneID, &d.RaisedBy, &d.RaisedByRole, &d.Reason,
		pq.Array(&d.Evidence), &status, &ai, pq.Array(&d.Panel), &votes, &d.VotingDeadline,
		&tally, &d.Arbitrator, &verdict, &d.SettlementRef, &d.OpenedAt, &d.ResolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if len(ai) > 0 {
		d.AI = &Recommendation{}
		if err := json.Unmarshal(ai, d.AI); err != nil {
			return nil, fmt.Errorf("decode ai recommendation: %w", err)
		}
	}
	if len(votes) > 0 {
		if err := json.Unmarshal(votes, &d.Votes); err != nil {
			return nil, fmt.Errorf("decode votes: %w", err)
		}
	}
	if len(tally) > 0 {
		d.Tally = &Tally{}
		if err := json.Unmarshal(tally, d.Tally); err != nil {
			return nil, fmt.Errorf("decode tally: %w", err)
		}
	}
	if len(verdict) > 0 {
		d.Verdict = &Verdict{}
		if err := json.Unmarshal(verdict, d.Verdict); err != nil {
			return nil, fmt.Errorf("decode verdict: %w", err)
		}
	}
	return &d, nil
}

func marshalParts(d *Case) (ai, votes, tally, verdict []byte, err error) {
	if d.AI != nil {
		if ai, err = json.Marshal(d.AI); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode ai recommendation: %w", err)
		}
	}
	if len(d.Votes) > 0 {
		if votes, err = json.Marshal(d.Votes); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode votes: %w", err)
		}
	}
	if d.Tally != nil {
		if tally, err = json.Marshal(d.Tally); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode tally: %w", err)
		}
	}
	if d.Verdict != nil {
		if verdict, err = json.Marshal(d.Verdict); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode verdict: %w", err)
		}
	}
	return ai, votes, tally, verdict, nil
}
