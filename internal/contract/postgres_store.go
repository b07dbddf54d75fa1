package contract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fairwork/escrowd/internal/payment"
)

// PostgresStore persists contracts and milestones in Postgres.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateContract(ctx context.Context, c *Contract, milestones []*Milestone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contracts (id, client_id, freelancer_id, payment_method, state,
			total_amount, released_amount, refunded_amount, external_ref,
			requires_reconciliation, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.ClientID, c.FreelancerID, string(c.Method), string(c.State),
		c.TotalAmount, c.ReleasedAmount, c.RefundedAmount, c.ExternalRef,
		c.RequiresReconciliation, c.CreatedAt, c.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}

	for _, m := range milestones {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO milestones (id, contract_id, sequence_index, amount,
				description, status, settlement_ref, submitted_at, approved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			m.ID, m.ContractID, m.SequenceIndex, m.Amount,
			m.Description, string(m.Status), m.SettlementRef, m.SubmittedAt, m.ApprovedAt,
		)
		if err != nil {
			return fmt.Errorf("insert milestone: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetContract(ctx context.Context, id string) (*Contract, error) {
	var c Contract
	var method, state string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, client_id, freelancer_id, payment_method, state,
			total_amount, released_amount, refunded_amount, external_ref,
			requires_reconciliation, created_at, last_activity_at
		FROM contracts WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.ClientID, &c.FreelancerID, &method, &state,
		&c.TotalAmount, &c.ReleasedAmount, &c.RefundedAmount, &c.ExternalRef,
		&c.RequiresReconciliation, &c.CreatedAt, &c.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select contract: %w", err)
	}
	c.Method = payment.Method(method)
	c.State = State(state)
	return &c, nil
}

func (p *PostgresStore) UpdateContract(ctx context.Context, c *Contract) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE contracts SET state = $2, released_amount = $3, refunded_amount = $4,
			external_ref = $5, requires_reconciliation = $6, last_activity_at = $7
		WHERE id = $1`,
		c.ID, string(c.State), c.ReleasedAmount, c.RefundedAmount,
		c.ExternalRef, c.RequiresReconciliation, c.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("update contract: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetMilestone(ctx context.Context, contractID, milestoneID string) (*Milestone, error) {
	var m Milestone
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, contract_id, sequence_index, amount, description, status,
			settlement_ref, submitted_at, approved_at
		FROM milestones WHERE contract_id = $1 AND id = $2`,
		contractID, milestoneID,
	).Scan(&m.ID, &m.ContractID, &m.SequenceIndex, &m.Amount, &m.Description, &status,
		&m.SettlementRef, &m.SubmittedAt, &m.ApprovedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMilestoneNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select milestone: %w", err)
	}
	m.Status = MilestoneStatus(status)
	return &m, nil
}

func (p *PostgresStore) ListMilestones(ctx context.Context, contractID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, sequence_index, amount, description, status,
			settlement_ref, submitted_at, approved_at
		FROM milestones WHERE contract_id = $1 ORDER BY sequence_index`,
		contractID,
	)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	var out []*Milestone
	for rows.Next() {
		var m Milestone
		var status string
		if err := rows.Scan(&m.ID, &m.ContractID, &m.SequenceIndex, &m.Amount, &m.Description,
			&status, &m.SettlementRef, &m.SubmittedAt, &m.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		m.Status = MilestoneStatus(status)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateMilestone(ctx context.Context, m *Milestone) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE milestones SET status = $3, settlement_ref = $4,
			submitted_at = $5, approved_at = $6
		WHERE contract_id = $1 AND id = $2`,
		m.ContractID, m.ID, string(m.Status), m.SettlementRef, m.SubmittedAt, m.ApprovedAt,
	)
	if err != nil {
		return fmt.Errorf("update milestone: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, identity string) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, client_id, freelancer_id, payment_method, state,
			total_amount, released_amount, refunded_amount, external_ref,
			requires_reconciliation, created_at, last_activity_at
		FROM contracts WHERE client_id = $1 OR freelancer_id = $1
		ORDER BY created_at`,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var out []*Contract
	for rows.Next() {
		var c Contract
		var method, state string
		if err := rows.Scan(&c.ID, &c.ClientID, &c.FreelancerID, &method, &state,
			&c.TotalAmount, &c.ReleasedAmount, &c.RefundedAmount, &c.ExternalRef,
			&c.RequiresReconciliation, &c.CreatedAt, &c.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		c.Method = payment.Method(method)
		c.State = State(state)
		out = append(out, &c)
	}
	return out, rows.Err()
}
