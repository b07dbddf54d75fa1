package roles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists role bindings in Postgres. Bind-once is enforced
// by the primary key on (identity, contract_id).
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, b *Binding) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO role_bindings (identity, contract_id, role, bound_at)
		VALUES ($1, $2, $3, $4)`,
		b.Identity, b.ContractID, string(b.Role), b.BoundAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrRoleConflict
		}
		return fmt.Errorf("insert role binding: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, identity, contractID string) (*Binding, error) {
	var b Binding
	var role string
	err := p.db.QueryRowContext(ctx, `
		SELECT identity, contract_id, role, bound_at
		FROM role_bindings WHERE identity = $1 AND contract_id = $2`,
		identity, contractID,
	).Scan(&b.Identity, &b.ContractID, &role, &b.BoundAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotBound
	}
	if err != nil {
		return nil, fmt.Errorf("select role binding: %w", err)
	}
	b.Role = Role(role)
	return &b, nil
}

func (p *PostgresStore) ListByContract(ctx context.Context, contractID string) ([]*Binding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT identity, contract_id, role, bound_at
		FROM role_bindings WHERE contract_id = $1
		ORDER BY bound_at`,
		contractID,
	)
	if err != nil {
		return nil, fmt.Errorf("list role bindings: %w", err)
	}
	defer rows.Close()

	var out []*Binding
	for rows.Next() {
		var b Binding
		var r string
		if err := rows.Scan(&b.Identity, &b.ContractID, &r, &b.BoundAt); err != nil {
			return nil, fmt.Errorf("scan role binding: %w", err)
		}
		b.Role = Role(r)
		out = append(out, &b)
	}
	return out, rows.Err()
}
