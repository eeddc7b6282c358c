package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

var _ domain.AccountStore = (*AccountStore)(nil)

// AccountStore implements domain.AccountStore using PostgreSQL.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates an AccountStore backed by the given connection pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// LoadAccounts returns every custody account.
func (s *AccountStore) LoadAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, balance::text, updated_at FROM accounts ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var (
			a    domain.Account
			addr string
			n    numScan
		)
		if err := rows.Scan(&addr, n.add("balance", &a.Balance), &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		if a.Address, err = parseAddress("address", addr); err != nil {
			return nil, err
		}
		a.UpdatedAt = a.UpdatedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load accounts rows: %w", err)
	}
	return out, nil
}

// SaveAccounts upserts accounts in a single batch.
func (s *AccountStore) SaveAccounts(ctx context.Context, accounts []domain.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	const query = `
		INSERT INTO accounts (address, balance, updated_at)
		VALUES ($1, $2::numeric, $3)
		ON CONFLICT (address) DO UPDATE SET
			balance    = EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, a := range accounts {
		batch.Queue(query, a.Address.Hex(), num(a.Balance), a.UpdatedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for _, a := range accounts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: save account %s: %w", a.Address.Hex(), err)
		}
	}
	return nil
}
