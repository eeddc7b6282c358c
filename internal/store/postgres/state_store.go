package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/futarchy/internal/domain"
)

var _ domain.StateStore = (*StateStore)(nil)

// StateStore implements domain.StateStore using PostgreSQL. Each Commit is
// one database transaction; the operation's value transfer runs inside it
// just before COMMIT.
type StateStore struct {
	pool *pgxpool.Pool
}

// NewStateStore creates a StateStore backed by the given connection pool.
func NewStateStore(pool *pgxpool.Pool) *StateStore {
	return &StateStore{pool: pool}
}

const upsertProposal = `
	INSERT INTO proposals (
		id, proposer, target, payload, requested_amount, description_ref,
		pass_market_id, fail_market_id, trading_start, trading_end, resolution_time,
		stake, liquidity, state, final_pass_price, final_fail_price,
		pass_wins, stake_returned, collateral, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5::numeric, $6,
		$7, $8, $9, $10, $11,
		$12::numeric, $13::numeric, $14, $15::numeric, $16::numeric,
		$17, $18, $19::numeric, $20, $21
	)
	ON CONFLICT (id) DO UPDATE SET
		state            = EXCLUDED.state,
		final_pass_price = EXCLUDED.final_pass_price,
		final_fail_price = EXCLUDED.final_fail_price,
		pass_wins        = EXCLUDED.pass_wins,
		stake_returned   = EXCLUDED.stake_returned,
		collateral       = EXCLUDED.collateral,
		updated_at       = EXCLUDED.updated_at`

const upsertMarket = `
	INSERT INTO markets (
		id, proposal_id, b, q_yes, q_no, collateral, active, created_at, closed_at,
		final_price, cumulative_yes, cumulative_no, accrued, last_update, observations
	) VALUES (
		$1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9,
		$10::numeric, $11::numeric, $12::numeric, $13::numeric, $14, $15
	)
	ON CONFLICT (id) DO UPDATE SET
		q_yes          = EXCLUDED.q_yes,
		q_no           = EXCLUDED.q_no,
		collateral     = EXCLUDED.collateral,
		active         = EXCLUDED.active,
		closed_at      = EXCLUDED.closed_at,
		final_price    = EXCLUDED.final_price,
		cumulative_yes = EXCLUDED.cumulative_yes,
		cumulative_no  = EXCLUDED.cumulative_no,
		accrued        = EXCLUDED.accrued,
		last_update    = EXCLUDED.last_update,
		observations   = EXCLUDED.observations`

const upsertBalance = `
	INSERT INTO balances (holder, proposal_id, side, amount)
	VALUES ($1, $2, $3, $4::numeric)
	ON CONFLICT (holder, proposal_id, side) DO UPDATE SET amount = EXCLUDED.amount`

const deleteBalance = `DELETE FROM balances WHERE holder = $1 AND proposal_id = $2 AND side = $3`

const upsertTotals = `
	INSERT INTO supply_totals (proposal_id, side, minted, redeemed, supply)
	VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric)
	ON CONFLICT (proposal_id, side) DO UPDATE SET
		minted   = EXCLUDED.minted,
		redeemed = EXCLUDED.redeemed,
		supply   = EXCLUDED.supply`

// Commit writes cs and runs effect in one transaction. If effect or any
// write fails, the transaction is rolled back.
func (s *StateStore) Commit(ctx context.Context, cs domain.Changeset, effect func(ctx context.Context) error) error {
	batch, err := changesetBatch(cs)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: commit statement %d: %w", i, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: close commit batch: %w", err)
		}
	}

	if effect != nil {
		if err := effect(ctx); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// changesetBatch queues one statement per row in cs. The proposal goes
// first so the foreign keys of its markets and balances resolve.
func changesetBatch(cs domain.Changeset) (*pgx.Batch, error) {
	batch := &pgx.Batch{}
	if p := cs.Proposal; p != nil {
		batch.Queue(upsertProposal,
			p.ID, p.Proposer.Hex(), p.Target.Hex(), p.Payload, num(p.RequestedAmount), p.DescriptionRef.Hex(),
			p.PassMarketID, p.FailMarketID, p.TradingStart, p.TradingEnd, p.ResolutionTime,
			num(p.Stake), num(p.Liquidity), string(p.State), num(p.FinalPassPrice), num(p.FinalFailPrice),
			p.PassWins, p.StakeReturned, num(p.Collateral), p.CreatedAt, p.UpdatedAt,
		)
	}
	for _, m := range cs.Markets {
		obs, err := json.Marshal(observations(m.Oracle.Observations))
		if err != nil {
			return nil, fmt.Errorf("postgres: marshal observations of market %s: %w", m.ID, err)
		}
		batch.Queue(upsertMarket,
			m.ID, m.ProposalID, num(m.B), num(m.QYes), num(m.QNo), num(m.Collateral), m.Active, m.CreatedAt, m.ClosedAt,
			num(m.FinalPrice), num(m.Oracle.CumulativeYes), num(m.Oracle.CumulativeNo), num(m.Oracle.Accrued),
			m.Oracle.LastUpdate, obs,
		)
	}
	for _, b := range cs.Balances {
		if b.Amount.IsZero() {
			batch.Queue(deleteBalance, b.Holder.Hex(), b.ProposalID, string(b.Side))
			continue
		}
		batch.Queue(upsertBalance, b.Holder.Hex(), b.ProposalID, string(b.Side), num(b.Amount))
	}
	for _, t := range cs.Totals {
		batch.Queue(upsertTotals, t.ProposalID, string(t.Side), num(t.Minted), num(t.Redeemed), num(t.Supply))
	}
	return batch, nil
}

func observations(obs []domain.Observation) []domain.Observation {
	if obs == nil {
		return []domain.Observation{}
	}
	return obs
}

// Load reads the full engine state, proposals in creation order.
func (s *StateStore) Load(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	var err error
	if snap.Proposals, err = s.loadProposals(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.Markets, err = s.loadMarkets(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.Balances, err = s.loadBalances(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.Totals, err = s.loadTotals(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func (s *StateStore) loadProposals(ctx context.Context) ([]domain.Proposal, error) {
	const query = `
		SELECT id, proposer, target, payload, requested_amount::text, description_ref,
			pass_market_id, fail_market_id, trading_start, trading_end, resolution_time,
			stake::text, liquidity::text, state, final_pass_price::text, final_fail_price::text,
			pass_wins, stake_returned, collateral::text, created_at, updated_at
		FROM proposals
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load proposals: %w", err)
	}
	defer rows.Close()

	var out []domain.Proposal
	for rows.Next() {
		var (
			p                domain.Proposal
			proposer, target string
			descRef, state   string
			n                numScan
		)
		err := rows.Scan(
			&p.ID, &proposer, &target, &p.Payload, n.add("requested_amount", &p.RequestedAmount), &descRef,
			&p.PassMarketID, &p.FailMarketID, &p.TradingStart, &p.TradingEnd, &p.ResolutionTime,
			n.add("stake", &p.Stake), n.add("liquidity", &p.Liquidity), &state,
			n.add("final_pass_price", &p.FinalPassPrice), n.add("final_fail_price", &p.FinalFailPrice),
			&p.PassWins, &p.StakeReturned, n.add("collateral", &p.Collateral), &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan proposal: %w", err)
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		if p.Proposer, err = parseAddress("proposer", proposer); err != nil {
			return nil, err
		}
		if p.Target, err = parseAddress("target", target); err != nil {
			return nil, err
		}
		if p.State, err = domain.ParseProposalState(state); err != nil {
			return nil, fmt.Errorf("postgres: proposal %s: %w", p.ID, err)
		}
		p.DescriptionRef = common.HexToHash(descRef)
		utc(&p.TradingStart, &p.TradingEnd, &p.ResolutionTime, &p.CreatedAt, &p.UpdatedAt)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load proposals rows: %w", err)
	}
	return out, nil
}

func (s *StateStore) loadMarkets(ctx context.Context) ([]domain.Market, error) {
	const query = `
		SELECT id, proposal_id, b::text, q_yes::text, q_no::text, collateral::text, active,
			created_at, closed_at, final_price::text, cumulative_yes::text, cumulative_no::text,
			accrued::text, last_update, observations
		FROM markets
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		var (
			m   domain.Market
			obs []byte
			n   numScan
		)
		err := rows.Scan(
			&m.ID, &m.ProposalID, n.add("b", &m.B), n.add("q_yes", &m.QYes), n.add("q_no", &m.QNo),
			n.add("collateral", &m.Collateral), &m.Active, &m.CreatedAt, &m.ClosedAt,
			n.add("final_price", &m.FinalPrice), n.add("cumulative_yes", &m.Oracle.CumulativeYes),
			n.add("cumulative_no", &m.Oracle.CumulativeNo), n.add("accrued", &m.Oracle.Accrued),
			&m.Oracle.LastUpdate, &obs,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		if len(obs) > 0 {
			if err := json.Unmarshal(obs, &m.Oracle.Observations); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal observations of market %s: %w", m.ID, err)
			}
			if len(m.Oracle.Observations) == 0 {
				m.Oracle.Observations = nil
			}
		}
		utc(&m.CreatedAt, &m.Oracle.LastUpdate)
		if m.ClosedAt != nil {
			utc(m.ClosedAt)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load markets rows: %w", err)
	}
	return out, nil
}

func (s *StateStore) loadBalances(ctx context.Context) ([]domain.Balance, error) {
	const query = `SELECT holder, proposal_id, side, amount::text FROM balances ORDER BY proposal_id, side, holder`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load balances: %w", err)
	}
	defer rows.Close()

	var out []domain.Balance
	for rows.Next() {
		var (
			b            domain.Balance
			holder, side string
			n            numScan
		)
		if err := rows.Scan(&holder, &b.ProposalID, &side, n.add("amount", &b.Amount)); err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		if b.Holder, err = parseAddress("holder", holder); err != nil {
			return nil, err
		}
		if b.Side, err = domain.ParseSide(side); err != nil {
			return nil, fmt.Errorf("postgres: balance side: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load balances rows: %w", err)
	}
	return out, nil
}

func (s *StateStore) loadTotals(ctx context.Context) ([]domain.SupplyTotals, error) {
	const query = `SELECT proposal_id, side, minted::text, redeemed::text, supply::text FROM supply_totals ORDER BY proposal_id, side`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load supply totals: %w", err)
	}
	defer rows.Close()

	var out []domain.SupplyTotals
	for rows.Next() {
		var (
			t    domain.SupplyTotals
			side string
			n    numScan
		)
		if err := rows.Scan(&t.ProposalID, &side,
			n.add("minted", &t.Minted), n.add("redeemed", &t.Redeemed), n.add("supply", &t.Supply),
		); err != nil {
			return nil, fmt.Errorf("postgres: scan supply totals: %w", err)
		}
		if err := n.parse(); err != nil {
			return nil, err
		}
		if t.Side, err = domain.ParseSide(side); err != nil {
			return nil, fmt.Errorf("postgres: supply side: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load supply totals rows: %w", err)
	}
	return out, nil
}

func utc(ts ...*time.Time) {
	for _, t := range ts {
		*t = t.UTC()
	}
}
