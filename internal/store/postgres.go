package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) InsertTradeAudit(ctx context.Context, a *model.TradeAudit) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_audit (id, user_id, operator_id, market, selection, side, stake,
		                          request_odds, entry_odds, target_profit, stop_loss, balance_at, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11::NUMERIC, $12::NUMERIC, $13)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.UserID, a.OperatorID, a.Market, a.Selection, string(a.Side),
		a.Stake.String(), a.RequestOdds.String(), a.EntryOdds.String(),
		a.TargetProfit.String(), a.StopLoss.String(), a.BalanceAt.String(),
		a.OpenedAt,
	)
	return err
}

func (s *PostgresStore) InsertSettlement(ctx context.Context, st *model.Settlement) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (id, position_id, user_id, operator_id, market, selection, runner, side,
		                          stake, entry_odds, requested_close_odds, close_odds, profit, bonus,
		                          balance_before, balance_after, outcome, reason, feed_snapshot,
		                          opened_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC,
		         $15::NUMERIC, $16::NUMERIC, $17, $18, $19, $20, $21)
		 ON CONFLICT DO NOTHING`,
		st.ID, st.PositionID, st.UserID, st.OperatorID, st.Market, st.Selection, st.Runner, string(st.Side),
		st.Stake.String(), st.EntryOdds.String(), st.RequestedCloseOdds.String(), st.CloseOdds.String(),
		st.Profit.String(), st.Bonus.String(),
		st.BalanceBefore.String(), st.BalanceAfter.String(),
		string(st.Outcome), string(st.Reason), []byte(st.FeedSnapshot),
		st.OpenedAt, st.SettledAt,
	)
	return err
}

func (s *PostgresStore) ListSettlements(ctx context.Context, userID, operatorID string) ([]model.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, user_id, operator_id, market, selection, runner, side,
		        stake::TEXT, entry_odds::TEXT, requested_close_odds::TEXT, close_odds::TEXT,
		        profit::TEXT, bonus::TEXT, balance_before::TEXT, balance_after::TEXT,
		        outcome, reason, COALESCE(feed_snapshot, 'null'::JSONB), opened_at, settled_at
		 FROM settlements WHERE user_id = $1 AND operator_id = $2 ORDER BY settled_at`,
		userID, operatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSettlements(rows)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID, operatorID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, operator_id, balance::TEXT, last_ref, updated_at
		 FROM wallets WHERE user_id = $1 AND operator_id = $2`, userID, operatorID).
		Scan(&w.UserID, &w.OperatorID, &balance, &w.LastRef, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrWalletNotFound, operatorID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s/%s: %w", operatorID, userID, err)
	}

	w.Balance, _ = decimal.NewFromString(balance)
	return &w, nil
}

func (s *PostgresStore) PutWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, operator_id, balance, last_ref, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 ON CONFLICT (operator_id, user_id)
		 DO UPDATE SET balance = EXCLUDED.balance, last_ref = EXCLUDED.last_ref, updated_at = EXCLUDED.updated_at`,
		w.UserID, w.OperatorID, w.Balance.String(), w.LastRef, w.UpdatedAt,
	)
	return err
}

// scanSettlements reads pgx rows into Settlement slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanSettlements(rows pgxRows) ([]model.Settlement, error) {
	var out []model.Settlement
	for rows.Next() {
		var st model.Settlement
		var side, outcome, reason string
		var stake, entry, requested, closeOdds, profit, bonus, before, after string
		var snapshot []byte

		if err := rows.Scan(&st.ID, &st.PositionID, &st.UserID, &st.OperatorID,
			&st.Market, &st.Selection, &st.Runner, &side,
			&stake, &entry, &requested, &closeOdds,
			&profit, &bonus, &before, &after,
			&outcome, &reason, &snapshot, &st.OpenedAt, &st.SettledAt); err != nil {
			return nil, err
		}

		st.Side = model.Side(side)
		st.Outcome = model.Outcome(outcome)
		st.Reason = model.Reason(reason)
		st.FeedSnapshot = snapshot
		st.Stake, _ = decimal.NewFromString(stake)
		st.EntryOdds, _ = decimal.NewFromString(entry)
		st.RequestedCloseOdds, _ = decimal.NewFromString(requested)
		st.CloseOdds, _ = decimal.NewFromString(closeOdds)
		st.Profit, _ = decimal.NewFromString(profit)
		st.Bonus, _ = decimal.NewFromString(bonus)
		st.BalanceBefore, _ = decimal.NewFromString(before)
		st.BalanceAfter, _ = decimal.NewFromString(after)

		out = append(out, st)
	}
	return out, rows.Err()
}
