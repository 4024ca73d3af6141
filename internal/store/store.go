// Package store defines the persistence interface for the spread engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// wallet cache), and in-memory (for testing).
//
// Trade audit and settlement rows are append-only. Inserts are idempotent on
// the row id so a retried write can never produce a second row.
package store

import (
	"context"
	"errors"

	"github.com/atmx/spread-engine/internal/model"
)

// ErrWalletNotFound is returned when no wallet row exists for a user.
var ErrWalletNotFound = errors.New("store: wallet not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache for wallet balances.
type Store interface {
	// --- Immutable audit trail ---

	// InsertTradeAudit appends the open-trade record. Duplicate ids are ignored.
	InsertTradeAudit(ctx context.Context, a *model.TradeAudit) error

	// InsertSettlement appends a settlement record. Duplicate ids are ignored.
	InsertSettlement(ctx context.Context, s *model.Settlement) error

	// ListSettlements returns a user's settlements, oldest first.
	ListSettlements(ctx context.Context, userID, operatorID string) ([]model.Settlement, error)

	// --- Wallet ---

	// GetWallet returns the wallet row or ErrWalletNotFound.
	GetWallet(ctx context.Context, userID, operatorID string) (*model.Wallet, error)

	// PutWallet writes the absolute balance. Never an increment.
	PutWallet(ctx context.Context, w *model.Wallet) error
}

// Schema is the DDL for the tables the PostgreSQL store expects.
const Schema = `
CREATE TABLE IF NOT EXISTS trade_audit (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	operator_id   TEXT NOT NULL,
	market        TEXT NOT NULL,
	selection     TEXT NOT NULL,
	side          TEXT NOT NULL,
	stake         NUMERIC NOT NULL,
	request_odds  NUMERIC NOT NULL,
	entry_odds    NUMERIC NOT NULL,
	target_profit NUMERIC NOT NULL,
	stop_loss     NUMERIC NOT NULL,
	balance_at    NUMERIC NOT NULL,
	opened_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
	id                   TEXT PRIMARY KEY,
	position_id          TEXT NOT NULL UNIQUE,
	user_id              TEXT NOT NULL,
	operator_id          TEXT NOT NULL,
	market               TEXT NOT NULL,
	selection            TEXT NOT NULL,
	runner               TEXT NOT NULL,
	side                 TEXT NOT NULL,
	stake                NUMERIC NOT NULL,
	entry_odds           NUMERIC NOT NULL,
	requested_close_odds NUMERIC NOT NULL,
	close_odds           NUMERIC NOT NULL,
	profit               NUMERIC NOT NULL,
	bonus                NUMERIC NOT NULL,
	balance_before       NUMERIC NOT NULL,
	balance_after        NUMERIC NOT NULL,
	outcome              TEXT NOT NULL,
	reason               TEXT NOT NULL,
	feed_snapshot        JSONB,
	opened_at            TIMESTAMPTZ NOT NULL,
	settled_at           TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS settlements_user_idx ON settlements (operator_id, user_id, settled_at);

CREATE TABLE IF NOT EXISTS wallets (
	user_id     TEXT NOT NULL,
	operator_id TEXT NOT NULL,
	balance     NUMERIC NOT NULL,
	last_ref    TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (operator_id, user_id)
);
`
