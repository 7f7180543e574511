// Package settlement is a sandbox stand-in for the on-ledger escrow
// contract. It holds escrow records, enforces the contract's own eligibility
// rules at its own clock, applies transitions and pays out resolution
// amounts. It is what the dispatcher executes intents against in development
// and tests; production deployments point the dispatcher at a real ledger.
//
// Flow:
//  1. Open creates a PENDING escrow with an acceptance deadline
//  2. Execute re-checks the intent against the stored record, then applies it
//  3. Terminal transitions record who received what
//  4. Every applied intent yields a Receipt with a deterministic tx hash
package settlement

import (
	"context"
	"errors"

	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/pagination"
	"github.com/mbd888/escrowmirror/internal/snapshot"
)

var (
	// ErrNotFound is the snapshot package's not-found error, so callers of
	// either package can match one sentinel.
	ErrNotFound = snapshot.ErrNotFound

	ErrInvalidRequest = errors.New("invalid escrow request")
)

// Store persists sandbox escrow records and their receipts.
type Store interface {
	Create(ctx context.Context, r *lifecycle.Record) error
	Get(ctx context.Context, id string) (*lifecycle.Record, error)
	Update(ctx context.Context, r *lifecycle.Record) error
	// ListOpen returns non-terminal escrows ordered by (CreatedAt, ID),
	// starting strictly after the cursor when one is given. A limit of zero
	// or less means no limit.
	ListOpen(ctx context.Context, after *pagination.Cursor, limit int) ([]*lifecycle.Record, error)
	AddReceipt(ctx context.Context, rc *lifecycle.Receipt) error
	ListReceipts(ctx context.Context, recordID string) ([]*lifecycle.Receipt, error)
}

// OpenRequest contains the parameters for opening a sandbox escrow.
type OpenRequest struct {
	Buyer  string `json:"buyer" binding:"required"`
	Seller string `json:"seller" binding:"required"`
	Agent  string `json:"agent"`
	Token  string `json:"token"`
	Amount string `json:"amount" binding:"required"` // base units, decimal

	// AcceptWindow is the seller's acceptance window in seconds; zero means
	// no deadline.
	AcceptWindow        int64 `json:"acceptWindow"`
	BuyerProtectionTime int64 `json:"buyerProtectionTime"`
}
