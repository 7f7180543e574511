package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/pagination"
)

// PostgresStore persists sandbox escrows in PostgreSQL. Amounts are stored
// as NUMERIC(78,0) so any uint256 round-trips exactly.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *lifecycle.Record) error {
	proposal, err := marshalProposal(r.SplitProposal)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, buyer, seller, agent, token, amount, state,
			created_at, seller_accept_deadline, fulfilled_at, agent_invited_at,
			resolved_at, buyer_protection_time, split_proposal,
			buyer_received, seller_received, agent_fee_received
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15::NUMERIC, $16::NUMERIC, $17::NUMERIC
		)`,
		r.ID, r.Buyer, r.Seller, r.Agent, r.Token, r.Amount.String(), string(r.State),
		r.CreatedAt, r.SellerAcceptDeadline, r.FulfilledAt, r.AgentInvitedAt,
		r.ResolvedAt, r.BuyerProtectionTime, proposal,
		nullAmount(r.BuyerReceived), nullAmount(r.SellerReceived), nullAmount(r.AgentFeeReceived),
	)
	return err
}

const recordColumns = `id, buyer, seller, agent, token, amount::TEXT, state,
		       created_at, seller_accept_deadline, fulfilled_at, agent_invited_at,
		       resolved_at, buyer_protection_time, split_proposal,
		       buyer_received::TEXT, seller_received::TEXT, agent_fee_received::TEXT`

func (p *PostgresStore) Get(ctx context.Context, id string) (*lifecycle.Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = $1`, id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *lifecycle.Record) error {
	proposal, err := marshalProposal(r.SplitProposal)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, fulfilled_at = $2, agent_invited_at = $3, resolved_at = $4,
			split_proposal = $5, buyer_received = $6::NUMERIC, seller_received = $7::NUMERIC,
			agent_fee_received = $8::NUMERIC, updated_at = NOW()
		WHERE id = $9`,
		string(r.State), r.FulfilledAt, r.AgentInvitedAt, r.ResolvedAt,
		proposal, nullAmount(r.BuyerReceived), nullAmount(r.SellerReceived),
		nullAmount(r.AgentFeeReceived),
		r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListOpen(ctx context.Context, after *pagination.Cursor, limit int) ([]*lifecycle.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM escrows
		WHERE state NOT IN ('RELEASED', 'AGENT_RESOLVED', 'REFUNDED', 'SPLIT')`
	var args []any
	if after != nil {
		args = append(args, after.At, after.ID)
		query += ` AND (created_at, id) > ($1, $2)`
	}
	query += ` ORDER BY created_at, id`
	// LIMIT 0 would return nothing; zero means unbounded like MemoryStore.
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*lifecycle.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddReceipt(ctx context.Context, rc *lifecycle.Receipt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_receipts (id, intent_id, escrow_id, action, tx_hash, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rc.ID, rc.IntentID, rc.RecordID, rc.Action.String(), rc.TxHash, rc.ExecutedAt,
	)
	return err
}

func (p *PostgresStore) ListReceipts(ctx context.Context, recordID string) ([]*lifecycle.Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, intent_id, escrow_id, action, tx_hash, executed_at
		FROM escrow_receipts
		WHERE escrow_id = $1
		ORDER BY seq`, recordID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*lifecycle.Receipt{}
	for rows.Next() {
		var (
			rc     lifecycle.Receipt
			action string
		)
		if err := rows.Scan(&rc.ID, &rc.IntentID, &rc.RecordID, &action, &rc.TxHash, &rc.ExecutedAt); err != nil {
			return nil, err
		}
		if rc.Action, err = lifecycle.ParseAction(action); err != nil {
			return nil, fmt.Errorf("receipt %s: %w", rc.ID, err)
		}
		result = append(result, &rc)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*lifecycle.Record, error) {
	r := &lifecycle.Record{}
	var (
		amount    string
		state     string
		proposal  []byte
		buyerRcv  sql.NullString
		sellerRcv sql.NullString
		agentRcv  sql.NullString
	)

	err := s.Scan(
		&r.ID, &r.Buyer, &r.Seller, &r.Agent, &r.Token, &amount, &state,
		&r.CreatedAt, &r.SellerAcceptDeadline, &r.FulfilledAt, &r.AgentInvitedAt,
		&r.ResolvedAt, &r.BuyerProtectionTime, &proposal,
		&buyerRcv, &sellerRcv, &agentRcv,
	)
	if err != nil {
		return nil, err
	}

	r.State = lifecycle.State(state)
	if r.Amount, err = parseAmount(amount); err != nil {
		return nil, fmt.Errorf("escrow %s amount: %w", r.ID, err)
	}
	if len(proposal) > 0 {
		r.SplitProposal = &lifecycle.SplitProposal{}
		if err := json.Unmarshal(proposal, r.SplitProposal); err != nil {
			return nil, fmt.Errorf("escrow %s proposal: %w", r.ID, err)
		}
	}
	for _, f := range []struct {
		src sql.NullString
		dst **big.Int
	}{
		{buyerRcv, &r.BuyerReceived},
		{sellerRcv, &r.SellerReceived},
		{agentRcv, &r.AgentFeeReceived},
	} {
		if !f.src.Valid {
			continue
		}
		if *f.dst, err = parseAmount(f.src.String); err != nil {
			return nil, fmt.Errorf("escrow %s payout: %w", r.ID, err)
		}
	}
	return r, nil
}

func marshalProposal(p *lifecycle.SplitProposal) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullAmount(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q is not a base-10 integer", ErrInvalidRequest, s)
	}
	return v, nil
}
