package settlement

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowmirror/internal/idgen"
	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/logging"
	"github.com/mbd888/escrowmirror/internal/metrics"
	"github.com/mbd888/escrowmirror/internal/syncutil"
	"github.com/mbd888/escrowmirror/internal/validation"
)

// MaxAgentFeeBps caps the agent's cut of an agent-resolved escrow.
const MaxAgentFeeBps = 1000

// Ledger is the sandbox settlement layer. It implements snapshot.Source and
// lifecycle.Executor.
type Ledger struct {
	store             Store
	clock             lifecycle.Clock
	agentResponseTime int64
	agentFeeBps       int
	locks             syncutil.ShardedMutex
	logger            *slog.Logger
}

// NewLedger creates a sandbox ledger over store. agentResponseTime must
// match the engine's so both sides agree on when an agent has timed out.
func NewLedger(store Store, agentResponseTime int64) *Ledger {
	if agentResponseTime <= 0 {
		agentResponseTime = lifecycle.DefaultAgentResponseTime
	}
	return &Ledger{
		store:             store,
		clock:             lifecycle.SystemClock,
		agentResponseTime: agentResponseTime,
		logger:            slog.Default(),
	}
}

// WithClock replaces the ledger's notion of block time.
func (l *Ledger) WithClock(clock lifecycle.Clock) *Ledger {
	l.clock = clock
	return l
}

// WithAgentFee sets the agent's fee in bps, clamped to [0, MaxAgentFeeBps].
func (l *Ledger) WithAgentFee(bps int) *Ledger {
	l.agentFeeBps = max(0, min(bps, MaxAgentFeeBps))
	return l
}

// WithLogger sets the ledger's logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// Open creates a PENDING escrow. The escrow ID is derived like a contract
// address from the parties and a random nonce.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (*lifecycle.Record, error) {
	buyer := validation.SanitizeAddress(req.Buyer)
	seller := validation.SanitizeAddress(req.Seller)
	agent := validation.SanitizeAddress(req.Agent)

	switch {
	case !validation.IsValidEthAddress(buyer):
		return nil, fmt.Errorf("%w: buyer %q is not an address", ErrInvalidRequest, req.Buyer)
	case !validation.IsValidEthAddress(seller):
		return nil, fmt.Errorf("%w: seller %q is not an address", ErrInvalidRequest, req.Seller)
	case agent != "" && !validation.IsValidEthAddress(agent):
		return nil, fmt.Errorf("%w: agent %q is not an address", ErrInvalidRequest, req.Agent)
	case lifecycle.SameIdentity(buyer, seller):
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidRequest)
	case agent != "" && (lifecycle.SameIdentity(agent, buyer) || lifecycle.SameIdentity(agent, seller)):
		return nil, fmt.Errorf("%w: agent must be neutral", ErrInvalidRequest)
	case req.AcceptWindow < 0 || req.BuyerProtectionTime < 0:
		return nil, fmt.Errorf("%w: windows must be non-negative", ErrInvalidRequest)
	}

	amount, err := parseAmount(strings.TrimSpace(req.Amount))
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	now := l.clock()
	r := &lifecycle.Record{
		ID:                  escrowAddress(buyer, seller, idgen.New()),
		Buyer:               buyer,
		Seller:              seller,
		Agent:               agent,
		Token:               validation.SanitizeAddress(req.Token),
		Amount:              amount,
		State:               lifecycle.StatePending,
		CreatedAt:           now,
		BuyerProtectionTime: req.BuyerProtectionTime,
	}
	if req.AcceptWindow > 0 {
		r.SellerAcceptDeadline = now + req.AcceptWindow
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := l.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	logging.L(ctx).Info("sandbox escrow opened", "escrow", r.ID, "amount", r.Amount.String())
	return r.Clone(), nil
}

// Fetch returns the current record.
func (l *Ledger) Fetch(ctx context.Context, id string) (*lifecycle.Record, error) {
	return l.store.Get(ctx, id)
}

// Receipts lists the receipts issued for an escrow, oldest first.
func (l *Ledger) Receipts(ctx context.Context, id string) ([]*lifecycle.Receipt, error) {
	if _, err := l.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return l.store.ListReceipts(ctx, id)
}

// Execute applies intent. Like a contract call it trusts nothing the caller
// computed: role, eligibility and split terms are re-derived from the stored
// record at the ledger's own clock. Refusals wrap lifecycle.ErrRejected.
func (l *Ledger) Execute(ctx context.Context, intent lifecycle.Intent) (*lifecycle.Receipt, error) {
	unlock := l.locks.Lock(intent.RecordID)
	defer unlock()

	r, err := l.store.Get(ctx, intent.RecordID)
	if err != nil {
		return nil, err
	}

	now := l.clock()
	role := lifecycle.ResolveRole(r, intent.Caller)
	timers := lifecycle.ComputeTimers(r, now, l.agentResponseTime)
	if !lifecycle.ComputeAvailableActions(r, role, timers).Has(intent.Action) {
		return nil, reject("%s may not %s in %s", role, intent.Action, r.State)
	}
	next, ok := lifecycle.Transition(r.State, intent.Action)
	if !ok {
		return nil, reject("no transition for %s from %s", intent.Action, r.State)
	}

	from := r.State
	if err := l.apply(r, role, intent, now); err != nil {
		return nil, err
	}
	if r.State == from {
		r.State = next
	}
	if r.State.IsTerminal() {
		if from == lifecycle.StateDisputed || from == lifecycle.StateAgentInvited {
			r.ResolvedAt = now
		}
		if r.State != lifecycle.StateSplit {
			r.SplitProposal = nil
		}
		metrics.EscrowDuration.Observe(float64(now - r.CreatedAt))
	}

	if err := l.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}

	receipt := &lifecycle.Receipt{
		ID:         idgen.WithPrefix("rcpt_"),
		IntentID:   intent.ID,
		RecordID:   r.ID,
		Action:     intent.Action,
		TxHash:     txHash(intent, now),
		ExecutedAt: now,
	}
	if err := l.store.AddReceipt(ctx, receipt); err != nil {
		// The transition is already committed; a missing receipt is logged
		// rather than reported as a failed execution.
		l.logger.Error("failed to store receipt", "escrow", r.ID, "receipt", receipt.ID, "error", err)
	}

	if from != r.State {
		metrics.LedgerTransitionsTotal.WithLabelValues(string(from), string(r.State)).Inc()
	}
	logging.L(ctx).Info("sandbox escrow transition",
		"escrow", r.ID, "action", intent.Action.String(), "from", from, "to", r.State, "tx", receipt.TxHash)
	return receipt, nil
}

// apply mutates r for intent. Non-split transitions leave r.State alone;
// Execute fills it in from Transition. A settling approval moves r to SPLIT
// itself.
func (l *Ledger) apply(r *lifecycle.Record, role lifecycle.Role, intent lifecycle.Intent, now int64) error {
	switch intent.Action {
	case lifecycle.ActionDecline, lifecycle.ActionCancelExpired, lifecycle.ActionSellerRefund:
		r.BuyerReceived = new(big.Int).Set(r.Amount)
	case lifecycle.ActionRelease, lifecycle.ActionReleaseAfterProtection:
		r.SellerReceived = new(big.Int).Set(r.Amount)
	case lifecycle.ActionConfirmFulfillment:
		r.FulfilledAt = now
	case lifecycle.ActionInviteAgent:
		r.AgentInvitedAt = now
	case lifecycle.ActionClaimAgentTimeout:
		r.AgentInvitedAt = 0
	case lifecycle.ActionAgentResolve:
		return l.agentPayout(r, intent.Params.BuyerBps)
	case lifecycle.ActionProposeSplit:
		p, err := lifecycle.ProposeSplit(r, role, intent.Params.BuyerBps)
		if err != nil {
			return rejectErr(err)
		}
		r.SplitProposal = p
	case lifecycle.ActionApproveSplit:
		p, err := lifecycle.ApproveSplit(r, role, intent.Params.BuyerBps, intent.Params.SellerBps)
		if err != nil {
			return rejectErr(err)
		}
		// Proposing is the proposer's consent; the counterparty's matching
		// approval completes the pair.
		switch lifecycle.ResolveRole(r, p.Proposer) {
		case lifecycle.RoleBuyer:
			p.BuyerApproved = true
		case lifecycle.RoleSeller:
			p.SellerApproved = true
		}
		r.SplitProposal = p
		if p.Settles() {
			buyer, seller, err := lifecycle.SplitAmounts(r.Amount, p)
			if err != nil {
				return rejectErr(err)
			}
			r.BuyerReceived, r.SellerReceived = buyer, seller
			r.State = lifecycle.StateSplit
		}
	case lifecycle.ActionCancelSplit:
		r.SplitProposal = nil
	}
	return nil
}

// agentPayout takes the agent fee off the top and divides the rest by
// buyerBps, the seller taking the rounding remainder.
func (l *Ledger) agentPayout(r *lifecycle.Record, buyerBps int) error {
	if buyerBps < 0 || buyerBps > lifecycle.BpsDenominator {
		return reject("agent award %d bps out of range", buyerBps)
	}
	fee := new(big.Int).Mul(r.Amount, big.NewInt(int64(l.agentFeeBps)))
	fee.Quo(fee, big.NewInt(lifecycle.BpsDenominator))
	rest := new(big.Int).Sub(r.Amount, fee)

	buyer, seller, err := lifecycle.SplitAmounts(rest, &lifecycle.SplitProposal{
		BuyerBps:  buyerBps,
		SellerBps: lifecycle.BpsDenominator - buyerBps,
	})
	if err != nil {
		return rejectErr(err)
	}
	r.AgentFeeReceived, r.BuyerReceived, r.SellerReceived = fee, buyer, seller
	return nil
}

func reject(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{lifecycle.ErrRejected}, args...)...)
}

func rejectErr(err error) error {
	return fmt.Errorf("%w: %w", lifecycle.ErrRejected, err)
}

// escrowAddress derives a contract-style address from the parties and nonce.
func escrowAddress(buyer, seller, nonce string) string {
	h := crypto.Keccak256([]byte(buyer), []byte(seller), []byte(nonce))
	return strings.ToLower(common.BytesToAddress(h).Hex())
}

// txHash is a deterministic stand-in for the transaction hash of intent
// mined at now.
func txHash(intent lifecycle.Intent, now int64) string {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now))
	return crypto.Keccak256Hash(
		[]byte(intent.ID),
		[]byte(intent.RecordID),
		[]byte(intent.Action.String()),
		[]byte(strings.ToLower(intent.Caller)),
		ts[:],
	).Hex()
}
