package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/escrowmirror/internal/escrow"
	"github.com/mbd888/escrowmirror/internal/lifecycle"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleViewEscrow renders the caller's view of an escrow.
func (h *Handlers) HandleViewEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	resp, err := h.client.GetView(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatView(resp.Escrow, resp.View)), nil
}

// HandleActOnEscrow submits one action.
func (h *Handlers) HandleActOnEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	action, err := lifecycle.ParseAction(req.GetString("action", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	body := escrow.ActionRequest{
		Params: lifecycle.Params{
			BuyerBps:  req.GetInt("buyer_bps", 0),
			SellerBps: req.GetInt("seller_bps", 0),
			Reason:    req.GetString("reason", ""),
		},
	}
	if names := req.GetStringSlice("rendered_actions", nil); names != nil {
		rendered, err := parseActionSet(names)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		body.RenderedActions = &rendered
		body.RenderedAt = int64(req.GetFloat("rendered_at", 0))
	}

	resp, err := h.client.Act(ctx, id, action, body)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "stale_snapshot" {
			return mcp.NewToolResultError(
				"The escrow changed since you viewed it, so " + action.String() +
					" was not submitted. Call escrow_view and decide again."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Submitted %s as %s.\n", action, resp.Intent.Role)
	if resp.Receipt != nil {
		fmt.Fprintf(&sb, "Receipt: %s (tx %s)\n", resp.Receipt.ID, resp.Receipt.TxHash)
	}
	if resp.View != nil {
		sb.WriteString("\n")
		sb.WriteString(formatView(resp.Escrow, *resp.View))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListReceipts lists settlement receipts.
func (h *Handlers) HandleListReceipts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	receipts, err := h.client.Receipts(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list receipts: %v", err)), nil
	}
	if len(receipts) == 0 {
		return mcp.NewToolResultText("No receipts yet."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d receipt(s):\n\n", len(receipts))
	for i, r := range receipts {
		fmt.Fprintf(&sb, "%d. %s at %d (tx %s)\n", i+1, r.Action, r.ExecutedAt, r.TxHash)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatView(e *escrow.Escrow, v lifecycle.View) string {
	var sb strings.Builder
	if e != nil {
		fmt.Fprintf(&sb, "Escrow %s\n", e.ID)
		fmt.Fprintf(&sb, "  Amount: %s base units of %s\n", e.Amount, e.Token)
		fmt.Fprintf(&sb, "  Buyer:  %s\n", e.Buyer)
		fmt.Fprintf(&sb, "  Seller: %s\n", e.Seller)
		if e.Agent != "" {
			fmt.Fprintf(&sb, "  Agent:  %s\n", e.Agent)
		}
	}
	fmt.Fprintf(&sb, "  State: %s (%s)\n", v.State, v.Stage)
	fmt.Fprintf(&sb, "  Your role: %s\n", v.Role)

	if live := v.Timers.Live(v.State); live != nil && live.HasLimit {
		if live.IsExpired {
			fmt.Fprintf(&sb, "  Deadline: passed at %d\n", live.ExpiryTimestamp)
		} else {
			fmt.Fprintf(&sb, "  Deadline: %s remaining (expires at %d)\n", formatSeconds(live.RemainingSeconds), live.ExpiryTimestamp)
		}
	}

	if e != nil && e.SplitProposal != nil {
		p := e.SplitProposal
		fmt.Fprintf(&sb, "  Split proposal by %s: buyer %d bps / seller %d bps (buyer approved: %t, seller approved: %t)\n",
			p.Proposer, p.BuyerBps, p.SellerBps, p.BuyerApproved, p.SellerApproved)
	}

	if v.Actions.Empty() {
		sb.WriteString("  Available actions: none\n")
	} else {
		names := make([]string, 0, v.Actions.Len())
		for _, a := range v.Actions.Slice() {
			names = append(names, a.String())
		}
		fmt.Fprintf(&sb, "  Available actions: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&sb, "  rendered_at: %d\n", v.Now)
	return sb.String()
}

func formatSeconds(s int64) string {
	d, rem := s/86400, s%86400
	h, rem := rem/3600, rem%3600
	m, sec := rem/60, rem%60
	switch {
	case d > 0:
		return fmt.Sprintf("%dd %dh %dm", d, h, m)
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, sec)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}

func parseActionSet(names []string) (lifecycle.ActionSet, error) {
	var set lifecycle.ActionSet
	for _, n := range names {
		a, err := lifecycle.ParseAction(n)
		if err != nil {
			return 0, err
		}
		set = set.With(a)
	}
	return set, nil
}

func actionNames() []string {
	all := lifecycle.AllActions()
	names := make([]string, 0, len(all))
	for _, a := range all {
		names = append(names, a.String())
	}
	return names
}
