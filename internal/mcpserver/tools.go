package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowmirror MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolViewEscrow = mcp.NewTool("escrow_view",
	mcp.WithDescription(
		"Show an escrow as the authenticated caller sees it: state, your role, "+
			"the live countdown and the exact actions you may take right now. "+
			"Always call this before escrow_act and pass its rendered_at and actions back."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (a 0x-prefixed address)")),
)

var ToolActOnEscrow = mcp.NewTool("escrow_act",
	mcp.WithDescription(
		"Submit one action against an escrow. The server re-checks the action against a fresh "+
			"snapshot; if the escrow moved since you viewed it the action is refused as stale "+
			"and you should call escrow_view again."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (a 0x-prefixed address)")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("The action to take, as listed by escrow_view"),
		mcp.Enum(actionNames()...)),
	mcp.WithNumber("buyer_bps",
		mcp.Description("Buyer share in basis points (0-10000). Required for proposeSplit, approveSplit and agentResolve.")),
	mcp.WithNumber("seller_bps",
		mcp.Description("Seller share in basis points. Required for approveSplit; must equal 10000 - buyer_bps.")),
	mcp.WithString("reason",
		mcp.Description("Optional free-text reason, e.g. for openDispute")),
	mcp.WithNumber("rendered_at",
		mcp.Description("The rendered_at timestamp returned by escrow_view")),
	mcp.WithArray("rendered_actions",
		mcp.Description("The actions escrow_view listed when you decided"),
		mcp.WithStringItems()),
)

var ToolListReceipts = mcp.NewTool("escrow_receipts",
	mcp.WithDescription(
		"List the settlement receipts of an escrow, oldest first. "+
			"Each receipt names the action and the settlement transaction hash."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (a 0x-prefixed address)")),
)
