package mcpapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hylla/stockcount/internal/adapters/server/common"
)

// listRequestFromTool reads the shared search/paging arguments.
func listRequestFromTool(req mcp.CallToolRequest) common.ListRequest {
	return common.ListRequest{
		Search:   req.GetString("search", ""),
		Page:     req.GetInt("page", 0),
		PageSize: req.GetInt("page_size", 0),
	}
}

// registerBlockTools registers block listing, reservation, and finalize tools.
func registerBlockTools(srv *mcpserver.MCPServer, blocks common.BlockService) {
	srv.AddTool(
		mcp.NewTool(
			"stockcount.list_blocks",
			mcp.WithDescription("List countable blocks with their status and current reservation."),
			mcp.WithString("search", mcp.Description("Substring filter over title, location, and item name/sku/brand")),
			mcp.WithNumber("page", mcp.Description("1-based page number")),
			mcp.WithNumber("page_size", mcp.Description("Rows per page (max 500)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			page, err := blocks.ListBlocks(ctx, listRequestFromTool(req))
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(page)
			if err != nil {
				return nil, fmt.Errorf("encode list_blocks result: %w", err)
			}
			return result, nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"stockcount.reserve_block",
			mcp.WithDescription("Reserve a block for exclusive counting. A held block reports its holder with success=false."),
			mcp.WithNumber("block_id", mcp.Required(), mcp.Description("Block identifier")),
			mcp.WithString("user_id", mcp.Required(), mcp.Description("Operator identifier")),
			mcp.WithString("user_name", mcp.Description("Operator display name")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			blockID, err := req.RequireInt("block_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			userID, err := req.RequireString("user_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			out, err := blocks.ReserveBlock(ctx, common.ReserveRequest{
				BlockID: int64(blockID),
				UserRequest: common.UserRequest{
					UserID:   userID,
					UserName: req.GetString("user_name", ""),
				},
			})
			if err != nil && !(errors.Is(err, common.ErrReservationConflict) && out.HeldBy != nil) {
				return toolResultFromError(err), nil
			}
			result, encErr := mcp.NewToolResultJSON(out)
			if encErr != nil {
				return nil, fmt.Errorf("encode reserve_block result: %w", encErr)
			}
			return result, nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"stockcount.release_block",
			mcp.WithDescription("Release a block reservation. Releasing an unreserved block succeeds."),
			mcp.WithNumber("block_id", mcp.Required(), mcp.Description("Block identifier")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			blockID, err := req.RequireInt("block_id")
			if err != nil {
				return invalidRequestToolResult(err), nil
			}
			if err := blocks.ReleaseBlock(ctx, int64(blockID)); err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(map[string]any{
				"success": true,
				"blockId": blockID,
			})
			if err != nil {
				return nil, fmt.Errorf("encode release_block result: %w", err)
			}
			return result, nil
		},
	)

	srv.AddTool(
		mcp.NewTool(
			"stockcount.finalize_block",
			mcp.WithDescription("Finalize a reserved block: every item must be counted, not located, or divergent."),
			mcp.WithNumber("block_id", mcp.Required(), mcp.Description("Block identifier")),
			mcp.WithString("user_id", mcp.Required(), mcp.Description("Operator identifier holding the reservation")),
			mcp.WithString("user_name", mcp.Description("Operator display name")),
			mcp.WithArray("items", mcp.Required(), mcp.Description("Block items with productId, countStatus, countedQuantity, and divergenceReason")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args struct {
				BlockID  int64                `json:"block_id"`
				UserID   string               `json:"user_id"`
				UserName string               `json:"user_name"`
				Items    []common.ItemRequest `json:"items"`
			}
			if err := req.BindArguments(&args); err != nil {
				return invalidRequestToolResult(err), nil
			}
			out, err := blocks.FinalizeBlock(ctx, common.FinalizeRequest{
				BlockID: args.BlockID,
				UserRequest: common.UserRequest{
					UserID:   args.UserID,
					UserName: args.UserName,
				},
				Items: args.Items,
			})
			if err != nil {
				if out.PendingID != "" {
					return mcp.NewToolResultError(fmt.Sprintf("collaborator_unavailable: %v (entries kept as pending %s)", err, out.PendingID)), nil
				}
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(out)
			if err != nil {
				return nil, fmt.Errorf("encode finalize_block result: %w", err)
			}
			return result, nil
		},
	)
}

// registerHistoryTools registers reconstructed history reads.
func registerHistoryTools(srv *mcpserver.MCPServer, history common.HistoryService) {
	srv.AddTool(
		mcp.NewTool(
			"stockcount.list_history_sessions",
			mcp.WithDescription("List counting sessions regrouped from the log by location, operator, and day."),
			mcp.WithNumber("page", mcp.Description("1-based page number")),
			mcp.WithNumber("page_size", mcp.Description("Rows per page (max 500)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			page, err := history.ListHistorySessions(ctx, common.ListRequest{
				Page:     req.GetInt("page", 0),
				PageSize: req.GetInt("page_size", 0),
			})
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(page)
			if err != nil {
				return nil, fmt.Errorf("encode list_history_sessions result: %w", err)
			}
			return result, nil
		},
	)
}

// registerPendingTools registers the unsent finalize outbox read.
func registerPendingTools(srv *mcpserver.MCPServer, pending common.PendingService) {
	srv.AddTool(
		mcp.NewTool(
			"stockcount.list_pending",
			mcp.WithDescription("List finalize payloads that could not be written to the log yet."),
		),
		func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			rows, err := pending.ListPending(ctx)
			if err != nil {
				return toolResultFromError(err), nil
			}
			result, err := mcp.NewToolResultJSON(map[string]any{
				"items": rows,
			})
			if err != nil {
				return nil, fmt.Errorf("encode list_pending result: %w", err)
			}
			return result, nil
		},
	)
}
