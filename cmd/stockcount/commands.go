package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/hylla/stockcount/internal/adapters/server"
	"github.com/hylla/stockcount/internal/adapters/server/common"
	"github.com/hylla/stockcount/internal/app"
	"github.com/hylla/stockcount/internal/domain"
)

// withStack resolves runtime config, opens the service graph, and runs fn with command-flow logging.
func withStack(ctx context.Context, opts *rootOptions, command string, fn func(context.Context, *runtimeEnv, *runtimeStack) error) (err error) {
	env, err := loadRuntime(opts, command)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := env.Close(); closeErr != nil {
			_, _ = fmt.Fprintf(opts.stderr, "warning: close runtime log sink: %v\n", closeErr)
		}
	}()

	stack, err := openStack(ctx, env)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := stack.Close(); closeErr != nil {
			env.logger.Warn("store close failed", "err", closeErr)
		}
	}()

	env.logger.Info("command flow start", "command", command)
	if err := fn(ctx, env, stack); err != nil {
		env.logger.Error("command flow failed", "command", command, "err", err)
		return fmt.Errorf("run %s command: %w", command, err)
	}
	env.logger.Info("command flow complete", "command", command)
	return nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, MCP tools, and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd.Context(), opts, "serve", func(ctx context.Context, env *runtimeEnv, stack *runtimeStack) error {
				cfg := env.cfg.Server
				if strings.TrimSpace(bind) != "" {
					cfg.Bind = bind
				}
				env.logger.Info("serving", "bind", cfg.Bind, "api", cfg.APIEndpoint, "mcp", cfg.MCPEndpoint, "metrics", cfg.MetricsEndpoint)
				return server.Run(ctx, server.Config{
					HTTPBind:        cfg.Bind,
					APIEndpoint:     cfg.APIEndpoint,
					MCPEndpoint:     cfg.MCPEndpoint,
					MetricsEndpoint: cfg.MetricsEndpoint,
					ServerName:      env.layout.AppName,
					ServerVersion:   version,
				}, server.Dependencies{
					Service: stack.adapter,
					Metrics: stack.recorder,
					Ready:   stack.Ready,
				})
			})
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "listen address (overrides server.bind)")
	return cmd
}

func newPathsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config and data paths",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			layout, err := opts.resolveLayout()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(opts.stdout, "app: %s\n", layout.AppName)
			_, _ = fmt.Fprintf(opts.stdout, "dev_mode: %t\n", layout.DevMode)
			_, _ = fmt.Fprintf(opts.stdout, "config: %s (%s)\n", layout.ConfigPath, layout.ConfigSource)
			_, _ = fmt.Fprintf(opts.stdout, "data_dir: %s\n", layout.DataDir)
			_, _ = fmt.Fprintf(opts.stdout, "db: %s (%s)\n", layout.DBPath, layout.DBSource)
			return nil
		},
	}
}

func newImportProductsCommand(opts *rootOptions) *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import-products",
		Short: "Replace the local catalog from a JSON snapshot or product array",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			content, err := os.ReadFile(inPath)
			if err != nil {
				return fmt.Errorf("read products file: %w", err)
			}
			snap, err := decodeCatalogSnapshot(content)
			if err != nil {
				return err
			}
			return withStack(cmd.Context(), opts, "import-products", func(ctx context.Context, env *runtimeEnv, stack *runtimeStack) error {
				if strings.TrimSpace(env.cfg.Catalog.URL) != "" {
					env.logger.Warn("remote catalog configured; imported products are stored locally but blocks read the remote catalog", "url", env.cfg.Catalog.URL)
				}
				n, err := stack.service.ImportCatalog(ctx, snap)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(opts.stdout, "imported %d products\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "path to products JSON")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

// decodeCatalogSnapshot accepts an exported snapshot or a bare product array.
func decodeCatalogSnapshot(content []byte) (app.CatalogSnapshot, error) {
	trimmed := bytes.TrimSpace(content)
	var snap app.CatalogSnapshot
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &snap.Products); err != nil {
			return app.CatalogSnapshot{}, fmt.Errorf("decode products array: %w", err)
		}
		return snap, nil
	}
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return app.CatalogSnapshot{}, fmt.Errorf("decode catalog snapshot: %w", err)
	}
	return snap, nil
}

func newExportProductsCommand(opts *rootOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export-products",
		Short: "Write the current catalog as a JSON snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd.Context(), opts, "export-products", func(ctx context.Context, _ *runtimeEnv, stack *runtimeStack) error {
				snap, err := stack.service.ExportCatalog(ctx)
				if err != nil {
					return err
				}
				var out io.Writer = opts.stdout
				if strings.TrimSpace(outPath) != "" && outPath != "-" {
					f, err := os.Create(outPath)
					if err != nil {
						return fmt.Errorf("create output file: %w", err)
					}
					defer func() { _ = f.Close() }()
					out = f
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(snap); err != nil {
					return fmt.Errorf("encode snapshot: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "-", "output path (- for stdout)")
	return cmd
}

// listFlags are the shared paging and output flags.
type listFlags struct {
	search   string
	page     int
	pageSize int
	asJSON   bool
}

func (f *listFlags) register(cmd *cobra.Command, withSearch bool) {
	if withSearch {
		cmd.Flags().StringVar(&f.search, "search", "", "substring filter")
	}
	cmd.Flags().IntVar(&f.page, "page", 1, "1-based page number")
	cmd.Flags().IntVar(&f.pageSize, "page-size", 50, "rows per page")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print JSON instead of a table")
}

func (f *listFlags) pageRequest() app.PageRequest {
	return app.PageRequest{Page: f.page, PageSize: f.pageSize}
}

func newBlocksCommand(opts *rootOptions) *cobra.Command {
	var flags listFlags
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "List countable blocks with status and reservation holder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd.Context(), opts, "blocks", func(ctx context.Context, _ *runtimeEnv, stack *runtimeStack) error {
				page, err := stack.service.ListBlocks(ctx, app.BlockQuery{Search: flags.search, PageRequest: flags.pageRequest()})
				if err != nil {
					return err
				}
				if flags.asJSON {
					return writeJSON(opts.stdout, page)
				}
				rows := make([][]string, 0, len(page.Items))
				for _, block := range page.Items {
					holder := ""
					if block.Lock != nil {
						holder = block.Lock.UserName
					}
					rows = append(rows, []string{
						strconv.FormatInt(block.ID, 10),
						block.Title,
						block.Location,
						string(block.Status),
						strconv.Itoa(len(block.Items)),
						holder,
					})
				}
				renderTable(opts.stdout, []string{"ID", "TITLE", "LOCATION", "STATUS", "ITEMS", "HELD BY"}, rows)
				writePageFooter(opts.stdout, page.Page, page.PageSize, page.Total, page.Stale)
				return nil
			})
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var (
		flags    listFlags
		sessions bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List count log entries or reconstructed counting sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd.Context(), opts, "history", func(ctx context.Context, _ *runtimeEnv, stack *runtimeStack) error {
				if sessions {
					page, err := stack.service.ListHistorySessions(ctx, flags.pageRequest())
					if err != nil {
						return err
					}
					if flags.asJSON {
						return writeJSON(opts.stdout, page)
					}
					rows := make([][]string, 0, len(page.Items))
					for _, s := range page.Items {
						rows = append(rows, []string{s.Date, s.Location, s.UserName, string(s.Status), strconv.Itoa(len(s.Entries)), s.FinishedAt})
					}
					renderTable(opts.stdout, []string{"DATE", "LOCATION", "OPERATOR", "STATUS", "ENTRIES", "FINISHED"}, rows)
					writePageFooter(opts.stdout, page.Page, page.PageSize, page.Total, false)
					return nil
				}
				page, err := stack.service.ListHistory(ctx, flags.pageRequest())
				if err != nil {
					return err
				}
				if flags.asJSON {
					return writeJSON(opts.stdout, page)
				}
				rows := make([][]string, 0, len(page.Items))
				for _, e := range page.Items {
					rows = append(rows, []string{
						e.Timestamp.Format("2006-01-02 15:04"),
						e.SKU,
						e.Location,
						e.UserName,
						string(e.Status),
						strconv.Itoa(e.SystemQty),
						strconv.Itoa(e.CountedQty),
						e.DivergenceReason,
					})
				}
				renderTable(opts.stdout, []string{"TIME", "SKU", "LOCATION", "OPERATOR", "STATUS", "SYSTEM", "COUNTED", "REASON"}, rows)
				writePageFooter(opts.stdout, page.Page, page.PageSize, page.Total, false)
				return nil
			})
		},
	}
	flags.register(cmd, false)
	cmd.Flags().BoolVar(&sessions, "sessions", false, "group entries into counting sessions")
	return cmd
}

func newCountCommand(opts *rootOptions) *cobra.Command {
	var (
		blockID  int64
		userID   string
		userName string
		inPath   string
	)
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Reserve a block, apply counts from a JSON file, and finalize it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			content, err := os.ReadFile(inPath)
			if err != nil {
				return fmt.Errorf("read counts file: %w", err)
			}
			var counts []common.ItemRequest
			if err := json.Unmarshal(content, &counts); err != nil {
				return fmt.Errorf("decode counts file: %w", err)
			}
			return withStack(cmd.Context(), opts, "count", func(ctx context.Context, env *runtimeEnv, stack *runtimeStack) error {
				user := domain.User{ID: userID, Name: userName}
				session, err := stack.service.StartCounting(ctx, blockID, user)
				if err != nil {
					return err
				}
				if err := applyCounts(session, counts); err != nil {
					if abandonErr := session.Abandon(ctx); abandonErr != nil {
						env.logger.Warn("abandon after count failure failed", "block_id", blockID, "err", abandonErr)
					}
					return err
				}
				result, err := session.Finalize(ctx)
				if err != nil {
					if result.PendingID != "" {
						_, _ = fmt.Fprintf(opts.stdout, "block %d parked as pending %s\n", blockID, result.PendingID)
						return err
					}
					if !session.Closed() {
						if abandonErr := session.Abandon(ctx); abandonErr != nil {
							env.logger.Warn("abandon after finalize failure failed", "block_id", blockID, "err", abandonErr)
						}
					}
					var incomplete *app.IncompleteError
					if errors.As(err, &incomplete) {
						return fmt.Errorf("%w: unresolved products %s", err, strings.Join(incomplete.ItemIDs, ", "))
					}
					return err
				}
				_, _ = fmt.Fprintf(opts.stdout, "block %d finalized: %s (%d entries)\n", result.BlockID, result.Outcome, len(result.Entries))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&blockID, "block", 0, "block id")
	cmd.Flags().StringVar(&userID, "user", "", "operator id")
	cmd.Flags().StringVar(&userName, "name", "", "operator display name")
	cmd.Flags().StringVar(&inPath, "in", "", "path to counts JSON (array of productId/countStatus/countedQuantity/divergenceReason)")
	_ = cmd.MarkFlagRequired("block")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

// applyCounts records each count line on the working copy.
func applyCounts(session *app.CountingSession, counts []common.ItemRequest) error {
	for _, c := range counts {
		var err error
		switch c.CountStatus {
		case domain.CountNotCounted, "":
			continue
		case domain.CountCounted:
			if c.CountedQuantity == nil {
				return fmt.Errorf("product %q: counted requires countedQuantity: %w", c.ProductID, domain.ErrInvalidQuantity)
			}
			err = session.Count(c.ProductID, *c.CountedQuantity)
		case domain.CountNotLocated:
			err = session.MarkNotLocated(c.ProductID, true)
		case domain.CountDivergence:
			if c.CountedQuantity == nil {
				return fmt.Errorf("product %q: divergence requires countedQuantity: %w", c.ProductID, domain.ErrInvalidQuantity)
			}
			err = session.ReportDivergence(c.ProductID, *c.CountedQuantity, c.DivergenceReason)
		default:
			return fmt.Errorf("product %q: %w: %q", c.ProductID, domain.ErrInvalidStatus, c.CountStatus)
		}
		if err != nil {
			return fmt.Errorf("product %q: %w", c.ProductID, err)
		}
	}
	return nil
}

func newPendingCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect, retry, or discard finalize payloads that could not be logged",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List unsent finalize payloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd.Context(), opts, "pending list", func(ctx context.Context, _ *runtimeEnv, stack *runtimeStack) error {
				rows, err := stack.service.ListPending(ctx)
				if err != nil {
					return err
				}
				out := make([][]string, 0, len(rows))
				for _, p := range rows {
					out = append(out, []string{p.ID, strconv.FormatInt(p.BlockID, 10), p.UserName, strconv.Itoa(len(p.Entries)), strconv.Itoa(p.Attempts), p.LastError})
				}
				renderTable(opts.stdout, []string{"ID", "BLOCK", "OPERATOR", "ENTRIES", "ATTEMPTS", "LAST ERROR"}, out)
				return nil
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Retry appending one pending payload to the log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), opts, "pending retry", func(ctx context.Context, _ *runtimeEnv, stack *runtimeStack) error {
				result, err := stack.service.RetryPending(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(opts.stdout, "block %d finalized: %s (%d entries)\n", result.BlockID, result.Outcome, len(result.Entries))
				return nil
			})
		},
	}

	var acknowledged bool
	discard := &cobra.Command{
		Use:   "discard <id>",
		Short: "Drop one pending payload; its entries are lost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), opts, "pending discard", func(ctx context.Context, _ *runtimeEnv, stack *runtimeStack) error {
				if err := stack.service.DiscardPending(ctx, args[0], acknowledged); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(opts.stdout, "discarded %s\n", args[0])
				return nil
			})
		},
	}
	discard.Flags().BoolVar(&acknowledged, "acknowledge", false, "confirm the unsent entries will be lost")

	cmd.AddCommand(list, retry, discard)
	return cmd
}

// renderTable writes rows as a bordered table.
func renderTable(out io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...)
	_, _ = fmt.Fprintln(out, t.String())
}

func writePageFooter(out io.Writer, page, pageSize, total int, stale bool) {
	suffix := ""
	if stale {
		suffix = " (catalog unavailable: showing last known data)"
	}
	_, _ = fmt.Fprintf(out, "page %d, %d per page, %d total%s\n", page, pageSize, total, suffix)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
