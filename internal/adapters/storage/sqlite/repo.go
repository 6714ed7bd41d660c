package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hylla/stockcount/internal/app"
	"github.com/hylla/stockcount/internal/domain"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// tsLayout keeps fractional seconds at a fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repository stores the local catalog, reservations, count log and finalize outbox.
type Repository struct {
	db *sql.DB
}

// Open opens the requested operation.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newRepository(db)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Repository, error) {
	db, err := sql.Open(driverName, "file:stockcount-"+uuid.NewString()+"?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return newRepository(db)
}

// newRepository pins the pool to one connection so reservation check-and-set transactions
// run strictly one after another within the process.
func newRepository(db *sql.DB) (*Repository, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the requested operation.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			sku TEXT NOT NULL DEFAULT '',
			brand TEXT NOT NULL DEFAULT '',
			balance INTEGER NOT NULL DEFAULT 0,
			location TEXT NOT NULL DEFAULT '',
			similar_group_id TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reservations (
			block_id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			acquired_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS count_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sku TEXT NOT NULL DEFAULT '',
			product_name TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			system_qty INTEGER NOT NULL,
			counted_qty INTEGER NOT NULL,
			location TEXT NOT NULL,
			status TEXT NOT NULL,
			divergence_reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_count_log_created_at ON count_log(created_at DESC, id DESC);`,
		`CREATE TABLE IF NOT EXISTS pending_finalizations (
			id TEXT PRIMARY KEY,
			block_id INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			entries_json TEXT NOT NULL DEFAULT '[]',
			last_error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// ReplaceProducts swaps the local catalog for products, keeping their order.
func (r *Repository) ReplaceProducts(ctx context.Context, products []domain.Product) (err error) {
	normalized := make([]domain.Product, 0, len(products))
	seen := map[string]struct{}{}
	for idx, raw := range products {
		p, err := raw.Normalize()
		if err != nil {
			return fmt.Errorf("products[%d]: %w", idx, err)
		}
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("%w: %q", domain.ErrDuplicateProduct, p.ID)
		}
		seen[p.ID] = struct{}{}
		normalized = append(normalized, p)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM products`); err != nil {
		return err
	}
	now := ts(time.Now())
	for idx, p := range normalized {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO products(id, name, sku, brand, balance, location, similar_group_id, position, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.Name, p.SKU, p.Brand, p.Balance, p.Location, p.SimilarGroupID, idx, now)
		if err != nil {
			return fmt.Errorf("insert product %q: %w", p.ID, err)
		}
	}
	err = tx.Commit()
	return err
}

// ListProducts lists the local catalog in import order.
func (r *Repository) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, sku, brand, balance, location, similar_group_id
		FROM products
		ORDER BY position ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Product, 0)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.SKU, &p.Brand, &p.Balance, &p.Location, &p.SimilarGroupID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AcquireReservation stores res unless another operator holds a live reservation for the block.
// A reservation acquired before staleBefore is replaced and returned as displaced.
func (r *Repository) AcquireReservation(ctx context.Context, res domain.Reservation, staleBefore time.Time) (displaced *domain.Reservation, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	existing, err := getReservation(ctx, tx, res.BlockID)
	switch {
	case errors.Is(err, app.ErrNotFound):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reservations(block_id, user_id, user_name, acquired_at)
			VALUES (?, ?, ?, ?)
		`, res.BlockID, res.UserID, res.UserName, ts(res.AcquiredAt))
		if err != nil {
			return nil, fmt.Errorf("insert reservation: %w", err)
		}
	case err != nil:
		return nil, err
	case existing.UserID == res.UserID:
		if err = updateReservation(ctx, tx, res); err != nil {
			return nil, err
		}
	case staleBefore.IsZero() || !existing.AcquiredAt.Before(staleBefore):
		err = &app.ConflictError{BlockID: res.BlockID, HeldBy: existing.Holder()}
		return nil, err
	default:
		if err = updateReservation(ctx, tx, res); err != nil {
			return nil, err
		}
		displaced = &existing
	}

	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return displaced, nil
}

// ReleaseReservation deletes a block's reservation; missing rows are not an error.
func (r *Repository) ReleaseReservation(ctx context.Context, blockID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM reservations WHERE block_id = ?`, blockID)
	return err
}

// GetReservation returns reservation.
func (r *Repository) GetReservation(ctx context.Context, blockID int64) (domain.Reservation, error) {
	return getReservation(ctx, r.db, blockID)
}

// ListReservations lists reservations.
func (r *Repository) ListReservations(ctx context.Context) ([]domain.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT block_id, user_id, user_name, acquired_at
		FROM reservations
		ORDER BY block_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Reservation, 0)
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// AppendLogEntries appends entries in one transaction so a finalize lands whole or not at all.
func (r *Repository) AppendLogEntries(ctx context.Context, entries []domain.LogEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, entry := range entries {
		if err = insertLogEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// ListLogEntries lists entries newest first. A zero limit lists everything after offset.
func (r *Repository) ListLogEntries(ctx context.Context, limit, offset int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sku, product_name, user_id, user_name, system_qty, counted_qty, location, status, divergence_reason, created_at
		FROM count_log
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.LogEntry, 0)
	for rows.Next() {
		var (
			entry      domain.LogEntry
			status     string
			createdRaw string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.SKU,
			&entry.ProductName,
			&entry.UserID,
			&entry.UserName,
			&entry.SystemQty,
			&entry.CountedQty,
			&entry.Location,
			&status,
			&entry.DivergenceReason,
			&createdRaw,
		); err != nil {
			return nil, err
		}
		entry.Status = domain.CountStatus(status)
		entry.Timestamp = parseTS(createdRaw)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CountLogEntries returns the number of log entries.
func (r *Repository) CountLogEntries(ctx context.Context) (int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM count_log`).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// SavePendingFinalize inserts or updates a parked finalize payload.
func (r *Repository) SavePendingFinalize(ctx context.Context, p domain.PendingFinalize) error {
	if strings.TrimSpace(p.ID) == "" {
		return domain.ErrInvalidID
	}
	entriesJSON, err := json.Marshal(p.Entries)
	if err != nil {
		return fmt.Errorf("encode pending entries: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pending_finalizations(id, block_id, user_id, user_name, entries_json, last_error, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entries_json = excluded.entries_json,
			last_error = excluded.last_error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
	`, p.ID, p.BlockID, p.UserID, p.UserName, string(entriesJSON), p.LastError, p.Attempts, ts(p.CreatedAt), ts(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save pending finalize: %w", err)
	}
	return nil
}

// GetPendingFinalize returns pending finalize.
func (r *Repository) GetPendingFinalize(ctx context.Context, id string) (domain.PendingFinalize, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, block_id, user_id, user_name, entries_json, last_error, attempts, created_at, updated_at
		FROM pending_finalizations
		WHERE id = ?
	`, id)
	return scanPending(row)
}

// ListPendingFinalizes lists parked payloads oldest first.
func (r *Repository) ListPendingFinalizes(ctx context.Context) ([]domain.PendingFinalize, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, block_id, user_id, user_name, entries_json, last_error, attempts, created_at, updated_at
		FROM pending_finalizations
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PendingFinalize, 0)
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePendingFinalize deletes pending finalize.
func (r *Repository) DeletePendingFinalize(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_finalizations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return translateNoRows(res)
}

// queryRower represents a query-only DB contract used by DB and Tx implementations.
type queryRower interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// execerContext represents a write-only DB contract used by DB and Tx implementations.
type execerContext interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

func getReservation(ctx context.Context, q queryRower, blockID int64) (domain.Reservation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT block_id, user_id, user_name, acquired_at
		FROM reservations
		WHERE block_id = ?
	`, blockID)
	return scanReservation(row)
}

func updateReservation(ctx context.Context, execer execerContext, res domain.Reservation) error {
	result, err := execer.ExecContext(ctx, `
		UPDATE reservations
		SET user_id = ?, user_name = ?, acquired_at = ?
		WHERE block_id = ?
	`, res.UserID, res.UserName, ts(res.AcquiredAt), res.BlockID)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	return translateNoRows(result)
}

// insertLogEntry inserts one count log record.
func insertLogEntry(ctx context.Context, execer execerContext, entry domain.LogEntry) error {
	_, err := execer.ExecContext(ctx, `
		INSERT INTO count_log(sku, product_name, user_id, user_name, system_qty, counted_qty, location, status, divergence_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.SKU,
		entry.ProductName,
		entry.UserID,
		entry.UserName,
		entry.SystemQty,
		entry.CountedQty,
		entry.Location,
		string(entry.Status),
		entry.DivergenceReason,
		ts(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert count log entry: %w", err)
	}
	return nil
}

// scanner represents scanner data used by this package.
type scanner interface {
	Scan(dest ...any) error
}

func scanReservation(s scanner) (domain.Reservation, error) {
	var (
		res         domain.Reservation
		acquiredRaw string
	)
	if err := s.Scan(&res.BlockID, &res.UserID, &res.UserName, &acquiredRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reservation{}, app.ErrNotFound
		}
		return domain.Reservation{}, err
	}
	res.AcquiredAt = parseTS(acquiredRaw)
	return res, nil
}

func scanPending(s scanner) (domain.PendingFinalize, error) {
	var (
		p          domain.PendingFinalize
		entriesRaw string
		createdRaw string
		updatedRaw string
	)
	if err := s.Scan(&p.ID, &p.BlockID, &p.UserID, &p.UserName, &entriesRaw, &p.LastError, &p.Attempts, &createdRaw, &updatedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PendingFinalize{}, app.ErrNotFound
		}
		return domain.PendingFinalize{}, err
	}
	if strings.TrimSpace(entriesRaw) == "" {
		entriesRaw = "[]"
	}
	if err := json.Unmarshal([]byte(entriesRaw), &p.Entries); err != nil {
		return domain.PendingFinalize{}, fmt.Errorf("decode pending_finalizations.entries_json: %w", err)
	}
	p.CreatedAt = parseTS(createdRaw)
	p.UpdatedAt = parseTS(updatedRaw)
	return p, nil
}

// translateNoRows handles translate no rows.
func translateNoRows(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return app.ErrNotFound
	}
	return nil
}

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
