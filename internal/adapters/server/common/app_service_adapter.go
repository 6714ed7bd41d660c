package common

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/hylla/stockcount/internal/app"
	"github.com/hylla/stockcount/internal/domain"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// requestValidator returns the shared validator, configured to report json field names.
func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ValidateRequest checks one request DTO against its validate tags.
func ValidateRequest(req any) error {
	err := requestValidator().Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.Join(ErrInvalidRequest, err)
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
}

// AppServiceAdapter maps transport contracts onto app.Service block lifecycle APIs.
type AppServiceAdapter struct {
	service *app.Service
}

// NewAppServiceAdapter builds one common adapter over an app.Service instance.
func NewAppServiceAdapter(service *app.Service) *AppServiceAdapter {
	return &AppServiceAdapter{service: service}
}

// ListProducts lists catalog products.
func (a *AppServiceAdapter) ListProducts(ctx context.Context, in ListRequest) (app.Page[domain.Product], error) {
	if err := a.ready(); err != nil {
		return app.Page[domain.Product]{}, err
	}
	if err := ValidateRequest(in); err != nil {
		return app.Page[domain.Product]{}, err
	}
	page, err := a.service.ListProducts(ctx, app.ProductQuery{Search: in.Search, PageRequest: pageRequest(in)})
	if err != nil {
		return app.Page[domain.Product]{}, mapAppError("list products", err)
	}
	return page, nil
}

// ListBlocks lists grouped blocks with their current lock and status.
func (a *AppServiceAdapter) ListBlocks(ctx context.Context, in ListRequest) (app.Page[domain.Block], error) {
	if err := a.ready(); err != nil {
		return app.Page[domain.Block]{}, err
	}
	if err := ValidateRequest(in); err != nil {
		return app.Page[domain.Block]{}, err
	}
	page, err := a.service.ListBlocks(ctx, app.BlockQuery{Search: in.Search, PageRequest: pageRequest(in)})
	if err != nil {
		return app.Page[domain.Block]{}, mapAppError("list blocks", err)
	}
	return page, nil
}

// GetBlock returns one block.
func (a *AppServiceAdapter) GetBlock(ctx context.Context, blockID int64) (domain.Block, error) {
	if err := a.ready(); err != nil {
		return domain.Block{}, err
	}
	block, err := a.service.GetBlock(ctx, blockID)
	if err != nil {
		return domain.Block{}, mapAppError("get block", err)
	}
	return block, nil
}

// ReserveBlock tries to reserve a block. A conflict returns Success=false with the holder and an error.
func (a *AppServiceAdapter) ReserveBlock(ctx context.Context, in ReserveRequest) (ReserveResult, error) {
	if err := a.ready(); err != nil {
		return ReserveResult{}, err
	}
	if err := ValidateRequest(in); err != nil {
		return ReserveResult{}, err
	}
	lock, err := a.service.Reserve(ctx, in.BlockID, domain.User{ID: in.UserID, Name: in.UserName})
	if err != nil {
		if holder, ok := HeldBy(err); ok {
			return ReserveResult{Success: false, HeldBy: &holder}, mapAppError("reserve block", err)
		}
		return ReserveResult{}, mapAppError("reserve block", err)
	}
	return ReserveResult{Success: true, Lock: &lock}, nil
}

// ReleaseBlock releases a block reservation.
func (a *AppServiceAdapter) ReleaseBlock(ctx context.Context, blockID int64) error {
	if err := a.ready(); err != nil {
		return err
	}
	return mapAppError("release block", a.service.Release(ctx, blockID))
}

// FinalizeBlock converts submitted items into domain items and finalizes the block.
func (a *AppServiceAdapter) FinalizeBlock(ctx context.Context, in FinalizeRequest) (app.FinalizeResult, error) {
	if err := a.ready(); err != nil {
		return app.FinalizeResult{}, err
	}
	if err := ValidateRequest(in); err != nil {
		return app.FinalizeResult{}, err
	}
	items := make([]domain.BlockItem, 0, len(in.Items))
	for _, raw := range in.Items {
		tally, err := domain.ParseTally(raw.CountStatus, raw.CountedQuantity, raw.DivergenceReason)
		if err != nil {
			return app.FinalizeResult{}, mapAppError("finalize block", fmt.Errorf("item %q: %w", raw.ProductID, err))
		}
		items = append(items, domain.BlockItem{
			ProductID: strings.TrimSpace(raw.ProductID),
			Tally:     tally,
		})
	}
	result, err := a.service.Finalize(ctx, app.FinalizeInput{
		BlockID: in.BlockID,
		User:    domain.User{ID: in.UserID, Name: in.UserName},
		Items:   items,
	})
	if err != nil {
		return result, mapAppError("finalize block", err)
	}
	return result, nil
}

// AppendLogEntry appends one manual log entry.
func (a *AppServiceAdapter) AppendLogEntry(ctx context.Context, in LogEntryRequest) (domain.LogEntry, error) {
	if err := a.ready(); err != nil {
		return domain.LogEntry{}, err
	}
	if err := ValidateRequest(in); err != nil {
		return domain.LogEntry{}, err
	}
	entry, err := a.service.AppendLogEntry(ctx, domain.LogEntry{
		SKU:              in.SKU,
		ProductName:      in.ProductName,
		UserID:           in.UserID,
		UserName:         in.UserName,
		SystemQty:        in.SystemQty,
		CountedQty:       in.CountedQty,
		Location:         in.Location,
		Status:           in.Status,
		DivergenceReason: in.DivergenceReason,
	})
	if err != nil {
		return domain.LogEntry{}, mapAppError("append log entry", err)
	}
	return entry, nil
}

// ListHistory lists raw log entries newest first.
func (a *AppServiceAdapter) ListHistory(ctx context.Context, in ListRequest) (app.Page[domain.LogEntry], error) {
	if err := a.ready(); err != nil {
		return app.Page[domain.LogEntry]{}, err
	}
	if err := ValidateRequest(in); err != nil {
		return app.Page[domain.LogEntry]{}, err
	}
	page, err := a.service.ListHistory(ctx, pageRequest(in))
	if err != nil {
		return app.Page[domain.LogEntry]{}, mapAppError("list history", err)
	}
	return page, nil
}

// ListHistorySessions lists reconstructed counting sessions.
func (a *AppServiceAdapter) ListHistorySessions(ctx context.Context, in ListRequest) (app.Page[domain.HistorySession], error) {
	if err := a.ready(); err != nil {
		return app.Page[domain.HistorySession]{}, err
	}
	if err := ValidateRequest(in); err != nil {
		return app.Page[domain.HistorySession]{}, err
	}
	page, err := a.service.ListHistorySessions(ctx, pageRequest(in))
	if err != nil {
		return app.Page[domain.HistorySession]{}, mapAppError("list history sessions", err)
	}
	return page, nil
}

// ListPending lists parked finalize payloads.
func (a *AppServiceAdapter) ListPending(ctx context.Context) ([]domain.PendingFinalize, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	pending, err := a.service.ListPending(ctx)
	if err != nil {
		return nil, mapAppError("list pending", err)
	}
	return pending, nil
}

// RetryPending re-sends one parked payload.
func (a *AppServiceAdapter) RetryPending(ctx context.Context, id string) (app.FinalizeResult, error) {
	if err := a.ready(); err != nil {
		return app.FinalizeResult{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return app.FinalizeResult{}, fmt.Errorf("%w: pending id is required", ErrInvalidRequest)
	}
	result, err := a.service.RetryPending(ctx, id)
	if err != nil {
		return result, mapAppError("retry pending", err)
	}
	return result, nil
}

// DiscardPending drops one parked payload after acknowledgement.
func (a *AppServiceAdapter) DiscardPending(ctx context.Context, in DiscardRequest) error {
	if err := a.ready(); err != nil {
		return err
	}
	in.ID = strings.TrimSpace(in.ID)
	if err := ValidateRequest(in); err != nil {
		return err
	}
	return mapAppError("discard pending", a.service.DiscardPending(ctx, in.ID, in.Acknowledged))
}

func (a *AppServiceAdapter) ready() error {
	if a == nil || a.service == nil {
		return fmt.Errorf("app service adapter is not configured: %w", ErrUnavailable)
	}
	return nil
}

func pageRequest(in ListRequest) app.PageRequest {
	return app.PageRequest{Page: in.Page, PageSize: in.PageSize}
}

// mapAppError joins app and domain errors with the matching transport error class.
func mapAppError(operation string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, app.ErrNotFound):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotFound, err))
	case errors.Is(err, app.ErrReservationConflict):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrReservationConflict, err))
	case errors.Is(err, app.ErrNotOwner):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrNotOwner, err))
	case errors.Is(err, app.ErrIncomplete):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrIncomplete, err))
	case errors.Is(err, app.ErrAcknowledgementRequired):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrAcknowledgementRequired, err))
	case errors.Is(err, app.ErrLockBusy), errors.Is(err, app.ErrPendingFinalize):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrBusy, err))
	case errors.Is(err, app.ErrCollaboratorUnavailable):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrUnavailable, err))
	case errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, domain.ErrInvalidProduct),
		errors.Is(err, domain.ErrDuplicateProduct),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrMissingReason),
		errors.Is(err, domain.ErrNotConfirmed),
		errors.Is(err, domain.ErrAlreadyCounted),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrInvalidUser):
		return fmt.Errorf("%s: %w", operation, errors.Join(ErrInvalidRequest, err))
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}
