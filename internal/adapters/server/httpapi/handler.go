// Package httpapi provides the REST HTTP adapter for the block lifecycle surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hylla/stockcount/internal/adapters/server/common"
	"github.com/hylla/stockcount/internal/app"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// RequestObserver receives one call per served API request.
type RequestObserver interface {
	HTTPRequest(route string, code int)
}

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	service  common.Service
	observer RequestObserver
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// conflictEnvelope is the reserve conflict body; it keeps the reserve result shape next to the error.
type conflictEnvelope struct {
	common.ReserveResult
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter. observer may be nil.
func NewHandler(service common.Service, observer RequestObserver) *Handler {
	return &Handler{
		service:  service,
		observer: observer,
	}
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := h.route(rec, r)
	if h.observer != nil {
		h.observer.HTTPRequest(route, rec.status)
	}
}

// route dispatches the request and returns a low-cardinality route label.
func (h *Handler) route(w http.ResponseWriter, r *http.Request) string {
	if h.service == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: "block service is not configured",
		})
		return "unconfigured"
	}

	path := normalizePath(r.URL.Path)
	segments := strings.Split(path, "/")
	switch {
	case path == "products":
		if allowMethod(w, r, http.MethodGet) {
			h.handleListProducts(w, r)
		}
		return "products"
	case path == "blocks":
		if allowMethod(w, r, http.MethodGet) {
			h.handleListBlocks(w, r)
		}
		return "blocks"
	case len(segments) == 2 && segments[0] == "blocks":
		if allowMethod(w, r, http.MethodGet) {
			if blockID, ok := parseBlockID(w, segments[1]); ok {
				h.handleGetBlock(w, r, blockID)
			}
		}
		return "blocks/{id}"
	case len(segments) == 3 && segments[0] == "blocks":
		action := segments[2]
		if action != "reserve" && action != "release" && action != "finalize" {
			break
		}
		if !allowMethod(w, r, http.MethodPost) {
			return "blocks/{id}/" + action
		}
		blockID, ok := parseBlockID(w, segments[1])
		if !ok {
			return "blocks/{id}/" + action
		}
		switch action {
		case "reserve":
			h.handleReserve(w, r, blockID)
		case "release":
			h.handleRelease(w, r, blockID)
		default:
			h.handleFinalize(w, r, blockID)
		}
		return "blocks/{id}/" + action
	case path == "log":
		if allowMethod(w, r, http.MethodPost) {
			h.handleAppendLog(w, r)
		}
		return "log"
	case path == "history":
		if allowMethod(w, r, http.MethodGet) {
			h.handleListHistory(w, r)
		}
		return "history"
	case path == "history/sessions":
		if allowMethod(w, r, http.MethodGet) {
			h.handleListSessions(w, r)
		}
		return "history/sessions"
	case path == "pending":
		if allowMethod(w, r, http.MethodGet) {
			h.handleListPending(w, r)
		}
		return "pending"
	case len(segments) == 3 && segments[0] == "pending" && (segments[2] == "retry" || segments[2] == "discard"):
		if !allowMethod(w, r, http.MethodPost) {
			return "pending/{id}/" + segments[2]
		}
		if segments[2] == "retry" {
			h.handleRetryPending(w, r, segments[1])
		} else {
			h.handleDiscardPending(w, r, segments[1])
		}
		return "pending/{id}/" + segments[2]
	}
	writeJSONError(w, http.StatusNotFound, APIError{
		Code:    "not_found",
		Message: "endpoint not found",
	})
	return "unmatched"
}

// handleListProducts serves GET `/products`.
func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	req, err := listRequestFromQuery(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	page, err := h.service.ListProducts(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleListBlocks serves GET `/blocks`.
func (h *Handler) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	req, err := listRequestFromQuery(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	page, err := h.service.ListBlocks(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleGetBlock serves GET `/blocks/{id}`.
func (h *Handler) handleGetBlock(w http.ResponseWriter, r *http.Request, blockID int64) {
	block, err := h.service.GetBlock(r.Context(), blockID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

// handleReserve serves POST `/blocks/{id}/reserve`.
func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request, blockID int64) {
	var user common.UserRequest
	if err := decodeJSONBody(r.Context(), w, r, &user); err != nil {
		writeErrorFrom(w, err)
		return
	}
	result, err := h.service.ReserveBlock(r.Context(), common.ReserveRequest{BlockID: blockID, UserRequest: user})
	if err != nil {
		if errors.Is(err, common.ErrReservationConflict) && result.HeldBy != nil {
			writeJSON(w, http.StatusConflict, conflictEnvelope{
				ReserveResult: result,
				Error: APIError{
					Code:    "reservation_conflict",
					Message: err.Error(),
					Context: map[string]any{"blockId": blockID},
				},
			})
			return
		}
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRelease serves POST `/blocks/{id}/release`.
func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request, blockID int64) {
	if err := h.service.ReleaseBlock(r.Context(), blockID); err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"blockId": blockID,
	})
}

// handleFinalize serves POST `/blocks/{id}/finalize`.
func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request, blockID int64) {
	var req common.FinalizeRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.BlockID = blockID
	result, err := h.service.FinalizeBlock(r.Context(), req)
	if err != nil {
		writeFinalizeError(w, result, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeBody(result))
}

// handleAppendLog serves POST `/log`.
func (h *Handler) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	var req common.LogEntryRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	entry, err := h.service.AppendLogEntry(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleListHistory serves GET `/history`.
func (h *Handler) handleListHistory(w http.ResponseWriter, r *http.Request) {
	req, err := listRequestFromQuery(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	page, err := h.service.ListHistory(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleListSessions serves GET `/history/sessions`.
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	req, err := listRequestFromQuery(r)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	page, err := h.service.ListHistorySessions(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleListPending serves GET `/pending`.
func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.service.ListPending(r.Context())
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": pending,
	})
}

// handleRetryPending serves POST `/pending/{id}/retry`.
func (h *Handler) handleRetryPending(w http.ResponseWriter, r *http.Request, id string) {
	result, err := h.service.RetryPending(r.Context(), id)
	if err != nil {
		writeFinalizeError(w, result, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeBody(result))
}

// handleDiscardPending serves POST `/pending/{id}/discard`.
func (h *Handler) handleDiscardPending(w http.ResponseWriter, r *http.Request, id string) {
	var payload struct {
		Acknowledged bool `json:"acknowledged"`
	}
	if err := decodeOptionalJSONBody(r.Context(), w, r, &payload); err != nil {
		writeErrorFrom(w, err)
		return
	}
	if err := h.service.DiscardPending(r.Context(), common.DiscardRequest{ID: id, Acknowledged: payload.Acknowledged}); err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"id":      id,
	})
}

// finalizeBody adds the success flag to a finalize result.
func finalizeBody(result app.FinalizeResult) any {
	return struct {
		Success bool `json:"success"`
		app.FinalizeResult
	}{Success: true, FinalizeResult: result}
}

// writeFinalizeError adds finalize-specific context before the generic mapping.
func writeFinalizeError(w http.ResponseWriter, result app.FinalizeResult, err error) {
	switch {
	case errors.Is(err, common.ErrIncomplete):
		ids, _ := common.UnresolvedItems(err)
		writeJSONError(w, http.StatusUnprocessableEntity, APIError{
			Code:    "incomplete",
			Message: err.Error(),
			Hint:    "Count, mark not located, or report a divergence for every item first.",
			Context: map[string]any{"items": ids},
		})
	case errors.Is(err, common.ErrUnavailable) && result.PendingID != "":
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "log_unavailable",
			Message: err.Error(),
			Hint:    "Entries were kept; retry them with POST /pending/{id}/retry.",
			Context: map[string]any{"pendingId": result.PendingID, "entries": len(result.Entries)},
		})
	default:
		writeErrorFrom(w, err)
	}
}

// listRequestFromQuery parses search and paging query parameters.
func listRequestFromQuery(r *http.Request) (common.ListRequest, error) {
	query := r.URL.Query()
	req := common.ListRequest{Search: strings.TrimSpace(query.Get("search"))}
	var err error
	if req.Page, err = queryInt(query.Get("page")); err != nil {
		return common.ListRequest{}, fmt.Errorf("page: %w", err)
	}
	if req.PageSize, err = queryInt(query.Get("page_size")); err != nil {
		return common.ListRequest{}, fmt.Errorf("page_size: %w", err)
	}
	return req, nil
}

// queryInt parses one optional non-negative integer query value.
func queryInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", common.ErrInvalidRequest, raw)
	}
	return v, nil
}

// parseBlockID parses one path block id or writes a 400.
func parseBlockID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: fmt.Sprintf("block id %q must be a positive integer", raw),
		})
		return 0, false
	}
	return id, true
}

// allowMethod writes a 405 unless r uses method.
func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	writeMethodNotAllowed(w, method)
	return false
}

// normalizePath canonicalizes one request path for route matching.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	return path
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "unknown error",
		})
	case errors.Is(err, common.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrReservationConflict):
		writeJSONError(w, http.StatusConflict, APIError{
			Code:    "reservation_conflict",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrNotOwner):
		writeJSONError(w, http.StatusForbidden, APIError{
			Code:    "not_owner",
			Message: err.Error(),
			Hint:    "Reserve the block again before finalizing.",
		})
	case errors.Is(err, common.ErrIncomplete):
		writeJSONError(w, http.StatusUnprocessableEntity, APIError{
			Code:    "incomplete",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrAcknowledgementRequired):
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "acknowledgement_required",
			Message: err.Error(),
			Hint:    `Send {"acknowledged":true} to drop the unsent entries.`,
		})
	case errors.Is(err, common.ErrBusy):
		writeJSONError(w, http.StatusConflict, APIError{
			Code:    "busy",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "collaborator_unavailable",
			Message: err.Error(),
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "canceled",
			Message: err.Error(),
		})
	default:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: err.Error(),
		})
	}
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	// Reject trailing payloads so malformed JSON bodies fail closed.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}

// decodeOptionalJSONBody decodes one optional JSON body and ignores empty payloads.
func decodeOptionalJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(out)
	if err == nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("request canceled: %w", ctx.Err())
		default:
			return nil
		}
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

// WriteHeader records code before forwarding it.
func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
