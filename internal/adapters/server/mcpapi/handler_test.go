package mcpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hylla/stockcount/internal/adapters/server/common"
	"github.com/hylla/stockcount/internal/app"
	"github.com/hylla/stockcount/internal/domain"
)

// stubService provides deterministic block lifecycle responses for MCP tool tests.
type stubService struct {
	blocks      app.Page[domain.Block]
	sessions    app.Page[domain.HistorySession]
	reserve     common.ReserveResult
	finalize    app.FinalizeResult
	pending     []domain.PendingFinalize
	err         error
	lastList    common.ListRequest
	lastReserve common.ReserveRequest
	lastRelease int64
	lastFinal   common.FinalizeRequest
}

func (s *stubService) ListProducts(context.Context, common.ListRequest) (app.Page[domain.Product], error) {
	return app.Page[domain.Product]{}, s.err
}

func (s *stubService) ListBlocks(_ context.Context, req common.ListRequest) (app.Page[domain.Block], error) {
	s.lastList = req
	return s.blocks, s.err
}

func (s *stubService) GetBlock(context.Context, int64) (domain.Block, error) {
	return domain.Block{}, s.err
}

func (s *stubService) ReserveBlock(_ context.Context, req common.ReserveRequest) (common.ReserveResult, error) {
	s.lastReserve = req
	return s.reserve, s.err
}

func (s *stubService) ReleaseBlock(_ context.Context, id int64) error {
	s.lastRelease = id
	return s.err
}

func (s *stubService) FinalizeBlock(_ context.Context, req common.FinalizeRequest) (app.FinalizeResult, error) {
	s.lastFinal = req
	return s.finalize, s.err
}

func (s *stubService) AppendLogEntry(context.Context, common.LogEntryRequest) (domain.LogEntry, error) {
	return domain.LogEntry{}, s.err
}

func (s *stubService) ListHistory(context.Context, common.ListRequest) (app.Page[domain.LogEntry], error) {
	return app.Page[domain.LogEntry]{}, s.err
}

func (s *stubService) ListHistorySessions(_ context.Context, req common.ListRequest) (app.Page[domain.HistorySession], error) {
	s.lastList = req
	return s.sessions, s.err
}

func (s *stubService) ListPending(context.Context) ([]domain.PendingFinalize, error) {
	return s.pending, s.err
}

func (s *stubService) RetryPending(context.Context, string) (app.FinalizeResult, error) {
	return s.finalize, s.err
}

func (s *stubService) DiscardPending(context.Context, common.DiscardRequest) error {
	return s.err
}

// jsonRPCResponse models minimal JSON-RPC response fields used in MCP adapter tests.
type jsonRPCResponse struct {
	ID     float64        `json:"id"`
	Result map[string]any `json:"result"`
}

// callToolRequest constructs one deterministic tools/call JSON-RPC request payload.
func callToolRequest(id int, toolName string, arguments map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": arguments,
		},
	}
}

// toolResultText decodes the first text entry from one tool-call result payload.
func toolResultText(t *testing.T, result map[string]any) string {
	t.Helper()

	contentRaw, ok := result["content"].([]any)
	if !ok || len(contentRaw) == 0 {
		t.Fatalf("content missing in tool result: %#v", result)
	}
	first, ok := contentRaw[0].(map[string]any)
	if !ok {
		t.Fatalf("first content entry has unexpected type: %#v", contentRaw[0])
	}
	text, ok := first["text"].(string)
	if !ok {
		t.Fatalf("content text missing in tool result: %#v", first)
	}
	return text
}

// toolResultStructured decodes structuredContent as one map for stable assertions.
func toolResultStructured(t *testing.T, result map[string]any) map[string]any {
	t.Helper()
	structured, ok := result["structuredContent"].(map[string]any)
	if !ok {
		t.Fatalf("structuredContent missing in tool result: %#v", result)
	}
	return structured
}

// postJSONRPC sends one JSON-RPC payload and decodes the response body.
func postJSONRPC(t *testing.T, client *http.Client, url string, payload any) (*http.Response, jsonRPCResponse) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	var decoded jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return resp, decoded
}

// initializeRequest builds a deterministic MCP initialize request payload.
func initializeRequest() map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"clientInfo": map[string]any{
				"name":    "stockcount-test",
				"version": "1.0.0",
			},
		},
	}
}

// startServer starts one MCP test server and performs the initialize handshake.
func startServer(t *testing.T, svc common.Service) *httptest.Server {
	t.Helper()
	handler, err := NewHandler(Config{}, svc)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	_, _ = postJSONRPC(t, server.Client(), server.URL, initializeRequest())
	return server
}

// TestHandlerUsesStatelessTransport verifies MCP transport does not issue session ids.
func TestHandlerUsesStatelessTransport(t *testing.T) {
	handler, err := NewHandler(Config{}, &stubService{})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, decoded := postJSONRPC(t, server.Client(), server.URL, initializeRequest())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if decoded.ID != 1 {
		t.Fatalf("id = %v, want 1", decoded.ID)
	}
	if got := resp.Header.Get("Mcp-Session-Id"); got != "" {
		t.Fatalf("Mcp-Session-Id header = %q, want empty (stateless transport)", got)
	}
}

// TestHandlerRegistersBlockTools verifies tool discovery lists the lifecycle tools.
func TestHandlerRegistersBlockTools(t *testing.T) {
	server := startServer(t, &stubService{})
	_, toolsResp := postJSONRPC(t, server.Client(), server.URL, map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
	})

	toolsRaw, ok := toolsResp.Result["tools"].([]any)
	if !ok {
		t.Fatalf("tools list payload missing tools: %#v", toolsResp.Result)
	}
	toolNames := make([]string, 0, len(toolsRaw))
	for _, toolRaw := range toolsRaw {
		toolMap, ok := toolRaw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		toolNames = append(toolNames, name)
	}
	for _, want := range []string{
		"stockcount.list_blocks",
		"stockcount.reserve_block",
		"stockcount.release_block",
		"stockcount.finalize_block",
		"stockcount.list_history_sessions",
		"stockcount.list_pending",
	} {
		if !slices.Contains(toolNames, want) {
			t.Fatalf("tool list missing %s: %#v", want, toolNames)
		}
	}
}

// TestHandlerListBlocksToolCall verifies paging arguments reach the service.
func TestHandlerListBlocksToolCall(t *testing.T) {
	svc := &stubService{blocks: app.Page[domain.Block]{
		Items: []domain.Block{{ID: 2, Title: "Similar Group #77", Location: "A-01", Status: domain.BlockPending}},
		Total: 1, Page: 1, PageSize: 5,
	}}
	server := startServer(t, svc)

	_, callResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "stockcount.list_blocks", map[string]any{
		"search":    "bolt",
		"page_size": 5,
	}))
	structured := toolResultStructured(t, callResp.Result)
	if total, _ := structured["total"].(float64); total != 1 {
		t.Fatalf("total = %v, want 1", structured["total"])
	}
	if svc.lastList.Search != "bolt" || svc.lastList.PageSize != 5 {
		t.Fatalf("unexpected list request %#v", svc.lastList)
	}
}

// TestHandlerReserveToolReportsHolder verifies a conflict is a normal result with success=false.
func TestHandlerReserveToolReportsHolder(t *testing.T) {
	svc := &stubService{
		reserve: common.ReserveResult{Success: false, HeldBy: &domain.User{ID: "a", Name: "Ana"}},
		err:     errors.Join(common.ErrReservationConflict, &app.ConflictError{BlockID: 12, HeldBy: domain.User{ID: "a", Name: "Ana"}}),
	}
	server := startServer(t, svc)

	_, callResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(4, "stockcount.reserve_block", map[string]any{
		"block_id":  12,
		"user_id":   "b",
		"user_name": "Bo",
	}))
	if isErr, _ := callResp.Result["isError"].(bool); isErr {
		t.Fatalf("conflict should not be a tool error: %#v", callResp.Result)
	}
	structured := toolResultStructured(t, callResp.Result)
	if structured["success"] != false {
		t.Fatalf("success = %v, want false", structured["success"])
	}
	heldBy, _ := structured["heldBy"].(map[string]any)
	if heldBy["userName"] != "Ana" {
		t.Fatalf("heldBy = %#v, want Ana", structured["heldBy"])
	}
	if svc.lastReserve.BlockID != 12 || svc.lastReserve.UserID != "b" {
		t.Fatalf("unexpected reserve request %#v", svc.lastReserve)
	}
}

// TestHandlerReserveToolRequiresUser verifies required arguments are enforced.
func TestHandlerReserveToolRequiresUser(t *testing.T) {
	server := startServer(t, &stubService{})
	_, callResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(5, "stockcount.reserve_block", map[string]any{
		"block_id": 12,
	}))
	if text := toolResultText(t, callResp.Result); !strings.HasPrefix(text, "invalid_request:") {
		t.Fatalf("text = %q, want invalid_request prefix", text)
	}
}

// TestHandlerFinalizeToolCall verifies item arguments bind into the finalize request.
func TestHandlerFinalizeToolCall(t *testing.T) {
	svc := &stubService{finalize: app.FinalizeResult{
		BlockID: 2,
		Outcome: domain.OutcomeDivergence,
		Entries: []domain.LogEntry{{SKU: "HB-8", Status: domain.CountNotLocated, Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}},
	}}
	server := startServer(t, svc)

	_, callResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(6, "stockcount.finalize_block", map[string]any{
		"block_id": 2,
		"user_id":  "a",
		"items": []any{
			map[string]any{"productId": "p1", "countStatus": "not_located"},
		},
	}))
	structured := toolResultStructured(t, callResp.Result)
	if structured["outcome"] != "divergence" {
		t.Fatalf("outcome = %v, want divergence", structured["outcome"])
	}
	if svc.lastFinal.BlockID != 2 || len(svc.lastFinal.Items) != 1 || svc.lastFinal.Items[0].CountStatus != domain.CountNotLocated {
		t.Fatalf("unexpected finalize request %#v", svc.lastFinal)
	}
}

// TestHandlerFinalizeToolParked verifies parked payloads name their pending id.
func TestHandlerFinalizeToolParked(t *testing.T) {
	svc := &stubService{
		finalize: app.FinalizeResult{BlockID: 2, PendingID: "pf-9"},
		err:      errors.Join(common.ErrUnavailable, app.ErrCollaboratorUnavailable),
	}
	server := startServer(t, svc)
	_, callResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(7, "stockcount.finalize_block", map[string]any{
		"block_id": 2,
		"user_id":  "a",
		"items":    []any{map[string]any{"productId": "p1", "countStatus": "counted", "countedQuantity": 1}},
	}))
	text := toolResultText(t, callResp.Result)
	if !strings.Contains(text, "pf-9") || !strings.HasPrefix(text, "collaborator_unavailable:") {
		t.Fatalf("text = %q", text)
	}
}

// TestHandlerReleaseAndSessionsToolCalls verifies the remaining tools.
func TestHandlerReleaseAndSessionsToolCalls(t *testing.T) {
	svc := &stubService{sessions: app.Page[domain.HistorySession]{
		Items: []domain.HistorySession{{Location: "A-01", UserName: "Ana", Date: "2026-03-02", Status: domain.OutcomeCompleted}},
		Total: 1, Page: 1, PageSize: 50,
	}}
	server := startServer(t, svc)

	_, releaseResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(8, "stockcount.release_block", map[string]any{"block_id": 3}))
	if structured := toolResultStructured(t, releaseResp.Result); structured["success"] != true {
		t.Fatalf("release result = %#v", structured)
	}
	if svc.lastRelease != 3 {
		t.Fatalf("release block = %d, want 3", svc.lastRelease)
	}

	_, sessionsResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(9, "stockcount.list_history_sessions", map[string]any{"page": 1}))
	structured := toolResultStructured(t, sessionsResp.Result)
	items, _ := structured["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("sessions = %#v", structured)
	}
}

// TestNewHandlerRequiresService verifies service dependency enforcement.
func TestNewHandlerRequiresService(t *testing.T) {
	handler, err := NewHandler(Config{}, nil)
	if err == nil {
		t.Fatal("NewHandler() error = nil, want error")
	}
	if handler != nil {
		t.Fatalf("handler = %#v, want nil", handler)
	}
}

// TestNormalizeConfig verifies endpoint and identity defaults.
func TestNormalizeConfig(t *testing.T) {
	got := normalizeConfig(Config{EndpointPath: "tools/"})
	if got.EndpointPath != "/tools" || got.ServerName != "stockcount" || got.ServerVersion != "dev" {
		t.Fatalf("normalizeConfig() = %#v", got)
	}
}

// TestHandlerServeHTTPUnavailable verifies nil handlers fail closed.
func TestHandlerServeHTTPUnavailable(t *testing.T) {
	for _, handler := range []*Handler{nil, {}} {
		req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
	}
}

// TestToolResultFromErrorMapping verifies deterministic error-to-tool-result mapping.
func TestToolResultFromErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		prefix string
	}{
		{err: nil, prefix: "unknown error"},
		{err: common.ErrInvalidRequest, prefix: "invalid_request:"},
		{err: common.ErrNotFound, prefix: "not_found:"},
		{err: common.ErrReservationConflict, prefix: "reservation_conflict:"},
		{err: common.ErrNotOwner, prefix: "not_owner:"},
		{err: common.ErrIncomplete, prefix: "incomplete:"},
		{err: common.ErrAcknowledgementRequired, prefix: "acknowledgement_required:"},
		{err: common.ErrBusy, prefix: "busy:"},
		{err: common.ErrUnavailable, prefix: "collaborator_unavailable:"},
		{err: errors.New("boom"), prefix: "internal_error:"},
	}
	for _, tc := range cases {
		result := toolResultFromError(tc.err)
		if !result.IsError {
			t.Fatalf("IsError = false for %v", tc.err)
		}
		text, ok := result.Content[0].(mcp.TextContent)
		if !ok || !strings.HasPrefix(text.Text, tc.prefix) {
			t.Fatalf("toolResultFromError(%v) = %#v, want prefix %q", tc.err, result.Content, tc.prefix)
		}
	}
}
