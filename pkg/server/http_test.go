package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siplinehq/sipline/pkg/agent"
	"github.com/siplinehq/sipline/pkg/catalog"
	"github.com/siplinehq/sipline/pkg/llms"
	"github.com/siplinehq/sipline/pkg/outlets"
	"github.com/siplinehq/sipline/pkg/planner"
	"github.com/siplinehq/sipline/pkg/server"
)

type fakeChat struct {
	resp *agent.Response
	err  error
}

func (f *fakeChat) Handle(_ context.Context, req agent.Request) (*agent.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	if resp.SessionID == "" {
		resp.SessionID = req.SessionID
	}
	return &resp, nil
}

type fakeProducts struct {
	matches []catalog.Match
}

func (f *fakeProducts) SearchSorted(_ context.Context, _ string, k int, _ catalog.SortKey) []catalog.Match {
	if len(f.matches) > k {
		return f.matches[:k]
	}
	return f.matches
}

func (f *fakeProducts) Size() int { return len(f.matches) }

type fakeOutlets struct {
	result outlets.Result
}

func (f *fakeOutlets) Answer(context.Context, string) outlets.Result { return f.result }

type fakeOutletDB struct {
	rows    int
	pingErr error
}

func (f *fakeOutletDB) Count(context.Context) (int, error) { return f.rows, nil }
func (f *fakeOutletDB) Ping(context.Context) error         { return f.pingErr }

type fakeSessions struct{ count int }

func (f *fakeSessions) Count() int { return f.count }

func newTestServer(chat *fakeChat) *server.Server {
	return server.New(
		server.Config{
			Port:          8080,
			CORSOrigins:   []string{"https://app.example.com"},
			LLMConfigured: true,
		},
		chat,
		&fakeProducts{matches: []catalog.Match{
			{Product: catalog.Product{ID: "p1", Name: "Tumbler", Price: 79}, Score: 0.9},
		}},
		&fakeOutlets{result: outlets.Result{Kind: outlets.KindCount, Count: 4, Formatted: "There are 4 outlets in Selangor.", SQL: "SELECT COUNT(*) AS count FROM outlets"}},
		&fakeOutletDB{rows: 120},
		&fakeSessions{count: 7},
	)
}

func doRequest(t *testing.T, srv *server.Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestChatEndpoint(t *testing.T) {
	chat := &fakeChat{resp: &agent.Response{
		Response:  "Here you go!",
		SessionID: "abc",
		PlanningInfo: planner.Decision{
			PrimaryAction: planner.ActionSearchProducts,
			Confidence:    0.8,
		},
		ProductCount: 2,
	}}
	rec := doRequest(t, newTestServer(chat), http.MethodPost, "/api/chat", `{"question":"show me tumblers"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Here you go!", body["response"])
	assert.Equal(t, "abc", body["session_id"])
	planning := body["planning_info"].(map[string]any)
	assert.Equal(t, "search_products", planning["primary_action"])
}

func TestChatEmptyQuestionIs400(t *testing.T) {
	chat := &fakeChat{err: agent.ErrEmptyQuestion}
	rec := doRequest(t, newTestServer(chat), http.MethodPost, "/api/chat", `{"question":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatInvalidBodyIs400(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeChat{}), http.MethodPost, "/api/chat", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatRateLimitIs503WithRetryHint(t *testing.T) {
	chat := &fakeChat{err: llms.ErrRateLimited}
	rec := doRequest(t, newTestServer(chat), http.MethodPost, "/api/chat", `{"question":"hi"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2000), body["retry_after_ms"])
}

func TestChatDeadlineIs503(t *testing.T) {
	chat := &fakeChat{err: fmt.Errorf("complete: %w", context.DeadlineExceeded)}
	rec := doRequest(t, newTestServer(chat), http.MethodPost, "/api/chat", `{"question":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatUnknownErrorIs500(t *testing.T) {
	chat := &fakeChat{err: fmt.Errorf("planner exploded")}
	rec := doRequest(t, newTestServer(chat), http.MethodPost, "/api/chat", `{"question":"hi"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "internal error", body["error"])
}

func TestProductsEndpoint(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeChat{}), http.MethodGet, "/products?query=tumbler&k=3", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, "tumbler", body["query"])
}

func TestProductsRequiresQuery(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeChat{}), http.MethodGet, "/products", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProductsZeroKIsEmptyList(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeChat{}), http.MethodGet, "/products?query=tumbler&k=0", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(0), body["count"])
}

func TestProductsRejectsBadK(t *testing.T) {
	for _, raw := range []string{"zero", "-1"} {
		rec := doRequest(t, newTestServer(&fakeChat{}), http.MethodGet, "/products?query=tumbler&k="+raw, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "k=%s", raw)
	}
}

func TestOutletsEndpointIncludesSQL(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeChat{}), http.MethodGet, "/outlets?query=how+many+outlets", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "count", body["kind"])
	assert.Contains(t, body["sql"], "SELECT COUNT")
}

func TestCalculateEndpointExpression(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeChat{}), http.MethodGet, "/calculate?expression=5%2B3", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(8), body["value"])
}

func TestCalculateEndpointText(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeChat{}), http.MethodGet, "/calculate?text=what+is+10+%2F+4", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(2.5), body["value"])
}

func TestCalculateRequiresInput(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeChat{}), http.MethodGet, "/calculate", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeChat{}), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, true, body["llm_configured"])
	assert.Equal(t, true, body["outlets_available"])
	assert.Equal(t, false, body["catalog_empty"])
}

func TestStatsEndpoint(t *testing.T) {
	rec := doRequest(t, newTestServer(&fakeChat{}), http.MethodGet, "/api/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["catalog_size"])
	assert.Equal(t, float64(120), body["outlet_rows"])
	assert.Equal(t, float64(7), body["active_sessions"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeChat{})
	doRequest(t, srv, http.MethodGet, "/health", "")

	rec := doRequest(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sipline_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&fakeChat{})
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSDisallowedOrigin(t *testing.T) {
	srv := newTestServer(&fakeChat{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
