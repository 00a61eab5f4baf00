package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/broker"
	"github.com/eddiefleurent/scrip_bridge/internal/cache"
	"github.com/eddiefleurent/scrip_bridge/internal/catalog"
	"github.com/eddiefleurent/scrip_bridge/internal/history"
	"github.com/eddiefleurent/scrip_bridge/internal/orders"
	"github.com/eddiefleurent/scrip_bridge/internal/resolver"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	contract *resolver.Contract
	err      error
	got      []resolver.Signal
}

func (f *fakeResolver) ResolveSignal(_ context.Context, sig resolver.Signal) (*resolver.Contract, error) {
	f.got = append(f.got, sig)
	return f.contract, f.err
}

type fakeDispatcher struct {
	result *orders.Result
	err    error
	calls  int
}

func (f *fakeDispatcher) Dispatch(context.Context, *resolver.Contract) (*orders.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeCatalog struct {
	status     cache.Status
	refreshErr error
	refreshes  int
}

func (f *fakeCatalog) Status() cache.Status { return f.status }

func (f *fakeCatalog) Refresh(context.Context) error {
	f.refreshes++
	return f.refreshErr
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func contract() *resolver.Contract {
	return &resolver.Contract{
		SecurityID: "40001",
		Strike:     decimal.NewFromInt(52500),
		OptionType: catalog.Call,
		Expiry:     day(2025, 3, 20),
		LotSize:    30,
		Side:       resolver.SideBuy,
	}
}

type harness struct {
	srv  *Server
	res  *fakeResolver
	disp *fakeDispatcher
	cat  *fakeCatalog
	hist *history.JSONStore
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	hist, err := history.NewJSONStore("", 0)
	require.NoError(t, err)
	h := &harness{
		res:  &fakeResolver{contract: contract()},
		disp: &fakeDispatcher{result: &orders.Result{Success: true, OrderID: "112111", Remarks: "Opened CE 52500"}},
		cat: &fakeCatalog{status: cache.Status{
			Ready:       true,
			Underlying:  "BANKNIFTY",
			Instruments: 120,
			Expiries:    []time.Time{day(2025, 3, 13), day(2025, 3, 20), day(2025, 3, 27)},
		}},
		hist: hist,
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	h.srv = NewServer(cfg, h.res, h.disp, h.cat, hist, quietLogger())
	// Monday 2025-03-10 10:00 UTC
	h.srv.now = func() time.Time { return time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC) }
	return h
}

func (h *harness) do(method, target, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestWebhook_Success(t *testing.T) {
	h := newHarness(t, Config{})

	rec := h.do(http.MethodPost, "/webhook", `{"price": 52480, "message": "BUY"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Opened CE 52500", body["remarks"])
	entry := body["entry"].(map[string]interface{})
	assert.Equal(t, "52500", entry["strike"])
	assert.Equal(t, "CE", entry["type"])
	assert.Equal(t, "2025-03-20", entry["expiry"])
	assert.Equal(t, "112111", entry["order_id"])

	require.Len(t, h.res.got, 1)
	assert.True(t, h.res.got[0].Price.Decimal.Equal(decimal.NewFromInt(52480)))
	assert.Equal(t, 1, h.hist.Stats().Successes)
}

func TestWebhook_LegacyRouteAndStringPrice(t *testing.T) {
	h := newHarness(t, Config{})

	rec := h.do(http.MethodPost, "/mlfusion", `{"price": "52480.5", "message": "sell"}`, "Content-Type", "text/plain")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.res.got, 1)
	assert.Equal(t, "52480.5", h.res.got[0].Price.Decimal.String())
}

func TestWebhook_NoData(t *testing.T) {
	h := newHarness(t, Config{})

	for _, body := range []string{"", "   ", "{not json", `["BUY"]`} {
		rec := h.do(http.MethodPost, "/webhook", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.JSONEq(t, `{"status":"no data"}`, rec.Body.String(), body)
	}
	assert.Empty(t, h.res.got)
	assert.Zero(t, h.hist.Stats().Total)
}

func TestWebhook_UnparseablePriceIsInvalidSignal(t *testing.T) {
	h := newHarness(t, Config{})

	for _, body := range []string{`{"price": "abc", "message": "BUY"}`, `{"price": true, "message": "SELL"}`} {
		rec := h.do(http.MethodPost, "/webhook", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		resp := decode(t, rec)
		assert.Equal(t, "error", resp["status"], body)
		assert.Equal(t, remarkInvalid, resp["remarks"], body)
		assert.Contains(t, resp["error"], "not a number", body)
	}

	assert.Empty(t, h.res.got, "resolver must not see a signal with a bad price")
	assert.Zero(t, h.disp.calls)
	st := h.hist.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Failures)
	recent := h.hist.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "SELL", recent[0].Message)
	assert.Equal(t, remarkInvalid, recent[0].Remarks)
}

func TestWebhook_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantStrike string
	}{
		{"invalid input", fmt.Errorf("%w: price is required", resolver.ErrInvalidInput), http.StatusBadRequest, ""},
		{"not found", &resolver.NotFoundError{Strike: decimal.NewFromInt(52500), OptionType: catalog.Call, Expiry: day(2025, 3, 20)}, http.StatusNotFound, "52500"},
		{"unavailable", fmt.Errorf("%w: %w", cache.ErrUnavailable, catalog.ErrFetch), http.StatusServiceUnavailable, ""},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.res.err = tt.err
			h.res.contract = nil

			rec := h.do(http.MethodPost, "/webhook", `{"price": 52480, "message": "BUY"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, "error", body["status"])
			if tt.wantStrike != "" {
				assert.Equal(t, tt.wantStrike, body["strike"])
			} else {
				assert.NotContains(t, body, "strike")
			}

			assert.Zero(t, h.disp.calls)
			st := h.hist.Stats()
			assert.Equal(t, 1, st.Failures)
		})
	}
}

func TestWebhook_DispatchFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.disp.result = &orders.Result{Remarks: "Insufficient funds"}
	h.disp.err = &broker.APIError{Status: 400, Message: "Insufficient funds"}

	rec := h.do(http.MethodPost, "/webhook", `{"price": 52480, "message": "BUY"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "failure", body["status"])
	assert.Equal(t, "Insufficient funds", body["remarks"])

	recent := h.hist.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, history.StatusFailure, recent[0].Status)
	assert.Equal(t, "40001", recent[0].SecurityID)
}

func TestWebhook_RateLimited(t *testing.T) {
	h := newHarness(t, Config{RateLimitPerSec: 0.001, RateBurst: 1})

	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/webhook", `{"price": 1, "message": "BUY"}`).Code)
	rec := h.do(http.MethodPost, "/webhook", `{"price": 1, "message": "BUY"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, h.res.got, 1)
}

func TestAuth(t *testing.T) {
	h := newHarness(t, Config{AuthToken: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/webhook", `{"price": 1, "message": "BUY"}`).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/webhook", `{"price": 1, "message": "BUY"}`, "X-Auth-Token", "s3cret").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/history?token=s3cret", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "").Code)
}

func TestHistoryEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	for i := 0; i < 3; i++ {
		h.do(http.MethodPost, "/webhook", `{"price": 52480, "message": "BUY"}`)
	}

	rec := h.do(http.MethodGet, "/api/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Entries []history.Entry `json:"entries"`
		Stats   history.Stats   `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out.Entries, 2)
	assert.Equal(t, 3, out.Stats.Total)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/history?limit=x", "").Code)
}

func TestCatalogEndpoint(t *testing.T) {
	h := newHarness(t, Config{RolloverDays: 3})

	rec := h.do(http.MethodGet, "/api/catalog", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view CatalogView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 120, view.Cache.Instruments)
	assert.Equal(t, CycleView{
		Today:        "2025-03-10",
		Current:      "2025-03-13",
		Next:         "2025-03-20",
		Selected:     "2025-03-20",
		DaysToExpiry: 10,
		Rollover:     true,
	}, view.Cycle)
}

func TestCatalogEndpoint_EmptyCache(t *testing.T) {
	h := newHarness(t, Config{})
	h.cat.status = cache.Status{}

	rec := h.do(http.MethodGet, "/api/catalog", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view CatalogView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, CycleView{Today: "2025-03-10"}, view.Cycle)
}

func TestCatalogRefresh(t *testing.T) {
	h := newHarness(t, Config{})

	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/catalog/refresh", "").Code)
	h.cat.refreshErr = errors.New("upstream down")
	rec := h.do(http.MethodPost, "/api/catalog/refresh", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream down")
	assert.Equal(t, 2, h.cat.refreshes)
}

func TestDashboard(t *testing.T) {
	h := newHarness(t, Config{})
	h.do(http.MethodPost, "/webhook", `{"price": 52480, "message": "BUY"}`)

	rec := h.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "BANKNIFTY")
	assert.Contains(t, rec.Body.String(), "Opened CE 52500")
	assert.Contains(t, rec.Body.String(), "Market Open")
}

func TestIsMarketOpen(t *testing.T) {
	ist := time.FixedZone("IST", 5*60*60+30*60)
	assert.True(t, isMarketOpen(time.Date(2025, 3, 10, 9, 15, 0, 0, ist), ist))
	assert.False(t, isMarketOpen(time.Date(2025, 3, 10, 15, 30, 0, 0, ist), ist))
	assert.False(t, isMarketOpen(time.Date(2025, 3, 10, 9, 14, 0, 0, ist), ist))
	assert.False(t, isMarketOpen(time.Date(2025, 3, 8, 11, 0, 0, 0, ist), ist))
}
