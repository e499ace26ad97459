package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tickerfield/marketsim/pkg/exchange"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ledger := exchange.NewLedger()
	ledger.Open(1, 1_000_000_00)
	ledger.Open(2, 1_000_000_00)
	if err := ledger.GrantShares(2, "000009.XSHE", 10_000); err != nil {
		t.Fatalf("GrantShares: %v", err)
	}
	engine := exchange.NewEngine(exchange.EngineConfig{TickCents: 1}, ledger, nil)
	engine.AddInstrument("000009.XSHE", "China Baoan")
	return NewServer(engine, nil, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestSubmitAndDepth(t *testing.T) {
	s := newTestServer(t)

	rr := doJSON(t, s, "POST", "/api/v1/commissions", CommissionRequest{
		Symbol:    "000009.XSHE",
		Account:   2,
		Direction: "ask",
		Price:     "10.00",
		Volume:    500,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rr.Code, rr.Body)
	}
	resp := decodeBody[CommissionResponse](t, rr)
	if resp.State != "resting" || resp.OrderID == "" || resp.Remaining != 500 {
		t.Fatalf("submit response = %+v", resp)
	}

	rr = doJSON(t, s, "GET", "/api/v1/instruments/000009.XSHE/depth", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("depth status = %d", rr.Code)
	}
	depth := decodeBody[DepthSnapshot](t, rr)
	best := depth.Asks[4]
	if best.Price != "10.00" || best.Volume != 500 {
		t.Fatalf("best ask = %+v", best)
	}

	// Crossing buy fills immediately and reports the trade.
	rr = doJSON(t, s, "POST", "/api/v1/commissions", CommissionRequest{
		Symbol:    "000009.XSHE",
		Account:   1,
		Direction: "bid",
		Price:     "10.00",
		Volume:    200,
	})
	resp = decodeBody[CommissionResponse](t, rr)
	if resp.State != "filled" || len(resp.Trades) != 1 || resp.Trades[0].Volume != 200 {
		t.Fatalf("fill response = %+v", resp)
	}

	depth = decodeBody[DepthSnapshot](t, doJSON(t, s, "GET", "/api/v1/instruments/000009.XSHE/depth", nil))
	if depth.Asks[4].Volume != 300 || depth.Last != "10.00" {
		t.Fatalf("depth after fill = %+v", depth)
	}
}

func TestCancelCommission(t *testing.T) {
	s := newTestServer(t)

	resp := decodeBody[CommissionResponse](t, doJSON(t, s, "POST", "/api/v1/commissions", CommissionRequest{
		Symbol:    "000009.XSHE",
		Account:   2,
		Direction: "ask",
		Price:     "10.00",
		Volume:    500,
	}))

	rr := doJSON(t, s, "POST", "/api/v1/commissions/cancel", CancelRequest{
		Symbol:  "000009.XSHE",
		Account: 2,
		Target:  resp.OrderID,
		Volume:  500,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", rr.Code, rr.Body)
	}
	cancel := decodeBody[CommissionResponse](t, rr)
	if cancel.State != "cancelled" {
		t.Fatalf("cancel response = %+v", cancel)
	}

	depth := decodeBody[DepthSnapshot](t, doJSON(t, s, "GET", "/api/v1/instruments/000009.XSHE/depth", nil))
	if depth.Asks[4].Volume != 0 {
		t.Fatalf("ask remains after cancel: %+v", depth.Asks[4])
	}
}

func TestGetAccount(t *testing.T) {
	s := newTestServer(t)
	rr := doJSON(t, s, "GET", "/api/v1/accounts/2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	acct := decodeBody[AccountInfo](t, rr)
	if acct.ID != 2 || acct.Cash != "1000000.00" {
		t.Fatalf("account = %+v", acct)
	}
	if len(acct.Positions) != 1 || acct.Positions[0].Volume != 10_000 {
		t.Fatalf("positions = %+v", acct.Positions)
	}

	if rr := doJSON(t, s, "GET", "/api/v1/accounts/99", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("missing account status = %d", rr.Code)
	}
}

func TestSubmitRejections(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		name string
		req  CommissionRequest
		code int
	}{
		{"unknown symbol", CommissionRequest{Symbol: "600000.XSHG", Account: 1, Direction: "bid", Price: "10.00", Volume: 100}, http.StatusNotFound},
		{"bad direction", CommissionRequest{Symbol: "000009.XSHE", Account: 1, Direction: "hold", Price: "10.00", Volume: 100}, http.StatusBadRequest},
		{"sub-cent price", CommissionRequest{Symbol: "000009.XSHE", Account: 1, Direction: "bid", Price: "10.001", Volume: 100}, http.StatusBadRequest},
		{"insufficient shares", CommissionRequest{Symbol: "000009.XSHE", Account: 1, Direction: "ask", Price: "10.00", Volume: 100}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := doJSON(t, s, "POST", "/api/v1/commissions", tc.req); rr.Code != tc.code {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tc.code, rr.Body)
			}
		})
	}
}
