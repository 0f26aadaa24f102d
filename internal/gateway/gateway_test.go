package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestGateway builds a Gateway pointed at a local httptest server,
// bypassing the real auth flow by pre-seeding a bearer token.
func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g := New(ModePaper, Credentials{AppKey: "k", AppSecret: "s", AccountNumber: "1", AccountProductCode: "01"})
	g.baseURL = srv.URL
	g.accessToken = "test-token"
	g.accessTokenExpiry = time.Now().Add(time.Hour)
	return g
}

func TestGetDailyCandlesParsesOutput2(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("FID_PERIOD_DIV_CODE") != "D" {
			t.Fatalf("expected daily period div code D, got %q", r.URL.Query().Get("FID_PERIOD_DIV_CODE"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output2": []map[string]string{
				{"stck_bsop_date": "20260729", "stck_oprc": "70000", "stck_hgpr": "71000", "stck_lwpr": "69500", "stck_clpr": "70500", "acml_vol": "1234567"},
			},
		})
	})

	bars, err := g.GetDailyCandles("005930", "20260101", "20260729")
	if err != nil {
		t.Fatalf("GetDailyCandles: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("bars = %d, want 1", len(bars))
	}
	if bars[0].TradeDate != "20260729" || bars[0].Close != 70500 || bars[0].Volume != 1234567 {
		t.Fatalf("bar = %+v", bars[0])
	}
}

func TestGetMinuteCandlesParsesOutput2(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output2": []map[string]string{
				{"stck_cntg_hour": "093000", "stck_oprc": "70000", "stck_hgpr": "70100", "stck_lwpr": "69900", "stck_prpr": "70050", "cntg_vol": "500"},
				{"stck_cntg_hour": "092900", "stck_oprc": "69950", "stck_hgpr": "70000", "stck_lwpr": "69900", "stck_prpr": "70000", "cntg_vol": "400"},
			},
		})
	})

	bars, err := g.GetMinuteCandles("005930", "093000")
	if err != nil {
		t.Fatalf("GetMinuteCandles: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	if bars[0].TimeHMS != "093000" || bars[0].Close != 70050 {
		t.Fatalf("bar[0] = %+v", bars[0])
	}
}

func TestGetDailyCandlesPropagatesTransportError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if _, err := g.GetDailyCandles("005930", "20260101", "20260729"); err == nil {
		t.Fatalf("expected an error from a 500 response after retries")
	}
}
