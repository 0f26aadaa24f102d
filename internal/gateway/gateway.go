// Package gateway implements the Broker Gateway (spec.md §4.1): a
// synchronous REST client over the KIS (Korea Investment Securities) Open
// API, with exponential-backoff retry, auth-expired/transient-account-code
// special-case handling, and paper-vs-live TR-ID translation. Grounded on
// the teacher's pkg/exchanges/binance/spot/binance.go (HTTP client
// construction, base-URL switch on mode) and
// pkg/exchanges/common/ratelimit.go (rate-limit composition, here replaced
// by golang.org/x/time/rate per SPEC_FULL.md's DOMAIN STACK).
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"leverage-worker/internal/order"
	"leverage-worker/internal/position"
	"leverage-worker/internal/workerr"
)

// Mode selects the paper or live broker environment.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

const (
	liveBaseURL  = "https://openapi.koreainvestment.com:9443"
	paperBaseURL = "https://openapivts.koreainvestment.com:29443"

	maxRetries       = 3
	backoffBase      = time.Second
	backoffCap       = 10 * time.Second
	transientRetries = 3
	transientDelay   = time.Second
)

// Credentials authenticates against the broker.
type Credentials struct {
	AppKey             string
	AppSecret          string
	AccountNumber      string
	AccountProductCode string
}

// authExpiredCodes and transientAccountCodes are the two broker error-code
// classes spec.md §4.1 calls out for special retry handling.
var authExpiredCodes = map[string]bool{
	"EGW00123": true, // token expired
	"EGW00121": true, // token invalid
}

var transientAccountCodes = map[string]bool{
	"APBK0013": true, // account validation pending
	"APBK0919": true,
}

// Gateway is the Broker Gateway.
type Gateway struct {
	mode    Mode
	baseURL string
	creds   Credentials

	httpClient *http.Client
	limiter    *rate.Limiter

	accessToken       string
	accessTokenExpiry time.Time
}

// New constructs a Gateway for mode, rate-limited to 20 requests/second
// (KIS Open API's documented per-second ceiling for non-hashkey endpoints).
func New(mode Mode, creds Credentials) *Gateway {
	baseURL := liveBaseURL
	if mode == ModePaper {
		baseURL = paperBaseURL
	}
	return &Gateway{
		mode:       mode,
		baseURL:    baseURL,
		creds:      creds,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(20), 20),
	}
}

// trID rewrites a transaction id for paper mode: live prefixes T/J/C become
// V (spec.md §4.1 "Paper-vs-live TR-ID translation").
func (g *Gateway) trID(liveTRID string) string {
	if g.mode != ModePaper || len(liveTRID) == 0 {
		return liveTRID
	}
	switch liveTRID[0] {
	case 'T', 'J', 'C':
		return "V" + liveTRID[1:]
	default:
		return liveTRID
	}
}

// doWithRetry executes op, retrying transport/5xx/429 errors with
// exponential backoff (base 1s, x2 per attempt, cap 10s, max 3 attempts).
// Auth-expired broker codes trigger one forced re-authentication and a
// single retry; transient account-validation codes retry up to 3 times
// with a fixed 1s delay. All other broker errors return immediately.
func (g *Gateway) doWithRetry(ctx context.Context, op func() (*http.Response, []byte, string, error)) ([]byte, error) {
	delay := backoffBase
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, workerr.TransientBroker("gateway.doWithRetry", err)
		}

		resp, body, brokerCode, err := op()
		if err != nil {
			if attempt == maxRetries-1 {
				return nil, workerr.TransientBroker("gateway.doWithRetry", err)
			}
			time.Sleep(delay)
			delay = time.Duration(math.Min(float64(delay*2), float64(backoffCap)))
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if attempt == maxRetries-1 {
				return nil, workerr.TransientBroker("gateway.doWithRetry", fmt.Errorf("status %d", resp.StatusCode))
			}
			time.Sleep(delay)
			delay = time.Duration(math.Min(float64(delay*2), float64(backoffCap)))
			continue
		}

		if authExpiredCodes[brokerCode] {
			if err := g.authenticate(ctx); err != nil {
				return nil, workerr.Auth("gateway.doWithRetry", err)
			}
			resp2, body2, code2, err2 := op()
			if err2 != nil || (resp2 != nil && resp2.StatusCode >= 400) {
				return nil, workerr.Auth("gateway.doWithRetry", fmt.Errorf("retry after re-auth failed, code=%s", code2))
			}
			return body2, nil
		}

		if transientAccountCodes[brokerCode] {
			for t := 0; t < transientRetries; t++ {
				time.Sleep(transientDelay)
				_, b, c, e := op()
				if e == nil && !transientAccountCodes[c] {
					return b, nil
				}
				body, brokerCode = b, c
			}
			return nil, workerr.TransientBroker("gateway.doWithRetry", fmt.Errorf("transient account code %s persisted", brokerCode))
		}

		if resp.StatusCode >= 400 {
			return nil, workerr.PermanentBroker("gateway.doWithRetry", fmt.Errorf("broker error code=%s status=%d", brokerCode, resp.StatusCode))
		}

		return body, nil
	}
	return nil, workerr.TransientBroker("gateway.doWithRetry", fmt.Errorf("exhausted %d retries", maxRetries))
}

// authenticate issues (or refreshes) the OAuth access token. Grounded on
// original_source/leverage_worker/core/session_manager.py's token-issuance
// flow (app-key/app-secret -> bearer token). EnsureAuthenticated calls it
// again once the token's remaining lifetime drops below the refresh window
// its caller passes (8 hours unless trading_config.yaml sets another).
func (g *Gateway) authenticate(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     g.creds.AppKey,
		"appsecret":  g.creds.AppSecret,
	})
	if err != nil {
		return fmt.Errorf("gateway: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/oauth2/tokenP", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gateway: build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gateway: read auth response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway: auth failed status=%d body=%s", resp.StatusCode, string(body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("gateway: parse auth response: %w", err)
	}

	g.accessToken = parsed.AccessToken
	g.accessTokenExpiry = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	if exp, ok := jwtExpiry(parsed.AccessToken); ok {
		// The token itself carries the authoritative expiry (KIS issues a
		// standard JWT); prefer it over the REST-reported expires_in so a
		// clock-skewed or truncated expires_in field can't understate how
		// long the token is actually good for.
		g.accessTokenExpiry = exp
	}
	return nil
}

// jwtExpiry reads the "exp" claim out of token without verifying its
// signature: KIS's signing key is not published, so this is inspection of
// an already-trusted bearer token (received over TLS from KIS itself), not
// an authorization decision.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// EnsureAuthenticated re-authenticates if the token is unset or within
// tokenRefreshBefore of expiry.
func (g *Gateway) EnsureAuthenticated(ctx context.Context, tokenRefreshBefore time.Duration) error {
	if g.accessToken == "" || time.Until(g.accessTokenExpiry) < tokenRefreshBefore {
		return g.authenticate(ctx)
	}
	return nil
}

type apiResponse struct {
	ReturnCode string          `json:"rt_cd"`
	MsgCode    string          `json:"msg_cd"`
	Message    string          `json:"msg1"`
	Output     json.RawMessage `json:"output"`
	Output1    json.RawMessage `json:"output1"`
	Output2    json.RawMessage `json:"output2"`
}

func (g *Gateway) request(ctx context.Context, method, path, trID string, query map[string]string, body any) ([]byte, error) {
	return g.doWithRetry(ctx, func() (*http.Response, []byte, string, error) {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, nil, "", err
			}
			reader = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
		if err != nil {
			return nil, nil, "", err
		}
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()

		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		req.Header.Set("Authorization", "Bearer "+g.accessToken)
		req.Header.Set("appkey", g.creds.AppKey)
		req.Header.Set("appsecret", g.creds.AppSecret)
		req.Header.Set("tr_id", g.trID(trID))

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, nil, "", err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp, nil, "", err
		}

		var parsed apiResponse
		_ = json.Unmarshal(raw, &parsed)
		return resp, raw, parsed.MsgCode, nil
	})
}

// StockPrice is the current-price snapshot (spec.md §4.1 GetCurrentPrice).
type StockPrice struct {
	Symbol string
	Price  int64
	Open   int64
	High   int64
	Low    int64
}

// BalanceSummary is GetBalance's aggregate summary.
type BalanceSummary struct {
	Deposit  int64
	TotalEval int64
	TotalPL  int64
}

// GetCurrentPrice implements spec.md §4.1.
func (g *Gateway) GetCurrentPrice(symbol string) (int64, error) {
	ctx := context.Background()
	body, err := g.request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-price",
		"FHKST01010100", map[string]string{"FID_COND_MRKT_DIV_CODE": "J", "FID_INPUT_ISCD": symbol}, nil)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		Output struct {
			Price string `json:"stck_prpr"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, workerr.Data("gateway.GetCurrentPrice", err)
	}
	price, err := strconv.ParseInt(parsed.Output.Price, 10, 64)
	if err != nil {
		return 0, workerr.Data("gateway.GetCurrentPrice", err)
	}
	return price, nil
}

// GetBestAsk implements spec.md §4.1.
func (g *Gateway) GetBestAsk(symbol string) (int64, error) {
	return g.bestQuote(symbol, "askp1")
}

// GetBestBid implements spec.md §4.1.
func (g *Gateway) GetBestBid(symbol string) (int64, error) {
	return g.bestQuote(symbol, "bidp1")
}

func (g *Gateway) bestQuote(symbol, field string) (int64, error) {
	ctx := context.Background()
	body, err := g.request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn",
		"FHKST01010200", map[string]string{"FID_COND_MRKT_DIV_CODE": "J", "FID_INPUT_ISCD": symbol}, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Output1 map[string]string `json:"output1"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, workerr.Data("gateway.bestQuote", err)
	}
	price, err := strconv.ParseInt(out.Output1[field], 10, 64)
	if err != nil {
		return 0, workerr.Data("gateway.bestQuote", err)
	}
	return price, nil
}

// GetDeposit returns available cash deposit, the subset of GetBalance's
// summary the Order Manager needs for deposit checks.
func (g *Gateway) GetDeposit() (int64, error) {
	_, summary, err := g.GetBalance()
	if err != nil {
		return 0, err
	}
	return summary.Deposit, nil
}

// GetBalance implements spec.md §4.1.
func (g *Gateway) GetBalance() ([]position.BrokerPosition, BalanceSummary, error) {
	ctx := context.Background()
	body, err := g.request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-balance",
		"TTTC8434R", map[string]string{
			"CANO":         g.creds.AccountNumber,
			"ACNT_PRDT_CD": g.creds.AccountProductCode,
		}, nil)
	if err != nil {
		return nil, BalanceSummary{}, err
	}

	var parsed struct {
		Output1 []struct {
			Symbol   string `json:"pdno"`
			Quantity string `json:"hldg_qty"`
			Price    string `json:"prpr"`
		} `json:"output1"`
		Output2 []struct {
			Deposit   string `json:"dnca_tot_amt"`
			TotalEval string `json:"tot_evlu_amt"`
			TotalPL   string `json:"evlu_pfls_smtl_amt"`
		} `json:"output2"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, BalanceSummary{}, workerr.Data("gateway.GetBalance", err)
	}

	positions := make([]position.BrokerPosition, 0, len(parsed.Output1))
	for _, o := range parsed.Output1 {
		qty, _ := strconv.ParseInt(o.Quantity, 10, 64)
		if qty == 0 {
			continue
		}
		price, _ := strconv.ParseInt(o.Price, 10, 64)
		positions = append(positions, position.BrokerPosition{Symbol: o.Symbol, Quantity: qty, CurrentPrice: price})
	}

	var summary BalanceSummary
	if len(parsed.Output2) > 0 {
		summary.Deposit, _ = strconv.ParseInt(parsed.Output2[0].Deposit, 10, 64)
		summary.TotalEval, _ = strconv.ParseInt(parsed.Output2[0].TotalEval, 10, 64)
		summary.TotalPL, _ = strconv.ParseInt(parsed.Output2[0].TotalPL, 10, 64)
	}
	return positions, summary, nil
}

// positionSource adapts Gateway's three-value GetBalance to
// position.BrokerBalance's narrower single-purpose signature.
type positionSource struct{ g *Gateway }

func (p positionSource) GetBalance() ([]position.BrokerPosition, error) {
	positions, _, err := p.g.GetBalance()
	return positions, err
}

// Positions returns an adapter satisfying position.BrokerBalance, for
// Position Manager.Sync.
func (g *Gateway) Positions() position.BrokerBalance {
	return positionSource{g: g}
}

// HasPosition reports whether the broker still shows any held quantity for
// symbol (spec.md §4.5.4 sell-fallback's "broker balance still shows ≥ that
// quantity" check).
func (g *Gateway) HasPosition(symbol string) (bool, error) {
	positions, _, err := g.GetBalance()
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Quantity > 0 {
			return true, nil
		}
	}
	return false, nil
}

// PlaceMarketOrder implements spec.md §4.1.
func (g *Gateway) PlaceMarketOrder(symbol string, side order.Side, qty int64) (order.OrderResult, error) {
	return g.placeOrder(symbol, side, qty, 0, true)
}

// PlaceLimitOrder implements spec.md §4.1.
func (g *Gateway) PlaceLimitOrder(symbol string, side order.Side, qty, price int64) (order.OrderResult, error) {
	return g.placeOrder(symbol, side, qty, price, false)
}

func (g *Gateway) placeOrder(symbol string, side order.Side, qty, price int64, market bool) (order.OrderResult, error) {
	trID := "TTTC0802U" // live buy
	if side == order.SideSell {
		trID = "TTTC0801U" // live sell
	}

	orderType := "00" // limit
	if market {
		orderType = "01"
	}

	ctx := context.Background()
	body, err := g.request(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-cash", trID, nil, map[string]string{
		"CANO":         g.creds.AccountNumber,
		"ACNT_PRDT_CD": g.creds.AccountProductCode,
		"PDNO":         symbol,
		"ORD_DVSN":     orderType,
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     strconv.FormatInt(price, 10),
	})
	if err != nil {
		return order.OrderResult{}, err
	}

	var parsed struct {
		Output struct {
			OrderID    string `json:"ODNO"`
			BranchCode string `json:"KRX_FWDG_ORD_ORGNO"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return order.OrderResult{}, workerr.Data("gateway.placeOrder", err)
	}
	return order.OrderResult{OrderID: parsed.Output.OrderID, BranchCode: parsed.Output.BranchCode}, nil
}

// CancelOrder implements spec.md §4.1.
func (g *Gateway) CancelOrder(orderID, branch string, qty int64) error {
	ctx := context.Background()
	_, err := g.request(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-rvsecncl", "TTTC0803U", nil, map[string]string{
		"CANO":           g.creds.AccountNumber,
		"ACNT_PRDT_CD":   g.creds.AccountProductCode,
		"KRX_FWDG_ORD_ORGNO": branch,
		"ORGN_ODNO":      orderID,
		"ORD_DVSN":       "00",
		"RVSE_CNCL_DVSN_CD": "02", // cancel
		"ORD_QTY":        strconv.FormatInt(qty, 10),
		"ORD_UNPR":       "0",
		"QTY_ALL_ORD_YN": "Y",
	})
	return err
}

// ModifyOrder implements spec.md §4.1.
func (g *Gateway) ModifyOrder(orderID, branch string, qty, newPrice int64) (string, error) {
	ctx := context.Background()
	body, err := g.request(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-rvsecncl", "TTTC0803U", nil, map[string]string{
		"CANO":           g.creds.AccountNumber,
		"ACNT_PRDT_CD":   g.creds.AccountProductCode,
		"KRX_FWDG_ORD_ORGNO": branch,
		"ORGN_ODNO":      orderID,
		"ORD_DVSN":       "00",
		"RVSE_CNCL_DVSN_CD": "01", // modify
		"ORD_QTY":        strconv.FormatInt(qty, 10),
		"ORD_UNPR":       strconv.FormatInt(newPrice, 10),
		"QTY_ALL_ORD_YN": "Y",
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Output struct {
			OrderID string `json:"ODNO"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", workerr.Data("gateway.ModifyOrder", err)
	}
	if parsed.Output.OrderID == "" {
		return orderID, nil
	}
	return parsed.Output.OrderID, nil
}

// GetOrderStatus implements spec.md §4.1, including the balance-based
// fallback: when symbol/orderedQty/side are supplied and today's order list
// does not contain orderID, filled/unfilled is derived from the broker
// balance against the order side (buy: held >= ordered implies filled;
// sell: absence of the position implies filled). This
// compensates for the status endpoint's documented unreliability in paper
// mode (spec.md §4.1).
func (g *Gateway) GetOrderStatus(orderID, symbol string, orderedQty int64, side order.Side) (int64, int64, error) {
	today, err := g.GetTodayOrders()
	if err != nil {
		return 0, 0, err
	}
	for _, o := range today {
		if o.OrderID == orderID {
			return o.FilledQty, o.OrderedQty - o.FilledQty, nil
		}
	}

	if symbol == "" {
		return 0, orderedQty, nil
	}
	positions, _, err := g.GetBalance()
	if err != nil {
		return 0, orderedQty, nil
	}
	var heldQty int64
	for _, p := range positions {
		if p.Symbol == symbol && p.Quantity > 0 {
			heldQty += p.Quantity
		}
	}
	if side == order.SideBuy && heldQty >= orderedQty {
		return orderedQty, 0, nil
	}
	if side == order.SideSell && heldQty == 0 {
		return orderedQty, 0, nil
	}
	return 0, orderedQty, nil
}

// GetTodayOrders implements spec.md §4.1.
func (g *Gateway) GetTodayOrders() ([]order.OrderInfo, error) {
	ctx := context.Background()
	body, err := g.request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-daily-ccld",
		"TTTC8001R", map[string]string{
			"CANO":         g.creds.AccountNumber,
			"ACNT_PRDT_CD": g.creds.AccountProductCode,
		}, nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Output1 []struct {
			OrderID     string `json:"odno"`
			Symbol      string `json:"pdno"`
			SellBuyCode string `json:"sll_buy_dvsn_cd"` // 01=sell, 02=buy
			OrderedQty  string `json:"ord_qty"`
			FilledQty   string `json:"tot_ccld_qty"`
			FilledPrice string `json:"avg_prvs"`
		} `json:"output1"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, workerr.Data("gateway.GetTodayOrders", err)
	}

	out := make([]order.OrderInfo, 0, len(parsed.Output1))
	for _, o := range parsed.Output1 {
		side := order.SideBuy
		if o.SellBuyCode == "01" {
			side = order.SideSell
		}
		orderedQty, _ := strconv.ParseInt(o.OrderedQty, 10, 64)
		filledQty, _ := strconv.ParseInt(o.FilledQty, 10, 64)
		filledPrice, _ := strconv.ParseInt(o.FilledPrice, 10, 64)
		out = append(out, order.OrderInfo{
			OrderID: o.OrderID, Symbol: o.Symbol, Side: side,
			OrderedQty: orderedQty, FilledQty: filledQty, FilledPrice: filledPrice,
		})
	}
	return out, nil
}

// GetBuyableQuantity implements spec.md §4.1.
func (g *Gateway) GetBuyableQuantity(symbol string, currentPrice int64) (int64, int64, error) {
	ctx := context.Background()
	body, err := g.request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-psbl-order",
		"TTTC8908R", map[string]string{
			"CANO":         g.creds.AccountNumber,
			"ACNT_PRDT_CD": g.creds.AccountProductCode,
			"PDNO":         symbol,
			"ORD_UNPR":     strconv.FormatInt(currentPrice, 10),
		}, nil)
	if err != nil {
		return 0, 0, err
	}
	var parsed struct {
		Output struct {
			MaxQty  string `json:"nrcvb_buy_qty"`
			MaxCash string `json:"nrcvb_buy_amt"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, 0, workerr.Data("gateway.GetBuyableQuantity", err)
	}
	qty, _ := strconv.ParseInt(parsed.Output.MaxQty, 10, 64)
	cash, _ := strconv.ParseInt(parsed.Output.MaxCash, 10, 64)
	return qty, cash, nil
}

// DailyBar is one bar of GetDailyCandles' result (spec.md §4.1).
type DailyBar struct {
	TradeDate string // YYYYMMDD
	Open      int64
	High      int64
	Low       int64
	Close     int64
	Volume    int64
}

// MinuteBar is one bar of GetMinuteCandles' result.
type MinuteBar struct {
	TimeHMS string // HHMMSS
	Open    int64
	High    int64
	Low     int64
	Close   int64
	Volume  int64
}

// GetDailyCandles implements spec.md §4.1's "GetDailyCandles(symbol, from,
// to) -> candle[]", used by the Lifecycle Controller's cache-priming step
// (spec.md §4.10 step 5, "100+ days back").
func (g *Gateway) GetDailyCandles(symbol, from, to string) ([]DailyBar, error) {
	ctx := context.Background()
	body, err := g.request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice",
		"FHKST03010100", map[string]string{
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
			"FID_INPUT_DATE_1":       from,
			"FID_INPUT_DATE_2":       to,
			"FID_PERIOD_DIV_CODE":    "D",
			"FID_ORG_ADJ_PRC":        "0",
		}, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Output2 []struct {
			Date   string `json:"stck_bsop_date"`
			Open   string `json:"stck_oprc"`
			High   string `json:"stck_hgpr"`
			Low    string `json:"stck_lwpr"`
			Close  string `json:"stck_clpr"`
			Volume string `json:"acml_vol"`
		} `json:"output2"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, workerr.Data("gateway.GetDailyCandles", err)
	}
	out := make([]DailyBar, 0, len(parsed.Output2))
	for _, o := range parsed.Output2 {
		out = append(out, DailyBar{
			TradeDate: o.Date,
			Open:      parseIntOr0(o.Open),
			High:      parseIntOr0(o.High),
			Low:       parseIntOr0(o.Low),
			Close:     parseIntOr0(o.Close),
			Volume:    parseIntOr0(o.Volume),
		})
	}
	return out, nil
}

// GetMinuteCandles implements spec.md §4.1's "GetMinuteCandles(symbol,
// anchor_hms?) -> candle[]": returns up to 30 one-minute bars anchored at
// anchorHMS ("HHMMSS"), walking backward. An empty anchorHMS anchors at the
// broker's current time.
func (g *Gateway) GetMinuteCandles(symbol, anchorHMS string) ([]MinuteBar, error) {
	ctx := context.Background()
	body, err := g.request(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice",
		"FHKST03010200", map[string]string{
			"FID_ETC_CLS_CODE":       "",
			"FID_COND_MRKT_DIV_CODE": "J",
			"FID_INPUT_ISCD":         symbol,
			"FID_INPUT_HOUR_1":       anchorHMS,
			"FID_PW_DATA_INCU_YN":    "Y",
		}, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Output2 []struct {
			Time   string `json:"stck_cntg_hour"`
			Open   string `json:"stck_oprc"`
			High   string `json:"stck_hgpr"`
			Low    string `json:"stck_lwpr"`
			Close  string `json:"stck_prpr"`
			Volume string `json:"cntg_vol"`
		} `json:"output2"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, workerr.Data("gateway.GetMinuteCandles", err)
	}
	out := make([]MinuteBar, 0, len(parsed.Output2))
	for _, o := range parsed.Output2 {
		out = append(out, MinuteBar{
			TimeHMS: o.Time,
			Open:    parseIntOr0(o.Open),
			High:    parseIntOr0(o.High),
			Low:     parseIntOr0(o.Low),
			Close:   parseIntOr0(o.Close),
			Volume:  parseIntOr0(o.Volume),
		})
	}
	return out, nil
}

func parseIntOr0(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
