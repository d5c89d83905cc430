package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	binanceBaseURL    = "https://api.binance.com"
	binanceTestnetURL = "https://testnet.binance.vision"
)

// BinanceExchange adapts the Binance spot REST API to the Exchange
// capability interface. Requests are signed with HMAC-SHA256.
type BinanceExchange struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	secretKey string
	logger    *logrus.Entry
}

func NewBinanceExchange(apiKey, secretKey string, testnet bool, logger *logrus.Logger) Exchange {
	baseURL := binanceBaseURL
	if testnet {
		baseURL = binanceTestnetURL
	}
	return &BinanceExchange{
		client:    &http.Client{Timeout: 30 * time.Second},
		baseURL:   baseURL,
		apiKey:    apiKey,
		secretKey: secretKey,
		logger:    logger.WithField("component", "binance"),
	}
}

func (b *BinanceExchange) Name() string {
	return "binance"
}

type binanceAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type binanceAccount struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			StepSize    string `json:"stepSize"`
			TickSize    string `json:"tickSize"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

type binanceOrder struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	Type               string `json:"type"`
	Side               string `json:"side"`
	TransactTime       int64  `json:"transactTime"`
	Time               int64  `json:"time"`
	UpdateTime         int64  `json:"updateTime"`
}

func (b *BinanceExchange) FetchBalance(ctx context.Context, asset string) (Balance, error) {
	var account binanceAccount
	if err := b.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &account); err != nil {
		return Balance{}, fmt.Errorf("fetching account: %w", err)
	}

	upper := strings.ToUpper(asset)
	for _, bal := range account.Balances {
		if bal.Asset != upper {
			continue
		}
		available := parseDecimal(bal.Free)
		locked := parseDecimal(bal.Locked)
		return Balance{
			Asset:     asset,
			Available: available,
			Locked:    locked,
			Total:     available.Add(locked),
		}, nil
	}
	return Balance{Asset: asset}, nil
}

func (b *BinanceExchange) FetchMarketRules(ctx context.Context, symbol string) (MarketRules, error) {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))

	var info binanceExchangeInfo
	if err := b.publicRequest(ctx, "/api/v3/exchangeInfo", params, &info); err != nil {
		return MarketRules{}, fmt.Errorf("fetching exchange info: %w", err)
	}
	if len(info.Symbols) == 0 {
		return MarketRules{}, &RejectionError{Reason: fmt.Sprintf("unknown symbol %s", symbol)}
	}

	rules := MarketRules{
		Symbol:         symbol,
		LotSize:        decimal.New(1, -8),
		MinNotional:    decimal.Zero,
		PricePrecision: 8,
	}
	for _, f := range info.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			if step := parseDecimal(f.StepSize); step.IsPositive() {
				rules.LotSize = step
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			rules.MinNotional = parseDecimal(f.MinNotional)
		case "PRICE_FILTER":
			if tick := parseDecimal(f.TickSize); tick.IsPositive() {
				rules.PricePrecision = -tick.Exponent()
			}
		}
	}
	return rules, nil
}

func (b *BinanceExchange) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(req.Side))
	params.Set("quantity", req.Quantity.String())
	params.Set("timeInForce", "GTC")

	switch strings.ToLower(req.Type) {
	case "stop-limit":
		params.Set("type", "STOP_LOSS_LIMIT")
		params.Set("stopPrice", req.StopPrice.String())
		price := req.Price
		if price.IsZero() {
			price = req.StopPrice
		}
		params.Set("price", price.String())
	default:
		params.Set("type", "LIMIT")
		params.Set("price", req.Price.String())
	}

	var resp binanceOrder
	if err := b.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return Order{}, err
	}

	placedAt := millisToTime(resp.TransactTime)
	return Order{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Status:    normalizeStatus(resp.Status, parseDecimal(resp.ExecutedQty), req.Quantity),
		FilledQty: parseDecimal(resp.ExecutedQty),
		AvgPrice:  avgFillPrice(resp),
		Timestamp: placedAt,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
		UpdatedAt: placedAt,
	}, nil
}

func (b *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("orderId", orderID)

	var resp binanceOrder
	return b.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params, &resp)
}

func (b *BinanceExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (Order, error) {
	params := url.Values{}
	params.Set("symbol", NormalizeSymbol(symbol))
	params.Set("orderId", orderID)

	var resp binanceOrder
	if err := b.signedRequest(ctx, http.MethodGet, "/api/v3/order", params, &resp); err != nil {
		return Order{}, err
	}

	qty := parseDecimal(resp.OrigQty)
	return Order{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Status:    normalizeStatus(resp.Status, parseDecimal(resp.ExecutedQty), qty),
		FilledQty: parseDecimal(resp.ExecutedQty),
		AvgPrice:  avgFillPrice(resp),
		Timestamp: millisToTime(resp.Time),
		Symbol:    symbol,
		Side:      strings.ToLower(resp.Side),
		Type:      strings.ToLower(resp.Type),
		Price:     parseDecimal(resp.Price),
		Quantity:  qty,
		UpdatedAt: millisToTime(resp.UpdateTime),
	}, nil
}

// publicRequest performs an unsigned GET against a public endpoint.
func (b *BinanceExchange) publicRequest(ctx context.Context, path string, params url.Values, out any) error {
	fullURL := fmt.Sprintf("%s%s?%s", b.baseURL, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return b.do(req, out)
}

// signedRequest performs an authenticated request with a signed query string.
func (b *BinanceExchange) signedRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(b.secretKey))
	mac.Write([]byte(query))
	signature := hex.EncodeToString(mac.Sum(nil))

	fullURL := fmt.Sprintf("%s%s?%s&signature=%s", b.baseURL, path, query, signature)
	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)
	return b.do(req, out)
}

func (b *BinanceExchange) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr binanceAPIError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
			b.logger.WithFields(logrus.Fields{
				"status": resp.StatusCode,
				"code":   apiErr.Code,
			}).Warn(apiErr.Msg)
			return classifyBinanceError(resp.StatusCode, apiErr)
		}
		return fmt.Errorf("API error: status=%d, body=%s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classifyBinanceError separates hard rejections from retriable failures.
// Rate limits (429/418) and server errors stay transient.
func classifyBinanceError(status int, apiErr binanceAPIError) error {
	if status == http.StatusTooManyRequests || status == 418 || status >= 500 {
		return fmt.Errorf("binance transient error %d: %s", apiErr.Code, apiErr.Msg)
	}
	return &RejectionError{Reason: fmt.Sprintf("binance error %d: %s", apiErr.Code, apiErr.Msg)}
}

func avgFillPrice(o binanceOrder) decimal.Decimal {
	executed := parseDecimal(o.ExecutedQty)
	if executed.IsZero() {
		return decimal.Zero
	}
	return parseDecimal(o.CummulativeQuoteQty).Div(executed)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
