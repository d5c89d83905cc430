package exchange

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	wallex "github.com/wallexchange/wallex-go"
)

// WallexExchange adapts the Wallex API to the Exchange capability interface.
type WallexExchange struct {
	client *wallex.Client
	logger *logrus.Entry
}

func NewWallexExchange(apiKey string, logger *logrus.Logger) Exchange {
	return &WallexExchange{
		client: wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		logger: logger.WithField("component", "wallex"),
	}
}

func (w *WallexExchange) Name() string {
	return "wallex"
}

func (w *WallexExchange) FetchBalance(ctx context.Context, asset string) (Balance, error) {
	select {
	case <-ctx.Done():
		w.logger.Warn("FetchBalance timeout")
		return Balance{}, ctx.Err()

	default:
		balances, err := w.client.Balances()
		if err != nil {
			return Balance{}, fmt.Errorf("fetching balances: %w", err)
		}

		wb, ok := balances[strings.ToUpper(asset)]
		if !ok || wb == nil {
			return Balance{Asset: asset}, nil
		}

		available := number(wb.Value)
		locked := number(wb.Locked)
		return Balance{
			Asset:     asset,
			Available: available,
			Locked:    locked,
			Total:     available.Add(locked),
		}, nil
	}
}

// FetchMarketRules returns conservative defaults for Wallex. The market
// listing exposed by the SDK carries no quantity filters, so the lot step is
// the smallest quantity the order endpoint accepts.
func (w *WallexExchange) FetchMarketRules(ctx context.Context, symbol string) (MarketRules, error) {
	select {
	case <-ctx.Done():
		w.logger.Warn("FetchMarketRules timeout")
		return MarketRules{}, ctx.Err()

	default:
		return MarketRules{
			Symbol:         symbol,
			LotSize:        decimal.New(1, -6), // 0.000001
			MinNotional:    decimal.NewFromInt(1),
			PricePrecision: 8,
		}, nil
	}
}

func (w *WallexExchange) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	select {
	case <-ctx.Done():
		w.logger.Warn("SubmitOrder timeout")
		return Order{}, ctx.Err()

	default:
		price := req.Price
		if req.Type == "stop-limit" && req.Price.IsZero() {
			price = req.StopPrice
		}

		params := &wallex.OrderParams{
			Symbol:   NormalizeSymbol(req.Symbol),
			Type:     normalizeWallexType(req.Type),
			Side:     strings.ToUpper(req.Side),
			Price:    wallex.Number(price.String()),
			Quantity: wallex.Number(req.Quantity.String()),
		}
		resp, err := w.client.PlaceOrder(params)
		if err != nil {
			return Order{}, classifyWallexError(err)
		}

		return Order{
			OrderID:   resp.ClientOrderID,
			Status:    normalizeStatus(resp.Status, numberPtr(resp.ExecutedQty), req.Quantity),
			FilledQty: numberPtr(resp.ExecutedQty),
			AvgPrice:  numberPtr(resp.ExecutedPrice),
			Timestamp: resp.CreatedAt.UTC(),
			Symbol:    req.Symbol,
			Side:      req.Side,
			Type:      req.Type,
			Price:     req.Price,
			Quantity:  req.Quantity,
			UpdatedAt: resp.CreatedAt.UTC(),
		}, nil
	}
}

func (w *WallexExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	select {
	case <-ctx.Done():
		w.logger.Warn("CancelOrder timeout")
		return ctx.Err()

	default:
		if err := w.client.CancelOrder(orderID); err != nil {
			return classifyWallexError(err)
		}
		return nil
	}
}

func (w *WallexExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (Order, error) {
	select {
	case <-ctx.Done():
		w.logger.Warn("GetOrderStatus timeout")
		return Order{}, ctx.Err()

	default:
		resp, err := w.client.Order(orderID)
		if err != nil {
			return Order{}, fmt.Errorf("fetching order %s: %w", orderID, err)
		}

		qty := number(resp.OrigQty)
		return Order{
			OrderID:   resp.ClientOrderID,
			Status:    normalizeStatus(resp.Status, numberPtr(resp.ExecutedQty), qty),
			FilledQty: numberPtr(resp.ExecutedQty),
			AvgPrice:  numberPtr(resp.ExecutedPrice),
			Timestamp: resp.CreatedAt.UTC(),
			Symbol:    symbol,
			Side:      strings.ToLower(resp.Side),
			Type:      strings.ToLower(resp.Type),
			Price:     number(resp.Price),
			Quantity:  qty,
			UpdatedAt: resp.CreatedAt.UTC(),
		}, nil
	}
}

// NormalizeSymbol maps "LSK-USDT" style pairs to Wallex's concatenated form.
func NormalizeSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "-", "")
}

func normalizeWallexType(orderType string) string {
	switch strings.ToLower(orderType) {
	case "stop-limit":
		return "STOP_LIMIT"
	default:
		return strings.ToUpper(orderType)
	}
}

// normalizeStatus maps an exchange status string plus fill progress onto the
// normalized OrderStatus set.
func normalizeStatus(status string, filled, qty decimal.Decimal) OrderStatus {
	switch strings.ToUpper(status) {
	case "NEW", "OPEN", "ACTIVE":
		if filled.IsPositive() && filled.LessThan(qty) {
			return StatusPartiallyFilled
		}
		return StatusOpen
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "FILLED", "DONE":
		return StatusFilled
	case "CANCELED", "CANCELLED", "EXPIRED":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	default:
		return StatusPending
	}
}

// classifyWallexError marks obviously non-retriable failures as rejections.
func classifyWallexError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"insufficient", "invalid symbol", "invalid price", "min notional", "not found"} {
		if strings.Contains(msg, marker) {
			return &RejectionError{Reason: err.Error()}
		}
	}
	return err
}

// Helpers to convert wallex.Number values.
func number(n wallex.Number) decimal.Decimal {
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func numberPtr(n *wallex.Number) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	return number(*n)
}
