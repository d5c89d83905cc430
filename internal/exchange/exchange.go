// Package exchange
package exchange

import (
	"context"
)

// Exchange is the capability interface consumed by the trading core.
// One adapter per backend; the core never depends on backend-specific types.
type Exchange interface {
	Name() string
	FetchBalance(ctx context.Context, asset string) (Balance, error)
	FetchMarketRules(ctx context.Context, symbol string) (MarketRules, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (Order, error)
}
