// Package db
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/journal"
	"github.com/galaxyonymous/discord-trading-bot/internal/trade"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB

	SaveOrder(ctx context.Context, tradeID string, o exchange.Order) error
	GetOrder(ctx context.Context, orderID string) (*exchange.Order, error)
	GetOpenOrders(ctx context.Context) ([]exchange.Order, error)

	SaveTrade(ctx context.Context, t trade.Trade) error
	GetTrade(ctx context.Context, tradeID string) (*trade.Trade, error)
	GetTradesBetween(ctx context.Context, start, end time.Time) ([]trade.Trade, error)

	journal.Journaler
}
