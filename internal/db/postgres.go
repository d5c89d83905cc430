package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/galaxyonymous/discord-trading-bot/internal/db/conf"
	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/journal"
	"github.com/galaxyonymous/discord-trading-bot/internal/plan"
	"github.com/galaxyonymous/discord-trading-bot/internal/signal"
	"github.com/galaxyonymous/discord-trading-bot/internal/trade"
	_ "github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	return &Default{db: c.DB}, nil
}

// Open connects with a plain connection string and pings.
func Open(connStr string) (*Default, error) {
	dbConn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := dbConn.Ping(); err != nil {
		dbConn.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Default{db: dbConn}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

func (p *Default) SaveOrder(ctx context.Context, tradeID string, o exchange.Order) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (order_id, trade_id, symbol, side, type, price, quantity, status, filled_qty, avg_price, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (order_id) DO UPDATE SET status=EXCLUDED.status, filled_qty=EXCLUDED.filled_qty, avg_price=EXCLUDED.avg_price, updated_at=EXCLUDED.updated_at`,
			o.OrderID, tradeID, o.Symbol, o.Side, o.Type, o.Price, o.Quantity, string(o.Status), o.FilledQty, o.AvgPrice, o.Timestamp, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save order: %w", err)
		}
		return nil
	})
}

func (p *Default) GetOrder(ctx context.Context, orderID string) (*exchange.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT order_id, symbol, side, type, price, quantity, status, filled_qty, avg_price, created_at, updated_at FROM orders WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	if rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		return &o, nil
	}
	return nil, nil
}

func (p *Default) GetOpenOrders(ctx context.Context) ([]exchange.Order, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT order_id, symbol, side, type, price, quantity, status, filled_qty, avg_price, created_at, updated_at FROM orders WHERE status NOT IN ('FILLED', 'CANCELED', 'REJECTED')`)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var orders []exchange.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func scanOrder(rows *sql.Rows) (exchange.Order, error) {
	var o exchange.Order
	var status string
	if err := rows.Scan(&o.OrderID, &o.Symbol, &o.Side, &o.Type, &o.Price, &o.Quantity, &status, &o.FilledQty, &o.AvgPrice, &o.Timestamp, &o.UpdatedAt); err != nil {
		return exchange.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}
	o.Status = exchange.OrderStatus(status)
	o.Timestamp = o.Timestamp.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func (p *Default) SaveTrade(ctx context.Context, t trade.Trade) error {
	sigJSON, err := json.Marshal(t.Signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal for trade %s: %w", t.ID, err)
	}
	planJSON, err := json.Marshal(t.Plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan for trade %s: %w", t.ID, err)
	}

	var closedAt sql.NullTime
	if !t.ClosedAt.IsZero() {
		closedAt = sql.NullTime{Time: t.ClosedAt, Valid: true}
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO trades (id, symbol, state, exit_reason, fail_reason, filled_qty, sold_qty, avg_entry, signal, plan, created_at, updated_at, closed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (id) DO UPDATE SET state=EXCLUDED.state, exit_reason=EXCLUDED.exit_reason, fail_reason=EXCLUDED.fail_reason,
				filled_qty=EXCLUDED.filled_qty, sold_qty=EXCLUDED.sold_qty, avg_entry=EXCLUDED.avg_entry, updated_at=EXCLUDED.updated_at, closed_at=EXCLUDED.closed_at`,
			t.ID, t.Symbol, string(t.State), string(t.ExitReason), t.FailReason, t.FilledQty, t.SoldQty, t.AvgEntry, sigJSON, planJSON, t.CreatedAt, t.UpdatedAt, closedAt)
		if err != nil {
			return fmt.Errorf("failed to save trade %s: %w", t.ID, err)
		}
		return nil
	})
}

func (p *Default) GetTrade(ctx context.Context, tradeID string) (*trade.Trade, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT id, symbol, state, exit_reason, fail_reason, filled_qty, sold_qty, avg_entry, signal, plan, created_at, updated_at, closed_at FROM trades WHERE id=$1`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	if rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	return nil, nil
}

func (p *Default) GetTradesBetween(ctx context.Context, start, end time.Time) ([]trade.Trade, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT id, symbol, state, exit_reason, fail_reason, filled_qty, sold_qty, avg_entry, signal, plan, created_at, updated_at, closed_at FROM trades WHERE created_at >= $1 AND created_at <= $2 ORDER BY created_at ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var trades []trade.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func scanTrade(rows *sql.Rows) (trade.Trade, error) {
	var t trade.Trade
	var state, exitReason string
	var sigJSON, planJSON []byte
	var closedAt sql.NullTime

	if err := rows.Scan(&t.ID, &t.Symbol, &state, &exitReason, &t.FailReason, &t.FilledQty, &t.SoldQty, &t.AvgEntry, &sigJSON, &planJSON, &t.CreatedAt, &t.UpdatedAt, &closedAt); err != nil {
		return trade.Trade{}, fmt.Errorf("failed to scan trade: %w", err)
	}
	t.State = trade.State(state)
	t.ExitReason = trade.ExitReason(exitReason)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if closedAt.Valid {
		t.ClosedAt = closedAt.Time.UTC()
	}

	var sig signal.Signal
	if err := json.Unmarshal(sigJSON, &sig); err != nil {
		return trade.Trade{}, fmt.Errorf("failed to unmarshal signal for trade %s: %w", t.ID, err)
	}
	t.Signal = sig

	var pl plan.TradePlan
	if err := json.Unmarshal(planJSON, &pl); err != nil {
		return trade.Trade{}, fmt.Errorf("failed to unmarshal plan for trade %s: %w", t.ID, err)
	}
	t.Plan = pl

	return t, nil
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, _ := json.Marshal(event.Data)
		_, err := tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time <= $3 ORDER BY time ASC`, eventType, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Time = e.Time.UTC()
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, nil
}

// DeleteEvents removes old journal entries of a type.
func (p *Default) DeleteEvents(ctx context.Context, eventType string, before time.Time) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM events WHERE type=$1 AND time < $2`, eventType, before)
		if err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
		return nil
	})
}
