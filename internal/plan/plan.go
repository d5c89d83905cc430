// Package plan
package plan

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Role identifies the purpose of an order within a trade plan.
type Role string

const (
	RoleEntry1   Role = "entry1"
	RoleEntry2   Role = "entry2"
	RoleStopLoss Role = "stop_loss"
)

// TargetRole returns the role for the i-th take-profit order (0-based).
func TargetRole(i int) Role {
	return Role(fmt.Sprintf("target_%d", i+1))
}

// IsEntry reports whether the role is one of the entry legs.
func (r Role) IsEntry() bool {
	return r == RoleEntry1 || r == RoleEntry2
}

// IsTarget reports whether the role is a take-profit leg.
func (r Role) IsTarget() bool {
	return len(r) > 7 && r[:7] == "target_"
}

// OrderSpec is one order of a trade plan.
type OrderSpec struct {
	Role      Role
	Side      string // "buy" or "sell"
	Type      string // "limit" or "stop-limit"
	Price     decimal.Decimal
	StopPrice decimal.Decimal // set for stop-limit specs only
	Quantity  decimal.Decimal
}

// TradePlan is the immutable, ordered set of orders derived from one signal:
// entries first, then the stop loss, then the take-profit ladder.
type TradePlan struct {
	Symbol        string
	Orders        []OrderSpec
	PlannedEntry  decimal.Decimal // weighted-average entry used for target pricing
	TotalQuantity decimal.Decimal
}

// Entries returns the entry order specs.
func (p TradePlan) Entries() []OrderSpec {
	var out []OrderSpec
	for _, o := range p.Orders {
		if o.Role.IsEntry() {
			out = append(out, o)
		}
	}
	return out
}

// Exits returns the stop-loss and take-profit specs.
func (p TradePlan) Exits() []OrderSpec {
	var out []OrderSpec
	for _, o := range p.Orders {
		if !o.Role.IsEntry() {
			out = append(out, o)
		}
	}
	return out
}

// Find returns the spec with the given role.
func (p TradePlan) Find(role Role) (OrderSpec, bool) {
	for _, o := range p.Orders {
		if o.Role == role {
			return o, true
		}
	}
	return OrderSpec{}, false
}

// PlanError reports an inconsistency that makes a signal unexecutable.
type PlanError struct {
	Reason string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("plan: %s", e.Reason)
}
