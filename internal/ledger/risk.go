package ledger

import (
	"fmt"
	"math"

	"quantlab/internal/domain"
)

// RejectError is returned when an order fails a pre-trade risk rule.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "order rejected: " + e.Reason
	}
	return fmt.Sprintf("order rejected: %s: %s", e.Reason, e.Detail)
}

// RiskManager enforces pre-trade risk rules such as position sizing limits
// and short-selling permission.
type RiskManager struct {
	maxPositionPct float64
	allowShort     bool
}

// NewRiskManager creates a RiskManager with the specified thresholds.
//
//   - maxPositionPct: maximum fraction of equity allowed in a single position
//     (e.g. 0.10 for 10%). Zero disables the check.
//   - allowShort: whether orders may open or grow a short position.
func NewRiskManager(maxPositionPct float64, allowShort bool) *RiskManager {
	return &RiskManager{
		maxPositionPct: maxPositionPct,
		allowShort:     allowShort,
	}
}

// CheckOrder evaluates whether the order's remaining quantity, valued at
// price, complies with the configured limits given the current position and
// account state. Orders that only reduce exposure always pass.
func (rm *RiskManager) CheckOrder(order *domain.Order, price, positionQty float64, account domain.AccountInfo) error {
	qty := order.Remaining()
	if qty <= 0 || price <= 0 {
		return &RejectError{Reason: domain.RejectInvalidOrder, Detail: "non-positive quantity or price"}
	}
	after := positionQty + order.Side.Sign()*qty
	if math.Abs(after) <= math.Abs(positionQty) {
		return nil
	}
	if !rm.allowShort && after < -domain.QtyEpsilon {
		return &RejectError{Reason: domain.RejectShortNotAllowed}
	}
	if rm.maxPositionPct > 0 {
		limit := rm.maxPositionPct * account.Equity
		if notional := math.Abs(after) * price; notional > limit+1e-9 {
			return &RejectError{
				Reason: domain.RejectMaxPositionSize,
				Detail: fmt.Sprintf("position notional %.2f exceeds limit %.2f", notional, limit),
			}
		}
	}
	if added := (math.Abs(after) - math.Abs(positionQty)) * price; added > account.BuyingPower+1e-9 {
		return &RejectError{
			Reason: domain.RejectBuyingPower,
			Detail: fmt.Sprintf("needs %.2f, buying power %.2f", added, account.BuyingPower),
		}
	}
	return nil
}
