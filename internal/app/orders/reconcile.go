package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sng-aditya/AvanceAI-sub000/internal/domain/schema"
	"github.com/sng-aditya/AvanceAI-sub000/internal/infra/adapters/dhan"
)

// Broker field names, in precedence order.
var (
	statusFields        = []string{"orderStatus", "status"}
	filledFields        = []string{"filledQty", "executedQuantity"}
	remainingFields     = []string{"remainingQuantity"}
	priceFields         = []string{"averageTradedPrice", "tradedPrice"}
	rejectionFields     = []string{"omsErrorDescription", "rejectionReason"}
	errorCodeFields     = []string{"omsErrorCode", "errorCode"}
	failureReasonFields = []string{"failureReason"}
)

// ComputeChanges diffs the broker's view of an order against the local
// record. Only fields whose value differs are set; when any is set the
// change also carries syncedAt and the raw broker payload.
func ComputeChanges(order schema.PersistedOrder, detail dhan.OrderDetail, syncedAt time.Time) schema.OrderChanges {
	var changes schema.OrderChanges

	status := order.Status
	if raw, ok := detail.Text(statusFields...); ok {
		status = schema.NormalizeStatus(raw)
	}
	if status != order.Status {
		changes.Status = &status
	}

	// An unset local fill reads as zero, so an untouched order stays quiet.
	if qty, ok := executedQuantity(order, detail); ok {
		var current int64
		if order.ExecutedQuantity != nil {
			current = *order.ExecutedQuantity
		}
		if current != qty {
			changes.ExecutedQuantity = &qty
		}
	}

	if price, ok := detail.Number(priceFields...); ok {
		current := decimal.Zero
		if order.ExecutedPrice != nil {
			current = *order.ExecutedPrice
		}
		if !current.Equal(price) {
			changes.ExecutedPrice = &price
		}
	}

	changes.RejectionReason = textChange(order.RejectionReason, detail, rejectionFields)
	changes.ErrorCode = textChange(order.ErrorCode, detail, errorCodeFields)
	changes.FailureReason = textChange(order.FailureReason, detail, failureReasonFields)

	if !changes.Empty() {
		changes.SyncedAt = syncedAt
		changes.RawResponse = detail.Raw
	}
	return changes
}

// executedQuantity resolves filled, then executed, then requested minus
// remaining. It reports false when the broker carries none of them.
func executedQuantity(order schema.PersistedOrder, detail dhan.OrderDetail) (int64, bool) {
	if n, ok := detail.Number(filledFields...); ok {
		return wholeUnits(n), true
	}
	if remaining, ok := detail.Number(remainingFields...); ok {
		qty := order.Quantity - wholeUnits(remaining)
		if qty < 0 {
			qty = 0
		}
		return qty, true
	}
	return 0, false
}

func wholeUnits(n decimal.Decimal) int64 {
	return n.Truncate(0).IntPart()
}

func textChange(current string, detail dhan.OrderDetail, keys []string) *string {
	value, ok := detail.Text(keys...)
	if !ok || value == current {
		return nil
	}
	return &value
}
