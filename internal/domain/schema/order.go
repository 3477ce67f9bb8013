package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// OrderStatus enumerates persisted order states. Broker values are upper-cased verbatim.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusTransit    OrderStatus = "TRANSIT"
	OrderStatusPartTraded OrderStatus = "PART_TRADED"
	OrderStatusTraded     OrderStatus = "TRADED"
	OrderStatusComplete   OrderStatus = "COMPLETE"
	OrderStatusExecuted   OrderStatus = "EXECUTED"
	OrderStatusRejected   OrderStatus = "REJECTED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusExpired    OrderStatus = "EXPIRED"
	OrderStatusError      OrderStatus = "ERROR"
)

// NormalizeStatus upper-cases and trims a broker status.
func NormalizeStatus(raw string) OrderStatus {
	return OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
}

// Syncable reports whether the order still awaits a terminal broker state.
func (s OrderStatus) Syncable() bool {
	return s == OrderStatusPending || s == OrderStatusTransit
}

// SyncableStatuses lists the statuses picked up by bulk reconciliation.
func SyncableStatuses() []OrderStatus {
	return []OrderStatus{OrderStatusPending, OrderStatusTransit}
}

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is recognised.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType is the broker price type.
type OrderType string

const (
	OrderTypeMarket         OrderType = "MARKET"
	OrderTypeLimit          OrderType = "LIMIT"
	OrderTypeStopLoss       OrderType = "STOP_LOSS"
	OrderTypeStopLossMarket OrderType = "STOP_LOSS_MARKET"
)

// Valid reports whether the order type is recognised.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLoss, OrderTypeStopLossMarket:
		return true
	default:
		return false
	}
}

// ProductType is the broker product classification.
type ProductType string

const (
	ProductCNC      ProductType = "CNC"
	ProductIntraday ProductType = "INTRADAY"
	ProductMargin   ProductType = "MARGIN"
)

// OrderSpec is a caller's order placement request.
type OrderSpec struct {
	UserID        string          `json:"userId"`
	Symbol        string          `json:"symbol"`
	Key           InstrumentKey   `json:"key"`
	Quantity      int64           `json:"quantity"`
	Side          Side            `json:"side"`
	OrderType     OrderType       `json:"orderType"`
	ProductType   ProductType     `json:"productType"`
	Price         decimal.Decimal `json:"price"`
	TriggerPrice  decimal.Decimal `json:"triggerPrice"`
	Validity      string          `json:"validity,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// PlacementResult is the broker's response to an order placement.
type PlacementResult struct {
	BrokerOrderID string          `json:"orderId"`
	Status        OrderStatus     `json:"orderStatus"`
	Mock          bool            `json:"mock,omitempty"`
	Fallback      bool            `json:"fallback,omitempty"`
	Message       string          `json:"message,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// PersistedOrder is the local record of a placed order.
type PersistedOrder struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	Symbol           string           `json:"symbol"`
	Key              InstrumentKey    `json:"key"`
	Quantity         int64            `json:"quantity"`
	Side             Side             `json:"side"`
	OrderType        OrderType        `json:"orderType"`
	ProductType      ProductType      `json:"productType"`
	Price            decimal.Decimal  `json:"price"`
	Status           OrderStatus      `json:"status"`
	BrokerOrderID    string           `json:"brokerOrderId,omitempty"`
	ExecutedQuantity *int64           `json:"executedQuantity,omitempty"`
	ExecutedPrice    *decimal.Decimal `json:"executedPrice,omitempty"`
	RejectionReason  string           `json:"rejectionReason,omitempty"`
	ErrorCode        string           `json:"errorCode,omitempty"`
	FailureReason    string           `json:"failureReason,omitempty"`
	LastSyncedAt     *time.Time       `json:"lastSyncedAt,omitempty"`
	RawResponse      json.RawMessage  `json:"rawResponse,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// OrderChanges holds only the fields reconciliation decided to write.
type OrderChanges struct {
	Status           *OrderStatus
	ExecutedQuantity *int64
	ExecutedPrice    *decimal.Decimal
	RejectionReason  *string
	ErrorCode        *string
	FailureReason    *string
	SyncedAt         time.Time
	RawResponse      json.RawMessage
}

// Empty reports whether no tracked field changed.
func (c OrderChanges) Empty() bool {
	return len(c.Fields()) == 0
}

// Fields lists the names of the changed tracked fields.
func (c OrderChanges) Fields() []string {
	fields := make([]string, 0, 6)
	if c.Status != nil {
		fields = append(fields, "status")
	}
	if c.ExecutedQuantity != nil {
		fields = append(fields, "executed_quantity")
	}
	if c.ExecutedPrice != nil {
		fields = append(fields, "executed_price")
	}
	if c.RejectionReason != nil {
		fields = append(fields, "rejection_reason")
	}
	if c.ErrorCode != nil {
		fields = append(fields, "error_code")
	}
	if c.FailureReason != nil {
		fields = append(fields, "failure_reason")
	}
	return fields
}

// Apply writes the changes onto an order copy.
func (c OrderChanges) Apply(order *PersistedOrder) {
	if order == nil {
		return
	}
	if c.Status != nil {
		order.Status = *c.Status
	}
	if c.ExecutedQuantity != nil {
		qty := *c.ExecutedQuantity
		order.ExecutedQuantity = &qty
	}
	if c.ExecutedPrice != nil {
		price := *c.ExecutedPrice
		order.ExecutedPrice = &price
	}
	if c.RejectionReason != nil {
		order.RejectionReason = *c.RejectionReason
	}
	if c.ErrorCode != nil {
		order.ErrorCode = *c.ErrorCode
	}
	if c.FailureReason != nil {
		order.FailureReason = *c.FailureReason
	}
	if !c.SyncedAt.IsZero() {
		synced := c.SyncedAt
		order.LastSyncedAt = &synced
		order.UpdatedAt = synced
	}
	if len(c.RawResponse) > 0 {
		order.RawResponse = append(json.RawMessage(nil), c.RawResponse...)
	}
}
