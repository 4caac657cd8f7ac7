package types

import (
	"fmt"

	"cosmossdk.io/math"
)

// Side represents order side
type Side int

const (
	SideUnspecified Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNSPECIFIED"
	}
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SideFromString parses a wire-format side.
func SideFromString(s string) (Side, error) {
	switch s {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return SideUnspecified, fmt.Errorf("invalid side: %q", s)
	}
}

// OrderType represents order type
type OrderType int

const (
	OrderTypeUnspecified OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
	OrderTypeStop
	OrderTypeStopLimit
	OrderTypeTrailingStop
	OrderTypeIceberg
	OrderTypeTWAP
	OrderTypeVWAP
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeStop:
		return "STOP"
	case OrderTypeStopLimit:
		return "STOP_LIMIT"
	case OrderTypeTrailingStop:
		return "TRAILING_STOP"
	case OrderTypeIceberg:
		return "ICEBERG"
	case OrderTypeTWAP:
		return "TWAP"
	case OrderTypeVWAP:
		return "VWAP"
	default:
		return "UNSPECIFIED"
	}
}

// OrderTypeFromString parses a wire-format order type.
func OrderTypeFromString(s string) (OrderType, error) {
	switch s {
	case "LIMIT":
		return OrderTypeLimit, nil
	case "MARKET":
		return OrderTypeMarket, nil
	case "STOP":
		return OrderTypeStop, nil
	case "STOP_LIMIT":
		return OrderTypeStopLimit, nil
	case "TRAILING_STOP":
		return OrderTypeTrailingStop, nil
	case "ICEBERG":
		return OrderTypeIceberg, nil
	case "TWAP":
		return OrderTypeTWAP, nil
	case "VWAP":
		return OrderTypeVWAP, nil
	default:
		return OrderTypeUnspecified, fmt.Errorf("invalid order type: %q", s)
	}
}

// IsConditional returns true for order types that rest in the stop table
// instead of the book until their trigger price is crossed.
func (t OrderType) IsConditional() bool {
	return t == OrderTypeStop || t == OrderTypeStopLimit || t == OrderTypeTrailingStop
}

// IsAlgo returns true for order types executed as sliced child orders.
func (t OrderType) IsAlgo() bool {
	return t == OrderTypeTWAP || t == OrderTypeVWAP
}

// TimeInForce represents order time in force
type TimeInForce int

const (
	TimeInForceGTC TimeInForce = iota // Good Till Cancel (default)
	TimeInForceIOC                    // Immediate Or Cancel
	TimeInForceFOK                    // Fill Or Kill
)

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceIOC:
		return "IOC"
	case TimeInForceFOK:
		return "FOK"
	default:
		return "GTC"
	}
}

// TimeInForceFromString parses a wire-format TIF; empty means GTC.
func TimeInForceFromString(s string) (TimeInForce, error) {
	switch s {
	case "", "GTC":
		return TimeInForceGTC, nil
	case "IOC":
		return TimeInForceIOC, nil
	case "FOK":
		return TimeInForceFOK, nil
	default:
		return TimeInForceGTC, fmt.Errorf("invalid timeInForce: %q", s)
	}
}

// STPMode is the self-trade prevention policy applied when an incoming order
// would match one of the same user's resting orders.
type STPMode int

const (
	STPNone STPMode = iota
	STPExpireTaker
	STPExpireMaker
	STPExpireBoth
)

func (m STPMode) String() string {
	switch m {
	case STPExpireTaker:
		return "EXPIRE_TAKER"
	case STPExpireMaker:
		return "EXPIRE_MAKER"
	case STPExpireBoth:
		return "EXPIRE_BOTH"
	default:
		return "NONE"
	}
}

// STPModeFromString parses a wire-format STP mode; empty means NONE.
func STPModeFromString(s string) (STPMode, error) {
	switch s {
	case "", "NONE":
		return STPNone, nil
	case "EXPIRE_TAKER":
		return STPExpireTaker, nil
	case "EXPIRE_MAKER":
		return STPExpireMaker, nil
	case "EXPIRE_BOTH":
		return STPExpireBoth, nil
	default:
		return STPNone, fmt.Errorf("invalid selfTradePreventionMode: %q", s)
	}
}

// OrderStatus represents order status
type OrderStatus int

const (
	OrderStatusNew OrderStatus = iota
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusRejected
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "NEW"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCanceled:
		return "CANCELED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Expire/reject reasons attached to terminal orders.
const (
	ReasonInsufficientLiquidity = "INSUFFICIENT_LIQUIDITY"
	ReasonSelfTradePrevention   = "SELF_TRADE_PREVENTION"
	ReasonIOCUnfilled           = "IOC_UNFILLED"
	ReasonFOKInfeasible         = "FOK_INFEASIBLE"
)

// Order represents a trading order.
type Order struct {
	OrderID       string
	ClientOrderID string
	UserID        string
	Symbol        string
	Side          Side
	OrderType     OrderType
	Price         math.LegacyDec // limit price; nil for market orders
	StopPrice     math.LegacyDec // trigger price for STOP families; nil otherwise
	Quantity      math.LegacyDec
	QuoteOrderQty math.LegacyDec // market buy by quote amount; nil otherwise
	DisplayQty    math.LegacyDec // visible tranche for ICEBERG; nil otherwise
	FilledQty     math.LegacyDec
	TimeInForce   TimeInForce
	STPMode       STPMode
	Status        OrderStatus
	RejectReason  string
	CreateTime    int64 // ms, exchange clock
	UpdateTime    int64 // ms, exchange clock

	// TrailAmount / TrailPercent parameterize TRAILING_STOP orders. Exactly
	// one is set; the other is nil.
	TrailAmount  math.LegacyDec
	TrailPercent math.LegacyDec

	// MaxQuoteSpend caps the total quote a market-like buy sized in base
	// quantity may consume. Set from the buyer's locked and free quote at
	// admission so settlement can never overdraw the account; nil otherwise.
	MaxQuoteSpend math.LegacyDec
}

// NewOrder creates an order in status NEW. Timestamps come from the exchange
// clock, never the host clock.
func NewOrder(orderID, userID, symbol string, side Side, orderType OrderType, price, quantity math.LegacyDec, nowMS int64) *Order {
	return &Order{
		OrderID:    orderID,
		UserID:     userID,
		Symbol:     symbol,
		Side:       side,
		OrderType:  orderType,
		Price:      price,
		Quantity:   quantity,
		FilledQty:  math.LegacyZeroDec(),
		Status:     OrderStatusNew,
		CreateTime: nowMS,
		UpdateTime: nowMS,
	}
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() math.LegacyDec {
	return o.Quantity.Sub(o.FilledQty)
}

// IsFilled returns true if the order is completely filled.
func (o *Order) IsFilled() bool {
	return o.FilledQty.GTE(o.Quantity)
}

// IsActive returns true if the order can still be matched or canceled.
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

// Fill applies a fill of qty and advances the status machine.
func (o *Order) Fill(qty math.LegacyDec, nowMS int64) error {
	if qty.GT(o.RemainingQty()) {
		return fmt.Errorf("fill quantity %s exceeds remaining %s", qty, o.RemainingQty())
	}
	o.FilledQty = o.FilledQty.Add(qty)
	o.UpdateTime = nowMS
	if o.IsFilled() {
		o.Status = OrderStatusFilled
	} else if o.FilledQty.IsPositive() {
		o.Status = OrderStatusPartiallyFilled
	}
	return nil
}

// Cancel moves the order to CANCELED. Terminal orders are left untouched.
func (o *Order) Cancel(nowMS int64) bool {
	if o.Status.IsTerminal() {
		return false
	}
	o.Status = OrderStatusCanceled
	o.UpdateTime = nowMS
	return true
}

// Expire moves the order to EXPIRED with the given reason.
func (o *Order) Expire(reason string, nowMS int64) {
	o.Status = OrderStatusExpired
	o.RejectReason = reason
	o.UpdateTime = nowMS
}

// Reject moves the order to REJECTED with the given reason.
func (o *Order) Reject(reason string, nowMS int64) {
	o.Status = OrderStatusRejected
	o.RejectReason = reason
	o.UpdateTime = nowMS
}

// Trade represents an executed trade. Immutable once emitted.
type Trade struct {
	TradeID          string
	Symbol           string
	Price            math.LegacyDec
	Quantity         math.LegacyDec
	BuyerOrderID     string
	SellerOrderID    string
	BuyerUserID      string
	SellerUserID     string
	BuyerIsMaker     bool
	CommissionBuyer  math.LegacyDec // charged in base asset
	CommissionSeller math.LegacyDec // charged in quote asset
	Timestamp        int64          // ms, exchange clock
}

// NewTrade builds a trade from the taker and maker orders of a match.
func NewTrade(tradeID string, taker, maker *Order, price, qty, commissionBuyer, commissionSeller math.LegacyDec, nowMS int64) *Trade {
	t := &Trade{
		TradeID:          tradeID,
		Symbol:           taker.Symbol,
		Price:            price,
		Quantity:         qty,
		CommissionBuyer:  commissionBuyer,
		CommissionSeller: commissionSeller,
		Timestamp:        nowMS,
	}
	if taker.Side == SideBuy {
		t.BuyerOrderID = taker.OrderID
		t.BuyerUserID = taker.UserID
		t.SellerOrderID = maker.OrderID
		t.SellerUserID = maker.UserID
		t.BuyerIsMaker = false
	} else {
		t.BuyerOrderID = maker.OrderID
		t.BuyerUserID = maker.UserID
		t.SellerOrderID = taker.OrderID
		t.SellerUserID = taker.UserID
		t.BuyerIsMaker = true
	}
	return t
}

// Value returns price * quantity in the quote asset.
func (t *Trade) Value() math.LegacyDec {
	return t.Price.Mul(t.Quantity)
}
