package types

import (
	extypes "github.com/openalpha/simexchange/exchange/types"
)

// Stable error codes of the REST surface. Every error response is the
// {code, msg} envelope with one of these codes.
const (
	CodeTooManyRequests  = -1003
	CodeTimestampSkew    = -1021
	CodeMandatoryParam   = -1102
	CodeInvalidSymbol    = -1121
	CodeNewOrderRejected = -2010
	CodeCancelRejected   = -2011
	CodeOrderNotFound    = -2013
	CodeMissingAPIKey    = -2014
	CodeRejectedAPIKey   = -2015
)

// Error is the envelope for every non-2xx response.
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// NewOrderRequest is the JSON body of POST /api/v3/order and /order/test.
type NewOrderRequest struct {
	Symbol                  string `json:"symbol"`
	Side                    string `json:"side"`
	Type                    string `json:"type"`
	TimeInForce             string `json:"timeInForce,omitempty"`
	Quantity                string `json:"quantity,omitempty"`
	QuoteOrderQty           string `json:"quoteOrderQty,omitempty"`
	Price                   string `json:"price,omitempty"`
	StopPrice               string `json:"stopPrice,omitempty"`
	IcebergQty              string `json:"icebergQty,omitempty"`
	TrailingDelta           string `json:"trailingDelta,omitempty"`
	TrailingPercent         string `json:"trailingPercent,omitempty"`
	NewClientOrderID        string `json:"newClientOrderId,omitempty"`
	SelfTradePreventionMode string `json:"selfTradePreventionMode,omitempty"`
	Timestamp               int64  `json:"timestamp"`
	RecvWindow              int64  `json:"recvWindow,omitempty"`
}

// OrderResponse mirrors one order on the wire.
type OrderResponse struct {
	Symbol                  string `json:"symbol"`
	OrderID                 string `json:"orderId"`
	ClientOrderID           string `json:"clientOrderId,omitempty"`
	TransactTime            int64  `json:"transactTime,omitempty"`
	Price                   string `json:"price,omitempty"`
	StopPrice               string `json:"stopPrice,omitempty"`
	OrigQty                 string `json:"origQty,omitempty"`
	ExecutedQty             string `json:"executedQty"`
	QuoteOrderQty           string `json:"quoteOrderQty,omitempty"`
	IcebergQty              string `json:"icebergQty,omitempty"`
	Status                  string `json:"status"`
	RejectReason            string `json:"rejectReason,omitempty"`
	TimeInForce             string `json:"timeInForce"`
	Type                    string `json:"type"`
	Side                    string `json:"side"`
	SelfTradePreventionMode string `json:"selfTradePreventionMode,omitempty"`
	Time                    int64  `json:"time"`
	UpdateTime              int64  `json:"updateTime"`
	Fills                   []Fill `json:"fills,omitempty"`
}

// Fill is the per-trade detail attached to a placement response.
type Fill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	TradeID         string `json:"tradeId"`
}

// TradeResponse mirrors one executed trade for GET /myTrades.
type TradeResponse struct {
	Symbol          string `json:"symbol"`
	ID              string `json:"id"`
	OrderID         string `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
	IsMaker         bool   `json:"isMaker"`
}

// BalanceEntry is one asset line in GET /account.
type BalanceEntry struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// AccountResponse is the body of GET /account.
type AccountResponse struct {
	CanTrade   bool           `json:"canTrade"`
	UpdateTime int64          `json:"updateTime"`
	Balances   []BalanceEntry `json:"balances"`
}

// DepthResponse is the body of GET /depth.
type DepthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// SymbolDescriptor is one symbol entry in GET /exchangeInfo.
type SymbolDescriptor struct {
	Symbol         string   `json:"symbol"`
	Status         string   `json:"status"`
	BaseAsset      string   `json:"baseAsset"`
	QuoteAsset     string   `json:"quoteAsset"`
	PricePrecision int      `json:"pricePrecision"`
	QtyPrecision   int      `json:"qtyPrecision"`
	MinQty         string   `json:"minQty"`
	MinNotional    string   `json:"minNotional"`
	MakerFeeRate   string   `json:"makerFeeRate"`
	TakerFeeRate   string   `json:"takerFeeRate"`
	OrderTypes     []string `json:"orderTypes"`
}

// ExchangeInfoResponse is the body of GET /exchangeInfo.
type ExchangeInfoResponse struct {
	Timezone   string             `json:"timezone"`
	ServerTime int64              `json:"serverTime"`
	Symbols    []SymbolDescriptor `json:"symbols"`
}

// FromOrder converts a core order into its wire form.
func FromOrder(o *extypes.Order) *OrderResponse {
	resp := &OrderResponse{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		ExecutedQty:   o.FilledQty.String(),
		Status:        o.Status.String(),
		RejectReason:  o.RejectReason,
		TimeInForce:   o.TimeInForce.String(),
		Type:          o.OrderType.String(),
		Side:          o.Side.String(),
		Time:          o.CreateTime,
		UpdateTime:    o.UpdateTime,
	}
	if !o.Price.IsNil() {
		resp.Price = o.Price.String()
	}
	if !o.StopPrice.IsNil() {
		resp.StopPrice = o.StopPrice.String()
	}
	if !o.Quantity.IsNil() {
		resp.OrigQty = o.Quantity.String()
	}
	if !o.QuoteOrderQty.IsNil() {
		resp.QuoteOrderQty = o.QuoteOrderQty.String()
	}
	if !o.DisplayQty.IsNil() {
		resp.IcebergQty = o.DisplayQty.String()
	}
	if o.STPMode != extypes.STPNone {
		resp.SelfTradePreventionMode = o.STPMode.String()
	}
	return resp
}

// FromTrade converts a trade into the view of one participant.
func FromTrade(t *extypes.Trade, userID string, info *extypes.SymbolInfo) *TradeResponse {
	resp := &TradeResponse{
		Symbol:   t.Symbol,
		ID:       t.TradeID,
		Price:    t.Price.String(),
		Qty:      t.Quantity.String(),
		QuoteQty: t.Value().String(),
		Time:     t.Timestamp,
	}
	if t.BuyerUserID == userID {
		resp.OrderID = t.BuyerOrderID
		resp.IsBuyer = true
		resp.IsMaker = t.BuyerIsMaker
		resp.Commission = t.CommissionBuyer.String()
		resp.CommissionAsset = info.BaseAsset
	} else {
		resp.OrderID = t.SellerOrderID
		resp.IsMaker = !t.BuyerIsMaker
		resp.Commission = t.CommissionSeller.String()
		resp.CommissionAsset = info.QuoteAsset
	}
	return resp
}

// FromSymbolInfo converts a registered symbol into its wire form.
func FromSymbolInfo(info *extypes.SymbolInfo) SymbolDescriptor {
	return SymbolDescriptor{
		Symbol:         info.Symbol,
		Status:         "TRADING",
		BaseAsset:      info.BaseAsset,
		QuoteAsset:     info.QuoteAsset,
		PricePrecision: info.PricePrecision,
		QtyPrecision:   info.QtyPrecision,
		MinQty:         info.MinQty.String(),
		MinNotional:    info.MinNotional.String(),
		MakerFeeRate:   info.MakerFeeRate.String(),
		TakerFeeRate:   info.TakerFeeRate.String(),
		OrderTypes: []string{
			"LIMIT", "MARKET", "STOP", "STOP_LIMIT", "TRAILING_STOP",
			"ICEBERG", "TWAP", "VWAP",
		},
	}
}
