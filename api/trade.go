package api

import (
	"encoding/json"
	"net/http"

	"cosmossdk.io/math"

	apitypes "github.com/openalpha/simexchange/api/types"
	"github.com/openalpha/simexchange/exchange/matching"
	extypes "github.com/openalpha/simexchange/exchange/types"
)

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleNewOrder(w, r, false)
	case http.MethodDelete:
		s.handleCancelOrder(w, r)
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, apitypes.CodeMandatoryParam, "Method not allowed.")
	}
}

func (s *Server) handleOrderTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, apitypes.CodeMandatoryParam, "Method not allowed.")
		return
	}
	s.handleNewOrder(w, r, true)
}

func (s *Server) handleNewOrder(w http.ResponseWriter, r *http.Request, testOnly bool) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !s.config.DisableRateLimit {
		if allowed, _ := s.limiter.AllowOrder(userID); !allowed {
			writeAPIError(w, http.StatusTooManyRequests, apitypes.CodeTooManyRequests,
				"Too many new orders.")
			return
		}
	}

	var req apitypes.NewOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam, "Invalid request body.")
		return
	}
	if !s.checkTimestamp(w, req.Timestamp, req.RecvWindow) {
		return
	}
	order, ok := s.orderFromRequest(w, &req, userID)
	if !ok {
		return
	}

	if testOnly {
		if err := s.ex.TestOrder(order); err != nil {
			writeExchangeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	trades, err := s.ex.PlaceOrder(order)
	if err != nil {
		writeExchangeError(w, err)
		return
	}
	resp := apitypes.FromOrder(order)
	resp.TransactTime = s.ex.ServerTime()
	resp.Fills = s.fillsFor(order, trades)
	writeJSON(w, http.StatusOK, resp)
}

// orderFromRequest validates and converts the wire order. On failure the
// error response has been written and ok is false.
func (s *Server) orderFromRequest(w http.ResponseWriter, req *apitypes.NewOrderRequest, userID string) (*extypes.Order, bool) {
	if req.Symbol == "" {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam, "Mandatory parameter 'symbol' was not sent.")
		return nil, false
	}
	if req.Side == "" {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam, "Mandatory parameter 'side' was not sent.")
		return nil, false
	}
	if req.Type == "" {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam, "Mandatory parameter 'type' was not sent.")
		return nil, false
	}
	if req.Quantity == "" && req.QuoteOrderQty == "" {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam, "Mandatory parameter 'quantity' was not sent.")
		return nil, false
	}

	side, err := extypes.SideFromString(req.Side)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeNewOrderRejected, err.Error())
		return nil, false
	}
	orderType, err := extypes.OrderTypeFromString(req.Type)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeNewOrderRejected, err.Error())
		return nil, false
	}
	tif, err := extypes.TimeInForceFromString(req.TimeInForce)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeNewOrderRejected, err.Error())
		return nil, false
	}
	stp, err := extypes.STPModeFromString(req.SelfTradePreventionMode)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeNewOrderRejected, err.Error())
		return nil, false
	}

	dec := func(field, value string) (math.LegacyDec, bool) {
		if value == "" {
			return math.LegacyDec{}, true
		}
		d, err := math.LegacyNewDecFromStr(value)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, apitypes.CodeNewOrderRejected,
				"Illegal characters found in parameter '"+field+"'.")
			return math.LegacyDec{}, false
		}
		return d, true
	}

	price, ok := dec("price", req.Price)
	if !ok {
		return nil, false
	}
	qty, ok := dec("quantity", req.Quantity)
	if !ok {
		return nil, false
	}
	order := extypes.NewOrder("", userID, req.Symbol, side, orderType, price, qty, 0)
	order.ClientOrderID = req.NewClientOrderID
	order.TimeInForce = tif
	order.STPMode = stp

	if order.QuoteOrderQty, ok = dec("quoteOrderQty", req.QuoteOrderQty); !ok {
		return nil, false
	}
	if order.StopPrice, ok = dec("stopPrice", req.StopPrice); !ok {
		return nil, false
	}
	if order.DisplayQty, ok = dec("icebergQty", req.IcebergQty); !ok {
		return nil, false
	}
	if order.TrailAmount, ok = dec("trailingDelta", req.TrailingDelta); !ok {
		return nil, false
	}
	if order.TrailPercent, ok = dec("trailingPercent", req.TrailingPercent); !ok {
		return nil, false
	}
	return order, true
}

// fillsFor renders the taker's view of each trade from a placement.
func (s *Server) fillsFor(order *extypes.Order, trades []*extypes.Trade) []apitypes.Fill {
	if len(trades) == 0 {
		return nil
	}
	info, err := s.ex.Symbols().Get(order.Symbol)
	if err != nil {
		return nil
	}
	fills := make([]apitypes.Fill, 0, len(trades))
	for _, t := range trades {
		f := apitypes.Fill{
			Price:   t.Price.String(),
			Qty:     t.Quantity.String(),
			TradeID: t.TradeID,
		}
		if order.Side == extypes.SideBuy {
			f.Commission = t.CommissionBuyer.String()
			f.CommissionAsset = info.BaseAsset
		} else {
			f.Commission = t.CommissionSeller.String()
			f.CommissionAsset = info.QuoteAsset
		}
		fills = append(fills, f)
	}
	return fills
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	timestamp, recvWindow := queryTimestamp(r)
	if !s.checkTimestamp(w, timestamp, recvWindow) {
		return
	}
	symbol := q.Get("symbol")
	if symbol == "" {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam, "Mandatory parameter 'symbol' was not sent.")
		return
	}
	orderID := q.Get("orderId")
	clientOrderID := q.Get("origClientOrderId")
	if orderID == "" && clientOrderID == "" {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam,
			"Param 'orderId' or 'origClientOrderId' must be sent, but both were empty/null!")
		return
	}

	restriction := matching.RestrictionNone
	switch q.Get("cancelRestrictions") {
	case "":
	case "ONLY_NEW":
		restriction = matching.RestrictionOnlyNew
	case "ONLY_PARTIALLY_FILLED":
		restriction = matching.RestrictionOnlyPartiallyFilled
	default:
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeCancelRejected, "Invalid cancelRestrictions.")
		return
	}

	order, err := s.ex.CancelOrder(userID, symbol, orderID, clientOrderID, restriction)
	if err != nil {
		writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apitypes.FromOrder(order))
}
