package api

import (
	"net/http"
	"sort"
	"strconv"

	apitypes "github.com/openalpha/simexchange/api/types"
)

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, apitypes.CodeMandatoryParam, "Method not allowed.")
		return
	}
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	timestamp, recvWindow := queryTimestamp(r)
	if !s.checkTimestamp(w, timestamp, recvWindow) {
		return
	}

	balances, err := s.ex.AccountSnapshot(userID)
	if err != nil {
		writeExchangeError(w, err)
		return
	}
	assets := make([]string, 0, len(balances))
	for asset := range balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	resp := &apitypes.AccountResponse{
		CanTrade:   true,
		UpdateTime: s.ex.ServerTime(),
		Balances:   make([]apitypes.BalanceEntry, 0, len(assets)),
	}
	for _, asset := range assets {
		b := balances[asset]
		resp.Balances = append(resp.Balances, apitypes.BalanceEntry{
			Asset:  asset,
			Free:   b.Free.String(),
			Locked: b.Locked.String(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, apitypes.CodeMandatoryParam, "Method not allowed.")
		return
	}
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	timestamp, recvWindow := queryTimestamp(r)
	if !s.checkTimestamp(w, timestamp, recvWindow) {
		return
	}

	orders := s.ex.OpenOrders(userID, r.URL.Query().Get("symbol"))
	resp := make([]*apitypes.OrderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, apitypes.FromOrder(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMyTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, apitypes.CodeMandatoryParam, "Method not allowed.")
		return
	}
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	timestamp, recvWindow := queryTimestamp(r)
	if !s.checkTimestamp(w, timestamp, recvWindow) {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam, "Mandatory parameter 'symbol' was not sent.")
		return
	}
	info, err := s.ex.Symbols().Get(symbol)
	if err != nil {
		writeExchangeError(w, err)
		return
	}
	limit := 500
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	trades := s.ex.MyTrades(userID, symbol, limit)
	resp := make([]*apitypes.TradeResponse, 0, len(trades))
	for _, t := range trades {
		resp = append(resp, apitypes.FromTrade(t, userID, info))
	}
	writeJSON(w, http.StatusOK, resp)
}
