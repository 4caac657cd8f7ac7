package api

import (
	"net/http"
	"strconv"

	apitypes "github.com/openalpha/simexchange/api/types"
	"github.com/openalpha/simexchange/exchange/core"
)

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, apitypes.CodeMandatoryParam, "Method not allowed.")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, apitypes.CodeMandatoryParam, "Method not allowed.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"serverTime": s.ex.ServerTime()})
}

func (s *Server) handleExchangeInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, apitypes.CodeMandatoryParam, "Method not allowed.")
		return
	}
	infos := s.ex.Symbols().List()
	symbols := make([]apitypes.SymbolDescriptor, 0, len(infos))
	for _, info := range infos {
		symbols = append(symbols, apitypes.FromSymbolInfo(info))
	}
	writeJSON(w, http.StatusOK, &apitypes.ExchangeInfoResponse{
		Timezone:   "UTC",
		ServerTime: s.ex.ServerTime(),
		Symbols:    symbols,
	})
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, apitypes.CodeMandatoryParam, "Method not allowed.")
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam, "Mandatory parameter 'symbol' was not sent.")
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	bids, asks, err := s.ex.Depth(symbol, limit)
	if err != nil {
		writeExchangeError(w, err)
		return
	}
	resp := &apitypes.DepthResponse{
		LastUpdateID: s.ex.ServerTime(),
		Bids:         make([][2]string, 0, len(bids)),
		Asks:         make([][2]string, 0, len(asks)),
	}
	for _, lvl := range bids {
		resp.Bids = append(resp.Bids, [2]string{lvl.Price.String(), lvl.Qty.String()})
	}
	for _, lvl := range asks {
		resp.Asks = append(resp.Asks, [2]string{lvl.Price.String(), lvl.Qty.String()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, apitypes.CodeMandatoryParam, "Method not allowed.")
		return
	}
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam, "Mandatory parameter 'symbol' was not sent.")
		return
	}
	interval := q.Get("interval")
	if interval == "" {
		writeAPIError(w, http.StatusBadRequest, apitypes.CodeMandatoryParam, "Mandatory parameter 'interval' was not sent.")
		return
	}
	startTime, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	endTime, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
	limit := 500
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	klines, err := s.ex.Klines(symbol, core.KlineInterval(interval), startTime, endTime, limit)
	if err != nil {
		writeExchangeError(w, err)
		return
	}
	// Binance kline rows are positional arrays.
	rows := make([][]any, 0, len(klines))
	for _, k := range klines {
		rows = append(rows, []any{
			k.OpenTime,
			k.Open.String(),
			k.High.String(),
			k.Low.String(),
			k.Close.String(),
			k.Volume.String(),
			k.CloseTime,
			k.Turnover.String(),
			k.TradeCount,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}
