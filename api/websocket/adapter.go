package websocket

import (
	"cosmossdk.io/log"

	apitypes "github.com/openalpha/simexchange/api/types"
	"github.com/openalpha/simexchange/exchange/core"
	"github.com/openalpha/simexchange/exchange/events"
	extypes "github.com/openalpha/simexchange/exchange/types"
)

// BusAdapter bridges the internal event bus to WS streams: MARKET and FILL
// events feed the market streams, ORDER and FILL the user streams. It holds
// the only wildcard subscription in the process.
type BusAdapter struct {
	logger log.Logger
	hub    *Hub
	ex     *core.Exchange
	bus    *events.Bus
	subID  string
}

func NewBusAdapter(logger log.Logger, hub *Hub, ex *core.Exchange, bus *events.Bus) *BusAdapter {
	return &BusAdapter{
		logger: logger.With("module", "ws-adapter"),
		hub:    hub,
		ex:     ex,
		bus:    bus,
	}
}

// Attach subscribes the adapter to the bus. Runs at background priority so
// core consumers see every event first.
func (a *BusAdapter) Attach() {
	a.subID = a.bus.Subscribe(events.Wildcard, a.handle,
		events.WithPriority(events.PriorityBackground))
}

// Detach removes the bus subscription.
func (a *BusAdapter) Detach() {
	if a.subID != "" {
		a.bus.Unsubscribe(a.subID)
		a.subID = ""
	}
}

func (a *BusAdapter) handle(ev *events.Event) error {
	switch ev.Type {
	case events.EventMarket:
		if p, ok := ev.Payload.(*events.MarketPayload); ok {
			a.pushMarketData(p.Symbol, ev.Timestamp)
		}
	case events.EventFill:
		if p, ok := ev.Payload.(*events.FillPayload); ok {
			a.pushTrade(&p.Trade, ev.Timestamp)
			a.pushMarketData(p.Trade.Symbol, ev.Timestamp)
		}
	case events.EventOrder:
		if p, ok := ev.Payload.(*events.OrderPayload); ok {
			a.pushExecutionReport(&p.Order, ev.Timestamp)
		}
	case events.EventAccount:
		if p, ok := ev.Payload.(*events.AccountPayload); ok {
			a.pushAccount(p, ev.Timestamp)
		}
	}
	return nil
}

type tradePush struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      string `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type depthPush struct {
	EventType string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
}

type klinePush struct {
	EventType string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     klineData `json:"k"`
}

type klineData struct {
	OpenTime   int64  `json:"t"`
	CloseTime  int64  `json:"T"`
	Interval   string `json:"i"`
	Open       string `json:"o"`
	High       string `json:"h"`
	Low        string `json:"l"`
	Close      string `json:"c"`
	Volume     string `json:"v"`
	Turnover   string `json:"q"`
	TradeCount int64  `json:"n"`
}

type executionReportPush struct {
	EventType string                  `json:"e"`
	EventTime int64                   `json:"E"`
	Order     *apitypes.OrderResponse `json:"o"`
}

type accountPush struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Asset     string `json:"a"`
	Free      string `json:"f"`
	Locked    string `json:"l"`
}

func (a *BusAdapter) pushTrade(trade *extypes.Trade, ts int64) {
	stream := trade.Symbol + "@trade"
	if !a.hub.HasSubscribers(stream) {
		return
	}
	a.hub.Broadcast(stream, &tradePush{
		EventType:    "trade",
		EventTime:    ts,
		Symbol:       trade.Symbol,
		TradeID:      trade.TradeID,
		Price:        trade.Price.String(),
		Quantity:     trade.Quantity.String(),
		TradeTime:    trade.Timestamp,
		BuyerIsMaker: trade.BuyerIsMaker,
	})
}

// pushMarketData refreshes the depth and kline streams of a symbol whose
// book or candles just changed.
func (a *BusAdapter) pushMarketData(symbol string, ts int64) {
	if stream := symbol + "@depth"; a.hub.HasSubscribers(stream) {
		bids, asks, err := a.ex.Depth(symbol, 20)
		if err == nil {
			p := &depthPush{EventType: "depthUpdate", EventTime: ts, Symbol: symbol}
			for _, lvl := range bids {
				p.Bids = append(p.Bids, [2]string{lvl.Price.String(), lvl.Qty.String()})
			}
			for _, lvl := range asks {
				p.Asks = append(p.Asks, [2]string{lvl.Price.String(), lvl.Qty.String()})
			}
			a.hub.Broadcast(stream, p)
		}
	}

	for _, interval := range core.Intervals {
		stream := symbol + "@kline_" + string(interval)
		if !a.hub.HasSubscribers(stream) {
			continue
		}
		klines, err := a.ex.Klines(symbol, interval, 0, 0, 1)
		if err != nil || len(klines) == 0 {
			continue
		}
		k := klines[len(klines)-1]
		a.hub.Broadcast(stream, &klinePush{
			EventType: "kline",
			EventTime: ts,
			Symbol:    symbol,
			Kline: klineData{
				OpenTime:   k.OpenTime,
				CloseTime:  k.CloseTime,
				Interval:   string(interval),
				Open:       k.Open.String(),
				High:       k.High.String(),
				Low:        k.Low.String(),
				Close:      k.Close.String(),
				Volume:     k.Volume.String(),
				Turnover:   k.Turnover.String(),
				TradeCount: k.TradeCount,
			},
		})
	}
}

func (a *BusAdapter) pushExecutionReport(order *extypes.Order, ts int64) {
	stream := order.UserID + "@executionReport"
	if !a.hub.HasSubscribers(stream) {
		return
	}
	a.hub.Broadcast(stream, &executionReportPush{
		EventType: "executionReport",
		EventTime: ts,
		Order:     apitypes.FromOrder(order),
	})
}

func (a *BusAdapter) pushAccount(p *events.AccountPayload, ts int64) {
	stream := p.UserID + "@account"
	if !a.hub.HasSubscribers(stream) {
		return
	}
	a.hub.Broadcast(stream, &accountPush{
		EventType: "outboundAccountPosition",
		EventTime: ts,
		Asset:     p.Asset,
		Free:      p.Free.String(),
		Locked:    p.Locked.String(),
	})
}
