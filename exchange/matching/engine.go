package matching

import (
	"strconv"
	"sync"
	"sync/atomic"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/simexchange/exchange/clock"
	"github.com/openalpha/simexchange/exchange/types"
)

// CancelRestriction limits which order states a cancel may hit.
type CancelRestriction int

const (
	RestrictionNone CancelRestriction = iota
	RestrictionOnlyNew
	RestrictionOnlyPartiallyFilled
)

// TradeCallback observes every executed trade with its taker and maker
// orders, before PlaceOrder returns. The facade settles balances here.
type TradeCallback func(trade *types.Trade, taker, maker *types.Order)

// OrderCallback observes every order state change the engine makes: placed,
// partially filled, filled, expired, canceled, triggered.
type OrderCallback func(*types.Order)

// Engine matches orders with price-time priority. One book and one stop
// table per symbol. The caller serializes placements per symbol; the engine
// protects only its own maps.
type Engine struct {
	logger  log.Logger
	clk     *clock.Clock
	symbols *types.SymbolTable

	mu       sync.RWMutex
	books    map[string]*Book
	stops    map[string]*StopTable
	refPrice map[string]math.LegacyDec

	tradeSeq uint64

	onTrade TradeCallback
	onOrder OrderCallback
}

func NewEngine(logger log.Logger, clk *clock.Clock, symbols *types.SymbolTable) *Engine {
	return &Engine{
		logger:   logger.With("module", "matching"),
		clk:      clk,
		symbols:  symbols,
		books:    make(map[string]*Book),
		stops:    make(map[string]*StopTable),
		refPrice: make(map[string]math.LegacyDec),
	}
}

// SetCallbacks wires the engine's observers. Set once before use.
func (e *Engine) SetCallbacks(onTrade TradeCallback, onOrder OrderCallback) {
	e.onTrade = onTrade
	e.onOrder = onOrder
}

// Book returns the symbol's book, creating it on first use.
func (e *Engine) Book(symbol string) *Book {
	e.mu.RLock()
	b, ok := e.books[symbol]
	e.mu.RUnlock()
	if ok {
		return b
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[symbol]; ok {
		return b
	}
	b = NewBook(symbol)
	e.books[symbol] = b
	return b
}

// Stops returns the symbol's stop table, creating it on first use.
func (e *Engine) Stops(symbol string) *StopTable {
	e.mu.RLock()
	t, ok := e.stops[symbol]
	e.mu.RUnlock()
	if ok {
		return t
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok = e.stops[symbol]; ok {
		return t
	}
	t = NewStopTable()
	e.stops[symbol] = t
	return t
}

// MarketPrice returns the symbol's reference price: the last trade price, or
// the last ingested tick when nothing has traded yet.
func (e *Engine) MarketPrice(symbol string) (math.LegacyDec, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.refPrice[symbol]
	return p, ok
}

func (e *Engine) setRefPrice(symbol string, p math.LegacyDec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refPrice[symbol] = p
}

func (e *Engine) notifyOrder(o *types.Order) {
	if e.onOrder != nil {
		e.onOrder(o)
	}
}

// PlaceOrder validates and executes an order. Conditional orders are
// enqueued in the stop table; everything else goes through the match loop.
// Returned trades include cascading fills from stops triggered by this
// placement. ErrFatal means the book crossed after commit; the caller must
// halt the exchange.
func (e *Engine) PlaceOrder(order *types.Order) ([]*types.Trade, error) {
	info, err := e.symbols.Get(order.Symbol)
	if err != nil {
		return nil, err
	}
	if err := e.validate(order, info); err != nil {
		order.Reject(err.Error(), e.clk.NowMS())
		return nil, err
	}

	if order.OrderType.IsConditional() {
		ref, _ := e.MarketPrice(order.Symbol)
		if err := e.Stops(order.Symbol).Add(order, ref); err != nil {
			order.Reject(err.Error(), e.clk.NowMS())
			return nil, err
		}
		e.notifyOrder(order)
		// An already-met trigger fires on this sweep.
		if ref.IsNil() {
			return nil, nil
		}
		return e.sweepAndExecute(order.Symbol, info), nil
	}

	trades, err := e.execute(order, info)
	if err != nil {
		return nil, err
	}
	if len(trades) > 0 {
		trades = append(trades, e.sweepAndExecute(order.Symbol, info)...)
	}
	if e.Book(order.Symbol).IsCrossed() {
		e.logger.Error("order book crossed after commit", "symbol", order.Symbol)
		return trades, types.ErrFatal.Wrapf("book crossed for %s", order.Symbol)
	}
	return trades, nil
}

// TestOrder runs placement validation without touching the book.
func (e *Engine) TestOrder(order *types.Order) error {
	info, err := e.symbols.Get(order.Symbol)
	if err != nil {
		return err
	}
	return e.validate(order, info)
}

// CancelOrder removes a resting or pending-conditional order.
func (e *Engine) CancelOrder(symbol, orderID, userID string, restriction CancelRestriction) (*types.Order, error) {
	book := e.Book(symbol)
	order, inBook := book.Order(orderID)
	if !inBook {
		var inStops bool
		order, inStops = e.Stops(symbol).Order(orderID)
		if !inStops {
			return nil, types.ErrOrderNotFound.Wrapf("order %s", orderID)
		}
	}
	// Ownership failure is indistinguishable from absence.
	if order.UserID != userID {
		return nil, types.ErrOrderNotFound.Wrapf("order %s", orderID)
	}
	switch restriction {
	case RestrictionOnlyNew:
		if order.Status != types.OrderStatusNew {
			return nil, types.ErrCancelRejected.Wrapf("order %s is %s", orderID, order.Status)
		}
	case RestrictionOnlyPartiallyFilled:
		if order.Status != types.OrderStatusPartiallyFilled {
			return nil, types.ErrCancelRejected.Wrapf("order %s is %s", orderID, order.Status)
		}
	}

	if inBook {
		book.Remove(orderID)
	} else {
		e.Stops(symbol).Remove(orderID)
	}
	order.Cancel(e.clk.NowMS())
	e.notifyOrder(order)
	return order, nil
}

// UpdateReferencePrice ingests an external reference price (market data
// tick) and fires any stops it triggers. Returns the cascade's trades.
func (e *Engine) UpdateReferencePrice(symbol string, price math.LegacyDec) ([]*types.Trade, error) {
	info, err := e.symbols.Get(symbol)
	if err != nil {
		return nil, err
	}
	e.setRefPrice(symbol, price)
	trades := e.sweepAndExecute(symbol, info)
	if e.Book(symbol).IsCrossed() {
		return trades, types.ErrFatal.Wrapf("book crossed for %s", symbol)
	}
	return trades, nil
}

// ============================================================================
// Validation
// ============================================================================

func (e *Engine) validate(o *types.Order, info *types.SymbolInfo) error {
	if o.Side != types.SideBuy && o.Side != types.SideSell {
		return types.ErrValidation.Wrap("side required")
	}
	if o.OrderType == types.OrderTypeUnspecified {
		return types.ErrValidation.Wrap("order type required")
	}
	if o.OrderType.IsAlgo() {
		return types.ErrValidation.Wrapf("%s orders are sliced upstream", o.OrderType)
	}

	quoteQtyOrder := !o.QuoteOrderQty.IsNil() && o.QuoteOrderQty.IsPositive()
	if quoteQtyOrder {
		if o.OrderType != types.OrderTypeMarket || o.Side != types.SideBuy {
			return types.ErrValidation.Wrap("quoteOrderQty is only valid on market buys")
		}
		if !o.Quantity.IsNil() {
			return types.ErrValidation.Wrap("quantity and quoteOrderQty are exclusive")
		}
	} else {
		if o.Quantity.IsNil() {
			return types.ErrValidation.Wrap("quantity required")
		}
		if err := info.ValidateQty(o.Quantity); err != nil {
			return err
		}
	}

	needsPrice := o.OrderType == types.OrderTypeLimit ||
		o.OrderType == types.OrderTypeStopLimit ||
		o.OrderType == types.OrderTypeIceberg
	if needsPrice {
		if o.Price.IsNil() {
			return types.ErrValidation.Wrapf("%s requires a price", o.OrderType)
		}
		if err := info.ValidatePrice(o.Price); err != nil {
			return err
		}
		if err := info.ValidateNotional(o.Price, o.Quantity); err != nil {
			return err
		}
	} else if !o.Price.IsNil() {
		return types.ErrValidation.Wrapf("%s does not take a price", o.OrderType)
	}

	switch o.OrderType {
	case types.OrderTypeStop, types.OrderTypeStopLimit:
		if o.StopPrice.IsNil() || !o.StopPrice.IsPositive() {
			return types.ErrValidation.Wrap("stopPrice required")
		}
	case types.OrderTypeTrailingStop:
		hasAmount := !o.TrailAmount.IsNil() && o.TrailAmount.IsPositive()
		hasPercent := !o.TrailPercent.IsNil() && o.TrailPercent.IsPositive()
		if hasAmount == hasPercent {
			return types.ErrValidation.Wrap("trailing stop takes exactly one of trailAmount, trailPercent")
		}
		if hasPercent && o.TrailPercent.GTE(math.LegacyOneDec()) {
			return types.ErrValidation.Wrap("trailPercent must be below 1")
		}
	case types.OrderTypeIceberg:
		if o.DisplayQty.IsNil() || !o.DisplayQty.IsPositive() || o.DisplayQty.GTE(o.Quantity) {
			return types.ErrValidation.Wrap("iceberg displayQty must be positive and below quantity")
		}
		if o.TimeInForce != types.TimeInForceGTC {
			return types.ErrValidation.Wrap("iceberg orders must be GTC")
		}
	}

	if o.OrderType.IsConditional() && o.TimeInForce != types.TimeInForceGTC {
		return types.ErrValidation.Wrap("conditional orders must be GTC")
	}
	return nil
}

// ============================================================================
// Matching
// ============================================================================

// execute runs the match loop and the post-loop time-in-force handling for a
// non-conditional order.
func (e *Engine) execute(order *types.Order, info *types.SymbolInfo) ([]*types.Trade, error) {
	book := e.Book(order.Symbol)
	now := e.clk.NowMS()

	if order.TimeInForce == types.TimeInForceFOK && !e.fokFeasible(book, order) {
		order.Reject(types.ReasonFOKInfeasible, now)
		e.notifyOrder(order)
		return nil, types.ErrOrderRejected.Wrap(types.ReasonFOKInfeasible)
	}

	// Acceptance report precedes any fill.
	e.notifyOrder(order)
	statusBefore := order.Status

	trades := e.matchLoop(book, order, info)

	// Post-loop disposition of any remainder.
	now = e.clk.NowMS()
	switch {
	case order.Status == types.OrderStatusExpired:
		// self-trade prevention already terminalized the taker
	case isBudgetOrder(order):
		// quoteOrderQty buys have no target quantity; pin it to what
		// executed so the filled/remaining arithmetic holds.
		order.Quantity = order.FilledQty
		if order.FilledQty.IsPositive() {
			order.Status = types.OrderStatusFilled
			order.UpdateTime = now
		} else {
			order.Expire(types.ReasonInsufficientLiquidity, now)
		}
	case order.IsFilled():
		// status already FILLED via Fill
	case order.Price.IsNil():
		// market orders and triggered market-like stops never rest
		order.Expire(types.ReasonInsufficientLiquidity, now)
	case order.TimeInForce == types.TimeInForceIOC:
		order.Expire(types.ReasonIOCUnfilled, now)
	default:
		book.Add(order)
	}
	if order.Status != statusBefore || len(trades) > 0 {
		e.notifyOrder(order)
	}

	if len(trades) > 0 {
		e.setRefPrice(order.Symbol, trades[len(trades)-1].Price)
	}
	return trades, nil
}

// isBudgetOrder reports a market buy sized by quote amount instead of base
// quantity.
func isBudgetOrder(o *types.Order) bool {
	return o.OrderType == types.OrderTypeMarket && o.Side == types.SideBuy &&
		o.Quantity.IsNil() && !o.QuoteOrderQty.IsNil()
}

func (e *Engine) matchLoop(book *Book, taker *types.Order, info *types.SymbolInfo) []*types.Trade {
	var trades []*types.Trade
	budget := taker.QuoteOrderQty // consumed in place for budget orders
	if budget.IsNil() {
		budget = taker.MaxQuoteSpend // spend cap for market-like buys sized in base
	}

	for {
		if taker.Status == types.OrderStatusExpired || taker.Status == types.OrderStatusFilled {
			break
		}
		if !isBudgetOrder(taker) && !taker.RemainingQty().IsPositive() {
			break
		}

		level := book.side(taker.Side.Opposite()).best()
		if level == nil || !priceCompatible(taker, level.Price) {
			break
		}
		maker := level.Front()
		if maker == nil {
			break
		}

		// Self-trade prevention.
		if maker.UserID == taker.UserID && taker.STPMode != types.STPNone {
			now := e.clk.NowMS()
			expireMaker := taker.STPMode == types.STPExpireMaker || taker.STPMode == types.STPExpireBoth
			expireTaker := taker.STPMode == types.STPExpireTaker || taker.STPMode == types.STPExpireBoth
			if expireMaker {
				book.Remove(maker.OrderID)
				maker.Expire(types.ReasonSelfTradePrevention, now)
				e.notifyOrder(maker)
			}
			if expireTaker {
				taker.Expire(types.ReasonSelfTradePrevention, now)
				break
			}
			continue
		}

		qty := e.matchQty(book, taker, maker, level.Price, budget, info)
		if !qty.IsPositive() {
			break
		}
		price := level.Price

		now := e.clk.NowMS()
		if !budget.IsNil() {
			budget = budget.Sub(qty.Mul(price))
		}
		if isBudgetOrder(taker) {
			taker.FilledQty = taker.FilledQty.Add(qty)
			taker.UpdateTime = now
		} else {
			if err := taker.Fill(qty, now); err != nil {
				e.logger.Error("taker fill failed", "order", taker.OrderID, "err", err)
				break
			}
		}
		if err := maker.Fill(qty, now); err != nil {
			e.logger.Error("maker fill failed", "order", maker.OrderID, "err", err)
			break
		}
		book.applyMakerFill(maker, qty)

		trade := e.buildTrade(taker, maker, price, qty, info, now)
		book.RecordTrade(trade)
		trades = append(trades, trade)
		if e.onTrade != nil {
			e.onTrade(trade, taker, maker)
		}
		e.notifyOrder(maker)
	}
	return trades
}

// matchQty returns how much can execute against the current maker: the
// maker's visible tranche capped by the taker's remaining quantity and, when
// one applies, the taker's remaining quote budget.
func (e *Engine) matchQty(book *Book, taker, maker *types.Order, price, budget math.LegacyDec, info *types.SymbolInfo) math.LegacyDec {
	avail := book.visibleQty(maker)
	if !isBudgetOrder(taker) {
		if rem := taker.RemainingQty(); rem.LT(avail) {
			avail = rem
		}
	}
	if budget.IsNil() {
		return avail
	}
	// Largest lot the remaining budget affords at this level, truncated to
	// the symbol's quantity precision.
	affordable := truncateTo(budget.Quo(price), info.QtyPrecision)
	if affordable.LT(avail) {
		return affordable
	}
	return avail
}

func (e *Engine) buildTrade(taker, maker *types.Order, price, qty math.LegacyDec, info *types.SymbolInfo, now int64) *types.Trade {
	buyerIsMaker := taker.Side == types.SideSell
	var buyerRate, sellerRate math.LegacyDec
	if buyerIsMaker {
		buyerRate, sellerRate = info.FeeRate(true), info.FeeRate(false)
	} else {
		buyerRate, sellerRate = info.FeeRate(false), info.FeeRate(true)
	}
	// The buyer receives base, the seller receives quote; each is charged in
	// the asset received.
	commissionBuyer := types.RoundFeeUp(qty.Mul(buyerRate), info.QtyPrecision)
	commissionSeller := types.RoundFeeUp(qty.Mul(price).Mul(sellerRate), info.PricePrecision)

	id := strconv.FormatUint(atomic.AddUint64(&e.tradeSeq, 1), 10)
	return types.NewTrade(id, taker, maker, price, qty, commissionBuyer, commissionSeller, now)
}

// fokFeasible checks whether the whole quantity is available at compatible
// prices before any fill happens.
func (e *Engine) fokFeasible(book *Book, order *types.Order) bool {
	need := order.Quantity
	if need.IsNil() {
		return false
	}
	have := math.LegacyZeroDec()
	book.side(order.Side.Opposite()).iterate(func(level *PriceLevel) bool {
		if !priceCompatible(order, level.Price) {
			return false
		}
		have = have.Add(level.VisibleQty)
		return have.LT(need)
	})
	return have.GTE(need)
}

func priceCompatible(taker *types.Order, levelPrice math.LegacyDec) bool {
	if taker.Price.IsNil() {
		return true // market-like, including triggered stops
	}
	if taker.Side == types.SideBuy {
		return levelPrice.LTE(taker.Price)
	}
	return levelPrice.GTE(taker.Price)
}

// sweepAndExecute pops triggered stops and runs them through the match loop,
// repeating while fills keep moving the reference price.
func (e *Engine) sweepAndExecute(symbol string, info *types.SymbolInfo) []*types.Trade {
	var out []*types.Trade
	for {
		ref, ok := e.MarketPrice(symbol)
		if !ok {
			return out
		}
		triggered := e.Stops(symbol).Sweep(ref)
		if len(triggered) == 0 {
			return out
		}
		for _, o := range triggered {
			trades, err := e.execute(o, info)
			if err != nil {
				e.logger.Error("triggered order failed", "order", o.OrderID, "err", err)
				continue
			}
			out = append(out, trades...)
		}
	}
}

func truncateTo(d math.LegacyDec, places int) math.LegacyDec {
	shift := math.LegacyNewDec(10).Power(uint64(places))
	return d.Mul(shift).TruncateDec().Quo(shift)
}
