package core

import (
	"cosmossdk.io/math"

	"github.com/openalpha/simexchange/exchange/matching"
	"github.com/openalpha/simexchange/exchange/types"
)

// Algo slicing defaults. TWAP splits evenly; VWAP weights slices by recent
// 1m candle volume and falls back to even when there is no history.
const (
	defaultAlgoSlices     = 5
	defaultAlgoIntervalMS = 60_000
)

// algoState drives one parent TWAP/VWAP order through its child slices.
type algoState struct {
	parent     *types.Order
	slices     []math.LegacyDec
	idx        int
	intervalMS int64
	nextAt     int64
}

// placeAlgo accepts a TWAP/VWAP parent order: funds are locked up front and
// child MARKET orders execute as reference-price ticks cross the interval
// boundaries. The first slice fires on the next tick.
func (e *Exchange) placeAlgo(order *types.Order, info *types.SymbolInfo) error {
	now := e.clk.NowMS()
	if order.Quantity.IsNil() || !order.Quantity.IsPositive() {
		err := types.ErrValidation.Wrap("algo orders require a quantity")
		order.Reject(err.Error(), now)
		return err
	}
	if err := info.ValidateQty(order.Quantity); err != nil {
		order.Reject(err.Error(), now)
		return err
	}
	ref, ok := e.engine.MarketPrice(order.Symbol)
	if !ok {
		err := types.ErrOrderRejected.Wrapf("no reference price for %s algo order", order.Symbol)
		order.Reject(err.Error(), now)
		return err
	}

	amount, asset, err := e.accounts.LockForOrder(order.UserID, order.Side, info, ref, order.Quantity, math.LegacyDec{})
	if err != nil {
		order.Reject(err.Error(), now)
		return err
	}
	e.registerOrder(order, asset, amount, "")

	slices := e.sliceQuantities(order, info)
	e.mu.Lock()
	e.algos[order.OrderID] = &algoState{
		parent:     order,
		slices:     slices,
		intervalMS: defaultAlgoIntervalMS,
		nextAt:     now,
	}
	e.mu.Unlock()

	e.accounts.AddOpenOrder(order.UserID, order.OrderID)
	e.publishOrder(order)
	e.metrics.OrderPlaced(order.Symbol, order.OrderType.String())
	return nil
}

// sliceQuantities splits the parent quantity into child slices at the
// symbol's quantity precision, remainder on the last slice.
func (e *Exchange) sliceQuantities(order *types.Order, info *types.SymbolInfo) []math.LegacyDec {
	n := defaultAlgoSlices
	weights := make([]math.LegacyDec, n)
	even := math.LegacyOneDec()

	if order.OrderType == types.OrderTypeVWAP {
		candles := e.klines.Range(order.Symbol, Kline1m, 0, 0, n)
		if len(candles) == n {
			for i, k := range candles {
				weights[i] = k.Volume
			}
		}
	}
	total := math.LegacyZeroDec()
	for i := range weights {
		if weights[i].IsNil() || !weights[i].IsPositive() {
			weights[i] = even
		}
		total = total.Add(weights[i])
	}

	shift := math.LegacyNewDec(10).Power(uint64(info.QtyPrecision))
	out := make([]math.LegacyDec, n)
	assigned := math.LegacyZeroDec()
	for i := 0; i < n-1; i++ {
		q := order.Quantity.Mul(weights[i]).Quo(total)
		q = q.Mul(shift).TruncateDec().Quo(shift)
		out[i] = q
		assigned = assigned.Add(q)
	}
	out[n-1] = order.Quantity.Sub(assigned)
	return out
}

// runAlgos fires every due slice for the symbol. Called from ProcessTick.
func (e *Exchange) runAlgos(symbol string) {
	now := e.clk.NowMS()

	e.mu.Lock()
	var due []*algoState
	for _, st := range e.algos {
		if st.parent.Symbol == symbol && now >= st.nextAt && st.idx < len(st.slices) {
			due = append(due, st)
		}
	}
	e.mu.Unlock()

	for _, st := range due {
		e.runSlice(st, now)
	}
}

func (e *Exchange) runSlice(st *algoState, now int64) {
	qty := st.slices[st.idx]
	st.idx++
	st.nextAt = now + st.intervalMS

	if qty.IsPositive() {
		child := types.NewOrder(e.NextOrderID(), st.parent.UserID, st.parent.Symbol,
			st.parent.Side, types.OrderTypeMarket, math.LegacyDec{}, qty, now)
		e.registerOrder(child, "", math.LegacyDec{}, st.parent.OrderID)
		if info, err := e.symbols.Get(child.Symbol); err == nil {
			e.capQuoteSpend(child, info.QuoteAsset)
		}

		mu := e.symbolMutex(st.parent.Symbol)
		mu.Lock()
		_, err := e.engine.PlaceOrder(child)
		mu.Unlock()
		if err != nil {
			e.logger.Error("algo slice failed", "parent", st.parent.OrderID, "err", err)
		}
	}

	if st.idx >= len(st.slices) {
		e.finishAlgo(st)
	}
}

// onChildDone folds a terminal child's fill into its algo parent.
func (e *Exchange) onChildDone(child *types.Order) {
	e.mu.Lock()
	parentID := e.children[child.OrderID]
	delete(e.children, child.OrderID)
	delete(e.locks, child.OrderID) // alias of the parent's lock
	st := e.algos[parentID]
	e.mu.Unlock()
	if st == nil {
		return
	}

	if child.FilledQty.IsPositive() {
		now := e.clk.NowMS()
		if err := st.parent.Fill(child.FilledQty, now); err != nil {
			e.logger.Error("algo aggregation overflow", "parent", parentID, "err", err)
		}
		e.publishOrder(st.parent)
	}
}

// finishAlgo terminalizes a parent whose slices have all run.
func (e *Exchange) finishAlgo(st *algoState) {
	e.mu.Lock()
	delete(e.algos, st.parent.OrderID)
	e.mu.Unlock()

	now := e.clk.NowMS()
	if !st.parent.IsFilled() && st.parent.Status != types.OrderStatusFilled {
		st.parent.Expire(types.ReasonInsufficientLiquidity, now)
	}
	e.accounts.RemoveOpenOrder(st.parent.UserID, st.parent.OrderID)
	e.releaseLock(st.parent)
	e.publishOrder(st.parent)
}

// cancelAlgo cancels a parent algo order if orderID names one. The bool
// reports whether the id was an algo parent.
func (e *Exchange) cancelAlgo(userID, orderID string, restriction matching.CancelRestriction) (*types.Order, bool, error) {
	e.mu.Lock()
	st, ok := e.algos[orderID]
	if ok {
		delete(e.algos, orderID)
	}
	e.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	if st.parent.UserID != userID {
		return nil, true, types.ErrOrderNotFound.Wrapf("order %s", orderID)
	}
	if restriction == matching.RestrictionOnlyNew && st.parent.Status != types.OrderStatusNew ||
		restriction == matching.RestrictionOnlyPartiallyFilled && st.parent.Status != types.OrderStatusPartiallyFilled {
		// Undo the removal so the order keeps running.
		e.mu.Lock()
		e.algos[orderID] = st
		e.mu.Unlock()
		return nil, true, types.ErrCancelRejected.Wrapf("order %s is %s", orderID, st.parent.Status)
	}

	now := e.clk.NowMS()
	st.parent.Cancel(now)
	e.accounts.RemoveOpenOrder(userID, orderID)
	e.releaseLock(st.parent)
	e.publishOrder(st.parent)
	return st.parent, true, nil
}
