package matching

import (
	"sync"

	"cosmossdk.io/math"
	"github.com/huandu/skiplist"

	"github.com/openalpha/simexchange/exchange/types"
)

// priceKeyAsc orders skiplist keys ascending by price (buy stops: lowest
// trigger first).
type priceKeyAsc struct{}

func (k priceKeyAsc) Compare(lhs, rhs interface{}) int {
	l := lhs.(math.LegacyDec)
	r := rhs.(math.LegacyDec)
	if l.LT(r) {
		return -1
	}
	if l.GT(r) {
		return 1
	}
	return 0
}

func (k priceKeyAsc) CalcScore(key interface{}) float64 {
	f, _ := key.(math.LegacyDec).Float64()
	return f
}

// priceKeyDesc orders descending (sell stops: highest trigger first).
type priceKeyDesc struct{}

func (k priceKeyDesc) Compare(lhs, rhs interface{}) int {
	return -priceKeyAsc{}.Compare(lhs, rhs)
}

func (k priceKeyDesc) CalcScore(key interface{}) float64 {
	f, _ := key.(math.LegacyDec).Float64()
	return -f
}

// stopEntry is one pending conditional order plus its trailing state.
type stopEntry struct {
	order   *types.Order
	trigger math.LegacyDec
	// water mark for trailing stops: highest seen for SELL, lowest for BUY
	waterMark math.LegacyDec
}

// StopTable holds pending STOP, STOP_LIMIT and TRAILING_STOP orders for one
// symbol, keyed by trigger price. Buy stops trigger when the reference price
// rises to the trigger; sell stops when it falls to it. Trailing triggers
// re-anchor on favorable reference moves. Not goroutine safe on its own; the
// engine serializes access per symbol.
type StopTable struct {
	mu sync.Mutex
	// trigger price -> []*stopEntry, FIFO within a price
	buys  *skiplist.SkipList // ascending: lowest triggers fire first on a rise
	sells *skiplist.SkipList // descending: highest triggers fire first on a fall
	byID  map[string]*stopEntry
}

func NewStopTable() *StopTable {
	return &StopTable{
		buys:  skiplist.New(priceKeyAsc{}),
		sells: skiplist.New(priceKeyDesc{}),
		byID:  make(map[string]*stopEntry),
	}
}

func (t *StopTable) list(side types.Side) *skiplist.SkipList {
	if side == types.SideBuy {
		return t.buys
	}
	return t.sells
}

// Add enqueues a conditional order. For trailing stops the initial trigger is
// derived from refPrice and the trail distance.
func (t *StopTable) Add(order *types.Order, refPrice math.LegacyDec) error {
	if !order.OrderType.IsConditional() {
		return types.ErrValidation.Wrapf("order type %s is not conditional", order.OrderType)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &stopEntry{order: order}
	if order.OrderType == types.OrderTypeTrailingStop {
		if refPrice.IsNil() || !refPrice.IsPositive() {
			return types.ErrValidation.Wrap("trailing stop requires a reference price")
		}
		entry.waterMark = refPrice
		entry.trigger = trailingTrigger(order, refPrice)
	} else {
		entry.trigger = order.StopPrice
	}

	t.insertLocked(entry)
	t.byID[order.OrderID] = entry
	return nil
}

func (t *StopTable) insertLocked(entry *stopEntry) {
	list := t.list(entry.order.Side)
	if elem := list.Get(entry.trigger); elem != nil {
		elem.Value = append(elem.Value.([]*stopEntry), entry)
		return
	}
	list.Set(entry.trigger, []*stopEntry{entry})
}

func (t *StopTable) removeFromListLocked(entry *stopEntry) {
	list := t.list(entry.order.Side)
	elem := list.Get(entry.trigger)
	if elem == nil {
		return
	}
	entries := elem.Value.([]*stopEntry)
	for i, e := range entries {
		if e.order.OrderID == entry.order.OrderID {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		list.Remove(entry.trigger)
	} else {
		elem.Value = entries
	}
}

// Remove takes a pending conditional order out of the table.
func (t *StopTable) Remove(orderID string) (*types.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byID[orderID]
	if !ok {
		return nil, false
	}
	t.removeFromListLocked(entry)
	delete(t.byID, orderID)
	return entry.order, true
}

// Order returns a pending conditional order by id.
func (t *StopTable) Order(orderID string) (*types.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byID[orderID]
	if !ok {
		return nil, false
	}
	return entry.order, true
}

// Len returns the number of pending conditional orders.
func (t *StopTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Sweep advances trailing anchors for the new reference price, then pops and
// returns every order whose trigger condition is met, in trigger order.
// Popped orders are removed; the engine re-enters them as market or limit.
func (t *StopTable) Sweep(refPrice math.LegacyDec) []*types.Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reanchorLocked(refPrice)

	var triggered []*types.Order
	// Buy stops fire when refPrice >= trigger; list ascends so the front is
	// the easiest to trigger.
	for {
		front := t.buys.Front()
		if front == nil || refPrice.LT(front.Key().(math.LegacyDec)) {
			break
		}
		triggered = append(triggered, t.popLevelLocked(t.buys, front)...)
	}
	// Sell stops fire when refPrice <= trigger; list descends.
	for {
		front := t.sells.Front()
		if front == nil || refPrice.GT(front.Key().(math.LegacyDec)) {
			break
		}
		triggered = append(triggered, t.popLevelLocked(t.sells, front)...)
	}
	return triggered
}

func (t *StopTable) popLevelLocked(list *skiplist.SkipList, elem *skiplist.Element) []*types.Order {
	entries := elem.Value.([]*stopEntry)
	out := make([]*types.Order, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.order)
		delete(t.byID, e.order.OrderID)
	}
	list.Remove(elem.Key())
	return out
}

// reanchorLocked moves trailing stop triggers after a favorable reference
// move: sell trails follow a rising high water mark, buy trails a falling
// low water mark. Unfavorable moves leave the trigger where it is.
func (t *StopTable) reanchorLocked(refPrice math.LegacyDec) {
	for _, entry := range t.byID {
		o := entry.order
		if o.OrderType != types.OrderTypeTrailingStop {
			continue
		}
		favorable := (o.Side == types.SideSell && refPrice.GT(entry.waterMark)) ||
			(o.Side == types.SideBuy && refPrice.LT(entry.waterMark))
		if !favorable {
			continue
		}
		entry.waterMark = refPrice
		newTrigger := trailingTrigger(o, refPrice)
		if newTrigger.Equal(entry.trigger) {
			continue
		}
		t.removeFromListLocked(entry)
		entry.trigger = newTrigger
		t.insertLocked(entry)
	}
}

// trailingTrigger computes the stop level at the given water mark: below it
// for sells, above it for buys, offset by the trail amount or percent.
func trailingTrigger(o *types.Order, waterMark math.LegacyDec) math.LegacyDec {
	var dist math.LegacyDec
	if !o.TrailAmount.IsNil() && o.TrailAmount.IsPositive() {
		dist = o.TrailAmount
	} else {
		dist = waterMark.Mul(o.TrailPercent)
	}
	if o.Side == types.SideSell {
		return waterMark.Sub(dist)
	}
	return waterMark.Add(dist)
}
