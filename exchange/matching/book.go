package matching

import (
	"sync"

	"cosmossdk.io/math"
	"github.com/google/btree"

	"github.com/openalpha/simexchange/exchange/types"
)

const btreeDegree = 32 // affects node size and cache efficiency

// tradeHistoryCap bounds the per-book trade ring.
const tradeHistoryCap = 1000

// priceLevelItem wraps a price level for use in btree.
// Implements btree.Item.
type priceLevelItem struct {
	price math.LegacyDec
	level *PriceLevel
}

// Less implements btree.Item - ascending order by price.
func (a *priceLevelItem) Less(b btree.Item) bool {
	return a.price.LT(b.(*priceLevelItem).price)
}

// PriceLevel is a FIFO queue of resting orders at one price with a cached
// visible-quantity aggregate.
type PriceLevel struct {
	Price      math.LegacyDec
	Orders     []*types.Order
	VisibleQty math.LegacyDec
}

func NewPriceLevel(price math.LegacyDec) *PriceLevel {
	return &PriceLevel{
		Price:      price,
		VisibleQty: math.LegacyZeroDec(),
	}
}

func (l *PriceLevel) IsEmpty() bool {
	return len(l.Orders) == 0
}

// Front returns the first order in time priority, or nil.
func (l *PriceLevel) Front() *types.Order {
	if len(l.Orders) == 0 {
		return nil
	}
	return l.Orders[0]
}

func (l *PriceLevel) add(order *types.Order, visible math.LegacyDec) {
	l.Orders = append(l.Orders, order)
	l.VisibleQty = l.VisibleQty.Add(visible)
}

func (l *PriceLevel) remove(orderID string, visible math.LegacyDec) *types.Order {
	for i, o := range l.Orders {
		if o.OrderID == orderID {
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			l.VisibleQty = l.VisibleQty.Sub(visible)
			return o
		}
	}
	return nil
}

// rotateToBack moves an order to the tail of the queue. Used on iceberg
// tranche refresh, which costs the order its time priority.
func (l *PriceLevel) rotateToBack(orderID string) {
	for i, o := range l.Orders {
		if o.OrderID == orderID {
			l.Orders = append(append(l.Orders[:i], l.Orders[i+1:]...), o)
			return
		}
	}
}

// ============================================================================
// Book side - one btree of price levels (bids descend, asks ascend)
// ============================================================================

type bookSide struct {
	tree *btree.BTree
	desc bool // true for bids
}

func newBookSide(desc bool) *bookSide {
	return &bookSide{tree: btree.New(btreeDegree), desc: desc}
}

func (s *bookSide) get(price math.LegacyDec) *PriceLevel {
	item := s.tree.Get(&priceLevelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*priceLevelItem).level
}

func (s *bookSide) getOrCreate(price math.LegacyDec) *PriceLevel {
	level := s.get(price)
	if level == nil {
		level = NewPriceLevel(price)
		s.tree.ReplaceOrInsert(&priceLevelItem{price: price, level: level})
	}
	return level
}

func (s *bookSide) remove(price math.LegacyDec) {
	s.tree.Delete(&priceLevelItem{price: price})
}

// best returns the top level: highest price for bids, lowest for asks.
func (s *bookSide) best() *PriceLevel {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*priceLevelItem).level
}

// iterate visits levels in matching order: descending for bids, ascending
// for asks.
func (s *bookSide) iterate(fn func(*PriceLevel) bool) {
	wrap := func(item btree.Item) bool {
		return fn(item.(*priceLevelItem).level)
	}
	if s.desc {
		s.tree.Descend(wrap)
	} else {
		s.tree.Ascend(wrap)
	}
}

// ============================================================================
// Book - one symbol's resting orders plus its trade history ring
// ============================================================================

// DepthLevel is one row of an aggregated depth snapshot.
type DepthLevel struct {
	Price math.LegacyDec
	Qty   math.LegacyDec
}

// Book holds one symbol's resting limit orders. Iceberg orders expose only
// their current tranche in level aggregates and depth. Not goroutine safe on
// its own; the engine serializes access per symbol.
type Book struct {
	symbol string
	bids   *bookSide
	asks   *bookSide
	orders map[string]*types.Order // direct handles for O(level) cancel

	// iceberg tranche consumption, by order id
	tranche map[string]math.LegacyDec

	trades     []*types.Trade // ring, newest at tradeHead-1
	tradeHead  int
	tradeCount int

	mu sync.RWMutex
}

func NewBook(symbol string) *Book {
	return &Book{
		symbol:  symbol,
		bids:    newBookSide(true),
		asks:    newBookSide(false),
		orders:  make(map[string]*types.Order),
		tranche: make(map[string]math.LegacyDec),
		trades:  make([]*types.Trade, tradeHistoryCap),
	}
}

func (b *Book) side(s types.Side) *bookSide {
	if s == types.SideBuy {
		return b.bids
	}
	return b.asks
}

// visibleQty returns the quantity an order currently exposes to matching:
// the open tranche for icebergs, the full remainder otherwise.
func (b *Book) visibleQty(o *types.Order) math.LegacyDec {
	rem := o.RemainingQty()
	if o.OrderType != types.OrderTypeIceberg || o.DisplayQty.IsNil() {
		return rem
	}
	open := o.DisplayQty.Sub(b.tranche[o.OrderID])
	if open.GT(rem) {
		return rem
	}
	return open
}

// Add rests an order. The caller has already validated it.
func (b *Book) Add(order *types.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if order.OrderType == types.OrderTypeIceberg {
		b.tranche[order.OrderID] = math.LegacyZeroDec()
	}
	level := b.side(order.Side).getOrCreate(order.Price)
	level.add(order, b.visibleQty(order))
	b.orders[order.OrderID] = order
}

// Remove takes an order out of the book by id.
func (b *Book) Remove(orderID string) (*types.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID string) (*types.Order, bool) {
	order, ok := b.orders[orderID]
	if !ok {
		return nil, false
	}
	side := b.side(order.Side)
	level := side.get(order.Price)
	if level != nil {
		level.remove(orderID, b.visibleQty(order))
		if level.IsEmpty() {
			side.remove(order.Price)
		}
	}
	delete(b.orders, orderID)
	delete(b.tranche, orderID)
	return order, true
}

// Order returns the resting order with the given id.
func (b *Book) Order(orderID string) (*types.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[orderID]
	return o, ok
}

// applyMakerFill consumes qty from a resting order: updates the level
// aggregate, refreshes iceberg tranches, and removes the order when filled.
// The order's own Fill has already been applied by the engine.
func (b *Book) applyMakerFill(order *types.Order, qty math.LegacyDec) {
	b.mu.Lock()
	defer b.mu.Unlock()

	side := b.side(order.Side)
	level := side.get(order.Price)
	if level == nil {
		return
	}
	level.VisibleQty = level.VisibleQty.Sub(qty)

	if order.IsFilled() {
		level.remove(order.OrderID, math.LegacyZeroDec())
		if level.IsEmpty() {
			side.remove(order.Price)
		}
		delete(b.orders, order.OrderID)
		delete(b.tranche, order.OrderID)
		return
	}

	if order.OrderType == types.OrderTypeIceberg && !order.DisplayQty.IsNil() {
		consumed := b.tranche[order.OrderID].Add(qty)
		if consumed.GTE(order.DisplayQty) {
			// Tranche exhausted: refresh and go to the back of the queue.
			b.tranche[order.OrderID] = math.LegacyZeroDec()
			level.rotateToBack(order.OrderID)
			level.VisibleQty = level.VisibleQty.Add(b.visibleQty(order))
		} else {
			b.tranche[order.OrderID] = consumed
		}
	}
}

// BestBid returns the highest resting buy price.
func (b *Book) BestBid() (math.LegacyDec, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if level := b.bids.best(); level != nil {
		return level.Price, true
	}
	return math.LegacyDec{}, false
}

// BestAsk returns the lowest resting sell price.
func (b *Book) BestAsk() (math.LegacyDec, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if level := b.asks.best(); level != nil {
		return level.Price, true
	}
	return math.LegacyDec{}, false
}

// Depth returns up to n aggregated levels per side, bids descending and asks
// ascending. Iceberg hidden quantity is excluded.
func (b *Book) Depth(n int) (bids, asks []DepthLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	collect := func(s *bookSide) []DepthLevel {
		out := make([]DepthLevel, 0, n)
		s.iterate(func(level *PriceLevel) bool {
			if level.VisibleQty.IsPositive() {
				out = append(out, DepthLevel{Price: level.Price, Qty: level.VisibleQty})
			}
			return len(out) < n
		})
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// IsCrossed reports a bid at or above the best ask. Must never be true after
// a commit; the engine treats it as fatal.
func (b *Book) IsCrossed() bool {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	return okB && okA && bid.GTE(ask)
}

// RecordTrade appends to the bounded trade history ring.
func (b *Book) RecordTrade(t *types.Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trades[b.tradeHead] = t
	b.tradeHead = (b.tradeHead + 1) % tradeHistoryCap
	if b.tradeCount < tradeHistoryCap {
		b.tradeCount++
	}
}

// Trades returns up to limit most recent trades, oldest first.
func (b *Book) Trades(limit int) []*types.Trade {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.tradeCount
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*types.Trade, 0, n)
	start := b.tradeHead - n
	if start < 0 {
		start += tradeHistoryCap
	}
	for i := 0; i < n; i++ {
		out = append(out, b.trades[(start+i)%tradeHistoryCap])
	}
	return out
}
