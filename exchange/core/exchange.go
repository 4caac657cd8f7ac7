package core

import (
	"strconv"
	"sync"
	"sync/atomic"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/simexchange/exchange/account"
	"github.com/openalpha/simexchange/exchange/clock"
	"github.com/openalpha/simexchange/exchange/events"
	"github.com/openalpha/simexchange/exchange/matching"
	"github.com/openalpha/simexchange/exchange/types"
	"github.com/openalpha/simexchange/metrics"
)

// lockState tracks the unreleased remainder of an order's fund lock.
type lockState struct {
	asset     string
	remaining math.LegacyDec
}

// Exchange is the facade tying clock, bus, ledger, matching and market data
// together. All public entry points take an already-authenticated userID;
// Authenticate resolves API keys.
type Exchange struct {
	logger   log.Logger
	clk      *clock.Clock
	bus      *events.Bus
	accounts *account.Manager
	engine   *matching.Engine
	symbols  *types.SymbolTable
	klines   *KlineStore
	metrics  *metrics.Collector

	// one in-flight placement per symbol
	symMuGuard sync.Mutex
	symMu      map[string]*sync.Mutex

	mu       sync.Mutex
	locks    map[string]*lockState   // orderID -> unreleased lock
	orders   map[string]*types.Order // every order ever accepted
	clientID map[string]string       // userID|clientOrderID -> orderID
	children map[string]string       // child orderID -> algo parent orderID
	algos    map[string]*algoState   // parent orderID -> slicing state

	orderSeq uint64
}

func New(logger log.Logger, clk *clock.Clock, bus *events.Bus, accounts *account.Manager, symbols *types.SymbolTable) *Exchange {
	e := &Exchange{
		logger:   logger.With("module", "exchange"),
		clk:      clk,
		bus:      bus,
		accounts: accounts,
		symbols:  symbols,
		klines:   NewKlineStore(),
		metrics:  metrics.Default(),
		symMu:    make(map[string]*sync.Mutex),
		locks:    make(map[string]*lockState),
		orders:   make(map[string]*types.Order),
		clientID: make(map[string]string),
		children: make(map[string]string),
		algos:    make(map[string]*algoState),
	}
	e.engine = matching.NewEngine(logger, clk, symbols)
	e.engine.SetCallbacks(e.handleTrade, e.handleOrderUpdate)
	return e
}

// Clock returns the exchange clock.
func (e *Exchange) Clock() *clock.Clock { return e.clk }

// Symbols returns the symbol registry.
func (e *Exchange) Symbols() *types.SymbolTable { return e.symbols }

// ServerTime returns the exchange's notion of now in ms.
func (e *Exchange) ServerTime() int64 { return e.clk.NowMS() }

// Authenticate resolves an API key to its user.
func (e *Exchange) Authenticate(apiKey string) (string, bool) {
	return e.accounts.Authenticate(apiKey)
}

// CreateAPIKey issues an API key for a user.
func (e *Exchange) CreateAPIKey(userID string) string {
	return e.accounts.CreateAPIKey(userID)
}

// NextOrderID mints a server order id.
func (e *Exchange) NextOrderID() string {
	return strconv.FormatUint(atomic.AddUint64(&e.orderSeq, 1), 10)
}

func (e *Exchange) symbolMutex(symbol string) *sync.Mutex {
	e.symMuGuard.Lock()
	defer e.symMuGuard.Unlock()
	mu, ok := e.symMu[symbol]
	if !ok {
		mu = &sync.Mutex{}
		e.symMu[symbol] = mu
	}
	return mu
}

// ============================================================================
// Trading entry points
// ============================================================================

// PlaceOrder locks funds, runs the order through the matching engine and
// publishes the resulting events. The order must carry UserID, Symbol, Side,
// OrderType and sizing; OrderID is assigned here.
func (e *Exchange) PlaceOrder(order *types.Order) ([]*types.Trade, error) {
	info, err := e.symbols.Get(order.Symbol)
	if err != nil {
		return nil, err
	}
	if order.OrderID == "" {
		order.OrderID = e.NextOrderID()
	}
	now := e.clk.NowMS()
	order.CreateTime, order.UpdateTime = now, now

	if order.OrderType.IsAlgo() {
		return nil, e.placeAlgo(order, info)
	}

	lockPrice, err := e.lockPriceFor(order)
	if err != nil {
		order.Reject(err.Error(), now)
		return nil, err
	}
	amount, asset, err := e.accounts.LockForOrder(order.UserID, order.Side, info, lockPrice, order.Quantity, order.QuoteOrderQty)
	if err != nil {
		order.Reject(err.Error(), e.clk.NowMS())
		return nil, err
	}
	e.registerOrder(order, asset, amount, "")
	e.capQuoteSpend(order, info.QuoteAsset)

	mu := e.symbolMutex(order.Symbol)
	mu.Lock()
	trades, err := e.engine.PlaceOrder(order)
	mu.Unlock()

	if err != nil {
		if types.ErrFatal.Is(err) {
			e.fatal(err)
			return trades, err
		}
		e.releaseLock(order)
		e.metrics.OrderRejected(order.Symbol, order.OrderType.String())
		return nil, err
	}
	e.metrics.OrderPlaced(order.Symbol, order.OrderType.String())
	return trades, nil
}

// lockPriceFor picks the price used to size a buy-side fund lock: the limit
// price when there is one, the stop trigger for conditional market orders,
// or the reference price for plain market orders.
func (e *Exchange) lockPriceFor(order *types.Order) (math.LegacyDec, error) {
	if order.Side != types.SideBuy {
		return math.LegacyDec{}, nil
	}
	if !order.Price.IsNil() {
		return order.Price, nil
	}
	if !order.QuoteOrderQty.IsNil() && order.QuoteOrderQty.IsPositive() {
		return math.LegacyDec{}, nil
	}
	if !order.StopPrice.IsNil() && order.StopPrice.IsPositive() {
		return order.StopPrice, nil
	}
	if ref, ok := e.engine.MarketPrice(order.Symbol); ok {
		return ref, nil
	}
	return math.LegacyDec{}, types.ErrOrderRejected.Wrapf("no reference price for %s market buy", order.Symbol)
}

// capQuoteSpend bounds a market-like buy sized in base quantity by the quote
// the buyer can actually pay: the order's lock plus the current free balance.
// The lock prices such an order at an estimate, so a fill above it must still
// settle without overdrawing the account.
func (e *Exchange) capQuoteSpend(order *types.Order, quoteAsset string) {
	if order.Side != types.SideBuy || !order.Price.IsNil() || order.Quantity.IsNil() {
		return
	}
	e.mu.Lock()
	spend := math.LegacyZeroDec()
	if ls := e.locks[order.OrderID]; ls != nil && ls.asset == quoteAsset {
		spend = ls.remaining
	}
	e.mu.Unlock()
	if balances, err := e.accounts.BalancesSnapshot(order.UserID); err == nil {
		spend = spend.Add(balances[quoteAsset].Free)
	}
	order.MaxQuoteSpend = spend
}

// registerOrder records the order, its fund lock and its client-id alias.
// parentID links algo children to their parent's lock.
func (e *Exchange) registerOrder(order *types.Order, lockAsset string, lockAmount math.LegacyDec, parentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders[order.OrderID] = order
	if order.ClientOrderID != "" {
		e.clientID[order.UserID+"|"+order.ClientOrderID] = order.OrderID
	}
	if parentID != "" {
		e.children[order.OrderID] = parentID
		if parent, ok := e.locks[parentID]; ok {
			e.locks[order.OrderID] = parent
		}
		return
	}
	e.locks[order.OrderID] = &lockState{asset: lockAsset, remaining: lockAmount}
}

// CancelOrder cancels a resting, pending-conditional or algo order.
// origClientOrderID may be passed instead of orderID.
func (e *Exchange) CancelOrder(userID, symbol, orderID, origClientOrderID string, restriction matching.CancelRestriction) (*types.Order, error) {
	if orderID == "" && origClientOrderID != "" {
		e.mu.Lock()
		orderID = e.clientID[userID+"|"+origClientOrderID]
		e.mu.Unlock()
	}
	if orderID == "" {
		return nil, types.ErrValidation.Wrap("orderId or origClientOrderId required")
	}

	// Algo parents live in the facade, not the engine.
	if order, done, err := e.cancelAlgo(userID, orderID, restriction); done {
		return order, err
	}

	mu := e.symbolMutex(symbol)
	mu.Lock()
	order, err := e.engine.CancelOrder(symbol, orderID, userID, restriction)
	mu.Unlock()
	if err != nil {
		return nil, err
	}
	return order, nil
}

// TestOrder validates an order and checks the funds it would lock, without
// touching the book or the ledger.
func (e *Exchange) TestOrder(order *types.Order) error {
	info, err := e.symbols.Get(order.Symbol)
	if err != nil {
		return err
	}
	if err := e.engine.TestOrder(order); err != nil {
		return err
	}
	lockPrice, err := e.lockPriceFor(order)
	if err != nil {
		return err
	}

	var amount math.LegacyDec
	var asset string
	if order.Side == types.SideBuy {
		asset = info.QuoteAsset
		if !order.QuoteOrderQty.IsNil() && order.QuoteOrderQty.IsPositive() {
			amount = order.QuoteOrderQty
		} else {
			amount = order.Quantity.Mul(lockPrice)
		}
	} else {
		asset = info.BaseAsset
		amount = order.Quantity
	}
	balances, err := e.accounts.BalancesSnapshot(order.UserID)
	if err != nil {
		return types.ErrInsufficientFunds.Wrapf("no account for %s", order.UserID)
	}
	if balances[asset].Free.LT(amount) {
		return types.ErrInsufficientFunds.Wrapf("need %s %s, free %s", amount, asset, balances[asset].Free)
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// GetOrder returns one of the user's orders by server or client id.
func (e *Exchange) GetOrder(userID, orderID, clientOrderID string) (*types.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if orderID == "" && clientOrderID != "" {
		orderID = e.clientID[userID+"|"+clientOrderID]
	}
	order, ok := e.orders[orderID]
	if !ok || order.UserID != userID {
		return nil, types.ErrOrderNotFound.Wrapf("order %s", orderID)
	}
	return order, nil
}

// OpenOrders returns the user's active orders, optionally filtered by symbol.
func (e *Exchange) OpenOrders(userID, symbol string) []*types.Order {
	ids := e.accounts.OpenOrders(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.Order, 0, len(ids))
	for _, id := range ids {
		order, ok := e.orders[id]
		if !ok {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		out = append(out, order)
	}
	return out
}

// MyTrades returns the user's recent trades on a symbol, oldest first.
func (e *Exchange) MyTrades(userID, symbol string, limit int) []*types.Trade {
	all := e.engine.Book(symbol).Trades(0)
	out := make([]*types.Trade, 0)
	for _, tr := range all {
		if tr.BuyerUserID == userID || tr.SellerUserID == userID {
			out = append(out, tr)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Depth returns an aggregated order book snapshot.
func (e *Exchange) Depth(symbol string, levels int) (bids, asks []matching.DepthLevel, err error) {
	if _, err := e.symbols.Get(symbol); err != nil {
		return nil, nil, err
	}
	bids, asks = e.engine.Book(symbol).Depth(levels)
	return bids, asks, nil
}

// Klines returns candles for a symbol and interval.
func (e *Exchange) Klines(symbol string, interval KlineInterval, startMS, endMS int64, limit int) ([]*Kline, error) {
	if _, err := e.symbols.Get(symbol); err != nil {
		return nil, err
	}
	if !interval.Valid() {
		return nil, types.ErrValidation.Wrapf("invalid interval %s", interval)
	}
	return e.klines.Range(symbol, interval, startMS, endMS, limit), nil
}

// AccountSnapshot returns the user's balances.
func (e *Exchange) AccountSnapshot(userID string) (map[string]account.Balance, error) {
	return e.accounts.BalancesSnapshot(userID)
}

// MarketPrice returns the symbol's reference price.
func (e *Exchange) MarketPrice(symbol string) (math.LegacyDec, bool) {
	return e.engine.MarketPrice(symbol)
}

// Deposit credits a user's free balance and publishes the account delta.
func (e *Exchange) Deposit(userID, asset string, amount math.LegacyDec) error {
	if err := e.accounts.Deposit(userID, asset, amount); err != nil {
		return err
	}
	e.publishAccount(userID, asset)
	return nil
}

// Withdraw debits a user's free balance and publishes the account delta.
func (e *Exchange) Withdraw(userID, asset string, amount math.LegacyDec) error {
	if err := e.accounts.Withdraw(userID, asset, amount); err != nil {
		return err
	}
	e.publishAccount(userID, asset)
	return nil
}

// ============================================================================
// Market data ingress
// ============================================================================

// ProcessTick ingests one external market print: it moves the reference
// price, fires stops, advances algo slicers, feeds candles and publishes a
// MARKET event.
func (e *Exchange) ProcessTick(symbol string, price, qty math.LegacyDec, tsMS int64) error {
	if _, err := e.symbols.Get(symbol); err != nil {
		return err
	}

	mu := e.symbolMutex(symbol)
	mu.Lock()
	_, err := e.engine.UpdateReferencePrice(symbol, price)
	mu.Unlock()
	if err != nil {
		if types.ErrFatal.Is(err) {
			e.fatal(err)
		}
		return err
	}

	e.klines.Update(symbol, price, qty, tsMS)
	e.bus.Publish(events.New(events.EventMarket, events.PriorityNormal, "market-data",
		&events.MarketPayload{Symbol: symbol, Price: price, Quantity: qty}, tsMS))

	e.runAlgos(symbol)
	return nil
}

// ============================================================================
// Engine callbacks
// ============================================================================

// handleTrade settles both sides of a fill and publishes FILL and ACCOUNT
// events. Runs inside the engine call, under the symbol mutex.
func (e *Exchange) handleTrade(trade *types.Trade, taker, maker *types.Order) {
	info, err := e.symbols.Get(trade.Symbol)
	if err != nil {
		e.logger.Error("trade on unknown symbol", "symbol", trade.Symbol)
		return
	}
	value := trade.Value()

	// Seller pays base from its lock and receives quote net of fee.
	e.settleFromLock(trade.SellerOrderID, trade.SellerUserID, info.BaseAsset, trade.Quantity)
	if err := e.accounts.Credit(trade.SellerUserID, info.QuoteAsset, value.Sub(trade.CommissionSeller)); err != nil {
		e.logger.Error("seller credit failed", "trade", trade.TradeID, "err", err)
	}
	// Buyer pays quote from its lock and receives base net of fee.
	e.settleFromLock(trade.BuyerOrderID, trade.BuyerUserID, info.QuoteAsset, value)
	if err := e.accounts.Credit(trade.BuyerUserID, info.BaseAsset, trade.Quantity.Sub(trade.CommissionBuyer)); err != nil {
		e.logger.Error("buyer credit failed", "trade", trade.TradeID, "err", err)
	}

	e.klines.Update(trade.Symbol, trade.Price, trade.Quantity, trade.Timestamp)
	e.metrics.TradeExecuted(trade.Symbol, trade.Quantity, value)

	e.bus.Publish(events.New(events.EventFill, events.PriorityNormal, "matching",
		&events.FillPayload{Trade: *trade}, trade.Timestamp))
	e.publishAccount(trade.SellerUserID, info.BaseAsset)
	e.publishAccount(trade.SellerUserID, info.QuoteAsset)
	e.publishAccount(trade.BuyerUserID, info.QuoteAsset)
	e.publishAccount(trade.BuyerUserID, info.BaseAsset)
}

// settleFromLock consumes the order's lock first and falls back to the free
// balance when a market execution overran the locked estimate.
func (e *Exchange) settleFromLock(orderID, userID, asset string, amount math.LegacyDec) {
	e.mu.Lock()
	ls := e.locks[orderID]
	var take math.LegacyDec
	if ls == nil || ls.asset != asset {
		take = math.LegacyZeroDec()
	} else if ls.remaining.LT(amount) {
		take = ls.remaining
	} else {
		take = amount
	}
	if ls != nil {
		ls.remaining = ls.remaining.Sub(take)
	}
	e.mu.Unlock()

	if take.IsPositive() {
		if err := e.accounts.Settle(userID, asset, take); err != nil {
			e.logger.Error("settle failed", "order", orderID, "err", err)
		}
	}
	if shortfall := amount.Sub(take); shortfall.IsPositive() {
		// Unreachable while placements cap spend by available funds; an
		// uncovered shortfall means the books no longer balance.
		if err := e.accounts.Withdraw(userID, asset, shortfall); err != nil {
			e.fatal(types.ErrFatal.Wrapf("settlement shortfall uncovered for order %s: %s %s", orderID, shortfall, asset))
		}
	}
}

// handleOrderUpdate maintains the registries and publishes the ORDER event.
func (e *Exchange) handleOrderUpdate(order *types.Order) {
	e.mu.Lock()
	e.orders[order.OrderID] = order
	_, isChild := e.children[order.OrderID]
	e.mu.Unlock()

	if !isChild {
		if order.IsActive() {
			e.accounts.AddOpenOrder(order.UserID, order.OrderID)
		} else if order.Status.IsTerminal() {
			e.accounts.RemoveOpenOrder(order.UserID, order.OrderID)
			e.releaseLock(order)
		}
	}
	e.publishOrder(order)

	if isChild && order.Status.IsTerminal() {
		e.onChildDone(order)
	}
}

// releaseLock unlocks whatever remains of an order's fund lock.
func (e *Exchange) releaseLock(order *types.Order) {
	e.mu.Lock()
	ls := e.locks[order.OrderID]
	delete(e.locks, order.OrderID)
	e.mu.Unlock()
	if ls == nil || !ls.remaining.IsPositive() {
		return
	}
	if err := e.accounts.Unlock(order.UserID, ls.asset, ls.remaining); err != nil {
		e.logger.Error("unlock failed", "order", order.OrderID, "err", err)
		return
	}
	ls.remaining = math.LegacyZeroDec()
	e.publishAccount(order.UserID, ls.asset)
}

// fatal publishes SYSTEM_ERROR for an unrecoverable inconsistency. The
// caller propagates the error; the process owner decides to halt.
func (e *Exchange) fatal(err error) {
	e.logger.Error("fatal exchange inconsistency", "err", err)
	ev := events.New(events.EventSystemError, events.PriorityCritical, "exchange", nil, e.clk.NowMS())
	ev.Metadata = map[string]string{"error": err.Error()}
	e.bus.Publish(ev)
}

// ORDER, FILL and ACCOUNT all publish at PriorityNormal: FIFO within the
// class is what keeps each fill's ORDER, FILL, ACCOUNT deliveries adjacent.
func (e *Exchange) publishOrder(order *types.Order) {
	e.bus.Publish(events.New(events.EventOrder, events.PriorityNormal, "exchange",
		&events.OrderPayload{Order: *order}, e.clk.NowMS()))
}

func (e *Exchange) publishAccount(userID, asset string) {
	balances, err := e.accounts.BalancesSnapshot(userID)
	if err != nil {
		return
	}
	b := balances[asset]
	e.bus.Publish(events.New(events.EventAccount, events.PriorityNormal, "exchange",
		&events.AccountPayload{UserID: userID, Asset: asset, Free: b.Free, Locked: b.Locked}, e.clk.NowMS()))
}
