package core

import (
	"testing"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/simexchange/exchange/account"
	"github.com/openalpha/simexchange/exchange/clock"
	"github.com/openalpha/simexchange/exchange/events"
	"github.com/openalpha/simexchange/exchange/matching"
	"github.com/openalpha/simexchange/exchange/types"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

type fixture struct {
	ex       *Exchange
	bus      *events.Bus
	accounts *account.Manager
	clk      *clock.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.NewNopLogger()

	clk := clock.New(logger)
	clk.SetMode(clock.Backtest)
	clk.SetVirtualTime(1_700_000_000_000)

	bus, err := events.NewBus(logger, 0, 0)
	require.NoError(t, err)

	accounts := account.NewManager(logger)
	symbols := types.NewSymbolTable()
	require.NoError(t, symbols.Register(&types.SymbolInfo{
		Symbol:         "BTCUSDT",
		BaseAsset:      "BTC",
		QuoteAsset:     "USDT",
		PricePrecision: 2,
		QtyPrecision:   4,
		MinQty:         dec("0.0001"),
		MinNotional:    dec("10"),
		MakerFeeRate:   dec("0.001"),
		TakerFeeRate:   dec("0.002"),
	}))

	return &fixture{
		ex:       New(logger, clk, bus, accounts, symbols),
		bus:      bus,
		accounts: accounts,
		clk:      clk,
	}
}

func (f *fixture) fund(t *testing.T, user, asset, amount string) {
	t.Helper()
	require.NoError(t, f.accounts.Deposit(user, asset, dec(amount)))
}

func newOrder(user string, side types.Side, orderType types.OrderType, price, qty string) *types.Order {
	var p math.LegacyDec
	if price != "" {
		p = dec(price)
	}
	var q math.LegacyDec
	if qty != "" {
		q = dec(qty)
	}
	return types.NewOrder("", user, "BTCUSDT", side, orderType, p, q, 0)
}

func TestExchange_LimitTradeSettlesBothSides(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller", "BTC", "2")
	f.fund(t, "buyer", "USDT", "200000")

	sell := newOrder("seller", types.SideSell, types.OrderTypeLimit, "50000", "1")
	trades, err := f.ex.PlaceOrder(sell)
	require.NoError(t, err)
	require.Empty(t, trades)

	// Seller's base is locked while resting.
	bal, err := f.accounts.BalancesSnapshot("seller")
	require.NoError(t, err)
	require.True(t, bal["BTC"].Free.Equal(dec("1")), "free %s", bal["BTC"].Free)
	require.True(t, bal["BTC"].Locked.Equal(dec("1")))

	buy := newOrder("buyer", types.SideBuy, types.OrderTypeLimit, "50000", "1")
	trades, err = f.ex.PlaceOrder(buy)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	// Seller: -1 BTC, +50000 USDT minus 0.1% maker fee = 49950.
	bal, err = f.accounts.BalancesSnapshot("seller")
	require.NoError(t, err)
	require.True(t, bal["BTC"].Free.Equal(dec("1")))
	require.True(t, bal["BTC"].Locked.IsZero())
	require.True(t, bal["USDT"].Free.Equal(dec("49950")), "seller USDT %s", bal["USDT"].Free)

	// Buyer: -50000 USDT, +1 BTC minus 0.2% taker fee = 0.998.
	bal, err = f.accounts.BalancesSnapshot("buyer")
	require.NoError(t, err)
	require.True(t, bal["USDT"].Free.Equal(dec("150000")), "buyer USDT %s", bal["USDT"].Free)
	require.True(t, bal["USDT"].Locked.IsZero())
	require.True(t, bal["BTC"].Free.Equal(dec("0.998")), "buyer BTC %s", bal["BTC"].Free)
}

func TestExchange_ZeroSumConservationModuloFees(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller", "BTC", "5")
	f.fund(t, "buyer", "USDT", "500000")

	_, err := f.ex.PlaceOrder(newOrder("seller", types.SideSell, types.OrderTypeLimit, "50000", "2"))
	require.NoError(t, err)
	trades, err := f.ex.PlaceOrder(newOrder("buyer", types.SideBuy, types.OrderTypeLimit, "50000", "2"))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]

	sellerBal, _ := f.accounts.BalancesSnapshot("seller")
	buyerBal, _ := f.accounts.BalancesSnapshot("buyer")

	totalBTC := sellerBal["BTC"].Total().Add(buyerBal["BTC"].Total())
	totalUSDT := sellerBal["USDT"].Total().Add(buyerBal["USDT"].Total())

	// Initial totals minus the commissions retained by the exchange.
	require.True(t, totalBTC.Equal(dec("5").Sub(tr.CommissionBuyer)), "BTC total %s", totalBTC)
	require.True(t, totalUSDT.Equal(dec("500000").Sub(tr.CommissionSeller)), "USDT total %s", totalUSDT)
}

func TestExchange_InsufficientFundsRejected(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer", "USDT", "100")

	_, err := f.ex.PlaceOrder(newOrder("buyer", types.SideBuy, types.OrderTypeLimit, "50000", "1"))
	require.Error(t, err)
	require.True(t, types.ErrInsufficientFunds.Is(err))

	// Nothing locked after the rejection.
	bal, _ := f.accounts.BalancesSnapshot("buyer")
	require.True(t, bal["USDT"].Free.Equal(dec("100")))
	require.True(t, bal["USDT"].Locked.IsZero())
}

func TestExchange_CancelUnlocksRemainder(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer", "USDT", "100000")

	buy := newOrder("buyer", types.SideBuy, types.OrderTypeLimit, "50000", "1.5")
	_, err := f.ex.PlaceOrder(buy)
	require.NoError(t, err)

	bal, _ := f.accounts.BalancesSnapshot("buyer")
	require.True(t, bal["USDT"].Locked.Equal(dec("75000")))

	canceled, err := f.ex.CancelOrder("buyer", "BTCUSDT", buy.OrderID, "", matching.RestrictionNone)
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusCanceled, canceled.Status)

	bal, _ = f.accounts.BalancesSnapshot("buyer")
	require.True(t, bal["USDT"].Free.Equal(dec("100000")), "free %s", bal["USDT"].Free)
	require.True(t, bal["USDT"].Locked.IsZero())
	require.Empty(t, f.ex.OpenOrders("buyer", "BTCUSDT"))
}

func TestExchange_PartialFillUnlocksOnlyUnusedPortion(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller", "BTC", "1")
	f.fund(t, "buyer", "USDT", "100000")

	_, err := f.ex.PlaceOrder(newOrder("seller", types.SideSell, types.OrderTypeLimit, "50000", "1"))
	require.NoError(t, err)

	// IOC for 2: fills 1, the rest expires and its lock is returned.
	ioc := newOrder("buyer", types.SideBuy, types.OrderTypeLimit, "50000", "2")
	ioc.TimeInForce = types.TimeInForceIOC
	trades, err := f.ex.PlaceOrder(ioc)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, types.OrderStatusExpired, ioc.Status)

	bal, _ := f.accounts.BalancesSnapshot("buyer")
	// Locked 100000, spent 50000, remainder unlocked.
	require.True(t, bal["USDT"].Free.Equal(dec("50000")), "free %s", bal["USDT"].Free)
	require.True(t, bal["USDT"].Locked.IsZero())
}

func TestExchange_EventSequenceForAFill(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller", "BTC", "1")
	f.fund(t, "buyer", "USDT", "50000")

	var seq []events.EventType
	var pris []events.Priority
	f.bus.Subscribe(events.Wildcard, func(ev *events.Event) error {
		seq = append(seq, ev.Type)
		pris = append(pris, ev.Priority)
		return nil
	})

	_, err := f.ex.PlaceOrder(newOrder("seller", types.SideSell, types.OrderTypeLimit, "50000", "1"))
	require.NoError(t, err)
	_, err = f.ex.PlaceOrder(newOrder("buyer", types.SideBuy, types.OrderTypeLimit, "50000", "1"))
	require.NoError(t, err)

	f.bus.Start()
	f.bus.Stop()

	// The crossing placement yields: taker ORDER acceptance, FILL, ACCOUNT
	// deltas, maker ORDER update, taker ORDER final. Assert the relative
	// order of the classes we care about.
	idx := func(tag events.EventType) int {
		for i, got := range seq {
			if got == tag {
				return i
			}
		}
		return -1
	}
	require.GreaterOrEqual(t, idx(events.EventOrder), 0)
	require.Greater(t, idx(events.EventFill), idx(events.EventOrder), "ORDER precedes FILL")
	require.Greater(t, idx(events.EventAccount), idx(events.EventFill), "FILL precedes ACCOUNT")

	// One priority class for the whole lifecycle; the ordering above relies
	// on FIFO within it.
	for i, p := range pris {
		require.Equal(t, events.PriorityNormal, p, "event %s", seq[i])
	}
}

func TestExchange_MarketBuySpendCappedByAvailableFunds(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller", "BTC", "2")
	f.fund(t, "buyer", "USDT", "50000")

	_, err := f.ex.PlaceOrder(newOrder("seller", types.SideSell, types.OrderTypeLimit, "60000", "1"))
	require.NoError(t, err)
	// Reference price below the ask, so the buy lock underestimates the cost.
	require.NoError(t, f.ex.ProcessTick("BTCUSDT", dec("50000"), dec("0.1"), f.clk.NowMS()))

	buy := newOrder("buyer", types.SideBuy, types.OrderTypeMarket, "", "1")
	trades, err := f.ex.PlaceOrder(buy)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	// 50000 USDT affords 0.8333 BTC at 60000; the rest expires unfilled.
	require.Equal(t, types.OrderStatusExpired, buy.Status)
	require.True(t, buy.FilledQty.Equal(dec("0.8333")), "filled %s", buy.FilledQty)

	buyerBal, err := f.accounts.BalancesSnapshot("buyer")
	require.NoError(t, err)
	require.True(t, buyerBal["USDT"].Locked.IsZero())
	require.True(t, buyerBal["USDT"].Free.Equal(dec("2")), "buyer USDT %s", buyerBal["USDT"].Free)
	require.True(t, buyerBal["BTC"].Free.Equal(dec("0.8316")), "buyer BTC %s", buyerBal["BTC"].Free)

	// No quote minted: both totals plus the seller commission equal the deposit.
	sellerBal, err := f.accounts.BalancesSnapshot("seller")
	require.NoError(t, err)
	totalUSDT := buyerBal["USDT"].Total().Add(sellerBal["USDT"].Total())
	require.True(t, totalUSDT.Add(trades[0].CommissionSeller).Equal(dec("50000")), "USDT total %s", totalUSDT)
}

func TestExchange_ProcessTickFiresStopsAndKlines(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "maker", "USDT", "500000")
	f.fund(t, "alice", "BTC", "1")

	// Resting bid to absorb the stop sell.
	_, err := f.ex.PlaceOrder(newOrder("maker", types.SideBuy, types.OrderTypeLimit, "49000", "5"))
	require.NoError(t, err)

	stop := newOrder("alice", types.SideSell, types.OrderTypeStop, "", "1")
	stop.StopPrice = dec("49500")
	_, err = f.ex.PlaceOrder(stop)
	require.NoError(t, err)

	now := f.clk.NowMS()
	require.NoError(t, f.ex.ProcessTick("BTCUSDT", dec("50000"), dec("0.5"), now))
	require.Equal(t, types.OrderStatusNew, stop.Status)

	require.NoError(t, f.ex.ProcessTick("BTCUSDT", dec("49400"), dec("0.5"), now+1000))
	require.Equal(t, types.OrderStatusFilled, stop.Status)

	// Both ticks and the stop's fill landed in the 1m candle series.
	klines, err := f.ex.Klines("BTCUSDT", Kline1m, 0, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, klines)
	last := klines[len(klines)-1]
	require.True(t, last.Volume.IsPositive())
}

func TestExchange_OpenOrdersAndGetOrder(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "USDT", "100000")

	o := newOrder("alice", types.SideBuy, types.OrderTypeLimit, "40000", "1")
	o.ClientOrderID = "my-tag"
	_, err := f.ex.PlaceOrder(o)
	require.NoError(t, err)

	open := f.ex.OpenOrders("alice", "BTCUSDT")
	require.Len(t, open, 1)
	require.Equal(t, o.OrderID, open[0].OrderID)

	byClient, err := f.ex.GetOrder("alice", "", "my-tag")
	require.NoError(t, err)
	require.Equal(t, o.OrderID, byClient.OrderID)

	_, err = f.ex.GetOrder("mallory", o.OrderID, "")
	require.Error(t, err)
}

func TestExchange_MyTrades(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller", "BTC", "3")
	f.fund(t, "buyer", "USDT", "300000")
	f.fund(t, "other", "USDT", "300000")

	_, err := f.ex.PlaceOrder(newOrder("seller", types.SideSell, types.OrderTypeLimit, "50000", "2"))
	require.NoError(t, err)
	_, err = f.ex.PlaceOrder(newOrder("buyer", types.SideBuy, types.OrderTypeLimit, "50000", "1"))
	require.NoError(t, err)
	_, err = f.ex.PlaceOrder(newOrder("other", types.SideBuy, types.OrderTypeLimit, "50000", "1"))
	require.NoError(t, err)

	mine := f.ex.MyTrades("buyer", "BTCUSDT", 0)
	require.Len(t, mine, 1)
	require.Equal(t, "buyer", mine[0].BuyerUserID)

	sellers := f.ex.MyTrades("seller", "BTCUSDT", 0)
	require.Len(t, sellers, 2)
}

func TestExchange_TestOrderChecksFundsWithoutLocking(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "USDT", "100000")

	require.NoError(t, f.ex.TestOrder(newOrder("alice", types.SideBuy, types.OrderTypeLimit, "50000", "1")))
	err := f.ex.TestOrder(newOrder("alice", types.SideBuy, types.OrderTypeLimit, "50000", "3"))
	require.Error(t, err)
	require.True(t, types.ErrInsufficientFunds.Is(err))

	bal, _ := f.accounts.BalancesSnapshot("alice")
	require.True(t, bal["USDT"].Locked.IsZero())
	require.Empty(t, f.ex.OpenOrders("alice", "BTCUSDT"))
}

func TestExchange_MarketBuyByQuoteUnlocksNothingWhenExact(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller", "BTC", "2")
	f.fund(t, "buyer", "USDT", "100000")

	_, err := f.ex.PlaceOrder(newOrder("seller", types.SideSell, types.OrderTypeLimit, "50000", "2"))
	require.NoError(t, err)

	o := newOrder("buyer", types.SideBuy, types.OrderTypeMarket, "", "")
	o.QuoteOrderQty = dec("75000")
	trades, err := f.ex.PlaceOrder(o)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, types.OrderStatusFilled, o.Status)

	bal, _ := f.accounts.BalancesSnapshot("buyer")
	require.True(t, bal["USDT"].Locked.IsZero())
	require.True(t, bal["USDT"].Free.Equal(dec("25000")), "free %s", bal["USDT"].Free)
	// 1.5 BTC minus 0.2% taker fee.
	require.True(t, bal["BTC"].Free.Equal(dec("1.497")), "BTC %s", bal["BTC"].Free)
}

func TestExchange_TWAPSlicesAcrossTicks(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "seller", "BTC", "10")
	f.fund(t, "buyer", "USDT", "600000")

	// Liquidity and a reference price.
	_, err := f.ex.PlaceOrder(newOrder("seller", types.SideSell, types.OrderTypeLimit, "50000", "10"))
	require.NoError(t, err)
	now := f.clk.NowMS()
	require.NoError(t, f.ex.ProcessTick("BTCUSDT", dec("50000"), dec("0.1"), now))

	twap := newOrder("buyer", types.SideBuy, types.OrderTypeTWAP, "", "10")
	trades, err := f.ex.PlaceOrder(twap)
	require.NoError(t, err)
	require.Empty(t, trades)
	require.Equal(t, types.OrderStatusNew, twap.Status)

	// Walk the clock through the slice intervals; each tick runs due slices.
	for i := 0; i < defaultAlgoSlices; i++ {
		f.clk.Advance(time.Minute)
		now = f.clk.NowMS()
		require.NoError(t, f.ex.ProcessTick("BTCUSDT", dec("50000"), dec("0.1"), now))
	}

	require.Equal(t, types.OrderStatusFilled, twap.Status)
	require.True(t, twap.FilledQty.Equal(dec("10")), "filled %s", twap.FilledQty)

	bal, _ := f.accounts.BalancesSnapshot("buyer")
	require.True(t, bal["USDT"].Locked.IsZero(), "locked %s", bal["USDT"].Locked)
}

func TestExchange_DepositWithdrawPublishAccount(t *testing.T) {
	f := newFixture(t)
	var accountEvents int
	f.bus.Subscribe(events.EventAccount, func(*events.Event) error {
		accountEvents++
		return nil
	})

	require.NoError(t, f.ex.Deposit("alice", "USDT", dec("100")))
	require.Error(t, f.ex.Withdraw("alice", "USDT", dec("200")))
	require.NoError(t, f.ex.Withdraw("alice", "USDT", dec("50")))

	f.bus.Start()
	f.bus.Stop()
	require.Equal(t, 2, accountEvents)
}
