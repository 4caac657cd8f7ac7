package matching

import (
	"strconv"
	"testing"

	"cosmossdk.io/math"

	"github.com/openalpha/simexchange/exchange/types"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

func limitOrder(id, user string, side types.Side, price, qty string) *types.Order {
	return types.NewOrder(id, user, "BTCUSDT", side, types.OrderTypeLimit, dec(price), dec(qty), 0)
}

func TestBook_BestAndDepth(t *testing.T) {
	b := NewBook("BTCUSDT")
	b.Add(limitOrder("b1", "u1", types.SideBuy, "100", "1"))
	b.Add(limitOrder("b2", "u2", types.SideBuy, "101", "2"))
	b.Add(limitOrder("b3", "u3", types.SideBuy, "101", "3"))
	b.Add(limitOrder("a1", "u4", types.SideSell, "103", "1.5"))
	b.Add(limitOrder("a2", "u5", types.SideSell, "105", "4"))

	if bid, ok := b.BestBid(); !ok || !bid.Equal(dec("101")) {
		t.Errorf("best bid %s %v", bid, ok)
	}
	if ask, ok := b.BestAsk(); !ok || !ask.Equal(dec("103")) {
		t.Errorf("best ask %s %v", ask, ok)
	}

	bids, asks := b.Depth(10)
	if len(bids) != 2 || len(asks) != 2 {
		t.Fatalf("depth sizes %d/%d", len(bids), len(asks))
	}
	if !bids[0].Price.Equal(dec("101")) || !bids[0].Qty.Equal(dec("5")) {
		t.Errorf("top bid %s@%s", bids[0].Qty, bids[0].Price)
	}
	if !bids[1].Price.Equal(dec("100")) {
		t.Errorf("bids not descending: %s", bids[1].Price)
	}
	if !asks[0].Price.Equal(dec("103")) || !asks[1].Price.Equal(dec("105")) {
		t.Errorf("asks not ascending: %s, %s", asks[0].Price, asks[1].Price)
	}

	bids, _ = b.Depth(1)
	if len(bids) != 1 {
		t.Errorf("depth limit ignored: %d", len(bids))
	}
}

func TestBook_RemoveDropsEmptyLevel(t *testing.T) {
	b := NewBook("BTCUSDT")
	b.Add(limitOrder("b1", "u1", types.SideBuy, "100", "1"))

	if _, ok := b.Remove("b1"); !ok {
		t.Fatal("remove failed")
	}
	if _, ok := b.Remove("b1"); ok {
		t.Error("double remove succeeded")
	}
	if _, ok := b.BestBid(); ok {
		t.Error("empty book still has a best bid")
	}
}

func TestBook_FIFOWithinLevel(t *testing.T) {
	b := NewBook("BTCUSDT")
	b.Add(limitOrder("first", "u1", types.SideSell, "100", "1"))
	b.Add(limitOrder("second", "u2", types.SideSell, "100", "1"))

	level := b.asks.best()
	if level.Front().OrderID != "first" {
		t.Errorf("front is %s", level.Front().OrderID)
	}
}

func TestBook_IcebergVisibility(t *testing.T) {
	b := NewBook("BTCUSDT")
	o := types.NewOrder("i1", "u1", "BTCUSDT", types.SideSell, types.OrderTypeIceberg, dec("100"), dec("10"), 0)
	o.DisplayQty = dec("2")
	b.Add(o)

	_, asks := b.Depth(10)
	if len(asks) != 1 || !asks[0].Qty.Equal(dec("2")) {
		t.Fatalf("iceberg exposes %v, want visible tranche 2", asks)
	}

	// Consuming the tranche refreshes it and keeps hidden qty hidden.
	o.Fill(dec("2"), 1)
	b.applyMakerFill(o, dec("2"))
	_, asks = b.Depth(10)
	if len(asks) != 1 || !asks[0].Qty.Equal(dec("2")) {
		t.Fatalf("after refresh iceberg exposes %v", asks)
	}

	// Final tranche shows only the remainder.
	o.Fill(dec("7"), 2)
	b.applyMakerFill(o, dec("7"))
	_, asks = b.Depth(10)
	if len(asks) != 1 || !asks[0].Qty.Equal(dec("1")) {
		t.Fatalf("final tranche exposes %v", asks)
	}
}

func TestBook_TradeRingBounded(t *testing.T) {
	b := NewBook("BTCUSDT")
	for i := 0; i < tradeHistoryCap+50; i++ {
		b.RecordTrade(&types.Trade{TradeID: strconv.Itoa(i), Price: dec("1"), Quantity: dec("1")})
	}

	got := b.Trades(0)
	if len(got) != tradeHistoryCap {
		t.Fatalf("ring holds %d, want %d", len(got), tradeHistoryCap)
	}
	if got[0].TradeID != "50" {
		t.Errorf("oldest retained is %s, want 50", got[0].TradeID)
	}
	if got[len(got)-1].TradeID != strconv.Itoa(tradeHistoryCap+49) {
		t.Errorf("newest is %s", got[len(got)-1].TradeID)
	}

	limited := b.Trades(10)
	if len(limited) != 10 || limited[9].TradeID != strconv.Itoa(tradeHistoryCap+49) {
		t.Errorf("limited window wrong: %d entries", len(limited))
	}
}

func TestBook_IsCrossed(t *testing.T) {
	b := NewBook("BTCUSDT")
	b.Add(limitOrder("b1", "u1", types.SideBuy, "100", "1"))
	b.Add(limitOrder("a1", "u2", types.SideSell, "101", "1"))
	if b.IsCrossed() {
		t.Error("healthy book reported crossed")
	}
	b.Add(limitOrder("b2", "u3", types.SideBuy, "101", "1"))
	if !b.IsCrossed() {
		t.Error("bid at ask not reported crossed")
	}
}
