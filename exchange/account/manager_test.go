package account

import (
	"sync"
	"testing"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/simexchange/exchange/types"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

func newTestManager() *Manager {
	return NewManager(log.NewNopLogger())
}

func btcusdt() *types.SymbolInfo {
	return &types.SymbolInfo{
		Symbol:     "BTCUSDT",
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
	}
}

func TestManager_DepositWithdraw(t *testing.T) {
	m := newTestManager()

	if err := m.Deposit("alice", "USDT", dec("1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := m.Deposit("alice", "USDT", dec("-5")); err == nil {
		t.Error("negative deposit should fail")
	}
	if err := m.Withdraw("alice", "USDT", dec("400")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := m.Withdraw("alice", "USDT", dec("601")); err == nil {
		t.Error("overdraft withdraw should fail")
	}
	if err := m.Withdraw("bob", "USDT", dec("1")); err == nil {
		t.Error("withdraw from unknown account should fail")
	}

	bal, err := m.BalancesSnapshot("alice")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !bal["USDT"].Free.Equal(dec("600")) {
		t.Errorf("expected free 600, got %s", bal["USDT"].Free)
	}
}

func TestManager_LockUnlockRoundTrip(t *testing.T) {
	m := newTestManager()
	m.Deposit("alice", "USDT", dec("100"))

	if err := m.Lock("alice", "USDT", dec("60")); err != nil {
		t.Fatalf("lock: %v", err)
	}
	bal, _ := m.BalancesSnapshot("alice")
	if !bal["USDT"].Free.Equal(dec("40")) || !bal["USDT"].Locked.Equal(dec("60")) {
		t.Errorf("after lock: free %s locked %s", bal["USDT"].Free, bal["USDT"].Locked)
	}
	if !bal["USDT"].Total().Equal(dec("100")) {
		t.Errorf("lock changed total: %s", bal["USDT"].Total())
	}

	if err := m.Lock("alice", "USDT", dec("41")); err == nil {
		t.Error("lock beyond free should fail")
	}

	if err := m.Unlock("alice", "USDT", dec("60")); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	bal, _ = m.BalancesSnapshot("alice")
	if !bal["USDT"].Free.Equal(dec("100")) || !bal["USDT"].Locked.IsZero() {
		t.Errorf("round trip broken: free %s locked %s", bal["USDT"].Free, bal["USDT"].Locked)
	}

	if err := m.Unlock("alice", "USDT", dec("1")); err == nil {
		t.Error("unlock beyond locked should fail")
	}
}

func TestManager_SettleConsumesLocked(t *testing.T) {
	m := newTestManager()
	m.Deposit("alice", "USDT", dec("100"))
	m.Lock("alice", "USDT", dec("50"))

	if err := m.Settle("alice", "USDT", dec("30")); err != nil {
		t.Fatalf("settle: %v", err)
	}
	bal, _ := m.BalancesSnapshot("alice")
	if !bal["USDT"].Free.Equal(dec("50")) || !bal["USDT"].Locked.Equal(dec("20")) {
		t.Errorf("after settle: free %s locked %s", bal["USDT"].Free, bal["USDT"].Locked)
	}

	if err := m.Settle("alice", "USDT", dec("21")); err == nil {
		t.Error("settle beyond locked should fail")
	}
	if err := m.Settle("alice", "USDT", math.LegacyZeroDec()); err != nil {
		t.Errorf("zero settle should be a no-op: %v", err)
	}
}

func TestManager_CreditAcceptsZero(t *testing.T) {
	m := newTestManager()
	if err := m.Credit("alice", "BTC", math.LegacyZeroDec()); err != nil {
		t.Errorf("zero credit: %v", err)
	}
	if err := m.Credit("alice", "BTC", dec("0.5")); err != nil {
		t.Errorf("credit: %v", err)
	}
	bal, _ := m.BalancesSnapshot("alice")
	if !bal["BTC"].Free.Equal(dec("0.5")) {
		t.Errorf("expected 0.5 BTC, got %s", bal["BTC"].Free)
	}
}

func TestManager_LockForOrder(t *testing.T) {
	m := newTestManager()
	m.Deposit("alice", "USDT", dec("100000"))
	m.Deposit("alice", "BTC", dec("2"))

	// BUY by quantity locks qty*price of quote.
	amt, asset, err := m.LockForOrder("alice", types.SideBuy, btcusdt(), dec("50000"), dec("1.5"), math.LegacyDec{})
	if err != nil {
		t.Fatalf("buy lock: %v", err)
	}
	if asset != "USDT" || !amt.Equal(dec("75000")) {
		t.Errorf("buy lock %s %s", amt, asset)
	}

	// BUY by quoteOrderQty locks the quote amount directly.
	amt, asset, err = m.LockForOrder("alice", types.SideBuy, btcusdt(), math.LegacyDec{}, math.LegacyDec{}, dec("20000"))
	if err != nil {
		t.Fatalf("quote-qty lock: %v", err)
	}
	if asset != "USDT" || !amt.Equal(dec("20000")) {
		t.Errorf("quote-qty lock %s %s", amt, asset)
	}

	// SELL locks the base quantity.
	amt, asset, err = m.LockForOrder("alice", types.SideSell, btcusdt(), dec("50000"), dec("1.25"), math.LegacyDec{})
	if err != nil {
		t.Fatalf("sell lock: %v", err)
	}
	if asset != "BTC" || !amt.Equal(dec("1.25")) {
		t.Errorf("sell lock %s %s", amt, asset)
	}

	// Insufficient funds refuses without partial lock.
	_, _, err = m.LockForOrder("alice", types.SideSell, btcusdt(), dec("50000"), dec("10"), math.LegacyDec{})
	if err == nil {
		t.Fatal("expected insufficient funds")
	}
	bal, _ := m.BalancesSnapshot("alice")
	if !bal["BTC"].Locked.Equal(dec("1.25")) {
		t.Errorf("failed lock mutated balances: locked %s", bal["BTC"].Locked)
	}
}

func TestManager_OpenOrderIndex(t *testing.T) {
	m := newTestManager()
	m.AddOpenOrder("alice", "o2")
	m.AddOpenOrder("alice", "o1")
	m.AddOpenOrder("alice", "o3")
	m.RemoveOpenOrder("alice", "o2")
	m.RemoveOpenOrder("alice", "missing")
	m.RemoveOpenOrder("ghost", "o1")

	got := m.OpenOrders("alice")
	if len(got) != 2 || got[0] != "o1" || got[1] != "o3" {
		t.Errorf("open orders %v", got)
	}
	if got := m.OpenOrders("ghost"); got != nil {
		t.Errorf("unknown user should have no index, got %v", got)
	}
}

func TestManager_APIKeys(t *testing.T) {
	m := newTestManager()
	k1 := m.CreateAPIKey("alice")
	k2 := m.CreateAPIKey("alice")

	if len(k1) != 32 {
		t.Errorf("expected 32-char key, got %d", len(k1))
	}
	if k1 == k2 {
		t.Error("keys must be unique")
	}
	if user, ok := m.Authenticate(k1); !ok || user != "alice" {
		t.Errorf("authenticate k1: %s %v", user, ok)
	}
	if user, ok := m.Authenticate(k2); !ok || user != "alice" {
		t.Errorf("authenticate k2: %s %v", user, ok)
	}
	if _, ok := m.Authenticate("bogus"); ok {
		t.Error("bogus key authenticated")
	}
}

func TestManager_ConcurrentDepositsConserve(t *testing.T) {
	m := newTestManager()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Deposit("alice", "USDT", dec("1"))
			}
		}()
	}
	wg.Wait()

	bal, _ := m.BalancesSnapshot("alice")
	if !bal["USDT"].Free.Equal(dec("800")) {
		t.Errorf("expected 800 after concurrent deposits, got %s", bal["USDT"].Free)
	}
}
