package account

import (
	"sort"
	"strings"
	"sync"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/simexchange/exchange/types"
)

// Balance is one asset's position in an account.
type Balance struct {
	Free   math.LegacyDec
	Locked math.LegacyDec
}

// Total returns free + locked.
func (b Balance) Total() math.LegacyDec {
	return b.Free.Add(b.Locked)
}

type account struct {
	mu         sync.Mutex
	balances   map[string]*Balance
	openOrders map[string]struct{}
}

func newAccount() *account {
	return &account{
		balances:   make(map[string]*Balance),
		openOrders: make(map[string]struct{}),
	}
}

// balance returns the asset entry, creating a zero one on first touch.
func (a *account) balance(asset string) *Balance {
	b, ok := a.balances[asset]
	if !ok {
		b = &Balance{Free: math.LegacyZeroDec(), Locked: math.LegacyZeroDec()}
		a.balances[asset] = b
	}
	return b
}

// Manager is the exchange ledger: per-user free/locked balances, the open
// order index, and API key auth. All amounts are validated to stay
// non-negative; the zero-sum property across settle/credit pairs is the
// caller's contract.
type Manager struct {
	logger log.Logger

	mu       sync.RWMutex
	accounts map[string]*account
	apiKeys  map[string]string // key -> userID
}

func NewManager(logger log.Logger) *Manager {
	return &Manager{
		logger:   logger.With("module", "account"),
		accounts: make(map[string]*account),
		apiKeys:  make(map[string]string),
	}
}

// getOrCreate returns the user's account, creating it on first touch.
func (m *Manager) getOrCreate(userID string) *account {
	m.mu.RLock()
	acct, ok := m.accounts[userID]
	m.mu.RUnlock()
	if ok {
		return acct
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok = m.accounts[userID]; ok {
		return acct
	}
	acct = newAccount()
	m.accounts[userID] = acct
	return acct
}

func (m *Manager) get(userID string) (*account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, types.ErrAccountNotFound.Wrapf("user %s", userID)
	}
	return acct, nil
}

// Deposit adds amount to the user's free balance, creating the account on
// first deposit.
func (m *Manager) Deposit(userID, asset string, amount math.LegacyDec) error {
	if !amount.IsPositive() {
		return types.ErrValidation.Wrapf("deposit amount must be positive, got %s", amount)
	}
	acct := m.getOrCreate(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	b := acct.balance(asset)
	b.Free = b.Free.Add(amount)
	m.logger.Debug("deposit", "user", userID, "asset", asset, "amount", amount)
	return nil
}

// Withdraw removes amount from the user's free balance.
func (m *Manager) Withdraw(userID, asset string, amount math.LegacyDec) error {
	if !amount.IsPositive() {
		return types.ErrValidation.Wrapf("withdraw amount must be positive, got %s", amount)
	}
	acct, err := m.get(userID)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	b := acct.balance(asset)
	if b.Free.LT(amount) {
		return types.ErrInsufficientFunds.Wrapf("withdraw %s %s, free %s", amount, asset, b.Free)
	}
	b.Free = b.Free.Sub(amount)
	m.logger.Debug("withdraw", "user", userID, "asset", asset, "amount", amount)
	return nil
}

// Lock moves amount from free to locked.
func (m *Manager) Lock(userID, asset string, amount math.LegacyDec) error {
	if !amount.IsPositive() {
		return types.ErrValidation.Wrapf("lock amount must be positive, got %s", amount)
	}
	acct, err := m.get(userID)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	b := acct.balance(asset)
	if b.Free.LT(amount) {
		return types.ErrInsufficientFunds.Wrapf("lock %s %s, free %s", amount, asset, b.Free)
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

// Unlock moves amount from locked back to free.
func (m *Manager) Unlock(userID, asset string, amount math.LegacyDec) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return types.ErrValidation.Wrapf("unlock amount must be non-negative, got %s", amount)
	}
	acct, err := m.get(userID)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	b := acct.balance(asset)
	if b.Locked.LT(amount) {
		return types.ErrFatal.Wrapf("unlock %s %s exceeds locked %s", amount, asset, b.Locked)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)
	return nil
}

// Settle consumes amount from the locked balance, paying it out of the
// account. Used for the giving side of a fill.
func (m *Manager) Settle(userID, asset string, amount math.LegacyDec) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return types.ErrValidation.Wrapf("settle amount must be non-negative, got %s", amount)
	}
	acct, err := m.get(userID)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	b := acct.balance(asset)
	if b.Locked.LT(amount) {
		return types.ErrFatal.Wrapf("settle %s %s exceeds locked %s", amount, asset, b.Locked)
	}
	b.Locked = b.Locked.Sub(amount)
	return nil
}

// Credit adds amount to the free balance. Used for the receiving side of a
// fill; unlike Deposit it accepts zero.
func (m *Manager) Credit(userID, asset string, amount math.LegacyDec) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return types.ErrValidation.Wrapf("credit amount must be non-negative, got %s", amount)
	}
	acct := m.getOrCreate(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	b := acct.balance(asset)
	b.Free = b.Free.Add(amount)
	return nil
}

// LockForOrder locks the funds an order can consume and returns exactly what
// was locked, so the caller can unlock the unused remainder later.
//
//	BUY  by quantity:      qty * price of the quote asset
//	BUY  by quoteOrderQty: quoteOrderQty of the quote asset
//	SELL:                  qty of the base asset
func (m *Manager) LockForOrder(userID string, side types.Side, info *types.SymbolInfo, price, qty, quoteQty math.LegacyDec) (math.LegacyDec, string, error) {
	var amount math.LegacyDec
	var asset string

	switch side {
	case types.SideBuy:
		asset = info.QuoteAsset
		if !quoteQty.IsNil() && quoteQty.IsPositive() {
			amount = quoteQty
		} else {
			if price.IsNil() || !price.IsPositive() {
				return math.LegacyDec{}, "", types.ErrValidation.Wrap("buy lock requires a price or quoteOrderQty")
			}
			amount = qty.Mul(price)
		}
	case types.SideSell:
		asset = info.BaseAsset
		amount = qty
	default:
		return math.LegacyDec{}, "", types.ErrValidation.Wrap("order side unspecified")
	}

	if err := m.Lock(userID, asset, amount); err != nil {
		return math.LegacyDec{}, "", err
	}
	return amount, asset, nil
}

// BalancesSnapshot returns a copy of the user's balances.
func (m *Manager) BalancesSnapshot(userID string) (map[string]Balance, error) {
	acct, err := m.get(userID)
	if err != nil {
		return nil, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	out := make(map[string]Balance, len(acct.balances))
	for asset, b := range acct.balances {
		out[asset] = *b
	}
	return out, nil
}

// AddOpenOrder records an order id in the user's open order index.
func (m *Manager) AddOpenOrder(userID, orderID string) {
	acct := m.getOrCreate(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.openOrders[orderID] = struct{}{}
}

// RemoveOpenOrder drops an order id from the index. Unknown ids are ignored.
func (m *Manager) RemoveOpenOrder(userID, orderID string) {
	acct, err := m.get(userID)
	if err != nil {
		return
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	delete(acct.openOrders, orderID)
}

// OpenOrders returns the user's open order ids, sorted.
func (m *Manager) OpenOrders(userID string) []string {
	acct, err := m.get(userID)
	if err != nil {
		return nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	out := make([]string, 0, len(acct.openOrders))
	for id := range acct.openOrders {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CreateAPIKey issues a new key bound to the user, creating the account if
// needed. Multiple keys per user are allowed.
func (m *Manager) CreateAPIKey(userID string) string {
	m.getOrCreate(userID)
	key := strings.ReplaceAll(uuid.NewString(), "-", "")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[key] = userID
	m.logger.Info("api key issued", "user", userID)
	return key
}

// Authenticate resolves an API key to its user.
func (m *Manager) Authenticate(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.apiKeys[key]
	return userID, ok
}
