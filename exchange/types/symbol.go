package types

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cosmossdk.io/math"
)

// SymbolInfo describes a tradable pair and its trading rules.
type SymbolInfo struct {
	Symbol         string // e.g. "BTCUSDT"
	BaseAsset      string // e.g. "BTC"
	QuoteAsset     string // e.g. "USDT"
	PricePrecision int    // decimal places accepted on price
	QtyPrecision   int    // decimal places accepted on quantity
	MinQty         math.LegacyDec
	MinNotional    math.LegacyDec // minimum price*qty in quote asset
	MakerFeeRate   math.LegacyDec
	TakerFeeRate   math.LegacyDec
}

// ValidatePrice checks the price against tick precision.
func (s *SymbolInfo) ValidatePrice(price math.LegacyDec) error {
	if !price.IsPositive() {
		return ErrValidation.Wrapf("price must be positive, got %s", price)
	}
	if exceedsPrecision(price, s.PricePrecision) {
		return ErrValidation.Wrapf("price %s exceeds precision %d", price, s.PricePrecision)
	}
	return nil
}

// ValidateQty checks the quantity against lot precision and the minimum lot.
func (s *SymbolInfo) ValidateQty(qty math.LegacyDec) error {
	if !qty.IsPositive() {
		return ErrValidation.Wrapf("quantity must be positive, got %s", qty)
	}
	if !s.MinQty.IsNil() && qty.LT(s.MinQty) {
		return ErrValidation.Wrapf("quantity %s below minimum %s", qty, s.MinQty)
	}
	if exceedsPrecision(qty, s.QtyPrecision) {
		return ErrValidation.Wrapf("quantity %s exceeds precision %d", qty, s.QtyPrecision)
	}
	return nil
}

// ValidateNotional checks price*qty against the minimum notional.
func (s *SymbolInfo) ValidateNotional(price, qty math.LegacyDec) error {
	if s.MinNotional.IsNil() {
		return nil
	}
	if notional := price.Mul(qty); notional.LT(s.MinNotional) {
		return ErrValidation.Wrapf("notional %s below minimum %s", notional, s.MinNotional)
	}
	return nil
}

// FeeRate returns the fee rate for a fill role.
func (s *SymbolInfo) FeeRate(maker bool) math.LegacyDec {
	if maker {
		return s.MakerFeeRate
	}
	return s.TakerFeeRate
}

// RoundFeeUp rounds a fee away from zero at the asset's precision, so the
// exchange never undercollects by a sub-precision sliver.
func RoundFeeUp(amount math.LegacyDec, places int) math.LegacyDec {
	if amount.IsZero() {
		return amount
	}
	shift := math.LegacyNewDec(10).Power(uint64(places))
	return amount.Mul(shift).Ceil().Quo(shift)
}

func exceedsPrecision(d math.LegacyDec, places int) bool {
	// LegacyDec carries 18 decimal places; everything past the symbol's
	// precision must be zero.
	str := d.String()
	dot := strings.IndexByte(str, '.')
	if dot < 0 {
		return false
	}
	frac := strings.TrimRight(str[dot+1:], "0")
	return len(frac) > places
}

// SymbolTable is the registry of tradable pairs.
type SymbolTable struct {
	mu      sync.RWMutex
	symbols map[string]*SymbolInfo
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{symbols: make(map[string]*SymbolInfo)}
}

// Register adds or replaces a symbol definition.
func (t *SymbolTable) Register(info *SymbolInfo) error {
	if info.Symbol == "" || info.BaseAsset == "" || info.QuoteAsset == "" {
		return fmt.Errorf("symbol definition incomplete: %+v", info)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols[info.Symbol] = info
	return nil
}

// Get returns the definition for symbol, or ErrSymbolNotFound.
func (t *SymbolTable) Get(symbol string) (*SymbolInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.symbols[symbol]
	if !ok {
		return nil, ErrSymbolNotFound.Wrapf("%s", symbol)
	}
	return info, nil
}

// List returns all registered symbols sorted by name.
func (t *SymbolTable) List() []*SymbolInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*SymbolInfo, 0, len(t.symbols))
	for _, info := range t.symbols {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
