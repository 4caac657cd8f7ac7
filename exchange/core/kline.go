package core

import (
	"sync"
	"time"

	"cosmossdk.io/math"
)

// KlineInterval identifies a candle width.
type KlineInterval string

const (
	Kline1m  KlineInterval = "1m"
	Kline5m  KlineInterval = "5m"
	Kline15m KlineInterval = "15m"
	Kline30m KlineInterval = "30m"
	Kline1h  KlineInterval = "1h"
	Kline4h  KlineInterval = "4h"
	Kline1d  KlineInterval = "1d"
)

// Intervals lists the supported widths, narrowest first.
var Intervals = []KlineInterval{Kline1m, Kline5m, Kline15m, Kline30m, Kline1h, Kline4h, Kline1d}

// Duration returns the candle width.
func (i KlineInterval) Duration() time.Duration {
	switch i {
	case Kline1m:
		return time.Minute
	case Kline5m:
		return 5 * time.Minute
	case Kline15m:
		return 15 * time.Minute
	case Kline30m:
		return 30 * time.Minute
	case Kline1h:
		return time.Hour
	case Kline4h:
		return 4 * time.Hour
	case Kline1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Valid reports whether the interval is one of the supported widths.
func (i KlineInterval) Valid() bool {
	for _, known := range Intervals {
		if i == known {
			return true
		}
	}
	return false
}

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime   int64 // ms, start of the candle
	CloseTime  int64 // ms, inclusive end
	Open       math.LegacyDec
	High       math.LegacyDec
	Low        math.LegacyDec
	Close      math.LegacyDec
	Volume     math.LegacyDec // base asset
	Turnover   math.LegacyDec // quote asset
	TradeCount int64
}

func newKline(openTime, closeTime int64, price, volume math.LegacyDec) *Kline {
	return &Kline{
		OpenTime:   openTime,
		CloseTime:  closeTime,
		Open:       price,
		High:       price,
		Low:        price,
		Close:      price,
		Volume:     volume,
		Turnover:   price.Mul(volume),
		TradeCount: 1,
	}
}

func (k *Kline) update(price, volume math.LegacyDec) {
	if price.GT(k.High) {
		k.High = price
	}
	if price.LT(k.Low) {
		k.Low = price
	}
	k.Close = price
	k.Volume = k.Volume.Add(volume)
	k.Turnover = k.Turnover.Add(price.Mul(volume))
	k.TradeCount++
}

// klineSeriesCap bounds retained candles per symbol and interval.
const klineSeriesCap = 1000

// KlineStore aggregates market prints into candles for every supported
// interval.
type KlineStore struct {
	mu sync.RWMutex
	// symbol -> interval -> candles, oldest first
	series map[string]map[KlineInterval][]*Kline
}

func NewKlineStore() *KlineStore {
	return &KlineStore{series: make(map[string]map[KlineInterval][]*Kline)}
}

// Update folds one print into every interval's current candle.
func (s *KlineStore) Update(symbol string, price, volume math.LegacyDec, tsMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySymbol, ok := s.series[symbol]
	if !ok {
		bySymbol = make(map[KlineInterval][]*Kline)
		s.series[symbol] = bySymbol
	}
	for _, interval := range Intervals {
		width := interval.Duration().Milliseconds()
		openTime := tsMS - tsMS%width
		candles := bySymbol[interval]
		if n := len(candles); n > 0 && candles[n-1].OpenTime == openTime {
			candles[n-1].update(price, volume)
			continue
		}
		candles = append(candles, newKline(openTime, openTime+width-1, price, volume))
		if len(candles) > klineSeriesCap {
			candles = candles[len(candles)-klineSeriesCap:]
		}
		bySymbol[interval] = candles
	}
}

// Range returns up to limit candles, oldest first, bounded by the optional
// [startMS, endMS] open-time window (zero means unbounded).
func (s *KlineStore) Range(symbol string, interval KlineInterval, startMS, endMS int64, limit int) []*Kline {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candles := s.series[symbol][interval]
	out := make([]*Kline, 0, len(candles))
	for _, k := range candles {
		if startMS > 0 && k.OpenTime < startMS {
			continue
		}
		if endMS > 0 && k.OpenTime > endMS {
			continue
		}
		out = append(out, k)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
