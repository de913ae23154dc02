package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/futures_risk_engine/internal/domain"
	"go.uber.org/zap"
)

// MaxPriceAge is how old a cached price may be before a REST fetch is forced.
const MaxPriceAge = 5000 * time.Millisecond

type priceEntry struct {
	price   decimal.Decimal
	eventMs int64
}

// PriceCache holds the last traded price per symbol. Entries are replaced
// whole, never patched.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]priceEntry
}

func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]priceEntry)}
}

// Record implements domain.PriceRecorder.
func (c *PriceCache) Record(symbol string, price decimal.Decimal, eventMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = priceEntry{price: price, eventMs: eventMs}
}

// Get returns the cached price and its event time in epoch milliseconds.
func (c *PriceCache) Get(symbol string) (decimal.Decimal, int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.prices[symbol]
	return e.price, e.eventMs, ok
}

// PriceService serves prices from the cache and falls back to the ticker
// endpoint when the cached value is missing or stale.
type PriceService struct {
	cache    *PriceCache
	exchange domain.ExchangeClient
	logger   *zap.Logger
	maxAge   time.Duration
	now      func() time.Time
}

func NewPriceService(cache *PriceCache, exchange domain.ExchangeClient, logger *zap.Logger) *PriceService {
	return &PriceService{
		cache:    cache,
		exchange: exchange,
		logger:   logger.With(zap.String("component", "price")),
		maxAge:   MaxPriceAge,
		now:      time.Now,
	}
}

func (s *PriceService) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	nowMs := s.now().UnixMilli()
	if price, ts, ok := s.cache.Get(symbol); ok && price.IsPositive() && nowMs-ts <= s.maxAge.Milliseconds() {
		return price, nil
	}

	price, err := s.exchange.TickerPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price for %s: %w", symbol, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, domain.NewValidationError("fetch price", fmt.Sprintf("non-positive price %s for %s", price, symbol))
	}
	s.logger.Debug("Price refreshed over REST", zap.String("symbol", symbol), zap.String("price", price.String()))
	s.cache.Record(symbol, price, nowMs)
	return price, nil
}

// Cached returns the last cached price regardless of age.
func (s *PriceService) Cached(symbol string) (decimal.Decimal, bool) {
	price, _, ok := s.cache.Get(symbol)
	return price, ok
}
