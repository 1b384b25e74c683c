package money

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blues/microfund/internal/apperr"
	"github.com/blues/microfund/internal/logger"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// PriceFeed 外部报价源，返回 1 个结算资产折合多少展示币种
type PriceFeed interface {
	FetchPrice(ctx context.Context, currency string) (decimal.Decimal, error)
}

// RateSource 汇率来源
type RateSource string

const (
	RateSourceCache   RateSource = "cache"   // 缓存未过期
	RateSourceFeed    RateSource = "feed"    // 刚从报价源获取
	RateSourceStale   RateSource = "stale"   // 报价源失败，使用过期缓存
	RateSourceDefault RateSource = "default" // 静态兜底
)

// Rate 汇率
type Rate struct {
	Currency  string
	Price     decimal.Decimal
	Source    RateSource
	FetchedAt time.Time
}

type rateEntry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// RateCache 进程内共享的汇率缓存
type RateCache struct {
	feed     PriceFeed
	ttl      time.Duration
	timeout  time.Duration
	defaults map[string]decimal.Decimal
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]rateEntry
	group   singleflight.Group
}

// RateCacheOption 缓存选项
type RateCacheOption func(*RateCache)

// WithDefaults 设置静态兜底汇率
func WithDefaults(defaults map[string]decimal.Decimal) RateCacheOption {
	return func(c *RateCache) {
		for currency, price := range defaults {
			c.defaults[normalizeCurrency(currency)] = price
		}
	}
}

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) RateCacheOption {
	return func(c *RateCache) {
		c.now = now
	}
}

// NewRateCache 创建汇率缓存
func NewRateCache(feed PriceFeed, ttl, timeout time.Duration, opts ...RateCacheOption) *RateCache {
	c := &RateCache{
		feed:     feed,
		ttl:      ttl,
		timeout:  timeout,
		defaults: make(map[string]decimal.Decimal),
		now:      time.Now,
		entries:  make(map[string]rateEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ParseDefaults 解析配置中的静态汇率
func ParseDefaults(raw map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(raw))
	for currency, value := range raw {
		price, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("invalid default rate for %s: %w", currency, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("default rate for %s must be positive", currency)
		}
		out[normalizeCurrency(currency)] = price
	}
	return out, nil
}

// Get 获取汇率。顺序：未过期缓存、报价源、过期缓存、静态兜底
func (c *RateCache) Get(ctx context.Context, currency string) (Rate, error) {
	currency = normalizeCurrency(currency)

	c.mu.RLock()
	entry, ok := c.entries[currency]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return Rate{Currency: currency, Price: entry.price, Source: RateSourceCache, FetchedAt: entry.fetchedAt}, nil
	}

	v, err, _ := c.group.Do(currency, func() (interface{}, error) {
		return c.refresh(ctx, currency)
	})
	if err == nil {
		return v.(Rate), nil
	}

	if ok {
		logger.Warn("Price feed failed for %s, using stale rate from %s: %v", currency, entry.fetchedAt.Format(time.RFC3339), err)
		return Rate{Currency: currency, Price: entry.price, Source: RateSourceStale, FetchedAt: entry.fetchedAt}, nil
	}
	if price, ok := c.defaults[currency]; ok {
		logger.Warn("Price feed failed for %s and no cached rate, using static default: %v", currency, err)
		return Rate{Currency: currency, Price: price, Source: RateSourceDefault}, nil
	}
	return Rate{}, apperr.RateUnavailable(currency, err)
}

// refresh 在锁外调用报价源，只在写入时短暂加锁
func (c *RateCache) refresh(ctx context.Context, currency string) (Rate, error) {
	// 排队期间可能已被其他请求刷新
	c.mu.RLock()
	entry, ok := c.entries[currency]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return Rate{Currency: currency, Price: entry.price, Source: RateSourceCache, FetchedAt: entry.fetchedAt}, nil
	}

	if c.feed == nil {
		return Rate{}, fmt.Errorf("no price feed configured")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	price, err := c.feed.FetchPrice(fetchCtx, currency)
	if err != nil {
		return Rate{}, err
	}
	if !price.IsPositive() {
		return Rate{}, fmt.Errorf("price feed returned non-positive price %s", price)
	}

	now := c.now()
	c.mu.Lock()
	c.entries[currency] = rateEntry{price: price, fetchedAt: now}
	c.mu.Unlock()

	logger.Debug("Refreshed %s rate: %s", currency, price)
	return Rate{Currency: currency, Price: price, Source: RateSourceFeed, FetchedAt: now}, nil
}

// Invalidate 清除缓存
func (c *RateCache) Invalidate(currency string) {
	c.mu.Lock()
	delete(c.entries, normalizeCurrency(currency))
	c.mu.Unlock()
}

func normalizeCurrency(currency string) string {
	return strings.ToLower(strings.TrimSpace(currency))
}
