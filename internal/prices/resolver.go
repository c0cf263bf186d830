package prices

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"paper-tape/internal/domain"
	"paper-tape/internal/provider"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"
)

// Method names recorded on resolved prices and, on exhaustion, in the
// PriceUnavailableError method list.
const (
	MethodStoredBar     = "bar-stored"
	MethodCachedQuote   = "quote-cached"
	MethodProviderBar   = "bar-provider"
	MethodProviderQuote = "quote-provider"
	MethodProviderSpot  = "price-provider"
)

const quoteCachePrefix = "quote:"

type BarStore interface {
	BarAt(ctx context.Context, symbol, interval string, at time.Time, lookback time.Duration) (*domain.Bar, error)
}

type MarketData interface {
	FetchBarsRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Bar, error)
	FetchQuote(ctx context.Context, symbol string) (*provider.Quote, error)
	FetchPrice(ctx context.Context, symbol string) (float64, error)
}

type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type ResolverConfig struct {
	// BarInterval is the stored bar interval consulted first.
	BarInterval string
	// BarLookback bounds how far behind the target a bar may sit and still
	// stand in for the price there. Wide enough to span weekends and
	// market holidays.
	BarLookback time.Duration
	// FreshWindow bounds the staleness of cached quotes and spot prices,
	// and how far from now a target may be for the near-now strategies.
	FreshWindow time.Duration
}

// Resolver finds the price of a symbol at a point in time, cheapest source
// first: stored bars, then the redis quote cache, then the provider. Every
// resolved price carries the timestamp it is actually valid for; when all
// strategies fail the caller gets a PriceUnavailableError, never a zero.
type Resolver struct {
	tracer   trace.Tracer
	bars     BarStore
	market   MarketData
	redis    RedisClient
	cfg      ResolverConfig
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewResolver(tracer trace.Tracer, bars BarStore, market MarketData, redisClient RedisClient, cfg ResolverConfig) *Resolver {
	if cfg.BarInterval == "" {
		cfg.BarInterval = "1h"
	}
	if cfg.BarLookback <= 0 {
		cfg.BarLookback = 96 * time.Hour
	}
	if cfg.FreshWindow <= 0 {
		cfg.FreshWindow = 2 * time.Minute
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, 3)
	for _, method := range []string{MethodProviderBar, MethodProviderQuote, MethodProviderSpot} {
		breakers[method] = newBreaker(method)
	}

	return &Resolver{
		tracer:   tracer,
		bars:     bars,
		market:   market,
		redis:    redisClient,
		cfg:      cfg,
		breakers: breakers,
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return gobreaker.NewCircuitBreaker(st)
}

// Resolve returns the price of symbol at the target time. Strategies run in
// fixed order and each failure is logged and skipped; the error lists every
// strategy tried.
func (r *Resolver) Resolve(ctx context.Context, symbol string, at time.Time) (domain.ResolvedPrice, error) {
	ctx, span := r.tracer.Start(ctx, "price-resolver.resolve")
	defer span.End()

	at = at.UTC()
	tried := make([]string, 0, 5)

	if r.bars != nil {
		tried = append(tried, MethodStoredBar)
		bar, err := r.bars.BarAt(ctx, symbol, r.cfg.BarInterval, at, r.cfg.BarLookback)
		if err != nil {
			log.Printf("price resolve %s: stored bar lookup: %v", symbol, err)
		} else if bar != nil {
			return domain.ResolvedPrice{Price: bar.Close, AsOf: bar.OpenTime, Method: MethodStoredBar}, nil
		}
	}

	if r.redis != nil && r.nearNow(at) {
		tried = append(tried, MethodCachedQuote)
		if cached := r.cachedQuote(ctx, symbol, at); cached != nil {
			return *cached, nil
		}
	}

	if r.market != nil {
		tried = append(tried, MethodProviderBar)
		if rp, ok := r.providerBar(ctx, symbol, at); ok {
			return rp, nil
		}

		tried = append(tried, MethodProviderQuote)
		if rp, ok := r.providerQuote(ctx, symbol, at); ok {
			return rp, nil
		}

		if r.nearNow(at) {
			tried = append(tried, MethodProviderSpot)
			if rp, ok := r.providerSpot(ctx, symbol, at); ok {
				return rp, nil
			}
		}
	}

	return domain.ResolvedPrice{}, &domain.PriceUnavailableError{Symbol: symbol, At: at, Methods: tried}
}

func (r *Resolver) nearNow(at time.Time) bool {
	delta := time.Since(at)
	if delta < 0 {
		delta = -delta
	}
	return delta <= r.cfg.FreshWindow
}

func (r *Resolver) providerBar(ctx context.Context, symbol string, at time.Time) (domain.ResolvedPrice, bool) {
	var bars []domain.Bar
	err := r.execute(ctx, MethodProviderBar, func() error {
		var err error
		bars, err = r.market.FetchBarsRange(ctx, symbol, r.cfg.BarInterval, at.Add(-r.cfg.BarLookback), at)
		return err
	})
	if err != nil {
		log.Printf("price resolve %s: provider bars: %v", symbol, err)
		return domain.ResolvedPrice{}, false
	}

	// Bars arrive oldest first; take the newest one not past the target.
	for i := len(bars) - 1; i >= 0; i-- {
		if !bars[i].OpenTime.After(at) {
			return domain.ResolvedPrice{Price: bars[i].Close, AsOf: bars[i].OpenTime, Method: MethodProviderBar}, true
		}
	}
	return domain.ResolvedPrice{}, false
}

func (r *Resolver) providerQuote(ctx context.Context, symbol string, at time.Time) (domain.ResolvedPrice, bool) {
	var quote *provider.Quote
	err := r.execute(ctx, MethodProviderQuote, func() error {
		var err error
		quote, err = r.market.FetchQuote(ctx, symbol)
		return err
	})
	if err != nil {
		log.Printf("price resolve %s: provider quote: %v", symbol, err)
		return domain.ResolvedPrice{}, false
	}

	// The quote carries its own timestamp; accept it only when that sits
	// inside the freshness window around the target.
	delta := at.Sub(quote.AsOf)
	if delta < 0 {
		delta = -delta
	}
	if delta > r.cfg.FreshWindow {
		return domain.ResolvedPrice{}, false
	}

	rp := domain.ResolvedPrice{Price: quote.Price, AsOf: quote.AsOf, Method: MethodProviderQuote}
	r.cacheQuote(ctx, symbol, rp)
	return rp, true
}

func (r *Resolver) providerSpot(ctx context.Context, symbol string, at time.Time) (domain.ResolvedPrice, bool) {
	var price float64
	err := r.execute(ctx, MethodProviderSpot, func() error {
		var err error
		price, err = r.market.FetchPrice(ctx, symbol)
		return err
	})
	if err != nil {
		log.Printf("price resolve %s: provider spot price: %v", symbol, err)
		return domain.ResolvedPrice{}, false
	}

	// The spot endpoint carries no timestamp: it is only valid now, which
	// the near-now gate already guarantees is close to the target.
	rp := domain.ResolvedPrice{Price: price, AsOf: time.Now().UTC(), Method: MethodProviderSpot}
	r.cacheQuote(ctx, symbol, rp)
	return rp, true
}

// execute runs one provider call through the strategy's circuit breaker with
// jittered exponential backoff. Open breakers and rejected requests are not
// retried.
func (r *Resolver) execute(ctx context.Context, method string, fn func() error) error {
	breaker := r.breakers[method]

	op := func() error {
		_, err := breaker.Execute(func() (any, error) {
			return nil, fn()
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 8 * time.Second
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

type quoteEntry struct {
	Price float64   `json:"price"`
	AsOf  time.Time `json:"as_of"`
}

func (r *Resolver) cacheQuote(ctx context.Context, symbol string, rp domain.ResolvedPrice) {
	if r.redis == nil {
		return
	}
	data, err := json.Marshal(quoteEntry{Price: rp.Price, AsOf: rp.AsOf})
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, quoteCachePrefix+symbol, data, r.cfg.FreshWindow).Err(); err != nil {
		log.Printf("quote cache write error for %s: %v", symbol, err)
	}
}

func (r *Resolver) cachedQuote(ctx context.Context, symbol string, at time.Time) *domain.ResolvedPrice {
	data, err := r.redis.Get(ctx, quoteCachePrefix+symbol).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		log.Printf("quote cache read error for %s: %v", symbol, err)
		return nil
	}

	var cached quoteEntry
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil
	}
	// Never serve a cached quote from after the target.
	if cached.AsOf.After(at) || at.Sub(cached.AsOf) > r.cfg.FreshWindow {
		return nil
	}
	return &domain.ResolvedPrice{Price: cached.Price, AsOf: cached.AsOf.UTC(), Method: MethodCachedQuote}
}
