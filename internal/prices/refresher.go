package prices

import (
	"context"
	"fmt"
	"log"

	"paper-tape/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

// Outputsizes cover the widest indicator window (14 days of hourly bars)
// with slack for half sessions.
const (
	hourlyOutputsize = 350
	dailyOutputsize  = 60
)

type BarFetcher interface {
	FetchBars(ctx context.Context, symbol, interval string, outputsize int) ([]domain.Bar, error)
}

type BarWriter interface {
	UpsertBars(ctx context.Context, bars []domain.Bar) error
}

// Refresher pulls recent bars from the market data provider into the bars
// table ahead of a decision batch, so scoring and price resolution work off
// stored data.
type Refresher struct {
	tracer  trace.Tracer
	fetcher BarFetcher
	writer  BarWriter
}

func NewRefresher(tracer trace.Tracer, fetcher BarFetcher, writer BarWriter) *Refresher {
	return &Refresher{tracer: tracer, fetcher: fetcher, writer: writer}
}

// RefreshHourly fetches and stores recent hourly bars for a symbol.
func (r *Refresher) RefreshHourly(ctx context.Context, symbol string) error {
	ctx, span := r.tracer.Start(ctx, "bar-refresher.refresh-hourly")
	defer span.End()

	bars, err := r.fetcher.FetchBars(ctx, symbol, "1h", hourlyOutputsize)
	if err != nil {
		return fmt.Errorf("refresh hourly bars for %s: %w", symbol, err)
	}
	if err := r.writer.UpsertBars(ctx, bars); err != nil {
		return fmt.Errorf("store hourly bars for %s: %w", symbol, err)
	}
	log.Printf("Refreshed hourly bars for %s (%d bars)", symbol, len(bars))
	return nil
}

// RefreshDaily fetches and stores recent daily bars for a symbol. Daily bars
// feed regime detection and the ML feature window.
func (r *Refresher) RefreshDaily(ctx context.Context, symbol string) error {
	ctx, span := r.tracer.Start(ctx, "bar-refresher.refresh-daily")
	defer span.End()

	bars, err := r.fetcher.FetchBars(ctx, symbol, "1d", dailyOutputsize)
	if err != nil {
		return fmt.Errorf("refresh daily bars for %s: %w", symbol, err)
	}
	if err := r.writer.UpsertBars(ctx, bars); err != nil {
		return fmt.Errorf("store daily bars for %s: %w", symbol, err)
	}
	log.Printf("Refreshed daily bars for %s (%d bars)", symbol, len(bars))
	return nil
}

// RefreshWatchlist refreshes hourly bars for every watchlist symbol and
// daily bars for the index symbol. Per-symbol failures are logged and
// skipped so one throttled symbol does not starve the rest.
func (r *Refresher) RefreshWatchlist(ctx context.Context, watchlist []string, indexSymbol string) {
	ctx, span := r.tracer.Start(ctx, "bar-refresher.refresh-watchlist")
	defer span.End()

	for _, symbol := range watchlist {
		if err := r.RefreshHourly(ctx, symbol); err != nil {
			log.Printf("bar refresh skipped for %s: %v", symbol, err)
		}
	}
	if indexSymbol != "" {
		if err := r.RefreshDaily(ctx, indexSymbol); err != nil {
			log.Printf("bar refresh skipped for index %s: %v", indexSymbol, err)
		}
		if err := r.RefreshHourly(ctx, indexSymbol); err != nil {
			log.Printf("bar refresh skipped for index %s: %v", indexSymbol, err)
		}
	}
}
