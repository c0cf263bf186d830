package prices

import (
	"context"
	"errors"
	"testing"
	"time"

	"paper-tape/internal/domain"
)

type fetcherFake struct {
	fail  map[string]bool
	calls []string
}

func (f *fetcherFake) FetchBars(ctx context.Context, symbol, interval string, outputsize int) ([]domain.Bar, error) {
	f.calls = append(f.calls, symbol+"/"+interval)
	if f.fail[symbol] {
		return nil, errors.New("throttled")
	}
	return []domain.Bar{{Symbol: symbol, Interval: interval, OpenTime: time.Now().UTC()}}, nil
}

type writerFake struct {
	stored int
	err    error
}

func (f *writerFake) UpsertBars(ctx context.Context, bars []domain.Bar) error {
	if f.err != nil {
		return f.err
	}
	f.stored += len(bars)
	return nil
}

func TestRefreshWatchlistSkipsFailedSymbols(t *testing.T) {
	t.Parallel()

	fetcher := &fetcherFake{fail: map[string]bool{"MSFT": true}}
	writer := &writerFake{}
	refresher := NewRefresher(testTracer, fetcher, writer)

	refresher.RefreshWatchlist(context.Background(), []string{"AAPL", "MSFT"}, "SPY")

	// AAPL hourly, MSFT hourly (failed), SPY daily, SPY hourly.
	want := []string{"AAPL/1h", "MSFT/1h", "SPY/1d", "SPY/1h"}
	if len(fetcher.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, fetcher.calls)
	}
	for i, call := range want {
		if fetcher.calls[i] != call {
			t.Fatalf("expected calls %v, got %v", want, fetcher.calls)
		}
	}
	if writer.stored != 3 {
		t.Fatalf("expected 3 stored bars, got %d", writer.stored)
	}
}

func TestRefreshHourlyWrapsWriteError(t *testing.T) {
	t.Parallel()

	refresher := NewRefresher(testTracer, &fetcherFake{}, &writerFake{err: errors.New("db down")})
	if err := refresher.RefreshHourly(context.Background(), "AAPL"); err == nil {
		t.Fatal("expected write error to propagate")
	}
}
