package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"paper-tape/internal/domain"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.twelvedata.com"

// Bar datetimes arrive as "2006-01-02 15:04:05" for intraday intervals and
// "2006-01-02" for daily ones.
const (
	datetimeLayout = "2006-01-02 15:04:05"
	dateLayout     = "2006-01-02"
)

// APIError carries the upstream status code so callers can tell throttling
// and outages apart from bad requests.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("market data API error %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure is transient (throttling or a
// server-side fault) rather than a rejected request.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Quote is a point-in-time price snapshot from the quote endpoint.
type Quote struct {
	Symbol string
	Price  float64
	AsOf   time.Time
}

// Options configures the market data client.
type Options struct {
	APIKey     string
	BaseURL    string
	RatePerMin int
	Timeout    time.Duration
}

// Client fetches equity bars, quotes, and spot prices from the market data
// API. Every request passes through a shared per-minute rate limiter.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
}

// NewClient creates a market data client. The free tier allows roughly one
// request per second, so the limiter keeps a small burst for the strategy
// fallback chain and spreads the rest across the minute.
func NewClient(opts Options, tracer trace.Tracer) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.RatePerMin <= 0 {
		opts.RatePerMin = 55
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}

	return &Client{
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMin)), 4),
		tracer:  tracer,
	}
}

// FetchBars fetches the most recent bars for a symbol and interval, oldest
// first.
func (c *Client) FetchBars(ctx context.Context, symbol, interval string, outputsize int) ([]domain.Bar, error) {
	_, span := c.tracer.Start(ctx, "marketdata.fetch-bars")
	defer span.End()

	apiIv, ok := apiInterval(interval)
	if !ok {
		return nil, fmt.Errorf("unsupported interval: %s", interval)
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", apiIv)
	q.Set("outputsize", strconv.Itoa(outputsize))
	q.Set("timezone", "UTC")
	q.Set("apikey", c.apiKey)

	body, err := c.doRequest(ctx, c.baseURL+"/time_series?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch bars for %s: %w", symbol, err)
	}
	return decodeBars(symbol, interval, body)
}

// FetchBarsRange fetches bars between start and end (inclusive), oldest
// first. Used when resolving a historical price at an exact timestamp.
func (c *Client) FetchBarsRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Bar, error) {
	_, span := c.tracer.Start(ctx, "marketdata.fetch-bars-range")
	defer span.End()

	apiIv, ok := apiInterval(interval)
	if !ok {
		return nil, fmt.Errorf("unsupported interval: %s", interval)
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", apiIv)
	q.Set("start_date", start.UTC().Format(datetimeLayout))
	q.Set("end_date", end.UTC().Format(datetimeLayout))
	q.Set("timezone", "UTC")
	q.Set("apikey", c.apiKey)

	body, err := c.doRequest(ctx, c.baseURL+"/time_series?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch bars range for %s: %w", symbol, err)
	}
	return decodeBars(symbol, interval, body)
}

// FetchQuote fetches the latest quote snapshot for a symbol.
func (c *Client) FetchQuote(ctx context.Context, symbol string) (*Quote, error) {
	_, span := c.tracer.Start(ctx, "marketdata.fetch-quote")
	defer span.End()

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("apikey", c.apiKey)

	body, err := c.doRequest(ctx, c.baseURL+"/quote?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("fetch quote for %s: %w", symbol, err)
	}

	var raw struct {
		Symbol    string `json:"symbol"`
		Close     string `json:"close"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse quote for %s: %w", symbol, err)
	}

	price, err := parseField("close", raw.Close)
	if err != nil {
		return nil, fmt.Errorf("quote for %s: %w", symbol, err)
	}

	asOf := time.Now().UTC()
	if raw.Timestamp > 0 {
		asOf = time.Unix(raw.Timestamp, 0).UTC()
	}

	return &Quote{Symbol: symbol, Price: price, AsOf: asOf}, nil
}

// FetchPrice fetches the real-time spot price for a symbol. The endpoint
// carries no timestamp, so the caller must treat it as valid only near now.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	_, span := c.tracer.Start(ctx, "marketdata.fetch-price")
	defer span.End()

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("apikey", c.apiKey)

	body, err := c.doRequest(ctx, c.baseURL+"/price?"+q.Encode())
	if err != nil {
		return 0, fmt.Errorf("fetch price for %s: %w", symbol, err)
	}

	var raw struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("parse price for %s: %w", symbol, err)
	}
	return parseField("price", raw.Price)
}

func (c *Client) doRequest(ctx context.Context, requestURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	// The API reports errors inside a 200 body.
	if strings.Contains(string(body), `"status":"error"`) {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == 0 {
			return nil, &APIError{StatusCode: http.StatusBadGateway, Message: strings.TrimSpace(string(body))}
		}
		return nil, &APIError{StatusCode: apiErr.Code, Message: apiErr.Message}
	}

	return body, nil
}

type barRow struct {
	Datetime string `json:"datetime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

func decodeBars(symbol, interval string, body []byte) ([]domain.Bar, error) {
	var raw struct {
		Values []barRow `json:"values"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse bars for %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(raw.Values))
	for _, row := range raw.Values {
		openTime, err := parseBarTime(row.Datetime)
		if err != nil {
			return nil, fmt.Errorf("bar for %s: %w", symbol, err)
		}
		open, err := parseField("open", row.Open)
		if err != nil {
			return nil, fmt.Errorf("bar for %s at %s: %w", symbol, row.Datetime, err)
		}
		high, err := parseField("high", row.High)
		if err != nil {
			return nil, fmt.Errorf("bar for %s at %s: %w", symbol, row.Datetime, err)
		}
		low, err := parseField("low", row.Low)
		if err != nil {
			return nil, fmt.Errorf("bar for %s at %s: %w", symbol, row.Datetime, err)
		}
		closePx, err := parseField("close", row.Close)
		if err != nil {
			return nil, fmt.Errorf("bar for %s at %s: %w", symbol, row.Datetime, err)
		}

		// Volume comes back empty for some index symbols.
		volume := 0.0
		if strings.TrimSpace(row.Volume) != "" {
			volume, err = parseField("volume", row.Volume)
			if err != nil {
				return nil, fmt.Errorf("bar for %s at %s: %w", symbol, row.Datetime, err)
			}
		}

		bars = append(bars, domain.Bar{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: openTime,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    closePx,
			Volume:   volume,
		})
	}

	// The API returns newest first.
	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
	return bars, nil
}

func parseBarTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(datetimeLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable bar datetime %q", s)
	}
	return t.UTC(), nil
}

func parseField(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable %s %q", name, s)
	}
	return v, nil
}

// apiInterval maps internal interval names onto the provider's naming.
func apiInterval(interval string) (string, bool) {
	switch interval {
	case "1m":
		return "1min", true
	case "5m":
		return "5min", true
	case "15m":
		return "15min", true
	case "30m":
		return "30min", true
	case "1h":
		return "1h", true
	case "4h":
		return "4h", true
	case "1d":
		return "1day", true
	default:
		return "", false
	}
}
