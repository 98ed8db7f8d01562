package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cqdev-co/portfolio-sub002/internal/persistence"
)

// ClientConfig holds HTTP price source tuning
type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`

	// CacheTTL bounds the in-process cache tier, independent of the
	// shared redis tier's TTL.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultClientConfig returns production defaults for the price client
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: 10 * time.Second,
		RatePerSecond:  5,
		Burst:          5,
		BreakerTimeout: 30 * time.Second,
		CacheTTL:       15 * time.Minute,
	}
}

// HTTPSource fetches daily closes from the pricing service. Requests are
// rate limited and guarded by a circuit breaker; any transport or service
// failure resolves to ErrUnavailable so callers defer rather than fail.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPSource creates a price client for the given service
func NewHTTPSource(cfg ClientConfig) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("price source base_url is required")
	}
	def := DefaultClientConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}

	settings := gobreaker.Settings{
		Name:    "price-source",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("price source circuit breaker state change")
		},
	}

	return &HTTPSource{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}, nil
}

// CloseOn returns the latest daily close at or before date
func (s *HTTPSource) CloseOn(ctx context.Context, ticker string, date time.Time) (float64, error) {
	day := persistence.Day(date)
	bars, err := s.Series(ctx, ticker, day.AddDate(0, 0, -7), day)
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("%w: no closes for %s at %s", ErrUnavailable, ticker, day.Format("2006-01-02"))
	}
	return bars[len(bars)-1].Close, nil
}

// Series returns daily closes inside [from, to], ascending by date
func (s *HTTPSource) Series(ctx context.Context, ticker string, from, to time.Time) ([]Bar, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %w", ErrUnavailable, err)
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetchSeries(ctx, ticker, from, to)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit open for %s", ErrUnavailable, ticker)
		}
		return nil, err
	}
	return result.([]Bar), nil
}

func (s *HTTPSource) fetchSeries(ctx context.Context, ticker string, from, to time.Time) ([]Bar, error) {
	endpoint := fmt.Sprintf("%s/prices/%s?from=%s&to=%s",
		s.baseURL, url.PathEscape(ticker),
		persistence.Day(from).Format("2006-01-02"),
		persistence.Day(to).Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build price request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: no data for %s", ErrUnavailable, ticker)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: price service returned %d", ErrUnavailable, resp.StatusCode)
	}

	var payload struct {
		Bars []struct {
			Date  string  `json:"date"`
			Close float64 `json:"close"`
		} `json:"bars"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode price response: %w", ErrUnavailable, err)
	}

	bars := make([]Bar, 0, len(payload.Bars))
	for _, b := range payload.Bars {
		date, err := time.Parse("2006-01-02", b.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: bad bar date %q", ErrUnavailable, b.Date)
		}
		bars = append(bars, Bar{Date: persistence.Day(date), Close: b.Close})
	}
	return bars, nil
}
