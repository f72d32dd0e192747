// Package geocode provides free-text address search against a Nominatim-compatible service.
package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"caremap/internal/metrics"
	"caremap/internal/model"
	"caremap/internal/resilience"
)

const (
	DefaultMinQuery = 3
	DefaultLimit    = 5
)

// Suggestion is one candidate address for a free-text query.
type Suggestion struct {
	DisplayName string  `json:"display_name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Postcode    string  `json:"postcode"`
}

// Point returns the suggestion's coordinate.
func (s Suggestion) Point() model.GeoPoint { return model.GeoPoint{Lat: s.Lat, Lng: s.Lon} }

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the requests-per-second limit. Public Nominatim allows 1.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithMinQuery sets how many non-space characters a query needs before it is sent.
func WithMinQuery(n int) Option {
	return func(c *Client) { c.minQuery = n }
}

// WithLimit caps the number of suggestions returned.
func WithLimit(n int) Option {
	return func(c *Client) { c.limit = n }
}

// WithFallback sets the coordinate Resolve returns on a miss.
func WithFallback(p model.GeoPoint) Option {
	return func(c *Client) { c.fallback = p }
}

func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client searches addresses. It is safe for concurrent use.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	minQuery   int
	limit      int
	fallback   model.GeoPoint
	retry      resilience.RetryConfig
	log        *zap.Logger
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  "caremap/1.0",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(1, 1),
		minQuery:   DefaultMinQuery,
		limit:      DefaultLimit,
		fallback:   model.GeoPoint{Lat: 53.0, Lng: -1.5},
		retry:      resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: 500 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.L()
	}
	if c.limit <= 0 {
		c.limit = DefaultLimit
	}
	return c
}

// nominatimPlace is one entry of a /search?format=jsonv2 response.
type nominatimPlace struct {
	DisplayName string         `json:"display_name"`
	Lat         model.OptFloat `json:"lat"`
	Lon         model.OptFloat `json:"lon"`
	Address     struct {
		Postcode string `json:"postcode"`
	} `json:"address"`
}

// Search returns up to the configured number of suggestions for query. Queries shorter
// than the minimum return an empty list without calling the service. Candidates without
// a usable coordinate are dropped.
func (c *Client) Search(ctx context.Context, query string) ([]Suggestion, error) {
	query = strings.TrimSpace(query)
	if nonSpace(query) < c.minQuery {
		return []Suggestion{}, nil
	}

	cfg := c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("geocoder", "search")
	}
	places, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]nominatimPlace, error) {
		return c.search(ctx, query)
	})
	if err != nil {
		return nil, &model.ServiceError{Op: "geocode.search", Err: err}
	}

	out := make([]Suggestion, 0, len(places))
	for _, p := range places {
		pt := model.PointFrom(p.Lat, p.Lon)
		if pt == nil {
			continue
		}
		out = append(out, Suggestion{
			DisplayName: p.DisplayName,
			Lat:         pt.Lat,
			Lon:         pt.Lng,
			Postcode:    p.Address.Postcode,
		})
		if len(out) == c.limit {
			break
		}
	}
	return out, nil
}

func (c *Client) search(ctx context.Context, query string) (places []nominatimPlace, err error) {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.BackendRequests.WithLabelValues("geocode.search", status).Inc()
		metrics.BackendLatency.WithLabelValues("geocode.search").Observe(float64(time.Since(start).Milliseconds()))
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: rate limit")
	}

	params := url.Values{
		"q":              {query},
		"format":         {"jsonv2"},
		"addressdetails": {"1"},
		"limit":          {strconv.Itoa(c.limit)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: request")
	}
	defer resp.Body.Close() //nolint:errcheck
	status = strconv.Itoa(resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("geocode: search returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: read body")
	}
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, eris.Wrap(err, "geocode: parse response")
	}
	return places, nil
}

// Resolve returns the coordinate of the best suggestion for query. When there is none
// it returns the fallback coordinate with a GeocodeMiss; a failed search returns the
// fallback with the ServiceError. Callers log either and carry on.
func (c *Client) Resolve(ctx context.Context, query string) (model.GeoPoint, error) {
	found, err := c.Search(ctx, query)
	if err != nil {
		c.log.Warn("address search failed, using fallback", zap.String("query", query), zap.Error(err))
		return c.fallback, err
	}
	if len(found) == 0 {
		miss := &model.GeocodeMiss{Query: query}
		c.log.Warn("no coordinate for address, using fallback", zap.String("query", query))
		return c.fallback, miss
	}
	return found[0].Point(), nil
}

func nonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
