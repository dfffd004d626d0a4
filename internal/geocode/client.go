// Package geocode resolves a construction notice's case id to a single
// WGS84 point using the listing site's per-case lookup endpoint.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/digwatch/internal/metrics"
	"github.com/JakeFAU/digwatch/internal/notice"
)

var (
	// ErrNoCaseID is returned when a detail url carries no caseid parameter.
	ErrNoCaseID = errors.New("no case id in url")
	// ErrNoCoordinates is returned when the lookup succeeded but had no usable coordinates.
	ErrNoCoordinates = errors.New("no coordinates in lookup result")
)

var caseIDPattern = regexp.MustCompile(`(?i)caseid=(\d+)`)

// DefaultCoordinateKey is the field of the first result entry that carries
// the raw coordinate string.
const DefaultCoordinateKey = "POSITION"

// Transformer converts planar coordinates to lon/lat.
type Transformer interface {
	Transform(x, y float64) (lon, lat float64, ok bool)
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	CoordinateKey string
	Timeout       time.Duration
	// RequestsPerSecond limits outbound lookups; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	CacheSize         int
	UserAgent         string
	HTTPClient        *http.Client
}

// Client looks up case coordinates over HTTP.
type Client struct {
	baseURL     *url.URL
	key         string
	timeout     time.Duration
	userAgent   string
	httpClient  *http.Client
	limiter     *rate.Limiter
	cache       *pointCache
	transformer Transformer
	logger      *zap.Logger
}

// New builds a Client.
func New(opts Options, transformer Transformer, logger *zap.Logger) (*Client, error) {
	if transformer == nil {
		return nil, errors.New("transformer is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid geocode base url %q", opts.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	key := opts.CoordinateKey
	if key == "" {
		key = DefaultCoordinateKey
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL:     base,
		key:         key,
		timeout:     timeout,
		userAgent:   opts.UserAgent,
		httpClient:  client,
		limiter:     limiter,
		cache:       newPointCache(opts.CacheSize),
		transformer: transformer,
		logger:      logger,
	}, nil
}

// CaseID extracts the caseid parameter from a detail url.
func CaseID(detailURL string) (string, bool) {
	m := caseIDPattern.FindStringSubmatch(detailURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FirstPair parses the leading coordinate pair of a raw path string such as
// "306962.3,2769658.2,306970.1,2769660.8". Trailing pairs are ignored.
func FirstPair(raw string) (x, y float64, ok bool) {
	fields := strings.Split(raw, ",")
	if len(fields) < 2 {
		return 0, 0, false
	}
	xs, ys := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
	if xs == "" || ys == "" {
		return 0, 0, false
	}
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return 0, 0, false
	}
	y, err = strconv.ParseFloat(ys, 64)
	if err != nil {
		return 0, 0, false
	}
	return x, y, true
}

// Resolve returns the point for a detail url, or nil when none is available.
// It never returns an error; failures are logged and counted.
func (c *Client) Resolve(ctx context.Context, detailURL string) *notice.Geometry {
	caseID, ok := CaseID(detailURL)
	if !ok {
		metrics.ObserveGeocode(metrics.GeocodeNoCaseID, 0)
		return nil
	}
	g, err := c.Lookup(ctx, caseID)
	switch {
	case err == nil:
		return g
	case errors.Is(err, ErrNoCoordinates):
		c.logger.Debug("geocode returned no coordinates", zap.String("case_id", caseID))
	default:
		c.logger.Warn("geocode lookup failed", zap.String("case_id", caseID), zap.Error(err))
	}
	return nil
}

// Lookup performs one lookup for caseID. Results are cached when a cache is
// configured.
func (c *Client) Lookup(ctx context.Context, caseID string) (*notice.Geometry, error) {
	if caseID == "" {
		return nil, ErrNoCaseID
	}
	if g, ok := c.cache.get(caseID); ok {
		metrics.ObserveGeocode(metrics.GeocodeCached, 0)
		return g, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			metrics.ObserveGeocode(metrics.GeocodeError, 0)
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	start := time.Now()
	raw, err := c.fetch(ctx, caseID)
	elapsed := time.Since(start)
	if err != nil {
		metrics.ObserveGeocode(metrics.GeocodeError, elapsed)
		return nil, err
	}
	x, y, ok := FirstPair(raw)
	if !ok {
		metrics.ObserveGeocode(metrics.GeocodeEmpty, elapsed)
		return nil, ErrNoCoordinates
	}
	lon, lat, ok := c.transformer.Transform(x, y)
	if !ok {
		metrics.ObserveGeocode(metrics.GeocodeEmpty, elapsed)
		return nil, fmt.Errorf("transform (%f, %f): %w", x, y, ErrNoCoordinates)
	}
	g := notice.NewPoint(lon, lat)
	c.cache.put(caseID, g)
	metrics.ObserveGeocode(metrics.GeocodeOK, elapsed)
	return g, nil
}

func (c *Client) fetch(ctx context.Context, caseID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.baseURL
	q := u.Query()
	q.Set("caseid", caseID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("geocode request: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			c.logger.Debug("close geocode body", zap.Error(errClose))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("geocode status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entries []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return "", fmt.Errorf("decode geocode response: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}
	switch v := entries[0][c.key].(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(v), nil
	}
}

// Disabled is a Geocoder for deployments without a lookup service. It never
// resolves a geometry.
type Disabled struct{}

// Resolve always returns nil.
func (Disabled) Resolve(context.Context, string) *notice.Geometry { return nil }
