// Package collyfetcher implements scraper sessions using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/digwatch/internal/scraper"
)

const responseKey = "digwatch.response"

// Config controls collector behavior.
type Config struct {
	UserAgent          string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Fetcher hands out one cookie-isolated Session per scrape.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

var _ scraper.SessionFactory = (*Fetcher)(nil)

// New builds a Fetcher. Sessions share the connection pool but never cookies.
func New(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg, transport: newHTTPTransport(cfg.InsecureSkipVerify)}
}

// NewSession returns a Session backed by a fresh collector and cookie jar.
func (f *Fetcher) NewSession() (scraper.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(f.transport)
	collector.SetCookieJar(jar)
	// Non-2xx bodies reach OnResponse so the scraper can report the status.
	collector.ParseHTTPErrorResponse = true
	configureCollectorHooks(collector)
	return &Session{collector: collector, jar: jar}, nil
}

// Session is a single logical browsing session.
type Session struct {
	collector *colly.Collector
	jar       http.CookieJar
}

// Get fetches rawURL.
func (s *Session) Get(ctx context.Context, rawURL string) (scraper.Response, error) {
	return s.do(ctx, http.MethodGet, rawURL, nil, nil)
}

// PostForm submits form as application/x-www-form-urlencoded.
func (s *Session) PostForm(ctx context.Context, rawURL string, form url.Values) (scraper.Response, error) {
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()), hdr)
}

// Cookies reports the cookies the session would send to rawURL.
func (s *Session) Cookies(rawURL string) []*http.Cookie {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return s.jar.Cookies(u)
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
}

func configureCollectorHooks(hooks collectorHooks) {
	hooks.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(responseKey, scraper.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		})
	})
}

func (s *Session) do(
	ctx context.Context,
	method, rawURL string,
	body io.Reader,
	hdr http.Header,
) (scraper.Response, error) {
	reqCtx := colly.NewContext()
	done := make(chan error, 1)
	go func() {
		done <- s.collector.Request(method, rawURL, body, reqCtx, hdr)
	}()

	select {
	case <-ctx.Done():
		return scraper.Response{}, fmt.Errorf("colly %s canceled: %w", strings.ToLower(method), ctx.Err())
	case err := <-done:
		if err != nil {
			return scraper.Response{}, fmt.Errorf("colly %s %s failed: %w", strings.ToLower(method), rawURL, err)
		}
	}
	resp, ok := reqCtx.GetAny(responseKey).(scraper.Response)
	if !ok {
		return scraper.Response{}, fmt.Errorf("colly %s %s: no response captured", strings.ToLower(method), rawURL)
	}
	return resp, nil
}

func newHTTPTransport(insecure bool) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if insecure {
		// The listing host has served incomplete certificate chains.
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via scraper.insecure_skip_verify
	}
	return t
}
