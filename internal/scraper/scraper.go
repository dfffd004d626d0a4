// Package scraper drives the paginated ASP.NET construction listing. Each
// scrape runs on its own cookie-bearing session and walks the pager by
// replaying the previous response's form state.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/digwatch/internal/metrics"
	"github.com/JakeFAU/digwatch/internal/notice"
)

// DefaultEventTarget is the GridView control id of the listing pager.
const DefaultEventTarget = "GridView1"

// ErrNoFormState is returned when a page must be posted but the previous
// response carried no form state to replay.
var ErrNoFormState = errors.New("listing response has no form state")

// Response is one HTTP response observed by a Session.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Session issues requests sharing a single cookie jar.
type Session interface {
	Get(ctx context.Context, rawURL string) (Response, error)
	PostForm(ctx context.Context, rawURL string, form url.Values) (Response, error)
}

// SessionFactory opens a fresh Session per scrape.
type SessionFactory interface {
	NewSession() (Session, error)
}

// Config controls the scraper.
type Config struct {
	ListingURL  string
	EventTarget string
}

// Scraper implements notice.Scraper.
type Scraper struct {
	listing  *url.URL
	target   string
	sessions SessionFactory
	logger   *zap.Logger
}

var _ notice.Scraper = (*Scraper)(nil)

// New builds a Scraper.
func New(cfg Config, sessions SessionFactory, logger *zap.Logger) (*Scraper, error) {
	if sessions == nil {
		return nil, errors.New("session factory is required")
	}
	listing, err := url.Parse(cfg.ListingURL)
	if err != nil || listing.Scheme == "" || listing.Host == "" {
		return nil, fmt.Errorf("invalid listing url %q", cfg.ListingURL)
	}
	target := cfg.EventTarget
	if target == "" {
		target = DefaultEventTarget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{listing: listing, target: target, sessions: sessions, logger: logger}, nil
}

// Scrape walks the listing and returns every accepted row. maxPages > 0
// truncates the advertised page count. Any failure aborts the scrape and
// discards rows already collected.
func (s *Scraper) Scrape(ctx context.Context, maxPages int) ([]notice.RawRow, error) {
	sess, err := s.sessions.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open scrape session: %w", err)
	}

	page, err := s.init(ctx, sess)
	if err != nil {
		return nil, err
	}
	rows := append([]notice.RawRow(nil), page.Rows...)
	advertised := page.MaxPage
	s.logger.Info("listing initialised",
		zap.Int("advertised_pages", advertised),
		zap.Int("rows", len(page.Rows)),
	)

	state := page.Form
	for n := 2; n <= pageCap(advertised, maxPages); n++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("scrape canceled at page %d: %w", n, err)
		}
		page, err = s.fetchPage(ctx, sess, state, n)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page.Rows...)
		state = page.Form
		// The pager only links a window of pages, so the advertised count
		// can grow as the scrape advances.
		if page.MaxPage > advertised {
			advertised = page.MaxPage
		}
		s.logger.Debug("listing page parsed", zap.Int("page", n), zap.Int("rows", len(page.Rows)))
	}

	metrics.ObserveRows(len(rows))
	return rows, nil
}

func pageCap(advertised, maxPages int) int {
	if maxPages > 0 && maxPages < advertised {
		return maxPages
	}
	return advertised
}

// init loads the first page with a GET.
func (s *Scraper) init(ctx context.Context, sess Session) (Page, error) {
	resp, err := sess.Get(ctx, s.listing.String())
	if err != nil {
		metrics.ObservePage("error")
		return Page{}, fmt.Errorf("get listing: %w", err)
	}
	return s.parse(resp, 1)
}

// fetchPage replays prev with the pager fields set to n.
func (s *Scraper) fetchPage(ctx context.Context, sess Session, prev FormState, n int) (Page, error) {
	if len(prev) == 0 {
		metrics.ObservePage("error")
		return Page{}, fmt.Errorf("page %d: %w", n, ErrNoFormState)
	}
	resp, err := sess.PostForm(ctx, s.listing.String(), prev.ForPage(s.target, n).Values())
	if err != nil {
		metrics.ObservePage("error")
		return Page{}, fmt.Errorf("post listing page %d: %w", n, err)
	}
	return s.parse(resp, n)
}

func (s *Scraper) parse(resp Response, n int) (Page, error) {
	if resp.StatusCode != 0 && resp.StatusCode != http.StatusOK {
		metrics.ObservePage("error")
		return Page{}, fmt.Errorf("listing page %d: unexpected status %d", n, resp.StatusCode)
	}
	base := s.listing
	if resp.URL != "" {
		if u, err := url.Parse(resp.URL); err == nil {
			base = u
		}
	}
	page, err := ParsePage(resp.Body, base)
	if err != nil {
		metrics.ObservePage("error")
		return Page{}, fmt.Errorf("listing page %d: %w", n, err)
	}
	metrics.ObservePage("ok")
	return page, nil
}
