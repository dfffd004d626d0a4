package notice

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists construction notices.
type Store interface {
	// FindByURLs returns existing notices keyed by url in one bulk lookup.
	FindByURLs(ctx context.Context, urls []string) (map[string]Notice, error)
	// FindByNames returns existing notices keyed by name in one bulk lookup.
	FindByNames(ctx context.Context, names []string) (map[string]Notice, error)
	// ListMissingGeometry returns notices whose geometry is NULL or {}.
	ListMissingGeometry(ctx context.Context) ([]Notice, error)
	// ListActive returns notices whose date range covers day.
	ListActive(ctx context.Context, day time.Time) ([]Notice, error)
	// Begin opens a write transaction.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one write batch. Exactly one of Commit or Rollback ends it.
type Tx interface {
	// DeleteAll removes every stored notice and reports how many were deleted.
	DeleteAll(ctx context.Context) (int64, error)
	Insert(ctx context.Context, n Notice) error
	UpdateGeometry(ctx context.Context, id int64, g *Geometry) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UserStore resolves external identities to user records.
type UserStore interface {
	GetByExternalID(ctx context.Context, externalID string) (User, error)
}

// LocationStore reads saved locations.
type LocationStore interface {
	// ListNotifying returns the user's saved locations with notifications enabled.
	ListNotifying(ctx context.Context, userID int64) ([]SavedLocation, error)
}

// Geocoder resolves a notice detail url to a point geometry. It returns nil
// whenever no geometry is available.
type Geocoder interface {
	Resolve(ctx context.Context, detailURL string) *Geometry
}

// Scraper returns every raw listing row for one scrape pass.
type Scraper interface {
	Scrape(ctx context.Context, maxPages int) ([]RawRow, error)
}
