// Package proximity matches a user's saved locations against active
// construction notices.
package proximity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/digwatch/internal/notice"
	"github.com/JakeFAU/digwatch/internal/rocdate"
)

// DefaultThresholdMeters applies when a saved location has no threshold.
const DefaultThresholdMeters = 100.0

// Alert is one saved location within range of one active notice.
type Alert struct {
	FavoriteID       int64   `json:"favorite_id"`
	FavoriteName     string  `json:"favorite_name"`
	FavoriteType     string  `json:"favorite_type"`
	ConstructionID   int64   `json:"construction_id"`
	ConstructionName string  `json:"construction_name"`
	ConstructionRoad string  `json:"construction_road"`
	ConstructionType string  `json:"construction_type"`
	DistanceMeters   int     `json:"distance_meters"`
	StartDate        *string `json:"start_date"`
	EndDate          *string `json:"end_date"`
	URL              string  `json:"url"`
}

// Matcher implements the proximity match for one user at a time.
type Matcher struct {
	locations notice.LocationStore
	notices   notice.Store
	clock     clockwork.Clock
	loc       *time.Location
	logger    *zap.Logger
}

// Option customises a Matcher.
type Option func(*Matcher)

// WithClock overrides the clock used to decide "today".
func WithClock(c clockwork.Clock) Option {
	return func(m *Matcher) { m.clock = c }
}

// WithLocation sets the time zone "today" is evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(m *Matcher) { m.loc = loc }
}

// New builds a Matcher.
func New(locations notice.LocationStore, notices notice.Store, logger *zap.Logger, opts ...Option) (*Matcher, error) {
	if locations == nil || notices == nil {
		return nil, errors.New("location and notice stores are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Matcher{
		locations: locations,
		notices:   notices,
		clock:     clockwork.NewRealClock(),
		loc:       time.UTC,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Match returns an alert for every (saved location, active notice) pair
// within the location's threshold, ordered by location then notice.
func (m *Matcher) Match(ctx context.Context, userID int64) ([]Alert, error) {
	locs, err := m.locations.ListNotifying(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list saved locations for user %d: %w", userID, err)
	}
	if len(locs) == 0 {
		return []Alert{}, nil
	}
	today := m.clock.Now().In(m.loc)
	active, err := m.notices.ListActive(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("list active notices: %w", err)
	}

	alerts := []Alert{}
	for _, l := range locs {
		points := l.Points()
		if len(points) == 0 {
			continue
		}
		threshold := l.ThresholdMeters
		if threshold <= 0 {
			threshold = DefaultThresholdMeters
		}
		for _, n := range active {
			lon, lat, ok := n.Geometry.LonLat()
			if !ok {
				continue
			}
			site := notice.LatLng{Lat: lat, Lon: lon}
			for _, p := range points {
				d := Distance(p, site)
				if d <= threshold {
					alerts = append(alerts, newAlert(l, n, d))
					break
				}
			}
		}
	}
	m.logger.Debug("proximity match",
		zap.Int64("user_id", userID),
		zap.Int("locations", len(locs)),
		zap.Int("active_notices", len(active)),
		zap.Int("alerts", len(alerts)),
	)
	return alerts, nil
}

func newAlert(l notice.SavedLocation, n notice.Notice, meters float64) Alert {
	return Alert{
		FavoriteID:       l.ID,
		FavoriteName:     l.Name,
		FavoriteType:     string(l.Kind),
		ConstructionID:   n.ID,
		ConstructionName: n.Name,
		ConstructionRoad: n.Road,
		ConstructionType: n.Type,
		DistanceMeters:   int(math.Round(meters)),
		StartDate:        isoDate(n.StartDate),
		EndDate:          isoDate(n.EndDate),
		URL:              n.URL,
	}
}

func isoDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := rocdate.Format(t)
	return &s
}
