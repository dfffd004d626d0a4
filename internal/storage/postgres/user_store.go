package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/digwatch/internal/notice"
)

// UserStore reads the users and favorites tables owned by the CRUD layer.
type UserStore struct {
	db querier
}

// NewUserStore wraps a pool (or pgxmock pool in tests).
func NewUserStore(db querier) (*UserStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	return &UserStore{db: db}, nil
}

// GetByExternalID resolves an external identity. A missing user is
// notice.ErrNotFound.
func (s *UserStore) GetByExternalID(ctx context.Context, externalID string) (notice.User, error) {
	var u notice.User
	err := s.db.QueryRow(ctx,
		`SELECT id, external_id, name FROM users WHERE external_id = $1`,
		externalID,
	).Scan(&u.ID, &u.ExternalID, &u.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return notice.User{}, notice.ErrNotFound
	}
	if err != nil {
		return notice.User{}, fmt.Errorf("get user %q: %w", externalID, err)
	}
	return u, nil
}

// ListNotifying returns the user's favorites with notifications enabled, in id order.
func (s *UserStore) ListNotifying(ctx context.Context, userID int64) ([]notice.SavedLocation, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, user_id, name, type, lat, lon, route_start_coords, route_end_coords,
	notification_enabled, COALESCE(distance_threshold, 0)
FROM favorites
WHERE user_id = $1 AND notification_enabled
ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer rows.Close()

	var out []notice.SavedLocation
	for rows.Next() {
		var (
			l          notice.SavedLocation
			kind       string
			start, end []byte
		)
		if err := rows.Scan(
			&l.ID, &l.UserID, &l.Name, &kind, &l.Lat, &l.Lon, &start, &end,
			&l.NotificationsEnabled, &l.ThresholdMeters,
		); err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		l.Kind = notice.LocationKind(kind)
		if l.RouteStart, err = decodeLatLng(start); err != nil {
			return nil, fmt.Errorf("favorite %d route start: %w", l.ID, err)
		}
		if l.RouteEnd, err = decodeLatLng(end); err != nil {
			return nil, fmt.Errorf("favorite %d route end: %w", l.ID, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	return out, nil
}

// decodeLatLng reads a {"lat":..,"lon":..} column. Missing keys leave the
// point absent.
func decodeLatLng(raw []byte) (*notice.LatLng, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode coords: %w", err)
	}
	if p.Lat == nil || p.Lon == nil {
		return nil, nil
	}
	return &notice.LatLng{Lat: *p.Lat, Lon: *p.Lon}, nil
}
