package notice

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GeometryPoint is the only GeoJSON geometry type stored on a Notice.
const GeometryPoint = "Point"

// Geometry is a GeoJSON-shaped geometry. Notices only ever carry a single
// Point in [longitude, latitude] order.
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// NewPoint builds a Point geometry from a longitude/latitude pair.
func NewPoint(lon, lat float64) *Geometry {
	return &Geometry{Type: GeometryPoint, Coordinates: []float64{lon, lat}}
}

// LonLat returns the point coordinates when the geometry is a usable Point.
func (g *Geometry) LonLat() (lon, lat float64, ok bool) {
	if g == nil || g.Type != GeometryPoint || len(g.Coordinates) < 2 {
		return 0, 0, false
	}
	return g.Coordinates[0], g.Coordinates[1], true
}

// IsEmpty reports whether the geometry is absent or an empty object.
func (g *Geometry) IsEmpty() bool {
	return g == nil || (g.Type == "" && len(g.Coordinates) == 0)
}

// MarshalGeometry encodes a geometry for a JSON column. Empty geometries
// encode as nil so the column stays NULL.
func MarshalGeometry(g *Geometry) ([]byte, error) {
	if g.IsEmpty() {
		return nil, nil
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal geometry: %w", err)
	}
	return raw, nil
}

// UnmarshalGeometry decodes a JSON column. NULL, "null" and "{}" all decode
// to a nil geometry.
func UnmarshalGeometry(raw []byte) (*Geometry, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var g Geometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("unmarshal geometry: %w", err)
	}
	if g.IsEmpty() {
		return nil, nil
	}
	return &g, nil
}

// Notice is one stored construction-work record.
type Notice struct {
	ID        int64      `json:"id"`
	StartDate *time.Time `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Unit      string     `json:"unit"`
	Road      string     `json:"road"`
	URL       string     `json:"url"`
	Geometry  *Geometry  `json:"geometry"`
}

// DedupKey returns the url when present, else the name.
func (n Notice) DedupKey() string {
	if n.URL != "" {
		return n.URL
	}
	return n.Name
}

// ActiveOn reports whether the notice's inclusive date range covers day.
// A missing start date never matches; a missing end date is open ended.
func (n Notice) ActiveOn(day time.Time) bool {
	d := civil(day)
	if n.StartDate == nil || civil(*n.StartDate).After(d) {
		return false
	}
	return n.EndDate == nil || !civil(*n.EndDate).Before(d)
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RawRow is one listing row as scraped, before any conversion.
type RawRow struct {
	DateRange string
	Type      string
	Unit      string
	Name      string
	URL       string
}

// User is the external collaborator's user record.
type User struct {
	ID         int64
	ExternalID string
	Name       string
}

// LocationKind enumerates the saved-location variants.
type LocationKind string

// Saved-location kinds as stored by the favorites CRUD layer.
const (
	KindPlace LocationKind = "place"
	KindRoad  LocationKind = "road"
	KindRoute LocationKind = "route"
)

// LatLng is a geographic point in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// SavedLocation is a user's favorite, consumed read-only.
type SavedLocation struct {
	ID                   int64
	UserID               int64
	Name                 string
	Kind                 LocationKind
	Lat                  *float64
	Lon                  *float64
	RouteStart           *LatLng
	RouteEnd             *LatLng
	NotificationsEnabled bool
	ThresholdMeters      float64
}

// Points returns the location's relevant points: its own coordinate for a
// place or road, the start and end coordinates for a route.
func (l SavedLocation) Points() []LatLng {
	var pts []LatLng
	switch l.Kind {
	case KindPlace, KindRoad:
		// TODO: expand road favorites into their road_segments geometry.
		if l.Lat != nil && l.Lon != nil {
			pts = append(pts, LatLng{Lat: *l.Lat, Lon: *l.Lon})
		}
	case KindRoute:
		if l.RouteStart != nil {
			pts = append(pts, *l.RouteStart)
		}
		if l.RouteEnd != nil {
			pts = append(pts, *l.RouteEnd)
		}
	}
	return pts
}
