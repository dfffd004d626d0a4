package proximity

import (
	"github.com/golang/geo/s2"

	"github.com/JakeFAU/digwatch/internal/notice"
)

// EarthRadiusMeters is the mean Earth radius used for surface distances.
const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance in meters between two points.
func Distance(a, b notice.LatLng) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lon)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}
