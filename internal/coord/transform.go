// Package coord converts TWD97 TM2 planar survey coordinates to WGS84
// longitude/latitude.
package coord

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-spatial/proj/core"
	_ "github.com/go-spatial/proj/operations"
	"github.com/go-spatial/proj/support"
	"go.uber.org/zap"
)

// Method selects the transform implementation.
type Method string

// Supported transform methods.
const (
	// MethodPrecise runs the PROJ inverse Transverse Mercator and degrades
	// to the linear approximation when the projection cannot be built or
	// cannot produce a result.
	MethodPrecise Method = "precise"
	// MethodLinear only uses the linear approximation.
	MethodLinear Method = "linear"
)

// tm2Definition is TWD97 TM2 zone 121 (EPSG:3826) on the GRS80 ellipsoid.
const tm2Definition = "+proj=etmerc +lat_0=0 +lon_0=121 +k=0.9999 +x_0=250000 +y_0=0 +ellps=GRS80"

const (
	centralMeridian = 121.0
	falseEasting    = 250000.0
	falseNorthing   = 0.0
)

// Linear approximation constants: meters per degree around Taipei.
const (
	linearMetersPerDegLon = 100890.0
	linearMetersPerDegLat = 110635.0
)

// inverseFunc maps planar TM2 meters to degrees.
type inverseFunc func(x, y float64) (lon, lat float64, err error)

// Transformer converts planar TM2 coordinates to geographic ones.
type Transformer struct {
	method  Method
	inverse inverseFunc
	logger  *zap.Logger
}

// New builds a Transformer. Unknown methods fall back to MethodPrecise. When
// the projection cannot be initialised the Transformer runs linear only.
func New(method Method, logger *zap.Logger) *Transformer {
	return newTransformer(method, tm2Definition, logger)
}

func newTransformer(method Method, definition string, logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if method != MethodLinear {
		method = MethodPrecise
	}
	t := &Transformer{method: method, logger: logger}
	if method == MethodLinear {
		return t
	}
	inverse, err := newInverse(definition)
	if err != nil {
		logger.Warn("projection unavailable, using linear approximation",
			zap.String("definition", definition),
			zap.Error(err),
		)
		t.method = MethodLinear
		return t
	}
	t.inverse = inverse
	return t
}

// newInverse builds the inverse projection for a proj string.
func newInverse(definition string) (inverseFunc, error) {
	ps, err := support.NewProjString(definition)
	if err != nil {
		return nil, fmt.Errorf("parse projection: %w", err)
	}
	_, opx, err := core.NewSystem(ps)
	if err != nil {
		return nil, fmt.Errorf("build projection: %w", err)
	}
	op, ok := opx.(core.IConvertLPToXY)
	if !ok {
		return nil, errors.New("projection has no inverse")
	}
	return func(x, y float64) (float64, float64, error) {
		lp, err := op.Inverse(&core.CoordXY{X: x, Y: y})
		if err != nil {
			return 0, 0, err
		}
		return support.RToDD(lp.Lam), support.RToDD(lp.Phi), nil
	}, nil
}

// Method reports the effective transform method.
func (t *Transformer) Method() Method {
	return t.method
}

// Transform converts an (x, y) TM2 pair to (lon, lat). ok is false when the
// input is not finite or no method produced a plausible geographic point.
func (t *Transformer) Transform(x, y float64) (lon, lat float64, ok bool) {
	if !finite(x) || !finite(y) {
		return 0, 0, false
	}
	if t.inverse != nil {
		var err error
		lon, lat, err = t.inverse(x, y)
		if err == nil && plausible(lon, lat) {
			return lon, lat, true
		}
		t.logger.Warn("precise transform failed, using linear approximation",
			zap.Float64("x", x),
			zap.Float64("y", y),
			zap.Error(err),
		)
	}
	lon, lat = Linear(x, y)
	if !plausible(lon, lat) {
		return 0, 0, false
	}
	return lon, lat, true
}

// Linear is the degraded approximation: a fixed offset from the central
// meridian plus a meters-per-degree scale. Error is under a kilometer
// across Taipei.
func Linear(x, y float64) (lon, lat float64) {
	lon = centralMeridian + (x-falseEasting)/linearMetersPerDegLon
	lat = (y - falseNorthing) / linearMetersPerDegLat
	return lon, lat
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func plausible(lon, lat float64) bool {
	return finite(lon) && finite(lat) && math.Abs(lon) <= 180 && math.Abs(lat) <= 90
}
