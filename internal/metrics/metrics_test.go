package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if scrapePagesTotal == nil || geocodeLookupsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveGeocode(t *testing.T) {
	before := testutil.ToFloat64(geocodeLookupsTotalFor(GeocodeEmpty))
	ObserveGeocode(GeocodeEmpty, 0)
	ObserveGeocode(GeocodeEmpty, 20*time.Millisecond)
	if got := testutil.ToFloat64(geocodeLookupsTotalFor(GeocodeEmpty)) - before; got != 2 {
		t.Errorf("expected 2 empty lookups, got %f", got)
	}
}

func TestObservePush(t *testing.T) {
	Init()
	pushed := testutil.ToFloat64(alertsPushedTotal)
	failed := testutil.ToFloat64(pushFailuresTotal)

	ObservePush(3, true)
	ObservePush(2, false)

	if got := testutil.ToFloat64(alertsPushedTotal) - pushed; got != 3 {
		t.Errorf("expected 3 pushed alerts, got %f", got)
	}
	if got := testutil.ToFloat64(pushFailuresTotal) - failed; got != 1 {
		t.Errorf("expected 1 push failure, got %f", got)
	}
}

func TestObserveWritesIgnoresZero(t *testing.T) {
	Init()
	ObserveWrites("inserted", 0)
	ObserveWrites("inserted", 4)
	if got := testutil.ToFloat64(noticesWrittenTotal.WithLabelValues("inserted")); got < 4 {
		t.Errorf("expected at least 4 inserted writes, got %f", got)
	}
}

func TestSetConnections(t *testing.T) {
	SetConnections(7)
	if got := testutil.ToFloat64(activeConnections); got != 7 {
		t.Errorf("expected gauge 7, got %f", got)
	}
	SetConnections(0)
}

func geocodeLookupsTotalFor(outcome string) prometheus.Counter {
	Init()
	return geocodeLookupsTotal.WithLabelValues(outcome)
}
