// Package ingest orchestrates a listing scrape into deduplicated, geocoded
// construction notices, and backfills geometry for stored notices missing it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/digwatch/internal/metrics"
	"github.com/JakeFAU/digwatch/internal/notice"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultConcurrency = 10
	DefaultBatchSize   = 50
)

// ErrIngestRunning is returned when an ingest or backfill is already in progress.
var ErrIngestRunning = errors.New("ingestion already running")

// Config tunes the coordinator.
type Config struct {
	// Concurrency caps in-flight geocode lookups.
	Concurrency int
	// BatchSize is the number of writes per committed transaction.
	BatchSize int
}

// Options controls one Ingest call.
type Options struct {
	MaxPages      int
	ClearExisting bool
}

// Result reports an Ingest run.
type Result struct {
	RunID           string
	Scraped         int
	Saved           int
	GeometryUpdated int
	GeocodeFailed   int
	Cleared         int64
}

// BackfillResult reports a BackfillMissingGeometry run.
type BackfillResult struct {
	RunID   string
	Updated int
	Failed  int
	Total   int
}

// Coordinator owns the storage write path for one deployment.
type Coordinator struct {
	store    notice.Store
	scraper  notice.Scraper
	geocoder notice.Geocoder
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	running sync.Mutex
}

// New builds a Coordinator.
func New(
	store notice.Store,
	scraper notice.Scraper,
	geocoder notice.Geocoder,
	cfg Config,
	logger *zap.Logger,
) (*Coordinator, error) {
	if store == nil || scraper == nil || geocoder == nil {
		return nil, errors.New("store, scraper and geocoder are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:    store,
		scraper:  scraper,
		geocoder: geocoder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// candidate is one deduplicated scraped notice and its stored match, if any.
type candidate struct {
	notice   notice.Notice
	existing *notice.Notice
}

func (c candidate) needsGeometry() bool {
	return c.existing == nil || c.existing.Geometry.IsEmpty()
}

// Ingest scrapes the listing and merges it into storage.
func (c *Coordinator) Ingest(ctx context.Context, opts Options) (Result, error) {
	if !c.running.TryLock() {
		return Result{}, ErrIngestRunning
	}
	defer c.running.Unlock()

	res := Result{RunID: uuid.NewString()}
	logger := c.logger.With(zap.String("run_id", res.RunID))
	start := c.now()
	logger.Info("ingest started", zap.Int("max_pages", opts.MaxPages), zap.Bool("clear_existing", opts.ClearExisting))

	err := c.ingest(ctx, opts, &res, logger)
	if err != nil {
		metrics.ObserveRun("ingest", "error")
		logger.Error("ingest failed", zap.Error(err))
		return res, err
	}
	metrics.ObserveRun("ingest", "success")
	metrics.ObserveWrites("inserted", res.Saved)
	metrics.ObserveWrites("geometry_updated", res.GeometryUpdated)
	logger.Info("ingest finished",
		zap.Int("scraped", res.Scraped),
		zap.Int("saved", res.Saved),
		zap.Int("geometry_updated", res.GeometryUpdated),
		zap.Int("geocode_failed", res.GeocodeFailed),
		zap.Duration("elapsed", c.now().Sub(start)),
	)
	return res, nil
}

func (c *Coordinator) ingest(ctx context.Context, opts Options, res *Result, logger *zap.Logger) error {
	rows, err := c.scraper.Scrape(ctx, opts.MaxPages)
	if err != nil {
		return fmt.Errorf("scrape listing: %w", err)
	}
	res.Scraped = len(rows)

	// A cleared store has nothing to match against.
	var candidates []candidate
	if opts.ClearExisting {
		for _, n := range dedupe(rows, logger) {
			candidates = append(candidates, candidate{notice: n})
		}
	} else {
		candidates, err = c.match(ctx, dedupe(rows, logger))
		if err != nil {
			return err
		}
	}

	var pending []int
	for i, cand := range candidates {
		if cand.needsGeometry() {
			pending = append(pending, i)
		}
	}
	urls := make([]string, len(pending))
	for i, idx := range pending {
		urls[i] = candidates[idx].notice.URL
	}
	geoms := c.geocodeAll(ctx, urls)
	for i, idx := range pending {
		if geoms[i] == nil {
			res.GeocodeFailed++
			continue
		}
		candidates[idx].notice.Geometry = geoms[i]
	}

	b := newBatcher(c.store, c.cfg.BatchSize, logger)
	if opts.ClearExisting {
		if err := b.write(ctx, func(tx notice.Tx) error {
			n, err := tx.DeleteAll(ctx)
			res.Cleared = n
			return err
		}); err != nil {
			return fmt.Errorf("clear notices: %w", err)
		}
	}
	for _, cand := range candidates {
		switch {
		case cand.existing == nil:
			n := cand.notice
			if err := b.write(ctx, func(tx notice.Tx) error { return tx.Insert(ctx, n) }); err != nil {
				return fmt.Errorf("insert notice %q: %w", n.DedupKey(), err)
			}
			res.Saved++
		case cand.existing.Geometry.IsEmpty() && cand.notice.Geometry != nil:
			id, g := cand.existing.ID, cand.notice.Geometry
			if err := b.write(ctx, func(tx notice.Tx) error { return tx.UpdateGeometry(ctx, id, g) }); err != nil {
				return fmt.Errorf("update geometry of notice %d: %w", id, err)
			}
			res.GeometryUpdated++
		}
	}
	if err := b.flush(ctx); err != nil {
		return err
	}
	if opts.ClearExisting {
		metrics.ObserveWrites("cleared", int(res.Cleared))
		logger.Warn("cleared existing notices", zap.Int64("deleted", res.Cleared))
	}
	return nil
}

// dedupe converts rows and drops repeats of a dedup key within one scrape.
func dedupe(rows []notice.RawRow, logger *zap.Logger) []notice.Notice {
	seen := make(map[string]struct{}, len(rows))
	out := make([]notice.Notice, 0, len(rows))
	for _, row := range rows {
		n := Convert(row)
		key := n.DedupKey()
		if _, dup := seen[key]; dup {
			logger.Debug("skipping repeated row", zap.String("key", key))
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

// match pairs each notice with its stored counterpart using one bulk url
// lookup and one bulk name lookup for whatever the url lookup missed.
func (c *Coordinator) match(ctx context.Context, notices []notice.Notice) ([]candidate, error) {
	var urls []string
	for _, n := range notices {
		if n.URL != "" {
			urls = append(urls, n.URL)
		}
	}
	byURL := map[string]notice.Notice{}
	if len(urls) > 0 {
		found, err := c.store.FindByURLs(ctx, urls)
		if err != nil {
			return nil, fmt.Errorf("lookup notices by url: %w", err)
		}
		byURL = found
	}

	out := make([]candidate, len(notices))
	var names []string
	for i, n := range notices {
		out[i].notice = n
		if existing, ok := byURL[n.URL]; ok && n.URL != "" {
			out[i].existing = &existing
			continue
		}
		names = append(names, n.Name)
	}
	if len(names) == 0 {
		return out, nil
	}
	byName, err := c.store.FindByNames(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("lookup notices by name: %w", err)
	}
	for i := range out {
		if out[i].existing != nil {
			continue
		}
		if existing, ok := byName[out[i].notice.Name]; ok {
			out[i].existing = &existing
		}
	}
	return out, nil
}

// geocodeAll resolves urls with bounded concurrency. Result i belongs to
// urls[i] regardless of completion order.
func (c *Coordinator) geocodeAll(ctx context.Context, urls []string) []*notice.Geometry {
	out := make([]*notice.Geometry, len(urls))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, u := range urls {
		if u == "" {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out[i] = c.geocoder.Resolve(ctx, u)
			return nil
		})
	}
	// Workers never return errors; failures surface as nil geometry.
	_ = g.Wait()
	return out
}

// BackfillMissingGeometry geocodes every stored notice whose geometry is
// empty and updates the ones that resolve. Only geometry is written.
func (c *Coordinator) BackfillMissingGeometry(ctx context.Context) (BackfillResult, error) {
	if !c.running.TryLock() {
		return BackfillResult{}, ErrIngestRunning
	}
	defer c.running.Unlock()

	res := BackfillResult{RunID: uuid.NewString()}
	logger := c.logger.With(zap.String("run_id", res.RunID))

	missing, err := c.store.ListMissingGeometry(ctx)
	if err != nil {
		metrics.ObserveRun("backfill", "error")
		return res, fmt.Errorf("list notices missing geometry: %w", err)
	}
	res.Total = len(missing)
	logger.Info("backfill started", zap.Int("total", res.Total))

	urls := make([]string, len(missing))
	for i, n := range missing {
		urls[i] = n.URL
	}
	geoms := c.geocodeAll(ctx, urls)

	b := newBatcher(c.store, c.cfg.BatchSize, logger)
	for i, n := range missing {
		if geoms[i] == nil {
			res.Failed++
			continue
		}
		id, g := n.ID, geoms[i]
		if err := b.write(ctx, func(tx notice.Tx) error { return tx.UpdateGeometry(ctx, id, g) }); err != nil {
			metrics.ObserveRun("backfill", "error")
			return res, fmt.Errorf("update geometry of notice %d: %w", id, err)
		}
		res.Updated++
	}
	if err := b.flush(ctx); err != nil {
		metrics.ObserveRun("backfill", "error")
		return res, err
	}

	metrics.ObserveRun("backfill", "success")
	metrics.ObserveWrites("geometry_updated", res.Updated)
	logger.Info("backfill finished",
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
		zap.Int("total", res.Total),
	)
	return res, nil
}
