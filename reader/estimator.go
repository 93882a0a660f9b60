package reader

import (
	"context"
	"time"

	"klineflow/logger"
	"klineflow/models"
)

// recentWindowMonths is how far back the first probe pass looks.
const recentWindowMonths = 12

// representativeMonths are probed per year while walking backwards. December
// is included so a year listed late still counts as a hit.
var representativeMonths = []int{6, 12}

type EstimatorOptions struct {
	SmartDetection    bool
	KnownEarlySymbols []string
	KnownEarlyYear    int
	FloorYear         int
}

// ListingLookup reports the earliest kline an exchange API knows about.
type ListingLookup interface {
	EarliestKline(ctx context.Context, id models.DatasetIdentifier) (time.Time, error)
}

// Estimator resolves the first year for which archives exist.
type Estimator struct {
	locator *Locator
	prober  *Prober
	cache   *Cache
	listing ListingLookup
	opts    EstimatorOptions
	now     func() time.Time
	log     *logger.Log
}

func NewEstimator(locator *Locator, prober *Prober, cache *Cache, opts EstimatorOptions) *Estimator {
	if opts.KnownEarlyYear == 0 {
		opts.KnownEarlyYear = 2020
	}
	if opts.FloorYear == 0 {
		opts.FloorYear = 2017
	}
	return &Estimator{
		locator: locator,
		prober:  prober,
		cache:   cache,
		opts:    opts,
		now:     time.Now,
		log:     logger.GetLogger(),
	}
}

// WithListing enables the exchange API lookup step.
func (e *Estimator) WithListing(l ListingLookup) *Estimator {
	e.listing = l
	return e
}

// WithClock replaces the time source.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	e.now = now
	return e
}

// EstimateStartYear returns the earliest year worth generating candidates
// for. Years found by probing or the API are written to the cache; the
// caller persists it.
func (e *Estimator) EstimateStartYear(ctx context.Context, id models.DatasetIdentifier) int {
	now := e.now().UTC()
	key := id.CacheKey()
	log := e.log.WithComponent("estimator").WithFields(logger.Fields{"dataset": key})

	if y, ok := e.cache.Get(key); ok {
		log.WithFields(logger.Fields{"year": y}).Debug("start year from cache")
		return e.clamp(y, now)
	}

	if !e.opts.SmartDetection {
		return e.clamp(e.opts.KnownEarlyYear, now)
	}
	for _, s := range e.opts.KnownEarlySymbols {
		if s == id.Symbol {
			log.WithFields(logger.Fields{"year": e.opts.KnownEarlyYear}).Debug("well known symbol")
			return e.clamp(e.opts.KnownEarlyYear, now)
		}
	}

	if e.listing != nil {
		first, err := e.listing.EarliestKline(ctx, id)
		if err == nil && !first.IsZero() {
			y := e.clamp(first.UTC().Year(), now)
			log.WithFields(logger.Fields{"year": y}).Info("start year from exchange api")
			e.cache.Set(key, y)
			return y
		}
		if err != nil {
			log.WithError(err).Warn("exchange api lookup failed, falling back to probing")
		}
	}

	if y, ok := e.walkBack(ctx, id, now); ok {
		y = e.clamp(y, now)
		log.WithFields(logger.Fields{"year": y}).Info("start year found by probing")
		e.cache.Set(key, y)
		return y
	}

	if y, ok := e.scanHistory(ctx, id, now); ok {
		y = e.clamp(y, now)
		log.WithFields(logger.Fields{"year": y}).Info("start year found by history scan")
		e.cache.Set(key, y)
		return y
	}

	log.WithFields(logger.Fields{"year": now.Year()}).Warn("start year could not be determined, using current year")
	return now.Year()
}

// walkBack probes the last twelve monthly archives, then walks back one year
// at a time probing the representative months until a year has none.
func (e *Estimator) walkBack(ctx context.Context, id models.DatasetIdentifier, now time.Time) (int, bool) {
	recent := make([]models.Candidate, 0, recentWindowMonths)
	cursor := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < recentWindowMonths; i++ {
		m := cursor.AddDate(0, -i, 0)
		recent = append(recent, e.monthly(id, m.Year(), int(m.Month())))
	}

	hits := e.prober.probeAll(ctx, recent)
	if len(hits) == 0 {
		return 0, false
	}
	earliest := hits[0].Year

	for year := earliest - 1; year >= e.opts.FloorYear; year-- {
		probe := make([]models.Candidate, 0, len(representativeMonths))
		for _, m := range representativeMonths {
			probe = append(probe, e.monthly(id, year, m))
		}
		if len(e.prober.probeAll(ctx, probe)) == 0 {
			break
		}
		earliest = year
	}
	return earliest, true
}

// scanHistory probes the last month of every year from now down to the
// floor. The current year uses its last completed month.
func (e *Estimator) scanHistory(ctx context.Context, id models.DatasetIdentifier, now time.Time) (int, bool) {
	var probe []models.Candidate
	if m := int(now.Month()) - 1; m >= 1 {
		probe = append(probe, e.monthly(id, now.Year(), m))
	}
	for year := now.Year() - 1; year >= e.opts.FloorYear; year-- {
		probe = append(probe, e.monthly(id, year, 12))
	}
	hits := e.prober.probeAll(ctx, probe)
	if len(hits) == 0 {
		return 0, false
	}
	return hits[0].Year, true
}

func (e *Estimator) monthly(id models.DatasetIdentifier, year, month int) models.Candidate {
	return models.Candidate{
		URL:   e.locator.ArchiveURL(id, models.FrequencyMonthly, year, month, 0),
		Year:  year,
		Month: month,
	}
}

// clamp pulls a year that lies in the future back to the previous year, never
// below the floor.
func (e *Estimator) clamp(year int, now time.Time) int {
	if year <= now.Year() {
		return year
	}
	fixed := now.Year() - 1
	if fixed < e.opts.FloorYear {
		fixed = e.opts.FloorYear
	}
	e.log.WithComponent("estimator").WithFields(logger.Fields{"year": year, "clamped": fixed}).Warn("start year in the future, clamping")
	return fixed
}
