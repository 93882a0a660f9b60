package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"klineflow/config"
	"klineflow/internal/metadata"
	"klineflow/logger"
	"klineflow/models"
	"klineflow/processor"
	"klineflow/reader"
	"klineflow/writer"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Publisher uploads local files for a dataset and returns the object keys.
type Publisher interface {
	Publish(ctx context.Context, id models.DatasetIdentifier, files ...string) ([]string, error)
}

// RunOptions selects the dataset and the stages of one run.
type RunOptions struct {
	Dataset     models.DatasetIdentifier
	Filter      models.PeriodFilter
	Download    bool
	Convert     bool
	Consolidate bool
}

// Summary reports what one run did.
type Summary struct {
	RunID             string
	Dataset           string
	StartYear         int
	Candidates        int
	Available         int
	Downloaded        int
	AlreadyPresent    int
	Failed            []string
	Bytes             int64
	Converted         int
	ConvertSkipped    int
	ConvertErrors     int
	RawDeleted        int
	NormalizedDeleted int
	Master            *models.MasterDataset
	Report            *processor.Report
	Manifest          string
	Published         []string
	Duration          time.Duration
}

// Pipeline wires the reader, processor and writer stages for one dataset.
type Pipeline struct {
	cfg       *config.Config
	transport reader.Transport
	listing   reader.ListingLookup
	publisher Publisher
	policy    *reader.RetryPolicy
	store     *writer.ParquetStore
	diskFree  DiskFree
	now       func() time.Time
	log       *logger.Log
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

func WithTransport(t reader.Transport) Option { return func(p *Pipeline) { p.transport = t } }

func WithListing(l reader.ListingLookup) Option { return func(p *Pipeline) { p.listing = l } }

func WithPublisher(pub Publisher) Option { return func(p *Pipeline) { p.publisher = pub } }

func WithRetryPolicy(rp reader.RetryPolicy) Option { return func(p *Pipeline) { p.policy = &rp } }

func WithDiskFree(f DiskFree) Option { return func(p *Pipeline) { p.diskFree = f } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func New(cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:   cfg,
		store: writer.NewParquetStore(cfg.Processor.Compression, cfg.Processor.Parallelism),
		now:   time.Now,
		log:   logger.GetLogger(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.transport == nil {
		p.transport = reader.NewHTTPTransport(cfg.Reader)
	}
	if p.listing == nil && cfg.Estimator.UseExchangeAPI {
		if ht, ok := p.transport.(*reader.HTTPTransport); ok {
			p.listing = reader.NewBinanceListing(ht.Client())
		} else {
			p.listing = reader.NewBinanceListing(nil)
		}
	}
	return p
}

// Dataset builds the identifier and period filter from the configuration.
func Dataset(cfg *config.Config) (models.DatasetIdentifier, models.PeriodFilter) {
	id := models.DatasetIdentifier{
		Symbol:    cfg.Dataset.Symbol,
		Interval:  cfg.Dataset.Interval,
		DataType:  cfg.Dataset.DataType,
		Frequency: cfg.Dataset.Frequency,
	}
	filter := models.PeriodFilter{Years: cfg.Dataset.Years, Months: cfg.Dataset.Months, Days: cfg.Dataset.Days}
	return id, filter.Normalize()
}

func (p *Pipeline) cachePath() string {
	f := p.cfg.Estimator.CacheFile
	if f == "" || filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(p.cfg.Paths.BaseDir, f)
}

func (p *Pipeline) minArchiveBytes() int64 {
	if n := p.cfg.Reader.MinArchiveBytes; n > 0 {
		return n
	}
	return models.MinArchiveBytes
}

func (p *Pipeline) retryPolicy() reader.RetryPolicy {
	if p.policy != nil {
		return *p.policy
	}
	rp := reader.DefaultRetryPolicy(p.cfg.Reader.MaxRetries)
	if p.cfg.Reader.BackoffBase > 0 {
		rp.Backoff = reader.ExponentialBackoff(p.cfg.Reader.BackoffBase)
	}
	return rp
}

// Run executes the selected stages in order. A cancelled context keeps the
// next stage from starting; the summary so far is returned with ctx.Err().
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	start := time.Now()
	id := opts.Dataset
	sum := Summary{RunID: uuid.NewString(), Dataset: id.String()}
	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{
		"run_id":  sum.RunID,
		"dataset": id.String(),
	})

	if err := id.Validate(); err != nil {
		return sum, err
	}
	paths := ResolvePaths(p.cfg.Paths.BaseDir, id)
	if err := paths.Ensure(); err != nil {
		return sum, err
	}
	logger.SetReportDiskPath(paths.Root)
	log.WithFields(logger.Fields{"root": paths.Root}).Info("starting run")

	if opts.Download {
		if err := p.download(ctx, log, id, opts.Filter, paths, &sum); err != nil {
			return sum, err
		}
	}

	if opts.Convert {
		if err := ctx.Err(); err != nil {
			log.Warn("run interrupted before conversion")
			return sum, err
		}
		p.convert(ctx, paths, &sum)
	}

	if opts.Consolidate {
		if err := ctx.Err(); err != nil {
			log.Warn("run interrupted before consolidation")
			return sum, err
		}
		if err := p.consolidate(ctx, log, id, paths, &sum); err != nil {
			return sum, err
		}
	}

	sum.Duration = time.Since(start)
	sum.Log(log)
	return sum, nil
}

func (p *Pipeline) download(ctx context.Context, log *logger.Entry, id models.DatasetIdentifier, filter models.PeriodFilter, paths Paths, sum *Summary) error {
	cache := reader.LoadCache(p.cachePath(), nil)
	defer func() {
		if err := cache.Save(); err != nil {
			log.WithError(err).Warn("failed to persist start year cache")
		}
	}()
	_, cached := cache.Get(id.CacheKey())

	locator := reader.NewLocator(p.cfg.Reader.BaseURL)
	minBytes := p.minArchiveBytes()
	prober := reader.NewProber(p.transport, p.cfg.Reader.ProbeWorkers).WithMinArchiveBytes(minBytes)
	estimator := reader.NewEstimator(locator, prober, cache, reader.EstimatorOptions{
		SmartDetection:    p.cfg.Estimator.SmartYearDetection,
		KnownEarlySymbols: p.cfg.Estimator.KnownEarlySymbols,
		KnownEarlyYear:    p.cfg.Estimator.KnownEarlyYear,
		FloorYear:         p.cfg.Estimator.FloorYear,
	}).WithClock(p.now)
	if p.listing != nil {
		estimator.WithListing(p.listing)
	}

	sum.StartYear = estimator.EstimateStartYear(ctx, id)
	candidates := locator.GenerateCandidates(id, filter, sum.StartYear, p.now().UTC())
	sum.Candidates = len(candidates)
	log.WithFields(logger.Fields{"start_year": sum.StartYear, "candidates": sum.Candidates}).Info("candidates generated")

	if err := ctx.Err(); err != nil {
		log.Warn("run interrupted before probing")
		return err
	}
	available := prober.ProbeExistence(ctx, candidates, paths.Zips)
	sum.Available = len(available)

	if len(available) == 0 && cached {
		local, _ := reader.ExistingArchives(paths.Zips, minBytes)
		if len(local) == 0 {
			log.WithFields(logger.Fields{"start_year": sum.StartYear}).Warn("cached start year found nothing, invalidating cache entry")
			cache.Invalidate(id.CacheKey())
		}
	}

	if err := ctx.Err(); err != nil {
		log.Warn("run interrupted before download")
		return err
	}
	urls := make([]string, 0, len(available))
	for _, c := range available {
		urls = append(urls, c.URL)
	}
	fetcher := reader.NewFetcher(p.transport, paths.Zips, p.retryPolicy()).
		WithMinArchiveBytes(minBytes).
		WithReadTimeout(p.cfg.Reader.Timeout)
	res := fetcher.FetchAll(ctx, urls, p.cfg.Reader.DownloadWorkers, p.cfg.Reader.MaxRetries)
	sum.Downloaded = len(res.Archives) - res.Skipped
	sum.AlreadyPresent = res.Skipped
	sum.Failed = res.Failed
	sum.Bytes = res.Bytes
	logger.LogDataFlowEntry(log, "repository", "zips", sum.Downloaded, "kline_archive")
	return nil
}

func (p *Pipeline) convert(ctx context.Context, paths Paths, sum *Summary) {
	archives, err := reader.LocalArchives(paths.Zips, p.minArchiveBytes())
	if err != nil {
		p.log.WithComponent("pipeline").WithError(err).Warn("failed to list local archives")
		return
	}
	files := make([]string, 0, len(archives))
	for _, a := range archives {
		files = append(files, a.Path)
	}

	retention := NewRetention(p.cfg.Retention, paths.Root, p.diskFree)
	normalizer := processor.NewNormalizer(p.store, paths.Parquet, p.cfg.Processor.SkipExisting)
	cs := normalizer.ConvertAll(ctx, files, retention.DeleteRaw)
	sum.Converted = cs.Success
	sum.ConvertSkipped = cs.Skipped
	sum.ConvertErrors = cs.Errors
	sum.RawDeleted = cs.RawDeleted
}

func (p *Pipeline) consolidate(ctx context.Context, log *logger.Entry, id models.DatasetIdentifier, paths Paths, sum *Summary) error {
	files, err := processor.FindParquetFiles(paths.Parquet)
	if err != nil {
		return fmt.Errorf("failed to list normalized files: %w", err)
	}
	if len(files) == 0 {
		log.Warn("no normalized files to consolidate")
		return nil
	}

	consolidator := processor.NewConsolidator(p.store)
	master, report, err := consolidator.Consolidate(files, paths.MasterFile(id))
	sum.Report = &report
	report.Log(log)
	if err != nil {
		return err
	}
	sum.Master = &master

	manifest, err := p.recordManifest(id, paths, master, report)
	if err != nil {
		log.WithError(err).Warn("failed to write manifest")
	}
	sum.Manifest = manifest

	retention := NewRetention(p.cfg.Retention, paths.Root, p.diskFree)
	sum.NormalizedDeleted = retention.ApplyNormalized(master.Files)

	if !p.cfg.Storage.S3.Enabled {
		return nil
	}
	if err := ctx.Err(); err != nil {
		log.Warn("run interrupted before publishing")
		return err
	}
	if p.publisher == nil {
		pub, err := writer.NewS3Publisher(ctx, p.cfg)
		if err != nil {
			return fmt.Errorf("failed to set up s3 publisher: %w", err)
		}
		p.publisher = pub
	}
	upload := []string{master.Path}
	if manifest != "" {
		upload = append(upload, manifest)
	}
	keys, err := p.publisher.Publish(ctx, id, upload...)
	sum.Published = keys
	if err != nil {
		return fmt.Errorf("failed to publish master dataset: %w", err)
	}
	return nil
}

func (p *Pipeline) recordManifest(id models.DatasetIdentifier, paths Paths, master models.MasterDataset, report processor.Report) (string, error) {
	used := make(map[string]bool, len(master.Files))
	for _, f := range master.Files {
		used[filepath.Base(f)] = true
	}
	var files []metadata.DataFile
	for _, fs := range report.Files {
		if !used[fs.File] {
			continue
		}
		files = append(files, metadata.DataFile{
			Path:        fs.File,
			FileSize:    fs.Size,
			RecordCount: int64(fs.Rows),
			Start:       fs.Start,
			End:         fs.End,
			Partition:   metadata.PeriodPartition(fs.File),
		})
	}
	gen := metadata.NewGenerator(paths.Master, MasterName(id), map[string]string{
		"symbol":    id.Symbol,
		"interval":  id.Interval,
		"data_type": id.DataType,
		"frequency": id.Frequency,
		"version":   p.cfg.Klineflow.Version,
	})
	return gen.Record(master.Path, master.Size, int64(master.Rows), files)
}

// Log writes the run summary.
func (s Summary) Log(entry *logger.Entry) {
	fields := logger.Fields{
		"start_year":      s.StartYear,
		"candidates":      s.Candidates,
		"available":       s.Available,
		"downloaded":      s.Downloaded,
		"already_present": s.AlreadyPresent,
		"failed":          len(s.Failed),
		"downloaded_size": humanize.Bytes(uint64(s.Bytes)),
		"converted":       s.Converted,
		"convert_skipped": s.ConvertSkipped,
		"convert_errors":  s.ConvertErrors,
		"raw_deleted":     s.RawDeleted,
		"duration":        s.Duration.Round(time.Millisecond).String(),
	}
	if s.Master != nil {
		fields["master"] = s.Master.Path
		fields["master_rows"] = s.Master.Rows
		fields["master_size"] = humanize.Bytes(uint64(s.Master.Size))
	}
	if len(s.Published) > 0 {
		fields["published"] = s.Published
	}
	entry.WithFields(fields).Info("run finished")
	for _, u := range s.Failed {
		entry.WithFields(logger.Fields{"url": u}).Warn("archive could not be downloaded")
	}
}
