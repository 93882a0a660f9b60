package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"klineflow/logger"
	"klineflow/models"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const DefaultDownloadWorkers = 5

var (
	// ErrUndersized marks a download at or below the minimum archive size.
	ErrUndersized = errors.New("archive below minimum size")
	// ErrStalled marks a download whose body stopped arriving.
	ErrStalled = errors.New("archive download stalled")
)

// FetchResult summarises one batch. Archives holds every viable archive, new
// or already present; Bytes counts newly written bytes only.
type FetchResult struct {
	Archives []models.LocalArchive
	Failed   []string
	Skipped  int
	Bytes    int64
}

// Fetcher downloads archives into a directory.
type Fetcher struct {
	transport Transport
	dir       string
	policy    RetryPolicy
	minBytes  int64
	idle      time.Duration
	log       *logger.Log
}

func NewFetcher(t Transport, dir string, policy RetryPolicy) *Fetcher {
	return &Fetcher{
		transport: t,
		dir:       dir,
		policy:    policy,
		minBytes:  models.MinArchiveBytes,
		log:       logger.GetLogger(),
	}
}

// WithMinArchiveBytes sets the size a download must exceed. Non-positive
// values keep the default.
func (f *Fetcher) WithMinArchiveBytes(n int64) *Fetcher {
	if n > 0 {
		f.minBytes = n
	}
	return f
}

// WithReadTimeout aborts a download when no body bytes arrive for d. Zero
// disables the deadline.
func (f *Fetcher) WithReadTimeout(d time.Duration) *Fetcher {
	f.idle = d
	return f
}

// FetchAll downloads every URL through a bounded pool. Failures are collected
// per URL and never stop the batch. maxRetries overrides the policy's attempt
// count when positive.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, maxWorkers, maxRetries int) FetchResult {
	if maxWorkers < 1 {
		maxWorkers = DefaultDownloadWorkers
	}
	policy := f.policy
	if maxRetries > 0 {
		policy.MaxAttempts = maxRetries
	}

	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"urls":      len(urls),
		"workers":   maxWorkers,
		"retries":   policy.MaxAttempts,
		"operation": "fetch_all",
	})
	log.Info("starting download batch")
	start := time.Now()

	var (
		mu  sync.Mutex
		res FetchResult
		g   errgroup.Group
	)
	g.SetLimit(maxWorkers)

	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		u := u
		g.Go(func() error {
			archive, written, err := f.fetch(ctx, u, policy)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, u)
				return nil
			}
			res.Archives = append(res.Archives, archive)
			if written {
				res.Bytes += archive.Size
			} else {
				res.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	sortArchives(res.Archives)
	sort.Strings(res.Failed)

	log.WithFields(logger.Fields{
		"downloaded": len(res.Archives) - res.Skipped,
		"skipped":    res.Skipped,
		"failed":     len(res.Failed),
		"bytes":      humanize.Bytes(uint64(res.Bytes)),
	}).Info("download batch finished")
	logger.LogPerformanceEntry(log, "fetcher", "fetch_all", time.Since(start), nil)
	return res
}

// Fetch retrieves one URL; it is a no-op when a viable file already exists.
func (f *Fetcher) Fetch(ctx context.Context, url string) (models.LocalArchive, error) {
	a, _, err := f.fetch(ctx, url, f.policy)
	return a, err
}

func (f *Fetcher) fetch(ctx context.Context, url string, policy RetryPolicy) (models.LocalArchive, bool, error) {
	name := path.Base(url)
	final := filepath.Join(f.dir, name)
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{"file": name})

	if info, err := os.Stat(final); err == nil && info.Size() > f.minBytes {
		log.Debug("archive already present")
		return models.LocalArchive{Path: final, Size: info.Size(), URL: url}, false, nil
	}

	var size int64
	err := policy.Do(ctx, func(attempt int) error {
		n, err := f.fetchOnce(ctx, url, final)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt + 1}).Warn("download attempt failed")
			return err
		}
		size = n
		return nil
	})
	if err != nil {
		log.WithError(err).Error("download failed after retries")
		return models.LocalArchive{}, false, err
	}

	logger.IncrementDownload(size)
	log.WithFields(logger.Fields{"size": humanize.Bytes(uint64(size))}).Info("archive downloaded")
	return models.LocalArchive{Path: final, Size: size, URL: url}, true, nil
}

// fetchOnce streams url into a temporary sibling of final and renames it into
// place. Undersized results are removed.
func (f *Fetcher) fetchOnce(ctx context.Context, url, final string) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := f.transport.Get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		reportThrottle(f.log, "fetcher", url, resp.StatusCode)
		return 0, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create download directory: %w", err)
	}
	tmp := final + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	var (
		body    io.Reader = resp.Body
		stalled atomic.Bool
	)
	if f.idle > 0 {
		timer := time.AfterFunc(f.idle, func() {
			stalled.Store(true)
			cancel()
		})
		defer timer.Stop()
		body = &idleReader{r: resp.Body, timer: timer, idle: f.idle}
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		os.Remove(tmp)
		if stalled.Load() {
			return 0, fmt.Errorf("%w: no data for %s", ErrStalled, f.idle)
		}
		return 0, fmt.Errorf("failed to write archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to rename archive: %w", err)
	}

	info, err := os.Stat(final)
	if err != nil {
		return 0, err
	}
	if info.Size() <= f.minBytes {
		os.Remove(final)
		return 0, fmt.Errorf("%w: %d bytes", ErrUndersized, info.Size())
	}
	return info.Size(), nil
}

// idleReader pushes the idle deadline back whenever bytes arrive.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.idle)
	}
	return n, err
}

func sortArchives(as []models.LocalArchive) {
	sort.Slice(as, func(i, j int) bool { return as[i].Path < as[j].Path })
}
