package reader

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"klineflow/logger"
	"klineflow/models"

	"golang.org/x/sync/errgroup"
)

const (
	// Candidate sets larger than this are sampled before a full probe.
	largeCandidateSet = 500
	sampleSize        = 50
	recentFallback    = 100

	DefaultProbeWorkers = 10
)

// Prober checks which candidate archives exist remotely.
type Prober struct {
	transport Transport
	workers   int
	minBytes  int64
	log       *logger.Log
}

func NewProber(t Transport, workers int) *Prober {
	if workers < 1 {
		workers = DefaultProbeWorkers
	}
	return &Prober{transport: t, workers: workers, minBytes: models.MinArchiveBytes, log: logger.GetLogger()}
}

// WithMinArchiveBytes sets the size a local archive must exceed to be left
// out of probing. Non-positive values keep the default.
func (p *Prober) WithMinArchiveBytes(n int64) *Prober {
	if n > 0 {
		p.minBytes = n
	}
	return p
}

// Exists issues one HEAD check. Any error or non-200 status counts as absent.
func (p *Prober) Exists(ctx context.Context, url string) bool {
	status, err := p.transport.Head(ctx, url)
	if err != nil {
		p.log.WithComponent("prober").WithError(err).WithFields(logger.Fields{"url": url}).Debug("probe failed, treating as absent")
		logger.IncrementProbe(false)
		return false
	}
	hit := status == http.StatusOK
	if !hit {
		reportThrottle(p.log, "prober", url, status)
	}
	logger.IncrementProbe(hit)
	return hit
}

// ProbeExistence returns the candidates confirmed to exist remotely, in
// chronological order. Candidates already present as viable archives in
// localDir are left out. Sets larger than 500 are sampled first: when none of
// the first 50 exist only the most recent 100 are probed and their hits
// returned. Otherwise the sample results are reused by the full pass.
func (p *Prober) ProbeExistence(ctx context.Context, candidates []models.Candidate, localDir string) []models.Candidate {
	log := p.log.WithComponent("prober").WithFields(logger.Fields{
		"candidates": len(candidates),
		"operation":  "probe_existence",
	})
	start := time.Now()

	var (
		sampled map[string]bool
		found   []models.Candidate
	)
	if len(candidates) > largeCandidateSet {
		sample := candidates[:sampleSize]
		hits := p.probeAll(ctx, sample)
		if len(hits) == 0 {
			log.Warn("no archive found in sample, probing most recent candidates only")
			recent := p.probeAll(ctx, candidates[len(candidates)-recentFallback:])
			logger.LogPerformanceEntry(log, "prober", "probe_recent", time.Since(start), logger.Fields{"found": len(recent)})
			return recent
		}
		sampled = make(map[string]bool, len(sample))
		for _, c := range sample {
			sampled[c.URL] = true
		}
		found = hits
	}

	local, err := ExistingArchives(localDir, p.minBytes)
	if err != nil {
		log.WithError(err).Warn("failed to list local archives")
	}

	pending := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if sampled[c.URL] {
			continue
		}
		if _, ok := local[c.Filename()]; ok {
			log.WithFields(logger.Fields{"file": c.Filename()}).Debug("skipping probe, archive present locally")
			continue
		}
		pending = append(pending, c)
	}
	kept := found[:0]
	for _, c := range found {
		if _, ok := local[c.Filename()]; !ok {
			kept = append(kept, c)
		}
	}

	found = append(kept, p.probeAll(ctx, pending)...)
	models.SortCandidates(found)
	logger.LogPerformanceEntry(log, "prober", "probe_existence", time.Since(start), logger.Fields{
		"probed":  len(pending) + len(sampled),
		"sampled": len(sampled),
		"found":   len(found),
	})
	return found
}

// probeAll checks every candidate through a bounded pool and returns the hits
// sorted chronologically.
func (p *Prober) probeAll(ctx context.Context, candidates []models.Candidate) []models.Candidate {
	var (
		mu    sync.Mutex
		found []models.Candidate
		g     errgroup.Group
	)
	g.SetLimit(p.workers)

	for _, c := range candidates {
		c := c
		g.Go(func() error {
			if p.Exists(ctx, c.URL) {
				mu.Lock()
				found = append(found, c)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	models.SortCandidates(found)
	return found
}

// ExistingArchives lists the zip archives in dir larger than minBytes, keyed
// by filename. A missing directory yields an empty map.
func ExistingArchives(dir string, minBytes int64) (map[string]int64, error) {
	out := make(map[string]int64)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Size() > minBytes {
			out[e.Name()] = info.Size()
		}
	}
	return out, nil
}

// LocalArchives returns the archives in dir larger than minBytes as
// LocalArchive values, ordered by filename.
func LocalArchives(dir string, minBytes int64) ([]models.LocalArchive, error) {
	existing, err := ExistingArchives(dir, minBytes)
	if err != nil {
		return nil, err
	}
	out := make([]models.LocalArchive, 0, len(existing))
	for name, size := range existing {
		out = append(out, models.LocalArchive{Path: filepath.Join(dir, name), Size: size})
	}
	sortArchives(out)
	return out, nil
}
