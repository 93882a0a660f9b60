package processor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"klineflow/logger"
	"klineflow/models"
	"klineflow/writer"
)

// ErrNoRows is returned when none of the input files contributes a row.
var ErrNoRows = errors.New("no rows to consolidate")

// Consolidator merges normalized files into a single master dataset.
type Consolidator struct {
	store *writer.ParquetStore
	log   *logger.Log
}

func NewConsolidator(store *writer.ParquetStore) *Consolidator {
	return &Consolidator{store: store, log: logger.GetLogger()}
}

// Consolidate reads every file, concatenates the rows, stable sorts them by
// datetime and writes the result to out. Unreadable files are reported and
// left out. Equal timestamps are all kept.
func (c *Consolidator) Consolidate(files []string, out string) (models.MasterDataset, Report, error) {
	log := c.log.WithComponent("consolidator").WithFields(logger.Fields{
		"operation": "consolidate",
		"files":     len(files),
		"output":    filepath.Base(out),
	})
	start := time.Now()

	var (
		all   []models.KlineRecord
		stats []FileStat
		cols  []string
		used  []string
	)
	for _, f := range files {
		records, fst := c.load(f)
		stats = append(stats, fst)
		if fst.Err != "" {
			continue
		}
		if cols == nil {
			cols = fst.Columns
		}
		if len(records) > 0 {
			used = append(used, f)
		}
		all = append(all, records...)
	}
	report := buildReport(stats)
	if len(all) == 0 {
		return models.MasterDataset{}, report, ErrNoRows
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Datetime < all[j].Datetime })

	size, err := c.store.Write(out, all, writer.FileMeta{
		Columns:     cols,
		Index:       models.IndexDatetime,
		SourceFiles: len(used),
	})
	if err != nil {
		return models.MasterDataset{}, report, fmt.Errorf("failed to write master dataset: %w", err)
	}

	master := models.MasterDataset{
		Path:  out,
		Rows:  len(all),
		Start: all[0].Time(),
		End:   all[len(all)-1].Time(),
		Files: used,
		Size:  size,
	}
	logger.LogDataFlowEntry(log, "parquet", "master", master.Rows, "kline")
	logger.LogPerformanceEntry(log, "consolidator", "consolidate", time.Since(start), logger.Fields{
		"rows": master.Rows,
	})
	return master, report, nil
}

// Analyze builds the report for a set of files without writing anything.
func (c *Consolidator) Analyze(files []string) Report {
	stats := make([]FileStat, 0, len(files))
	for _, f := range files {
		_, fst := c.load(f)
		stats = append(stats, fst)
	}
	return buildReport(stats)
}

func (c *Consolidator) load(path string) ([]models.KlineRecord, FileStat) {
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	records, meta, err := c.store.Read(path)
	if err != nil {
		c.log.WithComponent("consolidator").WithFields(logger.Fields{"file": filepath.Base(path)}).
			WithError(err).Warn("failed to read normalized file")
		return nil, FileStat{File: filepath.Base(path), Size: size, Err: err.Error()}
	}
	index := meta.Index
	if index == "" {
		index = models.IndexDatetime
	}
	return records, fileStat(path, size, records, meta.Columns, index)
}

// FindParquetFiles lists the parquet files under dir recursively, sorted by
// path.
func FindParquetFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".parquet") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
