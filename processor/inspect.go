package processor

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"klineflow/logger"
	"klineflow/models"

	"github.com/dustin/go-humanize"
)

// inspectColumns is how many value columns get summary statistics.
const inspectColumns = 5

// ColumnStat summarizes one value column.
type ColumnStat struct {
	Name    string
	Min     float64
	Max     float64
	Mean    float64
	Missing int
}

// FileDetail is the single-file view produced by Inspect.
type FileDetail struct {
	File           string
	Rows           int
	Size           int64
	Columns        []string
	IndexType      string
	Layout         string
	Start          time.Time
	End            time.Time
	DaysCovered    int
	Stats          []ColumnStat
	CommonInterval time.Duration
	MinInterval    time.Duration
	MaxInterval    time.Duration
}

// Inspect loads one file and computes its schema, value statistics and
// row interval distribution.
func (c *Consolidator) Inspect(path string) (FileDetail, error) {
	records, meta, err := c.store.Read(path)
	if err != nil {
		return FileDetail{}, err
	}
	d := FileDetail{
		File:      filepath.Base(path),
		Rows:      len(records),
		Columns:   meta.Columns,
		IndexType: meta.Index,
		Layout:    meta.Layout,
	}
	if info, err := os.Stat(path); err == nil {
		d.Size = info.Size()
	}
	if len(records) == 0 {
		return d, nil
	}

	d.Start = records[0].Time()
	d.End = records[len(records)-1].Time()
	d.DaysCovered = int(d.End.Sub(d.Start).Hours()/24) + 1

	targets := presentTargets(meta.Columns)
	if len(targets) == 0 {
		targets = models.ValueColumns
	}
	if len(targets) > inspectColumns {
		targets = targets[:inspectColumns]
	}
	for _, col := range targets {
		d.Stats = append(d.Stats, columnStat(records, col))
	}

	d.CommonInterval, d.MinInterval, d.MaxInterval = intervals(records)
	return d, nil
}

func columnStat(records []models.KlineRecord, col string) ColumnStat {
	cs := ColumnStat{Name: col, Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	var n int
	for i := range records {
		v, ok := records[i].Value(col)
		if !ok {
			cs.Missing++
			continue
		}
		sum += v
		n++
		cs.Min = math.Min(cs.Min, v)
		cs.Max = math.Max(cs.Max, v)
	}
	if n == 0 {
		cs.Min, cs.Max = 0, 0
		return cs
	}
	cs.Mean = sum / float64(n)
	return cs
}

// intervals returns the most common, smallest and largest delta between
// consecutive rows. Ties for the most common pick the smallest delta.
func intervals(records []models.KlineRecord) (common, lo, hi time.Duration) {
	if len(records) < 2 {
		return 0, 0, 0
	}
	counts := map[time.Duration]int{}
	for i := 1; i < len(records); i++ {
		d := time.Duration(records[i].Datetime-records[i-1].Datetime) * time.Millisecond
		counts[d]++
		if i == 1 || d < lo {
			lo = d
		}
		if i == 1 || d > hi {
			hi = d
		}
	}
	keys := make([]time.Duration, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	best := -1
	for _, k := range keys {
		if counts[k] > best {
			best = counts[k]
			common = k
		}
	}
	return common, lo, hi
}

// Log writes the detail as structured log lines.
func (d FileDetail) Log(entry *logger.Entry) {
	entry.WithFields(logger.Fields{
		"file":            d.File,
		"rows":            d.Rows,
		"size":            humanize.Bytes(uint64(d.Size)),
		"columns":         d.Columns,
		"index_type":      d.IndexType,
		"layout":          d.Layout,
		"start":           d.Start,
		"end":             d.End,
		"days_covered":    d.DaysCovered,
		"common_interval": d.CommonInterval.String(),
		"min_interval":    d.MinInterval.String(),
		"max_interval":    d.MaxInterval.String(),
	}).Info("file detail")
	for _, cs := range d.Stats {
		entry.WithFields(logger.Fields{
			"column":  cs.Name,
			"min":     cs.Min,
			"max":     cs.Max,
			"mean":    cs.Mean,
			"missing": cs.Missing,
		}).Info("column statistics")
	}
}
