package processor

import (
	"path/filepath"
	"reflect"
	"sort"
	"time"

	"klineflow/logger"
	"klineflow/models"

	"github.com/dustin/go-humanize"
)

// GapThreshold is the largest boundary delta between consecutive files that
// is not reported as a gap.
const GapThreshold = 2 * time.Minute

// FileStat describes one normalized file.
type FileStat struct {
	File          string
	Rows          int
	Start         time.Time
	End           time.Time
	Size          int64
	MissingValues int
	Columns       []string
	IndexType     string
	Err           string
}

// YearStat aggregates files by the year their data starts in.
type YearStat struct {
	Year  int
	Files int
	Rows  int
	Bytes int64
}

// SchemaMismatch names a file whose schema differs from the reference file.
type SchemaMismatch struct {
	File      string
	Columns   []string
	IndexType string
}

// Gap is a hole between two consecutive files.
type Gap struct {
	After    string
	Before   string
	From     time.Time
	To       time.Time
	Duration time.Duration
}

// Report summarizes a set of normalized files.
type Report struct {
	Files         []FileStat
	TotalFiles    int
	ReadableFiles int
	TotalRows     int
	TotalBytes    int64
	AvgRows       float64
	AvgBytes      float64
	Start         time.Time
	End           time.Time
	CoverageDays  float64
	Years         []YearStat
	Reference     []string
	Mismatches    []SchemaMismatch
	Gaps          []Gap
}

// buildReport derives totals, coverage, schema consistency and gaps from
// per-file statistics.
func buildReport(stats []FileStat) Report {
	r := Report{Files: stats, TotalFiles: len(stats)}

	var readable []FileStat
	for _, fs := range stats {
		r.TotalBytes += fs.Size
		if fs.Err != "" {
			continue
		}
		readable = append(readable, fs)
		r.TotalRows += fs.Rows
	}
	r.ReadableFiles = len(readable)
	if len(readable) == 0 {
		return r
	}
	r.AvgRows = float64(r.TotalRows) / float64(len(readable))
	r.AvgBytes = float64(r.TotalBytes) / float64(len(stats))

	ref := readable[0]
	r.Reference = ref.Columns
	years := map[int]*YearStat{}
	for _, fs := range readable {
		if fs.Rows > 0 {
			if r.Start.IsZero() || fs.Start.Before(r.Start) {
				r.Start = fs.Start
			}
			if fs.End.After(r.End) {
				r.End = fs.End
			}
			y := fs.Start.Year()
			ys, ok := years[y]
			if !ok {
				ys = &YearStat{Year: y}
				years[y] = ys
			}
			ys.Files++
			ys.Rows += fs.Rows
			ys.Bytes += fs.Size
		}
		if !reflect.DeepEqual(fs.Columns, ref.Columns) || fs.IndexType != ref.IndexType {
			r.Mismatches = append(r.Mismatches, SchemaMismatch{File: fs.File, Columns: fs.Columns, IndexType: fs.IndexType})
		}
	}
	if !r.Start.IsZero() {
		r.CoverageDays = r.End.Sub(r.Start).Hours() / 24
	}
	for _, ys := range years {
		r.Years = append(r.Years, *ys)
	}
	sort.Slice(r.Years, func(i, j int) bool { return r.Years[i].Year < r.Years[j].Year })

	r.Gaps = findGaps(readable)
	return r
}

func findGaps(files []FileStat) []Gap {
	var ordered []FileStat
	for _, fs := range files {
		if fs.Rows > 0 {
			ordered = append(ordered, fs)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Start.Before(ordered[j].Start) })

	var gaps []Gap
	for i := 0; i+1 < len(ordered); i++ {
		cur, next := ordered[i], ordered[i+1]
		d := next.Start.Sub(cur.End)
		if d > GapThreshold {
			gaps = append(gaps, Gap{
				After:    cur.File,
				Before:   next.File,
				From:     cur.End,
				To:       next.Start,
				Duration: d,
			})
		}
	}
	return gaps
}

// missingValues counts null cells in the value columns a file carries.
func missingValues(records []models.KlineRecord, columns []string) int {
	targets := presentTargets(columns)
	missing := 0
	for i := range records {
		for _, col := range targets {
			if _, ok := records[i].Value(col); !ok {
				missing++
			}
		}
	}
	return missing
}

// presentTargets maps source columns onto record value columns, in source
// order and without duplicates.
func presentTargets(columns []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range columns {
		t, ok := columnAliases[c]
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func fileStat(path string, size int64, records []models.KlineRecord, columns []string, index string) FileStat {
	fs := FileStat{
		File:      filepath.Base(path),
		Rows:      len(records),
		Size:      size,
		Columns:   columns,
		IndexType: index,
	}
	if len(records) > 0 {
		fs.Start = records[0].Time()
		fs.End = records[0].Time()
		for i := range records {
			t := records[i].Time()
			if t.Before(fs.Start) {
				fs.Start = t
			}
			if t.After(fs.End) {
				fs.End = t
			}
		}
	}
	fs.MissingValues = missingValues(records, columns)
	return fs
}

// Log writes the report as structured log lines.
func (r Report) Log(entry *logger.Entry) {
	entry.WithFields(logger.Fields{
		"files":         r.TotalFiles,
		"readable":      r.ReadableFiles,
		"rows":          r.TotalRows,
		"size":          humanize.Bytes(uint64(r.TotalBytes)),
		"avg_rows":      r.AvgRows,
		"avg_size":      humanize.Bytes(uint64(r.AvgBytes)),
		"start":         r.Start,
		"end":           r.End,
		"coverage_days": r.CoverageDays,
	}).Info("dataset summary")

	for _, y := range r.Years {
		entry.WithFields(logger.Fields{
			"year":  y.Year,
			"files": y.Files,
			"rows":  y.Rows,
			"size":  humanize.Bytes(uint64(y.Bytes)),
		}).Info("yearly distribution")
	}
	for _, m := range r.Mismatches {
		entry.WithFields(logger.Fields{
			"file":       m.File,
			"columns":    m.Columns,
			"index_type": m.IndexType,
			"reference":  r.Reference,
		}).Warn("schema differs from reference file")
	}
	for _, g := range r.Gaps {
		entry.WithFields(logger.Fields{
			"after":    g.After,
			"before":   g.Before,
			"from":     g.From,
			"to":       g.To,
			"duration": g.Duration.String(),
		}).Warn("gap between files")
	}
	for _, fs := range r.Files {
		if fs.Err != "" {
			entry.WithFields(logger.Fields{"file": fs.File, "error": fs.Err}).Warn("file could not be analyzed")
		}
	}
}
