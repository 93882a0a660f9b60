package models

import (
	"fmt"
	"path"
	"sort"
	"time"
)

// MinArchiveBytes is the size an archive must exceed to be considered intact.
const MinArchiveBytes int64 = 1024

const (
	FrequencyMonthly = "monthly"
	FrequencyDaily   = "daily"
)

var validDataTypes = map[string]bool{
	"spot":       true,
	"futures/um": true,
	"futures/cm": true,
}

// DatasetIdentifier names one archive series in the remote repository.
type DatasetIdentifier struct {
	Symbol    string `json:"symbol" yaml:"symbol"`
	Interval  string `json:"interval" yaml:"interval"`
	DataType  string `json:"data_type" yaml:"data_type"`
	Frequency string `json:"frequency" yaml:"frequency"`
}

// CacheKey is the start-year cache key for the identifier.
func (id DatasetIdentifier) CacheKey() string {
	return fmt.Sprintf("%s_%s", id.Symbol, id.DataType)
}

func (id DatasetIdentifier) Validate() error {
	if id.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if id.Interval == "" {
		return fmt.Errorf("interval is required")
	}
	if !validDataTypes[id.DataType] {
		return fmt.Errorf("unsupported data type %q", id.DataType)
	}
	if id.Frequency != FrequencyMonthly && id.Frequency != FrequencyDaily {
		return fmt.Errorf("unsupported frequency %q", id.Frequency)
	}
	return nil
}

func (id DatasetIdentifier) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", id.DataType, id.Frequency, id.Symbol, id.Interval)
}

// PeriodFilter restricts candidate generation. Days only apply to daily
// datasets.
type PeriodFilter struct {
	Years  []int `json:"years,omitempty"`
	Months []int `json:"months,omitempty"`
	Days   []int `json:"days,omitempty"`
}

// Normalize returns a copy with every list sorted and deduplicated.
func (f PeriodFilter) Normalize() PeriodFilter {
	return PeriodFilter{
		Years:  uniqueSorted(f.Years),
		Months: uniqueSorted(f.Months),
		Days:   uniqueSorted(f.Days),
	}
}

func uniqueSorted(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := append([]int(nil), in...)
	sort.Ints(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

// Candidate is a remote archive location for one period. Day is zero for
// monthly archives.
type Candidate struct {
	URL   string `json:"url"`
	Year  int    `json:"year"`
	Month int    `json:"month"`
	Day   int    `json:"day,omitempty"`
}

// Filename is the archive name used both remotely and on disk.
func (c Candidate) Filename() string {
	return path.Base(c.URL)
}

// Period renders YYYY-MM or YYYY-MM-DD.
func (c Candidate) Period() string {
	if c.Day == 0 {
		return fmt.Sprintf("%04d-%02d", c.Year, c.Month)
	}
	return fmt.Sprintf("%04d-%02d-%02d", c.Year, c.Month, c.Day)
}

// Start is the first instant covered by the candidate's period.
func (c Candidate) Start() time.Time {
	day := c.Day
	if day == 0 {
		day = 1
	}
	return time.Date(c.Year, time.Month(c.Month), day, 0, 0, 0, 0, time.UTC)
}

// Before orders candidates chronologically.
func (c Candidate) Before(o Candidate) bool {
	if c.Year != o.Year {
		return c.Year < o.Year
	}
	if c.Month != o.Month {
		return c.Month < o.Month
	}
	return c.Day < o.Day
}

// SortCandidates orders candidates chronologically in place.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Before(cs[j]) })
}

// LocalArchive is a retrieved archive on disk.
type LocalArchive struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"`
}

// Viable reports whether the archive passes the minimum size check.
func (a LocalArchive) Viable() bool {
	return a.Size > MinArchiveBytes
}
