package models

import (
	"reflect"
	"testing"
	"time"
)

func TestDatasetIdentifier(t *testing.T) {
	id := DatasetIdentifier{Symbol: "BTCUSDT", Interval: "1m", DataType: "futures/um", Frequency: "daily"}
	if got := id.CacheKey(); got != "BTCUSDT_futures/um" {
		t.Fatalf("unexpected cache key %q", got)
	}
	if err := id.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	bad := id
	bad.DataType = "options"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for data type")
	}
	bad = id
	bad.Frequency = "weekly"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for frequency")
	}
}

func TestPeriodFilterNormalize(t *testing.T) {
	f := PeriodFilter{Years: []int{2023, 2021, 2023}, Months: []int{12, 1, 1}}
	got := f.Normalize()
	if !reflect.DeepEqual(got.Years, []int{2021, 2023}) {
		t.Errorf("years: %v", got.Years)
	}
	if !reflect.DeepEqual(got.Months, []int{1, 12}) {
		t.Errorf("months: %v", got.Months)
	}
	if got.Days != nil {
		t.Errorf("days should stay empty: %v", got.Days)
	}
	// original slice untouched
	if f.Years[0] != 2023 {
		t.Errorf("input mutated: %v", f.Years)
	}
}

func TestCandidate(t *testing.T) {
	c := Candidate{URL: "https://host/data/spot/monthly/klines/X/1m/X-1m-2024-01.zip", Year: 2024, Month: 1}
	if c.Filename() != "X-1m-2024-01.zip" {
		t.Errorf("filename: %s", c.Filename())
	}
	if c.Period() != "2024-01" {
		t.Errorf("period: %s", c.Period())
	}
	d := Candidate{Year: 2024, Month: 1, Day: 5}
	if d.Period() != "2024-01-05" {
		t.Errorf("daily period: %s", d.Period())
	}
	if !c.Before(d) || d.Before(c) {
		t.Errorf("ordering broken")
	}

	cs := []Candidate{{Year: 2024, Month: 3}, {Year: 2023, Month: 12}, {Year: 2024, Month: 1}}
	SortCandidates(cs)
	if cs[0].Year != 2023 || cs[1].Month != 1 || cs[2].Month != 3 {
		t.Errorf("sort: %+v", cs)
	}
}

func TestLocalArchiveViable(t *testing.T) {
	if (LocalArchive{Size: 1024}).Viable() {
		t.Errorf("1024 bytes must not be viable")
	}
	if !(LocalArchive{Size: 1025}).Viable() {
		t.Errorf("1025 bytes must be viable")
	}
}

func TestKlineRecordSetValue(t *testing.T) {
	r := KlineRecord{Timestamp: 1704067200000, Datetime: 1704067200000}
	if !r.Set(ColOpen, 42000.5) || !r.Set(ColTradeCount, 17.9) {
		t.Fatalf("set failed")
	}
	if r.Set("bogus", 1) {
		t.Fatalf("unknown column accepted")
	}
	if v, ok := r.Value(ColOpen); !ok || v != 42000.5 {
		t.Errorf("open: %v %v", v, ok)
	}
	if v, ok := r.Value(ColTradeCount); !ok || v != 17 {
		t.Errorf("trade count: %v %v", v, ok)
	}
	if _, ok := r.Value(ColHigh); ok {
		t.Errorf("high should be null")
	}
	if !r.Time().Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("time: %s", r.Time())
	}
}
