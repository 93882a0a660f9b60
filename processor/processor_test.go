package processor

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"klineflow/writer"
)

const jan2024 = int64(1704067200000)

func writeZip(t *testing.T, dir, name, member, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create(member)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func positionalRows(ts ...int64) string {
	var b strings.Builder
	for _, v := range ts {
		fmt.Fprintf(&b, "%d,100.5,101,99.5,100,12.5,%d,1250,42,6,600,0\n", v, v+59999)
	}
	return b.String()
}

func minute(n int64) int64 { return jan2024 + n*60000 }

func newTestNormalizer(t *testing.T) (*Normalizer, string) {
	t.Helper()
	dir := t.TempDir()
	return NewNormalizer(writer.NewParquetStore("snappy", 1), filepath.Join(dir, "parquet"), true), dir
}

func TestSniffLayout(t *testing.T) {
	tests := []struct {
		line string
		want Layout
	}{
		{"1704067200000,1,2,3\n", LayoutPositional},
		{"1.5e12,1,2\n", LayoutPositional},
		{"open_time,open,high\n", LayoutHeadered},
		{"\ufeffOpen Time,Open\n", LayoutHeadered},
		{"", LayoutHeadered},
	}
	for _, tt := range tests {
		if got := SniffLayout(tt.line); got != tt.want {
			t.Errorf("SniffLayout(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestResolveSchemaAdoptsTimeColumn(t *testing.T) {
	s := ResolveSchema(LayoutHeadered, []string{"Close Time", "Event Time", "Open"}, 0)
	if s.Timestamp != 1 {
		t.Fatalf("expected column 1 as timestamp, got %d", s.Timestamp)
	}
	want := []string{"close_time", "timestamp", "open"}
	if !reflect.DeepEqual(s.Columns, want) {
		t.Errorf("columns = %v, want %v", s.Columns, want)
	}
}

func TestResolveSchemaShortPositional(t *testing.T) {
	s := ResolveSchema(LayoutPositional, nil, 6)
	if !reflect.DeepEqual(s.Columns, PositionalColumns[:6]) {
		t.Errorf("columns = %v", s.Columns)
	}
	s = ResolveSchema(LayoutPositional, nil, 14)
	if len(s.Columns) != len(PositionalColumns) {
		t.Errorf("extra columns not dropped: %v", s.Columns)
	}
}

func TestNormalizePositionalArchive(t *testing.T) {
	n, dir := newTestNormalizer(t)
	archive := writeZip(t, dir, "X-1m-2024-01.zip", "X-1m-2024-01.csv", positionalRows(minute(2), minute(0), minute(1)))

	nf, err := n.Normalize(archive)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if nf.Rows != 3 {
		t.Fatalf("expected 3 rows, got %d", nf.Rows)
	}
	if !nf.Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start %v", nf.Start)
	}
	if !reflect.DeepEqual(nf.Columns, PositionalColumns) || nf.Layout != "positional" || nf.IndexType != "datetime" {
		t.Errorf("unexpected schema %+v", nf)
	}
	if filepath.Base(nf.Path) != "X-1m-2024-01.parquet" {
		t.Errorf("unexpected output %s", nf.Path)
	}

	records, meta, err := n.store.Read(nf.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := 1; i < len(records); i++ {
		if records[i].Datetime < records[i-1].Datetime {
			t.Fatalf("rows not sorted at %d", i)
		}
	}
	if records[0].TradeCount == nil || *records[0].TradeCount != 42 || records[0].Close == nil || *records[0].Close != 100 {
		t.Errorf("unexpected first record %+v", records[0])
	}
	if meta.Layout != "positional" {
		t.Errorf("layout metadata %q", meta.Layout)
	}
}

func TestNormalizeHeaderedArchive(t *testing.T) {
	n, dir := newTestNormalizer(t)
	content := "Open Time,Open,High,Low,Close,Volume,Trades\n" +
		fmt.Sprintf("%d,1,2,0.5,1.5,10,7\n", minute(1)) +
		"garbage,1,2,0.5,1.5,10,7\n" +
		fmt.Sprintf("%d,1,2,0.5,n/a,10,8\n", minute(0))
	archive := writeZip(t, dir, "X-1m-2024-01.zip", "x.CSV", content)

	nf, err := n.Normalize(archive)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if nf.Rows != 2 {
		t.Fatalf("expected 2 rows after dropping bad timestamp, got %d", nf.Rows)
	}
	want := []string{"timestamp", "open", "high", "low", "close", "volume", "trades"}
	if !reflect.DeepEqual(nf.Columns, want) || nf.Layout != "headered" {
		t.Errorf("unexpected schema %v %s", nf.Columns, nf.Layout)
	}

	records, _, err := n.store.Read(nf.Path)
	if err != nil {
		t.Fatal(err)
	}
	if records[0].Datetime != minute(0) || records[0].Close != nil {
		t.Errorf("expected sorted rows with null close, got %+v", records[0])
	}
	if records[1].TradeCount == nil || *records[1].TradeCount != 7 {
		t.Errorf("trades not mapped: %+v", records[1])
	}
	if records[0].CloseTime != nil {
		t.Errorf("absent column should stay null")
	}
}

func TestNormalizeMicrosecondTimestamps(t *testing.T) {
	n, dir := newTestNormalizer(t)
	archive := writeZip(t, dir, "X-1m-2025-01.zip", "X-1m-2025-01.csv", positionalRows(jan2024*1000))
	nf, err := n.Normalize(archive)
	if err != nil {
		t.Fatal(err)
	}
	if !nf.Start.Equal(time.UnixMilli(jan2024).UTC()) {
		t.Errorf("unexpected start %v", nf.Start)
	}
}

func TestNormalizeErrors(t *testing.T) {
	tests := []struct {
		name    string
		member  string
		content string
		reason  string
	}{
		{"no csv member", "readme.txt", "hello", ReasonNoTabularMember},
		{"header only", "a.csv", "open_time,open\n", ReasonEmptyAfterCleaning},
		{"empty member", "a.csv", "", ReasonEmptyAfterCleaning},
		{"all timestamps bad", "a.csv", "open_time,open\nx,1\ny,2\n", ReasonEmptyAfterCleaning},
		{"no timestamp", "a.csv", "a,b\n1,2\n", ReasonNoTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, dir := newTestNormalizer(t)
			archive := writeZip(t, dir, "X-1m-2024-01.zip", tt.member, tt.content)
			_, err := n.Normalize(archive)
			var ne *NormalizationError
			if !errors.As(err, &ne) {
				t.Fatalf("expected NormalizationError, got %v", err)
			}
			if ne.Reason != tt.reason || ne.File != "X-1m-2024-01.zip" {
				t.Errorf("got %+v, want reason %s", ne, tt.reason)
			}
		})
	}
}

func TestNormalizeSkipsExistingOutput(t *testing.T) {
	n, dir := newTestNormalizer(t)
	archive := writeZip(t, dir, "X-1m-2024-01.zip", "X-1m-2024-01.csv", positionalRows(minute(0), minute(1)))

	first, err := n.Normalize(archive)
	if err != nil || first.Skipped {
		t.Fatalf("first run: %+v %v", first, err)
	}
	second, err := n.Normalize(archive)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Skipped || second.Rows != 2 || second.Layout != "positional" {
		t.Errorf("expected skipped output with stat data, got %+v", second)
	}
}

func TestConvertAll(t *testing.T) {
	n, dir := newTestNormalizer(t)
	good := writeZip(t, dir, "X-1m-2024-01.zip", "X-1m-2024-01.csv", positionalRows(minute(0)))
	bad := writeZip(t, dir, "X-1m-2024-02.zip", "notes.txt", "nothing")

	sum := n.ConvertAll(context.Background(), []string{good, bad}, func() bool { return true })
	if sum.Success != 1 || sum.Errors != 1 || sum.Skipped != 0 || len(sum.Files) != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if _, err := os.Stat(good); !os.IsNotExist(err) {
		t.Errorf("raw archive should be deleted after conversion")
	}
	if _, err := os.Stat(bad); err != nil {
		t.Errorf("failed archive must be kept: %v", err)
	}
	if sum.RawDeleted != 1 {
		t.Errorf("raw deleted = %d", sum.RawDeleted)
	}
}

func TestConvertAllStopsOnCancel(t *testing.T) {
	n, dir := newTestNormalizer(t)
	archive := writeZip(t, dir, "X-1m-2024-01.zip", "X-1m-2024-01.csv", positionalRows(minute(0)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum := n.ConvertAll(ctx, []string{archive}, nil)
	if sum.Success+sum.Skipped+sum.Errors != 0 {
		t.Errorf("expected nothing processed, got %+v", sum)
	}
}

func normalizeAll(t *testing.T, n *Normalizer, dir string, archives map[string]string) []string {
	t.Helper()
	var out []string
	for name, content := range archives {
		member := strings.TrimSuffix(name, ".zip") + ".csv"
		nf, err := n.Normalize(writeZip(t, dir, name, member, content))
		if err != nil {
			t.Fatalf("normalize %s: %v", name, err)
		}
		out = append(out, nf.Path)
	}
	return out
}

func TestConsolidateReportsGapAndOrder(t *testing.T) {
	n, dir := newTestNormalizer(t)
	files := normalizeAll(t, n, dir, map[string]string{
		"X-1m-2024-01-01.zip": positionalRows(minute(0), minute(1), minute(2)),
		"X-1m-2024-01-02.zip": positionalRows(minute(60), minute(61)),
	})
	// Later file first to make sure gap detection orders by start.
	if strings.HasSuffix(files[0], "01-01.parquet") {
		files[0], files[1] = files[1], files[0]
	}

	c := NewConsolidator(n.store)
	out := filepath.Join(dir, "master", "X-1m-master.parquet")
	master, report, err := c.Consolidate(files, out)
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if master.Rows != 5 || report.TotalRows != 5 || len(master.Files) != 2 {
		t.Fatalf("unexpected totals %+v %+v", master, report)
	}

	records, meta, err := n.store.Read(out)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(records); i++ {
		if records[i].Datetime < records[i-1].Datetime {
			t.Fatalf("master not sorted at row %d", i)
		}
	}
	if meta.SourceFiles != 2 || meta.Index != "datetime" {
		t.Errorf("unexpected master metadata %+v", meta)
	}

	if len(report.Gaps) != 1 {
		t.Fatalf("expected one gap, got %+v", report.Gaps)
	}
	g := report.Gaps[0]
	if g.Duration != 58*time.Minute || g.After != "X-1m-2024-01-01.parquet" || g.Before != "X-1m-2024-01-02.parquet" {
		t.Errorf("unexpected gap %+v", g)
	}
	if len(report.Mismatches) != 0 {
		t.Errorf("unexpected mismatches %+v", report.Mismatches)
	}
	if len(report.Years) != 1 || report.Years[0].Year != 2024 || report.Years[0].Files != 2 {
		t.Errorf("unexpected years %+v", report.Years)
	}
}

func TestConsolidateKeepsDuplicates(t *testing.T) {
	n, dir := newTestNormalizer(t)
	files := normalizeAll(t, n, dir, map[string]string{
		"X-1m-2024-01-01.zip": positionalRows(minute(0), minute(1)),
		"X-1m-2024-01-02.zip": positionalRows(minute(1), minute(2)),
	})
	master, report, err := NewConsolidator(n.store).Consolidate(files, filepath.Join(dir, "m.parquet"))
	if err != nil {
		t.Fatal(err)
	}
	if master.Rows != 4 || len(report.Gaps) != 0 {
		t.Errorf("expected 4 rows and no gaps, got %d rows %+v", master.Rows, report.Gaps)
	}
}

func TestAnalyzeSchemaMismatchAndUnreadable(t *testing.T) {
	n, dir := newTestNormalizer(t)
	files := normalizeAll(t, n, dir, map[string]string{
		"X-1m-2024-01.zip": positionalRows(minute(0)),
	})
	other := normalizeAll(t, n, dir, map[string]string{
		"X-1m-2024-02.zip": "open_time,open,close\n" + fmt.Sprintf("%d,1,2\n", minute(1)),
	})
	broken := filepath.Join(dir, "parquet", "broken.parquet")
	if err := os.WriteFile(broken, []byte("bad"), 0o644); err != nil {
		t.Fatal(err)
	}
	files = append(files, other...)
	files = append(files, broken)

	report := NewConsolidator(n.store).Analyze(files)
	if report.TotalFiles != 3 || report.ReadableFiles != 2 || report.TotalRows != 2 {
		t.Fatalf("unexpected totals %+v", report)
	}
	if len(report.Mismatches) != 1 || report.Mismatches[0].File != "X-1m-2024-02.parquet" {
		t.Errorf("unexpected mismatches %+v", report.Mismatches)
	}
	if report.Files[2].Err == "" {
		t.Errorf("broken file not flagged")
	}
	if report.Files[0].MissingValues != 0 {
		t.Errorf("unexpected missing values %d", report.Files[0].MissingValues)
	}
}

func TestConsolidateNoRows(t *testing.T) {
	n, dir := newTestNormalizer(t)
	_, _, err := NewConsolidator(n.store).Consolidate(nil, filepath.Join(dir, "m.parquet"))
	if !errors.Is(err, ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}
}

func TestInspect(t *testing.T) {
	n, dir := newTestNormalizer(t)
	files := normalizeAll(t, n, dir, map[string]string{
		"X-1m-2024-01.zip": positionalRows(minute(0), minute(1), minute(2), minute(5)),
	})
	d, err := NewConsolidator(n.store).Inspect(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if d.Rows != 4 || d.DaysCovered != 1 {
		t.Errorf("unexpected detail %+v", d)
	}
	if d.CommonInterval != time.Minute || d.MinInterval != time.Minute || d.MaxInterval != 3*time.Minute {
		t.Errorf("unexpected intervals %v %v %v", d.CommonInterval, d.MinInterval, d.MaxInterval)
	}
	if len(d.Stats) != inspectColumns || d.Stats[0].Name != "open" || d.Stats[0].Mean != 100.5 {
		t.Errorf("unexpected stats %+v", d.Stats)
	}
}

func TestFindParquetFiles(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"a/x.parquet", "b/c/y.PARQUET", "b/z.zip", "w.parquet.tmp"} {
		full := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := FindParquetFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(dir, "a/x.parquet"), filepath.Join(dir, "b/c/y.PARQUET")}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
