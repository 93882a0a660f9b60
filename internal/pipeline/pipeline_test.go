package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"klineflow/config"
	"klineflow/internal/metadata"
	"klineflow/models"
	"klineflow/reader"

	"gopkg.in/yaml.v3"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

// klineArchive builds a stored (uncompressed) zip so it stays above the
// minimum archive size.
func klineArchive(t *testing.T, name string, start time.Time, rows int) []byte {
	t.Helper()
	var csv strings.Builder
	for i := 0; i < rows; i++ {
		ts := start.Add(time.Duration(i) * time.Minute).UnixMilli()
		fmt.Fprintf(&csv, "%d,42000.1,42010.2,41990.3,42005.4,12.5,%d,525000.5,321,6.25,262500.25,0\n", ts, ts+59999)
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: strings.TrimSuffix(name, ".zip") + ".csv", Method: zip.Store})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(csv.String())); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type archiveServer struct {
	*httptest.Server
	mu    sync.Mutex
	files map[string][]byte
	gets  int
}

func newArchiveServer(t *testing.T) *archiveServer {
	s := &archiveServer{files: map[string][]byte{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		body, ok := s.files[r.URL.Path]
		if r.Method == http.MethodGet {
			s.gets++
		}
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *archiveServer) add(t *testing.T, id models.DatasetIdentifier, year, month, rows int) {
	name := fmt.Sprintf("%s-%s-%04d-%02d.zip", id.Symbol, id.Interval, year, month)
	path := fmt.Sprintf("/data/%s/%s/klines/%s/%s/%s", id.DataType, id.Frequency, id.Symbol, id.Interval, name)
	s.mu.Lock()
	s.files[path] = klineArchive(t, name, time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), rows)
	s.mu.Unlock()
}

func (s *archiveServer) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

type fakePublisher struct {
	files []string
}

func (f *fakePublisher) Publish(ctx context.Context, id models.DatasetIdentifier, files ...string) ([]string, error) {
	f.files = append(f.files, files...)
	keys := make([]string, len(files))
	for i, file := range files {
		keys[i] = id.Symbol + "/" + filepath.Base(file)
	}
	return keys, nil
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Paths.BaseDir = t.TempDir()
	cfg.Reader.BaseURL = baseURL
	cfg.Reader.RequestsPerSecond = 0
	cfg.Reader.Timeout = 5 * time.Second
	cfg.Reader.ProbeTimeout = 2 * time.Second
	cfg.Estimator.KnownEarlySymbols = []string{"TESTUSDT"}
	cfg.Estimator.KnownEarlyYear = 2024
	cfg.Processor.Parallelism = 1
	return &cfg
}

func noRetryPolicy() reader.RetryPolicy {
	rp := reader.DefaultRetryPolicy(1)
	rp.Sleep = func(context.Context, time.Duration) error { return nil }
	return rp
}

var testID = models.DatasetIdentifier{Symbol: "TESTUSDT", Interval: "1m", DataType: "spot", Frequency: "monthly"}

func TestRunEndToEnd(t *testing.T) {
	srv := newArchiveServer(t)
	srv.add(t, testID, 2024, 1, 40)
	srv.add(t, testID, 2024, 2, 30)

	cfg := testConfig(t, srv.URL)
	cfg.Storage.S3.Enabled = true
	pub := &fakePublisher{}
	p := New(cfg, WithClock(func() time.Time { return testNow }), WithRetryPolicy(noRetryPolicy()), WithPublisher(pub))

	opts := RunOptions{Dataset: testID, Download: true, Convert: true, Consolidate: true}
	sum, err := p.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.StartYear != 2024 || sum.Candidates != 3 || sum.Available != 2 {
		t.Fatalf("unexpected discovery %+v", sum)
	}
	if sum.Downloaded != 2 || len(sum.Failed) != 0 || sum.Converted != 2 {
		t.Fatalf("unexpected download/convert %+v", sum)
	}
	if sum.Master == nil || sum.Master.Rows != 70 || len(sum.Master.Files) != 2 {
		t.Fatalf("unexpected master %+v", sum.Master)
	}
	if !sum.Master.Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected master start %v", sum.Master.Start)
	}
	if sum.Report == nil || len(sum.Report.Gaps) != 1 {
		t.Errorf("expected the January/February gap, got %+v", sum.Report)
	}

	m, err := metadata.Load(sum.Manifest)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if len(m.Current.Files) != 2 || m.Current.RecordCount != 70 || m.Properties["symbol"] != "TESTUSDT" {
		t.Errorf("unexpected manifest %+v", m)
	}
	if len(pub.files) != 2 || len(sum.Published) != 2 {
		t.Errorf("expected master and manifest published, got %v", pub.files)
	}

	paths := ResolvePaths(cfg.Paths.BaseDir, testID)
	if _, err := os.Stat(filepath.Join(paths.Zips, "TESTUSDT-1m-2024-01.zip")); err != nil {
		t.Errorf("raw archive should be kept: %v", err)
	}

	// A second run finds everything locally and downloads nothing.
	gets := srv.getCount()
	again, err := New(cfg, WithClock(func() time.Time { return testNow }), WithRetryPolicy(noRetryPolicy()), WithPublisher(pub)).
		Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if srv.getCount() != gets || again.Downloaded != 0 {
		t.Errorf("second run downloaded again: %d gets, %+v", srv.getCount()-gets, again)
	}
	if again.ConvertSkipped != 2 || again.Master == nil || again.Master.Rows != 70 {
		t.Errorf("unexpected second run %+v", again)
	}
}

func TestRunDeletesPerRetention(t *testing.T) {
	srv := newArchiveServer(t)
	srv.add(t, testID, 2024, 1, 40)

	cfg := testConfig(t, srv.URL)
	cfg.Retention.Raw = config.RetentionDelete
	cfg.Retention.Normalized = config.RetentionDelete
	p := New(cfg, WithClock(func() time.Time { return testNow }), WithRetryPolicy(noRetryPolicy()))

	sum, err := p.Run(context.Background(), RunOptions{Dataset: testID, Download: true, Convert: true, Consolidate: true})
	if err != nil {
		t.Fatal(err)
	}
	if sum.RawDeleted != 1 || sum.NormalizedDeleted != 1 {
		t.Errorf("unexpected retention counts %+v", sum)
	}
	paths := ResolvePaths(cfg.Paths.BaseDir, testID)
	if left, _ := reader.ExistingArchives(paths.Zips, models.MinArchiveBytes); len(left) != 0 {
		t.Errorf("raw archives left: %v", left)
	}
	if _, err := os.Stat(sum.Master.Path); err != nil {
		t.Errorf("master missing: %v", err)
	}
}

func TestRunInvalidatesStaleCache(t *testing.T) {
	srv := newArchiveServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Estimator.KnownEarlySymbols = nil

	id := models.DatasetIdentifier{Symbol: "NEWUSDT", Interval: "1m", DataType: "spot", Frequency: "monthly"}
	cacheFile := filepath.Join(cfg.Paths.BaseDir, cfg.Estimator.CacheFile)
	seed, _ := yaml.Marshal(map[string]int{id.CacheKey(): 2024, "OTHER_spot": 2019})
	if err := os.WriteFile(cacheFile, seed, 0o644); err != nil {
		t.Fatal(err)
	}

	p := New(cfg, WithClock(func() time.Time { return testNow }), WithRetryPolicy(noRetryPolicy()))
	sum, err := p.Run(context.Background(), RunOptions{Dataset: id, Download: true})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Available != 0 {
		t.Fatalf("expected nothing available, got %+v", sum)
	}

	data, err := os.ReadFile(cacheFile)
	if err != nil {
		t.Fatal(err)
	}
	var stored map[string]int
	if err := yaml.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	if _, ok := stored[id.CacheKey()]; ok {
		t.Errorf("stale entry kept: %v", stored)
	}
	if stored["OTHER_spot"] != 2019 {
		t.Errorf("unrelated entry lost: %v", stored)
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	srv := newArchiveServer(t)
	srv.add(t, testID, 2024, 1, 40)
	cfg := testConfig(t, srv.URL)
	p := New(cfg, WithClock(func() time.Time { return testNow }), WithRetryPolicy(noRetryPolicy()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := p.Run(ctx, RunOptions{Dataset: testID, Download: true, Convert: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if sum.Downloaded != 0 || sum.Converted != 0 || srv.getCount() != 0 {
		t.Errorf("stages ran after cancel: %+v", sum)
	}
}

func TestRunRejectsInvalidDataset(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	bad := testID
	bad.DataType = "options"
	if _, err := New(cfg).Run(context.Background(), RunOptions{Dataset: bad, Download: true}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestResolvePaths(t *testing.T) {
	id := models.DatasetIdentifier{Symbol: "BTCUSD_PERP", Interval: "1h", DataType: "futures/cm", Frequency: "daily"}
	p := ResolvePaths("/data", id)
	if p.Zips != filepath.Join("/data", "BTCUSD_PERP", "futures", "cm", "1h", "zips") {
		t.Errorf("unexpected zips dir %s", p.Zips)
	}
	if p.MasterFile(id) != filepath.Join(p.Master, "BTCUSD_PERP-1h-daily.parquet") {
		t.Errorf("unexpected master file %s", p.MasterFile(id))
	}
}

func TestRetentionDeleteRaw(t *testing.T) {
	gib := uint64(1 << 30)
	tests := []struct {
		policy string
		free   uint64
		err    error
		want   bool
	}{
		{config.RetentionKeep, 0, nil, false},
		{config.RetentionDelete, 100 * gib, nil, true},
		{config.RetentionAuto, 2 * gib, nil, true},
		{config.RetentionAuto, 10 * gib, nil, false},
		{config.RetentionAuto, 0, errors.New("no disk"), false},
	}
	for _, tt := range tests {
		r := NewRetention(config.RetentionConfig{Raw: tt.policy, MinFreeDiskGB: 5}, "/", func(string) (uint64, error) {
			return tt.free, tt.err
		})
		if got := r.DeleteRaw(); got != tt.want {
			t.Errorf("policy %s free %d: got %v, want %v", tt.policy, tt.free, got, tt.want)
		}
	}
}
