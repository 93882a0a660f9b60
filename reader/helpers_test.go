package reader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"klineflow/models"
)

// fakeTransport serves HEAD from a set of existing URLs and GET from bodies.
type fakeTransport struct {
	mu       sync.Mutex
	existing map[string]bool
	bodies   map[string][]byte
	failures map[string]int // GET failures before success
	heads    []string
	gets     []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		existing: map[string]bool{},
		bodies:   map[string][]byte{},
		failures: map[string]int{},
	}
}

func (f *fakeTransport) Head(ctx context.Context, url string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads = append(f.heads, url)
	if f.existing[url] {
		return http.StatusOK, nil
	}
	return http.StatusNotFound, nil
}

func (f *fakeTransport) Get(ctx context.Context, url string) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, url)
	if f.failures[url] > 0 {
		f.failures[url]--
		return nil, errors.New("connection reset")
	}
	body, ok := f.bodies[url]
	if !ok {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeTransport) headCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heads)
}

func (f *fakeTransport) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gets)
}

func testID(symbol, frequency string) models.DatasetIdentifier {
	return models.DatasetIdentifier{Symbol: symbol, Interval: "1m", DataType: "spot", Frequency: frequency}
}

func fixedNow() time.Time {
	return time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)
}

func noSleep(recorded *[]time.Duration) func(context.Context, time.Duration) error {
	var mu sync.Mutex
	return func(_ context.Context, d time.Duration) error {
		mu.Lock()
		*recorded = append(*recorded, d)
		mu.Unlock()
		return nil
	}
}
