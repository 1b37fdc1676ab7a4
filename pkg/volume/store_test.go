package volume

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// countingLoader counts how many times the underlying load actually runs,
// with an artificial delay so concurrent requests overlap.
type countingLoader struct {
	calls atomic.Int64
	delay time.Duration
}

func (l *countingLoader) LoadGrid(_ context.Context, _ string) (*Grid, error) {
	l.calls.Add(1)
	time.Sleep(l.delay)
	return NewGrid(make([]float64, 8), 2, 2, 2, 1, 1, 1, r3.Vec{})
}

func TestStoreLoadAndGet(t *testing.T) {
	store := NewStore(&countingLoader{}, nil)
	ctx := context.Background()

	g, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	got, err := store.Get("s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != g {
		t.Error("Get returned a different grid than Load")
	}

	if _, err := store.Get("unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestStoreConcurrentLoadsCollapse(t *testing.T) {
	loader := &countingLoader{delay: 50 * time.Millisecond}
	store := NewStore(loader, nil)
	ctx := context.Background()

	const n = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := store.Load(ctx, "shared"); err != nil {
				t.Errorf("Load failed: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := loader.calls.Load(); got != 1 {
		t.Errorf("loader ran %d times for one key, want 1", got)
	}

	// A different key triggers its own load.
	if _, err := store.Load(ctx, "other"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := loader.calls.Load(); got != 2 {
		t.Errorf("loader ran %d times total, want 2", got)
	}
}

func TestStoreEvict(t *testing.T) {
	loader := &countingLoader{}
	store := NewStore(loader, nil)
	ctx := context.Background()

	if _, err := store.Load(ctx, "s1"); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	store.Evict("s1")

	if _, err := store.Get("s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Evict error = %v, want ErrNotFound", err)
	}

	// Loading again after eviction goes back to the loader.
	if _, err := store.Load(ctx, "s1"); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := loader.calls.Load(); got != 2 {
		t.Errorf("loader ran %d times, want 2 (load, evict, reload)", got)
	}
}

type seriesLoaderFunc struct{}

func (seriesLoaderFunc) LoadSeries(_ context.Context, _ string) (*Series, error) {
	mk := func() *Grid {
		g, _ := NewGrid(make([]float64, 8), 2, 2, 2, 1, 1, 1, r3.Vec{})
		return g
	}
	return NewSeries([]*Grid{mk(), mk(), mk(), mk()}, []float64{0, 1, 2, 3})
}

func TestStoreSeriesLoading(t *testing.T) {
	store := NewStore(&countingLoader{}, seriesLoaderFunc{})
	ctx := context.Background()

	sr, err := store.LoadSeries(ctx, "dyn")
	if err != nil {
		t.Fatalf("LoadSeries failed: %v", err)
	}
	if sr.Len() != 4 {
		t.Errorf("series length = %d, want 4", sr.Len())
	}

	if _, err := store.GetSeries("dyn"); err != nil {
		t.Errorf("GetSeries failed: %v", err)
	}

	none := NewStore(&countingLoader{}, nil)
	if _, err := none.LoadSeries(ctx, "dyn"); err == nil {
		t.Error("expected error when no series loader is configured")
	}
}
