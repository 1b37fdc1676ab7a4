package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheDoMemoizes(t *testing.T) {
	c := NewCache()
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(context.Context) (interface{}, error) {
		calls.Add(1)
		return "result", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.Do(ctx, "s1", 42, compute)
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
		if v != "result" {
			t.Fatalf("Do returned %v, want result", v)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("compute ran %d times, want 1", got)
	}
	if c.Len() != 1 {
		t.Errorf("cache holds %d entries, want 1", c.Len())
	}
}

func TestCacheConcurrentCallsCollapse(t *testing.T) {
	c := NewCache()
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(context.Context) (interface{}, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "shared", nil
	}

	const n = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := c.Do(ctx, "s1", "params", compute); err != nil {
				t.Errorf("Do failed: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("compute ran %d times for one key, want 1", got)
	}
}

func TestCacheKeySeparation(t *testing.T) {
	c := NewCache()
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}

	type params struct{ Threshold float64 }

	a, _ := c.Do(ctx, "s1", params{130}, compute)
	b, _ := c.Do(ctx, "s1", params{100}, compute)
	d, _ := c.Do(ctx, "s2", params{130}, compute)

	if a == b {
		t.Error("different parameters mapped to the same entry")
	}
	if a == d {
		t.Error("different series mapped to the same entry")
	}
	if c.Len() != 3 {
		t.Errorf("cache holds %d entries, want 3", c.Len())
	}

	// The original key still hits its cached value.
	again, _ := c.Do(ctx, "s1", params{130}, compute)
	if again != a {
		t.Error("re-request with equal parameters recomputed")
	}
}

func TestCacheErrorNotCached(t *testing.T) {
	c := NewCache()
	ctx := context.Background()

	var calls atomic.Int64
	fail := errors.New("compute failed")
	compute := func(context.Context) (interface{}, error) {
		if calls.Add(1) == 1 {
			return nil, fail
		}
		return "recovered", nil
	}

	if _, err := c.Do(ctx, "s1", 1, compute); !errors.Is(err, fail) {
		t.Fatalf("first Do error = %v, want the compute error", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed computation left %d cache entries", c.Len())
	}

	// The failure is not sticky.
	v, err := c.Do(ctx, "s1", 1, compute)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if v != "recovered" {
		t.Errorf("retry returned %v, want recovered", v)
	}
}

func TestCacheInvalidateSeries(t *testing.T) {
	c := NewCache()
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}

	c.Do(ctx, "s1", 1, compute)
	c.Do(ctx, "s1", 2, compute)
	c.Do(ctx, "s2", 1, compute)

	c.InvalidateSeries("s1")
	if c.Len() != 1 {
		t.Fatalf("cache holds %d entries after invalidation, want 1 (s2)", c.Len())
	}

	// s1 recomputes, s2 still hits.
	before := calls.Load()
	c.Do(ctx, "s1", 1, compute)
	c.Do(ctx, "s2", 1, compute)
	if got := calls.Load() - before; got != 1 {
		t.Errorf("%d computations after invalidation, want 1 (s1 only)", got)
	}
}

func TestCacheInvalidateSingleEntry(t *testing.T) {
	c := NewCache()
	ctx := context.Background()

	var calls atomic.Int64
	compute := func(context.Context) (interface{}, error) {
		return calls.Add(1), nil
	}

	c.Do(ctx, "s1", 1, compute)
	c.Do(ctx, "s1", 2, compute)

	if err := c.Invalidate("s1", 1); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("cache holds %d entries, want 1", c.Len())
	}

	// Only the dropped key recomputes.
	before := calls.Load()
	c.Do(ctx, "s1", 1, compute)
	c.Do(ctx, "s1", 2, compute)
	if got := calls.Load() - before; got != 1 {
		t.Errorf("%d computations after single-entry invalidation, want 1", got)
	}
}

func TestCacheInvalidateIsPrefixSafe(t *testing.T) {
	c := NewCache()
	ctx := context.Background()
	compute := func(context.Context) (interface{}, error) { return 1, nil }

	// "s1" must not invalidate the distinct series "s10".
	c.Do(ctx, "s1", 1, compute)
	c.Do(ctx, "s10", 1, compute)

	c.InvalidateSeries("s1")
	if c.Len() != 1 {
		t.Errorf("cache holds %d entries, want 1 (s10 untouched)", c.Len())
	}
}

func TestFingerprintStability(t *testing.T) {
	type params struct {
		Threshold float64
		Bands     []string
	}
	p := params{130, []string{"a", "b"}}

	a, err := Fingerprint(p)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	b, err := Fingerprint(p)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if a != b {
		t.Error("equal parameters produced different fingerprints")
	}

	other, err := Fingerprint(params{131, []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if a == other {
		t.Error("different parameters produced the same fingerprint")
	}

	if _, err := Fingerprint(func() {}); err == nil {
		t.Error("expected error for an unencodable parameter value")
	}
}

func TestCacheManySeries(t *testing.T) {
	c := NewCache()
	ctx := context.Background()
	compute := func(context.Context) (interface{}, error) { return "v", nil }

	for i := 0; i < 20; i++ {
		if _, err := c.Do(ctx, fmt.Sprintf("series-%d", i), nil, compute); err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}
	if c.Len() != 20 {
		t.Errorf("cache holds %d entries, want 20", c.Len())
	}
}
