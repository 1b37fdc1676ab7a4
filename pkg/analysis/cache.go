// Package analysis memoizes the expensive batch computations (calcium
// scoring, perfusion maps) keyed by series identity and parameters, and
// collapses concurrent requests for the same key into one computation.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"voxelstation/internal/models"
	"voxelstation/pkg/calcium"
	"voxelstation/pkg/perfusion"
	"voxelstation/pkg/volume"
)

// Cache memoizes computation results by (seriesID, parameter fingerprint).
// At most one computation per key is ever in flight: concurrent callers for
// the same key await the shared computation instead of duplicating work.
// Entries for different series never contend.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]interface{}
	flight  singleflight.Group
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]interface{})}
}

// Fingerprint derives a stable key fragment from a parameter value via its
// canonical JSON encoding.
func Fingerprint(params interface{}) (string, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encoding cache parameters: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Do returns the cached result for (seriesID, params), computing it once on
// a miss. A second caller arriving during the computation shares the single
// in-flight call (singleflight), including its error. The compute runs on the
// first caller's context; a later waiter cancelling its own context does not
// stop the shared computation.
func (c *Cache) Do(ctx context.Context, seriesID string, params interface{}, compute func(context.Context) (interface{}, error)) (interface{}, error) {
	fp, err := Fingerprint(params)
	if err != nil {
		return nil, err
	}
	key := seriesID + "\x00" + fp

	c.mu.RLock()
	v, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	v, err, _ = c.flight.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		v, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return v, nil
		}

		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = v
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

// Invalidate drops the single cached entry for (seriesID, params).
func (c *Cache) Invalidate(seriesID string, params interface{}) error {
	fp, err := Fingerprint(params)
	if err != nil {
		return err
	}
	key := seriesID + "\x00" + fp
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// InvalidateSeries drops every cached entry for a series, for example when
// its lesion mask changes or the series is evicted.
func (c *Cache) InvalidateSeries(seriesID string) {
	prefix := seriesID + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CalciumScorer memoizes calcium scoring per (series, options).
type CalciumScorer struct {
	cache *Cache
}

// NewCalciumScorer wraps a cache for calcium scoring.
func NewCalciumScorer(cache *Cache) *CalciumScorer {
	return &CalciumScorer{cache: cache}
}

// Score returns the cached score for the series and options, computing it
// once. The mask is part of the series state, not the key: callers must
// invalidate the series when the mask changes.
func (s *CalciumScorer) Score(ctx context.Context, seriesID string, grid *volume.Grid, mask *volume.Mask, opts calcium.Options) (*models.CalciumResult, error) {
	v, err := s.cache.Do(ctx, seriesID, opts, func(ctx context.Context) (interface{}, error) {
		res, err := calcium.Score(ctx, grid, mask, opts)
		if err != nil {
			return nil, err
		}
		res.SeriesID = seriesID
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CalciumResult), nil
}

// PerfusionAnalyzer memoizes perfusion map generation per (series, options).
type PerfusionAnalyzer struct {
	cache  *Cache
	engine *perfusion.Engine
	opts   perfusion.Options
}

// NewPerfusionAnalyzer wraps a cache around a perfusion engine.
func NewPerfusionAnalyzer(cache *Cache, opts perfusion.Options) *PerfusionAnalyzer {
	return &PerfusionAnalyzer{
		cache:  cache,
		engine: perfusion.NewEngine(opts),
		opts:   opts,
	}
}

// Maps returns the cached parametric maps for the series, computing them
// once per (series, options).
func (p *PerfusionAnalyzer) Maps(ctx context.Context, seriesID string, series *volume.Series, aifROI *volume.Mask) (*models.PerfusionMaps, error) {
	v, err := p.cache.Do(ctx, seriesID, p.opts, func(ctx context.Context) (interface{}, error) {
		maps, err := p.engine.ComputeMaps(ctx, series, aifROI)
		if err != nil {
			return nil, err
		}
		maps.SeriesID = seriesID
		return maps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.PerfusionMaps), nil
}
