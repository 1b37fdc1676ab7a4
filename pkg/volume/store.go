package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned by Get when no grid is loaded for the series.
var ErrNotFound = errors.New("series not loaded")

// Loader produces a grid from raw study data. The DICOM pixel loader behind
// this interface is an external collaborator.
type Loader interface {
	LoadGrid(ctx context.Context, seriesID string) (*Grid, error)
}

// SeriesLoader produces a dynamic (4D) series from raw study data.
type SeriesLoader interface {
	LoadSeries(ctx context.Context, seriesID string) (*Series, error)
}

// Store owns the loaded grids, keyed by an opaque series identifier. Other
// components borrow read-only grids through the series ID rather than holding
// long-lived pointers, which keeps eviction simple.
//
// Loading is the only mutation path. Concurrent loads of the same series
// collapse to a single in-flight load; concurrent reads never block each
// other.
type Store struct {
	loader       Loader
	seriesLoader SeriesLoader

	mu     sync.RWMutex
	grids  map[string]*Grid
	series map[string]*Series

	flight singleflight.Group
}

// NewStore creates a store backed by the given loaders. seriesLoader may be
// nil if the installation never loads dynamic series.
func NewStore(loader Loader, seriesLoader SeriesLoader) *Store {
	return &Store{
		loader:       loader,
		seriesLoader: seriesLoader,
		grids:        make(map[string]*Grid),
		series:       make(map[string]*Series),
	}
}

// Load returns the grid for seriesID, loading it through the configured
// loader on first use. Duplicate concurrent loads of the same series share
// one loader call.
func (s *Store) Load(ctx context.Context, seriesID string) (*Grid, error) {
	s.mu.RLock()
	g, ok := s.grids[seriesID]
	s.mu.RUnlock()
	if ok {
		return g, nil
	}

	v, err, _ := s.flight.Do("grid:"+seriesID, func() (interface{}, error) {
		// Re-check under the flight: a racing load may have completed
		// between the fast path and entering the group.
		s.mu.RLock()
		g, ok := s.grids[seriesID]
		s.mu.RUnlock()
		if ok {
			return g, nil
		}

		g, err := s.loader.LoadGrid(ctx, seriesID)
		if err != nil {
			return nil, fmt.Errorf("loading series %s: %w", seriesID, err)
		}
		s.mu.Lock()
		s.grids[seriesID] = g
		s.mu.Unlock()
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Grid), nil
}

// LoadSeries returns the dynamic series for seriesID, loading it on first
// use with the same deduplication as Load.
func (s *Store) LoadSeries(ctx context.Context, seriesID string) (*Series, error) {
	if s.seriesLoader == nil {
		return nil, fmt.Errorf("no series loader configured")
	}
	s.mu.RLock()
	sr, ok := s.series[seriesID]
	s.mu.RUnlock()
	if ok {
		return sr, nil
	}

	v, err, _ := s.flight.Do("series:"+seriesID, func() (interface{}, error) {
		s.mu.RLock()
		sr, ok := s.series[seriesID]
		s.mu.RUnlock()
		if ok {
			return sr, nil
		}

		sr, err := s.seriesLoader.LoadSeries(ctx, seriesID)
		if err != nil {
			return nil, fmt.Errorf("loading dynamic series %s: %w", seriesID, err)
		}
		s.mu.Lock()
		s.series[seriesID] = sr
		s.mu.Unlock()
		return sr, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Series), nil
}

// Get returns the already-loaded grid for seriesID, or ErrNotFound.
func (s *Store) Get(seriesID string) (*Grid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grids[seriesID]
	if !ok {
		return nil, fmt.Errorf("series %s: %w", seriesID, ErrNotFound)
	}
	return g, nil
}

// GetSeries returns the already-loaded dynamic series, or ErrNotFound.
func (s *Store) GetSeries(seriesID string) (*Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.series[seriesID]
	if !ok {
		return nil, fmt.Errorf("series %s: %w", seriesID, ErrNotFound)
	}
	return sr, nil
}

// Evict drops the grid and dynamic series for seriesID. Consumers holding a
// grid pointer may finish their read; the store simply stops handing it out.
func (s *Store) Evict(seriesID string) {
	s.flight.Forget("grid:" + seriesID)
	s.flight.Forget("series:" + seriesID)
	s.mu.Lock()
	delete(s.grids, seriesID)
	delete(s.series, seriesID)
	s.mu.Unlock()
}

// Loaded returns the IDs of all currently loaded grids.
func (s *Store) Loaded() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.grids))
	for id := range s.grids {
		ids = append(ids, id)
	}
	return ids
}
