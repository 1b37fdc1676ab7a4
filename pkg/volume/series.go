package volume

import "fmt"

// Series is an ordered sequence of grids sharing geometry, indexed by
// acquisition time. It is the input to perfusion analysis, where each frame is
// one time point of a dynamic contrast study.
type Series struct {
	frames []*Grid
	times  []float64
}

// NewSeries constructs a series from frames and their acquisition times in
// seconds. All frames must share dimensions and spacing, and times must be
// strictly increasing with one entry per frame.
func NewSeries(frames []*Grid, times []float64) (*Series, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("series requires at least one frame")
	}
	if len(times) != len(frames) {
		return nil, fmt.Errorf("got %d times for %d frames", len(times), len(frames))
	}
	nx, ny, nz := frames[0].Dims()
	sx, sy, sz := frames[0].Spacing()
	for i, f := range frames[1:] {
		fx, fy, fz := f.Dims()
		if fx != nx || fy != ny || fz != nz {
			return nil, fmt.Errorf("frame %d dimensions %dx%dx%d differ from frame 0 (%dx%dx%d)",
				i+1, fx, fy, fz, nx, ny, nz)
		}
		gx, gy, gz := f.Spacing()
		if gx != sx || gy != sy || gz != sz {
			return nil, fmt.Errorf("frame %d spacing differs from frame 0", i+1)
		}
	}
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			return nil, fmt.Errorf("acquisition times must be strictly increasing, got %g after %g",
				times[i], times[i-1])
		}
	}
	return &Series{frames: frames, times: times}, nil
}

// Len returns the number of time points.
func (s *Series) Len() int { return len(s.frames) }

// Frame returns the grid at time index i.
func (s *Series) Frame(i int) *Grid { return s.frames[i] }

// Time returns the acquisition time of frame i in seconds.
func (s *Series) Time(i int) float64 { return s.times[i] }

// Times returns the acquisition times of all frames in seconds. The returned
// slice is a copy.
func (s *Series) Times() []float64 {
	out := make([]float64, len(s.times))
	copy(out, s.times)
	return out
}

// Geometry returns the shared frame geometry.
func (s *Series) Geometry() *Grid { return s.frames[0] }
