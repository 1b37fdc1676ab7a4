package mpr

import (
	"sync"

	"voxelstation/pkg/volume"
)

// Crosshair holds the single shared 3D cursor position referenced by all
// three reconstruction views. Views never mutate the position directly; they
// request an update through SetSlice or SetPlanePoint, and the crosshair
// applies it atomically under one lock so no reader observes a torn x/y/z.
//
// The update rules are the core invariant of MPR synchronization:
//
//   - setting the axial slice index sets z, preserving x and y
//   - setting the sagittal slice index sets x, preserving y and z
//   - setting the coronal slice index sets y, preserving x and z
//   - a click at (u, v) inside a plane sets the two in-plane coordinates and
//     preserves the plane's own slice index
//
// All requested coordinates are clamped to the grid bounds, never wrapped.
type Crosshair struct {
	mu         sync.Mutex
	x, y, z    float64
	nx, ny, nz int
}

// NewCrosshair creates a crosshair centered in the given grid.
func NewCrosshair(grid *volume.Grid) *Crosshair {
	nx, ny, nz := grid.Dims()
	return &Crosshair{
		x:  float64(nx-1) / 2,
		y:  float64(ny-1) / 2,
		z:  float64(nz-1) / 2,
		nx: nx, ny: ny, nz: nz,
	}
}

// Position returns a consistent snapshot of the cursor in voxel coordinates.
func (c *Crosshair) Position() (x, y, z float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.x, c.y, c.z
}

// SetSlice updates the coordinate orthogonal to the given plane to the slice
// index, preserving the two in-plane coordinates. The index is clamped to the
// valid slice range.
func (c *Crosshair) SetSlice(axis Axis, index float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch axis {
	case Axial:
		c.z = clamp(index, 0, float64(c.nz-1))
	case Sagittal:
		c.x = clamp(index, 0, float64(c.nx-1))
	case Coronal:
		c.y = clamp(index, 0, float64(c.ny-1))
	}
}

// SetPlanePoint applies a click at in-plane pixel (u, v) of the given view:
// the two in-plane coordinates move to (u, v) and the view's own slice index
// is untouched. Coordinates are clamped to the grid bounds.
func (c *Crosshair) SetPlanePoint(axis Axis, u, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch axis {
	case Axial: // (u,v) = (x,y), z preserved
		c.x = clamp(u, 0, float64(c.nx-1))
		c.y = clamp(v, 0, float64(c.ny-1))
	case Sagittal: // (u,v) = (y,z), x preserved
		c.y = clamp(u, 0, float64(c.ny-1))
		c.z = clamp(v, 0, float64(c.nz-1))
	case Coronal: // (u,v) = (x,z), y preserved
		c.x = clamp(u, 0, float64(c.nx-1))
		c.z = clamp(v, 0, float64(c.nz-1))
	}
}

// SliceIndex returns the cursor's slice index along the axis orthogonal to
// the given plane, rounded to the nearest slice.
func (c *Crosshair) SliceIndex(axis Axis) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch axis {
	case Axial:
		return int(c.z + 0.5)
	case Sagittal:
		return int(c.x + 0.5)
	case Coronal:
		return int(c.y + 0.5)
	}
	return 0
}

// NormalizedPosition returns the cursor's position along the axis orthogonal
// to the given plane as a fraction in [0,1], suitable for ExtractPlane.
func (c *Crosshair) NormalizedPosition(axis Axis) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch axis {
	case Axial:
		return normalize(c.z, c.nz)
	case Sagittal:
		return normalize(c.x, c.nx)
	case Coronal:
		return normalize(c.y, c.ny)
	}
	return 0
}

// PlanePoint returns the cursor's in-plane (u, v) pixel within the given
// view, the counterpart of SetPlanePoint.
func (c *Crosshair) PlanePoint(axis Axis) (u, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch axis {
	case Axial:
		return c.x, c.y
	case Sagittal:
		return c.y, c.z
	case Coronal:
		return c.x, c.z
	}
	return 0, 0
}

func normalize(v float64, n int) float64 {
	if n <= 1 {
		return 0
	}
	return v / float64(n-1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
