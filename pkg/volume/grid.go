// Package volume owns the voxel data model: the immutable 3D grid of
// Hounsfield samples, the 4D time series used by perfusion analysis, and the
// store that loads and caches grids per series.
package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Grid is a dense 3D array of signed intensity samples (Hounsfield Units for
// CT) with its physical metadata. The data is stored as a flat array in
// row-major order, indexed as z*nx*ny + y*nx + x.
//
// A Grid is immutable after construction. All consumers read concurrently
// without synchronization.
type Grid struct {
	data       []float64
	nx, ny, nz int
	sx, sy, sz float64
	ox, oy, oz float64
}

// NewGrid constructs a grid from flat row-major data. The data length must
// match the product of the dimensions, dimensions must be positive, and
// spacing must be positive in every axis.
func NewGrid(data []float64, nx, ny, nz int, sx, sy, sz float64, origin r3.Vec) (*Grid, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%dx%d", nx, ny, nz)
	}
	if sx <= 0 || sy <= 0 || sz <= 0 {
		return nil, fmt.Errorf("invalid spacing %gx%gx%g", sx, sy, sz)
	}
	if len(data) != nx*ny*nz {
		return nil, fmt.Errorf("data length %d does not match dimensions %dx%dx%d", len(data), nx, ny, nz)
	}
	return &Grid{
		data: data,
		nx:   nx, ny: ny, nz: nz,
		sx: sx, sy: sy, sz: sz,
		ox: origin.X, oy: origin.Y, oz: origin.Z,
	}, nil
}

// Dims returns the grid dimensions in voxels.
func (g *Grid) Dims() (nx, ny, nz int) { return g.nx, g.ny, g.nz }

// Spacing returns the voxel spacing in millimeters.
func (g *Grid) Spacing() (sx, sy, sz float64) { return g.sx, g.sy, g.sz }

// Origin returns the physical position of voxel (0,0,0) in millimeters.
func (g *Grid) Origin() r3.Vec { return r3.Vec{X: g.ox, Y: g.oy, Z: g.oz} }

// VoxelVolume returns the physical volume of a single voxel in cubic
// millimeters.
func (g *Grid) VoxelVolume() float64 { return g.sx * g.sy * g.sz }

// PhysicalSize returns the physical extent of the grid in millimeters.
func (g *Grid) PhysicalSize() r3.Vec {
	return r3.Vec{
		X: float64(g.nx) * g.sx,
		Y: float64(g.ny) * g.sy,
		Z: float64(g.nz) * g.sz,
	}
}

// InBounds reports whether the voxel coordinate lies inside the grid.
func (g *Grid) InBounds(x, y, z int) bool {
	return x >= 0 && x < g.nx && y >= 0 && y < g.ny && z >= 0 && z < g.nz
}

// At returns the intensity at an integer voxel coordinate. Coordinates
// outside the grid are clamped to the nearest edge voxel.
func (g *Grid) At(x, y, z int) float64 {
	x = clampInt(x, 0, g.nx-1)
	y = clampInt(y, 0, g.ny-1)
	z = clampInt(z, 0, g.nz-1)
	return g.data[z*g.nx*g.ny+y*g.nx+x]
}

// Sample returns the trilinearly interpolated intensity at a fractional voxel
// coordinate. Coordinates are clamped to the grid before interpolation.
func (g *Grid) Sample(fx, fy, fz float64) float64 {
	fx = clampFloat(fx, 0, float64(g.nx-1))
	fy = clampFloat(fy, 0, float64(g.ny-1))
	fz = clampFloat(fz, 0, float64(g.nz-1))

	x0, y0, z0 := int(fx), int(fy), int(fz)
	tx, ty, tz := fx-float64(x0), fy-float64(y0), fz-float64(z0)

	// Interpolate along x, then y, then z.
	c00 := lerp(g.At(x0, y0, z0), g.At(x0+1, y0, z0), tx)
	c10 := lerp(g.At(x0, y0+1, z0), g.At(x0+1, y0+1, z0), tx)
	c01 := lerp(g.At(x0, y0, z0+1), g.At(x0+1, y0, z0+1), tx)
	c11 := lerp(g.At(x0, y0+1, z0+1), g.At(x0+1, y0+1, z0+1), tx)
	c0 := lerp(c00, c10, ty)
	c1 := lerp(c01, c11, ty)
	return lerp(c0, c1, tz)
}

// VoxelToPhysical converts a fractional voxel coordinate to physical
// millimeter space.
func (g *Grid) VoxelToPhysical(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: g.ox + v.X*g.sx,
		Y: g.oy + v.Y*g.sy,
		Z: g.oz + v.Z*g.sz,
	}
}

// PhysicalToVoxel converts a physical millimeter coordinate to fractional
// voxel space.
func (g *Grid) PhysicalToVoxel(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: (p.X - g.ox) / g.sx,
		Y: (p.Y - g.oy) / g.sy,
		Z: (p.Z - g.oz) / g.sz,
	}
}

// ClampVoxel clamps a fractional voxel coordinate to the grid bounds.
func (g *Grid) ClampVoxel(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: clampFloat(v.X, 0, float64(g.nx-1)),
		Y: clampFloat(v.Y, 0, float64(g.ny-1)),
		Z: clampFloat(v.Z, 0, float64(g.nz-1)),
	}
}

// MinMax returns the minimum and maximum intensity in the grid.
func (g *Grid) MinMax() (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, v := range g.data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func lerp(a, b, t float64) float64 { return (1-t)*a + t*b }

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
