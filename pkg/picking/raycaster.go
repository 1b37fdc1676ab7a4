// Package picking maps 2D screen clicks to 3D coordinates in volume space by
// casting a ray from the camera through the clicked pixel and intersecting it
// with the volume geometry.
package picking

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"voxelstation/pkg/volume"
)

// Camera describes the viewpoint a pick ray originates from. Position is in
// physical millimeter space, Forward and Up need not be normalized.
type Camera struct {
	Position r3.Vec
	Forward  r3.Vec
	Up       r3.Vec

	// FOV is the vertical field of view in degrees.
	FOV float64

	// Aspect is the viewport width/height ratio.
	Aspect float64
}

// Options tunes the pick behavior.
type Options struct {
	// SurfaceThreshold is the Hounsfield value treated as a renderable
	// surface when walking the ray through the volume.
	SurfaceThreshold float64

	// StepMM is the ray-march step inside the volume.
	StepMM float64

	// FallbackDepthMM is the distance along the ray used when the ray misses
	// the volume entirely.
	FallbackDepthMM float64
}

// DefaultOptions are reasonable picking defaults for CT: surfaces at the
// soft-tissue boundary, half-millimeter marching, 200 mm fallback depth.
func DefaultOptions() Options {
	return Options{
		SurfaceThreshold: -300,
		StepMM:           0.5,
		FallbackDepthMM:  200,
	}
}

// Pick is the result of one pick. A pick never fails: when the ray misses
// the volume the point is placed at a fixed depth along the ray and flagged
// Approximate so downstream accuracy claims can be qualified.
type Pick struct {
	// Point is the picked location in physical millimeter space.
	Point r3.Vec

	// Voxel is Point converted to the nearest voxel coordinate, clamped to
	// the grid bounds.
	Voxel [3]int

	// Distance is the ray parameter at the picked point in millimeters.
	Distance float64

	// Approximate is true when no geometric intersection was found and the
	// fixed-depth fallback was used.
	Approximate bool
}

// PickPoint casts a ray through the normalized screen coordinate (u, v), with
// u and v in [0,1] and (0,0) the top-left corner of the view.
//
// Resolution order: first surface sample at or above the threshold along the
// ray inside the volume; otherwise the ray's entry point into the volume
// bounds; otherwise the fallback point at FallbackDepthMM, flagged
// approximate.
func PickPoint(grid *volume.Grid, cam Camera, u, v float64, opts Options) Pick {
	dir := rayDirection(cam, u, v)

	lo := grid.Origin()
	hi := r3.Add(lo, grid.PhysicalSize())

	tEnter, tExit, hit := intersectAABB(cam.Position, dir, lo, hi)
	if !hit || tExit < 0 {
		t := opts.FallbackDepthMM
		return pickAt(grid, cam.Position, dir, t, true)
	}
	if tEnter < 0 {
		// Camera inside the volume.
		tEnter = 0
	}

	// March the ray for the first sample at or above the surface threshold.
	if opts.StepMM > 0 {
		for t := tEnter; t <= tExit; t += opts.StepMM {
			p := r3.Add(cam.Position, r3.Scale(t, dir))
			vox := grid.PhysicalToVoxel(p)
			if grid.Sample(vox.X, vox.Y, vox.Z) >= opts.SurfaceThreshold {
				return pickAt(grid, cam.Position, dir, t, false)
			}
		}
	}

	// No isosurface along the ray; the bounding-box entry is still a real
	// geometric intersection.
	return pickAt(grid, cam.Position, dir, tEnter, false)
}

func pickAt(grid *volume.Grid, origin, dir r3.Vec, t float64, approximate bool) Pick {
	p := r3.Add(origin, r3.Scale(t, dir))
	vox := grid.ClampVoxel(grid.PhysicalToVoxel(p))
	return Pick{
		Point:       p,
		Voxel:       [3]int{int(vox.X + 0.5), int(vox.Y + 0.5), int(vox.Z + 0.5)},
		Distance:    t,
		Approximate: approximate,
	}
}

// rayDirection builds the unit ray direction through the normalized screen
// coordinate using the camera basis.
func rayDirection(cam Camera, u, v float64) r3.Vec {
	forward := r3.Unit(cam.Forward)
	right := r3.Unit(r3.Cross(forward, cam.Up))
	up := r3.Cross(right, forward)

	halfH := math.Tan(cam.FOV * math.Pi / 360)
	halfW := halfH * cam.Aspect

	// (0,0) is top-left, so v grows downward.
	px := (2*u - 1) * halfW
	py := (1 - 2*v) * halfH

	d := r3.Add(forward, r3.Add(r3.Scale(px, right), r3.Scale(py, up)))
	return r3.Unit(d)
}

// intersectAABB is the slab-method ray/box intersection. It returns the entry
// and exit ray parameters and whether the ray crosses the box at all.
func intersectAABB(origin, dir, lo, hi r3.Vec) (tEnter, tExit float64, hit bool) {
	tEnter = math.Inf(-1)
	tExit = math.Inf(1)

	for _, s := range [3]struct{ o, d, lo, hi float64 }{
		{origin.X, dir.X, lo.X, hi.X},
		{origin.Y, dir.Y, lo.Y, hi.Y},
		{origin.Z, dir.Z, lo.Z, hi.Z},
	} {
		if s.d == 0 {
			if s.o < s.lo || s.o > s.hi {
				return 0, 0, false
			}
			continue
		}
		t0 := (s.lo - s.o) / s.d
		t1 := (s.hi - s.o) / s.d
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		if t0 > tEnter {
			tEnter = t0
		}
		if t1 < tExit {
			tExit = t1
		}
		if tEnter > tExit {
			return 0, 0, false
		}
	}
	return tEnter, tExit, true
}
