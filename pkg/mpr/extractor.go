// Package mpr implements multiplanar reconstruction: extracting axial,
// sagittal, and coronal 2D slices from a 3D volume, and the crosshair state
// that keeps the three views pointed at one shared 3D cursor.
package mpr

import (
	"fmt"

	"voxelstation/pkg/volume"
)

// Axis identifies one of the three orthogonal reconstruction planes.
type Axis int

const (
	// Axial is the XY plane; its slice index runs along z.
	Axial Axis = iota
	// Sagittal is the YZ plane; its slice index runs along x.
	Sagittal
	// Coronal is the XZ plane; its slice index runs along y.
	Coronal
)

// String returns the conventional plane name.
func (a Axis) String() string {
	switch a {
	case Axial:
		return "axial"
	case Sagittal:
		return "sagittal"
	case Coronal:
		return "coronal"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// Plane is one extracted 2D slice. Data is row-major with u varying fastest,
// so the pixel at (u, v) is Data[v*Width+u].
type Plane struct {
	Axis Axis

	// Position is the normalized slice position in [0,1] the plane was
	// extracted at.
	Position float64

	// SliceIndex is the nearest integer slice index for Position.
	SliceIndex int

	Data   []float64
	Width  int
	Height int

	// SpacingU and SpacingV are the physical pixel spacings in millimeters
	// along the plane's u and v directions, for on-screen scaling.
	SpacingU float64
	SpacingV float64
}

// At returns the plane intensity at pixel (u, v).
func (p *Plane) At(u, v int) float64 { return p.Data[v*p.Width+u] }

// ExtractPlane samples the grid at a normalized position along the axis
// orthogonal to the requested plane. Positions outside [0,1] are clamped.
// Positions between slice centers interpolate linearly between the two
// adjacent slices.
//
// In-plane orientation: axial planes map (u,v) to (x,y), sagittal to (y,z),
// coronal to (x,z).
func ExtractPlane(grid *volume.Grid, axis Axis, position float64) (*Plane, error) {
	if grid == nil {
		return nil, fmt.Errorf("nil grid")
	}
	if position < 0 {
		position = 0
	}
	if position > 1 {
		position = 1
	}

	nx, ny, nz := grid.Dims()
	sx, sy, sz := grid.Spacing()

	p := &Plane{Axis: axis, Position: position}

	switch axis {
	case Axial:
		fz := position * float64(nz-1)
		p.SliceIndex = int(fz + 0.5)
		p.Width, p.Height = nx, ny
		p.SpacingU, p.SpacingV = sx, sy
		p.Data = make([]float64, nx*ny)
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				p.Data[y*nx+x] = grid.Sample(float64(x), float64(y), fz)
			}
		}

	case Sagittal:
		fx := position * float64(nx-1)
		p.SliceIndex = int(fx + 0.5)
		p.Width, p.Height = ny, nz
		p.SpacingU, p.SpacingV = sy, sz
		p.Data = make([]float64, ny*nz)
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				p.Data[z*ny+y] = grid.Sample(fx, float64(y), float64(z))
			}
		}

	case Coronal:
		fy := position * float64(ny-1)
		p.SliceIndex = int(fy + 0.5)
		p.Width, p.Height = nx, nz
		p.SpacingU, p.SpacingV = sx, sz
		p.Data = make([]float64, nx*nz)
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				p.Data[z*nx+x] = grid.Sample(float64(x), fy, float64(z))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %v", axis)
	}

	return p, nil
}

// SliceCount returns the number of slices along the axis orthogonal to the
// plane, the range a view's slice slider covers.
func SliceCount(grid *volume.Grid, axis Axis) int {
	nx, ny, nz := grid.Dims()
	switch axis {
	case Axial:
		return nz
	case Sagittal:
		return nx
	case Coronal:
		return ny
	}
	return 0
}
