// Package phantom generates synthetic CT volumes and dynamic contrast
// series with known ground truth. The demo driver uses it in place of a real
// DICOM loader, and it doubles as a source of reproducible test data.
package phantom

import (
	"context"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"voxelstation/pkg/volume"
)

// Lesion is a spherical calcified insert with a known peak density.
type Lesion struct {
	CX, CY, CZ int
	Radius     float64
	PeakHU     float64
	Label      int
}

// CTLoader builds a single static CT phantom: an elliptical soft-tissue body
// in air, with calcified lesion inserts.
type CTLoader struct {
	NX, NY, NZ int
	SX, SY, SZ float64
	Lesions    []Lesion
}

// LoadGrid implements volume.Loader. The series ID is ignored; every call
// produces the same phantom.
func (l *CTLoader) LoadGrid(_ context.Context, _ string) (*volume.Grid, error) {
	data := make([]float64, l.NX*l.NY*l.NZ)

	cx, cy := float64(l.NX)/2, float64(l.NY)/2
	rx, ry := float64(l.NX)*0.4, float64(l.NY)*0.4

	for z := 0; z < l.NZ; z++ {
		for y := 0; y < l.NY; y++ {
			for x := 0; x < l.NX; x++ {
				dx := (float64(x) - cx) / rx
				dy := (float64(y) - cy) / ry
				hu := -1000.0 // air
				if dx*dx+dy*dy <= 1 {
					hu = 40 // soft tissue body
				}
				data[z*l.NX*l.NY+y*l.NX+x] = hu
			}
		}
	}

	for _, les := range l.Lesions {
		r := int(les.Radius) + 1
		for dz := -r; dz <= r; dz++ {
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					x, y, z := les.CX+dx, les.CY+dy, les.CZ+dz
					if x < 0 || x >= l.NX || y < 0 || y >= l.NY || z < 0 || z >= l.NZ {
						continue
					}
					d := math.Sqrt(float64(dx*dx + dy*dy + dz*dz))
					if d <= les.Radius {
						// Density falls off toward the lesion rim.
						hu := les.PeakHU * (1 - 0.3*d/les.Radius)
						data[z*l.NX*l.NY+y*l.NX+x] = hu
					}
				}
			}
		}
	}

	return volume.NewGrid(data, l.NX, l.NY, l.NZ, l.SX, l.SY, l.SZ, r3.Vec{})
}

// LesionMask returns the labeled lesion mask matching the phantom, the kind
// of mask a segmentation collaborator would supply.
func (l *CTLoader) LesionMask() *volume.Mask {
	mask := volume.NewMask(l.NX, l.NY, l.NZ)
	for _, les := range l.Lesions {
		label := les.Label
		if label == 0 {
			label = 1
		}
		r := int(les.Radius) + 1
		for dz := -r; dz <= r; dz++ {
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					d := math.Sqrt(float64(dx*dx + dy*dy + dz*dz))
					if d <= les.Radius {
						mask.Set(les.CX+dx, les.CY+dy, les.CZ+dz, label)
					}
				}
			}
		}
	}
	return mask
}

// PerfusionLoader builds a dynamic contrast series: an arterial cylinder
// with a gamma-variate bolus and a tissue compartment enhancing at a known
// fraction of it.
type PerfusionLoader struct {
	NX, NY, NZ int
	SX, SY, SZ float64

	// Frames is the number of time points, acquired one per second.
	Frames int

	// TissueFraction scales tissue enhancement relative to the artery.
	TissueFraction float64
}

// LoadSeries implements volume.SeriesLoader.
func (l *PerfusionLoader) LoadSeries(_ context.Context, _ string) (*volume.Series, error) {
	times := make([]float64, l.Frames)
	for i := range times {
		times[i] = float64(i)
	}

	frames := make([]*volume.Grid, l.Frames)
	for t := 0; t < l.Frames; t++ {
		aif := GammaVariate(times[t], 3, 2, 1.5, 200)
		tis := GammaVariate(times[t], 5, 2.5, 2, 200*l.TissueFraction)

		data := make([]float64, l.NX*l.NY*l.NZ)
		for z := 0; z < l.NZ; z++ {
			for y := 0; y < l.NY; y++ {
				for x := 0; x < l.NX; x++ {
					hu := 30.0
					if l.inArtery(x, y) {
						hu = 40 + aif
					} else if l.inBody(x, y) {
						hu = 35 + tis
					}
					data[z*l.NX*l.NY+y*l.NX+x] = hu
				}
			}
		}
		g, err := volume.NewGrid(data, l.NX, l.NY, l.NZ, l.SX, l.SY, l.SZ, r3.Vec{})
		if err != nil {
			return nil, err
		}
		frames[t] = g
	}
	return volume.NewSeries(frames, times)
}

// ArteryMask returns the arterial input ROI matching the phantom.
func (l *PerfusionLoader) ArteryMask() *volume.Mask {
	mask := volume.NewMask(l.NX, l.NY, l.NZ)
	for z := 0; z < l.NZ; z++ {
		for y := 0; y < l.NY; y++ {
			for x := 0; x < l.NX; x++ {
				if l.inArtery(x, y) {
					mask.Set(x, y, z, 1)
				}
			}
		}
	}
	return mask
}

// TissueMask returns a tissue ROI away from the artery.
func (l *PerfusionLoader) TissueMask() *volume.Mask {
	mask := volume.NewMask(l.NX, l.NY, l.NZ)
	for z := 0; z < l.NZ; z++ {
		for y := 0; y < l.NY; y++ {
			for x := 0; x < l.NX; x++ {
				if l.inBody(x, y) && !l.inArtery(x, y) {
					mask.Set(x, y, z, 1)
				}
			}
		}
	}
	return mask
}

func (l *PerfusionLoader) inArtery(x, y int) bool {
	cx, cy := l.NX/2, l.NY/2
	dx, dy := x-cx, y-cy
	return dx*dx+dy*dy <= 4
}

func (l *PerfusionLoader) inBody(x, y int) bool {
	dx := (float64(x) - float64(l.NX)/2) / (float64(l.NX) * 0.45)
	dy := (float64(y) - float64(l.NY)/2) / (float64(l.NY) * 0.45)
	return dx*dx+dy*dy <= 1
}

// GammaVariate is the standard first-pass bolus model:
// A * ((t-t0)/(alpha*beta))^alpha * exp(alpha - (t-t0)/beta), zero before t0.
func GammaVariate(t, t0, alpha, beta, amplitude float64) float64 {
	if t <= t0 {
		return 0
	}
	tt := t - t0
	return amplitude * math.Pow(tt/(alpha*beta), alpha) * math.Exp(alpha-tt/beta)
}
