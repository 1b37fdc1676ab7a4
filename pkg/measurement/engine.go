// Package measurement implements the clinical measurement tools: distance,
// angle, area, volume, and Hounsfield intensity lookups over points picked in
// 3D volume space.
package measurement

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"voxelstation/internal/models"
	"voxelstation/pkg/picking"
	"voxelstation/pkg/volume"
)

var (
	// ErrInsufficientPoints is returned by Complete when fewer points have
	// been collected than the measurement type requires. The in-progress
	// point list is preserved so the user can keep placing points.
	ErrInsufficientPoints = errors.New("insufficient points for measurement")

	// ErrNoActiveMeasurement is returned when no measurement is in progress.
	ErrNoActiveMeasurement = errors.New("no active measurement")

	// ErrMeasurementActive is returned by Begin while another measurement is
	// still in progress.
	ErrMeasurementActive = errors.New("measurement already in progress")

	// ErrNoPoints is returned by UndoPoint when nothing has been placed.
	ErrNoPoints = errors.New("no points to undo")
)

// Engine runs one measurement session at a time against a grid and owns the
// collection of completed records.
type Engine struct {
	grid    *volume.Grid
	records *Collection

	mu      sync.Mutex
	session *session
}

type session struct {
	typ    models.MeasurementType
	points []r3.Vec // voxel coordinates
	approx bool
}

// NewEngine creates a measurement engine for the given grid.
func NewEngine(grid *volume.Grid) *Engine {
	return &Engine{grid: grid, records: NewCollection()}
}

// Records returns the engine's record collection.
func (e *Engine) Records() *Collection { return e.records }

// Begin starts a point-based measurement of the given type. Only one
// measurement can be in progress at a time. Volume measurements are region
// based and go through MeasureVolume instead.
func (e *Engine) Begin(t models.MeasurementType) error {
	if !t.Valid() {
		return fmt.Errorf("unknown measurement type %q", t)
	}
	if t == models.Volume {
		return fmt.Errorf("volume measurements are region based, use MeasureVolume")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return ErrMeasurementActive
	}
	e.session = &session{typ: t}
	return nil
}

// AddPoint appends a point in voxel coordinates to the active measurement.
// The point is clamped to the grid bounds.
func (e *Engine) AddPoint(p r3.Vec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ErrNoActiveMeasurement
	}
	e.session.points = append(e.session.points, e.grid.ClampVoxel(p))
	return nil
}

// AddPick appends a picked point, carrying its approximate flag into the
// eventual record so fallback-based measurements stay distinguishable.
func (e *Engine) AddPick(pk picking.Pick) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ErrNoActiveMeasurement
	}
	vox := e.grid.ClampVoxel(e.grid.PhysicalToVoxel(pk.Point))
	e.session.points = append(e.session.points, vox)
	if pk.Approximate {
		e.session.approx = true
	}
	return nil
}

// UndoPoint removes the last-placed point from the active measurement.
func (e *Engine) UndoPoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ErrNoActiveMeasurement
	}
	if len(e.session.points) == 0 {
		return ErrNoPoints
	}
	e.session.points = e.session.points[:len(e.session.points)-1]
	return nil
}

// PointCount returns the number of points placed in the active measurement.
func (e *Engine) PointCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return 0
	}
	return len(e.session.points)
}

// Cancel discards the active measurement and all its collected points
// without emitting a record.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = nil
}

// Complete finalizes the active measurement, computes its value, and stores
// an immutable record. With fewer points than the type's minimum it returns
// ErrInsufficientPoints and leaves the session untouched.
func (e *Engine) Complete() (*models.MeasurementRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrNoActiveMeasurement
	}
	s := e.session
	if len(s.points) < s.typ.MinPoints() {
		return nil, fmt.Errorf("%w: %s needs %d points, have %d",
			ErrInsufficientPoints, s.typ, s.typ.MinPoints(), len(s.points))
	}

	rec := &models.MeasurementRecord{
		ID:          uuid.New(),
		Type:        s.typ,
		Points:      append([]r3.Vec(nil), s.points...),
		Unit:        s.typ.Unit(),
		Approximate: s.approx,
		CreatedAt:   time.Now(),
	}

	switch s.typ {
	case models.Distance:
		rec.Value = e.distance(s.points[0], s.points[1])
		rec.AccuracySpec = "±0.5 mm"
	case models.Angle:
		rec.Value = e.angle(s.points[0], s.points[1], s.points[2])
		rec.AccuracySpec = "±1.0 deg"
	case models.Area:
		rec.Value = e.polygonArea(s.points)
		rec.AccuracySpec = "±5%"
	case models.HU:
		p := s.points[0]
		hu := e.grid.Sample(p.X, p.Y, p.Z)
		rec.Value = hu
		rec.Tissue = models.ClassifyHU(hu)
		rec.AccuracySpec = "trilinear voxel lookup"
	}
	if s.approx {
		rec.AccuracySpec += " (approximate pick)"
	}

	e.records.Add(rec)
	e.session = nil
	return rec, nil
}

// MeasureVolume computes a volume-of-interest measurement from a region mask:
// labeled voxel count times the unit voxel volume, reported in cm³. It does
// not use the point session.
func (e *Engine) MeasureVolume(mask *volume.Mask) (*models.MeasurementRecord, error) {
	if mask == nil {
		return nil, fmt.Errorf("nil region mask")
	}
	if !mask.Matches(e.grid) {
		return nil, fmt.Errorf("region mask dimensions do not match grid")
	}
	mm3 := float64(mask.Count()) * e.grid.VoxelVolume()
	rec := &models.MeasurementRecord{
		ID:           uuid.New(),
		Type:         models.Volume,
		Value:        mm3 / 1000, // mm³ to cm³
		Unit:         models.Volume.Unit(),
		AccuracySpec: "±1 voxel",
		CreatedAt:    time.Now(),
	}
	e.records.Add(rec)
	return rec, nil
}

// distance is the Euclidean norm of the physical-space difference between two
// voxel coordinates.
func (e *Engine) distance(a, b r3.Vec) float64 {
	sx, sy, sz := e.grid.Spacing()
	d := r3.Sub(b, a)
	return r3.Norm(r3.Vec{X: d.X * sx, Y: d.Y * sy, Z: d.Z * sz})
}

// angle returns the angle at vertex b formed by points a and c, in degrees.
func (e *Engine) angle(a, b, c r3.Vec) float64 {
	sx, sy, sz := e.grid.Spacing()
	scale := func(v r3.Vec) r3.Vec { return r3.Vec{X: v.X * sx, Y: v.Y * sy, Z: v.Z * sz} }
	v1 := scale(r3.Sub(a, b))
	v2 := scale(r3.Sub(c, b))
	n1, n2 := r3.Norm(v1), r3.Norm(v2)
	if n1 == 0 || n2 == 0 {
		return 0
	}
	cos := r3.Dot(v1, v2) / (n1 * n2)
	if cos > 1 {
		cos = 1
	}
	if cos < -1 {
		cos = -1
	}
	return math.Acos(cos) * 180 / math.Pi
}

// polygonArea applies the shoelace formula to the closed polygon formed by
// the points, projected onto the plane that dominates the polygon's normal.
func (e *Engine) polygonArea(points []r3.Vec) float64 {
	sx, sy, sz := e.grid.Spacing()
	phys := make([]r3.Vec, len(points))
	for i, p := range points {
		phys[i] = r3.Vec{X: p.X * sx, Y: p.Y * sy, Z: p.Z * sz}
	}

	// Newell's method for the polygon normal.
	var n r3.Vec
	for i := range phys {
		p, q := phys[i], phys[(i+1)%len(phys)]
		n.X += (p.Y - q.Y) * (p.Z + q.Z)
		n.Y += (p.Z - q.Z) * (p.X + q.X)
		n.Z += (p.X - q.X) * (p.Y + q.Y)
	}

	ax, ay, az := math.Abs(n.X), math.Abs(n.Y), math.Abs(n.Z)
	project := func(p r3.Vec) (u, v float64) {
		switch {
		case az >= ax && az >= ay:
			return p.X, p.Y
		case ay >= ax:
			return p.X, p.Z
		default:
			return p.Y, p.Z
		}
	}

	area := 0.0
	for i := range phys {
		u1, v1 := project(phys[i])
		u2, v2 := project(phys[(i+1)%len(phys)])
		area += u1*v2 - u2*v1
	}
	return math.Abs(area) / 2
}
