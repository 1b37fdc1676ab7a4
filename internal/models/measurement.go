// Package models holds the result and record types shared between the analysis
// engines and the reporting layer. Everything in this package is a plain value
// type: engines construct these once, and consumers treat them as read-only.
package models

import (
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
)

// MeasurementType identifies one of the supported clinical measurement tools.
type MeasurementType string

const (
	Distance MeasurementType = "distance"
	Angle    MeasurementType = "angle"
	Area     MeasurementType = "area"
	Volume   MeasurementType = "volume"
	HU       MeasurementType = "hu"
)

// MinPoints returns the minimum number of collected points required before a
// measurement of this type can be finalized.
func (t MeasurementType) MinPoints() int {
	switch t {
	case Distance:
		return 2
	case Angle:
		return 3
	case Area:
		return 3
	case Volume:
		return 1
	case HU:
		return 1
	}
	return 0
}

// Unit returns the reporting unit for this measurement type.
func (t MeasurementType) Unit() string {
	switch t {
	case Distance:
		return "mm"
	case Angle:
		return "deg"
	case Area:
		return "mm2"
	case Volume:
		return "cm3"
	case HU:
		return "HU"
	}
	return ""
}

// Valid reports whether t is one of the known measurement types.
func (t MeasurementType) Valid() bool {
	switch t {
	case Distance, Angle, Area, Volume, HU:
		return true
	}
	return false
}

// TissueClass is the label assigned to a Hounsfield intensity sample.
type TissueClass string

const (
	TissueAir      TissueClass = "air"
	TissueFat      TissueClass = "fat"
	TissueFluid    TissueClass = "fluid"
	TissueSoft     TissueClass = "soft tissue"
	TissueDense    TissueClass = "dense tissue"
	TissueBone     TissueClass = "bone"
	TissueArtifact TissueClass = "metal/artifact"
)

// ClassifyHU maps a Hounsfield value to its tissue band. All bands are
// half-open on the upper end, so exactly 130 HU classifies as bone while
// 129.999 HU is still dense tissue.
func ClassifyHU(hu float64) TissueClass {
	switch {
	case hu < -100:
		return TissueAir
	case hu < -50:
		return TissueFat
	case hu < 0:
		return TissueFluid
	case hu < 50:
		return TissueSoft
	case hu < 130:
		return TissueDense
	case hu < 400:
		return TissueBone
	default:
		return TissueArtifact
	}
}

// MeasurementRecord is one completed measurement. Records are immutable once
// created; the owning collection supports deletion but never mutation.
type MeasurementRecord struct {
	// ID uniquely identifies the record within a session.
	ID uuid.UUID

	// Type is the measurement tool that produced this record.
	Type MeasurementType

	// Points are the collected points in voxel coordinates, in placement order.
	Points []r3.Vec

	// Value is the computed measurement in Unit.
	Value float64

	// Unit is the reporting unit (mm, deg, mm2, cm3, HU).
	Unit string

	// Tissue is the classified tissue band for HU measurements, empty otherwise.
	Tissue TissueClass

	// AccuracySpec qualifies the measurement accuracy. Measurements built on
	// approximate picks (ray misses resolved by the fixed-depth fallback)
	// carry a degraded spec so reports can flag them.
	AccuracySpec string

	// Approximate is true when any contributing point came from a pick
	// fallback rather than a geometric intersection.
	Approximate bool

	// CreatedAt is the completion timestamp.
	CreatedAt time.Time
}
