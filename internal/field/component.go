// Package field holds the field-producing collaborators composed by the
// rendering engine: the platonic particle occupancy field, the smooth
// illumination field, and the point-spread kernel. Each collaborator is
// scoped to a tile before producing output, so the engine can restrict
// every recompute to the minimal affected sub-volume.
package field

import (
	"github.com/glasslab/refract/internal/tile"
	"github.com/glasslab/refract/internal/voxel"
)

// Component is the capability surface shared by all collaborators. The
// engine owns sequencing: a component is scoped with SetTile, read back,
// and only then scoped again.
type Component interface {
	// SetTile scopes subsequent field reads to t.
	SetTile(t tile.Tile)
	// Update replaces the component's parameter values.
	Update(values []float64)
	// Params returns a copy of the current parameter values.
	Params() []float64
	// SupportSize returns the per-axis half-width, in voxels, by which
	// the component's output extends beyond the geometry that produced
	// it. Tile padding for partial renders is derived from it.
	SupportSize() [3]float64
}

// FieldProducer is a component that renders a dense field over the
// current tile.
type FieldProducer interface {
	Component
	// Field returns the component's field restricted to the current
	// tile, shaped tile.Shape().
	Field() *voxel.Grid
}

// DiffFieldProducer additionally exposes the signed delta field left by
// the most recent particle update, for difference-mode renders.
type DiffFieldProducer interface {
	FieldProducer
	// DiffField returns the signed change of the field from the last
	// particle update, restricted to the current tile.
	DiffField() *voxel.Grid
}

// Convolver is a component that applies a blurring kernel to a field
// buffer scoped to the current tile.
type Convolver interface {
	Component
	// Execute convolves g with the kernel, treating voxels outside g as
	// zero. The result has g's shape; values within SupportSize of the
	// buffer edge are contaminated and must be discarded by the caller.
	Execute(g *voxel.Grid) *voxel.Grid
}
