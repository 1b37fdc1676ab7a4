package volume

import "fmt"

// Mask is a labeled voxel mask sharing a grid's geometry. Label 0 is
// background; positive labels identify lesions or vessels. Masks come from
// external segmentation collaborators, so this type is deliberately thin:
// construction, lookup, and counting.
type Mask struct {
	labels     []int
	nx, ny, nz int
}

// NewMask creates an empty mask with the given dimensions.
func NewMask(nx, ny, nz int) *Mask {
	return &Mask{
		labels: make([]int, nx*ny*nz),
		nx:     nx, ny: ny, nz: nz,
	}
}

// MaskForGrid creates an empty mask matching a grid's dimensions.
func MaskForGrid(g *Grid) *Mask {
	nx, ny, nz := g.Dims()
	return NewMask(nx, ny, nz)
}

// Dims returns the mask dimensions.
func (m *Mask) Dims() (nx, ny, nz int) { return m.nx, m.ny, m.nz }

// Matches reports whether the mask dimensions equal the grid's.
func (m *Mask) Matches(g *Grid) bool {
	nx, ny, nz := g.Dims()
	return m.nx == nx && m.ny == ny && m.nz == nz
}

// Set assigns a label to a voxel. Out-of-bounds coordinates are ignored.
func (m *Mask) Set(x, y, z, label int) {
	if x < 0 || x >= m.nx || y < 0 || y >= m.ny || z < 0 || z >= m.nz {
		return
	}
	m.labels[z*m.nx*m.ny+y*m.nx+x] = label
}

// Label returns the label at a voxel, or 0 for out-of-bounds coordinates.
func (m *Mask) Label(x, y, z int) int {
	if x < 0 || x >= m.nx || y < 0 || y >= m.ny || z < 0 || z >= m.nz {
		return 0
	}
	return m.labels[z*m.nx*m.ny+y*m.nx+x]
}

// Count returns the number of non-background voxels.
func (m *Mask) Count() int {
	n := 0
	for _, l := range m.labels {
		if l != 0 {
			n++
		}
	}
	return n
}

// Empty reports whether the mask has no labeled voxels.
func (m *Mask) Empty() bool { return m.Count() == 0 }

// Labels returns the distinct positive labels present in the mask, in
// ascending order.
func (m *Mask) Labels() []int {
	seen := map[int]bool{}
	var out []int
	for _, l := range m.labels {
		if l > 0 && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	// Insertion keeps scan order; sort to make the result stable.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// String describes the mask briefly, for logs.
func (m *Mask) String() string {
	return fmt.Sprintf("mask %dx%dx%d (%d labeled)", m.nx, m.ny, m.nz, m.Count())
}
