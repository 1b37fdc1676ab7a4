package measurement

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"voxelstation/internal/models"
)

// Collection owns completed measurement records. Records are immutable;
// deletion from the collection is the only mutation after creation.
type Collection struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*models.MeasurementRecord
}

// NewCollection creates an empty record collection.
func NewCollection() *Collection {
	return &Collection{records: make(map[uuid.UUID]*models.MeasurementRecord)}
}

// Add stores a completed record.
func (c *Collection) Add(rec *models.MeasurementRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.ID] = rec
}

// Get returns the record with the given ID, or nil.
func (c *Collection) Get(id uuid.UUID) *models.MeasurementRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records[id]
}

// Delete removes a record. It reports whether the record existed.
func (c *Collection) Delete(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[id]
	delete(c.records, id)
	return ok
}

// Len returns the number of stored records.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Export returns all records as a flat list ordered by creation time, for
// the reporting layer.
func (c *Collection) Export() []*models.MeasurementRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.MeasurementRecord, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
