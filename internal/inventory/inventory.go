// Package inventory fetches resource configuration snapshots from the cloud inventory
package inventory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lvonguyen/remedyforge/internal/compliance"
	"github.com/lvonguyen/remedyforge/internal/faults"
)

var (
	// ErrUnsupportedType is returned for resource types no fetcher handles.
	ErrUnsupportedType = errors.New("unsupported resource type")
	// ErrNotFound is returned by the memory inventory for unknown resources.
	ErrNotFound = errors.New("resource not found in inventory")
)

// Snapshot is the configuration of one resource at a point in time.
// Attributes hold JSON-compatible values so predicates may be written in Rego.
type Snapshot struct {
	Resource   compliance.ResourceRef `json:"resource"`
	CapturedAt time.Time              `json:"captured_at"`
	Exists     bool                   `json:"exists"`
	Attributes map[string]any         `json:"attributes"`
}

// Input renders the snapshot as a policy input document.
func (s Snapshot) Input() map[string]any {
	return map[string]any{
		"resource": map[string]any{
			"type":    s.Resource.ResourceType,
			"id":      s.Resource.ResourceID,
			"account": s.Resource.Account,
			"region":  s.Resource.Region,
		},
		"exists":     s.Exists,
		"attributes": s.Attributes,
	}
}

// Fetcher returns a fresh snapshot of a resource.
type Fetcher interface {
	Fetch(ctx context.Context, ref compliance.ResourceRef) (Snapshot, error)
}

// Memory is an in-process inventory keyed by resource reference.
type Memory struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	now       func() time.Time
}

// NewMemory creates an empty in-process inventory.
func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string]Snapshot),
		now:       time.Now,
	}
}

// Put stores the current configuration of a resource.
func (m *Memory) Put(ref compliance.ResourceRef, attrs map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[ref.Key()] = Snapshot{
		Resource:   ref,
		Exists:     true,
		Attributes: attrs,
	}
}

// Delete marks a resource as gone.
func (m *Memory) Delete(ref compliance.ResourceRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[ref.Key()] = Snapshot{Resource: ref, Exists: false}
}

// Fetch implements Fetcher. Snapshots are stamped with the read time.
func (m *Memory) Fetch(ctx context.Context, ref compliance.ResourceRef) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, faults.Transient("inventory.fetch", err)
	}

	m.mu.RLock()
	snap, ok := m.snapshots[ref.Key()]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, faults.Permanent("inventory.fetch", ErrNotFound)
	}

	snap.CapturedAt = m.now()
	snap.Attributes = cloneAttributes(snap.Attributes)
	return snap, nil
}

func cloneAttributes(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneAttributes(nested)
			continue
		}
		out[k] = v
	}
	return out
}
