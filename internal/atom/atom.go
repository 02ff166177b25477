// Package atom implements C2: immutable, UUID-keyed Atoms with prev-pointer
// history, and the three AtomRef variants (Single/Range/Collection) that
// point at them. Grounded on original_source/fold_node/src/datafold_node/
// db.rs and src/fold_db_core/managers/field.rs for create/update/history
// semantics, and the teacher's interface-segregation style
// (pkg/storage/interfaces.go's ModuleReader/ModuleWriter split) for the
// Reader/Writer interfaces below.
package atom

import (
	"sort"
	"time"
)

// Status is the lifecycle tag of an Atom. Atoms are never mutated or
// deleted; Status tombstones them in place.
type Status string

const (
	StatusActive   Status = "Active"
	StatusDeleted  Status = "Deleted"
	StatusApproved Status = "Approved"
)

// Atom is an immutable, versioned value with an optional pointer to its
// predecessor.
type Atom struct {
	UUID            string          `json:"uuid"`
	Content         interface{}     `json:"content"`
	SourcePublicKey string          `json:"source_public_key"`
	PrevAtomUUID    *string         `json:"prev_atom_uuid,omitempty"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RefKind distinguishes the three AtomRef variants.
type RefKind string

const (
	KindSingle     RefKind = "Single"
	KindRange      RefKind = "Range"
	KindCollection RefKind = "Collection"
)

// Ref is a mutable named pointer to one or more atoms. Exactly one of
// AtomUUID (Single) or Entries (Range/Collection) is meaningful, selected
// by Kind.
type Ref struct {
	Name     string            `json:"name"`
	Kind     RefKind           `json:"kind"`
	AtomUUID string            `json:"atom_uuid,omitempty"`  // Single
	Entries  map[string]string `json:"entries,omitempty"`    // Range: range-key-value -> atom uuid; Collection: item_id -> atom uuid
}

// SupportsFiltering reports whether this ref variant supports the
// range_filter selector shape (Key/KeyPrefix/KeyPattern).
func (r *Ref) SupportsFiltering() bool { return r.Kind == KindRange }

// IsRange reports whether this ref is a Range ref.
func (r *Ref) IsRange() bool { return r.Kind == KindRange }

// SortedKeys returns the Range/Collection entry keys in lexicographic
// order (Range refs are ordered by key per spec §3.2).
func (r *Ref) SortedKeys() []string {
	keys := make([]string, 0, len(r.Entries))
	for k := range r.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
