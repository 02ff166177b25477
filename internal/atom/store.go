package atom

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/datafold/internal/fault"
	"github.com/platinummonkey/datafold/internal/kv"
)

// Store persists Atoms and AtomRefs on top of the C1 key-value trees
// "atoms" and "atom_refs", and serializes concurrent updates to the same
// ref with a per-name lock (last-writer-wins), per spec §5's ordering
// guarantee. Grounded on original_source/fold_node/src/datafold_node/db.rs
// (create_atom/update_atom_ref) and src/fold_db_core/managers/field.rs
// (history walk via prev_atom_uuid).
type Store struct {
	atoms *kv.Tree
	refs  *kv.Tree

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore opens the atoms/atom_refs trees on the given kv.Store.
func NewStore(s *kv.Store) (*Store, error) {
	atoms, err := s.Tree("atoms")
	if err != nil {
		return nil, fmt.Errorf("atom: opening atoms tree: %w", err)
	}
	refs, err := s.Tree("atom_refs")
	if err != nil {
		return nil, fmt.Errorf("atom: opening atom_refs tree: %w", err)
	}
	return &Store{atoms: atoms, refs: refs, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) lockFor(refName string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[refName]
	if !ok {
		l = &sync.Mutex{}
		s.locks[refName] = l
	}
	return l
}

// CreateAtom persists a new immutable atom and returns it. prevUUID may be
// empty for the first version of a value.
func (s *Store) CreateAtom(ctx context.Context, content interface{}, sourcePublicKey string, prevUUID string) (*Atom, error) {
	a := &Atom{
		UUID:            uuid.NewString(),
		Content:         content,
		SourcePublicKey: sourcePublicKey,
		Status:          StatusActive,
		CreatedAt:       time.Now().UTC(),
	}
	if prevUUID != "" {
		a.PrevAtomUUID = &prevUUID
	}

	data, err := json.Marshal(a)
	if err != nil {
		return nil, fault.Wrap(fault.ValidationFailed, err, "atom: marshal atom %s", a.UUID)
	}
	if err := s.atoms.Put(ctx, a.UUID, data); err != nil {
		return nil, fault.Wrap(fault.StorageFault, err, "atom: persist atom %s", a.UUID)
	}
	return a, nil
}

// GetAtom fetches a single atom by uuid.
func (s *Store) GetAtom(ctx context.Context, atomUUID string) (*Atom, error) {
	data, ok, err := s.atoms.Get(ctx, atomUUID)
	if err != nil {
		return nil, fault.Wrap(fault.StorageFault, err, "atom: get atom %s", atomUUID)
	}
	if !ok {
		return nil, fault.New(fault.NotFound, "atom: no such atom %s", atomUUID)
	}
	var a Atom
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fault.Wrap(fault.StorageFault, err, "atom: decode atom %s", atomUUID)
	}
	return &a, nil
}

// GetRef fetches a ref by name, or fault.NotFound if it does not exist.
func (s *Store) GetRef(ctx context.Context, refName string) (*Ref, error) {
	data, ok, err := s.refs.Get(ctx, refName)
	if err != nil {
		return nil, fault.Wrap(fault.StorageFault, err, "atom: get ref %s", refName)
	}
	if !ok {
		return nil, fault.New(fault.NotFound, "atom: no such ref %s", refName)
	}
	var r Ref
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fault.Wrap(fault.StorageFault, err, "atom: decode ref %s", refName)
	}
	return &r, nil
}

func (s *Store) putRef(ctx context.Context, r *Ref) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fault.Wrap(fault.ValidationFailed, err, "atom: marshal ref %s", r.Name)
	}
	if err := s.refs.Put(ctx, r.Name, data); err != nil {
		return fault.Wrap(fault.StorageFault, err, "atom: persist ref %s", r.Name)
	}
	return nil
}

// UpdateAtomRef creates a new atom chained off the ref's current head (if
// any) and repoints a Single ref at it. It is safe for concurrent callers
// on the same refName; the last writer to acquire the ref's lock wins.
func (s *Store) UpdateAtomRef(ctx context.Context, refName string, content interface{}, sourcePublicKey string) (*Atom, error) {
	lock := s.lockFor(refName)
	lock.Lock()
	defer lock.Unlock()

	var prevUUID string
	existing, err := s.GetRef(ctx, refName)
	switch {
	case err == nil:
		if existing.Kind != KindSingle {
			return nil, fault.New(fault.ValidationFailed, "atom: ref %s is not a Single ref", refName)
		}
		prevUUID = existing.AtomUUID
	case fault.Is(err, fault.NotFound):
		// first write to this ref
	default:
		return nil, err
	}

	newAtom, err := s.CreateAtom(ctx, content, sourcePublicKey, prevUUID)
	if err != nil {
		return nil, err
	}

	ref := &Ref{Name: refName, Kind: KindSingle, AtomUUID: newAtom.UUID}
	if err := s.putRef(ctx, ref); err != nil {
		return nil, err
	}
	return newAtom, nil
}

// UpdateRangeAtomRef creates a new atom chained off the range entry's
// current head (if any) under rangeKey and repoints that entry at it.
func (s *Store) UpdateRangeAtomRef(ctx context.Context, refName, rangeKey string, content interface{}, sourcePublicKey string) (*Atom, error) {
	lock := s.lockFor(refName)
	lock.Lock()
	defer lock.Unlock()

	ref, err := s.GetRef(ctx, refName)
	if err != nil {
		if !fault.Is(err, fault.NotFound) {
			return nil, err
		}
		ref = &Ref{Name: refName, Kind: KindRange, Entries: make(map[string]string)}
	}
	if ref.Kind != KindRange {
		return nil, fault.New(fault.ValidationFailed, "atom: ref %s is not a Range ref", refName)
	}
	if ref.Entries == nil {
		ref.Entries = make(map[string]string)
	}

	prevUUID := ref.Entries[rangeKey]
	newAtom, err := s.CreateAtom(ctx, content, sourcePublicKey, prevUUID)
	if err != nil {
		return nil, err
	}

	ref.Entries[rangeKey] = newAtom.UUID
	if err := s.putRef(ctx, ref); err != nil {
		return nil, err
	}
	return newAtom, nil
}

// UpdateCollectionAtomRef creates a new atom chained off the collection
// item's current head (if any) under itemID and repoints that item at it.
func (s *Store) UpdateCollectionAtomRef(ctx context.Context, refName, itemID string, content interface{}, sourcePublicKey string) (*Atom, error) {
	lock := s.lockFor(refName)
	lock.Lock()
	defer lock.Unlock()

	ref, err := s.GetRef(ctx, refName)
	if err != nil {
		if !fault.Is(err, fault.NotFound) {
			return nil, err
		}
		ref = &Ref{Name: refName, Kind: KindCollection, Entries: make(map[string]string)}
	}
	if ref.Kind != KindCollection {
		return nil, fault.New(fault.ValidationFailed, "atom: ref %s is not a Collection ref", refName)
	}
	if ref.Entries == nil {
		ref.Entries = make(map[string]string)
	}

	prevUUID := ref.Entries[itemID]
	newAtom, err := s.CreateAtom(ctx, content, sourcePublicKey, prevUUID)
	if err != nil {
		return nil, err
	}

	ref.Entries[itemID] = newAtom.UUID
	if err := s.putRef(ctx, ref); err != nil {
		return nil, err
	}
	return newAtom, nil
}

// RemoveCollectionItem deletes itemID from a Collection ref's entries. The
// atom history for that item is left intact (atoms are immutable); only
// the ref's live pointer is removed.
func (s *Store) RemoveCollectionItem(ctx context.Context, refName, itemID string) (bool, error) {
	lock := s.lockFor(refName)
	lock.Lock()
	defer lock.Unlock()

	ref, err := s.GetRef(ctx, refName)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			return false, nil
		}
		return false, err
	}
	if ref.Kind != KindCollection {
		return false, fault.New(fault.ValidationFailed, "atom: ref %s is not a Collection ref", refName)
	}
	if _, ok := ref.Entries[itemID]; !ok {
		return false, nil
	}
	delete(ref.Entries, itemID)
	if err := s.putRef(ctx, ref); err != nil {
		return false, err
	}
	return true, nil
}

// GetLatestAtom resolves a Single ref to its current atom.
func (s *Store) GetLatestAtom(ctx context.Context, refName string) (*Atom, error) {
	ref, err := s.GetRef(ctx, refName)
	if err != nil {
		return nil, err
	}
	if ref.Kind != KindSingle {
		return nil, fault.New(fault.ValidationFailed, "atom: ref %s is not a Single ref", refName)
	}
	return s.GetAtom(ctx, ref.AtomUUID)
}

// GetLatestRangeAtom resolves one entry of a Range ref to its current atom.
func (s *Store) GetLatestRangeAtom(ctx context.Context, refName, rangeKey string) (*Atom, error) {
	ref, err := s.GetRef(ctx, refName)
	if err != nil {
		return nil, err
	}
	if ref.Kind != KindRange {
		return nil, fault.New(fault.ValidationFailed, "atom: ref %s is not a Range ref", refName)
	}
	atomUUID, ok := ref.Entries[rangeKey]
	if !ok {
		return nil, fault.New(fault.NotFound, "atom: no entry %s in range ref %s", rangeKey, refName)
	}
	return s.GetAtom(ctx, atomUUID)
}

// GetLatestCollectionAtom resolves one item of a Collection ref to its
// current atom.
func (s *Store) GetLatestCollectionAtom(ctx context.Context, refName, itemID string) (*Atom, error) {
	ref, err := s.GetRef(ctx, refName)
	if err != nil {
		return nil, err
	}
	if ref.Kind != KindCollection {
		return nil, fault.New(fault.ValidationFailed, "atom: ref %s is not a Collection ref", refName)
	}
	atomUUID, ok := ref.Entries[itemID]
	if !ok {
		return nil, fault.New(fault.NotFound, "atom: no item %s in collection ref %s", itemID, refName)
	}
	return s.GetAtom(ctx, atomUUID)
}

// GetAtomHistory walks an atom's prev_atom_uuid chain starting at headUUID,
// most recent first (e.g. [A3, A2, A1]).
func (s *Store) GetAtomHistory(ctx context.Context, headUUID string) ([]*Atom, error) {
	var history []*Atom
	cur := headUUID
	seen := make(map[string]bool)
	for cur != "" {
		if seen[cur] {
			return nil, fault.New(fault.Inconsistency, "atom: cycle detected in history at %s", cur)
		}
		seen[cur] = true

		a, err := s.GetAtom(ctx, cur)
		if err != nil {
			return nil, err
		}
		history = append(history, a)
		if a.PrevAtomUUID == nil {
			break
		}
		cur = *a.PrevAtomUUID
	}
	return history, nil
}

// SnapshotRow is one persisted key/value pair from either the atoms or
// atom_refs tree, tagged with its source tree so a restore can route it
// back to the right one.
type SnapshotRow struct {
	Tree  string `json:"tree"`
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Snapshot returns every atom and atom ref currently persisted, for
// internal/archive's export. The row shape is this store's own, not a
// durable wire format: restoring from it is out of scope (spec §1).
func (s *Store) Snapshot(ctx context.Context) ([]SnapshotRow, error) {
	var out []SnapshotRow

	atomPairs, err := s.atoms.Iter(ctx)
	if err != nil {
		return nil, fmt.Errorf("atom: snapshotting atoms: %w", err)
	}
	for _, p := range atomPairs {
		out = append(out, SnapshotRow{Tree: "atoms", Key: p.Key, Value: p.Value})
	}

	refPairs, err := s.refs.Iter(ctx)
	if err != nil {
		return nil, fmt.Errorf("atom: snapshotting atom_refs: %w", err)
	}
	for _, p := range refPairs {
		out = append(out, SnapshotRow{Tree: "atom_refs", Key: p.Key, Value: p.Value})
	}

	return out, nil
}
