// Package lifecycle implements C4: the schema state machine
// (Available/Approved/Blocked), its persistence via C1, and directory-based
// schema discovery.
//
// Grounded on original_source/src/schema/schema_state_management.rs for the
// transition table and on-discovery-defaults-to-Available rule, and
// original_source/src/schema/core_types.rs for the persisted-states shape.
// Directory watching follows the "discovered on disk" idiom the pack uses
// for plugin/config directories (fsnotify), adapted to schema files.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/platinummonkey/datafold/internal/fault"
	"github.com/platinummonkey/datafold/internal/kv"
	"github.com/platinummonkey/datafold/internal/schema"
)

// State is a schema's position in the C4 state machine (spec §4.3).
type State string

const (
	StateAvailable State = "Available"
	StateApproved  State = "Approved"
	StateBlocked   State = "Blocked"
)

// Publisher emits lifecycle events (SchemaLoaded, SchemaChanged) onto C10's
// event bus. Injected to keep this package decoupled from the bus's
// concrete type, mirroring the LogicChecker injection in internal/schema.
type Publisher interface {
	Publish(eventType string, payload interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) {}

// Store owns the set of known schemas and their lifecycle state.
type Store struct {
	schemas *kv.Tree // schema name -> JSON-encoded schema.Schema
	states  *kv.Tree // schema name -> JSON-encoded State

	validator *schema.Validator
	publisher Publisher

	mu     sync.RWMutex
	cache  map[string]*schema.Schema
	state  map[string]State
}

// NewStore opens the schemas/schema_states trees and rehydrates in-memory
// caches from them.
func NewStore(ctx context.Context, kvStore *kv.Store, validator *schema.Validator, publisher Publisher) (*Store, error) {
	schemasTree, err := kvStore.Tree("schemas")
	if err != nil {
		return nil, fmt.Errorf("lifecycle: opening schemas tree: %w", err)
	}
	statesTree, err := kvStore.Tree("schema_states")
	if err != nil {
		return nil, fmt.Errorf("lifecycle: opening schema_states tree: %w", err)
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}

	s := &Store{
		schemas:   schemasTree,
		states:    statesTree,
		validator: validator,
		publisher: publisher,
		cache:     make(map[string]*schema.Schema),
		state:     make(map[string]State),
	}
	if err := s.rehydrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rehydrate(ctx context.Context) error {
	pairs, err := s.schemas.Iter(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: listing schemas: %w", err)
	}
	for _, p := range pairs {
		var sc schema.Schema
		if err := json.Unmarshal(p.Value, &sc); err != nil {
			return fmt.Errorf("lifecycle: decoding schema %s: %w", p.Key, err)
		}
		s.cache[p.Key] = &sc
	}

	statePairs, err := s.states.Iter(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: listing schema states: %w", err)
	}
	for _, p := range statePairs {
		s.state[p.Key] = State(p.Value)
	}
	for name := range s.cache {
		if _, ok := s.state[name]; !ok {
			s.state[name] = StateAvailable
		}
	}
	return nil
}

// GetSchema satisfies schema.Lookup, letting the validator resolve
// cross-schema transform references.
func (s *Store) GetSchema(name string) (*schema.Schema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.cache[name]
	return sc, ok
}

// GetState returns the lifecycle state of a known schema.
func (s *Store) GetState(name string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[name]
	return st, ok
}

// Schemas returns every known schema, in no particular order. Used by C9's
// wiring layer to re-derive which transforms a newly-written field feeds.
func (s *Store) Schemas() []*schema.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Schema, 0, len(s.cache))
	for _, sc := range s.cache {
		out = append(out, sc)
	}
	return out
}

// ListByState returns the names of all schemas currently in the given state.
func (s *Store) ListByState(state State) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name, st := range s.state {
		if st == state {
			names = append(names, name)
		}
	}
	return names
}

// CanQuery reports whether a schema may be queried (spec §4.3: Approved only).
func (s *Store) CanQuery(name string) bool {
	st, ok := s.GetState(name)
	return ok && st == StateApproved
}

// CanMutate reports whether a schema may be mutated (spec §4.3: Approved only).
func (s *Store) CanMutate(name string) bool {
	st, ok := s.GetState(name)
	return ok && st == StateApproved
}

// LoadSchema validates sc and persists it as Available, discovering it into
// the lifecycle without granting query/mutate access.
func (s *Store) LoadSchema(ctx context.Context, sc *schema.Schema) error {
	if s.validator != nil {
		if err := s.validator.Validate(sc); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistSchemaLocked(ctx, sc); err != nil {
		return err
	}
	if _, known := s.state[sc.Name]; !known {
		if err := s.persistStateLocked(ctx, sc.Name, StateAvailable); err != nil {
			return err
		}
	}
	return nil
}

// PersistSchema re-saves sc in place, without touching its lifecycle
// state. Used by the mutation executor (C7) after binding a field's
// ref_atom_uuid for the first time via the centralized setter (spec §3.3).
func (s *Store) PersistSchema(ctx context.Context, sc *schema.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistSchemaLocked(ctx, sc)
}

func (s *Store) persistSchemaLocked(ctx context.Context, sc *schema.Schema) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fault.Wrap(fault.ValidationFailed, err, "lifecycle: marshal schema %s", sc.Name)
	}
	if err := s.schemas.Put(ctx, sc.Name, data); err != nil {
		return fault.Wrap(fault.StorageFault, err, "lifecycle: persist schema %s", sc.Name)
	}
	s.cache[sc.Name] = sc
	return nil
}

func (s *Store) persistStateLocked(ctx context.Context, name string, st State) error {
	if err := s.states.Put(ctx, name, []byte(st)); err != nil {
		return fault.Wrap(fault.StorageFault, err, "lifecycle: persist state for %s", name)
	}
	s.state[name] = st
	return nil
}

// Approve transitions a schema Available -> Approved, re-validating first
// (spec §4.3: "approve requires that the schema parses and passes
// validation"). Emits SchemaLoaded and SchemaChanged.
func (s *Store) Approve(ctx context.Context, name string) error {
	s.mu.Lock()
	sc, ok := s.cache[name]
	if !ok {
		s.mu.Unlock()
		return fault.New(fault.NotFound, "lifecycle: no such schema %s", name)
	}
	s.mu.Unlock()

	if s.validator != nil {
		if err := s.validator.Validate(sc); err != nil {
			return err
		}
	}

	s.mu.Lock()
	err := s.persistStateLocked(ctx, name, StateApproved)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.publisher.Publish("SchemaLoaded", SchemaEvent{Name: name, State: StateApproved})
	s.publisher.Publish("SchemaChanged", SchemaEvent{Name: name, State: StateApproved})
	return nil
}

// Block transitions a schema to Blocked. Per spec §4.3, transforms continue
// to run and field-mapping inputs keep feeding a blocked schema; only
// query/mutate are gated (enforced by C7/C6 checking CanQuery/CanMutate).
func (s *Store) Block(ctx context.Context, name string) error {
	s.mu.Lock()
	if _, ok := s.state[name]; !ok {
		s.mu.Unlock()
		return fault.New(fault.NotFound, "lifecycle: no such schema %s", name)
	}
	err := s.persistStateLocked(ctx, name, StateBlocked)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publisher.Publish("SchemaChanged", SchemaEvent{Name: name, State: StateBlocked})
	return nil
}

// SetAvailable transitions a schema back to Available (the "unload" edge
// from either Approved or Blocked), preserving its field assignments.
func (s *Store) SetAvailable(ctx context.Context, name string) error {
	s.mu.Lock()
	if _, ok := s.state[name]; !ok {
		s.mu.Unlock()
		return fault.New(fault.NotFound, "lifecycle: no such schema %s", name)
	}
	err := s.persistStateLocked(ctx, name, StateAvailable)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publisher.Publish("SchemaChanged", SchemaEvent{Name: name, State: StateAvailable})
	return nil
}

// SchemaEvent is the payload published on SchemaLoaded/SchemaChanged.
type SchemaEvent struct {
	Name  string `json:"name"`
	State State  `json:"state"`
}
