// Package orchestrator implements C9: the event-driven transform
// scheduler. It subscribes to field-write notifications, resolves which
// transforms they trigger via C8, and runs each on a bounded worker pool
// with an at-most-one-outstanding collapse rule per transform id.
//
// pool.go adapts the teacher's pkg/async/goroutine.go WorkerPool in place
// (panic recovery, bounded channel, graceful shutdown) to drive this
// scheduler's per-transform drain loop; the enqueue/collapse/cycle-
// damping policy on top of it is grounded on original_source/src/
// fold_db_core/orchestration/event_driven_db_operations.rs and
// original_source/fold_node/src/fold_db_core/transform_manager/
// manager.rs's dependent-transform lookup.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/platinummonkey/datafold/internal/atom"
	"github.com/platinummonkey/datafold/internal/dsl"
	"github.com/platinummonkey/datafold/internal/fault"
	"github.com/platinummonkey/datafold/internal/schema"
)

// defaultTaskTimeout bounds a single transform evaluation run.
const defaultTaskTimeout = 30 * time.Second

// shutdownGrace bounds how long Shutdown waits for in-flight drains.
const shutdownGrace = 10 * time.Second

// FieldTrigger is the inbound event the orchestrator reacts to: a field
// was just written, possibly as part of a propagation wave tagged by
// mutationHash.
type FieldTrigger struct {
	SchemaField  string // "schema.field"
	MutationHash string
}

// TransformExecuted is published once per attempted run, success or fail.
// MutationHash carries the propagation wave tag forward (spec §4.9
// "Cycles") so a caller re-publishing this transform's output as a new
// FieldValueSet can keep the same wave alive instead of starting a new one.
type TransformExecuted struct {
	TransformID  string `json:"transform_id"`
	Success      bool   `json:"success"`
	Err          string `json:"error,omitempty"`
	MutationHash string `json:"mutation_hash,omitempty"`
}

// Registry is the slice of C8's registry.Registry the orchestrator reads.
type Registry interface {
	TransformsForField(schemaField string) []string
	Transform(transformID string) (*schema.Transform, bool)
	InputNamesOf(transformID string) map[string]string
	OutputOf(transformID string) (string, bool)
}

// FieldReader is the slice of C6's resolver.Resolver needed to bind a
// transform's declared inputs before evaluation.
type FieldReader interface {
	ResolveAref(ctx context.Context, refName string) (interface{}, error)
}

// AtomWriter is the slice of C2's atom.Store the orchestrator needs to
// publish a transform's result.
type AtomWriter interface {
	UpdateAtomRef(ctx context.Context, refName string, content interface{}, sourcePublicKey string) (*atom.Atom, error)
}

// Publisher emits TransformExecuted (and, indirectly, the FieldValueSet
// that a successful write produces) onto C10's event bus.
type Publisher interface {
	Publish(eventType string, payload interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) {}

const transformActor = "transform-orchestrator"

// pendingWave remembers mutation hashes already processed, so a cyclic
// A<->B dependency re-triggers each side at most once per external
// mutation instead of cascading forever (spec §4.9 "Cycles").
type pendingWave struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newPendingWave() *pendingWave { return &pendingWave{seen: make(map[string]bool)} }

// observe returns true the first time hash is seen for transformID within
// this wave tracker's lifetime, false on every subsequent sighting.
func (w *pendingWave) observe(transformID, hash string) bool {
	if hash == "" {
		return true // untagged triggers (e.g. direct RunTransform calls) always proceed
	}
	key := transformID + "\x00" + hash
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen[key] {
		return false
	}
	w.seen[key] = true
	return true
}

// Orchestrator owns the per-transform FIFO collapse state and the worker
// pool that drains it.
type Orchestrator struct {
	registry Registry
	fields   FieldReader
	atoms    AtomWriter
	pub      Publisher
	log      *logrus.Entry
	sem      *semaphore.Weighted
	pool     *workerPool

	mu      sync.Mutex
	queued  map[string]bool   // transform ids with a pending or in-flight run
	pending map[string]string // transform id -> latest mutation hash seen (collapsed)
	wave    *pendingWave
}

// Config configures the orchestrator's worker pool (spec §5's "default 4").
type Config struct {
	Workers int
}

// New builds an Orchestrator and starts its worker pool. Call Shutdown to
// stop it.
func New(ctx context.Context, cfg Config, reg Registry, fields FieldReader, atoms AtomWriter, pub Publisher) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if pub == nil {
		pub = nopPublisher{}
	}

	log := logrus.WithField("component", "orchestrator")
	o := &Orchestrator{
		registry: reg,
		fields:   fields,
		atoms:    atoms,
		pub:      pub,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		pool:     newWorkerPool(ctx, cfg.Workers, defaultTaskTimeout, log),
		queued:   make(map[string]bool),
		pending:  make(map[string]string),
		wave:     newPendingWave(),
	}
	return o
}

// HandleFieldValueSet is the subscriber entrypoint for spec §4.9 step 1-2:
// look up the transforms a written field triggers and enqueue each,
// collapsing redundant triggers for a transform already queued.
func (o *Orchestrator) HandleFieldValueSet(t FieldTrigger) {
	for _, transformID := range o.registry.TransformsForField(t.SchemaField) {
		if !o.wave.observe(transformID, t.MutationHash) {
			continue
		}
		o.enqueue(transformID, t.MutationHash)
	}
}

func (o *Orchestrator) enqueue(transformID, mutationHash string) {
	o.mu.Lock()
	o.pending[transformID] = mutationHash
	alreadyQueued := o.queued[transformID]
	o.queued[transformID] = true
	o.mu.Unlock()

	if alreadyQueued {
		return // at-most-one-outstanding: the latest hash above is what runs
	}

	if err := o.pool.submit(func(ctx context.Context) error {
		o.drain(ctx, transformID)
		return nil
	}); err != nil {
		o.log.WithField("transform_id", transformID).Warnf("failed to submit transform run: %v", err)
		o.mu.Lock()
		o.queued[transformID] = false
		o.mu.Unlock()
	}
}

// drain repeatedly executes transformID until no new trigger arrived
// while it was running, implementing "the latest input wins" (spec §4.9
// step 2 and §5's per-transform-id serial ordering guarantee).
func (o *Orchestrator) drain(ctx context.Context, transformID string) {
	for {
		o.mu.Lock()
		hash, hadPending := o.pending[transformID]
		delete(o.pending, transformID)
		o.mu.Unlock()

		if hadPending {
			o.runOnce(ctx, transformID, hash)
		}

		o.mu.Lock()
		if _, stillPending := o.pending[transformID]; !stillPending {
			o.queued[transformID] = false
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
	}
}

// RunTransform executes a transform synchronously and immediately (used by
// the operation surface's explicit run_transform call, and by tests). It
// carries no mutation hash: a manual trigger bypasses the event plane and
// its propagation wave entirely (spec §6.2).
func (o *Orchestrator) RunTransform(ctx context.Context, transformID string) error {
	return o.execute(ctx, transformID, "")
}

func (o *Orchestrator) runOnce(ctx context.Context, transformID, mutationHash string) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.log.WithField("transform_id", transformID).Warnf("semaphore acquire failed: %v", err)
		return
	}
	defer o.sem.Release(1)

	if err := o.execute(ctx, transformID, mutationHash); err != nil {
		o.log.WithField("transform_id", transformID).Errorf("transform execution failed: %v", err)
	}
}

// execute runs spec §4.9 step 3: read inputs, evaluate, write the result,
// and emit TransformExecuted regardless of outcome.
func (o *Orchestrator) execute(ctx context.Context, transformID, mutationHash string) error {
	tr, ok := o.registry.Transform(transformID)
	if !ok {
		err := fault.New(fault.NotFound, "orchestrator: transform %s not registered", transformID)
		o.pub.Publish("TransformExecuted", TransformExecuted{TransformID: transformID, Success: false, Err: err.Error(), MutationHash: mutationHash})
		return err
	}

	bindings, err := o.bindInputs(ctx, transformID)
	if err != nil {
		o.pub.Publish("TransformExecuted", TransformExecuted{TransformID: transformID, Success: false, Err: err.Error(), MutationHash: mutationHash})
		return err
	}

	result, err := o.evaluate(tr, bindings)
	if err != nil {
		o.pub.Publish("TransformExecuted", TransformExecuted{TransformID: transformID, Success: false, Err: err.Error(), MutationHash: mutationHash})
		return err
	}

	outputRef, ok := o.registry.OutputOf(transformID)
	if !ok {
		err := fault.New(fault.Inconsistency, "orchestrator: transform %s has no registered output ref", transformID)
		o.pub.Publish("TransformExecuted", TransformExecuted{TransformID: transformID, Success: false, Err: err.Error(), MutationHash: mutationHash})
		return err
	}

	if _, err := o.atoms.UpdateAtomRef(ctx, outputRef, result, transformActor); err != nil {
		wrapped := fault.Wrap(fault.StorageFault, err, "orchestrator: writing result of transform %s", transformID)
		o.pub.Publish("TransformExecuted", TransformExecuted{TransformID: transformID, Success: false, Err: wrapped.Error(), MutationHash: mutationHash})
		return wrapped
	}

	o.pub.Publish("TransformExecuted", TransformExecuted{TransformID: transformID, Success: true, MutationHash: mutationHash})
	return nil
}

// bindInputs reads every declared input aref via C6 and binds it under its
// local variable name, per spec §4.9 step 3a.
func (o *Orchestrator) bindInputs(ctx context.Context, transformID string) (map[string]dsl.Value, error) {
	names := o.registry.InputNamesOf(transformID)
	bindings := make(map[string]dsl.Value, len(names))
	for aref, localName := range names {
		v, err := o.fields.ResolveAref(ctx, aref)
		if err != nil {
			return nil, fault.Wrap(fault.EvaluationFailed, err, "orchestrator: reading input %q (aref %s)", localName, aref)
		}
		bindings[localName] = dsl.FromInterface(v)
	}
	return bindings, nil
}

func (o *Orchestrator) evaluate(tr *schema.Transform, bindings map[string]dsl.Value) (interface{}, error) {
	expr, err := dsl.Parse(tr.Logic)
	if err != nil {
		return nil, fault.Wrap(fault.ParseFailed, err, "orchestrator: parsing transform logic %q", tr.Logic)
	}
	interp := dsl.NewInterpreter(bindings)
	v, err := interp.Evaluate(expr)
	if err != nil {
		return nil, fault.Wrap(fault.EvaluationFailed, err, "orchestrator: evaluating transform")
	}
	return v.ToInterface(), nil
}

// Shutdown stops accepting new work and waits for in-flight runs to drain.
func (o *Orchestrator) Shutdown() {
	if err := o.pool.shutdown(shutdownGrace); err != nil {
		o.log.Warnf("shutdown: %v", err)
	}
}
