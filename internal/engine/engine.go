// Package engine wires C1-C10 together behind the operation surface spec
// §6.2 describes (load_schema, approve_schema, block_schema, query, mutate,
// list_transforms, run_transform), and closes the propagation-wave loop
// described in C9: a transform's successful output is re-published as a new
// FieldValueSet under the mutation hash that triggered it, so a chain of
// dependent transforms runs as one wave instead of one per hop.
//
// Grounded on the teacher's cmd/spoke/main.go construction order (config ->
// logger -> storage -> dependent services -> API surface), adapted from one
// big main func into a reusable Engine so cmd/datafoldd and tests can both
// drive it.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/datafold/internal/atom"
	"github.com/platinummonkey/datafold/internal/config"
	"github.com/platinummonkey/datafold/internal/dsl"
	"github.com/platinummonkey/datafold/internal/eventbus"
	"github.com/platinummonkey/datafold/internal/fault"
	"github.com/platinummonkey/datafold/internal/kv"
	"github.com/platinummonkey/datafold/internal/lifecycle"
	"github.com/platinummonkey/datafold/internal/mutate"
	"github.com/platinummonkey/datafold/internal/observability"
	"github.com/platinummonkey/datafold/internal/orchestrator"
	"github.com/platinummonkey/datafold/internal/permission"
	"github.com/platinummonkey/datafold/internal/registry"
	"github.com/platinummonkey/datafold/internal/resolver"
	"github.com/platinummonkey/datafold/internal/schema"
)

// lookupBox breaks the construction cycle between schema.Validator (needed
// to build lifecycle.Store) and lifecycle.Store (the thing that actually
// answers schema.Lookup queries, once it exists): the validator is handed a
// box that starts empty and is backfilled with the real store the moment
// it's built.
type lookupBox struct {
	mu    sync.RWMutex
	store *lifecycle.Store
}

func (b *lookupBox) GetSchema(name string) (*schema.Schema, bool) {
	b.mu.RLock()
	store := b.store
	b.mu.RUnlock()
	if store == nil {
		return nil, false
	}
	return store.GetSchema(name)
}

func (b *lookupBox) set(store *lifecycle.Store) {
	b.mu.Lock()
	b.store = store
	b.mu.Unlock()
}

// Engine owns every component package and is the one thing cmd/datafoldd
// (and internal/extapi) talk to.
type Engine struct {
	cfg *config.Config
	log *observability.Logger

	kv          *kv.Store
	atoms       *atom.Store
	bus         *eventbus.Bus
	validator   *schema.Validator
	lifecycle   *lifecycle.Store
	permissions *permission.Store
	cache       *resolver.Cache
	resolver    *resolver.Resolver
	registry    *registry.Registry
	mutator     *mutate.Executor
	orch        *orchestrator.Orchestrator
	discoverer  *lifecycle.Discoverer
	redisClient *redis.Client
}

// New builds every component in dependency order and wires the event-bus
// subscriptions that keep C8/C9 in sync with field writes (spec §4.9).
func New(ctx context.Context, cfg *config.Config, log *observability.Logger) (*Engine, error) {
	if log == nil {
		log = observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	}

	kvStore, err := kv.Open(cfg.KV.DSN)
	if err != nil {
		return nil, fmt.Errorf("engine: opening kv store: %w", err)
	}

	atoms, err := atom.NewStore(kvStore)
	if err != nil {
		return nil, fmt.Errorf("engine: opening atom store: %w", err)
	}

	bus := eventbus.New()

	lb := &lookupBox{}
	validator := schema.NewValidator(lb, dsl.NewLogicChecker())

	lifecycleStore, err := lifecycle.NewStore(ctx, kvStore, validator, bus)
	if err != nil {
		return nil, fmt.Errorf("engine: opening lifecycle store: %w", err)
	}
	lb.set(lifecycleStore)

	permissions, err := permission.NewStore(kvStore)
	if err != nil {
		return nil, fmt.Errorf("engine: opening permission store: %w", err)
	}

	cacheCfg := resolverCacheConfig(cfg)
	cache, err := resolver.NewCache(cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("engine: building resolver cache: %w", err)
	}
	fieldResolver := resolver.New(atoms, cache, log)

	reg, err := registry.New(ctx, kvStore)
	if err != nil {
		return nil, fmt.Errorf("engine: opening transform registry: %w", err)
	}

	mutator := mutate.New(lifecycleStore, atoms, bus, fieldResolver)

	orch := orchestrator.New(ctx, orchestrator.Config{Workers: cfg.Orchestrator.Workers}, reg, fieldResolver, atoms, bus)

	e := &Engine{
		cfg:         cfg,
		log:         log,
		kv:          kvStore,
		atoms:       atoms,
		bus:         bus,
		validator:   validator,
		lifecycle:   lifecycleStore,
		permissions: permissions,
		cache:       cache,
		resolver:    fieldResolver,
		registry:    reg,
		mutator:     mutator,
		orch:        orch,
		redisClient: cacheCfg.Redis,
	}

	e.subscribeEventPlane()

	if cfg.Lifecycle.SchemaDir != "" {
		if err := os.MkdirAll(cfg.Lifecycle.SchemaDir, 0o755); err != nil {
			return nil, fmt.Errorf("engine: creating schema directory %s: %w", cfg.Lifecycle.SchemaDir, err)
		}
		discoverer, err := lifecycle.NewDiscoverer(cfg.Lifecycle.SchemaDir, lifecycleStore, log)
		if err != nil {
			return nil, fmt.Errorf("engine: starting schema discoverer: %w", err)
		}
		if err := discoverer.Scan(ctx); err != nil {
			log.WithError(err).Warn("engine: initial schema directory scan failed")
		}
		e.discoverer = discoverer
	}

	return e, nil
}

func resolverCacheConfig(cfg *config.Config) resolver.CacheConfig {
	if !cfg.Resolver.CacheEnabled {
		return resolver.CacheConfig{}
	}
	rc := resolver.CacheConfig{L1Size: cfg.Resolver.L1CacheSize, TTL: cfg.Resolver.DefaultTTL}
	if cfg.Resolver.RedisAddr != "" {
		rc.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Resolver.RedisAddr,
			Password: cfg.Resolver.RedisPassword,
			DB:       cfg.Resolver.RedisDB,
		})
	}
	return rc
}

// subscribeEventPlane wires C9's consumption of FieldValueSet and closes the
// propagation-wave loop by re-publishing a successful transform's output as
// a new FieldValueSet tagged with the same mutation hash (spec §4.9's
// "Cycles" section: a chain of dependent transforms is one wave, not one
// per hop).
func (e *Engine) subscribeEventPlane() {
	e.bus.Subscribe(eventbus.TypeFieldValueSet, func(env eventbus.Envelope) {
		fv, ok := env.Payload.(mutate.FieldValueSet)
		if !ok {
			return
		}
		schemaField := fv.Schema + "." + fv.Field
		e.refreshDependentTransforms(context.Background(), schemaField)
		e.orch.HandleFieldValueSet(orchestrator.FieldTrigger{
			SchemaField:  schemaField,
			MutationHash: fv.MutationHash,
		})
	})

	e.bus.Subscribe(eventbus.TypeTransformExecuted, func(env eventbus.Envelope) {
		te, ok := env.Payload.(orchestrator.TransformExecuted)
		if !ok || !te.Success {
			return
		}
		schemaName, fieldName, ok := splitTransformID(te.TransformID)
		if !ok {
			return
		}
		outputRef, ok := e.registry.OutputOf(te.TransformID)
		if !ok {
			return
		}
		value, err := e.resolver.ResolveAref(context.Background(), outputRef)
		if err != nil {
			e.log.WithError(err).WithField("transform_id", te.TransformID).
				Warn("engine: re-reading transform output for propagation failed")
			return
		}
		e.bus.Publish(eventbus.TypeFieldValueSet, mutate.FieldValueSet{
			Schema:       schemaName,
			Field:        fieldName,
			Value:        value,
			Actor:        "transform-orchestrator",
			MutationHash: te.MutationHash,
		})
	})
}

// refreshDependentTransforms re-registers any Approved or Blocked schema's
// field transform that declares schemaField as an input but was registered before
// that input's ref_atom_uuid existed (spec §4.8's "unwritten inputs are
// omitted, not ghost-minted" rule means such a transform has to be
// re-registered the moment the input is finally written, or it would never
// trigger).
func (e *Engine) refreshDependentTransforms(ctx context.Context, schemaField string) {
	alreadyWired := make(map[string]bool)
	for _, transformID := range e.registry.TransformsForField(schemaField) {
		alreadyWired[transformID] = true
	}

	for _, sc := range e.lifecycle.Schemas() {
		if st, _ := e.lifecycle.GetState(sc.Name); st == lifecycle.StateAvailable {
			continue
		}
		for fieldName, field := range sc.Fields {
			if field.Transform == nil {
				continue
			}
			transformID := sc.Name + "." + fieldName
			if alreadyWired[transformID] {
				continue
			}
			if !dependsOn(field.Transform, schemaField) {
				continue
			}
			if err := e.registerTransform(ctx, sc, fieldName, field); err != nil {
				e.log.WithError(err).WithField("transform_id", transformID).
					Warn("engine: refreshing dependent transform registration failed")
			}
		}
	}
}

func dependsOn(tr *schema.Transform, schemaField string) bool {
	for _, input := range tr.Inputs {
		if input == schemaField {
			return true
		}
	}
	return false
}

func splitTransformID(transformID string) (schemaName, fieldName string, ok bool) {
	for i := 0; i < len(transformID); i++ {
		if transformID[i] == '.' {
			return transformID[:i], transformID[i+1:], true
		}
	}
	return "", "", false
}

// Shutdown stops the orchestrator's worker pool, the event bus's sweep, the
// schema discoverer's filesystem watch, and closes the kv store.
func (e *Engine) Shutdown() error {
	e.orch.Shutdown()
	e.bus.Stop()
	if e.discoverer != nil {
		if err := e.discoverer.Close(); err != nil {
			e.log.WithError(err).Warn("engine: closing schema discoverer")
		}
	}
	return e.kv.Close()
}

// Watch starts following the schema directory for newly dropped or
// modified files. Blocks until ctx is canceled; run it in a goroutine.
func (e *Engine) Watch(ctx context.Context) error {
	if e.discoverer == nil {
		return nil
	}
	return e.discoverer.Watch(ctx)
}

// DB exposes the underlying SQL connection for health checks.
func (e *Engine) DB() *sql.DB { return e.kv.DB() }

// Redis exposes the resolver cache's L2 client for health checks. Nil when
// caching is disabled or running L1-only.
func (e *Engine) Redis() *redis.Client { return e.redisClient }

// Logger exposes the engine's logger so cmd/datafoldd can build its health
// checker and shutdown manager with the same structured logger.
func (e *Engine) Logger() *observability.Logger { return e.log }

// LoadSchema validates sc and persists it as Available (spec §6.2
// load_schema), then grants nodeID permission on it so a caller doesn't have
// to separately request access to a schema it just introduced.
func (e *Engine) LoadSchema(ctx context.Context, sc *schema.Schema, nodeID string) error {
	if err := e.lifecycle.LoadSchema(ctx, sc); err != nil {
		return err
	}
	return e.permissions.Grant(ctx, nodeID, sc.Name)
}

// ApproveSchema transitions a schema Available -> Approved and registers
// every one of its fields' transforms into C8, per spec §4.3's rule that
// transforms only run once their owning schema is Approved.
func (e *Engine) ApproveSchema(ctx context.Context, name string) error {
	if err := e.lifecycle.Approve(ctx, name); err != nil {
		return err
	}
	sc, ok := e.lifecycle.GetSchema(name)
	if !ok {
		return fault.New(fault.NotFound, "engine: schema %s vanished after approval", name)
	}
	return e.registerTransforms(ctx, sc)
}

// systemActor tags the AtomRef C8 creates for a transform's output field
// before the transform has ever run, distinguishing it in audit/history
// from a ref created by an actual mutation.
const systemActor = "system:transform-registration"

// registerTransforms registers every field-level transform of sc into C8.
// A transform id is "schema.field" (a transform lives 1:1 on the field that
// owns it); inputs that have never been written yet have no ref_atom_uuid
// and are simply omitted rather than given a ghost ref. The output ref is
// minted eagerly, so the registry always has a concrete aref to write
// transform results to — but per spec §3.3's "no ghost ref_atom_uuid"
// invariant, the AtomRef row itself is created first (a null-content
// placeholder atom), and only then does the schema's ref_atom_uuid get set
// and persisted.
func (e *Engine) registerTransforms(ctx context.Context, sc *schema.Schema) error {
	for fieldName, field := range sc.Fields {
		if field.Transform == nil {
			continue
		}
		if err := e.registerTransform(ctx, sc, fieldName, field); err != nil {
			return fault.Wrap(fault.EvaluationFailed, err, "engine: registering transform %s.%s", sc.Name, fieldName)
		}
	}
	return nil
}

func (e *Engine) registerTransform(ctx context.Context, sc *schema.Schema, fieldName string, field *schema.Field) error {
	transformID := sc.Name + "." + fieldName

	outputRef := field.RefAtomUUID
	if outputRef == "" {
		outputRef = uuid.NewString()
		if _, err := e.atoms.UpdateAtomRef(ctx, outputRef, nil, systemActor); err != nil {
			return fault.Wrap(fault.StorageFault, err, "engine: creating output aref for %s.%s", sc.Name, fieldName)
		}
		if err := sc.SetFieldRefAtomUUID(fieldName, outputRef); err != nil {
			return err
		}
		if err := e.lifecycle.PersistSchema(ctx, sc); err != nil {
			return err
		}
	}

	var inputArefs, inputNames, triggerFields []string
	for _, input := range field.Transform.Inputs {
		inSchemaName, inFieldName, ok := splitTransformID(input)
		if !ok {
			return fault.New(fault.ValidationFailed, "engine: invalid transform input designator %q", input)
		}
		inSchema := sc
		if inSchemaName != sc.Name {
			other, ok := e.lifecycle.GetSchema(inSchemaName)
			if !ok {
				return fault.New(fault.NotFound, "engine: transform input references unknown schema %s", inSchemaName)
			}
			inSchema = other
		}
		inField := inSchema.Field(inFieldName)
		if inField == nil {
			return fault.New(fault.NotFound, "engine: transform input references unknown field %s", input)
		}
		if inField.RefAtomUUID == "" {
			// Not yet written: nothing to bind until a write mints its ref.
			// registerTransform is re-run (via Register's upsert) once that
			// happens, see refreshDependentTransforms, called from the
			// FieldValueSet subscription in subscribeEventPlane.
			continue
		}
		inputArefs = append(inputArefs, inField.RefAtomUUID)
		inputNames = append(inputNames, input)
		triggerFields = append(triggerFields, input)
	}

	return e.registry.Register(ctx, e.validateTransform, registry.Registration{
		TransformID:   transformID,
		Transform:     field.Transform,
		InputArefs:    inputArefs,
		InputNames:    inputNames,
		TriggerFields: triggerFields,
		OutputAref:    outputRef,
		SchemaName:    sc.Name,
		FieldName:     fieldName,
	})
}

func (e *Engine) validateTransform(tr *schema.Transform) error {
	return dsl.CheckSyntax(tr.Logic)
}

// BlockSchema transitions a schema to Blocked (spec §6.2 block_schema).
// Transforms keep running; only query/mutate are gated.
func (e *Engine) BlockSchema(ctx context.Context, name string) error {
	return e.lifecycle.Block(ctx, name)
}

// SetSchemaAvailable transitions a schema back to Available from either
// Approved or Blocked (spec §6.2 set_available).
func (e *Engine) SetSchemaAvailable(ctx context.Context, name string) error {
	return e.lifecycle.SetAvailable(ctx, name)
}

// QueryResult is one field's outcome within a Query call. Per-field
// permission or not-found failures never abort the whole query (spec
// §6.2): they surface here instead.
type QueryResult struct {
	Value interface{}
	Err   error
}

// Query resolves each requested field of schemaName for nodeID, gating on
// both the schema-level permission grant (spec §6.1) and the schema's
// lifecycle state (Approved only, spec §4.3). A missing grant or an
// unapproved schema is reported per field rather than failing the call.
func (e *Engine) Query(ctx context.Context, schemaName string, fields []string, nodeID string, filter map[string]interface{}) (map[string]QueryResult, error) {
	sc, ok := e.lifecycle.GetSchema(schemaName)
	if !ok {
		return nil, fault.New(fault.NotFound, "engine: schema %s not found", schemaName)
	}

	granted, err := e.permissions.Check(ctx, nodeID, schemaName)
	if err != nil {
		return nil, err
	}

	results := make(map[string]QueryResult, len(fields))
	for _, fieldName := range fields {
		results[fieldName] = e.queryField(ctx, sc, fieldName, granted, filter)
	}
	return results, nil
}

func (e *Engine) queryField(ctx context.Context, sc *schema.Schema, fieldName string, granted bool, filter map[string]interface{}) QueryResult {
	if !granted {
		return QueryResult{Err: fault.New(fault.PermissionDenied, "engine: node has no permission on schema %s", sc.Name)}
	}
	if !e.lifecycle.CanQuery(sc.Name) {
		return QueryResult{Err: fault.New(fault.PermissionDenied, "engine: schema %s is not Approved", sc.Name)}
	}
	value, err := e.resolver.Resolve(ctx, sc, fieldName, filter)
	if err != nil {
		return QueryResult{Err: err}
	}
	return QueryResult{Value: value}
}

// Mutate gates on the schema-level permission grant (spec §6.1) before
// delegating to C7's gate/validate/write/bind/emit pipeline.
func (e *Engine) Mutate(ctx context.Context, m mutate.Mutation) error {
	granted, err := e.permissions.Check(ctx, m.PubKey, m.SchemaName)
	if err != nil {
		return err
	}
	if !granted {
		return fault.New(fault.PermissionDenied, "engine: node has no permission on schema %s", m.SchemaName)
	}
	return e.mutator.Execute(ctx, m)
}

// ListTransforms returns the registered transform ids feeding or fed by
// schemaName's fields (spec §6.2 list_transforms): every field of the
// schema that owns a transform, plus every other schema's transform that
// declares one of this schema's fields as an input.
func (e *Engine) ListTransforms(schemaName string) []string {
	sc, ok := e.lifecycle.GetSchema(schemaName)
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for fieldName, field := range sc.Fields {
		if field.Transform == nil {
			continue
		}
		id := schemaName + "." + fieldName
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
		for _, transformID := range e.registry.TransformsForField(schemaName + "." + fieldName) {
			if !seen[transformID] {
				seen[transformID] = true
				out = append(out, transformID)
			}
		}
	}
	return out
}

// RunTransform executes transformID synchronously and immediately,
// bypassing the event plane (spec §6.2 run_transform).
func (e *Engine) RunTransform(ctx context.Context, transformID string) error {
	return e.orch.RunTransform(ctx, transformID)
}
