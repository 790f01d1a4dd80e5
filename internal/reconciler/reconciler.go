package reconciler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/user/secret-sync-lite/internal/interfaces"
)

// Options configures a Reconciler. Zero fields fall back to the defaults
// documented on each field.
type Options struct {
	Providers map[string]interfaces.SecretProvider
	Store     interfaces.SecretStore
	Sink      interfaces.EventSink

	Backoff        Backoff       // default: base 5s, cap 5m, jitter 0.1
	FailureCeiling int           // default 10; past it the spec is surfaced as Failed (degraded)
	FetchTimeout   time.Duration // default 10s; bounds fetch and each store call
	DefaultRefresh time.Duration // default 60s; used when a spec has no interval
}

// StateSnapshot is the externally visible view of one spec's SyncState.
type StateSnapshot struct {
	Spec      interfaces.SecretSpec `json:"spec"`
	Phase     interfaces.Phase      `json:"phase"`
	LastSync  time.Time             `json:"lastSync,omitempty"`
	LastHash  string                `json:"lastHash,omitempty"`
	Failures  int                   `json:"failures"`
	NextRetry time.Time             `json:"nextRetry,omitempty"`
	LastError string                `json:"lastError,omitempty"`
}

// syncState is the reconciler-owned runtime record for one spec. All fields
// are guarded by Reconciler.mu except where a tick holds the in-flight lease,
// which grants it exclusive use of the fetch-and-apply path for this spec.
type syncState struct {
	spec      interfaces.SecretSpec
	phase     interfaces.Phase
	lastSync  time.Time
	lastHash  string
	failures  int
	nextRetry time.Time
	lastError ErrorClass

	inflight bool // the per-spec lease: at most one tick at a time
	removed  bool // set by Unregister; checked before the commit step
	ctx      context.Context
	cancel   context.CancelFunc
}

// Reconciler keeps registered LocalSecrets consistent with their remote
// sources. It owns all SyncState; the scheduler only decides when Tick runs.
type Reconciler struct {
	providers      map[string]interfaces.SecretProvider
	store          interfaces.SecretStore
	sink           interfaces.EventSink
	backoff        Backoff
	failureCeiling int
	fetchTimeout   time.Duration
	defaultRefresh time.Duration

	mu       sync.Mutex
	states   map[string]*syncState // keyed by spec ID
	byTarget map[string]string     // "namespace/name" -> spec ID
}

// New creates a Reconciler from opts, filling in defaults for zero fields.
func New(opts Options) *Reconciler {
	if opts.Backoff.Base <= 0 {
		opts.Backoff.Base = 5 * time.Second
	}
	if opts.Backoff.Cap <= 0 {
		opts.Backoff.Cap = 5 * time.Minute
	}
	if opts.FailureCeiling <= 0 {
		opts.FailureCeiling = 10
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.DefaultRefresh <= 0 {
		opts.DefaultRefresh = 60 * time.Second
	}
	if opts.Providers == nil {
		opts.Providers = make(map[string]interfaces.SecretProvider)
	}
	return &Reconciler{
		providers:      opts.Providers,
		store:          opts.Store,
		sink:           opts.Sink,
		backoff:        opts.Backoff,
		failureCeiling: opts.FailureCeiling,
		fetchTimeout:   opts.FetchTimeout,
		defaultRefresh: opts.DefaultRefresh,
		states:         make(map[string]*syncState),
		byTarget:       make(map[string]string),
	}
}

// Register adds a spec and creates its SyncState in phase Pending.
// It fails with ErrDuplicateSpec when another registered spec already
// targets the same (namespace, name).
func (r *Reconciler) Register(spec interfaces.SecretSpec) (StateSnapshot, error) {
	if spec.ID == "" || spec.Provider == "" || spec.RemoteKey == "" || spec.Namespace == "" || spec.Name == "" {
		return StateSnapshot{}, fmt.Errorf("spec is missing required fields (id, provider, remoteKey, namespace, name)")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target := spec.Namespace + "/" + spec.Name
	if existing, ok := r.byTarget[target]; ok {
		return StateSnapshot{}, fmt.Errorf("%w: target %s already registered as spec %s", ErrDuplicateSpec, target, existing)
	}
	if _, ok := r.states[spec.ID]; ok {
		return StateSnapshot{}, fmt.Errorf("%w: spec ID %s already registered", ErrDuplicateSpec, spec.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &syncState{
		spec:   spec,
		phase:  interfaces.PhasePending,
		ctx:    ctx,
		cancel: cancel,
	}
	r.states[spec.ID] = st
	r.byTarget[target] = spec.ID

	log.Printf("[%s] Registered spec for target %s (provider: %s, key: %s)", spec.ID, target, spec.Provider, spec.RemoteKey)
	r.emit(spec.ID, "", interfaces.PhasePending, ClassNone)
	return r.snapshotLocked(st), nil
}

// Unregister cancels any in-flight fetch for the spec and removes its
// SyncState. It is idempotent; unregistering an unknown ID is a no-op.
// After Unregister returns, no further writes occur for the spec: the
// in-flight tick sees the removed flag before its commit step.
func (r *Reconciler) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		return
	}
	st.removed = true
	st.cancel()
	delete(r.states, id)
	delete(r.byTarget, st.spec.Namespace+"/"+st.spec.Name)
	log.Printf("[%s] Unregistered spec for target %s/%s", id, st.spec.Namespace, st.spec.Name)
}

// Tick runs one fetch-and-apply cycle for the spec. It returns the time the
// next tick should run and true, or a zero time and false when the spec must
// not be rescheduled (unregistered, already in flight, or parked).
// Ticks for one spec are strictly sequential: the caller reschedules only
// from the returned time, and the in-flight lease rejects overlapping calls.
func (r *Reconciler) Tick(id string, now time.Time) (time.Time, bool) {
	r.mu.Lock()
	st, ok := r.states[id]
	if !ok || st.inflight {
		r.mu.Unlock()
		return time.Time{}, false
	}
	st.inflight = true
	spec := st.spec
	ctx := st.ctx
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		st.inflight = false
		r.mu.Unlock()
	}()

	provider, ok := r.providers[spec.Provider]
	if !ok {
		return r.applyFailure(st, now, fmt.Errorf("%w: %q", errUnknownProvider, spec.Provider))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	payload, err := provider.Fetch(fetchCtx, spec.RemoteKey)
	cancel()
	if err != nil {
		return r.applyFailure(st, now, err)
	}

	content, err := mapPayload(payload, spec.Keys)
	if err != nil {
		return r.applyFailure(st, now, err)
	}
	hash := interfaces.ContentHash(content)

	// The stored hash is the commit point of the last applied write, so it
	// is read fresh each tick: a restart adopts matching content without a
	// write, and a CAS conflict heals itself on the next attempt.
	storeCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	_, storedHash, exists, err := r.store.Get(storeCtx, spec.Namespace, spec.Name)
	cancel()
	if err != nil {
		return r.applyFailure(st, now, err)
	}
	previousHash := ""
	if exists {
		previousHash = storedHash
	}

	if hash == previousHash {
		return r.applySuccess(st, now, hash)
	}

	// Cancellation flag check before the commit step. The write itself is
	// never aborted midway; Unregister after this point only means the
	// committed secret outlives its spec, never that it is half-written.
	r.mu.Lock()
	if st.removed {
		r.mu.Unlock()
		return time.Time{}, false
	}
	r.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	newHash, err := r.store.Put(writeCtx, spec.Namespace, spec.Name, content, previousHash)
	cancel()
	if err != nil {
		return r.applyFailure(st, now, err)
	}

	// Write-then-verify: the write counts as committed only once a
	// read-back confirms the new hash.
	verifyCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	_, verifiedHash, exists, err := r.store.Get(verifyCtx, spec.Namespace, spec.Name)
	cancel()
	if err != nil {
		return r.applyFailure(st, now, err)
	}
	if !exists || verifiedHash != newHash {
		return r.applyFailure(st, now, fmt.Errorf("%w: read-back hash %q does not match written hash %q", interfaces.ErrConflict, verifiedHash, newHash))
	}

	log.Printf("[%s] Wrote secret %s/%s (hash %.12s)", spec.ID, spec.Namespace, spec.Name, newHash)
	return r.applySuccess(st, now, newHash)
}

// applySuccess records a successful tick and schedules the next refresh.
func (r *Reconciler) applySuccess(st *syncState, now time.Time, hash string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.removed {
		return time.Time{}, false
	}

	old := st.phase
	st.phase = interfaces.PhaseSynced
	st.lastSync = now
	st.lastHash = hash
	st.failures = 0
	st.lastError = ClassNone
	st.nextRetry = now.Add(r.refreshInterval(st.spec))
	if old != interfaces.PhaseSynced {
		r.emit(st.spec.ID, old, interfaces.PhaseSynced, ClassNone)
	}
	return st.nextRetry, true
}

// applyFailure records a failed tick: permanent classes park the spec,
// transient ones schedule a backed-off retry, and past the failure ceiling
// the spec is surfaced as Failed while retries continue at the cap.
func (r *Reconciler) applyFailure(st *syncState, now time.Time, err error) (time.Time, bool) {
	class := classify(err)

	r.mu.Lock()
	defer r.mu.Unlock()
	if st.removed {
		return time.Time{}, false
	}

	old := st.phase
	st.lastError = class
	log.Printf("[%s] Tick failed (class: %s): %v", st.spec.ID, class, err)

	if class.permanent() {
		st.phase = interfaces.PhaseFailed
		st.nextRetry = time.Time{}
		if old != interfaces.PhaseFailed {
			r.emit(st.spec.ID, old, interfaces.PhaseFailed, class)
		}
		return time.Time{}, false
	}

	st.failures++
	next := interfaces.PhaseRetrying
	if st.failures > r.failureCeiling {
		next = interfaces.PhaseFailed
	}
	st.phase = next
	st.nextRetry = now.Add(r.backoff.Delay(st.failures))
	if old != next {
		r.emit(st.spec.ID, old, next, class)
	}
	return st.nextRetry, true
}

// States returns a snapshot of every registered spec's SyncState.
func (r *Reconciler) States() []StateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StateSnapshot, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, r.snapshotLocked(st))
	}
	return out
}

// State returns the snapshot for one spec ID.
func (r *Reconciler) State(id string) (StateSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return StateSnapshot{}, false
	}
	return r.snapshotLocked(st), true
}

func (r *Reconciler) snapshotLocked(st *syncState) StateSnapshot {
	return StateSnapshot{
		Spec:      st.spec,
		Phase:     st.phase,
		LastSync:  st.lastSync,
		LastHash:  st.lastHash,
		Failures:  st.failures,
		NextRetry: st.nextRetry,
		LastError: st.lastError.String(),
	}
}

func (r *Reconciler) refreshInterval(spec interfaces.SecretSpec) time.Duration {
	if spec.RefreshIntervalSeconds > 0 {
		return time.Duration(spec.RefreshIntervalSeconds) * time.Second
	}
	return r.defaultRefresh
}

func (r *Reconciler) emit(id string, from, to interfaces.Phase, class ErrorClass) {
	if r.sink == nil {
		return
	}
	r.sink.PhaseChanged(interfaces.Event{
		SpecID:     id,
		OldPhase:   from,
		NewPhase:   to,
		Timestamp:  time.Now(),
		ErrorClass: class.String(),
	})
}
