package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/emirpasic/gods/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errs "github.com/vango-dev/pulse/internal/errors"
)

// tracerName is the instrumentation name used when no tracer is configured.
const tracerName = "github.com/vango-dev/pulse"

// DefaultStoragePrefix is prepended to every persisted key.
const DefaultStoragePrefix = "pulse:"

// Runtime schedules jobs for every value it owns. Jobs run one at a time on
// whichever goroutine found the runtime idle; jobs ingested while a drain is
// in progress (by side effects, watchers or other goroutines) are appended to
// the queue and picked up by the same drain.
//
// Writes run in the order they were made. Refreshes of derived values wait
// until no write is queued and then run lowest Dep height first, each target
// at most once while it is queued.
//
// When the queue empties, subscriber containers are notified once with
// everything that changed during the drain.
type Runtime struct {
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *metrics
	persister    *persister
	scheduler    func(flush func())
	onDiagnostic func(error)

	mu         sync.Mutex
	queue      []*Job               // writes, in order
	refreshes  *priorityqueue.Queue // *queuedRefresh, lowest height first
	pending    map[uint64]*Job      // queued refresh by target ID
	seq        uint64
	running    bool
	batchDepth int
	notify     []*Job

	booted   bool
	retries  []func()
	retrySet map[uint64]struct{}

	subMu      sync.Mutex
	containers map[any]*Container

	// storage configuration, resolved into persister by NewRuntime
	storage Storage
	prefix  string
	codec   Codec
	reg     prometheus.Registerer
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the logger for diagnostics. Default: slog.Default().
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStorage sets the persistence backend. Backends implementing
// AsyncStorage and reporting Async() == true are written from a background
// goroutine.
func WithStorage(s Storage) RuntimeOption {
	return func(r *Runtime) {
		r.storage = s
	}
}

// WithStoragePrefix sets the prefix for persisted keys. Default: "pulse:".
func WithStoragePrefix(prefix string) RuntimeOption {
	return func(r *Runtime) {
		r.prefix = prefix
	}
}

// WithCodec sets the codec for persisted values. Default: JSONCodec.
func WithCodec(c Codec) RuntimeOption {
	return func(r *Runtime) {
		if c != nil {
			r.codec = c
		}
	}
}

// WithMetrics registers the runtime's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) RuntimeOption {
	return func(r *Runtime) {
		r.reg = reg
	}
}

// WithTracer sets the tracer used for drain spans.
// Default: otel.Tracer("github.com/vango-dev/pulse").
func WithTracer(t trace.Tracer) RuntimeOption {
	return func(r *Runtime) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithFlushScheduler defers subscriber notification. The runtime calls
// schedule with the flush once the queue has drained; schedule may run it
// later on an event loop. Default: run it immediately.
func WithFlushScheduler(schedule func(flush func())) RuntimeOption {
	return func(r *Runtime) {
		if schedule != nil {
			r.scheduler = schedule
		}
	}
}

// WithDiagnosticHandler receives every diagnostic in addition to the log.
func WithDiagnosticHandler(fn func(error)) RuntimeOption {
	return func(r *Runtime) {
		r.onDiagnostic = fn
	}
}

// NewRuntime creates a runtime.
//
// Example:
//
//	rt := pulse.NewRuntime(
//	    pulse.WithLogger(logger),
//	    pulse.WithStorage(storage.NewMemory()),
//	    pulse.WithMetrics(prometheus.DefaultRegisterer),
//	)
//	defer rt.Close(context.Background())
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		logger:     slog.Default(),
		prefix:     DefaultStoragePrefix,
		codec:      JSONCodec{},
		refreshes:  priorityqueue.NewWith(byHeight),
		pending:    make(map[uint64]*Job),
		retrySet:   make(map[uint64]struct{}),
		containers: make(map[any]*Container),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	if r.scheduler == nil {
		r.scheduler = func(flush func()) { flush() }
	}
	r.metrics = newMetrics(r.reg)
	if r.storage != nil {
		r.persister = newPersister(r, r.storage, r.codec)
	}
	return r
}

// Logger returns the runtime's logger.
func (r *Runtime) Logger() *slog.Logger {
	return r.logger
}

// Storage returns the configured persistence backend, or nil.
func (r *Runtime) Storage() Storage {
	return r.storage
}

// StorageKey returns the full persisted key for identifier.
func (r *Runtime) StorageKey(identifier string) string {
	return r.prefix + identifier
}

// Boot marks initialization complete and retries, once, every computed whose
// derivation failed before boot.
func (r *Runtime) Boot() {
	r.mu.Lock()
	if r.booted {
		r.mu.Unlock()
		return
	}
	r.booted = true
	retries := r.retries
	r.retries = nil
	r.retrySet = make(map[uint64]struct{})
	r.mu.Unlock()

	r.logger.Debug("pulse runtime booted", "retries", len(retries))
	r.Batch(func() {
		for _, retry := range retries {
			retry()
		}
	})
}

// Booted reports whether Boot has run.
func (r *Runtime) Booted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.booted
}

// Close waits for pending asynchronous persistence writes, or for ctx.
func (r *Runtime) Close(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	return r.persister.close(ctx)
}

// Idle reports whether no drain is in progress and the queue is empty.
func (r *Runtime) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.running && !r.hasWorkLocked()
}

func (r *Runtime) hasWorkLocked() bool {
	return len(r.queue) > 0 || !r.refreshes.Empty()
}

// queuedRefresh orders a refresh job by the target's height at enqueue time,
// then by arrival.
type queuedRefresh struct {
	job    *Job
	height int
	seq    uint64
}

func byHeight(a, b interface{}) int {
	x, y := a.(*queuedRefresh), b.(*queuedRefresh)
	if c := utils.IntComparator(x.height, y.height); c != 0 {
		return c
	}
	return utils.UInt64Comparator(x.seq, y.seq)
}

// ingest queues a job and, if the runtime is idle and no batch is open,
// drains the queue on the calling goroutine.
func (r *Runtime) ingest(job *Job) {
	r.mu.Lock()
	if job.hasValue {
		r.queue = append(r.queue, job)
	} else {
		id := job.target.ID()
		if _, queued := r.pending[id]; queued {
			r.mu.Unlock()
			return
		}
		r.pending[id] = job
		r.seq++
		r.refreshes.Enqueue(&queuedRefresh{job: job, height: job.target.Dep().Height(), seq: r.seq})
	}
	r.metrics.queueDepth.Set(float64(len(r.queue) + r.refreshes.Size()))
	if r.running || r.batchDepth > 0 {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.drain()
}

// drain performs queued jobs until none are left or a batch opens, then
// flushes.
func (r *Runtime) drain() {
	_, span := r.tracer.Start(context.Background(), "pulse.drain",
		trace.WithSpanKind(trace.SpanKindInternal))
	start := time.Now()
	performed := 0

	for {
		r.mu.Lock()
		if r.batchDepth > 0 || !r.hasWorkLocked() {
			// an open batch resumes the drain when it closes
			r.running = false
			r.metrics.queueDepth.Set(float64(len(r.queue) + r.refreshes.Size()))
			jobs := r.takeNotifyLocked()
			r.mu.Unlock()

			span.SetAttributes(
				attribute.Int("pulse.jobs", performed),
				attribute.Int("pulse.notified", len(jobs)),
			)
			span.End()
			r.metrics.drain(time.Since(start))

			if len(jobs) > 0 {
				r.scheduler(func() { r.flush(jobs) })
			}
			return
		}
		job := r.nextLocked()
		r.mu.Unlock()

		if job == nil {
			continue
		}
		r.perform(job)
		performed++
	}
}

// nextLocked pops the next write, or else the lowest pending refresh. It
// returns nil for a refresh that was superseded. Caller holds r.mu.
func (r *Runtime) nextLocked() *Job {
	if len(r.queue) > 0 {
		job := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		return job
	}
	item, _ := r.refreshes.Dequeue()
	job := item.(*queuedRefresh).job
	id := job.target.ID()
	if r.pending[id] != job {
		return nil
	}
	delete(r.pending, id)
	return job
}

// takeNotifyLocked hands over the jobs to notify unless a batch is open.
// Caller holds r.mu.
func (r *Runtime) takeNotifyLocked() []*Job {
	if r.batchDepth > 0 || len(r.notify) == 0 {
		return nil
	}
	jobs := r.notify
	r.notify = nil
	return jobs
}

// perform applies one job: commit, side effects, watchers, record for
// notification, then enqueue the target's dependents.
func (r *Runtime) perform(job *Job) {
	target := job.target
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("pulse job panicked",
				"state", target.Name(),
				"panic", fmt.Sprint(rec))
		}
	}()

	if !target.commit(job) {
		r.metrics.job("skipped")
		return
	}
	r.metrics.job("committed")

	r.mu.Lock()
	if job.hasValue && !target.derived() {
		// this write supersedes a queued refresh of the same value
		delete(r.pending, target.ID())
	}
	r.mu.Unlock()

	target.runSideEffects(job)
	target.runWatchers()

	r.mu.Lock()
	r.notify = append(r.notify, job)
	r.mu.Unlock()

	for _, d := range target.Dep().Dependents() {
		r.ingest(&Job{target: d})
	}
}

// Refresh enqueues a refresh of o as if one of its sources had changed: a
// computed recomputes, a plain value re-runs its side effects and notifies
// its dependents and subscribers.
func (r *Runtime) Refresh(o Observable) {
	if o == nil {
		return
	}
	r.ingest(&Job{target: o})
}

// performBackground commits a job and runs its side effects outside the
// queue. Dependents and subscribers are not touched.
func (r *Runtime) performBackground(job *Job) {
	job.background = true
	if !job.target.commit(job) {
		return
	}
	r.metrics.job("background")
	job.target.runSideEffects(job)
}

// flush notifies each subscriber container once with the values that
// changed, in the order containers were first reached.
func (r *Runtime) flush(jobs []*Job) {
	var order []*Container
	changed := make(map[*Container]map[uint64]Observable)

	for _, job := range jobs {
		for _, c := range job.target.Dep().Subscribers() {
			set, ok := changed[c]
			if !ok {
				set = make(map[uint64]Observable)
				changed[c] = set
				order = append(order, c)
			}
			set[job.target.ID()] = job.target
		}
	}

	for _, c := range order {
		c.deliver(changed[c])
		r.metrics.notifications.Inc()
	}
}

// Batch runs fn and holds every job it ingests until the outermost batch
// returns. The held writes then run in order, each derived value refreshes
// once against all of them, and subscribers see one notification. Inside
// the batch, Value still returns the committed value; Next returns the
// staged one.
//
// Example:
//
//	rt.Batch(func() {
//	    first.Set("Grace")
//	    last.Set("Hopper")
//	}) // full name recomputes once, subscribers see one notification
func (r *Runtime) Batch(fn func()) {
	r.mu.Lock()
	r.batchDepth++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.batchDepth--
		if r.batchDepth > 0 || r.running {
			r.mu.Unlock()
			return
		}
		if r.hasWorkLocked() {
			r.running = true
			r.mu.Unlock()
			r.drain()
			return
		}
		jobs := r.takeNotifyLocked()
		r.mu.Unlock()
		if len(jobs) > 0 {
			r.scheduler(func() { r.flush(jobs) })
		}
	}()

	fn()
}

// derivationFailed applies the failure policy: before boot the computed is
// queued for one retry, after boot the failure is reported and the previous
// value stays.
func (r *Runtime) derivationFailed(o Observable, err error, retry func()) {
	r.metrics.derivationFailures.Inc()

	r.mu.Lock()
	if !r.booted {
		if _, queued := r.retrySet[o.ID()]; !queued {
			r.retrySet[o.ID()] = struct{}{}
			r.retries = append(r.retries, retry)
		}
		r.mu.Unlock()
		r.logger.Debug("pulse derivation deferred until boot", "state", o.Name(), "error", err)
		return
	}
	r.mu.Unlock()

	r.diagnose(derivationError(o, err))
}

// diagnose logs a structured diagnostic and forwards it to the handler.
func (r *Runtime) diagnose(e *errs.PulseError) {
	e.Log(r.logger)
	if r.onDiagnostic != nil {
		r.onDiagnostic(e)
	}
}
