package pulse

// Option is a functional option for configuring states and computeds.
type Option func(*options)

// options holds configuration shared by State and Computed constructors.
type options struct {
	// name identifies the value in logs, diagnostics and devtools.
	name string

	// kind is the declared type for dynamically typed values.
	kind Kind

	// persistKey enables persistence under prefix+persistKey.
	persistKey string

	// deps are static dependencies for a computed; empty means discover.
	deps []Observable

	// public overrides the value delivered to watchers and subscribers.
	public func() any

	// equal is stored untyped and asserted by the generic constructor.
	equal any
}

// WithName names the value. Unnamed values are called "state#<id>".
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// OfType declares the accepted kind for a dynamically typed state.
// Sets with a value of another kind are rejected with a diagnostic.
//
// Example:
//
//	title := pulse.NewState[any](rt, "", pulse.OfType(pulse.KindString))
//	title.Set(42) // rejected, value unchanged
func OfType(kind Kind) Option {
	return func(o *options) {
		o.kind = kind
	}
}

// PersistAs persists the value under key (plus the runtime's storage prefix).
// Equivalent to calling Persist(key) right after construction.
func PersistAs(key string) Option {
	return func(o *options) {
		o.persistKey = key
	}
}

// WithDeps gives a computed an explicit dependency list. Edges are wired at
// construction and the function receives a nil *Tracker.
func WithDeps(deps ...Observable) Option {
	return func(o *options) {
		o.deps = append(o.deps, deps...)
	}
}

// WithEquals sets the equality function used to detect unchanged writes.
func WithEquals[T any](fn func(a, b T) bool) Option {
	return func(o *options) {
		o.equal = fn
	}
}

// PublicValue overrides what watchers and subscribers receive. Collections
// use it so a group publishes its resolved records instead of its keys.
func PublicValue(fn func() any) Option {
	return func(o *options) {
		o.public = fn
	}
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// SetOption configures a single write.
type SetOption func(*setOptions)

type setOptions struct {
	background bool
}

// Background writes the value immediately and runs side effects without
// entering the job queue: no dependents are refreshed and no subscribers are
// notified. Used for restoring persisted values.
func Background() SetOption {
	return func(o *setOptions) {
		o.background = true
	}
}

func applySetOptions(opts []SetOption) setOptions {
	var o setOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
