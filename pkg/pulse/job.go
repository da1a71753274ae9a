package pulse

// Job is one pending mutation or recomputation. Jobs are created by Set,
// Update, Reset, Undo, Recompute and by the runtime itself when a committed
// value has dependents.
type Job struct {
	target Observable

	// value is the staged value; unset for refresh jobs, where a derived
	// target recomputes and a plain target re-commits its current value.
	value    any
	hasValue bool

	background bool
	reset      bool
}

// Target returns the value the job writes.
func (j *Job) Target() Observable {
	return j.target
}

// Background reports whether the job bypasses the queue and notifications.
func (j *Job) Background() bool {
	return j.background
}

// IsReset reports whether the job restores the initial value.
func (j *Job) IsReset() bool {
	return j.reset
}

// IsRefresh reports whether the job was enqueued because a source changed.
func (j *Job) IsRefresh() bool {
	return !j.hasValue
}

// asValue converts an untyped job value to T. nil becomes the zero value.
func asValue[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}
