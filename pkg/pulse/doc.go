// Package pulse provides a reactive state container: mutable values,
// derived values that recompute when their sources change, and batched
// change notification for subscribers.
//
// # Core Types
//
// State[T] is a reactive value:
//
//	rt := pulse.NewRuntime()
//	count := pulse.NewState(rt, 0)
//	count.Set(5)
//	count.Update(func(n int) int { return n + 1 })
//	count.Undo() // back to 5
//
// Computed[T] derives a value from other values. Dependencies are whatever
// the function reads through its Tracker:
//
//	doubled := pulse.NewComputed(rt, func(tr *pulse.Tracker) int {
//	    return count.Track(tr) * 2
//	})
//
// # Scheduling
//
// Every write becomes a Job. The Runtime performs jobs one at a time:
// commit the value, run side effects and watchers, then enqueue a refresh
// for each dependent. A write whose value equals the current one commits
// nothing and wakes no dependents.
//
// When the queue is empty the runtime notifies subscriber containers, once
// each, with everything that changed. Dependents refresh lowest height
// first, so a derived value never reads a source that is still queued.
// Batch holds every job, and the notification, until the outermost batch
// returns:
//
//	rt.Batch(func() {
//	    a.Set(1)
//	    b.Set(2)
//	})
//
// # Persistence
//
// With WithStorage, Persist(key) restores a value from storage and writes it
// back after every change. The first storage error disables persistence for
// the runtime and is logged; values keep working in memory.
//
// # Thread Safety
//
// All types are safe for concurrent use. A job ingested while another
// goroutine is draining the queue is performed by that goroutine, so Set can
// return before the value is committed.
package pulse
