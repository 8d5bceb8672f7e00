// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package asyncop implements a registry of in-flight asynchronous operations.
//
// Each operation is registered under an ID with an owner key and a deadline.
// An entry moves through three states:
//
//	Pending --Take--> Active --Rearm--> Pending
//	                  Active --Done---> (removed)
//
// While an entry is Active, its holder has exclusive use of it: the timeout
// sweep skips it, and a cancellation is recorded and applied when the holder
// calls Rearm. A Pending entry whose deadline passes is removed and canceled
// with [datashare.TimeOut].
package asyncop

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/datashare"
)

// ID identifies an operation in a registry.
type ID uint64

// An Op is an operation that can be canceled. The registry calls Cancel at
// most once per registration, without holding any registry lock.
type Op interface {
	Cancel(reason error)
}

var (
	// ErrNotFound is reported for an ID that is not registered.
	ErrNotFound = fmt.Errorf("operation %w", datashare.NotFound)

	// ErrWrongType is reported by TakeAs when the registered operation does
	// not have the requested type.
	ErrWrongType = fmt.Errorf("operation has the wrong type: %w", datashare.InvalidArgument)

	// ErrBusy is reported by Take for an operation that is already active.
	ErrBusy = errors.New("operation is active")
)

type state byte

const (
	pending state = iota
	active
)

type entry struct {
	op       Op
	key      any
	state    state
	deadline time.Time
	canceled error // set if canceled while active
}

// Registry is a collection of operations. A Registry is safe for concurrent
// use by multiple goroutines. The zero value is not ready for use; use New.
type Registry struct {
	μ       sync.Mutex
	nextID  ID
	ops     map[ID]*entry
	timer   *time.Timer
	wakeAt  time.Time
	closed  bool
	onSweep func(ID, Op) // for diagnostics; may be nil
}

// Options are optional settings for a Registry. A nil *Options is ready for
// use and provides default values.
type Options struct {
	// If set, this function is called for each operation that expires.
	OnExpire func(ID, Op)
}

// New constructs a new empty registry.
func New(opts *Options) *Registry {
	r := &Registry{ops: make(map[ID]*entry)}
	if opts != nil {
		r.onSweep = opts.OnExpire
	}
	return r
}

// NextID returns a fresh operation ID. IDs are positive and increase
// monotonically over the life of r.
func (r *Registry) NextID() ID {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.nextID++
	return r.nextID
}

// Add registers op as Pending under id, owned by key, with a deadline timeout
// from now. A timeout ≤ 0 means the operation never expires. It is an error
// to add an id that is already registered, or to add to a closed registry.
func (r *Registry) Add(id ID, op Op, key any, timeout time.Duration) error {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.closed {
		return errors.New("registry is closed")
	} else if _, ok := r.ops[id]; ok {
		return fmt.Errorf("operation %d: %w", id, datashare.ExistsAlready)
	}
	e := &entry{op: op, key: key, state: pending}
	r.setDeadlineLocked(e, timeout)
	r.ops[id] = e
	return nil
}

// Take looks up the Pending operation with the given id and marks it Active.
// The caller must subsequently call Rearm or Done for id.
func (r *Registry) Take(id ID) (Op, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	e, ok := r.ops[id]
	if !ok {
		return nil, ErrNotFound
	} else if e.state == active {
		return nil, ErrBusy
	}
	e.state = active
	return e.op, nil
}

// TakeAs is as Take, but also checks that the operation has type T. If it
// does not, the operation remains Pending and TakeAs reports ErrWrongType.
func TakeAs[T Op](r *Registry, id ID) (T, error) {
	var zero T
	r.μ.Lock()
	defer r.μ.Unlock()
	e, ok := r.ops[id]
	if !ok {
		return zero, ErrNotFound
	}
	op, ok := e.op.(T)
	if !ok {
		return zero, ErrWrongType
	} else if e.state == active {
		return zero, ErrBusy
	}
	e.state = active
	return op, nil
}

// Rearm returns the Active operation id to Pending with a fresh deadline
// timeout from now, and reports true. If the operation was canceled while it
// was active, Rearm instead removes it, cancels it with the recorded reason,
// and reports false. Rearm reports false if id is not Active.
func (r *Registry) Rearm(id ID, timeout time.Duration) bool {
	r.μ.Lock()
	e, ok := r.ops[id]
	if !ok || e.state != active {
		r.μ.Unlock()
		return false
	}
	if e.canceled != nil {
		delete(r.ops, id)
		r.μ.Unlock()
		e.op.Cancel(e.canceled)
		return false
	}
	e.state = pending
	r.setDeadlineLocked(e, timeout)
	r.μ.Unlock()
	return true
}

// Done removes the Active operation id. Any cancellation recorded while the
// operation was active is discarded, since the operation has completed.
func (r *Registry) Done(id ID) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if e, ok := r.ops[id]; ok && e.state == active {
		delete(r.ops, id)
	}
}

// Remove discards the operation id regardless of its state, without
// canceling it, and reports whether it was present.
func (r *Registry) Remove(id ID) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	_, ok := r.ops[id]
	delete(r.ops, id)
	return ok
}

// Cancel cancels the operation id with the given reason, and reports whether
// it was registered. A Pending operation is removed and canceled at once; an
// Active one is canceled when its holder calls Rearm.
func (r *Registry) Cancel(id ID, reason error) bool {
	r.μ.Lock()
	e, ok := r.ops[id]
	if !ok {
		r.μ.Unlock()
		return false
	}
	run := r.cancelLocked(id, e, reason)
	r.μ.Unlock()
	if run {
		e.op.Cancel(reason)
	}
	return true
}

// CancelKey cancels every operation owned by key with the given reason, and
// reports the number of operations affected.
func (r *Registry) CancelKey(key any, reason error) int {
	return r.cancelMatching(func(e *entry) bool { return e.key == key }, reason)
}

// CancelAll cancels every registered operation with the given reason, and
// reports the number of operations affected.
func (r *Registry) CancelAll(reason error) int {
	return r.cancelMatching(func(*entry) bool { return true }, reason)
}

func (r *Registry) cancelMatching(match func(*entry) bool, reason error) int {
	var runs []Op
	var n int
	r.μ.Lock()
	for id, e := range r.ops {
		if !match(e) {
			continue
		}
		n++
		if r.cancelLocked(id, e, reason) {
			runs = append(runs, e.op)
		}
	}
	r.μ.Unlock()
	for _, op := range runs {
		op.Cancel(reason)
	}
	return n
}

// cancelLocked cancels e and reports whether its hook should now be run.
func (r *Registry) cancelLocked(id ID, e *entry, reason error) bool {
	if e.state == active {
		if e.canceled == nil {
			e.canceled = reason
		}
		return false
	}
	delete(r.ops, id)
	return true
}

// Find reports the IDs of all registered operations for which match returns
// true. The match function must not call methods of r.
func (r *Registry) Find(match func(ID, Op) bool) []ID {
	r.μ.Lock()
	defer r.μ.Unlock()
	var out []ID
	for id, e := range r.ops {
		if match(id, e.op) {
			out = append(out, id)
		}
	}
	return out
}

// Len reports the number of registered operations.
func (r *Registry) Len() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.ops)
}

// Sweep cancels every Pending operation whose deadline is at or before now
// with [datashare.TimeOut], and reports the number canceled. Sweep is called
// automatically when the earliest deadline passes.
func (r *Registry) Sweep(now time.Time) int {
	type expired struct {
		id ID
		op Op
	}
	var runs []expired

	r.μ.Lock()
	for id, e := range r.ops {
		if e.state == pending && !e.deadline.IsZero() && !e.deadline.After(now) {
			delete(r.ops, id)
			runs = append(runs, expired{id, e.op})
		}
	}
	r.wakeAt = time.Time{}
	r.scheduleLocked()
	onSweep := r.onSweep
	r.μ.Unlock()

	for _, x := range runs {
		if onSweep != nil {
			onSweep(x.id, x.op)
		}
		x.op.Cancel(datashare.TimeOut)
	}
	return len(runs)
}

// Close stops the timeout sweep and rejects further additions. Operations
// still registered are left in place; use CancelAll to dispose of them.
func (r *Registry) Close() {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Registry) setDeadlineLocked(e *entry, timeout time.Duration) {
	if timeout <= 0 {
		e.deadline = time.Time{}
		return
	}
	e.deadline = time.Now().Add(timeout)
	if r.wakeAt.IsZero() || e.deadline.Before(r.wakeAt) {
		r.wakeAt = e.deadline
		r.armLocked()
	}
}

// scheduleLocked arms the sweep timer for the earliest pending deadline.
func (r *Registry) scheduleLocked() {
	for _, e := range r.ops {
		if e.state != pending || e.deadline.IsZero() {
			continue
		}
		if r.wakeAt.IsZero() || e.deadline.Before(r.wakeAt) {
			r.wakeAt = e.deadline
		}
	}
	if !r.wakeAt.IsZero() {
		r.armLocked()
	} else if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *Registry) armLocked() {
	if r.closed {
		return
	}
	d := time.Until(r.wakeAt)
	if r.timer == nil {
		r.timer = time.AfterFunc(d, func() { r.Sweep(time.Now()) })
	} else {
		r.timer.Reset(d)
	}
}
