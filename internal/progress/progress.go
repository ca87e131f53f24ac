// Package progress tracks long-running power tasks.
package progress

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrCanceled is returned from Checkpoint after Cancel.
var ErrCanceled = errors.New("progress: operation canceled")

// Progress reports completion of one asynchronous task and carries its
// cooperative cancellation flag.
type Progress struct {
	id          ulid.ULID
	description string
	operations  int

	mu         sync.Mutex
	operation  int
	opName     string
	percent    int
	cancelable bool
	canceled   bool
	completed  bool
	err        error
	done       chan struct{}
}

// New creates a cancelable progress for a task with the given number of
// operations.
func New(description string, operations int) *Progress {
	if operations < 1 {
		operations = 1
	}
	return &Progress{
		id:          ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader),
		description: description,
		operations:  operations,
		cancelable:  true,
		done:        make(chan struct{}),
	}
}

// ID returns the task identifier.
func (p *Progress) ID() string { return p.id.String() }

// Description returns what the task does.
func (p *Progress) Description() string { return p.description }

// Percent returns the completion percentage.
func (p *Progress) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent
}

// Operation returns the index and name of the current operation.
func (p *Progress) Operation() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.operation, p.opName
}

// SetOperation advances to the next operation.
func (p *Progress) SetOperation(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return
	}
	if p.operation < p.operations {
		p.operation++
	}
	p.opName = name
	p.percent = (p.operation - 1) * 100 / p.operations
}

// Cancel requests cancellation. It returns false when the task can no longer
// be canceled.
func (p *Progress) Cancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cancelable || p.completed {
		return false
	}
	p.canceled = true
	return true
}

// Canceled reports whether cancellation was requested.
func (p *Progress) Canceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

// Checkpoint returns ErrCanceled if cancellation was requested while the task
// was still cancelable.
func (p *Progress) Checkpoint() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.canceled && p.cancelable {
		return ErrCanceled
	}
	return nil
}

// SetNotCancelable marks the point after which Cancel is ignored.
func (p *Progress) SetNotCancelable() {
	p.mu.Lock()
	p.cancelable = false
	p.mu.Unlock()
}

// Complete finishes the task. Only the first call has an effect.
func (p *Progress) Complete(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return
	}
	p.completed = true
	p.err = err
	if err == nil {
		p.percent = 100
	}
	close(p.done)
}

// Done is closed when the task completes.
func (p *Progress) Done() <-chan struct{} { return p.done }

// Completed reports whether the task finished.
func (p *Progress) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Err returns the task result. It is nil until the task completes.
func (p *Progress) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Wait blocks until the task completes or ctx is done.
func (p *Progress) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
