package msgnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
)

// ErrReactorStopped is returned when work is posted to a stopped reactor.
var ErrReactorStopped = errors.New("reactor stopped")

type event struct {
	f func()
}

// reactor runs posted closures one at a time, in order, on a single goroutine.
// Every continuation of every socket operation runs here, so connection
// state and the server registry need no further locking.
type reactor struct {
	emitter emitter

	mu      sync.Mutex
	pending []*event
	stopped bool

	wake     chan struct{}
	stopD    syncx.DoneChan
	stopOnce sync.Once
	pool     sync.Pool
}

func newReactor(opts *options) *reactor {
	return &reactor{
		emitter: opts.emitter,
		pending: make([]*event, 0, opts.reactorQueueHint),
		wake:    make(chan struct{}, 1),
		stopD:   syncx.NewDoneChan(),
		pool: sync.Pool{
			New: func() any {
				return new(event)
			},
		},
	}
}

// Post queues f to run on the reactor goroutine. Safe from any goroutine,
// including the reactor itself.
func (r *reactor) Post(f func()) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrReactorStopped
	}

	evt := r.pool.Get().(*event)
	evt.f = f
	r.pending = append(r.pending, evt)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes posted closures until ctx is done. Closures still pending at
// that point are dropped and later Posts fail with ErrReactorStopped.
func (r *reactor) Run(ctx context.Context) error {
	defer r.stop()

	var spare []*event
	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = spare
		r.mu.Unlock()

		if len(batch) == 0 {
			spare = batch
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.wake:
			}
			continue
		}

		for _, evt := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.handle(evt)
		}

		clear(batch)
		spare = batch[:0]
	}
}

// Done is signaled once Run has returned.
func (r *reactor) Done() syncx.DoneChanR {
	return r.stopD.R()
}

func (r *reactor) stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.pending = nil
		r.mu.Unlock()

		r.stopD.SetDone()
	})
}

func (r *reactor) handle(evt *event) {
	f := evt.f
	evt.f = nil
	r.pool.Put(evt)

	defer func() {
		if rec := recover(); rec != nil {
			r.emitter.emit(Event{Kind: EventPanic, Err: fmt.Sprintf("%v", rec)})
		}
	}()
	f()
}
