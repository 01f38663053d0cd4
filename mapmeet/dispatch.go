package mapmeet

import (
	"context"
	"sync"
)

// Dispatcher is the single delivery context of a session.
// All gateway completions, listener diffs and store mutations run on its goroutine,
// one at a time and in the order they were posted.
// The queue is unbounded so that posting from the dispatcher goroutine never blocks.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	stateLock sync.Mutex
	queue     []func()
	notify    chan struct{}
	done      chan struct{}
}

func NewDispatcher(ctx context.Context) *Dispatcher {
	cancelCtx, cancel := context.WithCancel(ctx)
	dispatcher := &Dispatcher{
		ctx:    cancelCtx,
		cancel: cancel,
		queue:  []func(){},
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go dispatcher.run()
	return dispatcher
}

func (self *Dispatcher) run() {
	defer close(self.done)

	for {
		self.stateLock.Lock()
		queue := self.queue
		self.queue = []func(){}
		self.stateLock.Unlock()

		for _, fn := range queue {
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			fn()
		}

		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}
	}
}

// returns false if the dispatcher is closed and `fn` will never run
func (self *Dispatcher) Post(fn func()) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}

	self.stateLock.Lock()
	self.queue = append(self.queue, fn)
	self.stateLock.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
	return true
}

// runs `fn` on the dispatcher and waits for it.
// Must not be called from the dispatcher goroutine.
func (self *Dispatcher) Sync(fn func()) bool {
	ran := make(chan struct{})
	posted := self.Post(func() {
		defer close(ran)
		fn()
	})
	if !posted {
		return false
	}
	select {
	case <-ran:
		return true
	case <-self.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

func (self *Dispatcher) Done() <-chan struct{} {
	return self.done
}

func (self *Dispatcher) Close() {
	self.cancel()
}
