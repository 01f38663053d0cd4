package mapmeet

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

// callbacks in the order they were added
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	ids := maps.Keys(self.callbacks)
	slices.Sort(ids)
	callbacks := make([]T, 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, self.callbacks[id])
	}
	return callbacks
}

// returns a function that removes the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += 1
	self.callbacks[id] = callback
	return func() {
		self.remove(id)
	}
}

func (self *CallbackList[T]) remove(id int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.callbacks, id)
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.callbacks = map[int]T{}
}

// an async step that calls `done` exactly once
type step func(done func(err error))

// runs the steps one after the other and stops at the first error.
// Steps that already ran are not undone.
func runSequence(steps []step, callback func(err error)) {
	if len(steps) == 0 {
		callback(nil)
		return
	}
	steps[0](func(err error) {
		if err != nil {
			callback(err)
			return
		}
		runSequence(steps[1:], callback)
	})
}

// runs all steps at once and calls `callback` after every step is done,
// with the errors of the steps that failed
func runAll(steps []step, callback func(errs []error)) {
	if len(steps) == 0 {
		callback(nil)
		return
	}
	remaining := len(steps)
	errs := []error{}
	for _, s := range steps {
		s(func(err error) {
			if err != nil {
				errs = append(errs, err)
			}
			remaining -= 1
			if remaining == 0 {
				callback(errs)
			}
		})
	}
}
