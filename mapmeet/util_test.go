package mapmeet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	removeOne := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })
	callbacks.Add(func() int { return 3 })

	values := func() []int {
		out := []int{}
		for _, callback := range callbacks.Get() {
			out = append(out, callback())
		}
		return out
	}

	assert.Equal(t, []int{1, 2, 3}, values())
	removeOne()
	assert.Equal(t, []int{2, 3}, values())
	// again
	removeOne()
	assert.Equal(t, []int{2, 3}, values())
	callbacks.Clear()
	assert.Equal(t, []int{}, values())
}

func TestRunSequence(t *testing.T) {
	ran := []int{}
	stepN := func(n int, err error) step {
		return func(done func(err error)) {
			ran = append(ran, n)
			done(err)
		}
	}

	var result error
	runSequence([]step{stepN(1, nil), stepN(2, nil), stepN(3, nil)}, func(err error) {
		result = err
	})
	assert.Equal(t, nil, result)
	assert.Equal(t, []int{1, 2, 3}, ran)

	ran = []int{}
	failed := errors.New("failed")
	runSequence([]step{stepN(1, nil), stepN(2, failed), stepN(3, nil)}, func(err error) {
		result = err
	})
	assert.Equal(t, failed, result)
	assert.Equal(t, []int{1, 2}, ran)
}

func TestRunAll(t *testing.T) {
	dispatcher := NewDispatcher(context.Background())
	defer dispatcher.Close()

	failed := errors.New("failed")
	steps := []step{}
	for i := 0; i < 8; i += 1 {
		var err error
		if i%2 == 0 {
			err = failed
		}
		steps = append(steps, func(done func(err error)) {
			go func() {
				time.Sleep(time.Millisecond)
				dispatcher.Post(func() {
					done(err)
				})
			}()
		})
	}

	result := make(chan []error, 1)
	dispatcher.Post(func() {
		runAll(steps, func(errs []error) {
			result <- errs
		})
	})
	errs := <-result
	assert.Equal(t, 4, len(errs))

	var empty []error
	runAll(nil, func(errs []error) {
		empty = errs
	})
	assert.Equal(t, 0, len(empty))
}
