package mapmeet

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDispatcherOrder(t *testing.T) {
	dispatcher := NewDispatcher(context.Background())
	defer dispatcher.Close()

	n := 1000
	out := []int{}
	for i := 0; i < n; i += 1 {
		i := i
		dispatcher.Post(func() {
			out = append(out, i)
			if i%10 == 0 {
				// posting from the dispatcher goroutine does not block
				dispatcher.Post(func() {})
			}
		})
	}
	dispatcher.Sync(func() {})

	assert.Equal(t, n, len(out))
	for i := 0; i < n; i += 1 {
		assert.Equal(t, i, out[i])
	}
}

func TestDispatcherClose(t *testing.T) {
	dispatcher := NewDispatcher(context.Background())

	ran := false
	assert.Equal(t, true, dispatcher.Sync(func() {
		ran = true
	}))
	assert.Equal(t, true, ran)

	dispatcher.Close()
	<-dispatcher.Done()

	assert.Equal(t, false, dispatcher.Post(func() {}))
	assert.Equal(t, false, dispatcher.Sync(func() {}))
}
