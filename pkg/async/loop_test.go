package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunPending_FIFO(t *testing.T) {
	l := NewLoop()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { order = append(order, i) })
	}
	assert.Equal(t, 5, l.RunPending())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, l.RunPending())
}

func TestRunPending_RunsNestedPosts(t *testing.T) {
	l := NewLoop()
	ran := false
	l.Post(func() {
		l.Post(func() { ran = true })
	})
	assert.Equal(t, 2, l.RunPending())
	assert.True(t, ran)
}

func TestRun_ExecutesFromOtherGoroutines(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	var wg sync.WaitGroup
	count := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Call(ctx, func() { count++ }))
		}()
	}
	wg.Wait()

	var got int
	require.NoError(t, l.Call(ctx, func() { got = count }))
	assert.Equal(t, 50, got)

	l.Close()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestPostAfterClose(t *testing.T) {
	l := NewLoop()
	l.Close()
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrClosed)
	assert.True(t, l.Closed())
}

func TestRun_ContextCancel(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
}
