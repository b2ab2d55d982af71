package livechat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialExecutorKeepsOrder(t *testing.T) {
	e := NewSerialExecutor()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		e.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	e.Close()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSerialExecutorSurvivesPanics(t *testing.T) {
	e := NewSerialExecutor()
	ran := make(chan struct{})
	e.Post(func() { panic("boom") })
	e.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("executor stopped after a panic")
	}
	e.Close()
}

func TestSerialExecutorRunsInlineAfterClose(t *testing.T) {
	e := NewSerialExecutor()
	e.Close()
	e.Close()

	ran := false
	e.Post(func() { ran = true })
	assert.True(t, ran)

	assert.NotPanics(t, func() { e.Post(func() { panic("boom") }) })
}

func TestWorkerPoolRejectsAfterClose(t *testing.T) {
	p := newWorkerPool(2, testLogger())
	done := make(chan struct{})
	require.True(t, p.submit(func() { close(done) }))
	<-done
	p.close()
	assert.False(t, p.submit(func() {}))
}

func TestFutureCompletesOnce(t *testing.T) {
	e := NewSerialExecutor()
	defer e.Close()

	f := newFuture[int](e)
	assert.NoError(t, f.Err())
	select {
	case <-f.Done():
		t.Fatal("done before completion")
	default:
	}

	f.complete(1, nil)
	f.complete(2, errors.New("late"))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.NoError(t, f.Err())
}

func TestFutureCallbacks(t *testing.T) {
	e := NewSerialExecutor()
	defer e.Close()

	f := newFuture[string](e)
	results := make(chan string, 2)
	f.OnComplete(func(v string, err error) { results <- "before:" + v })
	f.complete("ok", nil)
	f.OnComplete(func(v string, err error) { results <- "after:" + v })

	for _, want := range []string{"before:ok", "after:ok"} {
		select {
		case got := <-results:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("callback %s never ran", want)
		}
	}
}

func TestFutureWaitHonorsContext(t *testing.T) {
	f := newFuture[int](NewSerialExecutor())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFailedFuture(t *testing.T) {
	f := failedFuture[struct{}](NewSerialExecutor(), ErrChatNotFound)
	<-f.Done()
	assert.ErrorIs(t, f.Err(), ErrChatNotFound)
}
