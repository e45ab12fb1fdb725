package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTasks(t *testing.T) {
	p := New(4)
	defer p.Close()

	var wg sync.WaitGroup
	var count atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()

	assert.Equal(t, int32(100), count.Load())
	assert.Equal(t, 4, p.Size())
}

func TestSingleWorkerIsFIFO(t *testing.T) {
	p := New(1)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	p.Close()

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	p := New(2)

	block := make(chan struct{})
	var done atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func() {
			<-block
			done.Add(1)
		}))
	}

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned before queued tasks ran")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	<-closed
	assert.Equal(t, int32(10), done.Load())
	assert.Equal(t, 0, p.Pending())
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(1)
	p.Close()
	p.Close()

	err := p.Submit(func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNilTask(t *testing.T) {
	p := New(1)
	defer p.Close()
	assert.Error(t, p.Submit(nil))
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New(1)
	defer p.Close()

	require.NoError(t, p.Submit(func() { panic("boom") }))

	ran := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestInvalidSize(t *testing.T) {
	assert.Panics(t, func() { New(0) })
}
