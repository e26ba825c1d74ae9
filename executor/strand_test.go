package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOStrandOrderingAndExclusivity(t *testing.T) {
	p := NewPool(8)
	defer p.Close()

	s := p.MakeStrand()

	var mu sync.Mutex
	var order []int
	var active, maxActive int
	var wg sync.WaitGroup
	wg.Add(50)
	for i := 0; i < 50; i++ {
		i := i
		s.Post(func() {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			order = append(order, i)
			active--
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "strand must never run two tasks concurrently")
	require.Len(t, order, 50)
	for i := 0; i < 50; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestFIFOStrandDispatchInline(t *testing.T) {
	p := NewPool(4)
	defer p.Close()
	s := p.MakeStrand()

	done := make(chan bool, 1)
	s.Post(func() {
		ran := false
		s.Dispatch(func() { ran = true })
		done <- ran
	})
	require.True(t, <-done)
}

func TestPassthroughStrandOverInline(t *testing.T) {
	e := NewInline()
	defer e.Close()
	s := e.MakeStrand()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		s.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	require.Len(t, order, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, order[i])
	}
}
