package common

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	time.Sleep(time.Millisecond * 100)
	assert.Equal(int32(1), atomic.LoadInt32(&value))
	assert.False(uut.Running())

	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	time.Sleep(time.Millisecond * 100)
	assert.Equal(int32(2), atomic.LoadInt32(&value))

	// Restarting replaces the pending run
	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	time.Sleep(time.Millisecond * 200)
	assert.Equal(int32(3), atomic.LoadInt32(&value))
}

func TestIntervalTimerPeriodicStop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	// Case 0: invalid interval
	assert.NotNil(uut.Start(0, func() error { return nil }, false))

	// Case 1: periodic run, then stop
	var value int32
	assert.Nil(uut.Start(time.Millisecond*20, func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}, false))
	time.Sleep(time.Millisecond * 110)
	assert.True(uut.Running())
	assert.Nil(uut.Stop())
	assert.False(uut.Running())
	stopped := atomic.LoadInt32(&value)
	assert.GreaterOrEqual(stopped, int32(3))
	time.Sleep(time.Millisecond * 60)
	assert.Equal(stopped, atomic.LoadInt32(&value))

	// Case 2: stop is safe to repeat
	assert.Nil(uut.Stop())

	// Case 3: handler error ends a periodic timer
	var failing int32
	assert.Nil(uut.Start(time.Millisecond*10, func() error {
		atomic.AddInt32(&failing, 1)
		return fmt.Errorf("dummy error")
	}, false))
	time.Sleep(time.Millisecond * 60)
	assert.Equal(int32(1), atomic.LoadInt32(&failing))
	assert.False(uut.Running())
}

func TestIntervalTimerRootContextCancel(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	assert.Nil(uut.Start(time.Millisecond*10, func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}, false))
	cancel()
	wg.Wait()
	assert.False(uut.Running())
}

func TestManualClock(t *testing.T) {
	assert := assert.New(t)

	start := time.Date(2022, 6, 1, 8, 0, 0, 0, time.UTC)
	clk := NewManualClock(start)
	assert.Equal(start, clk.Now())
	clk.Advance(time.Hour)
	assert.Equal(start.Add(time.Hour), clk.Now())
	clk.Set(start)
	assert.Equal(start, clk.Now())
}
