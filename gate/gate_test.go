package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/feedcast/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockActuator struct {
	mock.Mock
}

func (m *mockActuator) SetActive(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockActuator) SetRest(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newWorkingActuator() *mockActuator {
	actuator := &mockActuator{}
	actuator.On("SetActive", mock.Anything).Return(nil)
	actuator.On("SetRest", mock.Anything).Return(nil)
	return actuator
}

type eventCollector struct {
	lock   sync.Mutex
	events []FeedEvent
}

func (c *eventCollector) observe(event FeedEvent) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.events = append(c.events, event)
}

func (c *eventCollector) kinds() []FeedEventKind {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := []FeedEventKind{}
	for _, event := range c.events {
		result = append(result, event.Kind)
	}
	return result
}

func TestGateParamValidation(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	clock := common.NewManualClock(time.Now())
	_, err := GetActuationGate(ctxt, GateParams{
		Clock: clock, Cooldown: time.Hour, CallTimeout: time.Second,
	}, &wg)
	assert.NotNil(err)
	_, err = GetActuationGate(ctxt, GateParams{
		Actuator: newWorkingActuator(), Clock: clock, CallTimeout: time.Second,
	}, &wg)
	assert.NotNil(err)
	_, err = GetActuationGate(ctxt, GateParams{
		Actuator: newWorkingActuator(), Clock: clock, Cooldown: time.Hour,
	}, &wg)
	assert.NotNil(err)
}

func TestGateCooldownWindow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	start := time.Date(2022, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := common.NewManualClock(start)
	actuator := newWorkingActuator()
	uut, err := GetActuationGate(ctxt, GateParams{
		Actuator:    actuator,
		Clock:       clock,
		Cooldown:    time.Hour * 2,
		Settle:      time.Millisecond * 5,
		CallTimeout: time.Second,
	}, &wg)
	assert.Nil(err)
	collector := &eventCollector{}
	uut.AddObserver(collector.observe)

	// Case 0: gate starts open
	{
		status := uut.Status()
		assert.True(status.CanActuate)
		assert.Nil(status.LastActuationTime)
		assert.Nil(status.NextAvailableAt)
	}

	// Case 1: feed at t=0
	receipt, err := uut.TryFeed(ContextWithRequestID(context.Background(), "req-1"))
	assert.Nil(err)
	assert.Equal(start, receipt.Timestamp)
	assert.Equal(start.Add(time.Hour*2), receipt.NextAvailableAt)
	actuator.AssertNumberOfCalls(t, "SetActive", 1)
	actuator.AssertNumberOfCalls(t, "SetRest", 1)

	// Case 2: feed at t=1s is rejected
	clock.Advance(time.Second)
	{
		_, err := uut.TryFeed(context.Background())
		assert.NotNil(err)
		var cooldown *CooldownActiveError
		assert.True(errors.As(err, &cooldown))
		assert.Equal(start, cooldown.LastActuationTime)
		assert.Equal(start.Add(time.Second*7200), cooldown.NextAvailableAt)
		assert.Equal(time.Second*7199, cooldown.RetryAfter)
		actuator.AssertNumberOfCalls(t, "SetActive", 1)
	}

	// Case 3: status at t=3600s
	clock.Set(start.Add(time.Second * 3600))
	{
		status := uut.Status()
		assert.False(status.CanActuate)
		assert.NotNil(status.LastActuationTime)
		assert.Equal(start, *status.LastActuationTime)
		assert.Equal(time.Millisecond*3600000, status.Remaining())
		assert.False(status.Expired)
	}

	// Case 4: one instant before the window closes
	clock.Set(start.Add(time.Hour*2 - time.Millisecond))
	assert.False(uut.Status().CanActuate)

	// Case 5: status at t=7201s flips the gate through lazy expiry
	clock.Set(start.Add(time.Second * 7201))
	{
		status := uut.Status()
		assert.True(status.CanActuate)
		assert.True(status.Expired)
		assert.Equal(start, *status.LastActuationTime)
		assert.Nil(status.NextAvailableAt)
		assert.Equal(time.Duration(0), status.Remaining())
		// Idempotent
		status = uut.Status()
		assert.True(status.CanActuate)
		assert.False(status.Expired)
	}

	assert.Equal(
		[]FeedEventKind{FeedAccepted, FeedRejected, FeedCooldownExpired}, collector.kinds(),
	)
	collector.lock.Lock()
	assert.Equal("req-1", collector.events[0].RequestID)
	collector.lock.Unlock()

	// Case 6: a new feed is accepted
	{
		receipt, err := uut.TryFeed(context.Background())
		assert.Nil(err)
		assert.Equal(start.Add(time.Second*7201), receipt.Timestamp)
	}
	assert.Nil(uut.Stop())
}

func TestGateConcurrentFeeds(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	clock := common.NewManualClock(time.Now())
	actuator := newWorkingActuator()
	uut, err := GetActuationGate(ctxt, GateParams{
		Actuator:    actuator,
		Clock:       clock,
		Cooldown:    time.Hour * 2,
		Settle:      time.Millisecond * 50,
		CallTimeout: time.Second,
	}, &wg)
	assert.Nil(err)

	callers := 32
	results := make([]error, callers)
	startLine := make(chan struct{})
	feeders := sync.WaitGroup{}
	for itr := 0; itr < callers; itr++ {
		feeders.Add(1)
		go func(idx int) {
			defer feeders.Done()
			<-startLine
			_, results[idx] = uut.TryFeed(context.Background())
		}(itr)
	}
	close(startLine)
	feeders.Wait()

	accepted := 0
	now := clock.Now()
	for _, err := range results {
		if err == nil {
			accepted++
			continue
		}
		var cooldown *CooldownActiveError
		assert.True(errors.As(err, &cooldown))
		assert.False(cooldown.NextAvailableAt.Before(now))
	}
	assert.Equal(1, accepted)
	actuator.AssertNumberOfCalls(t, "SetActive", 1)
	actuator.AssertNumberOfCalls(t, "SetRest", 1)
}

func TestGateActuatorFailure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	clock := common.NewManualClock(time.Now())

	// Case 0: set-active fails, set-rest is never attempted
	{
		actuator := &mockActuator{}
		actuator.On("SetActive", mock.Anything).Return(fmt.Errorf("dummy error"))
		uut, err := GetActuationGate(ctxt, GateParams{
			Actuator: actuator, Clock: clock, Cooldown: time.Hour, CallTimeout: time.Second,
		}, &wg)
		assert.Nil(err)
		collector := &eventCollector{}
		uut.AddObserver(collector.observe)

		_, err = uut.TryFeed(context.Background())
		assert.NotNil(err)
		var callErr *ActuatorCallError
		assert.True(errors.As(err, &callErr))
		assert.Equal("set-active", callErr.Step)
		assert.EqualError(errors.Unwrap(err), "dummy error")
		actuator.AssertNotCalled(t, "SetRest", mock.Anything)

		status := uut.Status()
		assert.True(status.CanActuate)
		assert.Nil(status.LastActuationTime)
		assert.Equal([]FeedEventKind{FeedFailed}, collector.kinds())
	}

	// Case 1: set-rest fails, the gate reopens and the next feed goes through
	{
		actuator := &mockActuator{}
		actuator.On("SetActive", mock.Anything).Return(nil)
		actuator.On("SetRest", mock.Anything).Return(fmt.Errorf("dummy error")).Once()
		actuator.On("SetRest", mock.Anything).Return(nil)
		uut, err := GetActuationGate(ctxt, GateParams{
			Actuator: actuator, Clock: clock, Cooldown: time.Hour, CallTimeout: time.Second,
		}, &wg)
		assert.Nil(err)

		_, err = uut.TryFeed(context.Background())
		var callErr *ActuatorCallError
		assert.True(errors.As(err, &callErr))
		assert.Equal("set-rest", callErr.Step)
		assert.True(uut.Status().CanActuate)

		_, err = uut.TryFeed(context.Background())
		assert.Nil(err)
		assert.False(uut.Status().CanActuate)
	}
}

func TestGateCallTimeout(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	actuator := &mockActuator{}
	actuator.On("SetActive", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		callCtxt := args.Get(0).(context.Context)
		<-callCtxt.Done()
	})
	uut, err := GetActuationGate(ctxt, GateParams{
		Actuator:    &timeoutAware{actuator},
		Clock:       common.GetSystemClock(),
		Cooldown:    time.Hour,
		CallTimeout: time.Millisecond * 50,
	}, &wg)
	assert.Nil(err)

	began := time.Now()
	_, err = uut.TryFeed(context.Background())
	assert.NotNil(err)
	assert.True(errors.Is(err, context.DeadlineExceeded))
	assert.Less(time.Since(began), time.Second)
	assert.True(uut.Status().CanActuate)
}

// timeoutAware reports the call context error the way an HTTP client would
type timeoutAware struct {
	*mockActuator
}

func (a *timeoutAware) SetActive(ctx context.Context) error {
	if err := a.mockActuator.SetActive(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func TestGateCallerContext(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	actuator := newWorkingActuator()
	uut, err := GetActuationGate(ctxt, GateParams{
		Actuator:    actuator,
		Clock:       common.NewManualClock(time.Now()),
		Cooldown:    time.Hour,
		Settle:      time.Millisecond * 100,
		CallTimeout: time.Second,
	}, &wg)
	assert.Nil(err)

	// Case 0: caller already gone
	{
		callerCtxt, callerCancel := context.WithCancel(context.Background())
		callerCancel()
		_, err := uut.TryFeed(callerCtxt)
		assert.NotNil(err)
		actuator.AssertNotCalled(t, "SetActive", mock.Anything)
		assert.True(uut.Status().CanActuate)
	}

	// Case 1: caller leaves mid-sequence, the actuator still returns to rest
	{
		callerCtxt, callerCancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(time.Millisecond * 20)
			callerCancel()
		}()
		_, err := uut.TryFeed(callerCtxt)
		assert.Nil(err)
		actuator.AssertNumberOfCalls(t, "SetRest", 1)
	}
}

func TestGateExpiryTimer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	// The clock never moves so only the timer can reopen the gate
	clock := common.NewManualClock(time.Now())
	uut, err := GetActuationGate(ctxt, GateParams{
		Actuator:    newWorkingActuator(),
		Clock:       clock,
		Cooldown:    time.Millisecond * 100,
		CallTimeout: time.Second,
	}, &wg)
	assert.Nil(err)
	collector := &eventCollector{}
	uut.AddObserver(collector.observe)

	_, err = uut.TryFeed(context.Background())
	assert.Nil(err)
	assert.False(uut.Status().CanActuate)
	assert.Eventually(func() bool {
		return uut.Status().CanActuate
	}, time.Second, time.Millisecond*10)
	status := uut.Status()
	assert.NotNil(status.LastActuationTime)
	assert.Equal(clock.Now(), *status.LastActuationTime)
	assert.Equal([]FeedEventKind{FeedAccepted, FeedCooldownExpired}, collector.kinds())
}

func TestGateStaleExpiryIgnored(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	start := time.Now()
	clock := common.NewManualClock(start)
	cooldown := time.Millisecond * 400
	uut, err := GetActuationGate(ctxt, GateParams{
		Actuator:    newWorkingActuator(),
		Clock:       clock,
		Cooldown:    cooldown,
		CallTimeout: time.Second,
	}, &wg)
	assert.Nil(err)

	// First feed arms a timer for 400ms of wall time
	_, err = uut.TryFeed(context.Background())
	assert.Nil(err)

	// Lazy expiry reopens early, then a second feed closes the gate again
	time.Sleep(time.Millisecond * 200)
	clock.Advance(cooldown)
	assert.True(uut.Status().CanActuate)
	_, err = uut.TryFeed(context.Background())
	assert.Nil(err)

	// Past the first timer's deadline the gate must still be closed
	time.Sleep(time.Millisecond * 300)
	assert.False(uut.Status().CanActuate)

	assert.Eventually(func() bool {
		return uut.Status().CanActuate
	}, time.Second, time.Millisecond*10)
}
