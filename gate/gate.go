// Copyright 2022 The feedcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/feedcast/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Actuator the remote control API for the feeder
type Actuator interface {
	// SetActive move the actuator to its active position
	SetActive(ctx context.Context) error
	// SetRest return the actuator to its rest position
	SetRest(ctx context.Context) error
}

// GateState whether the actuator may fire
type GateState int

// Gate states
const (
	Open GateState = iota
	Closed
)

func (s GateState) String() string {
	if s == Closed {
		return "closed"
	}
	return "open"
}

// Status point-in-time view of the gate
type Status struct {
	// CanActuate whether a feed would be accepted now
	CanActuate bool
	// LastActuationTime start of the last successful (or in-flight) actuation
	LastActuationTime *time.Time
	// NextAvailableAt when the cooldown ends. Nil when the gate is open.
	NextAvailableAt *time.Time
	// ObservedAt clock reading used for this status
	ObservedAt time.Time
	// Expired whether this read flipped the gate open through lazy expiry
	Expired bool
}

// Remaining time left in the cooldown window
func (s Status) Remaining() time.Duration {
	if s.CanActuate || s.NextAvailableAt == nil {
		return 0
	}
	remain := s.NextAvailableAt.Sub(s.ObservedAt)
	if remain < 0 {
		return 0
	}
	return remain
}

// FeedReceipt result of a successful feed
type FeedReceipt struct {
	Timestamp       time.Time
	NextAvailableAt time.Time
}

// CooldownActiveError the gate is closed
type CooldownActiveError struct {
	LastActuationTime time.Time
	NextAvailableAt   time.Time
	RetryAfter        time.Duration
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf(
		"cooldown active since %s, retry after %s", e.LastActuationTime.Format(time.RFC3339), e.RetryAfter,
	)
}

// ActuatorCallError a call to the actuator control API failed
type ActuatorCallError struct {
	Step string
	Err  error
}

func (e *ActuatorCallError) Error() string {
	return fmt.Sprintf("actuator %s call failed: %s", e.Step, e.Err.Error())
}

func (e *ActuatorCallError) Unwrap() error {
	return e.Err
}

// ActuationGate enforces at most one actuation per cooldown window
type ActuationGate interface {
	/*
		TryFeed run the actuation sequence if the gate is open

		 @param ctxt context.Context - the caller context. Only consulted before the gate is
		 closed; once closed the sequence runs to completion on the gate's own context.
		 @return receipt on success, *CooldownActiveError or *ActuatorCallError otherwise
	*/
	TryFeed(ctxt context.Context) (FeedReceipt, error)
	// Status read the gate state, flipping it open if the cooldown has already elapsed
	Status() Status
	// Cooldown the configured cooldown window
	Cooldown() time.Duration
	// AddObserver register a handler for feed outcomes
	AddObserver(observer FeedObserver)
	// Stop cancel the pending expiry timer
	Stop() error
}

// GateParams construction parameters for an ActuationGate
type GateParams struct {
	Actuator    Actuator      `validate:"required"`
	Clock       common.Clock  `validate:"required"`
	Cooldown    time.Duration `validate:"gt=0"`
	Settle      time.Duration `validate:"gte=0"`
	CallTimeout time.Duration `validate:"gt=0"`
}

// actuationGateImpl implements ActuationGate
type actuationGateImpl struct {
	goutils.Component
	GateParams
	runtimeCtxt context.Context
	expiry      common.IntervalTimer

	lock      sync.Mutex
	state     GateState
	lastFeed  *time.Time
	inFlight  bool
	observers []FeedObserver
}

/*
GetActuationGate define a new ActuationGate

 @param rootCtxt context.Context - the runtime context. The actuation sequence runs on it.
 @param params GateParams - gate parameters
 @param wg *sync.WaitGroup - wait group tracking the expiry timer
 @return new gate
*/
func GetActuationGate(
	rootCtxt context.Context, params GateParams, wg *sync.WaitGroup,
) (ActuationGate, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	expiry, err := common.GetIntervalTimerInstance("cooldown-expiry", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "gate", "component": "actuation-gate",
	}
	return &actuationGateImpl{
		Component:   goutils.Component{LogTags: logTags},
		GateParams:  params,
		runtimeCtxt: rootCtxt,
		expiry:      expiry,
		state:       Open,
	}, nil
}

func (g *actuationGateImpl) Cooldown() time.Duration {
	return g.GateParams.Cooldown
}

func (g *actuationGateImpl) AddObserver(observer FeedObserver) {
	if observer == nil {
		return
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	g.observers = append(g.observers, observer)
}

func (g *actuationGateImpl) notify(event FeedEvent) {
	g.lock.Lock()
	observers := make([]FeedObserver, len(g.observers))
	copy(observers, g.observers)
	g.lock.Unlock()
	for _, observer := range observers {
		observer(event)
	}
}

// expireIfElapsedLocked open the gate if the cooldown has passed. Caller holds the lock.
func (g *actuationGateImpl) expireIfElapsedLocked(now time.Time) bool {
	// An in-flight actuation has not armed a cooldown yet
	if g.state != Closed || g.lastFeed == nil || g.inFlight {
		return false
	}
	if now.Before(g.lastFeed.Add(g.GateParams.Cooldown)) {
		return false
	}
	g.state = Open
	return true
}

func (g *actuationGateImpl) TryFeed(ctxt context.Context) (FeedReceipt, error) {
	if err := ctxt.Err(); err != nil {
		return FeedReceipt{}, err
	}
	logTags := g.GetLogTagsForContext(ctxt)
	requestID := RequestIDFromContext(ctxt)

	g.lock.Lock()
	now := g.Clock.Now()
	expired := g.expireIfElapsedLocked(now)
	if g.state == Closed {
		last := *g.lastFeed
		next := last.Add(g.GateParams.Cooldown)
		g.lock.Unlock()
		rejection := &CooldownActiveError{
			LastActuationTime: last, NextAvailableAt: next, RetryAfter: next.Sub(now),
		}
		log.WithFields(logTags).Infof("Feed rejected, cooldown until %s", next.Format(time.RFC3339))
		g.notify(FeedEvent{
			Kind:            FeedRejected,
			RequestID:       requestID,
			Timestamp:       now,
			NextAvailableAt: &next,
		})
		return FeedReceipt{}, rejection
	}
	g.state = Closed
	g.inFlight = true
	started := now
	g.lastFeed = &started
	g.lock.Unlock()

	if expired {
		g.notify(FeedEvent{Kind: FeedCooldownExpired, Timestamp: now})
	}

	log.WithFields(logTags).Infof("Starting feed sequence at %s", started.Format(time.RFC3339))
	if err := g.runSequence(); err != nil {
		g.lock.Lock()
		g.state = Open
		g.inFlight = false
		g.lastFeed = nil
		g.lock.Unlock()
		log.WithError(err).WithFields(logTags).Error("Feed sequence failed, gate reopened")
		g.notify(FeedEvent{
			Kind:      FeedFailed,
			RequestID: requestID,
			Timestamp: g.Clock.Now(),
			Detail:    err.Error(),
		})
		return FeedReceipt{}, err
	}

	g.lock.Lock()
	g.inFlight = false
	g.lock.Unlock()
	next := started.Add(g.GateParams.Cooldown)
	if err := g.armExpiry(started); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to arm cooldown expiry timer")
	}
	log.WithFields(logTags).Infof("Feed complete, cooldown until %s", next.Format(time.RFC3339))
	g.notify(FeedEvent{
		Kind:            FeedAccepted,
		RequestID:       requestID,
		Timestamp:       started,
		NextAvailableAt: &next,
	})
	return FeedReceipt{Timestamp: started, NextAvailableAt: next}, nil
}

// runSequence set-active, settle, set-rest
func (g *actuationGateImpl) runSequence() error {
	if err := g.callActuator("set-active", g.Actuator.SetActive); err != nil {
		return err
	}
	if g.Settle > 0 {
		settle := time.NewTimer(g.Settle)
		defer settle.Stop()
		select {
		case <-settle.C:
		case <-g.runtimeCtxt.Done():
			// Still return the actuator to rest during shutdown
		}
	}
	return g.callActuator("set-rest", g.Actuator.SetRest)
}

func (g *actuationGateImpl) callActuator(
	step string, call func(ctx context.Context) error,
) error {
	// Detached from the runtime context so set-rest still goes out during shutdown
	callCtxt, cancel := context.WithTimeout(context.Background(), g.CallTimeout)
	defer cancel()
	if err := call(callCtxt); err != nil {
		return &ActuatorCallError{Step: step, Err: err}
	}
	log.WithFields(g.LogTags).Debugf("Actuator %s OK", step)
	return nil
}

// armExpiry schedule the gate to reopen once the cooldown from armedAt ends
func (g *actuationGateImpl) armExpiry(armedAt time.Time) error {
	wait := armedAt.Add(g.GateParams.Cooldown).Sub(g.Clock.Now())
	if wait < 0 {
		wait = 0
	}
	return g.expiry.Start(wait, func() error {
		g.lock.Lock()
		// A later feed re-closed the gate. That feed owns the expiry.
		if g.state != Closed || g.lastFeed == nil || !g.lastFeed.Equal(armedAt) {
			g.lock.Unlock()
			return nil
		}
		g.state = Open
		g.lock.Unlock()
		log.WithFields(g.LogTags).Info("Cooldown finished")
		g.notify(FeedEvent{Kind: FeedCooldownExpired, Timestamp: g.Clock.Now()})
		return nil
	}, true)
}

func (g *actuationGateImpl) Status() Status {
	g.lock.Lock()
	now := g.Clock.Now()
	expired := g.expireIfElapsedLocked(now)
	result := Status{CanActuate: g.state == Open, ObservedAt: now, Expired: expired}
	if g.lastFeed != nil {
		last := *g.lastFeed
		result.LastActuationTime = &last
		if g.state == Closed {
			next := last.Add(g.GateParams.Cooldown)
			result.NextAvailableAt = &next
		}
	}
	g.lock.Unlock()

	if expired {
		log.WithFields(g.LogTags).Info("Cooldown finished (observed on read)")
		g.notify(FeedEvent{Kind: FeedCooldownExpired, Timestamp: now})
	}
	return result
}

func (g *actuationGateImpl) Stop() error {
	return g.expiry.Stop()
}
