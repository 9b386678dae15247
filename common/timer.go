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

package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// IntervalTimer support class for triggering events at specific intervals
type IntervalTimer interface {
	// Start begin calling the handler after each interval. If oneShot, the handler is called
	// only once. A periodic timer stops itself when the handler returns an error.
	//
	// Starting a running timer replaces the previous run.
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// Stop stop the timer and wait for its loop to exit.
	//
	// Must not be called from within the handler.
	Stop() error
	// Running whether the timer loop is active
	Running() bool
}

// timerRun one active run of the timer loop
type timerRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	goutils.Component
	rootContext context.Context
	wg          *sync.WaitGroup
	lock        sync.Mutex
	current     *timerRun
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	name string, rootCtxt context.Context, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	if rootCtxt == nil || wg == nil {
		return nil, fmt.Errorf("interval timer %s requires a context and wait group", name)
	}
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:   goutils.Component{LogTags: logTags},
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start start the interval timer
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	if handler == nil {
		return fmt.Errorf("no timeout handler given")
	}
	if !oneShot && interval <= 0 {
		return fmt.Errorf("periodic timer needs a positive interval, got %s", interval)
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.current != nil {
		t.current.cancel()
	}

	log.WithFields(t.LogTags).Debugf("Starting with int %s", interval)
	ctxt, cancel := context.WithCancel(t.rootContext)
	run := &timerRun{cancel: cancel, done: make(chan struct{})}
	t.current = run

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(run.done)
		defer cancel()
		defer log.WithFields(t.LogTags).Debug("Timer loop exiting")

		if oneShot {
			timer := time.NewTimer(interval)
			defer timer.Stop()
			select {
			case <-ctxt.Done():
			case <-timer.C:
				log.WithFields(t.LogTags).Debug("Calling handler")
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
				}
			}
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctxt.Done():
				return
			case <-ticker.C:
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Info("Handler failed, stopping timer")
					return
				}
			}
		}
	}()
	return nil
}

// Stop stop the interval timer
func (t *intervalTimerImpl) Stop() error {
	t.lock.Lock()
	run := t.current
	t.current = nil
	t.lock.Unlock()
	if run == nil {
		return nil
	}
	log.WithFields(t.LogTags).Debug("Stopping timer loop")
	run.cancel()
	<-run.done
	return nil
}

// Running whether the timer loop is active
func (t *intervalTimerImpl) Running() bool {
	t.lock.Lock()
	run := t.current
	t.lock.Unlock()
	if run == nil {
		return false
	}
	select {
	case <-run.done:
		return false
	default:
		return true
	}
}
