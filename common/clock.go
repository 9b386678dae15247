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
	"sync"
	"time"
)

// Clock source of the current time
type Clock interface {
	Now() time.Time
}

// systemClock reads the wall clock
type systemClock struct{}

// Now returns time.Now()
func (systemClock) Now() time.Time {
	return time.Now()
}

// GetSystemClock get the wall clock
func GetSystemClock() Clock {
	return systemClock{}
}

// ManualClock is a Clock which only moves when told to. Used for driving cooldown
// calculations in tests.
type ManualClock struct {
	lock sync.Mutex
	now  time.Time
}

// NewManualClock define a ManualClock starting at the given time
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current time
func (c *ManualClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

// Advance move the clock forward
func (c *ManualClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

// Set move the clock to a specific time
func (c *ManualClock) Set(t time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = t
}
