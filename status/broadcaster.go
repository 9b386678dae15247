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

package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/feedcast/common"
	"github.com/alwitt/feedcast/gate"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Payload one cooldown status update
type Payload struct {
	Cooldown      bool   `json:"cooldown"`
	Message       string `json:"message,omitempty"`
	RemainingMs   int64  `json:"remainingMs,omitempty"`
	RemainingTime string `json:"remainingTime,omitempty"`
}

// Payload messages for an open gate
const (
	MessageReady            = "Ready to feed"
	MessageCooldownFinished = "Cooldown finished"
)

// FormatRemaining render a duration as "<h>h <m>m <s>s". Hours are not wrapped at 24.
func FormatRemaining(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	total := int64(remaining / time.Second)
	return fmt.Sprintf("%dh %dm %ds", total/3600, (total/60)%60, total%60)
}

// ComputePayload derive the status payload from a gate status
func ComputePayload(current gate.Status) Payload {
	if current.CanActuate {
		msg := MessageReady
		if current.Expired {
			msg = MessageCooldownFinished
		}
		return Payload{Cooldown: false, Message: msg}
	}
	remaining := current.Remaining()
	return Payload{
		Cooldown:      true,
		RemainingMs:   remaining.Milliseconds(),
		RemainingTime: FormatRemaining(remaining),
	}
}

// StatusSource reads the current gate status
type StatusSource interface {
	Status() gate.Status
}

// PayloadSink destination for status payloads
type PayloadSink interface {
	Send(payload Payload) error
}

// SessionHandle identifies one attached observer
type SessionHandle string

// CooldownBroadcaster pushes the gate status to each attached observer on a fixed period
type CooldownBroadcaster interface {
	// Attach push one payload now, then one per period until Detach
	Attach(sink PayloadSink) (SessionHandle, error)
	// Detach stop pushing to a session. Blocks until the session's timer has stopped.
	Detach(handle SessionHandle) error
	// ActiveSessions number of attached observers
	ActiveSessions() int
}

type session struct {
	handle SessionHandle
	sink   PayloadSink
	timer  common.IntervalTimer
}

// cooldownBroadcasterImpl implements CooldownBroadcaster
type cooldownBroadcasterImpl struct {
	goutils.Component
	source      StatusSource
	period      time.Duration
	runtimeCtxt context.Context
	wg          *sync.WaitGroup
	lock        sync.Mutex
	sessions    map[SessionHandle]*session
}

/*
GetCooldownBroadcaster define a new CooldownBroadcaster

 @param rootCtxt context.Context - the runtime context. Cancelling it stops every session.
 @param source StatusSource - the gate
 @param period time.Duration - push period
 @param wg *sync.WaitGroup - wait group tracking the session timers
 @return new broadcaster
*/
func GetCooldownBroadcaster(
	rootCtxt context.Context, source StatusSource, period time.Duration, wg *sync.WaitGroup,
) (CooldownBroadcaster, error) {
	if source == nil {
		return nil, fmt.Errorf("cooldown broadcaster requires a status source")
	}
	if period <= 0 {
		return nil, fmt.Errorf("push period must be positive, got %s", period)
	}
	logTags := log.Fields{
		"module": "status", "component": "cooldown-broadcaster",
	}
	return &cooldownBroadcasterImpl{
		Component:   goutils.Component{LogTags: logTags},
		source:      source,
		period:      period,
		runtimeCtxt: rootCtxt,
		wg:          wg,
		sessions:    make(map[SessionHandle]*session),
	}, nil
}

func (b *cooldownBroadcasterImpl) push(entry *session) error {
	return entry.sink.Send(ComputePayload(b.source.Status()))
}

func (b *cooldownBroadcasterImpl) Attach(sink PayloadSink) (SessionHandle, error) {
	if sink == nil {
		return "", fmt.Errorf("no sink given")
	}
	handle := SessionHandle(uuid.New().String())
	timer, err := common.GetIntervalTimerInstance(string(handle), b.runtimeCtxt, b.wg)
	if err != nil {
		return "", err
	}
	entry := &session{handle: handle, sink: sink, timer: timer}
	logTags := log.Fields{}
	for k, v := range b.LogTags {
		logTags[k] = v
	}
	logTags["instance"] = string(handle)

	// The first payload goes out before the session exists
	if err := b.push(entry); err != nil {
		log.WithError(err).WithFields(logTags).Error("Initial status push failed")
		return "", err
	}

	b.lock.Lock()
	b.sessions[handle] = entry
	b.lock.Unlock()

	if err := timer.Start(b.period, func() error {
		if err := b.push(entry); err != nil {
			log.WithError(err).WithFields(logTags).Info("Status push failed, ending session")
			b.lock.Lock()
			delete(b.sessions, handle)
			b.lock.Unlock()
			return err
		}
		return nil
	}, false); err != nil {
		b.lock.Lock()
		delete(b.sessions, handle)
		b.lock.Unlock()
		return "", err
	}
	log.WithFields(logTags).Debug("Session attached")
	return handle, nil
}

func (b *cooldownBroadcasterImpl) Detach(handle SessionHandle) error {
	b.lock.Lock()
	entry, ok := b.sessions[handle]
	delete(b.sessions, handle)
	b.lock.Unlock()
	if !ok {
		return nil
	}
	if err := entry.timer.Stop(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to stop session %s timer", handle)
		return err
	}
	log.WithFields(b.LogTags).Debugf("Session %s detached", handle)
	return nil
}

func (b *cooldownBroadcasterImpl) ActiveSessions() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.sessions)
}
