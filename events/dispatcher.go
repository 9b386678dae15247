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

package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/feedcast/common"
	"github.com/alwitt/feedcast/gate"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Dispatcher hands gate feed events to the publishers off the request path
type Dispatcher interface {
	// Observe queue an event. Never blocks longer than the submit timeout.
	Observe(event gate.FeedEvent)
	// Start begin publishing queued events
	Start(wg *sync.WaitGroup) error
	// Stop stop publishing
	Stop() error
}

// publishRequest queued feed event
type publishRequest struct {
	event gate.FeedEvent
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	goutils.Component
	runtimeCtxt   context.Context
	processor     common.TaskProcessor
	publishers    []Publisher
	submitTimeout time.Duration
	publishTimeout time.Duration
}

/*
GetDispatcher define a new feed event Dispatcher

 @param rootCtxt context.Context - the runtime context
 @param queueLength int - number of events buffered ahead of the publishers
 @param submitTimeout time.Duration - how long Observe waits for queue space before dropping
 @param publishers []Publisher - the publishers
 @return new dispatcher
*/
func GetDispatcher(
	rootCtxt context.Context,
	queueLength int,
	submitTimeout time.Duration,
	publishers []Publisher,
) (Dispatcher, error) {
	if len(publishers) == 0 {
		return nil, fmt.Errorf("dispatcher requires at least one publisher")
	}
	processor, err := common.GetNewTaskProcessorInstance("feed-events", queueLength, rootCtxt)
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "events", "component": "dispatcher",
	}
	instance := &dispatcherImpl{
		Component:     goutils.Component{LogTags: logTags},
		runtimeCtxt:   rootCtxt,
		processor:     processor,
		publishers:    publishers,
		submitTimeout: submitTimeout,
		publishTimeout: time.Second * 5,
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(publishRequest{}), instance.processPublishRequest,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

func (d *dispatcherImpl) Observe(event gate.FeedEvent) {
	ctxt, cancel := context.WithTimeout(d.runtimeCtxt, d.submitTimeout)
	defer cancel()
	if err := d.processor.Submit(ctxt, publishRequest{event: event}); err != nil {
		log.WithError(err).WithFields(d.LogTags).Warnf("Dropped %s event", event.Kind)
	}
}

func (d *dispatcherImpl) processPublishRequest(param interface{}) error {
	request, ok := param.(publishRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	var lastErr error
	for _, publisher := range d.publishers {
		ctxt, cancel := context.WithTimeout(d.runtimeCtxt, d.publishTimeout)
		err := publisher.Publish(ctxt, request.event)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Failed to publish %s event via %s", request.event.Kind, publisher.Name(),
			)
			lastErr = err
			continue
		}
		log.WithFields(d.LogTags).Debugf(
			"Published %s event via %s", request.event.Kind, publisher.Name(),
		)
	}
	return lastErr
}

func (d *dispatcherImpl) Start(wg *sync.WaitGroup) error {
	return d.processor.StartEventLoop(wg)
}

func (d *dispatcherImpl) Stop() error {
	return d.processor.StopEventLoop()
}
