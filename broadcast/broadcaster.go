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

package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alwitt/feedcast/upstream"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// ErrSinkClosed a sink can no longer accept chunks
var ErrSinkClosed = errors.New("sink closed")

// ChunkSink destination for camera chunks, typically one viewer's connection.
//
// Write is called from the upstream read loop, so it must not block.
type ChunkSink interface {
	Write(chunk []byte) error
}

// SubscriberHandle identifies one registered sink
type SubscriberHandle string

// ChunkSource the upstream the broadcaster fans out
type ChunkSource interface {
	EnsureConnected()
	State() upstream.State
	SetChunkHandler(handler upstream.ChunkHandler)
}

// Recorder records broadcaster activity
type Recorder interface {
	// RecordSubscribers the number of registered sinks changed
	RecordSubscribers(count int)
	// RecordDelivery a chunk was delivered to some number of sinks
	RecordDelivery(sinks int, size int)
	// RecordSinkFailure a sink failed and was removed
	RecordSinkFailure()
}

// StreamBroadcaster fans out camera chunks to every subscribed sink
type StreamBroadcaster interface {
	// Subscribe register a sink. Starts the upstream connection if needed.
	Subscribe(sink ChunkSink) (SubscriberHandle, error)
	// Unsubscribe remove a sink. Safe to call more than once.
	Unsubscribe(handle SubscriberHandle)
	// OnChunk deliver a chunk to every registered sink
	OnChunk(data []byte)
	// SubscriberCount number of registered sinks
	SubscriberCount() int
}

// subscriber one registered sink
type subscriber struct {
	handle SubscriberHandle
	sink   ChunkSink
	alive  int32
}

// streamBroadcasterImpl implements StreamBroadcaster
type streamBroadcasterImpl struct {
	goutils.Component
	source      ChunkSource
	recorder    Recorder
	lock        sync.RWMutex
	subscribers map[SubscriberHandle]*subscriber
}

// GetStreamBroadcaster define a new StreamBroadcaster and attach it to the source
func GetStreamBroadcaster(source ChunkSource, recorder Recorder) (StreamBroadcaster, error) {
	if source == nil {
		return nil, fmt.Errorf("broadcaster requires a chunk source")
	}
	logTags := log.Fields{
		"module": "broadcast", "component": "stream-broadcaster",
	}
	instance := &streamBroadcasterImpl{
		Component:   goutils.Component{LogTags: logTags},
		source:      source,
		recorder:    recorder,
		subscribers: make(map[SubscriberHandle]*subscriber),
	}
	source.SetChunkHandler(instance.OnChunk)
	return instance, nil
}

// Subscribe register a sink
func (b *streamBroadcasterImpl) Subscribe(sink ChunkSink) (SubscriberHandle, error) {
	if sink == nil {
		return "", fmt.Errorf("no sink given")
	}
	entry := &subscriber{
		handle: SubscriberHandle(uuid.New().String()), sink: sink, alive: 1,
	}
	b.lock.Lock()
	b.subscribers[entry.handle] = entry
	count := len(b.subscribers)
	b.lock.Unlock()

	log.WithFields(b.LogTags).Debugf("Subscribed %s (%d total)", entry.handle, count)
	if b.recorder != nil {
		b.recorder.RecordSubscribers(count)
	}
	if b.source.State() != upstream.Connected {
		b.source.EnsureConnected()
	}
	return entry.handle, nil
}

// Unsubscribe remove a sink
func (b *streamBroadcasterImpl) Unsubscribe(handle SubscriberHandle) {
	b.lock.Lock()
	entry, ok := b.subscribers[handle]
	if ok {
		atomic.StoreInt32(&entry.alive, 0)
		delete(b.subscribers, handle)
	}
	count := len(b.subscribers)
	b.lock.Unlock()
	if !ok {
		return
	}
	log.WithFields(b.LogTags).Debugf("Unsubscribed %s (%d total)", handle, count)
	if b.recorder != nil {
		b.recorder.RecordSubscribers(count)
	}
}

// OnChunk deliver a chunk to every registered sink
func (b *streamBroadcasterImpl) OnChunk(data []byte) {
	var failed []SubscriberHandle
	delivered := 0

	// Unsubscribe waits on the write lock, so no sink is written to after it returns
	b.lock.RLock()
	for handle, entry := range b.subscribers {
		if atomic.LoadInt32(&entry.alive) == 0 {
			continue
		}
		if err := entry.sink.Write(data); err != nil {
			log.WithError(err).WithFields(b.LogTags).Infof("Dropping subscriber %s", handle)
			atomic.StoreInt32(&entry.alive, 0)
			failed = append(failed, handle)
			continue
		}
		delivered++
	}
	b.lock.RUnlock()

	if b.recorder != nil {
		b.recorder.RecordDelivery(delivered, len(data))
	}
	for _, handle := range failed {
		if b.recorder != nil {
			b.recorder.RecordSinkFailure()
		}
		b.Unsubscribe(handle)
	}
}

// SubscriberCount number of registered sinks
func (b *streamBroadcasterImpl) SubscriberCount() int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.subscribers)
}
