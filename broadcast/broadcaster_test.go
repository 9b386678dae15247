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
	"testing"

	"github.com/alwitt/feedcast/upstream"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// fakeSource implements ChunkSource
type fakeSource struct {
	lock      sync.Mutex
	state     upstream.State
	handler   upstream.ChunkHandler
	connectRq int32
}

func (s *fakeSource) EnsureConnected() {
	atomic.AddInt32(&s.connectRq, 1)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state = upstream.Connected
}

func (s *fakeSource) State() upstream.State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *fakeSource) SetChunkHandler(handler upstream.ChunkHandler) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.handler = handler
}

func (s *fakeSource) setState(state upstream.State) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.state = state
}

func (s *fakeSource) emit(chunk []byte) {
	s.lock.Lock()
	handler := s.handler
	s.lock.Unlock()
	handler(chunk)
}

// recordingSink keeps every chunk written to it
type recordingSink struct {
	lock   sync.Mutex
	chunks []string
	fail   bool
}

func (s *recordingSink) Write(chunk []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.fail {
		return fmt.Errorf("dummy write failure")
	}
	s.chunks = append(s.chunks, string(chunk))
	return nil
}

func (s *recordingSink) received() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]string{}, s.chunks...)
}

func chunkName(idx int) []byte {
	return []byte(fmt.Sprintf("chunk-%03d", idx))
}

func TestBroadcasterFanOut(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := &fakeSource{}
	uut, err := GetStreamBroadcaster(source, nil)
	assert.Nil(err)
	assert.NotNil(source.handler)

	// Case 0: invalid sink
	{
		_, err := uut.Subscribe(nil)
		assert.NotNil(err)
	}

	// Case 1: first subscriber starts the upstream
	sink1 := &recordingSink{}
	handle1, err := uut.Subscribe(sink1)
	assert.Nil(err)
	assert.Equal(int32(1), atomic.LoadInt32(&source.connectRq))

	// Case 2: later subscribers reuse the connection
	sink2 := &recordingSink{}
	handle2, err := uut.Subscribe(sink2)
	assert.Nil(err)
	assert.NotEqual(handle1, handle2)
	assert.Equal(int32(1), atomic.LoadInt32(&source.connectRq))
	assert.Equal(2, uut.SubscriberCount())

	for itr := 0; itr < 5; itr++ {
		source.emit(chunkName(itr))
	}

	// Case 3: a mid-stream joiner only sees later chunks
	sink3 := &recordingSink{}
	handle3, err := uut.Subscribe(sink3)
	assert.Nil(err)
	for itr := 5; itr < 10; itr++ {
		source.emit(chunkName(itr))
	}

	all := []string{}
	for itr := 0; itr < 10; itr++ {
		all = append(all, string(chunkName(itr)))
	}
	assert.Equal(all, sink1.received())
	assert.Equal(all, sink2.received())
	assert.Equal(all[5:], sink3.received())

	// Case 4: leaving does not disturb the others
	uut.Unsubscribe(handle2)
	uut.Unsubscribe(handle2)
	source.emit(chunkName(10))
	assert.Equal(append(all, string(chunkName(10))), sink1.received())
	assert.Equal(all, sink2.received())
	assert.Equal(append(all[5:], string(chunkName(10))), sink3.received())
	assert.Equal(2, uut.SubscriberCount())

	// Case 5: unknown handles are ignored
	uut.Unsubscribe(SubscriberHandle("unknown"))
	uut.Unsubscribe(handle1)
	uut.Unsubscribe(handle3)
	assert.Equal(0, uut.SubscriberCount())
}

func TestBroadcasterDropsFailedSink(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	source := &fakeSource{}
	uut, err := GetStreamBroadcaster(source, nil)
	assert.Nil(err)

	good := &recordingSink{}
	bad := &recordingSink{}
	_, err = uut.Subscribe(good)
	assert.Nil(err)
	_, err = uut.Subscribe(bad)
	assert.Nil(err)

	source.emit(chunkName(0))
	bad.lock.Lock()
	bad.fail = true
	bad.lock.Unlock()
	source.emit(chunkName(1))
	source.emit(chunkName(2))

	assert.Equal(1, uut.SubscriberCount())
	assert.Equal(
		[]string{string(chunkName(0)), string(chunkName(1)), string(chunkName(2))},
		good.received(),
	)
	assert.Equal([]string{string(chunkName(0))}, bad.received())
}

func TestBroadcasterReconnectKeepsSubscribers(t *testing.T) {
	assert := assert.New(t)

	source := &fakeSource{}
	uut, err := GetStreamBroadcaster(source, nil)
	assert.Nil(err)

	sinks := []*recordingSink{{}, {}, {}}
	for _, sink := range sinks {
		_, err := uut.Subscribe(sink)
		assert.Nil(err)
	}
	source.emit(chunkName(0))

	// Upstream drops and comes back on its own
	source.setState(upstream.Disconnected)
	source.setState(upstream.Connected)
	source.emit(chunkName(1))

	assert.Equal(3, uut.SubscriberCount())
	for _, sink := range sinks {
		assert.Equal([]string{string(chunkName(0)), string(chunkName(1))}, sink.received())
	}
}

func TestBroadcasterConcurrentChurn(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	source := &fakeSource{}
	uut, err := GetStreamBroadcaster(source, nil)
	assert.Nil(err)

	stable := &recordingSink{}
	_, err = uut.Subscribe(stable)
	assert.Nil(err)

	stop := make(chan struct{})
	churn := sync.WaitGroup{}
	churnSinks := make([]*recordingSink, 8)
	for itr := range churnSinks {
		churnSinks[itr] = &recordingSink{}
		churn.Add(1)
		go func(sink *recordingSink) {
			defer churn.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				handle, err := uut.Subscribe(sink)
				if err != nil {
					return
				}
				uut.Unsubscribe(handle)
			}
		}(churnSinks[itr])
	}

	total := 500
	for itr := 0; itr < total; itr++ {
		source.emit(chunkName(itr))
	}
	close(stop)
	churn.Wait()

	// The stable viewer sees everything, in order, once
	received := stable.received()
	assert.Len(received, total)
	for itr, chunk := range received {
		assert.Equal(string(chunkName(itr)), chunk)
	}
	// Churning viewers only ever see increasing chunks, never a duplicate
	for _, sink := range churnSinks {
		prev := ""
		for _, chunk := range sink.received() {
			assert.Greater(chunk, prev)
			prev = chunk
		}
	}
	assert.Equal(1, uut.SubscriberCount())
}

func TestQueuedSink(t *testing.T) {
	assert := assert.New(t)

	_, err := NewQueuedSink(0)
	assert.NotNil(err)

	uut, err := NewQueuedSink(2)
	assert.Nil(err)

	// Case 1: queue within capacity
	assert.Nil(uut.Write(chunkName(0)))
	assert.Nil(uut.Write(chunkName(1)))
	assert.Nil(uut.Err())
	assert.Equal(chunkName(0), <-uut.Chunks())

	// Case 2: overflow closes the sink
	assert.Nil(uut.Write(chunkName(2)))
	err = uut.Write(chunkName(3))
	assert.NotNil(err)
	assert.True(errors.Is(err, ErrSinkClosed))
	select {
	case <-uut.Done():
	default:
		assert.Fail("sink should be closed")
	}
	assert.True(errors.Is(uut.Write(chunkName(4)), ErrSinkClosed))

	// Case 3: close is idempotent
	other, err := NewQueuedSink(1)
	assert.Nil(err)
	other.Close()
	other.Close()
	assert.True(errors.Is(other.Err(), ErrSinkClosed))
}
