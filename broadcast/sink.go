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
	"fmt"
	"sync"
)

// QueuedSink is a ChunkSink backed by a bounded queue. A reader drains Chunks() and
// writes them out at its own pace. When the reader falls behind by more than the
// queue length the sink fails and Done() closes.
type QueuedSink struct {
	lock   sync.Mutex
	queue  chan []byte
	done   chan struct{}
	closed bool
	reason error
}

// NewQueuedSink define a new QueuedSink holding up to length chunks
func NewQueuedSink(length int) (*QueuedSink, error) {
	if length < 1 {
		return nil, fmt.Errorf("sink queue length must be positive, got %d", length)
	}
	return &QueuedSink{
		queue: make(chan []byte, length),
		done:  make(chan struct{}),
	}, nil
}

// Write queue a chunk without blocking
func (s *QueuedSink) Write(chunk []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- chunk:
		return nil
	default:
		s.closeLocked(fmt.Errorf("viewer fell %d chunks behind: %w", cap(s.queue), ErrSinkClosed))
		return s.reason
	}
}

// Chunks the queued chunks, in write order
func (s *QueuedSink) Chunks() <-chan []byte {
	return s.queue
}

// Done closed once the sink stops accepting chunks
func (s *QueuedSink) Done() <-chan struct{} {
	return s.done
}

// Err why the sink closed, nil while open
func (s *QueuedSink) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.reason
}

// Close stop accepting chunks
func (s *QueuedSink) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closeLocked(ErrSinkClosed)
}

func (s *QueuedSink) closeLocked(reason error) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	close(s.done)
}
