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

package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/feedcast/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// State connection state of the upstream camera stream
type State int

const (
	// Disconnected no connection to the camera, or a retry is pending
	Disconnected State = iota
	// Connecting a connection attempt is in flight
	Connecting
	// Connected the camera stream is being read
	Connected
)

// String toString for State
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ChunkHandler receives each chunk read from the camera, in arrival order.
//
// The chunk is owned by the handler.
type ChunkHandler func(chunk []byte)

// Recorder records connector activity
type Recorder interface {
	// RecordState a state transition occurred
	RecordState(state State)
	// RecordRetry a reconnect was scheduled
	RecordRetry(reason string)
	// RecordChunk a chunk was read from the camera
	RecordChunk(size int)
}

// Connector owns the single connection to the camera
type Connector interface {
	// EnsureConnected start a connection attempt if there is no connection or attempt
	// in flight. Does not block.
	EnsureConnected()
	// State the current connection state
	State() State
	// SetChunkHandler set the receiver of camera chunks
	SetChunkHandler(handler ChunkHandler)
	// Stop close the connection and cancel any pending reconnect
	Stop() error
}

// retry reasons
const (
	retryStreamEnded   = "stream-ended"
	retryStreamError   = "stream-error"
	retryConnectFailed = "connect-failed"
)

// ConnectorParams parameters for defining a Connector
type ConnectorParams struct {
	// SourceURL the camera stream URL
	SourceURL string `validate:"required,url"`
	// ReadBufferBytes max size of one chunk read from the camera
	ReadBufferBytes int `validate:"gte=512"`
	// StreamRetryDelay wait before reconnecting after a stream end or error
	StreamRetryDelay time.Duration `validate:"gt=0"`
	// ConnectRetryDelay wait before reconnecting after a failed connection attempt
	ConnectRetryDelay time.Duration `validate:"gt=0"`
	// Client HTTP client to use. Must not carry a timeout. Default client if nil.
	Client *http.Client `validate:"-"`
	// Recorder optional activity recorder
	Recorder Recorder `validate:"-"`
}

// connectorImpl implements Connector
type connectorImpl struct {
	goutils.Component
	params       ConnectorParams
	client       *http.Client
	rootCtxt     context.Context
	wg           *sync.WaitGroup
	retryTimer   common.IntervalTimer
	lock         sync.Mutex
	state        State
	handler      ChunkHandler
	cancelStream context.CancelFunc
	stopped      bool
}

// GetConnector define a new camera Connector. The connector starts Disconnected.
func GetConnector(
	rootCtxt context.Context, params ConnectorParams, wg *sync.WaitGroup,
) (Connector, error) {
	logTags := log.Fields{
		"module": "upstream", "component": "connector", "instance": params.SourceURL,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid connector parameters")
		return nil, err
	}
	retryTimer, err := common.GetIntervalTimerInstance("camera-retry", rootCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define retry timer")
		return nil, err
	}
	client := params.Client
	if client == nil {
		client = &http.Client{}
	}
	if client.Timeout != 0 {
		return nil, fmt.Errorf("camera stream client must not have a timeout")
	}
	return &connectorImpl{
		Component:  goutils.Component{LogTags: logTags},
		params:     params,
		client:     client,
		rootCtxt:   rootCtxt,
		wg:         wg,
		retryTimer: retryTimer,
		state:      Disconnected,
	}, nil
}

// State the current connection state
func (c *connectorImpl) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// SetChunkHandler set the receiver of camera chunks
func (c *connectorImpl) SetChunkHandler(handler ChunkHandler) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.handler = handler
}

// chunkHandler fetch the current chunk handler
func (c *connectorImpl) chunkHandler() ChunkHandler {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.handler
}

// setState update the state. Caller must hold the lock.
func (c *connectorImpl) setState(state State) {
	if c.state == state {
		return
	}
	log.WithFields(c.LogTags).Debugf("%s -> %s", c.state, state)
	c.state = state
	if c.params.Recorder != nil {
		c.params.Recorder.RecordState(state)
	}
}

// EnsureConnected start a connection attempt if none is active
func (c *connectorImpl) EnsureConnected() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stopped || c.rootCtxt.Err() != nil {
		return
	}
	if c.state != Disconnected {
		return
	}
	log.WithFields(c.LogTags).Info("Connecting to camera source")
	c.setState(Connecting)
	streamCtxt, cancel := context.WithCancel(c.rootCtxt)
	c.cancelStream = cancel
	c.wg.Add(1)
	go c.readStream(streamCtxt, cancel)
}

// readStream open the camera stream and forward chunks until it ends
func (c *connectorImpl) readStream(ctxt context.Context, cancel context.CancelFunc) {
	defer c.wg.Done()
	defer cancel()

	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, c.params.SourceURL, nil)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to define camera request")
		c.disconnected(c.params.ConnectRetryDelay, retryConnectFailed)
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to connect to camera")
		c.disconnected(c.params.ConnectRetryDelay, retryConnectFailed)
		return
	}
	defer resp.Body.Close()
	// Anything short of a server error counts as an open stream
	if resp.StatusCode >= http.StatusInternalServerError {
		log.WithFields(c.LogTags).Errorf("Camera responded with %d", resp.StatusCode)
		c.disconnected(c.params.ConnectRetryDelay, retryConnectFailed)
		return
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		log.WithFields(c.LogTags).Warnf("Camera responded with %d, reading anyway", resp.StatusCode)
	}

	c.lock.Lock()
	c.setState(Connected)
	c.lock.Unlock()
	log.WithFields(c.LogTags).Info("Connected to camera source")

	buf := make([]byte, c.params.ReadBufferBytes)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if c.params.Recorder != nil {
				c.params.Recorder.RecordChunk(n)
			}
			if handler := c.chunkHandler(); handler != nil {
				handler(chunk)
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			log.WithFields(c.LogTags).Info("Camera stream ended")
			c.disconnected(c.params.StreamRetryDelay, retryStreamEnded)
		} else {
			log.WithError(err).WithFields(c.LogTags).Error("Camera stream error")
			c.disconnected(c.params.StreamRetryDelay, retryStreamError)
		}
		return
	}
}

// disconnected move to Disconnected and schedule a retry
func (c *connectorImpl) disconnected(retryAfter time.Duration, reason string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.cancelStream = nil
	c.setState(Disconnected)
	if c.stopped || c.rootCtxt.Err() != nil {
		return
	}
	log.WithFields(c.LogTags).Infof("Reconnecting in %s (%s)", retryAfter, reason)
	if c.params.Recorder != nil {
		c.params.Recorder.RecordRetry(reason)
	}
	if err := c.retryTimer.Start(retryAfter, func() error {
		c.EnsureConnected()
		return nil
	}, true); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to schedule reconnect")
	}
}

// Stop close the connection and cancel any pending reconnect
func (c *connectorImpl) Stop() error {
	c.lock.Lock()
	c.stopped = true
	cancel := c.cancelStream
	c.lock.Unlock()
	if cancel != nil {
		cancel()
	}
	log.WithFields(c.LogTags).Info("Connector stopped")
	return c.retryTimer.Stop()
}
