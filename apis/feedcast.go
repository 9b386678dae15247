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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alwitt/feedcast/broadcast"
	"github.com/alwitt/feedcast/common"
	"github.com/alwitt/feedcast/gate"
	"github.com/alwitt/feedcast/status"
	"github.com/alwitt/feedcast/storage"
	"github.com/alwitt/feedcast/upstream"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Feed response messages
const (
	msgFeedAccepted   = "Feeding done, 2 hour cooldown started"
	msgCooldownActive = "Cooldown active, 2 hours have not passed since the last feed"
	msgActuatorFailed = "Actuator control API call failed"
)

// StreamState reads the camera connection state
type StreamState interface {
	State() upstream.State
}

// SensorReader reads the feeder's sensor pins
type SensorReader interface {
	ReadSensors(ctx context.Context) (map[string]interface{}, error)
}

// FeedcastHandlerParams dependencies of APIRestFeedcastHandler
type FeedcastHandlerParams struct {
	Connector   StreamState
	Broadcaster broadcast.StreamBroadcaster
	Gate        gate.ActuationGate
	Status      status.CooldownBroadcaster
	// Sensors optional
	Sensors SensorReader
	// Journal optional
	Journal storage.FeedJournal
	// Boundary multipart boundary announced to viewers
	Boundary string
	// ViewerBuffer chunks queued per viewer before the viewer is dropped
	ViewerBuffer int
	// SensorTimeout max time for a sensor snapshot
	SensorTimeout time.Duration
}

// APIRestFeedcastHandler REST handler for the camera stream and the feeder
type APIRestFeedcastHandler struct {
	goutils.RestAPIHandler
	FeedcastHandlerParams
	baseContext context.Context
}

// GetAPIRestFeedcastHandler define APIRestFeedcastHandler
func GetAPIRestFeedcastHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	params FeedcastHandlerParams,
) (APIRestFeedcastHandler, error) {
	if params.Connector == nil || params.Broadcaster == nil || params.Gate == nil ||
		params.Status == nil {
		return APIRestFeedcastHandler{}, fmt.Errorf("feedcast handler is missing a core component")
	}
	if params.Boundary == "" {
		params.Boundary = common.DefaultMJPEGBoundary
	}
	if params.ViewerBuffer < 1 {
		return APIRestFeedcastHandler{}, fmt.Errorf(
			"viewer buffer must be positive, got %d", params.ViewerBuffer,
		)
	}
	if params.SensorTimeout <= 0 {
		params.SensorTimeout = time.Second * 10
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "feedcast",
	}
	return APIRestFeedcastHandler{
		RestAPIHandler:        defineRestAPIHandler(logTags, httpConfig),
		FeedcastHandlerParams: params,
		baseContext:           baseContext,
	}, nil
}

// =======================================================================
// Camera stream

// ViewStream godoc
// @Summary Watch the camera
// @Description Long lived multipart/x-mixed-replace stream of the camera feed. Viewers share
// the single camera connection.
// @tags Stream
// @Produce multipart/x-mixed-replace
// @Success 200 {string} string "MJPEG stream"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /stream [get]
func (h APIRestFeedcastHandler) ViewStream(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		h.replyError(w, r, http.StatusInternalServerError, msg, msg)
		return
	}

	sink, err := broadcast.NewQueuedSink(h.ViewerBuffer)
	if err != nil {
		msg := "Unable to define viewer sink"
		log.WithError(err).WithFields(logTags).Error(msg)
		h.replyError(w, r, http.StatusInternalServerError, msg, err.Error())
		return
	}
	defer sink.Close()
	handle, err := h.Broadcaster.Subscribe(sink)
	if err != nil {
		msg := "Unable to subscribe to the camera stream"
		log.WithError(err).WithFields(logTags).Error(msg)
		h.replyError(w, r, http.StatusInternalServerError, msg, err.Error())
		return
	}
	// The viewer's sink must be unregistered before the handler returns
	defer h.Broadcaster.Unsubscribe(handle)
	logTags["viewer"] = handle

	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", h.Boundary))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()
	log.WithFields(logTags).Info("Viewer attached")

	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Terminating viewer on server stop")
			return
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Viewer disconnected")
			return
		case <-sink.Done():
			log.WithError(sink.Err()).WithFields(logTags).Info("Viewer dropped")
			return
		case chunk := <-sink.Chunks():
			if _, err := w.Write(chunk); err != nil {
				log.WithError(err).WithFields(logTags).Info("Viewer write failed")
				return
			}
			writeFlusher.Flush()
		}
	}
}

// ViewStreamHandler Wrapper around ViewStream
func (h APIRestFeedcastHandler) ViewStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ViewStream(w, r)
	}
}

// =======================================================================
// Feeder

// APIRestRespFeed response to a feed request
type APIRestRespFeed struct {
	goutils.RestAPIBaseResponse
	// Message human readable outcome
	Message string `json:"message"`
	// Timestamp when the accepted feed started
	Timestamp *time.Time `json:"timestamp,omitempty"`
	// LastFeedTime when the cooldown started, on rejection
	LastFeedTime *time.Time `json:"lastFeedTime,omitempty"`
	// NextFeedAvailableAt when the cooldown ends, on rejection
	NextFeedAvailableAt *time.Time `json:"nextFeedAvailableAt,omitempty"`
}

// Feed godoc
// @Summary Trigger the feeder
// @Description Run the feeder once. Only one feed is accepted per cooldown window.
// @tags Feeder
// @Produce json
// @Param Feedcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespFeed "success"
// @Failure 429 {object} APIRestRespFeed "cooldown active"
// @Failure 500 {object} APIRestRespFeed "actuator failure"
// @Header 200,429,500 {string} Feedcast-Request-ID "Request ID to match against logs"
// @Router /feed [post]
func (h APIRestFeedcastHandler) Feed(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	requestID := h.ReadRequestIDFromContext(r.Context())
	if requestID == "" && h.CallRequestIDHeaderField != nil {
		requestID = r.Header.Get(*h.CallRequestIDHeaderField)
	}
	receipt, err := h.Gate.TryFeed(gate.ContextWithRequestID(r.Context(), requestID))
	if err == nil {
		ts := receipt.Timestamp
		respCode = http.StatusOK
		respBody = APIRestRespFeed{
			RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
			Message:             msgFeedAccepted,
			Timestamp:           &ts,
		}
		return
	}

	var cooldown *gate.CooldownActiveError
	if errors.As(err, &cooldown) {
		last := cooldown.LastActuationTime
		next := cooldown.NextAvailableAt
		respCode = http.StatusTooManyRequests
		w.Header().Set(
			"Retry-After", strconv.FormatInt(int64((cooldown.RetryAfter+time.Second-1)/time.Second), 10),
		)
		respBody = APIRestRespFeed{
			RestAPIBaseResponse: h.GetStdRESTErrorMsg(
				r.Context(), http.StatusTooManyRequests, msgCooldownActive, err.Error(),
			),
			Message:             msgCooldownActive,
			LastFeedTime:        &last,
			NextFeedAvailableAt: &next,
		}
		return
	}

	var callErr *gate.ActuatorCallError
	msg := msgActuatorFailed
	if !errors.As(err, &callErr) {
		msg = "Feed request failed"
	}
	log.WithError(err).WithFields(localLogTags).Error(msg)
	respCode = http.StatusInternalServerError
	respBody = APIRestRespFeed{
		RestAPIBaseResponse: h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		),
		Message: msg,
	}
}

// FeedHandler Wrapper around Feed
func (h APIRestFeedcastHandler) FeedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Feed(w, r)
	}
}

// -----------------------------------------------------------------------

// sseStatusSink status.PayloadSink writing server sent events
type sseStatusSink struct {
	lock    sync.Mutex
	writer  http.ResponseWriter
	flusher http.Flusher
	failed  chan struct{}
	once    sync.Once
}

func (s *sseStatusSink) Send(payload status.Payload) error {
	serialized, err := json.Marshal(&payload)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, err := fmt.Fprintf(s.writer, "data: %s\n\n", serialized); err != nil {
		s.once.Do(func() { close(s.failed) })
		return err
	}
	s.flusher.Flush()
	return nil
}

// CooldownStatus godoc
// @Summary Follow the feeder cooldown
// @Description Server sent event stream with one cooldown status per second. The stream
// closes on client disconnect or server shutdown.
// @tags Feeder
// @Produce text/event-stream
// @Success 200 {object} status.Payload "status events"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /time [get]
func (h APIRestFeedcastHandler) CooldownStatus(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		h.replyError(w, r, http.StatusInternalServerError, msg, msg)
		return
	}

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	sink := &sseStatusSink{writer: w, flusher: writeFlusher, failed: make(chan struct{})}
	handle, err := h.Status.Attach(sink)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to attach status session")
		return
	}
	logTags["session"] = handle
	defer func() {
		if err := h.Status.Detach(handle); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to detach status session")
		}
	}()

	select {
	case <-h.baseContext.Done():
		log.WithFields(logTags).Info("Terminating status session on server stop")
	case <-r.Context().Done():
		log.WithFields(logTags).Debug("Status observer disconnected")
	case <-sink.failed:
		log.WithFields(logTags).Info("Status session write failed")
	}
}

// CooldownStatusHandler Wrapper around CooldownStatus
func (h APIRestFeedcastHandler) CooldownStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CooldownStatus(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespSensors sensor snapshot
type APIRestRespSensors struct {
	goutils.RestAPIBaseResponse
	// Sensors sensor name to current value
	Sensors map[string]interface{} `json:"sensors,omitempty"`
}

// Sensors godoc
// @Summary Read the feeder sensors
// @Description Live snapshot of the feeder's sensor pins
// @tags Feeder
// @Produce json
// @Param Feedcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSensors "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 501 {object} goutils.RestAPIBaseResponse "not configured"
// @Router /v1/sensors [get]
func (h APIRestFeedcastHandler) Sensors(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.FeedcastHandlerParams.Sensors == nil {
		msg := "Sensor reads not configured"
		respCode = http.StatusNotImplemented
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotImplemented, msg, msg)
		return
	}

	callCtxt, cancel := context.WithTimeout(r.Context(), h.SensorTimeout)
	defer cancel()
	readings, err := h.FeedcastHandlerParams.Sensors.ReadSensors(callCtxt)
	if err != nil {
		msg := "Unable to read sensors"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespSensors{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Sensors: readings,
	}
}

// SensorsHandler Wrapper around Sensors
func (h APIRestFeedcastHandler) SensorsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Sensors(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespFeedHistory journaled feed outcomes
type APIRestRespFeedHistory struct {
	goutils.RestAPIBaseResponse
	// Records newest first
	Records []storage.FeedRecord `json:"records"`
}

// FeedHistory godoc
// @Summary List recent feed outcomes
// @Description Journaled feed attempts, newest first
// @tags Feeder
// @Produce json
// @Param Feedcast-Request-ID header string false "User provided request ID to match against logs"
// @Param limit query integer false "Max records, 1 to 500 (DEFAULT: 20)"
// @Success 200 {object} APIRestRespFeedHistory "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 501 {object} goutils.RestAPIBaseResponse "not configured"
// @Router /v1/feed/history [get]
func (h APIRestFeedcastHandler) FeedHistory(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.Journal == nil {
		msg := "Feed journal not enabled"
		respCode = http.StatusNotImplemented
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotImplemented, msg, msg)
		return
	}

	limit := storage.DefaultListLimit
	if t, ok := r.URL.Query()["limit"]; ok {
		if len(t) != 1 {
			msg := "Multiple limit"
			log.WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
			return
		}
		p, err := strconv.Atoi(t[0])
		if err != nil || p < 1 || p > storage.MaxListLimit {
			msg := fmt.Sprintf("limit must be an integer from 1 to %d", storage.MaxListLimit)
			log.WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
			return
		}
		limit = p
	}

	records, err := h.Journal.ListRecentFeeds(r.Context(), limit)
	if err != nil {
		msg := "Unable to read feed journal"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	if records == nil {
		records = []storage.FeedRecord{}
	}
	respCode = http.StatusOK
	respBody = APIRestRespFeedHistory{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Records: records,
	}
}

// FeedHistoryHandler Wrapper around FeedHistory
func (h APIRestFeedcastHandler) FeedHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.FeedHistory(w, r)
	}
}

// =======================================================================
// Health Checks

// APIRestRespHealth camera connection health
type APIRestRespHealth struct {
	// Status camera connection state
	Status string `json:"status"`
	// Listeners number of attached viewers
	Listeners int `json:"listeners"`
}

// Health godoc
// @Summary Camera stream health
// @Description Camera connection state and the number of attached viewers
// @tags Stream
// @Produce json
// @Success 200 {object} APIRestRespHealth "success"
// @Router /health [get]
func (h APIRestFeedcastHandler) Health(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespHealth{
		Status:    h.Connector.State().String(),
		Listeners: h.Broadcaster.SubscriberCount(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// HealthHandler Wrapper around Health
func (h APIRestFeedcastHandler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Health(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestFeedcastHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestFeedcastHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success once the camera stream is connected
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestFeedcastHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "camera not connected"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.Connector.State() == upstream.Connected {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestFeedcastHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// -----------------------------------------------------------------------

func (h APIRestFeedcastHandler) replyError(
	w http.ResponseWriter, r *http.Request, code int, msg string, detail string,
) {
	if err := h.WriteRESTResponse(
		w, code, h.GetStdRESTErrorMsg(r.Context(), code, msg, detail), nil,
	); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
}
