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

package metrics

import (
	"github.com/alwitt/feedcast/gate"
	"github.com/alwitt/feedcast/upstream"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector prometheus metrics for the stream, the gate and the status sessions.
//
// Implements upstream.Recorder and broadcast.Recorder. Observe is a gate.FeedObserver.
type Collector struct {
	upstreamState   *prometheus.GaugeVec
	upstreamRetries *prometheus.CounterVec
	upstreamChunks  prometheus.Counter
	upstreamBytes   prometheus.Counter
	subscribers     prometheus.Gauge
	deliveries      prometheus.Counter
	sinkFailures    prometheus.Counter
	feedEvents      *prometheus.CounterVec
	gateOpen        prometheus.Gauge
	registry        prometheus.Registerer
}

var allStates = []upstream.State{upstream.Disconnected, upstream.Connecting, upstream.Connected}

// GetCollector define the collectors and register them with the registry
func GetCollector(registry prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		upstreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feedcast_upstream_state",
			Help: "Camera connection state, 1 for the current state.",
		}, []string{"state"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcast_upstream_retries_total",
			Help: "Camera reconnects scheduled, by cause.",
		}, []string{"reason"}),
		upstreamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedcast_upstream_chunks_total",
			Help: "Chunks read from the camera.",
		}),
		upstreamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedcast_upstream_bytes_total",
			Help: "Bytes read from the camera.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedcast_stream_subscribers",
			Help: "Viewers attached to the stream.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedcast_stream_deliveries_total",
			Help: "Chunk writes to viewer sinks.",
		}),
		sinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedcast_stream_sink_failures_total",
			Help: "Viewers dropped after a failed write.",
		}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcast_feed_events_total",
			Help: "Feed gate outcomes, by kind.",
		}, []string{"kind"}),
		gateOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedcast_gate_open",
			Help: "1 when a feed would be accepted.",
		}),
		registry: registry,
	}
	c.gateOpen.Set(1)
	c.RecordState(upstream.Disconnected)

	for _, collector := range []prometheus.Collector{
		c.upstreamState, c.upstreamRetries, c.upstreamChunks, c.upstreamBytes,
		c.subscribers, c.deliveries, c.sinkFailures, c.feedEvents, c.gateOpen,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RegisterSessionGauge expose the live status session count
func (c *Collector) RegisterSessionGauge(sessions func() int) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "feedcast_status_sessions",
		Help: "Cooldown status observers attached.",
	}, func() float64 {
		return float64(sessions())
	}))
}

// RecordState upstream.Recorder
func (c *Collector) RecordState(state upstream.State) {
	for _, s := range allStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		c.upstreamState.WithLabelValues(s.String()).Set(value)
	}
}

// RecordRetry upstream.Recorder
func (c *Collector) RecordRetry(reason string) {
	c.upstreamRetries.WithLabelValues(reason).Inc()
}

// RecordChunk upstream.Recorder
func (c *Collector) RecordChunk(size int) {
	c.upstreamChunks.Inc()
	c.upstreamBytes.Add(float64(size))
}

// RecordSubscribers broadcast.Recorder
func (c *Collector) RecordSubscribers(count int) {
	c.subscribers.Set(float64(count))
}

// RecordDelivery broadcast.Recorder
func (c *Collector) RecordDelivery(sinks int, size int) {
	c.deliveries.Add(float64(sinks))
}

// RecordSinkFailure broadcast.Recorder
func (c *Collector) RecordSinkFailure() {
	c.sinkFailures.Inc()
}

// Observe gate.FeedObserver
func (c *Collector) Observe(event gate.FeedEvent) {
	c.feedEvents.WithLabelValues(string(event.Kind)).Inc()
	switch event.Kind {
	case gate.FeedAccepted:
		c.gateOpen.Set(0)
	case gate.FeedFailed, gate.FeedCooldownExpired:
		c.gateOpen.Set(1)
	}
}
