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


package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/feedcast/actuator"
	"github.com/alwitt/feedcast/apis"
	"github.com/alwitt/feedcast/broadcast"
	"github.com/alwitt/feedcast/common"
	"github.com/alwitt/feedcast/core"
	"github.com/alwitt/feedcast/events"
	"github.com/alwitt/feedcast/gate"
	"github.com/alwitt/feedcast/metrics"
	"github.com/alwitt/feedcast/status"
	"github.com/alwitt/feedcast/storage"
	"github.com/alwitt/feedcast/upstream"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// eventSubmitTimeout how long the gate waits for space in the event queue
const eventSubmitTimeout = time.Millisecond * 100

// serverComponents everything RunServer builds ahead of the HTTP server
type serverComponents struct {
	registry    *prometheus.Registry
	connector   upstream.Connector
	gate        gate.ActuationGate
	journal     storage.FeedJournal
	dispatcher  events.Dispatcher
	natsClient  *core.NatsClient
	mqttClient  *core.MQTTClient
	httpHandler apis.APIRestFeedcastHandler
}

// stop release the components in reverse order of construction
func (c *serverComponents) stop(logTags log.Fields) {
	if c.connector != nil {
		if err := c.connector.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop camera connector")
		}
	}
	if c.gate != nil {
		if err := c.gate.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop actuation gate")
		}
	}
	if c.dispatcher != nil {
		if err := c.dispatcher.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop event dispatcher")
		}
	}
	if c.natsClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		c.natsClient.Close(ctx)
		cancel()
	}
	if c.mqttClient != nil {
		c.mqttClient.Close()
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close feed journal")
		}
	}
}

// defineEventPublishers connect to the configured event brokers
func defineEventPublishers(
	config common.EventsConfig, components *serverComponents, logTags log.Fields,
) ([]events.Publisher, error) {
	publishers := []events.Publisher{}
	if config.NATS != nil {
		client, err := core.GetNATSClient(core.NATSConnectParams{
			ServerURI:           config.NATS.ServerURI,
			ConnectTimeout:      common.Seconds(config.NATS.ConnectTimeout),
			MaxReconnectAttempt: config.NATS.Reconnect.MaxAttempts,
			ReconnectWait:       common.Seconds(config.NATS.Reconnect.WaitInterval),
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return nil, err
		}
		components.natsClient = &client
		publisher, err := events.GetNATSPublisher(client.Conn(), config.NATS.Subject)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, publisher)
	}
	if config.MQTT != nil {
		client, err := core.GetMQTTClient(core.MQTTConnectParams{
			Broker:         config.MQTT.Broker,
			ClientID:       config.MQTT.ClientID,
			ConnectTimeout: common.Seconds(config.MQTT.ConnectTimeout),
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define MQTT client with %s", config.MQTT.Broker,
			)
			return nil, err
		}
		components.mqttClient = client
		publisher, err := events.GetMQTTPublisher(client, config.MQTT.Topic, config.MQTT.QoS)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, publisher)
	}
	return publishers, nil
}

// defineServerComponents build the camera, gate, and status pipeline
func defineServerComponents(
	runtimeContext context.Context,
	config *common.SystemConfig,
	wg *sync.WaitGroup,
	logTags log.Fields,
) (*serverComponents, error) {
	components := &serverComponents{}

	// Metrics
	var upstreamRecorder upstream.Recorder
	var streamRecorder broadcast.Recorder
	var collector *metrics.Collector
	if config.Metrics.Enabled {
		components.registry = prometheus.NewRegistry()
		components.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		var err error
		collector, err = metrics.GetCollector(components.registry)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define metrics collector")
			return components, err
		}
		upstreamRecorder = collector
		streamRecorder = collector
	}

	// Camera side
	connector, err := upstream.GetConnector(runtimeContext, upstream.ConnectorParams{
		SourceURL:         config.Camera.SourceURL,
		ReadBufferBytes:   config.Camera.ReadBufferBytes,
		StreamRetryDelay:  common.Seconds(config.Camera.StreamRetryDelay),
		ConnectRetryDelay: common.Seconds(config.Camera.ConnectRetryDelay),
		Recorder:          upstreamRecorder,
	}, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define camera connector")
		return components, err
	}
	components.connector = connector
	broadcaster, err := broadcast.GetStreamBroadcaster(connector, streamRecorder)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream broadcaster")
		return components, err
	}

	// Feeder side
	controller, err := actuator.GetBlynkController(actuator.BlynkParams{
		BaseURL:    config.Actuator.BaseURL,
		Token:      config.Actuator.Token,
		FeedPin:    config.Actuator.FeedPin,
		SensorPins: config.Actuator.SensorPins,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define actuator client")
		return components, err
	}
	feedGate, err := gate.GetActuationGate(runtimeContext, gate.GateParams{
		Actuator:    controller,
		Clock:       common.GetSystemClock(),
		Cooldown:    common.Seconds(config.Gate.Cooldown),
		Settle:      common.Milliseconds(config.Gate.Settle),
		CallTimeout: common.Seconds(config.Actuator.CallTimeout),
	}, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define actuation gate")
		return components, err
	}
	components.gate = feedGate
	if collector != nil {
		feedGate.AddObserver(collector.Observe)
	}

	// Feed journal
	if config.Journal.Enabled {
		journal, err := storage.GetSQLiteJournal(config.Journal.SQLitePath)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to open feed journal")
			return components, err
		}
		components.journal = journal
		feedGate.AddObserver(journal.Observe)
	}

	// Event publishing
	publishers, err := defineEventPublishers(config.Events, components, logTags)
	if err != nil {
		return components, err
	}
	if len(publishers) > 0 {
		dispatcher, err := events.GetDispatcher(
			runtimeContext, config.Events.QueueLength, eventSubmitTimeout, publishers,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define event dispatcher")
			return components, err
		}
		if err := dispatcher.Start(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start event dispatcher")
			return components, err
		}
		components.dispatcher = dispatcher
		feedGate.AddObserver(dispatcher.Observe)
	}

	// Cooldown status
	statusBroadcaster, err := status.GetCooldownBroadcaster(
		runtimeContext, feedGate, common.Milliseconds(config.Status.Period), wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define status broadcaster")
		return components, err
	}
	if collector != nil {
		if err := collector.RegisterSessionGauge(statusBroadcaster.ActiveSessions); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to register session gauge")
			return components, err
		}
	}

	params := apis.FeedcastHandlerParams{
		Connector:     connector,
		Broadcaster:   broadcaster,
		Gate:          feedGate,
		Status:        statusBroadcaster,
		Boundary:      config.Camera.Boundary,
		ViewerBuffer:  config.Camera.ViewerBufferChunks,
		SensorTimeout: common.Seconds(config.Actuator.CallTimeout),
	}
	if len(config.Actuator.SensorPins) > 0 {
		params.Sensors = controller
	}
	if components.journal != nil {
		params.Journal = components.journal
	}
	components.httpHandler, err = apis.GetAPIRestFeedcastHandler(
		runtimeContext, &config.API.HTTPSetting, params,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return components, err
	}
	return components, nil
}

// defineRouter register the end-points
func defineRouter(
	config *common.SystemConfig, components *serverComponents,
) http.Handler {
	httpHandler := components.httpHandler
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.API.PathPrefix, nil)

	// Camera stream
	_ = apis.RegisterPathPrefix(mainRouter, "/stream", map[string]http.HandlerFunc{
		"get": httpHandler.ViewStreamHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/health", map[string]http.HandlerFunc{
		"get": httpHandler.HealthHandler(),
	})

	// Feeder
	_ = apis.RegisterPathPrefix(mainRouter, "/feed", map[string]http.HandlerFunc{
		"get":  httpHandler.FeedHandler(),
		"post": httpHandler.FeedHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/time", map[string]http.HandlerFunc{
		"get": httpHandler.CooldownStatusHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/sensors", map[string]http.HandlerFunc{
		"get": httpHandler.SensorsHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/feed/history", map[string]http.HandlerFunc{
		"get": httpHandler.FeedHistoryHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	if components.registry != nil {
		metricsHandler := promhttp.HandlerFor(components.registry, promhttp.HandlerOpts{})
		_ = apis.RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
			"get": metricsHandler.ServeHTTP,
		})
	}

	// Add logging
	requestIDHeader := config.API.HTTPSetting.Logging.RequestIDHeader
	router.Use(apis.RequestIDMiddleware(requestIDHeader))
	accessLog := apis.GetAccessLogWriter("access-log")
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	if len(config.API.CORSAllowedOrigins) == 0 {
		return router
	}
	allowedHeaders := []string{"Content-Type"}
	exposedHeaders := []string{"Retry-After"}
	if requestIDHeader != "" {
		allowedHeaders = append(allowedHeaders, requestIDHeader)
		exposedHeaders = append(exposedHeaders, requestIDHeader)
	}
	return handlers.CORS(
		handlers.AllowedOrigins(config.API.CORSAllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders(allowedHeaders),
		handlers.ExposedHeaders(exposedHeaders),
	)(router)
}

/*
RunServer run the feedcast server until the runtime context is cancelled

 @param runtimeContext context.Context - the runtime context
 @param config *common.SystemConfig - the system config
 @param instance string - instance name
 @param wg *sync.WaitGroup - wait group tracking the support goroutines
*/
func RunServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	components, err := defineServerComponents(localCtxt, config, wg, logTags)
	defer components.stop(logTags)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	serverCfg := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:              serverListen,
		ReadHeaderTimeout: common.Seconds(serverCfg.ReadTimeout),
		WriteTimeout:      common.Seconds(serverCfg.WriteTimeout),
		IdleTimeout:       common.Seconds(serverCfg.IdleTimeout),
		Handler:           h2c.NewHandler(defineRouter(config, components), &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
