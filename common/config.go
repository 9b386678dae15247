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
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Camera Related Config

// CameraConfig defines the upstream camera stream parameters
type CameraConfig struct {
	// SourceURL is the camera MJPEG stream URL
	SourceURL string `mapstructure:"source_url" json:"source_url" validate:"required,url"`
	// ReadBufferBytes is the size of the buffer used when reading from the camera
	ReadBufferBytes int `mapstructure:"read_buffer_bytes" json:"read_buffer_bytes" validate:"gte=512"`
	// StreamRetryDelay is the wait before reconnecting after the stream ended or
	// errored, in seconds
	StreamRetryDelay int `mapstructure:"stream_retry_delay_sec" json:"stream_retry_delay_sec" validate:"gte=1"`
	// ConnectRetryDelay is the wait before reconnecting after failing to open the
	// stream, in seconds
	ConnectRetryDelay int `mapstructure:"connect_retry_delay_sec" json:"connect_retry_delay_sec" validate:"gte=1"`
	// Boundary is the multipart boundary announced to viewers
	Boundary string `mapstructure:"boundary" json:"boundary" validate:"required,max=70"`
	// ViewerBufferChunks is the number of chunks queued per viewer before the viewer
	// is considered too slow and dropped
	ViewerBufferChunks int `mapstructure:"viewer_buffer_chunks" json:"viewer_buffer_chunks" validate:"gte=1"`
}

// ===============================================================================
// Actuator Related Config

// ActuatorConfig defines parameters for the actuator control API
type ActuatorConfig struct {
	// BaseURL is the actuator control API base URL
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	// Token is the device credential for the control API
	Token string `mapstructure:"token" json:"-" validate:"required"`
	// FeedPin is the virtual pin driving the feeder
	FeedPin string `mapstructure:"feed_pin" json:"feed_pin" validate:"required"`
	// CallTimeout is the max duration of one control API call in seconds
	CallTimeout int `mapstructure:"call_timeout_sec" json:"call_timeout_sec" validate:"gte=1"`
	// SensorPins maps sensor names to the virtual pins they are reported on
	SensorPins map[string]string `mapstructure:"sensor_pins" json:"sensor_pins" validate:"omitempty,dive,required"`
}

// ===============================================================================
// Gate Related Config

// GateConfig defines the actuation gate parameters
type GateConfig struct {
	// Cooldown is the minimum interval between two successful feeds in seconds
	Cooldown int `mapstructure:"cooldown_sec" json:"cooldown_sec" validate:"gte=1"`
	// Settle is how long the actuator is held in its active position in milliseconds
	Settle int `mapstructure:"settle_ms" json:"settle_ms" validate:"gte=0"`
}

// StatusConfig defines the cooldown status broadcast parameters
type StatusConfig struct {
	// Period is the interval between two status pushes in milliseconds
	Period int `mapstructure:"period_ms" json:"period_ms" validate:"gte=100"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the request
	// headers in seconds. A zero or negative value means there will
	// be no timeout. It does not bound the body, so the long lived
	// streams are unaffected.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// The video and status streams are long lived, so this should stay zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// CORSAllowedOrigins is the list of origins allowed to call the APIs
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins" json:"cors_allowed_origins"`
}

// ===============================================================================
// Event Publishing Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// Subject is the subject feed events are published on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
}

// MQTTConfig defines parameters for connecting to a MQTT broker
type MQTTConfig struct {
	// Broker is the broker URI, ex. tcp://127.0.0.1:1883
	Broker string `mapstructure:"broker" json:"broker" validate:"required,uri"`
	// ClientID is the MQTT client ID
	ClientID string `mapstructure:"client_id" json:"client_id" validate:"required"`
	// ConnectTimeout is the max duration for connecting to the broker in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Topic is the topic feed events are published on
	Topic string `mapstructure:"topic" json:"topic" validate:"required"`
	// QoS is the MQTT publish QoS
	QoS byte `mapstructure:"qos" json:"qos" validate:"lte=2"`
}

// EventsConfig defines where feed events are published. Each publisher is optional.
type EventsConfig struct {
	// NATS feed event publisher
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
	// MQTT feed event publisher
	MQTT *MQTTConfig `mapstructure:"mqtt,omitempty" json:"mqtt,omitempty" validate:"omitempty,dive"`
	// QueueLength is the number of feed events buffered ahead of the publishers
	QueueLength int `mapstructure:"queue_length" json:"queue_length" validate:"gte=1"`
}

// ===============================================================================
// Journal / Metrics Config

// JournalConfig defines the feed journal parameters
type JournalConfig struct {
	// Enabled whether feed attempts are recorded
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// SQLitePath is the journal database file
	SQLitePath string `mapstructure:"sqlite_path" json:"sqlite_path" validate:"required_if=Enabled true"`
}

// MetricsConfig defines the prometheus metrics parameters
type MetricsConfig struct {
	// Enabled whether /metrics is served
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	Camera   CameraConfig    `mapstructure:"camera" json:"camera" validate:"required,dive"`
	Actuator ActuatorConfig  `mapstructure:"actuator" json:"actuator" validate:"required,dive"`
	Gate     GateConfig      `mapstructure:"gate" json:"gate" validate:"required,dive"`
	Status   StatusConfig    `mapstructure:"status" json:"status" validate:"required,dive"`
	API      APIServerConfig `mapstructure:"api" json:"api" validate:"required,dive"`
	Events   EventsConfig    `mapstructure:"events" json:"events" validate:"required,dive"`
	Journal  JournalConfig   `mapstructure:"journal" json:"journal" validate:"required,dive"`
	Metrics  MetricsConfig   `mapstructure:"metrics" json:"metrics"`
}

// Seconds helper to convert an integer second count
func Seconds(v int) time.Duration {
	return time.Second * time.Duration(v)
}

// Milliseconds helper to convert an integer millisecond count
func Milliseconds(v int) time.Duration {
	return time.Millisecond * time.Duration(v)
}

// ===============================================================================

// DefaultMJPEGBoundary is the multipart boundary viewers are told to expect
const DefaultMJPEGBoundary = "123456789000000000000987654321"

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default camera settings
	viper.SetDefault("camera.source_url", "http://127.0.0.1:81/stream")
	viper.SetDefault("camera.read_buffer_bytes", 32768)
	viper.SetDefault("camera.stream_retry_delay_sec", 2)
	viper.SetDefault("camera.connect_retry_delay_sec", 5)
	viper.SetDefault("camera.boundary", DefaultMJPEGBoundary)
	viper.SetDefault("camera.viewer_buffer_chunks", 64)

	// Default actuator settings
	viper.SetDefault("actuator.base_url", "https://blynk.cloud")
	viper.SetDefault("actuator.feed_pin", "V4")
	viper.SetDefault("actuator.call_timeout_sec", 10)
	viper.SetDefault("actuator.sensor_pins", map[string]string{
		"water_level": "V1",
		"temperature": "V2",
		"humidity":    "V3",
		"distance":    "V5",
		"vibration":   "V6",
	})

	// Default gate settings
	viper.SetDefault("gate.cooldown_sec", 7200)
	viper.SetDefault("gate.settle_ms", 1000)
	viper.SetDefault("status.period_ms", 1000)

	// Default API server settings
	viper.SetDefault("api.path_prefix", "/")
	viper.SetDefault("api.cors_allowed_origins", []string{"*"})
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Feedcast-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default event / journal / metrics settings
	viper.SetDefault("events.queue_length", 32)
	viper.SetDefault("journal.enabled", true)
	viper.SetDefault("journal.sqlite_path", "feedcast.db")
	viper.SetDefault("metrics.enabled", true)
}
