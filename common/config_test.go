package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: defaults alone are missing the actuator credential
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 2: load the configs
	{
		config := []byte(`---
actuator:
  token: unit-test-token`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(7200, cfg.Gate.Cooldown)
		assert.Equal(1000, cfg.Gate.Settle)
		assert.Equal(2, cfg.Camera.StreamRetryDelay)
		assert.Equal(5, cfg.Camera.ConnectRetryDelay)
		assert.Equal(DefaultMJPEGBoundary, cfg.Camera.Boundary)
		assert.Equal("V1", cfg.Actuator.SensorPins["water_level"])
		assert.Equal("Feedcast-Request-ID", cfg.API.HTTPSetting.Logging.RequestIDHeader)
		assert.Nil(cfg.Events.NATS)
		assert.Nil(cfg.Events.MQTT)
	}

	// Case 3: invalid config
	{
		config := []byte(`---
actuator:
  token: unit-test-token
api:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: invalid config
	{
		config := []byte(`---
actuator:
  token: unit-test-token
camera:
  source_url: not a url`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: optional event publishers
	{
		config := []byte(`---
actuator:
  token: unit-test-token
events:
  nats:
    server_uri: nats://127.0.0.1:4222
    connect_timeout_sec: 5
    subject: feedcast.feed
    reconnect:
      max_attempts: -1
      wait_interval_sec: 5
  mqtt:
    broker: tcp://127.0.0.1:1883
    client_id: feedcast
    connect_timeout_sec: 5
    topic: feedcast/feed
    qos: 1`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Events.NATS)
		assert.Equal("feedcast.feed", cfg.Events.NATS.Subject)
		assert.NotNil(cfg.Events.MQTT)
		assert.Equal(byte(1), cfg.Events.MQTT.QoS)
	}
}
