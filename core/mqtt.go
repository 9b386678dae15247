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

package core

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConnectParams MQTT connection parameter
type MQTTConnectParams struct {
	// Broker broker URI, ex. tcp://127.0.0.1:1883
	Broker string `validate:"required,uri"`
	// ClientID MQTT client ID
	ClientID string `validate:"required"`
	// ConnectTimeout max time to wait for the first connection
	ConnectTimeout time.Duration
	// PublishTimeout max time to wait for a publish to complete
	PublishTimeout time.Duration
}

// MQTTClient MQTT connection used to publish feed events
type MQTTClient struct {
	goutils.Component
	client         mqtt.Client
	publishTimeout time.Duration
	connected      int32
}

// GetMQTTClient define a new MQTT client and connect it to the broker
func GetMQTTClient(param MQTTConnectParams) (*MQTTClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "mqtt-client",
		"instance":  param.Broker,
	}
	if param.PublishTimeout <= 0 {
		param.PublishTimeout = time.Second * 2
	}
	instance := &MQTTClient{
		Component:      goutils.Component{LogTags: logTags},
		publishTimeout: param.PublishTimeout,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(param.Broker)
	opts.SetClientID(param.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) {
		atomic.StoreInt32(&instance.connected, 1)
		log.WithFields(logTags).Info("MQTT connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		atomic.StoreInt32(&instance.connected, 0)
		log.WithError(err).WithFields(logTags).Warn("MQTT connection lost, will auto-reconnect")
	}
	instance.client = mqtt.NewClient(opts)

	token := instance.client.Connect()
	if !token.WaitTimeout(param.ConnectTimeout) {
		log.WithFields(logTags).Error("MQTT connect timed out")
		instance.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s timed out", param.Broker)
	}
	if err := token.Error(); err != nil {
		log.WithError(err).WithFields(logTags).Error("MQTT client connect failed")
		return nil, fmt.Errorf("mqtt connect failed: %w", err)
	}
	atomic.StoreInt32(&instance.connected, 1)
	return instance, nil
}

// IsConnected whether the client currently holds a broker connection
func (c *MQTTClient) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// Publish publish a payload and wait for the broker to accept it
func (c *MQTTClient) Publish(topic string, qos byte, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := c.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(c.publishTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s failed: %w", topic, err)
	}
	return nil
}

// Close disconnect from the broker
func (c *MQTTClient) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	atomic.StoreInt32(&c.connected, 0)
	log.WithFields(c.LogTags).Info("Close MQTT client")
}
