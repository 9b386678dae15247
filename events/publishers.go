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

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/feedcast/gate"
)

// Publisher forwards feed events to an external system
type Publisher interface {
	// Name publisher name for logging
	Name() string
	// Publish forward one feed event
	Publish(ctxt context.Context, event gate.FeedEvent) error
}

// SubjectPublisher the part of *nats.Conn used for publishing
type SubjectPublisher interface {
	Publish(subj string, data []byte) error
}

// natsPublisher publishes feed events on a NATS subject
type natsPublisher struct {
	conn    SubjectPublisher
	subject string
}

// GetNATSPublisher define a Publisher sending JSON feed events to a NATS subject
func GetNATSPublisher(conn SubjectPublisher, subject string) (Publisher, error) {
	if conn == nil || subject == "" {
		return nil, fmt.Errorf("NATS publisher requires a connection and subject")
	}
	return &natsPublisher{conn: conn, subject: subject}, nil
}

func (p *natsPublisher) Name() string {
	return "nats:" + p.subject
}

func (p *natsPublisher) Publish(_ context.Context, event gate.FeedEvent) error {
	payload, err := json.Marshal(&event)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, payload)
}

// TopicPublisher the part of *core.MQTTClient used for publishing
type TopicPublisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// mqttPublisher publishes feed events on a MQTT topic
type mqttPublisher struct {
	client TopicPublisher
	topic  string
	qos    byte
}

// GetMQTTPublisher define a Publisher sending JSON feed events to "<topic>/<event kind>"
func GetMQTTPublisher(client TopicPublisher, topic string, qos byte) (Publisher, error) {
	if client == nil || topic == "" {
		return nil, fmt.Errorf("MQTT publisher requires a client and topic")
	}
	if qos > 2 {
		return nil, fmt.Errorf("invalid MQTT QoS %d", qos)
	}
	return &mqttPublisher{client: client, topic: topic, qos: qos}, nil
}

func (p *mqttPublisher) Name() string {
	return "mqtt:" + p.topic
}

func (p *mqttPublisher) Publish(_ context.Context, event gate.FeedEvent) error {
	payload, err := json.Marshal(&event)
	if err != nil {
		return err
	}
	return p.client.Publish(fmt.Sprintf("%s/%s", p.topic, event.Kind), p.qos, payload)
}
