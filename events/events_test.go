package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/feedcast/gate"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type sentMessage struct {
	target  string
	qos     byte
	payload []byte
}

type fakeBroker struct {
	lock sync.Mutex
	sent []sentMessage
	fail bool
}

// Publish implements SubjectPublisher
func (b *fakeBroker) Publish(subj string, data []byte) error {
	return b.record(subj, 0, data)
}

func (b *fakeBroker) record(target string, qos byte, payload []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.fail {
		return fmt.Errorf("dummy publish failure")
	}
	b.sent = append(b.sent, sentMessage{target: target, qos: qos, payload: payload})
	return nil
}

func (b *fakeBroker) messages() []sentMessage {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]sentMessage{}, b.sent...)
}

// fakeMQTT implements TopicPublisher
type fakeMQTT struct {
	fakeBroker
}

func (m *fakeMQTT) Publish(topic string, qos byte, payload []byte) error {
	return m.record(topic, qos, payload)
}

func TestPublishers(t *testing.T) {
	assert := assert.New(t)

	ts := time.Date(2022, 6, 1, 8, 0, 0, 0, time.UTC)
	next := ts.Add(time.Hour * 2)
	event := gate.FeedEvent{
		Kind: gate.FeedAccepted, RequestID: "req-1", Timestamp: ts, NextAvailableAt: &next,
	}

	// Case 0: NATS
	{
		_, err := GetNATSPublisher(nil, "feedcast.events")
		assert.NotNil(err)
		broker := &fakeBroker{}
		uut, err := GetNATSPublisher(broker, "feedcast.events")
		assert.Nil(err)
		assert.Equal("nats:feedcast.events", uut.Name())
		assert.Nil(uut.Publish(context.Background(), event))
		sent := broker.messages()
		assert.Len(sent, 1)
		assert.Equal("feedcast.events", sent[0].target)
		var parsed gate.FeedEvent
		assert.Nil(json.Unmarshal(sent[0].payload, &parsed))
		assert.Equal(gate.FeedAccepted, parsed.Kind)
		assert.Equal("req-1", parsed.RequestID)
		assert.True(next.Equal(*parsed.NextAvailableAt))
	}

	// Case 1: MQTT
	{
		_, err := GetMQTTPublisher(&fakeMQTT{}, "feedcast", 3)
		assert.NotNil(err)
		client := &fakeMQTT{}
		uut, err := GetMQTTPublisher(client, "feedcast", 1)
		assert.Nil(err)
		assert.Nil(uut.Publish(context.Background(), event))
		assert.Nil(uut.Publish(
			context.Background(), gate.FeedEvent{Kind: gate.FeedCooldownExpired, Timestamp: next},
		))
		sent := client.messages()
		assert.Len(sent, 2)
		assert.Equal("feedcast/feed.accepted", sent[0].target)
		assert.Equal(byte(1), sent[0].qos)
		assert.Equal("feedcast/feed.cooldown_expired", sent[1].target)
	}
}

func TestDispatcher(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	_, err := GetDispatcher(ctxt, 4, time.Millisecond*50, nil)
	assert.NotNil(err)

	good := &fakeBroker{}
	bad := &fakeMQTT{fakeBroker{fail: true}}
	goodPub, err := GetNATSPublisher(good, "feedcast.events")
	assert.Nil(err)
	badPub, err := GetMQTTPublisher(bad, "feedcast", 0)
	assert.Nil(err)

	uut, err := GetDispatcher(ctxt, 4, time.Millisecond*50, []Publisher{badPub, goodPub})
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))

	// A failing publisher does not stop the others
	kinds := []gate.FeedEventKind{gate.FeedAccepted, gate.FeedRejected, gate.FeedFailed}
	for _, kind := range kinds {
		uut.Observe(gate.FeedEvent{Kind: kind, Timestamp: time.Now()})
	}
	assert.Eventually(func() bool {
		return len(good.messages()) == len(kinds)
	}, time.Second, time.Millisecond*5)
	for idx, msg := range good.messages() {
		var parsed gate.FeedEvent
		assert.Nil(json.Unmarshal(msg.payload, &parsed))
		assert.Equal(kinds[idx], parsed.Kind)
	}

	// After stopping, events are dropped without blocking the caller
	assert.Nil(uut.Stop())
	began := time.Now()
	uut.Observe(gate.FeedEvent{Kind: gate.FeedAccepted, Timestamp: time.Now()})
	assert.Less(time.Since(began), time.Millisecond*500)
	time.Sleep(time.Millisecond * 50)
	assert.Len(good.messages(), len(kinds))
}
