package transcript

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BioHazard786/huddle/internal/errs"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	mqttQoS        = 0
	disconnectWait = 250 // milliseconds
)

type mqttFeed struct {
	client mqtt.Client

	mu     sync.Mutex
	topics map[string]bool
}

// DialMQTT connects to an MQTT broker. mqtt:// and mqtts:// are accepted as
// aliases of tcp:// and ssl://.
func DialMQTT(ctx context.Context, opts Options) (Feed, error) {
	broker := opts.URI
	switch {
	case strings.HasPrefix(broker, "mqtt://"):
		broker = "tcp://" + strings.TrimPrefix(broker, "mqtt://")
	case strings.HasPrefix(broker, "mqtts://"):
		broker = "ssl://" + strings.TrimPrefix(broker, "mqtts://")
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "huddle-" + uuid.NewString()[:8]
	}

	o := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Str("module", "transcript").Err(err).Msg("broker connection lost")
		})

	client := mqtt.NewClient(o)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, errs.Cause("dial mqtt", errs.ErrSignalingUnavailable, err)
	}
	log.Info().Str("module", "transcript").Str("broker", broker).Msg("connected to broker")
	return newMQTTFeed(client), nil
}

func newMQTTFeed(client mqtt.Client) *mqttFeed {
	return &mqttFeed{client: client, topics: make(map[string]bool)}
}

func (f *mqttFeed) Subscribe(topic string, h Handler) error {
	token := f.client.Subscribe(topic, mqttQoS, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Payload())
	})
	if err := wait(context.Background(), token); err != nil {
		return errs.Cause("subscribe "+topic, errs.ErrSignalingUnavailable, err)
	}
	f.mu.Lock()
	f.topics[topic] = true
	f.mu.Unlock()
	log.Debug().Str("module", "transcript").Str("topic", topic).Msg("subscribed")
	return nil
}

func (f *mqttFeed) Unsubscribe(topic string) error {
	f.mu.Lock()
	known := f.topics[topic]
	delete(f.topics, topic)
	f.mu.Unlock()
	if !known {
		return nil
	}
	if err := wait(context.Background(), f.client.Unsubscribe(topic)); err != nil {
		return errs.Cause("unsubscribe "+topic, errs.ErrSignalingUnavailable, err)
	}
	return nil
}

func (f *mqttFeed) Close() error {
	f.mu.Lock()
	topics := make([]string, 0, len(f.topics))
	for t := range f.topics {
		topics = append(topics, t)
	}
	f.mu.Unlock()

	var first error
	for _, t := range topics {
		if err := f.Unsubscribe(t); err != nil && first == nil {
			first = err
		}
	}
	f.client.Disconnect(disconnectWait)
	return first
}

// wait blocks on a paho token, giving up after connectTimeout.
func wait(ctx context.Context, t mqtt.Token) error {
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("broker did not respond within %s", connectTimeout)
	}
}
