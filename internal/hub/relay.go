package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strikeDusha/noexcel/internal/util"
)

const relayChannelPrefix = "noexcel:sheet:"

// relayEnvelope is the wire form of one relayed publish. Origin lets an
// instance skip its own messages, which the local hub already delivered.
type relayEnvelope struct {
	Origin        string          `json:"origin"`
	SpreadsheetID string          `json:"spreadsheetId"`
	Message       json.RawMessage `json:"message"`
}

// Relay mirrors local publishes to a Redis pub/sub channel per sheet and
// feeds remote publishes back into the local hub, so subscribers connected
// to other instances of the server see the same broadcasts. Single-process
// deployments use the Hub directly and never construct a Relay.
type Relay struct {
	client     *redis.Client
	hub        *Hub
	instanceID string
	pubsub     *redis.PubSub
	done       chan struct{}
}

func NewRelay(redisURL string, h *Hub) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	relay := &Relay{
		client:     client,
		hub:        h,
		instanceID: util.NewID("node"),
		pubsub:     client.PSubscribe(context.Background(), relayChannelPrefix+"*"),
		done:       make(chan struct{}),
	}
	go relay.receive()
	return relay, nil
}

// Publish delivers locally first, then mirrors the message to the relay
// channel. Relay failures are logged and never surfaced: remote delivery is
// best-effort just like per-connection delivery.
func (r *Relay) Publish(spreadsheetID string, message any) {
	r.hub.Publish(spreadsheetID, message)

	raw, err := json.Marshal(message)
	if err != nil {
		log.Printf(`{"event":"relay_encode_failed","sheet":"%s","error":"%v"}`, spreadsheetID, err)
		return
	}
	payload, err := json.Marshal(relayEnvelope{
		Origin:        r.instanceID,
		SpreadsheetID: spreadsheetID,
		Message:       raw,
	})
	if err != nil {
		log.Printf(`{"event":"relay_encode_failed","sheet":"%s","error":"%v"}`, spreadsheetID, err)
		return
	}
	if err := r.client.Publish(context.Background(), relayChannelPrefix+spreadsheetID, payload).Err(); err != nil {
		log.Printf(`{"event":"relay_publish_failed","sheet":"%s","error":"%v"}`, spreadsheetID, err)
	}
}

func (r *Relay) receive() {
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-r.pubsub.Channel():
			if !ok {
				return
			}
			var envelope relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				log.Printf(`{"event":"relay_decode_failed","error":"%v"}`, err)
				continue
			}
			if envelope.Origin == r.instanceID {
				continue
			}
			var message map[string]any
			if err := json.Unmarshal(envelope.Message, &message); err != nil {
				log.Printf(`{"event":"relay_decode_failed","error":"%v"}`, err)
				continue
			}
			r.hub.Publish(envelope.SpreadsheetID, message)
		}
	}
}

func (r *Relay) Close() error {
	close(r.done)
	if err := r.pubsub.Close(); err != nil {
		_ = r.client.Close()
		return err
	}
	return r.client.Close()
}

// Ping checks if Redis is reachable
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
