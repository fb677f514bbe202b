package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
)

// ErrUnknownTopic is returned when emitting a topic outside DefaultTopics.
var ErrUnknownTopic = errors.New("events: unknown topic")

// Event is a persisted domain event.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID uuid.UUID       `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// EventStore defines the persistence operations required by the event bus.
type EventStore interface {
	InsertEvent(ctx context.Context, ev Event) (Event, error)
}

// Notifier reacts to emitted events (e.g. dashboards, metrics, etc.).
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Bus persists domain events and fans them out to downstream handlers.
type Bus struct {
	Store     EventStore
	Notifiers []Notifier
}

// Emit records the event and dispatches it to all configured handlers.
func (b *Bus) Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) (Event, error) {
	if b == nil || b.Store == nil {
		return Event{}, errors.New("events: store not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Event{}, errors.New("events: topic is required")
	}
	if !isKnownTopic(topic) {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if aggregateID == uuid.Nil {
		return Event{}, errors.New("events: aggregate id is required")
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: encode payload: %w", err)
	}
	ev, err := b.Store.InsertEvent(ctx, Event{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     encoded,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		return Event{}, fmt.Errorf("events: persist event: %w", err)
	}
	var joined error
	for _, notifier := range b.Notifiers {
		if notifier == nil {
			continue
		}
		if notifyErr := notifier.Notify(ctx, ev); notifyErr != nil {
			joined = errors.Join(joined, fmt.Errorf("events: notifier: %w", notifyErr))
		}
	}
	return ev, joined
}

func encodePayload(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	switch v := payload.(type) {
	case []byte:
		if len(v) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return append([]byte(nil), v...), nil
	case json.RawMessage:
		if len(v) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return append([]byte(nil), v...), nil
	default:
		return json.Marshal(v)
	}
}

// PGStore writes events to the domain_events table.
type PGStore struct {
	Pool *pgxpool.Pool
}

// InsertEvent persists ev and returns it with the database timestamp.
func (s PGStore) InsertEvent(ctx context.Context, ev Event) (Event, error) {
	if s.Pool == nil {
		return Event{}, errors.New("events: pool not configured")
	}
	err := s.Pool.QueryRow(ctx, `INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5) RETURNING occurred_at`, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt).Scan(&ev.OccurredAt)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// RedisPublisher publishes every event on a per-topic pub/sub channel so
// back-office dashboards can follow register activity.
type RedisPublisher struct {
	Client *redis.Client
	Prefix string
}

// Notify publishes the JSON-encoded event.
func (p RedisPublisher) Notify(ctx context.Context, ev Event) error {
	if p.Client == nil {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.Client.Publish(ctx, p.Channel(ev.Topic), body).Err()
}

// Channel returns the pub/sub channel for topic.
func (p RedisPublisher) Channel(topic string) string {
	prefix := strings.TrimSpace(p.Prefix)
	if prefix == "" {
		prefix = "ravenpos"
	}
	return prefix + ":events:" + topic
}
