package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pulse/internal/models"
)

// DefaultChannel is the pub/sub channel alert events are published on.
const DefaultChannel = "pulse:alerts"

// Publisher is the slice of the redis client the event publisher needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Event is the JSON payload published for each alert transition.
type Event struct {
	Type      string            `json:"type"` // "down" or "recovered"
	MonitorID int64             `json:"monitor_id"`
	Name      string            `json:"name"`
	URL       string            `json:"url"`
	Group     string            `json:"group,omitempty"`
	State     models.AlertState `json:"state"`
	Cause     string            `json:"cause,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	At        time.Time         `json:"at"`
}

// Redis publishes alert events so other services can react to them.
type Redis struct {
	client  Publisher
	channel string
	now     func() time.Time
}

// NewRedis returns a Redis event notifier. An empty channel uses DefaultChannel.
func NewRedis(client Publisher, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel, now: time.Now}
}

// NewRedisClient builds a go-redis client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		DisableIdentity: true,
	})
}

func (r *Redis) SendAlert(ctx context.Context, recipient string, m models.Monitor, state models.AlertState, cause string) error {
	return r.publish(ctx, Event{
		Type: "down", MonitorID: m.ID, Name: m.Name, URL: m.URL, Group: m.Group,
		State: state, Cause: cause, Recipient: recipient, At: r.now().UTC(),
	})
}

func (r *Redis) SendRecoveryNotice(ctx context.Context, recipient string, m models.Monitor) error {
	return r.publish(ctx, Event{
		Type: "recovered", MonitorID: m.ID, Name: m.Name, URL: m.URL, Group: m.Group,
		State: models.StateUp, Recipient: recipient, At: r.now().UTC(),
	})
}

func (r *Redis) publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode alert event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish alert event: %w", err)
	}
	return nil
}
