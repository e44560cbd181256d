package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
)

// LogSink writes every event to the default slog logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(ctx context.Context, events []Event) error {
	for _, e := range events {
		level := slog.LevelInfo
		if e.Kind == KindLowBalance {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "wallet event",
			"kind", e.Kind,
			"tenant_id", e.TenantID,
			"balance", e.Balance.String(),
			"delta", e.Delta.String(),
			"reference", e.Reference,
		)
	}
	return nil
}

// WebhookSink posts each batch as JSON to a fixed URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url. A nil client uses http.DefaultClient.
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSink{url: url, client: client}
}

func (s *WebhookSink) Name() string { return "webhook" }

type webhookBody struct {
	Events []Event `json:"events"`
}

func (s *WebhookSink) Send(ctx context.Context, events []Event) error {
	body, err := json.Marshal(webhookBody{Events: events})
	if err != nil {
		return fmt.Errorf("encoding events: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting events: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// RedisPublisher is the subset of *redis.Client used by RedisSink.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes each event as JSON on a pub/sub channel.
type RedisSink struct {
	client  RedisPublisher
	channel string
}

// NewRedisSink creates a sink publishing on channel.
func NewRedisSink(client RedisPublisher, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// DialRedis parses a redis:// URL and checks the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, events []Event) error {
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}
		if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
			return fmt.Errorf("publishing to %s: %w", s.channel, err)
		}
	}
	return nil
}
