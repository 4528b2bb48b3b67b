package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"metalwatch/internal/config"
	"metalwatch/internal/market"
)

// Client is the subset of a redis client the publisher needs.
type Client interface {
	Pipeline() redis.Pipeliner
	Close() error
}

// Options tune key naming and expiry.
type Options struct {
	KeyPrefix     string
	ChannelPrefix string
	TTL           time.Duration
}

// Payload is the JSON document stored and broadcast for one currency.
type Payload struct {
	Currency  string             `json:"currency"`
	Prices    map[string]float64 `json:"prices"`
	Timestamp int64              `json:"timestamp"`
	Source    string             `json:"source"`
	Degraded  bool               `json:"degraded"`
	CycleID   string             `json:"cycle_id,omitempty"`
}

// Publisher writes the latest per-currency snapshot to Redis and announces it on a channel.
type Publisher struct {
	client Client
	opts   Options
	logger zerolog.Logger
}

// NewClient dials Redis from config.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewPublisher constructs a Publisher.
func NewPublisher(client Client, opts Options, logger zerolog.Logger) *Publisher {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "metalwatch:prices:"
	}
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = "metalwatch:updates:"
	}
	return &Publisher{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "redis_publisher").Logger(),
	}
}

// Key returns the storage key for cur.
func (p *Publisher) Key(cur market.Currency) string {
	return p.opts.KeyPrefix + string(cur)
}

// Channel returns the pub/sub channel for cur.
func (p *Publisher) Channel(cur market.Currency) string {
	return p.opts.ChannelPrefix + string(cur)
}

// Publish stores and broadcasts every snapshot in one pipeline round trip.
func (p *Publisher) Publish(ctx context.Context, cycleID string, snaps map[market.Currency]market.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, cur := range market.Currencies {
		snap, ok := snaps[cur]
		if !ok {
			continue
		}
		body, err := json.Marshal(toPayload(cycleID, snap))
		if err != nil {
			return fmt.Errorf("marshal %s snapshot: %w", cur, err)
		}
		pipe.Set(ctx, p.Key(cur), body, p.opts.TTL)
		pipe.Publish(ctx, p.Channel(cur), body)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline exec: %w", err)
	}

	p.logger.Debug().Str("cycle_id", cycleID).Int("currencies", len(snaps)).Msg("snapshots published")
	return nil
}

// Close releases the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func toPayload(cycleID string, snap market.Snapshot) Payload {
	prices := make(map[string]float64, len(snap.Prices))
	for inst, price := range snap.Prices {
		prices[string(inst)] = price
	}
	return Payload{
		Currency:  string(snap.Currency),
		Prices:    prices,
		Timestamp: snap.Timestamp,
		Source:    snap.Source,
		Degraded:  snap.Degraded,
		CycleID:   cycleID,
	}
}
