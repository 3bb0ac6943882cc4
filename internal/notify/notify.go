package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pieceflow-backend/internal/logger"
	"pieceflow-backend/internal/models"
)

type EventType string

const (
	StageStarted   EventType = "stage.started"
	StageCompleted EventType = "stage.completed"
	StagePending   EventType = "stage.pending" // sonraki adım açıldı
	LineAssigned   EventType = "stage.line_assigned"
	BatchCompleted EventType = "batch.completed"
)

// Event is what operator terminals receive when progress changes.
type Event struct {
	Type       EventType        `json:"type"`
	BatchID    uint             `json:"batch_id"`
	ProgressID uint             `json:"progress_id,omitempty"`
	StepID     uint             `json:"step_id,omitempty"`
	Stage      models.StageType `json:"stage,omitempty"`
	LineID     uint             `json:"line_id,omitempty"`
	At         time.Time        `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// PublishAll sends events in order and logs failures; delivery is best effort.
func PublishAll(ctx context.Context, p Publisher, log *logger.Logger, events []Event) {
	if p == nil {
		return
	}
	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		if err := p.Publish(ctx, ev); err != nil {
			log.Warn("event publish failed", "type", ev.Type, "batch_id", ev.BatchID, "error", err)
		}
	}
}

type redisPublisher struct {
	log     *logger.Logger
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher connects to addr and verifies the connection with a ping.
func NewRedisPublisher(log *logger.Logger, addr, password, channel string) (Publisher, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "pieceflow.events"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisPublisher{
		log:     log.With("service", "RedisPublisher"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (p *redisPublisher) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, raw).Err()
}

func (p *redisPublisher) Close() error {
	if p == nil || p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
